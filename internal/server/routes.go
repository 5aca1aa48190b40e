package server

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *FiberServer) RegisterFiberRoutes() {
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Accept,Authorization,Content-Type",
		AllowCredentials: false, // credentials require explicit origins
		MaxAge:           300,
	}))

	s.App.Get("/health", s.healthHandler)
	s.App.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := s.App.Group("/api/v1")

	api.Get("/state", s.getGameStateHandler)
	api.Get("/config", s.getConfigHandler)
	api.Get("/casino/stats", s.getStatsHandler)

	api.Get("/rounds", s.listRoundsHandler)
	api.Get("/rounds/history", s.roundHistoryHandler)
	api.Get("/rounds/:id", s.getRoundHandler)
	api.Get("/rounds/:id/bets", s.getRoundBetsHandler)
	api.Get("/rounds/:id/proof", s.getRoundProofHandler)
	api.Get("/rounds/:id/events", s.getRoundEventsHandler)

	api.Post("/bet", s.placeBetHandler)
	api.Post("/cashout", s.cashoutHandler)

	api.Get("/pool", s.getPoolHandler)
	api.Get("/pool/events", s.getPoolEventsHandler)
	api.Get("/staking/:staker", s.getStakeHandler)
	api.Post("/stake", s.stakeHandler)
	api.Post("/unstake", s.unstakeHandler)
	api.Post("/claim", s.claimHandler)

	api.Get("/user/:userId/balance", s.getUserBalanceHandler)
	api.Get("/user/:userId/bets", s.getUserBetsHandler)

	admin := api.Group("/admin")
	admin.Post("/initialize", s.initializeHandler)
	admin.Post("/pause", s.pauseHandler)
	admin.Post("/house-edge", s.houseEdgeHandler)
	admin.Post("/clear-halt", s.clearHaltHandler)
	admin.Post("/deposit", s.depositHandler)

	operator := api.Group("/operator")
	operator.Post("/rounds", s.openRoundHandler)
	operator.Post("/rounds/:id/close", s.closeBettingHandler)
	operator.Post("/rounds/:id/crash", s.markCrashedHandler)
	operator.Post("/rounds/:id/resolve", s.resolveRoundHandler)
	operator.Post("/rounds/:id/abort", s.abortRoundHandler)

	s.App.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.App.Get("/ws", websocket.New(s.gameWebSocketHandler))
}
