package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"crashpool/internal/cache"
	"crashpool/internal/database"
	"crashpool/internal/events"
	"crashpool/internal/fixedpoint"
	"crashpool/internal/game"
)

// DepositFunc funds an account from outside the game, for the admin
// top-up route. Nil disables the route.
type DepositFunc func(ctx context.Context, account string, asset game.Asset, amount fixedpoint.Amount) error

// Deps are the components the gateway fronts. Cache, DB and Archive are
// optional; routes that need them answer 503 when absent.
type Deps struct {
	Engine  *game.Engine
	Bus     *events.Bus
	Wallet  game.Wallet
	Deposit DepositFunc
	Cache   cache.Service
	DB      database.Service
	Archive *database.RoundArchive
	Log     *zap.Logger

	// RateLimit is requests per minute per client, zero to disable.
	RateLimit int
}

type FiberServer struct {
	*fiber.App

	engine  *game.Engine
	bus     *events.Bus
	wallet  game.Wallet
	deposit DepositFunc
	db      database.Service
	cache   cache.Service
	archive *database.RoundArchive
	gameHub *Hub
	log     *zap.Logger

	cancel context.CancelFunc
	unsub  func()
}

func New(deps Deps) *FiberServer {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}

	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:  "crashpool",
			AppName:       "crashpool",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   120 * time.Second,
			StrictRouting: false,
		}),

		engine:  deps.Engine,
		bus:     deps.Bus,
		wallet:  deps.Wallet,
		deposit: deps.Deposit,
		db:      deps.DB,
		cache:   deps.Cache,
		archive: deps.Archive,
		gameHub: NewHub(log),
		log:     log,
	}

	server.App.Use(recover.New())
	if deps.RateLimit > 0 {
		server.App.Use(limiter.New(limiter.Config{
			Max:        deps.RateLimit,
			Expiration: 1 * time.Minute,
		}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	feed, unsub := deps.Bus.Subscribe(HUB_FEED_BUFFER, nil)
	server.cancel = cancel
	server.unsub = unsub
	go server.gameHub.Run(ctx, feed)

	return server
}

// Shutdown stops the HTTP listener and disconnects websocket clients. The
// dealer and the stores are owned by the caller.
func (s *FiberServer) Shutdown() error {
	s.log.Info("[SERVER] Shutting down...")
	err := s.App.ShutdownWithTimeout(10 * time.Second)
	s.unsub()
	s.cancel()
	return err
}
