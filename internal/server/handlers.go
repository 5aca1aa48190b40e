package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"crashpool/internal/events"
	"crashpool/internal/fairness"
	"crashpool/internal/fixedpoint"
	"crashpool/internal/game"
)

var errArchiveDisabled = errors.New("round archive is not configured")

// statusFor maps core errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, game.ErrUnauthorized):
		return fiber.StatusForbidden
	case errors.Is(err, game.ErrRoundNotFound), errors.Is(err, game.ErrBetNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, game.ErrInsufficientBalance), errors.Is(err, game.ErrInsufficientStake):
		return fiber.StatusPaymentRequired
	case errors.Is(err, game.ErrInvalidRoundState),
		errors.Is(err, game.ErrDuplicateBet),
		errors.Is(err, game.ErrPaused),
		errors.Is(err, game.ErrNotInitialized),
		errors.Is(err, game.ErrAlreadyInitialized),
		errors.Is(err, game.ErrFairnessViolation):
		return fiber.StatusConflict
	case errors.Is(err, game.ErrBetOutOfRange),
		errors.Is(err, game.ErrAutoCashoutInvalid),
		errors.Is(err, game.ErrInvalidAmount),
		errors.Is(err, game.ErrInvalidConfig),
		errors.Is(err, game.ErrInvalidCommitment),
		errors.Is(err, fixedpoint.ErrInvalidMultiplier):
		return fiber.StatusBadRequest
	case errors.Is(err, game.ErrArithmeticOverflow):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, errArchiveDisabled):
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

func (s *FiberServer) fail(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	if status >= fiber.StatusInternalServerError {
		s.log.Error("[SERVER] Request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.Status(status).JSON(fiber.Map{
		"error": err.Error(),
	})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": msg,
	})
}

func roundParam(c *fiber.Ctx) (uint64, error) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid round id %q", c.Params("id"))
	}
	return id, nil
}

func parseAutoCashout(s string) (fixedpoint.OptionalMultiplier, error) {
	if s == "" {
		return fixedpoint.None(), nil
	}
	m, err := fixedpoint.ParseMultiplier(s)
	if err != nil {
		return fixedpoint.None(), err
	}
	return fixedpoint.Some(m), nil
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	health := fiber.Map{
		"game": fiber.Map{
			"status":            "running",
			"halted":            s.engine.Halted(),
			"paused":            s.engine.Config().Paused,
			"connected_clients": s.gameHub.GetClientCount(),
		},
	}
	if s.db != nil {
		health["database"] = s.db.Health()
	}
	if s.cache != nil {
		health["cache"] = s.cache.Health()
	}
	return c.JSON(health)
}

// Round and history handlers

func (s *FiberServer) getGameStateHandler(c *fiber.Ctx) error {
	round, ok := s.engine.CurrentRound()
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "No active game round",
		})
	}
	m, err := s.engine.Multiplier(round.ID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"round":      round,
		"multiplier": m,
		"last_seq":   s.bus.LastSeq(round.ID),
	})
}

func (s *FiberServer) getConfigHandler(c *fiber.Ctx) error {
	return c.JSON(s.engine.Config())
}

func (s *FiberServer) getStatsHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"stats":  s.engine.Stats(),
		"pool":   s.engine.Pool(),
		"halted": s.engine.Halted(),
	})
}

func (s *FiberServer) listRoundsHandler(c *fiber.Ctx) error {
	return c.JSON(s.engine.RecentRounds(c.QueryInt("limit", 20)))
}

func (s *FiberServer) roundHistoryHandler(c *fiber.Ctx) error {
	if s.archive == nil {
		return s.fail(c, errArchiveDisabled)
	}
	before, err := strconv.ParseUint(c.Query("before", "0"), 10, 64)
	if err != nil {
		return badRequest(c, "before must be a round id")
	}
	rounds, err := s.archive.History(c.Context(), c.QueryInt("limit", 50), before)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(rounds)
}

// findRound looks in memory first and falls back to the archive for rounds
// the engine has already retired.
func (s *FiberServer) findRound(ctx context.Context, id uint64) (game.RoundView, []game.Bet, error) {
	v, err := s.engine.Round(id)
	if err == nil {
		bets, err := s.engine.RoundBets(id)
		return v, bets, err
	}
	if !errors.Is(err, game.ErrRoundNotFound) || s.archive == nil {
		return game.RoundView{}, nil, err
	}
	rr, err := s.archive.Round(ctx, id)
	if err != nil {
		return game.RoundView{}, nil, err
	}
	return rr.Round, rr.Bets, nil
}

func (s *FiberServer) getRoundHandler(c *fiber.Ctx) error {
	id, err := roundParam(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	v, _, err := s.findRound(c.Context(), id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(v)
}

func (s *FiberServer) getRoundBetsHandler(c *fiber.Ctx) error {
	id, err := roundParam(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	_, bets, err := s.findRound(c.Context(), id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(bets)
}

// getRoundProofHandler returns the audit record of a resolved round along
// with the server's own verification of it.
func (s *FiberServer) getRoundProofHandler(c *fiber.Ctx) error {
	id, err := roundParam(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	v, _, err := s.findRound(c.Context(), id)
	if err != nil {
		return s.fail(c, err)
	}
	proof, ok := v.Proof()
	if !ok {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": fmt.Sprintf("round %d has no verifiable outcome (%s)", v.ID, v.Status),
		})
	}
	resp := fiber.Map{"proof": proof, "verified": true}
	if err := fairness.VerifyRound(proof); err != nil {
		resp["verified"] = false
		resp["error"] = err.Error()
	}
	return c.JSON(resp)
}

func (s *FiberServer) getRoundEventsHandler(c *fiber.Ctx) error {
	id, err := roundParam(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	after, err := strconv.ParseUint(c.Query("after_seq", "0"), 10, 64)
	if err != nil {
		return badRequest(c, "after_seq must be a sequence number")
	}
	return c.JSON(s.bus.Replay(id, after))
}

// Player handlers

type betRequest struct {
	UserID      string `json:"user_id"`
	RoundID     uint64 `json:"round_id"`
	Amount      uint64 `json:"amount"`
	AutoCashout string `json:"auto_cashout"`
}

type cashoutRequest struct {
	UserID  string `json:"user_id"`
	RoundID uint64 `json:"round_id"`
}

// currentRoundID resolves a zero round id to the live round.
func (s *FiberServer) currentRoundID(id uint64) (uint64, error) {
	if id != 0 {
		return id, nil
	}
	round, ok := s.engine.CurrentRound()
	if !ok {
		return 0, fmt.Errorf("%w: no live round", game.ErrRoundNotFound)
	}
	return round.ID, nil
}

func (s *FiberServer) placeBet(ctx context.Context, req betRequest) (game.Bet, error) {
	auto, err := parseAutoCashout(req.AutoCashout)
	if err != nil {
		return game.Bet{}, err
	}
	roundID, err := s.currentRoundID(req.RoundID)
	if err != nil {
		return game.Bet{}, err
	}
	return s.engine.PlaceBet(ctx, roundID, req.UserID, fixedpoint.Amount(req.Amount), auto)
}

func (s *FiberServer) cashout(req cashoutRequest) (game.Bet, error) {
	roundID, err := s.currentRoundID(req.RoundID)
	if err != nil {
		return game.Bet{}, err
	}
	return s.engine.RequestCashout(roundID, req.UserID)
}

func (s *FiberServer) placeBetHandler(c *fiber.Ctx) error {
	var req betRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if req.UserID == "" {
		return badRequest(c, "User ID is required")
	}

	bet, err := s.placeBet(c.Context(), req)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(bet)
}

// cashoutHandler records a cashout at the server's curve value. Success is
// provisional until the round resolves: a cashout that landed after the
// revealed crash point settles as lost, and the resolved bet carries
// cashout_reversed so clients can show the reversal.
func (s *FiberServer) cashoutHandler(c *fiber.Ctx) error {
	var req cashoutRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if req.UserID == "" {
		return badRequest(c, "User ID is required")
	}

	bet, err := s.cashout(req)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(bet)
}

// Staking handlers

type stakeRequest struct {
	UserID string `json:"user_id"`
	Amount uint64 `json:"amount"`
}

func (s *FiberServer) getPoolHandler(c *fiber.Ctx) error {
	return c.JSON(s.engine.Pool())
}

func (s *FiberServer) getPoolEventsHandler(c *fiber.Ctx) error {
	after, err := strconv.ParseUint(c.Query("after_seq", "0"), 10, 64)
	if err != nil {
		return badRequest(c, "after_seq must be a sequence number")
	}
	return c.JSON(s.bus.Replay(events.PoolStream, after))
}

func (s *FiberServer) getStakeHandler(c *fiber.Ctx) error {
	view, err := s.engine.StakePosition(c.Params("staker"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(view)
}

func (s *FiberServer) parseStake(c *fiber.Ctx) (stakeRequest, bool) {
	var req stakeRequest
	if err := c.BodyParser(&req); err != nil || req.UserID == "" {
		return req, false
	}
	return req, true
}

func (s *FiberServer) stakeHandler(c *fiber.Ctx) error {
	req, ok := s.parseStake(c)
	if !ok {
		return badRequest(c, "user_id and amount are required")
	}
	view, err := s.engine.StakeLP(c.Context(), req.UserID, fixedpoint.Amount(req.Amount))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(view)
}

func (s *FiberServer) unstakeHandler(c *fiber.Ctx) error {
	req, ok := s.parseStake(c)
	if !ok {
		return badRequest(c, "user_id and amount are required")
	}
	view, err := s.engine.UnstakeLP(c.Context(), req.UserID, fixedpoint.Amount(req.Amount))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(view)
}

func (s *FiberServer) claimHandler(c *fiber.Ctx) error {
	req, ok := s.parseStake(c)
	if !ok {
		return badRequest(c, "User ID is required")
	}
	paid, err := s.engine.ClaimRewards(c.Context(), req.UserID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"user_id": req.UserID,
		"claimed": paid,
	})
}

// User handlers

func (s *FiberServer) getUserBalanceHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")
	chips, err := s.wallet.Balance(c.Context(), userID, game.AssetChips)
	if err != nil {
		return s.fail(c, err)
	}
	lp, err := s.wallet.Balance(c.Context(), userID, game.AssetLP)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"user_id": userID,
		"chips":   chips,
		"lp":      lp,
	})
}

func (s *FiberServer) getUserBetsHandler(c *fiber.Ctx) error {
	if s.archive == nil {
		return s.fail(c, errArchiveDisabled)
	}
	bets, err := s.archive.PlayerBets(c.Context(), c.Params("userId"), c.QueryInt("limit", 50))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(bets)
}

// Admin handlers

type adminRequest struct {
	Caller       string `json:"caller"`
	HouseEdgeBps uint32 `json:"house_edge_bps"`
	MinBet       uint64 `json:"min_bet"`
	MaxBet       uint64 `json:"max_bet"`
	Paused       bool   `json:"paused"`

	UserID string `json:"user_id"`
	Asset  string `json:"asset"`
	Amount uint64 `json:"amount"`
}

func parseAdmin(c *fiber.Ctx) (adminRequest, error) {
	var req adminRequest
	if err := c.BodyParser(&req); err != nil {
		return req, err
	}
	if req.Caller == "" {
		return req, errors.New("caller is required")
	}
	return req, nil
}

func (s *FiberServer) initializeHandler(c *fiber.Ctx) error {
	req, err := parseAdmin(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	if err := s.engine.Initialize(req.Caller, req.HouseEdgeBps, fixedpoint.Amount(req.MinBet), fixedpoint.Amount(req.MaxBet)); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(s.engine.Config())
}

func (s *FiberServer) pauseHandler(c *fiber.Ctx) error {
	req, err := parseAdmin(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	if err := s.engine.SetPause(req.Caller, req.Paused); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(s.engine.Config())
}

func (s *FiberServer) houseEdgeHandler(c *fiber.Ctx) error {
	req, err := parseAdmin(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	if err := s.engine.UpdateHouseEdge(req.Caller, req.HouseEdgeBps); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(s.engine.Config())
}

func (s *FiberServer) clearHaltHandler(c *fiber.Ctx) error {
	req, err := parseAdmin(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	if err := s.engine.ClearFairnessHalt(req.Caller); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"halted": s.engine.Halted()})
}

// depositHandler tops up an account, for test and demo deployments.
func (s *FiberServer) depositHandler(c *fiber.Ctx) error {
	req, err := parseAdmin(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	if req.Caller != s.engine.Config().Admin {
		return s.fail(c, fmt.Errorf("%w: %s is not the admin", game.ErrUnauthorized, req.Caller))
	}
	if s.deposit == nil {
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{
			"error": "wallet does not accept deposits",
		})
	}
	asset := game.Asset(req.Asset)
	if asset == "" {
		asset = game.AssetChips
	}
	if asset != game.AssetChips && asset != game.AssetLP {
		return badRequest(c, "asset must be chips or lp")
	}
	if req.UserID == "" || req.Amount == 0 {
		return badRequest(c, "user_id and amount are required")
	}
	if err := s.deposit(c.Context(), req.UserID, asset, fixedpoint.Amount(req.Amount)); err != nil {
		return s.fail(c, err)
	}
	balance, err := s.wallet.Balance(c.Context(), req.UserID, asset)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"user_id": req.UserID,
		"asset":   asset,
		"balance": balance,
	})
}

// Operator handlers, for running rounds by hand when the dealer is off.

type operatorRequest struct {
	Caller     string `json:"caller"`
	Commitment string `json:"commitment"`
	Seed       string `json:"seed"`
}

func parseOperator(c *fiber.Ctx) (operatorRequest, uint64, error) {
	var req operatorRequest
	if err := c.BodyParser(&req); err != nil {
		return req, 0, err
	}
	if req.Caller == "" {
		return req, 0, errors.New("caller is required")
	}
	if c.Params("id") == "" {
		return req, 0, nil
	}
	id, err := roundParam(c)
	return req, id, err
}

func (s *FiberServer) openRoundHandler(c *fiber.Ctx) error {
	req, _, err := parseOperator(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	v, err := s.engine.OpenRound(req.Caller, fairness.Commitment(req.Commitment))
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(v)
}

func (s *FiberServer) closeBettingHandler(c *fiber.Ctx) error {
	req, id, err := parseOperator(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	v, err := s.engine.CloseBetting(req.Caller, id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(v)
}

func (s *FiberServer) markCrashedHandler(c *fiber.Ctx) error {
	req, id, err := parseOperator(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	v, err := s.engine.MarkCrashed(req.Caller, id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(v)
}

func (s *FiberServer) resolveRoundHandler(c *fiber.Ctx) error {
	req, id, err := parseOperator(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	seed, err := fairness.ParseSeed(req.Seed)
	if err != nil {
		return badRequest(c, err.Error())
	}
	v, err := s.engine.ResolveRound(c.Context(), req.Caller, id, seed)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(v)
}

func (s *FiberServer) abortRoundHandler(c *fiber.Ctx) error {
	req, id, err := parseOperator(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	v, err := s.engine.AbortRound(c.Context(), req.Caller, id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(v)
}

// WebSocket

type wsCommand struct {
	Type        string `json:"type"`
	RoundID     uint64 `json:"round_id"`
	Amount      uint64 `json:"amount"`
	AutoCashout string `json:"auto_cashout"`
}

type wsReply struct {
	Type    string    `json:"type"`
	Success bool      `json:"success"`
	Bet     *game.Bet `json:"bet,omitempty"`
	Error   string    `json:"error,omitempty"`
}

func replyFor(kind string, bet game.Bet, err error) wsReply {
	if err != nil {
		return wsReply{Type: kind, Error: err.Error()}
	}
	return wsReply{Type: kind, Success: true, Bet: &bet}
}

// gameWebSocketHandler streams bus events to the client. On connect it
// replays the live round and the pool stream after the client's last seen
// sequence numbers, so reconnecting clients do not miss settlement events.
func (s *FiberServer) gameWebSocketHandler(conn *websocket.Conn) {
	userID := conn.Query("user_id", "anonymous")
	afterSeq, _ := strconv.ParseUint(conn.Query("after_seq", "0"), 10, 64)
	afterPool, _ := strconv.ParseUint(conn.Query("after_pool_seq", "0"), 10, 64)

	var backlog []events.Event
	if round, ok := s.engine.CurrentRound(); ok {
		backlog = append(backlog, s.bus.Replay(round.ID, afterSeq)...)
	}
	backlog = append(backlog, s.bus.Replay(events.PoolStream, afterPool)...)

	client := s.gameHub.RegisterClient(conn, userID, backlog)
	if client == nil {
		return
	}
	defer s.gameHub.UnregisterClient(client)

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			s.log.Debug("[WS] Read error", zap.String("user_id", userID), zap.Error(err))
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var cmd wsCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			continue
		}

		switch cmd.Type {
		case "place_bet":
			bet, err := s.placeBet(context.Background(), betRequest{
				UserID:      userID,
				RoundID:     cmd.RoundID,
				Amount:      cmd.Amount,
				AutoCashout: cmd.AutoCashout,
			})
			client.send(replyFor("bet_result", bet, err))

		case "cashout":
			bet, err := s.cashout(cashoutRequest{UserID: userID, RoundID: cmd.RoundID})
			client.send(replyFor("cashout_result", bet, err))

		case "ping":
			client.send(map[string]string{"type": "pong"})
		}
	}
}
