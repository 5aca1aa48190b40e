package game

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"crashpool/internal/events"
	"crashpool/internal/fairness"
	"crashpool/internal/fixedpoint"
	"crashpool/internal/metrics"
)

// Publisher receives every state change the engine commits.
type Publisher interface {
	Publish(kind events.Kind, roundID uint64, data any) events.Event
}

type Option func(*Engine)

// WithClock replaces time.Now, for tests and simulations.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is the settlement and fairness core. Every operation runs under a
// single lock, validates before it touches state, and either commits fully
// or leaves nothing behind.
type Engine struct {
	mu sync.Mutex

	cfg         CasinoConfig
	initialized bool
	halted      bool
	stats       Stats

	rounds *RoundStateMachine
	ledger *BetLedger
	pool   *RewardAccumulator

	wallet Wallet
	events Publisher
	log    *zap.Logger
	now    func() time.Time
}

// NewEngine builds an engine for cfg. Admin and Operator must be set; the
// game parameters are supplied later through Initialize.
func NewEngine(cfg CasinoConfig, wallet Wallet, pub Publisher, log *zap.Logger, opts ...Option) (*Engine, error) {
	if cfg.Admin == "" || cfg.Operator == "" {
		return nil, fmt.Errorf("%w: admin and operator are required", ErrInvalidConfig)
	}
	if wallet == nil {
		return nil, errors.New("engine needs a wallet")
	}
	if cfg.Curve == (fairness.Curve{}) {
		cfg.Curve = fairness.DefaultCurve
	}
	if err := cfg.Curve.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.MaxCrashMultiplier != 0 && cfg.MaxCrashMultiplier <= fixedpoint.One {
		return nil, fmt.Errorf("%w: crash cap %s must be above 1.00x", ErrInvalidConfig, cfg.MaxCrashMultiplier)
	}
	if cfg.BettingWindow < 0 || cfg.MaxBetsPerRound < 0 {
		return nil, fmt.Errorf("%w: negative betting window or bet cap", ErrInvalidConfig)
	}
	if log == nil {
		log = zap.NewNop()
	}
	cfg.Paused = false
	cfg.RoundCounter = 0

	e := &Engine{
		cfg:    cfg,
		rounds: NewRoundStateMachine(),
		ledger: NewBetLedger(),
		pool:   NewRewardAccumulator(),
		wallet: wallet,
		events: pub,
		log:    log,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) publish(kind events.Kind, roundID uint64, data any) {
	if e.events != nil {
		e.events.Publish(kind, roundID, data)
	}
}

func (e *Engine) requireAdmin(caller string) error {
	if caller != e.cfg.Admin {
		return fmt.Errorf("%w: %q is not the admin", ErrUnauthorized, caller)
	}
	return nil
}

func (e *Engine) requireOperator(caller string) error {
	if !e.initialized {
		return ErrNotInitialized
	}
	if caller != e.cfg.Operator {
		return fmt.Errorf("%w: %q is not the operator", ErrUnauthorized, caller)
	}
	return nil
}

func (e *Engine) requirePlayer(player string) error {
	if !e.initialized {
		return ErrNotInitialized
	}
	if player == "" {
		return fmt.Errorf("%w: anonymous caller", ErrUnauthorized)
	}
	return nil
}

// Initialize sets the game parameters once.
func (e *Engine) Initialize(caller string, houseEdgeBps uint32, minBet, maxBet fixedpoint.Amount) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if e.initialized {
		return ErrAlreadyInitialized
	}
	if err := validateEdge(houseEdgeBps); err != nil {
		return err
	}
	if err := validateLimits(minBet, maxBet); err != nil {
		return err
	}
	e.cfg.HouseEdgeBps = houseEdgeBps
	e.cfg.MinBet = minBet
	e.cfg.MaxBet = maxBet
	e.initialized = true

	e.log.Info("[CASINO] initialized",
		zap.Uint32("house_edge_bps", houseEdgeBps),
		zap.Uint64("min_bet", uint64(minBet)),
		zap.Uint64("max_bet", uint64(maxBet)))
	e.publish(events.KindConfigChanged, events.PoolStream, e.cfg)
	return nil
}

func (e *Engine) SetPause(caller string, paused bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if !e.initialized {
		return ErrNotInitialized
	}
	e.cfg.Paused = paused
	e.log.Info("[CASINO] pause changed", zap.Bool("paused", paused))
	e.publish(events.KindConfigChanged, events.PoolStream, e.cfg)
	return nil
}

// UpdateHouseEdge applies to rounds opened after the call. A live round
// keeps the edge it was opened with.
func (e *Engine) UpdateHouseEdge(caller string, bps uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if !e.initialized {
		return ErrNotInitialized
	}
	if err := validateEdge(bps); err != nil {
		return err
	}
	prev := e.cfg.HouseEdgeBps
	e.cfg.HouseEdgeBps = bps
	e.log.Info("[CASINO] house edge updated", zap.Uint32("from_bps", prev), zap.Uint32("to_bps", bps))
	e.publish(events.KindConfigChanged, events.PoolStream, e.cfg)
	return nil
}

// ClearFairnessHalt lets new rounds open again after a fairness violation
// has been investigated.
func (e *Engine) ClearFairnessHalt(caller string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if !e.halted {
		return nil
	}
	e.halted = false
	e.log.Warn("[FAIRNESS] halt cleared by admin", zap.String("admin", caller))
	e.publish(events.KindConfigChanged, events.PoolStream, e.cfg)
	return nil
}

// OpenRound starts a Pending round bound to commitment. The commitment must
// be Commit(seed, id) where id is the next round counter value.
func (e *Engine) OpenRound(caller string, commitment fairness.Commitment) (RoundView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireOperator(caller); err != nil {
		return RoundView{}, err
	}
	if e.cfg.Paused {
		return RoundView{}, ErrPaused
	}
	if e.halted {
		return RoundView{}, fmt.Errorf("%w: new rounds halted until cleared by admin", ErrFairnessViolation)
	}
	if e.cfg.RoundCounter == ^uint64(0) {
		return RoundView{}, fmt.Errorf("%w: round counter", ErrArithmeticOverflow)
	}
	commitment, err := e.rounds.checkOpen(commitment)
	if err != nil {
		return RoundView{}, err
	}

	e.cfg.RoundCounter++
	r := e.rounds.open(e.cfg.RoundCounter, commitment, e.cfg.HouseEdgeBps, e.cfg.MaxCrashMultiplier, e.now())
	view := r.view(e.cfg.Curve, 0)

	metrics.RoundsOpened.Inc()
	e.log.Info("[ROUND] opened",
		zap.Uint64("round_id", r.ID),
		zap.String("commitment", string(r.Commitment)),
		zap.Uint32("house_edge_bps", r.HouseEdgeBps))
	e.publish(events.KindRoundOpened, r.ID, view)
	return view, nil
}

func (e *Engine) closeBetting(r *Round, at time.Time, reason string) error {
	if err := e.rounds.closeBetting(r, at); err != nil {
		return err
	}
	e.log.Info("[ROUND] betting closed",
		zap.Uint64("round_id", r.ID),
		zap.String("reason", reason),
		zap.Int("bets", e.ledger.count(r.ID)))
	e.publish(events.KindBettingClosed, r.ID, r.view(e.cfg.Curve, e.ledger.count(r.ID)))
	return nil
}

// expireWindow closes betting on r if its betting window has elapsed and
// reports whether it did. The curve starts at the deadline, not at the call
// that noticed it. Every lifecycle operation and round query calls it first.
func (e *Engine) expireWindow(r *Round, now time.Time) bool {
	if r.Status != RoundPending || e.cfg.BettingWindow == 0 {
		return false
	}
	deadline := r.OpenedAt.Add(e.cfg.BettingWindow)
	if now.Before(deadline) {
		return false
	}
	return e.closeBetting(r, deadline, "window elapsed") == nil
}

func (e *Engine) CloseBetting(caller string, roundID uint64) (RoundView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireOperator(caller); err != nil {
		return RoundView{}, err
	}
	r, err := e.rounds.get(roundID)
	if err != nil {
		return RoundView{}, err
	}
	if !e.expireWindow(r, e.now()) {
		if err := e.closeBetting(r, e.now(), "operator"); err != nil {
			return RoundView{}, err
		}
	}
	return r.view(e.cfg.Curve, e.ledger.count(r.ID)), nil
}

// MarkCrashed freezes a Running round. From here on cashouts are rejected.
func (e *Engine) MarkCrashed(caller string, roundID uint64) (RoundView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireOperator(caller); err != nil {
		return RoundView{}, err
	}
	r, err := e.rounds.get(roundID)
	if err != nil {
		return RoundView{}, err
	}
	e.expireWindow(r, e.now())
	if err := e.rounds.markCrashed(r, e.now()); err != nil {
		return RoundView{}, err
	}
	view := r.view(e.cfg.Curve, e.ledger.count(r.ID))
	e.log.Info("[ROUND] crashed",
		zap.Uint64("round_id", r.ID),
		zap.Stringer("at", e.cfg.Curve.At(r.CrashedAt.Sub(r.RunningAt))))
	e.publish(events.KindRoundCrashed, r.ID, view)
	return view, nil
}

// ResolveRound verifies the revealed seed, derives the crash point and
// settles every bet in one step. A seed that fails verification voids the
// round, refunds every bet, halts new rounds and returns
// ErrFairnessViolation.
func (e *Engine) ResolveRound(ctx context.Context, caller string, roundID uint64, seed fairness.Seed) (RoundView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireOperator(caller); err != nil {
		return RoundView{}, err
	}
	r, err := e.rounds.get(roundID)
	if err != nil {
		return RoundView{}, err
	}
	e.expireWindow(r, e.now())
	if err := e.rounds.checkResolvable(r); err != nil {
		return RoundView{}, err
	}
	bets := e.ledger.bets(r.ID)
	wasRunning := r.Status == RoundRunning

	if verr := fairness.Verify(r.Commitment, seed, r.ID); verr != nil {
		return e.voidRound(ctx, r, bets, seed, verr)
	}

	crash := fairness.CrashMultiplier(seed, r.ID, r.HouseEdgeBps, r.CapBps)
	settlement, outcomes, err := Settle(r.ID, bets, crash)
	if errors.Is(err, ErrArithmeticOverflow) {
		// retrying cannot help, so the round is voided instead of left stuck
		return e.refundUnpayable(ctx, r, bets, seed, crash, err)
	}
	if err != nil {
		return RoundView{}, fmt.Errorf("settle round %d: %w", r.ID, err)
	}

	stats := e.stats
	if stats.TotalPayouts, err = fixedpoint.Add(stats.TotalPayouts, settlement.TotalPaid); err != nil {
		return RoundView{}, err
	}
	if stats.TotalFees, err = fixedpoint.Add(stats.TotalFees, settlement.FeeAccrued); err != nil {
		return RoundView{}, err
	}
	stats.RoundsResolved++

	cp := e.pool.checkpoint("")
	if err := e.pool.AccrueFee(settlement.FeeAccrued); err != nil {
		return RoundView{}, fmt.Errorf("accrue fee for round %d: %w", r.ID, err)
	}
	if err := e.wallet.Credit(ctx, transfers(outcomes)); err != nil {
		e.pool.restore(cp)
		e.log.Error("[ROUND] payout batch failed, round left unresolved",
			zap.Uint64("round_id", r.ID), zap.Error(err))
		return RoundView{}, fmt.Errorf("pay round %d: %w", r.ID, err)
	}

	apply(bets, outcomes)
	e.rounds.resolve(r, seed, crash, &settlement, e.now())
	e.stats = stats

	metrics.RoundsResolved.WithLabelValues("settled").Inc()
	metrics.PaidOut.Add(float64(settlement.TotalPaid))
	metrics.FeesAccrued.Add(float64(settlement.FeeAccrued))
	for i, b := range bets {
		if outcomes[i].Status == BetSettled && b.CashedOutAt.IsZero() {
			metrics.Cashouts.WithLabelValues("auto").Inc()
		}
	}
	if err := e.pool.CheckSolvency(); err != nil {
		e.log.Error("[POOL] solvency check failed", zap.Error(err))
	}

	view := r.view(e.cfg.Curve, len(bets))
	e.log.Info("[ROUND] resolved",
		zap.Uint64("round_id", r.ID),
		zap.Stringer("crash", crash),
		zap.Int("winners", settlement.Winners),
		zap.Int("losers", settlement.Losers),
		zap.Uint64("wagered", uint64(settlement.TotalWagered)),
		zap.Uint64("paid", uint64(settlement.TotalPaid)),
		zap.Uint64("fee", uint64(settlement.FeeAccrued)))
	if wasRunning {
		e.publish(events.KindRoundCrashed, r.ID, view)
	}
	e.publish(events.KindRoundResolved, r.ID, ResolvedRound{Round: view, Bets: snapshot(bets)})
	if settlement.FeeAccrued > 0 {
		e.publish(events.KindFeeAccrued, events.PoolStream, feeAccrued{RoundID: r.ID, Amount: settlement.FeeAccrued, Pool: e.pool.Pool()})
	}
	return view, nil
}

type feeAccrued struct {
	RoundID uint64            `json:"round_id"`
	Amount  fixedpoint.Amount `json:"amount"`
	Pool    PoolAccumulator   `json:"pool"`
}

func (e *Engine) voidRound(ctx context.Context, r *Round, bets []*Bet, seed fairness.Seed, cause error) (RoundView, error) {
	outcomes, refunded, err := Refund(bets)
	if err != nil {
		return RoundView{}, err
	}
	if err := e.wallet.Credit(ctx, transfers(outcomes)); err != nil {
		e.log.Error("[FAIRNESS] refund batch failed, round left unresolved",
			zap.Uint64("round_id", r.ID), zap.Error(err))
		return RoundView{}, fmt.Errorf("refund round %d: %w", r.ID, err)
	}
	apply(bets, outcomes)
	e.rounds.voidForFairness(r, seed, e.now())
	e.halted = true

	metrics.FairnessViolations.Inc()
	metrics.RoundsResolved.WithLabelValues("fairness_violation").Inc()
	e.log.Error("[FAIRNESS] revealed seed failed verification, new rounds halted",
		zap.Uint64("round_id", r.ID),
		zap.String("commitment", string(r.Commitment)),
		zap.Int("refunded_bets", len(bets)),
		zap.Uint64("refunded", uint64(refunded)),
		zap.Error(cause))

	view := r.view(e.cfg.Curve, len(bets))
	e.publish(events.KindFairnessViolation, r.ID, view)
	e.publish(events.KindRoundResolved, r.ID, ResolvedRound{Round: view, Bets: snapshot(bets)})
	return view, cause
}

// refundUnpayable resolves a verified round whose payouts do not fit in an
// Amount. Every bet is refunded and the round is marked aborted, keeping the
// seed and crash point so it can still be audited.
func (e *Engine) refundUnpayable(ctx context.Context, r *Round, bets []*Bet, seed fairness.Seed, crash fixedpoint.Multiplier, cause error) (RoundView, error) {
	wasRunning := r.Status == RoundRunning
	outcomes, refunded, err := Refund(bets)
	if err != nil {
		return RoundView{}, err
	}
	if err := e.wallet.Credit(ctx, transfers(outcomes)); err != nil {
		return RoundView{}, fmt.Errorf("refund round %d: %w", r.ID, err)
	}
	apply(bets, outcomes)
	e.rounds.voidUnpayable(r, seed, crash, e.now())

	metrics.RoundsResolved.WithLabelValues("unpayable").Inc()
	e.log.Error("[ROUND] payouts overflow, round refunded",
		zap.Uint64("round_id", r.ID),
		zap.Stringer("crash", crash),
		zap.Int("refunded_bets", len(bets)),
		zap.Uint64("refunded", uint64(refunded)),
		zap.Error(cause))

	view := r.view(e.cfg.Curve, len(bets))
	if wasRunning {
		e.publish(events.KindRoundCrashed, r.ID, view)
	}
	e.publish(events.KindRoundAborted, r.ID, view)
	e.publish(events.KindRoundResolved, r.ID, ResolvedRound{Round: view, Bets: snapshot(bets)})
	return view, nil
}

// AbortRound cancels a Pending round and refunds every bet.
func (e *Engine) AbortRound(ctx context.Context, caller string, roundID uint64) (RoundView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireOperator(caller); err != nil {
		return RoundView{}, err
	}
	r, err := e.rounds.get(roundID)
	if err != nil {
		return RoundView{}, err
	}
	e.expireWindow(r, e.now())
	if err := e.rounds.checkAbortable(r); err != nil {
		return RoundView{}, err
	}
	bets := e.ledger.bets(r.ID)
	outcomes, refunded, err := Refund(bets)
	if err != nil {
		return RoundView{}, err
	}
	if err := e.wallet.Credit(ctx, transfers(outcomes)); err != nil {
		return RoundView{}, fmt.Errorf("refund round %d: %w", r.ID, err)
	}
	apply(bets, outcomes)
	e.rounds.abort(r, e.now())

	metrics.RoundsResolved.WithLabelValues("aborted").Inc()
	e.log.Warn("[ROUND] aborted",
		zap.Uint64("round_id", r.ID),
		zap.Int("refunded_bets", len(bets)),
		zap.Uint64("refunded", uint64(refunded)))
	view := r.view(e.cfg.Curve, len(bets))
	e.publish(events.KindRoundAborted, r.ID, view)
	e.publish(events.KindRoundResolved, r.ID, ResolvedRound{Round: view, Bets: snapshot(bets)})
	return view, nil
}

// PlaceBet escrows amount from the player and records the bet.
func (e *Engine) PlaceBet(ctx context.Context, roundID uint64, player string, amount fixedpoint.Amount, autoCashout fixedpoint.OptionalMultiplier) (Bet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requirePlayer(player); err != nil {
		return Bet{}, err
	}
	if e.cfg.Paused {
		return Bet{}, ErrPaused
	}
	r, err := e.rounds.get(roundID)
	if err != nil {
		return Bet{}, err
	}
	now := e.now()
	e.expireWindow(r, now)

	bet, err := e.ledger.prepare(r, &e.cfg, player, amount, autoCashout, now)
	if err != nil {
		return Bet{}, err
	}
	volume, err := fixedpoint.Add(e.stats.TotalVolume, amount)
	if err != nil {
		return Bet{}, err
	}
	if err := e.wallet.Debit(ctx, player, AssetChips, amount); err != nil {
		return Bet{}, fmt.Errorf("escrow bet: %w", err)
	}
	e.ledger.insert(bet)
	e.stats.TotalVolume = volume
	e.stats.BetsPlaced++

	metrics.BetsPlaced.Inc()
	metrics.Wagered.Add(float64(amount))
	e.log.Info("[BET] placed",
		zap.Uint64("round_id", r.ID),
		zap.String("player", player),
		zap.Uint64("amount", uint64(amount)),
		zap.Stringer("auto_cashout", autoCashout))
	e.publish(events.KindBetPlaced, r.ID, *bet)

	if e.cfg.MaxBetsPerRound > 0 && e.ledger.count(r.ID) >= e.cfg.MaxBetsPerRound {
		_ = e.closeBetting(r, now, "bet cap reached")
	}
	return *bet, nil
}

// RequestCashout tags the player's bet with the curve value at the engine
// clock. Callers never supply the multiplier.
func (e *Engine) RequestCashout(roundID uint64, player string) (Bet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requirePlayer(player); err != nil {
		return Bet{}, err
	}
	r, err := e.rounds.get(roundID)
	if err != nil {
		return Bet{}, err
	}
	now := e.now()
	e.expireWindow(r, now)

	observed := e.cfg.Curve.At(now.Sub(r.RunningAt))
	bet, err := e.ledger.cashout(r, player, observed, now)
	if err != nil {
		return Bet{}, err
	}

	kind := "manual"
	if bet.CashoutMultiplier < observed {
		kind = "auto"
	}
	metrics.Cashouts.WithLabelValues(kind).Inc()
	e.log.Info("[BET] cashed out",
		zap.Uint64("round_id", r.ID),
		zap.String("player", player),
		zap.Stringer("multiplier", bet.CashoutMultiplier),
		zap.String("kind", kind))
	e.publish(events.KindCashedOut, r.ID, *bet)
	return *bet, nil
}

// StakeLP moves LP tokens from the staker's wallet into the pool.
func (e *Engine) StakeLP(ctx context.Context, staker string, amount fixedpoint.Amount) (StakeView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requirePlayer(staker); err != nil {
		return StakeView{}, err
	}
	if e.cfg.Paused {
		return StakeView{}, ErrPaused
	}
	if amount == 0 {
		return StakeView{}, ErrInvalidAmount
	}
	cp := e.pool.checkpoint(staker)
	if err := e.pool.Stake(staker, amount); err != nil {
		return StakeView{}, err
	}
	if err := e.wallet.Debit(ctx, staker, AssetLP, amount); err != nil {
		e.pool.restore(cp)
		return StakeView{}, fmt.Errorf("escrow stake: %w", err)
	}
	return e.afterStakeChange(events.KindLpStaked, staker, amount)
}

func (e *Engine) UnstakeLP(ctx context.Context, staker string, amount fixedpoint.Amount) (StakeView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requirePlayer(staker); err != nil {
		return StakeView{}, err
	}
	if e.cfg.Paused {
		return StakeView{}, ErrPaused
	}
	cp := e.pool.checkpoint(staker)
	if err := e.pool.Unstake(staker, amount); err != nil {
		return StakeView{}, err
	}
	if err := e.wallet.Credit(ctx, []Transfer{{Account: staker, Asset: AssetLP, Amount: amount}}); err != nil {
		e.pool.restore(cp)
		return StakeView{}, fmt.Errorf("return stake: %w", err)
	}
	return e.afterStakeChange(events.KindLpUnstaked, staker, amount)
}

type stakeChanged struct {
	Staker   string            `json:"staker"`
	Amount   fixedpoint.Amount `json:"amount"`
	Position StakeView         `json:"position"`
	Pool     PoolAccumulator   `json:"pool"`
}

func (e *Engine) afterStakeChange(kind events.Kind, staker string, amount fixedpoint.Amount) (StakeView, error) {
	view, err := e.pool.Pending(staker)
	if err != nil {
		return StakeView{}, err
	}
	pool := e.pool.Pool()
	metrics.TotalStaked.Set(float64(pool.TotalStaked))
	e.log.Info("[POOL] stake changed",
		zap.String("kind", string(kind)),
		zap.String("staker", staker),
		zap.Uint64("amount", uint64(amount)),
		zap.Uint64("total_staked", uint64(pool.TotalStaked)))
	e.publish(kind, events.PoolStream, stakeChanged{Staker: staker, Amount: amount, Position: view, Pool: pool})
	return view, nil
}

// ClaimRewards pays the staker everything owed. Nothing owed pays zero
// without error.
func (e *Engine) ClaimRewards(ctx context.Context, staker string) (fixedpoint.Amount, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requirePlayer(staker); err != nil {
		return 0, err
	}
	cp := e.pool.checkpoint(staker)
	paid, err := e.pool.Claim(staker)
	if err != nil {
		return 0, err
	}
	if paid == 0 {
		return 0, nil
	}
	if err := e.wallet.Credit(ctx, []Transfer{{Account: staker, Asset: AssetChips, Amount: paid}}); err != nil {
		e.pool.restore(cp)
		return 0, fmt.Errorf("pay rewards: %w", err)
	}

	metrics.RewardsClaimed.Add(float64(paid))
	e.log.Info("[POOL] rewards claimed", zap.String("staker", staker), zap.Uint64("amount", uint64(paid)))
	e.publish(events.KindRewardsClaimed, events.PoolStream, stakeChanged{Staker: staker, Amount: paid, Pool: e.pool.Pool()})
	return paid, nil
}

func snapshot(bets []*Bet) []Bet {
	out := make([]Bet, len(bets))
	for i, b := range bets {
		out[i] = *b
	}
	return out
}

// Round returns the public view of a round.
func (e *Engine) Round(id uint64) (RoundView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, err := e.rounds.get(id)
	if err != nil {
		return RoundView{}, err
	}
	e.expireWindow(r, e.now())
	return r.view(e.cfg.Curve, e.ledger.count(id)), nil
}

// CurrentRound returns the live round, if any.
func (e *Engine) CurrentRound() (RoundView, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.rounds.current()
	if !ok {
		return RoundView{}, false
	}
	e.expireWindow(r, e.now())
	return r.view(e.cfg.Curve, e.ledger.count(r.ID)), true
}

// RecentRounds returns up to limit rounds held in memory, newest first.
func (e *Engine) RecentRounds(limit int) []RoundView {
	e.mu.Lock()
	defer e.mu.Unlock()

	rounds := e.rounds.recent(limit)
	out := make([]RoundView, len(rounds))
	now := e.now()
	for i, r := range rounds {
		e.expireWindow(r, now)
		out[i] = r.view(e.cfg.Curve, e.ledger.count(r.ID))
	}
	return out
}

func (e *Engine) RoundBets(id uint64) ([]Bet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.rounds.get(id); err != nil {
		return nil, err
	}
	return snapshot(e.ledger.bets(id)), nil
}

// Multiplier returns the public curve value of a round at the engine clock:
// 1.00x while Pending, frozen at the crash instant once Crashed.
func (e *Engine) Multiplier(id uint64) (fixedpoint.Multiplier, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, err := e.rounds.get(id)
	if err != nil {
		return 0, err
	}
	now := e.now()
	e.expireWindow(r, now)
	switch r.Status {
	case RoundPending:
		return fixedpoint.One, nil
	case RoundRunning:
		return e.cfg.Curve.At(now.Sub(r.RunningAt)), nil
	case RoundCrashed:
		return e.cfg.Curve.At(r.CrashedAt.Sub(r.RunningAt)), nil
	default:
		if r.CrashMultiplier == 0 || r.FairnessViolation {
			return fixedpoint.One, nil
		}
		return r.CrashMultiplier, nil
	}
}

func (e *Engine) StakePosition(staker string) (StakeView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.Pending(staker)
}

func (e *Engine) Pool() PoolAccumulator {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.Pool()
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Engine) Config() CasinoConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Halted reports whether a fairness violation is blocking new rounds.
func (e *Engine) Halted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}

// Curve returns the public growth curve.
func (e *Engine) Curve() fairness.Curve {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Curve
}
