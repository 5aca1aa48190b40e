package game

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"crashpool/internal/events"
	"crashpool/internal/fairness"
	"crashpool/internal/fixedpoint"
)

const (
	testAdmin    = "admin"
	testOperator = "operator"
	testEdgeBps  = 100
	testMinBet   = 100
	testMaxBet   = 1_000_000
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(kind events.Kind, roundID uint64, data any) events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := events.Event{Kind: kind, RoundID: roundID, Seq: uint64(len(r.events) + 1), Data: data}
	r.events = append(r.events, e)
	return e
}

func (r *recorder) kinds(roundID uint64) []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Kind
	for _, e := range r.events {
		if e.RoundID == roundID {
			out = append(out, e.Kind)
		}
	}
	return out
}

// flakyWallet fails every Credit while failCredit is set.
type flakyWallet struct {
	*MemoryWallet
	failCredit bool
}

func (w *flakyWallet) Credit(ctx context.Context, transfers []Transfer) error {
	if w.failCredit {
		return errors.New("wallet unavailable")
	}
	return w.MemoryWallet.Credit(ctx, transfers)
}

type harness struct {
	engine *Engine
	wallet *flakyWallet
	clock  *fakeClock
	events *recorder
}

func newHarness(t *testing.T, mutate func(*CasinoConfig)) *harness {
	t.Helper()
	cfg := CasinoConfig{Admin: testAdmin, Operator: testOperator}
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		wallet: &flakyWallet{MemoryWallet: NewMemoryWallet()},
		clock:  &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
		events: &recorder{},
	}
	e, err := NewEngine(cfg, h.wallet, h.events, zap.NewNop(), WithClock(h.clock.Now))
	require.NoError(t, err)
	require.NoError(t, e.Initialize(testAdmin, testEdgeBps, testMinBet, testMaxBet))
	h.engine = e
	return h
}

func (h *harness) fund(t *testing.T, account string, amount fixedpoint.Amount) {
	t.Helper()
	require.NoError(t, h.wallet.Deposit(account, AssetChips, amount))
}

func (h *harness) balance(t *testing.T, account string) fixedpoint.Amount {
	t.Helper()
	b, err := h.wallet.Balance(context.Background(), account, AssetChips)
	require.NoError(t, err)
	return b
}

// open commits seed to the next round and opens it.
func (h *harness) open(t *testing.T, seed fairness.Seed) RoundView {
	t.Helper()
	id := h.engine.Config().RoundCounter + 1
	v, err := h.engine.OpenRound(testOperator, fairness.Commit(seed, id))
	require.NoError(t, err)
	require.Equal(t, id, v.ID)
	return v
}

func testSeed(i int) fairness.Seed {
	s := make(fairness.Seed, fairness.SEED_SIZE)
	copy(s, fmt.Sprintf("seed-%d", i))
	return s
}

// seedWhere finds a deterministic seed whose crash point for roundID
// satisfies pred.
func seedWhere(t *testing.T, roundID uint64, edgeBps uint32, capBps fixedpoint.Multiplier, pred func(fixedpoint.Multiplier) bool) fairness.Seed {
	t.Helper()
	for i := 0; i < 10000; i++ {
		s := testSeed(i)
		if pred(fairness.CrashMultiplier(s, roundID, edgeBps, capBps)) {
			return s
		}
	}
	t.Fatal("no seed satisfies predicate")
	return nil
}

func TestNewEngine_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  CasinoConfig
	}{
		{"missing admin", CasinoConfig{Operator: testOperator}},
		{"missing operator", CasinoConfig{Admin: testAdmin}},
		{"cap at 1.00x", CasinoConfig{Admin: testAdmin, Operator: testOperator, MaxCrashMultiplier: fixedpoint.One}},
		{"bad curve", CasinoConfig{Admin: testAdmin, Operator: testOperator, Curve: fairness.Curve{K: -1, Growth: 1}}},
		{"negative window", CasinoConfig{Admin: testAdmin, Operator: testOperator, BettingWindow: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(tt.cfg, NewMemoryWallet(), nil, nil)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestEngine_AdminOperations(t *testing.T) {
	e, err := NewEngine(CasinoConfig{Admin: testAdmin, Operator: testOperator}, NewMemoryWallet(), nil, nil)
	require.NoError(t, err)

	_, err = e.OpenRound(testOperator, fairness.Commit(testSeed(0), 1))
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, e.SetPause(testAdmin, true), ErrNotInitialized)

	assert.ErrorIs(t, e.Initialize("mallory", 100, 1, 10), ErrUnauthorized)
	assert.ErrorIs(t, e.Initialize(testAdmin, 10001, 1, 10), ErrInvalidConfig)
	assert.ErrorIs(t, e.Initialize(testAdmin, 100, 0, 10), ErrInvalidConfig)
	assert.ErrorIs(t, e.Initialize(testAdmin, 100, 20, 10), ErrInvalidConfig)
	require.NoError(t, e.Initialize(testAdmin, 100, 1, 10))
	assert.ErrorIs(t, e.Initialize(testAdmin, 100, 1, 10), ErrAlreadyInitialized)

	assert.ErrorIs(t, e.SetPause(testOperator, true), ErrUnauthorized)
	assert.ErrorIs(t, e.UpdateHouseEdge(testOperator, 50), ErrUnauthorized)
	assert.ErrorIs(t, e.ClearFairnessHalt("mallory"), ErrUnauthorized)
	assert.ErrorIs(t, e.UpdateHouseEdge(testAdmin, 10001), ErrInvalidConfig)

	require.NoError(t, e.UpdateHouseEdge(testAdmin, 250))
	require.NoError(t, e.SetPause(testAdmin, true))
	cfg := e.Config()
	assert.Equal(t, uint32(250), cfg.HouseEdgeBps)
	assert.True(t, cfg.Paused)

	_, err = e.OpenRound(testOperator, fairness.Commit(testSeed(0), 1))
	assert.ErrorIs(t, err, ErrPaused)
	_, err = e.OpenRound(testAdmin, fairness.Commit(testSeed(0), 1))
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestEngine_OpenRound(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.engine.OpenRound(testOperator, "not-a-digest")
	assert.ErrorIs(t, err, ErrInvalidCommitment)

	v := h.open(t, testSeed(1))
	assert.Equal(t, uint64(1), v.ID)
	assert.Equal(t, RoundPending, v.Status)
	assert.Equal(t, fairness.DefaultCurve, v.Curve)

	_, err = h.engine.OpenRound(testOperator, fairness.Commit(testSeed(2), 2))
	assert.ErrorIs(t, err, ErrInvalidRoundState, "only one live round at a time")

	cur, ok := h.engine.CurrentRound()
	require.True(t, ok)
	assert.Equal(t, v.ID, cur.ID)
	assert.Equal(t, []events.Kind{events.KindRoundOpened}, h.events.kinds(v.ID))
}

func TestEngine_PlaceBetErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, h *harness, roundID uint64)
		round func(roundID uint64) uint64
		amt   fixedpoint.Amount
		auto  fixedpoint.OptionalMultiplier
		want  error
	}{
		{
			name:  "paused",
			setup: func(t *testing.T, h *harness, _ uint64) { require.NoError(t, h.engine.SetPause(testAdmin, true)) },
			amt:   500,
			want:  ErrPaused,
		},
		{
			name:  "unknown round",
			round: func(id uint64) uint64 { return id + 7 },
			amt:   500,
			want:  ErrRoundNotFound,
		},
		{
			name: "betting closed",
			setup: func(t *testing.T, h *harness, id uint64) {
				_, err := h.engine.CloseBetting(testOperator, id)
				require.NoError(t, err)
			},
			amt:  500,
			want: ErrRoundNotAcceptingBets,
		},
		{name: "below min", amt: testMinBet - 1, want: ErrBetOutOfRange},
		{name: "above max", amt: testMaxBet + 1, want: ErrBetOutOfRange},
		{
			name: "duplicate",
			setup: func(t *testing.T, h *harness, id uint64) {
				_, err := h.engine.PlaceBet(context.Background(), id, "alice", 500, fixedpoint.None())
				require.NoError(t, err)
			},
			amt:  500,
			want: ErrDuplicateBet,
		},
		{name: "auto at 1.00x", amt: 500, auto: fixedpoint.Some(fixedpoint.One), want: ErrAutoCashoutInvalid},
		{name: "insufficient balance", amt: 900_000, want: ErrInsufficientBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.fund(t, "alice", 10_000)
			v := h.open(t, testSeed(1))
			if tt.setup != nil {
				tt.setup(t, h, v.ID)
			}
			id := v.ID
			if tt.round != nil {
				id = tt.round(id)
			}
			before := h.balance(t, "alice")
			betsBefore, _ := h.engine.RoundBets(v.ID)

			_, err := h.engine.PlaceBet(context.Background(), id, "alice", tt.amt, tt.auto)
			require.ErrorIs(t, err, tt.want)

			assert.Equal(t, before, h.balance(t, "alice"), "failed bet must not move funds")
			betsAfter, _ := h.engine.RoundBets(v.ID)
			assert.Len(t, betsAfter, len(betsBefore), "failed bet must not leave a record")
		})
	}
}

func TestEngine_BetAfterCloseIsInvalidState(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(t, "alice", 10_000)
	v := h.open(t, testSeed(1))
	_, err := h.engine.CloseBetting(testOperator, v.ID)
	require.NoError(t, err)

	_, err = h.engine.PlaceBet(context.Background(), v.ID, "alice", 500, fixedpoint.None())
	assert.ErrorIs(t, err, ErrInvalidRoundState)
}

func TestEngine_CashoutAfterCrashFails(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(t, "alice", 10_000)
	v := h.open(t, testSeed(1))
	_, err := h.engine.PlaceBet(context.Background(), v.ID, "alice", 500, fixedpoint.None())
	require.NoError(t, err)

	_, err = h.engine.RequestCashout(v.ID, "alice")
	assert.ErrorIs(t, err, ErrInvalidRoundState, "no cashout while pending")

	_, err = h.engine.CloseBetting(testOperator, v.ID)
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	_, err = h.engine.MarkCrashed(testOperator, v.ID)
	require.NoError(t, err)

	_, err = h.engine.RequestCashout(v.ID, "alice")
	assert.ErrorIs(t, err, ErrInvalidRoundState)
}

func TestEngine_CashoutTagsCurveValue(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(t, "alice", 10_000)
	h.fund(t, "bob", 10_000)
	v := h.open(t, testSeed(1))
	_, err := h.engine.PlaceBet(context.Background(), v.ID, "alice", 500, fixedpoint.None())
	require.NoError(t, err)
	_, err = h.engine.PlaceBet(context.Background(), v.ID, "bob", 500, fixedpoint.Some(11000))
	require.NoError(t, err)
	_, err = h.engine.CloseBetting(testOperator, v.ID)
	require.NoError(t, err)

	h.clock.Advance(5 * time.Second)
	want := fairness.DefaultCurve.At(5 * time.Second)

	m, err := h.engine.Multiplier(v.ID)
	require.NoError(t, err)
	assert.Equal(t, want, m)

	bet, err := h.engine.RequestCashout(v.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, BetCashedOut, bet.Status)
	assert.Equal(t, want, bet.CashoutMultiplier)

	bet, err = h.engine.RequestCashout(v.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.Multiplier(11000), bet.CashoutMultiplier, "auto target already passed")

	_, err = h.engine.RequestCashout(v.ID, "alice")
	assert.ErrorIs(t, err, ErrInvalidRoundState, "second cashout")
	_, err = h.engine.RequestCashout(v.ID, "carol")
	assert.ErrorIs(t, err, ErrBetNotFound)
}

func TestEngine_ResolveSettlesAndConserves(t *testing.T) {
	const crashCap = 20000
	h := newHarness(t, func(c *CasinoConfig) { c.MaxCrashMultiplier = crashCap })
	seed := seedWhere(t, 1, testEdgeBps, crashCap, func(m fixedpoint.Multiplier) bool { return m == crashCap })

	for _, p := range []string{"alice", "bob", "carol", "dave"} {
		h.fund(t, p, 10_000)
	}
	v := h.open(t, seed)
	ctx := context.Background()
	_, err := h.engine.PlaceBet(ctx, v.ID, "alice", 1000, fixedpoint.None())
	require.NoError(t, err)
	_, err = h.engine.PlaceBet(ctx, v.ID, "bob", 2000, fixedpoint.Some(12000))
	require.NoError(t, err)
	_, err = h.engine.PlaceBet(ctx, v.ID, "carol", 3000, fixedpoint.None())
	require.NoError(t, err)
	_, err = h.engine.PlaceBet(ctx, v.ID, "dave", 4000, fixedpoint.Some(50000))
	require.NoError(t, err)

	_, err = h.engine.CloseBetting(testOperator, v.ID)
	require.NoError(t, err)
	h.clock.Advance(fairness.DefaultCurve.TimeToReach(15000))
	alice, err := h.engine.RequestCashout(v.ID, "alice")
	require.NoError(t, err)
	require.GreaterOrEqual(t, alice.CashoutMultiplier, fixedpoint.Multiplier(15000))
	require.Less(t, alice.CashoutMultiplier, fixedpoint.Multiplier(crashCap))

	pre, err := h.engine.Round(v.ID)
	require.NoError(t, err)
	assert.Nil(t, pre.RevealedSeed, "seed hidden before crash")
	assert.Zero(t, pre.CrashMultiplier, "crash hidden before crash")

	h.clock.Advance(10 * time.Second)
	res, err := h.engine.ResolveRound(ctx, testOperator, v.ID, seed)
	require.NoError(t, err)

	assert.Equal(t, RoundResolved, res.Status)
	assert.Equal(t, fixedpoint.Multiplier(crashCap), res.CrashMultiplier)
	assert.Equal(t, seed, res.RevealedSeed)
	require.NotNil(t, res.Settlement)

	alicePay, err := fixedpoint.MulBps(1000, alice.CashoutMultiplier)
	require.NoError(t, err)
	s := *res.Settlement
	assert.Equal(t, 4, s.BetCount)
	assert.Equal(t, 2, s.Winners)
	assert.Equal(t, 2, s.Losers)
	assert.Equal(t, fixedpoint.Amount(10_000), s.TotalWagered)
	assert.Equal(t, fixedpoint.Amount(7000), s.FeeAccrued)
	assert.Equal(t, alicePay+2400, s.TotalPaid)
	assert.NoError(t, s.CheckConservation())

	assert.Equal(t, 10_000-1000+alicePay, h.balance(t, "alice"))
	assert.Equal(t, fixedpoint.Amount(10_000-2000+2400), h.balance(t, "bob"))
	assert.Equal(t, fixedpoint.Amount(7000), h.balance(t, "carol"))
	assert.Equal(t, fixedpoint.Amount(6000), h.balance(t, "dave"))

	bets, err := h.engine.RoundBets(v.ID)
	require.NoError(t, err)
	status := map[string]BetStatus{}
	for _, b := range bets {
		status[b.Player] = b.Status
	}
	assert.Equal(t, map[string]BetStatus{"alice": BetSettled, "bob": BetSettled, "carol": BetLost, "dave": BetLost}, status)

	pool := h.engine.Pool()
	assert.Equal(t, fixedpoint.Amount(7000), pool.TotalFeesAccrued)
	assert.Equal(t, fixedpoint.Amount(7000), pool.Undistributed)

	stats := h.engine.Stats()
	assert.Equal(t, fixedpoint.Amount(10_000), stats.TotalVolume)
	assert.Equal(t, s.TotalPaid, stats.TotalPayouts)
	assert.Equal(t, fixedpoint.Amount(7000), stats.TotalFees)
	assert.Equal(t, uint64(1), stats.RoundsResolved)
	assert.Equal(t, uint64(4), stats.BetsPlaced)

	proof, ok := res.Proof()
	require.True(t, ok)
	assert.NoError(t, fairness.VerifyRound(proof))

	assert.Equal(t, []events.Kind{
		events.KindRoundOpened,
		events.KindBetPlaced, events.KindBetPlaced, events.KindBetPlaced, events.KindBetPlaced,
		events.KindBettingClosed,
		events.KindCashedOut,
		events.KindRoundCrashed,
		events.KindRoundResolved,
	}, h.events.kinds(v.ID))

	_, err = h.engine.ResolveRound(ctx, testOperator, v.ID, seed)
	assert.ErrorIs(t, err, ErrInvalidRoundState, "resolved is terminal")
	_, ok = h.engine.CurrentRound()
	assert.False(t, ok)
}

func TestEngine_FairnessViolationVoidsAndHalts(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(t, "alice", 10_000)
	v := h.open(t, testSeed(1))
	ctx := context.Background()
	_, err := h.engine.PlaceBet(ctx, v.ID, "alice", 500, fixedpoint.None())
	require.NoError(t, err)
	_, err = h.engine.CloseBetting(testOperator, v.ID)
	require.NoError(t, err)

	res, err := h.engine.ResolveRound(ctx, testOperator, v.ID, testSeed(2))
	require.ErrorIs(t, err, ErrFairnessViolation)
	assert.Equal(t, RoundResolved, res.Status)
	assert.True(t, res.FairnessViolation)
	assert.Zero(t, res.CrashMultiplier)
	_, ok := res.Proof()
	assert.False(t, ok)

	assert.Equal(t, fixedpoint.Amount(10_000), h.balance(t, "alice"), "bet refunded")
	bets, err := h.engine.RoundBets(v.ID)
	require.NoError(t, err)
	assert.Equal(t, BetRefunded, bets[0].Status)
	assert.True(t, h.engine.Halted())
	assert.Contains(t, h.events.kinds(v.ID), events.KindFairnessViolation)

	_, err = h.engine.OpenRound(testOperator, fairness.Commit(testSeed(3), 2))
	assert.ErrorIs(t, err, ErrFairnessViolation)

	require.NoError(t, h.engine.ClearFairnessHalt(testAdmin))
	assert.False(t, h.engine.Halted())
	h.open(t, testSeed(3))
}

func TestEngine_AbortRound(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(t, "alice", 10_000)
	ctx := context.Background()
	v := h.open(t, testSeed(1))
	_, err := h.engine.PlaceBet(ctx, v.ID, "alice", 700, fixedpoint.None())
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.Amount(9300), h.balance(t, "alice"))

	res, err := h.engine.AbortRound(ctx, testOperator, v.ID)
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Equal(t, RoundResolved, res.Status)
	assert.Equal(t, fixedpoint.Amount(10_000), h.balance(t, "alice"))

	v2 := h.open(t, testSeed(2))
	_, err = h.engine.CloseBetting(testOperator, v2.ID)
	require.NoError(t, err)
	_, err = h.engine.AbortRound(ctx, testOperator, v2.ID)
	assert.ErrorIs(t, err, ErrInvalidRoundState, "running rounds cannot be aborted")
}

func TestEngine_BettingWindowClosesOnTime(t *testing.T) {
	h := newHarness(t, func(c *CasinoConfig) { c.BettingWindow = 5 * time.Second })
	h.fund(t, "alice", 10_000)
	h.fund(t, "bob", 10_000)
	v := h.open(t, testSeed(1))

	h.clock.Advance(4 * time.Second)
	_, err := h.engine.PlaceBet(context.Background(), v.ID, "alice", 500, fixedpoint.None())
	require.NoError(t, err)

	h.clock.Advance(2 * time.Second)
	_, err = h.engine.PlaceBet(context.Background(), v.ID, "bob", 500, fixedpoint.None())
	assert.ErrorIs(t, err, ErrRoundNotAcceptingBets)

	r, err := h.engine.Round(v.ID)
	require.NoError(t, err)
	assert.Equal(t, RoundRunning, r.Status)
	require.NotNil(t, r.RunningAt)
	assert.Equal(t, v.OpenedAt.Add(5*time.Second), *r.RunningAt, "curve starts at the deadline")
}

func TestEngine_ElapsedWindowSeenByEveryCall(t *testing.T) {
	const window = 5 * time.Second
	ctx := context.Background()

	tests := []struct {
		name string
		call func(h *harness, id uint64) error
	}{
		{"current round", func(h *harness, _ uint64) error { h.engine.CurrentRound(); return nil }},
		{"round", func(h *harness, id uint64) error { _, err := h.engine.Round(id); return err }},
		{"multiplier", func(h *harness, id uint64) error { _, err := h.engine.Multiplier(id); return err }},
		{"recent rounds", func(h *harness, _ uint64) error { h.engine.RecentRounds(5); return nil }},
		{"close betting", func(h *harness, id uint64) error {
			_, err := h.engine.CloseBetting(testOperator, id)
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(c *CasinoConfig) { c.BettingWindow = window })
			v := h.open(t, testSeed(1))
			h.clock.Advance(window + 2*time.Second)

			require.NoError(t, tt.call(h, v.ID))

			r, err := h.engine.Round(v.ID)
			require.NoError(t, err)
			assert.Equal(t, RoundRunning, r.Status)
			require.NotNil(t, r.RunningAt)
			assert.Equal(t, v.OpenedAt.Add(window), *r.RunningAt, "curve starts at the deadline")

			m, err := h.engine.Multiplier(v.ID)
			require.NoError(t, err)
			assert.Equal(t, fairness.DefaultCurve.At(2*time.Second), m)

			var closed int
			for _, k := range h.events.kinds(v.ID) {
				if k == events.KindBettingClosed {
					closed++
				}
			}
			assert.Equal(t, 1, closed)
		})
	}

	t.Run("abort after the deadline", func(t *testing.T) {
		h := newHarness(t, func(c *CasinoConfig) { c.BettingWindow = window })
		v := h.open(t, testSeed(1))
		h.clock.Advance(window)
		_, err := h.engine.AbortRound(ctx, testOperator, v.ID)
		assert.ErrorIs(t, err, ErrInvalidRoundState)
	})

	t.Run("early operator close", func(t *testing.T) {
		h := newHarness(t, func(c *CasinoConfig) { c.BettingWindow = window })
		v := h.open(t, testSeed(1))
		h.clock.Advance(time.Second)
		r, err := h.engine.CloseBetting(testOperator, v.ID)
		require.NoError(t, err)
		assert.Equal(t, v.OpenedAt.Add(time.Second), *r.RunningAt)
	})
}

func TestEngine_BetCapClosesBetting(t *testing.T) {
	h := newHarness(t, func(c *CasinoConfig) { c.MaxBetsPerRound = 2 })
	for _, p := range []string{"alice", "bob", "carol"} {
		h.fund(t, p, 10_000)
	}
	v := h.open(t, testSeed(1))
	ctx := context.Background()

	_, err := h.engine.PlaceBet(ctx, v.ID, "alice", 500, fixedpoint.None())
	require.NoError(t, err)
	_, err = h.engine.PlaceBet(ctx, v.ID, "bob", 500, fixedpoint.None())
	require.NoError(t, err, "the bet reaching the cap is accepted")
	_, err = h.engine.PlaceBet(ctx, v.ID, "carol", 500, fixedpoint.None())
	assert.ErrorIs(t, err, ErrRoundNotAcceptingBets)

	r, err := h.engine.Round(v.ID)
	require.NoError(t, err)
	assert.Equal(t, RoundRunning, r.Status)
	assert.Equal(t, 2, r.BetCount)
}

func TestEngine_HouseEdgeSnapshotAtOpen(t *testing.T) {
	h := newHarness(t, nil)
	seed := testSeed(1)
	v := h.open(t, seed)
	require.NoError(t, h.engine.UpdateHouseEdge(testAdmin, 5000))

	_, err := h.engine.CloseBetting(testOperator, v.ID)
	require.NoError(t, err)
	res, err := h.engine.ResolveRound(context.Background(), testOperator, v.ID, seed)
	require.NoError(t, err)
	assert.Equal(t, uint32(testEdgeBps), res.HouseEdgeBps)
	assert.Equal(t, fairness.CrashMultiplier(seed, v.ID, testEdgeBps, 0), res.CrashMultiplier)
}

func TestEngine_WalletFailureIsRetryable(t *testing.T) {
	h := newHarness(t, nil)
	seed := seedWhere(t, 1, testEdgeBps, 0, func(m fixedpoint.Multiplier) bool { return m >= 20000 })
	h.fund(t, "alice", 10_000)
	h.fund(t, "bob", 10_000)
	ctx := context.Background()
	v := h.open(t, seed)
	_, err := h.engine.PlaceBet(ctx, v.ID, "alice", 1000, fixedpoint.Some(20000))
	require.NoError(t, err)
	_, err = h.engine.PlaceBet(ctx, v.ID, "bob", 1000, fixedpoint.None())
	require.NoError(t, err)
	_, err = h.engine.CloseBetting(testOperator, v.ID)
	require.NoError(t, err)
	_, err = h.engine.MarkCrashed(testOperator, v.ID)
	require.NoError(t, err)

	h.wallet.failCredit = true
	_, err = h.engine.ResolveRound(ctx, testOperator, v.ID, seed)
	require.Error(t, err)

	r, err := h.engine.Round(v.ID)
	require.NoError(t, err)
	assert.Equal(t, RoundCrashed, r.Status)
	assert.Zero(t, h.engine.Pool().TotalFeesAccrued)
	assert.Zero(t, h.engine.Stats().RoundsResolved)

	h.wallet.failCredit = false
	res, err := h.engine.ResolveRound(ctx, testOperator, v.ID, seed)
	require.NoError(t, err)
	assert.Equal(t, RoundResolved, res.Status)
	assert.Equal(t, fixedpoint.Amount(11_000), h.balance(t, "alice"))
	assert.Equal(t, fixedpoint.Amount(1000), h.engine.Pool().TotalFeesAccrued)
}

func TestEngine_UnpayableRoundIsRefunded(t *testing.T) {
	const big fixedpoint.Amount = 1 << 62
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	rec := &recorder{}
	wallet := NewMemoryWallet()
	e, err := NewEngine(CasinoConfig{Admin: testAdmin, Operator: testOperator}, wallet, rec, zap.NewNop(), WithClock(clock.Now))
	require.NoError(t, err)
	require.NoError(t, e.Initialize(testAdmin, testEdgeBps, testMinBet, big))
	ctx := context.Background()

	seed := seedWhere(t, 1, testEdgeBps, 0, func(m fixedpoint.Multiplier) bool { return m >= 20000 })
	v, err := e.OpenRound(testOperator, fairness.Commit(seed, 1))
	require.NoError(t, err)
	for _, p := range []string{"alice", "bob", "carol"} {
		require.NoError(t, wallet.Deposit(p, AssetChips, big))
	}

	_, err = e.PlaceBet(ctx, v.ID, "carol", big, fixedpoint.Some(50000))
	assert.ErrorIs(t, err, ErrAutoCashoutInvalid, "a target whose payout overflows is refused up front")

	// each payout fits on its own, their sum does not
	_, err = e.PlaceBet(ctx, v.ID, "alice", big, fixedpoint.Some(20000))
	require.NoError(t, err)
	_, err = e.PlaceBet(ctx, v.ID, "bob", big, fixedpoint.Some(20000))
	require.NoError(t, err)
	_, err = e.CloseBetting(testOperator, v.ID)
	require.NoError(t, err)

	res, err := e.ResolveRound(ctx, testOperator, v.ID, seed)
	require.NoError(t, err)
	assert.Equal(t, RoundResolved, res.Status)
	assert.True(t, res.Aborted)
	assert.Nil(t, res.Settlement)
	proof, ok := res.Proof()
	require.True(t, ok, "the revealed outcome stays auditable")
	assert.NoError(t, fairness.VerifyRound(proof))

	for _, p := range []string{"alice", "bob"} {
		b, err := wallet.Balance(ctx, p, AssetChips)
		require.NoError(t, err)
		assert.Equal(t, big, b, p)
	}
	bets, err := e.RoundBets(v.ID)
	require.NoError(t, err)
	for _, b := range bets {
		assert.Equal(t, BetRefunded, b.Status)
	}
	assert.Zero(t, e.Pool().TotalFeesAccrued)
	assert.Contains(t, rec.kinds(v.ID), events.KindRoundAborted)

	_, ok = e.CurrentRound()
	assert.False(t, ok, "the next round can open")
	_, err = e.OpenRound(testOperator, fairness.Commit(testSeed(9), 2))
	assert.NoError(t, err)
}

func TestEngine_StakingFlow(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.wallet.Deposit("lp1", AssetLP, 1000))
	require.NoError(t, h.wallet.Deposit("lp2", AssetLP, 1000))

	_, err := h.engine.StakeLP(ctx, "lp1", 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = h.engine.StakeLP(ctx, "lp1", 5000)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Zero(t, h.engine.Pool().TotalStaked, "failed escrow rolls the stake back")

	view, err := h.engine.StakeLP(ctx, "lp1", 100)
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.Amount(100), view.StakedAmount)
	assert.Equal(t, StakeKey("lp1"), view.Key)

	// a losing round feeds the pool
	h.fund(t, "alice", 10_000)
	seed := seedWhere(t, 1, testEdgeBps, 0, func(m fixedpoint.Multiplier) bool { return m < 100000 })
	v := h.open(t, seed)
	_, err = h.engine.PlaceBet(ctx, v.ID, "alice", 500, fixedpoint.Some(100000))
	require.NoError(t, err)
	_, err = h.engine.CloseBetting(testOperator, v.ID)
	require.NoError(t, err)
	_, err = h.engine.ResolveRound(ctx, testOperator, v.ID, seed)
	require.NoError(t, err)

	view, err = h.engine.StakePosition("lp1")
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.Amount(500), view.Pending)

	_, err = h.engine.StakeLP(ctx, "lp2", 100)
	require.NoError(t, err)
	view, err = h.engine.StakePosition("lp2")
	require.NoError(t, err)
	assert.Zero(t, view.Owed, "late staker gets nothing from earlier fees")

	require.NoError(t, h.engine.SetPause(testAdmin, true))
	_, err = h.engine.UnstakeLP(ctx, "lp1", 100)
	assert.ErrorIs(t, err, ErrPaused)
	require.NoError(t, h.engine.SetPause(testAdmin, false))

	_, err = h.engine.UnstakeLP(ctx, "lp1", 101)
	assert.ErrorIs(t, err, ErrInsufficientStake)
	_, err = h.engine.UnstakeLP(ctx, "lp1", 100)
	require.NoError(t, err)
	lp, err := h.wallet.Balance(ctx, "lp1", AssetLP)
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.Amount(1000), lp)

	paid, err := h.engine.ClaimRewards(ctx, "lp1")
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.Amount(500), paid)
	assert.Equal(t, fixedpoint.Amount(500), h.balance(t, "lp1"))

	paid, err = h.engine.ClaimRewards(ctx, "lp1")
	require.NoError(t, err)
	assert.Zero(t, paid, "second claim pays nothing")

	h.wallet.failCredit = true
	_, err = h.engine.UnstakeLP(ctx, "lp2", 100)
	require.Error(t, err)
	view, err = h.engine.StakePosition("lp2")
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.Amount(100), view.StakedAmount, "failed transfer rolls the unstake back")
}

func TestEngine_QueriesUnknownRound(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.Round(42)
	assert.ErrorIs(t, err, ErrRoundNotFound)
	_, err = h.engine.RoundBets(42)
	assert.ErrorIs(t, err, ErrRoundNotFound)
	_, err = h.engine.Multiplier(42)
	assert.ErrorIs(t, err, ErrRoundNotFound)
	_, err = h.engine.CloseBetting(testOperator, 42)
	assert.ErrorIs(t, err, ErrRoundNotFound)
}

func TestEngine_RecentRounds(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		v := h.open(t, testSeed(i))
		_, err := h.engine.AbortRound(ctx, testOperator, v.ID)
		require.NoError(t, err)
	}
	recent := h.engine.RecentRounds(2)
	require.Len(t, recent, 2)
	assert.Equal(t, uint64(3), recent[0].ID)
	assert.Equal(t, uint64(2), recent[1].ID)
}

func BenchmarkEngine_PlaceBet(b *testing.B) {
	wallet := NewMemoryWallet()
	e, _ := NewEngine(CasinoConfig{Admin: testAdmin, Operator: testOperator}, wallet, nil, nil)
	_ = e.Initialize(testAdmin, testEdgeBps, 1, testMaxBet)
	v, _ := e.OpenRound(testOperator, fairness.Commit(testSeed(0), 1))
	ctx := context.Background()
	for i := 0; i < b.N; i++ {
		player := fmt.Sprintf("p%d", i)
		_ = wallet.Deposit(player, AssetChips, 10)
		_, _ = e.PlaceBet(ctx, v.ID, player, 10, fixedpoint.None())
	}
}
