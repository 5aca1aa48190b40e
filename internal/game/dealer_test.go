package game

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"crashpool/internal/events"
	"crashpool/internal/fairness"
	"crashpool/internal/fixedpoint"
)

// fastEngine has a steep curve and a low cap so rounds finish in
// milliseconds.
func fastEngine(t *testing.T) (*Engine, *MemoryWallet, *recorder) {
	t.Helper()
	wallet := NewMemoryWallet()
	rec := &recorder{}
	e, err := NewEngine(CasinoConfig{
		Admin:              testAdmin,
		Operator:           testOperator,
		MaxCrashMultiplier: 10500,
		Curve:              fairness.Curve{K: 1, Growth: 20},
	}, wallet, rec, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, e.Initialize(testAdmin, testEdgeBps, testMinBet, testMaxBet))
	return e, wallet, rec
}

func TestDealer_PlaysVerifiableRounds(t *testing.T) {
	e, wallet, rec := fastEngine(t)
	require.NoError(t, wallet.Deposit("alice", AssetChips, 10_000))

	d := NewDealer(e, rec, DealerConfig{
		Operator:     testOperator,
		BettingTime:  30 * time.Millisecond,
		TickInterval: time.Millisecond,
		Intermission: 5 * time.Millisecond,
	}, zap.NewNop())
	d.Start()

	var betRound uint64
	require.Eventually(t, func() bool {
		cur, ok := e.CurrentRound()
		if !ok || cur.Status != RoundPending {
			return false
		}
		if _, err := e.PlaceBet(context.Background(), cur.ID, "alice", 1000, fixedpoint.Some(10100)); err != nil {
			return false
		}
		betRound = cur.ID
		return true
	}, 2*time.Second, time.Millisecond)

	require.Eventually(t, func() bool { return e.Stats().RoundsResolved >= 3 }, 5*time.Second, 5*time.Millisecond)
	d.Stop()

	for _, v := range e.RecentRounds(0) {
		if v.Status != RoundResolved || v.Aborted {
			continue
		}
		proof, ok := v.Proof()
		require.True(t, ok, "round %d", v.ID)
		assert.NoError(t, fairness.VerifyRound(proof), "round %d", v.ID)
		require.NotNil(t, v.Settlement)
		assert.NoError(t, v.Settlement.CheckConservation())
	}

	bets, err := e.RoundBets(betRound)
	require.NoError(t, err)
	require.Len(t, bets, 1)
	r, err := e.Round(betRound)
	require.NoError(t, err)
	balance, err := wallet.Balance(context.Background(), "alice", AssetChips)
	require.NoError(t, err)
	if r.CrashMultiplier >= 10100 {
		assert.Equal(t, BetSettled, bets[0].Status)
		assert.Equal(t, fixedpoint.Amount(10_010), balance)
	} else {
		assert.Equal(t, BetLost, bets[0].Status)
		assert.Equal(t, fixedpoint.Amount(9000), balance)
	}
	assert.Contains(t, rec.kinds(betRound), events.KindRoundCrashed)
}

func TestDealer_StopAbortsPendingRound(t *testing.T) {
	e, _, rec := fastEngine(t)
	d := NewDealer(e, rec, DealerConfig{Operator: testOperator, BettingTime: time.Hour}, zap.NewNop())
	d.Start()

	require.Eventually(t, func() bool {
		_, ok := e.CurrentRound()
		return ok
	}, time.Second, time.Millisecond)
	d.Stop()

	r, err := e.Round(1)
	require.NoError(t, err)
	assert.True(t, r.Aborted)
	_, ok := e.CurrentRound()
	assert.False(t, ok)
}

func TestDealer_WaitsOutPause(t *testing.T) {
	e, _, rec := fastEngine(t)
	require.NoError(t, e.SetPause(testAdmin, true))
	d := NewDealer(e, rec, DealerConfig{
		Operator:     testOperator,
		BettingTime:  time.Millisecond,
		TickInterval: time.Millisecond,
		Intermission: time.Millisecond,
	}, zap.NewNop())
	d.Start()
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, e.Config().RoundCounter, "no rounds while paused")

	require.NoError(t, e.SetPause(testAdmin, false))
	require.Eventually(t, func() bool { return e.Stats().RoundsResolved >= 1 }, 2*time.Second, time.Millisecond)
	d.Stop()
}
