package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RoundsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crash_rounds_opened_total",
		Help: "Rounds opened for betting.",
	})
	RoundsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crash_rounds_resolved_total",
		Help: "Rounds that reached Resolved, by outcome.",
	}, []string{"outcome"})
	BetsPlaced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crash_bets_placed_total",
		Help: "Bets accepted into escrow.",
	})
	Cashouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crash_cashouts_total",
		Help: "Cashouts recorded, by kind.",
	}, []string{"kind"})
	Wagered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crash_wagered_units_total",
		Help: "Minor units wagered.",
	})
	PaidOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crash_paid_out_units_total",
		Help: "Minor units paid to winners.",
	})
	FeesAccrued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crash_fees_accrued_units_total",
		Help: "House fees accrued to the stake pool.",
	})
	RewardsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crash_rewards_claimed_units_total",
		Help: "Stake pool rewards paid out.",
	})
	TotalStaked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crash_pool_total_staked_units",
		Help: "LP units currently staked.",
	})
	FairnessViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crash_fairness_violations_total",
		Help: "Revealed seeds that failed to verify against their commitment.",
	})
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crash_events_dropped_total",
		Help: "Events dropped because a subscriber or sink was full.",
	}, []string{"sink"})
)
