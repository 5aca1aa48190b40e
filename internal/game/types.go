package game

import (
	"fmt"
	"time"

	"crashpool/internal/fairness"
	"crashpool/internal/fixedpoint"
)

type RoundStatus string

const (
	RoundPending  RoundStatus = "PENDING"
	RoundRunning  RoundStatus = "RUNNING"
	RoundCrashed  RoundStatus = "CRASHED"
	RoundResolved RoundStatus = "RESOLVED"
)

type BetStatus string

const (
	BetPlaced    BetStatus = "PLACED"
	BetCashedOut BetStatus = "CASHED_OUT"
	BetLost      BetStatus = "LOST"
	BetSettled   BetStatus = "SETTLED"
	BetRefunded  BetStatus = "REFUNDED"
)

// CasinoConfig is the authority-owned configuration. The engine owns its
// copy; callers get snapshots.
type CasinoConfig struct {
	Admin    string `json:"admin"`
	Operator string `json:"operator"`

	HouseEdgeBps uint32            `json:"house_edge_bps"`
	MinBet       fixedpoint.Amount `json:"min_bet"`
	MaxBet       fixedpoint.Amount `json:"max_bet"`
	Paused       bool              `json:"paused"`
	RoundCounter uint64            `json:"round_counter"`

	// MaxCrashMultiplier is a house cap on the crash point, zero for none.
	MaxCrashMultiplier fixedpoint.Multiplier `json:"max_crash_multiplier"`
	// BettingWindow closes betting automatically, zero leaves it to the operator.
	BettingWindow time.Duration `json:"betting_window"`
	// MaxBetsPerRound closes betting once reached, zero for unlimited.
	MaxBetsPerRound int            `json:"max_bets_per_round"`
	Curve           fairness.Curve `json:"curve"`
}

func validateEdge(bps uint32) error {
	if bps > fairness.MAX_EDGE_BPS {
		return fmt.Errorf("%w: house edge %d bps above %d", ErrInvalidConfig, bps, fairness.MAX_EDGE_BPS)
	}
	return nil
}

func validateLimits(minBet, maxBet fixedpoint.Amount) error {
	if minBet == 0 || minBet > maxBet {
		return fmt.Errorf("%w: bet limits [%d, %d]", ErrInvalidConfig, minBet, maxBet)
	}
	return nil
}

// Round is one crash round. The seed and crash point stay empty until the
// round is resolved.
type Round struct {
	ID                uint64                `json:"id"`
	Status            RoundStatus           `json:"status"`
	Commitment        fairness.Commitment   `json:"commitment"`
	HouseEdgeBps      uint32                `json:"house_edge_bps"`
	CapBps            fixedpoint.Multiplier `json:"cap_bps"`
	RevealedSeed      fairness.Seed         `json:"revealed_seed,omitempty"`
	CrashMultiplier   fixedpoint.Multiplier `json:"crash_multiplier,omitempty"`
	FairnessViolation bool                  `json:"fairness_violation"`
	Aborted           bool                  `json:"aborted"`
	OpenedAt          time.Time             `json:"opened_at"`
	RunningAt         time.Time             `json:"running_at,omitempty"`
	CrashedAt         time.Time             `json:"crashed_at,omitempty"`
	ResolvedAt        time.Time             `json:"resolved_at,omitempty"`
	Settlement        *Settlement           `json:"settlement,omitempty"`
}

// Live reports whether the round still accepts lifecycle transitions.
func (r *Round) Live() bool {
	return r.Status != RoundResolved
}

type Bet struct {
	Key               string                        `json:"key"`
	RoundID           uint64                        `json:"round_id"`
	Player            string                        `json:"player"`
	Amount            fixedpoint.Amount             `json:"amount"`
	AutoCashout       fixedpoint.OptionalMultiplier `json:"auto_cashout"`
	Status            BetStatus                     `json:"status"`
	CashoutMultiplier fixedpoint.Multiplier         `json:"cashout_multiplier,omitempty"`
	Payout            fixedpoint.Amount             `json:"payout"`
	PlacedAt          time.Time                     `json:"placed_at"`
	CashedOutAt       time.Time                     `json:"cashed_out_at,omitempty"`
	// CashoutReversed marks a cashout accepted while the round was running
	// but tagged above the revealed crash point. Such a bet settles as lost.
	CashoutReversed bool `json:"cashout_reversed,omitempty"`
}

// Stats are lifetime totals, as kept by the original casino account.
type Stats struct {
	TotalVolume    fixedpoint.Amount `json:"total_volume"`
	TotalPayouts   fixedpoint.Amount `json:"total_payouts"`
	TotalFees      fixedpoint.Amount `json:"total_fees"`
	RoundsResolved uint64            `json:"rounds_resolved"`
	BetsPlaced     uint64            `json:"bets_placed"`
}

// RoundView is the public projection of a round. It never carries the seed
// or the crash point before the round has crashed and been revealed.
type RoundView struct {
	ID                uint64                `json:"id"`
	Status            RoundStatus           `json:"status"`
	Commitment        fairness.Commitment   `json:"commitment"`
	HouseEdgeBps      uint32                `json:"house_edge_bps"`
	CapBps            fixedpoint.Multiplier `json:"cap_bps,omitempty"`
	Curve             fairness.Curve        `json:"curve"`
	BetCount          int                   `json:"bet_count"`
	OpenedAt          time.Time             `json:"opened_at"`
	RunningAt         *time.Time            `json:"running_at,omitempty"`
	CrashedAt         *time.Time            `json:"crashed_at,omitempty"`
	ResolvedAt        *time.Time            `json:"resolved_at,omitempty"`
	RevealedSeed      fairness.Seed         `json:"revealed_seed,omitempty"`
	CrashMultiplier   fixedpoint.Multiplier `json:"crash_multiplier,omitempty"`
	FairnessViolation bool                  `json:"fairness_violation"`
	Aborted           bool                  `json:"aborted"`
	Settlement        *Settlement           `json:"settlement,omitempty"`
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (r *Round) view(curve fairness.Curve, betCount int) RoundView {
	v := RoundView{
		ID:                r.ID,
		Status:            r.Status,
		Commitment:        r.Commitment,
		HouseEdgeBps:      r.HouseEdgeBps,
		CapBps:            r.CapBps,
		Curve:             curve,
		BetCount:          betCount,
		OpenedAt:          r.OpenedAt,
		RunningAt:         optTime(r.RunningAt),
		CrashedAt:         optTime(r.CrashedAt),
		ResolvedAt:        optTime(r.ResolvedAt),
		FairnessViolation: r.FairnessViolation,
		Aborted:           r.Aborted,
	}
	if r.Status == RoundCrashed || r.Status == RoundResolved {
		v.RevealedSeed = append(fairness.Seed(nil), r.RevealedSeed...)
		v.CrashMultiplier = r.CrashMultiplier
		if r.Settlement != nil {
			s := *r.Settlement
			v.Settlement = &s
		}
	}
	return v
}

// Proof returns the audit record of a resolved round.
func (v RoundView) Proof() (fairness.Proof, bool) {
	if v.Status != RoundResolved || v.RevealedSeed == nil || v.CrashMultiplier == 0 || v.FairnessViolation {
		return fairness.Proof{}, false
	}
	return fairness.Proof{
		RoundID:         v.ID,
		Commitment:      v.Commitment,
		Seed:            v.RevealedSeed,
		HouseEdgeBps:    v.HouseEdgeBps,
		CapBps:          v.CapBps,
		CrashMultiplier: v.CrashMultiplier,
	}, true
}

// ResolvedRound is the payload of round_resolved events, for archivers.
type ResolvedRound struct {
	Round RoundView `json:"round"`
	Bets  []Bet     `json:"bets"`
}
