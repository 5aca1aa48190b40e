package game

import (
	"fmt"

	"crashpool/internal/fixedpoint"
)

// Settlement is the per-round report produced when a round resolves.
//
// Losing stakes become the fee; winners are paid from their own stake plus
// house profit. Both identities hold exactly:
//
//	TotalWagered = WinnerStake + FeeAccrued
//	TotalPaid    = WinnerStake + HouseProfitPaid
type Settlement struct {
	RoundID         uint64                `json:"round_id"`
	CrashMultiplier fixedpoint.Multiplier `json:"crash_multiplier"`
	BetCount        int                   `json:"bet_count"`
	Winners         int                   `json:"winners"`
	Losers          int                   `json:"losers"`
	TotalWagered    fixedpoint.Amount     `json:"total_wagered"`
	WinnerStake     fixedpoint.Amount     `json:"winner_stake"`
	TotalPaid       fixedpoint.Amount     `json:"total_paid"`
	FeeAccrued      fixedpoint.Amount     `json:"fee_accrued"`
	HouseProfitPaid fixedpoint.Amount     `json:"house_profit_paid"`
}

// Outcome is the settled state of one bet.
type Outcome struct {
	Key               string
	Player            string
	Status            BetStatus
	CashoutMultiplier fixedpoint.Multiplier
	Payout            fixedpoint.Amount
	Reversed          bool
}

// winningMultiplier returns the multiplier a bet is paid at, if it won.
func winningMultiplier(b *Bet, crash fixedpoint.Multiplier) (fixedpoint.Multiplier, bool) {
	switch b.Status {
	case BetCashedOut:
		// a tag above the crash point means the crash transition lagged the curve
		if b.CashoutMultiplier <= crash {
			return b.CashoutMultiplier, true
		}
	case BetPlaced:
		if auto, ok := b.AutoCashout.Get(); ok && auto <= crash {
			return auto, true
		}
	}
	return 0, false
}

// Settle computes payouts for a crashed round. It does not mutate bets.
func Settle(roundID uint64, bets []*Bet, crash fixedpoint.Multiplier) (Settlement, []Outcome, error) {
	s := Settlement{RoundID: roundID, CrashMultiplier: crash, BetCount: len(bets)}
	outcomes := make([]Outcome, 0, len(bets))
	var err error

	for _, b := range bets {
		if b.Status != BetPlaced && b.Status != BetCashedOut {
			return Settlement{}, nil, fmt.Errorf("%w: bet %s already %s", ErrInvalidRoundState, b.Key, b.Status)
		}
		if s.TotalWagered, err = fixedpoint.Add(s.TotalWagered, b.Amount); err != nil {
			return Settlement{}, nil, err
		}

		o := Outcome{Key: b.Key, Player: b.Player}
		m, won := winningMultiplier(b, crash)
		if !won {
			o.Status = BetLost
			o.Reversed = b.Status == BetCashedOut
			s.Losers++
			if s.FeeAccrued, err = fixedpoint.Add(s.FeeAccrued, b.Amount); err != nil {
				return Settlement{}, nil, err
			}
			outcomes = append(outcomes, o)
			continue
		}

		payout, err := fixedpoint.MulBps(b.Amount, m)
		if err != nil {
			return Settlement{}, nil, fmt.Errorf("payout for bet %s: %w", b.Key, err)
		}
		profit, err := fixedpoint.Sub(payout, b.Amount)
		if err != nil {
			return Settlement{}, nil, fmt.Errorf("payout for bet %s below stake: %w", b.Key, err)
		}
		o.Status = BetSettled
		o.CashoutMultiplier = m
		o.Payout = payout
		s.Winners++
		if s.WinnerStake, err = fixedpoint.Add(s.WinnerStake, b.Amount); err != nil {
			return Settlement{}, nil, err
		}
		if s.TotalPaid, err = fixedpoint.Add(s.TotalPaid, payout); err != nil {
			return Settlement{}, nil, err
		}
		if s.HouseProfitPaid, err = fixedpoint.Add(s.HouseProfitPaid, profit); err != nil {
			return Settlement{}, nil, err
		}
		outcomes = append(outcomes, o)
	}

	if err := s.CheckConservation(); err != nil {
		return Settlement{}, nil, err
	}
	return s, outcomes, nil
}

// CheckConservation verifies the settlement identities in exact integers.
func (s Settlement) CheckConservation() error {
	in, err := fixedpoint.Add(s.WinnerStake, s.FeeAccrued)
	if err != nil {
		return err
	}
	if in != s.TotalWagered {
		return fmt.Errorf("%w: round %d wagered %d, winners staked %d, fee %d",
			ErrSettlementImbalance, s.RoundID, s.TotalWagered, s.WinnerStake, s.FeeAccrued)
	}
	out, err := fixedpoint.Add(s.WinnerStake, s.HouseProfitPaid)
	if err != nil {
		return err
	}
	if out != s.TotalPaid {
		return fmt.Errorf("%w: round %d paid %d, winners staked %d, house profit %d",
			ErrSettlementImbalance, s.RoundID, s.TotalPaid, s.WinnerStake, s.HouseProfitPaid)
	}
	if s.Winners+s.Losers != s.BetCount {
		return fmt.Errorf("%w: round %d has %d bets, %d winners, %d losers",
			ErrSettlementImbalance, s.RoundID, s.BetCount, s.Winners, s.Losers)
	}
	return nil
}

// Refund returns every open bet's stake, for aborted and voided rounds.
func Refund(bets []*Bet) ([]Outcome, fixedpoint.Amount, error) {
	outcomes := make([]Outcome, 0, len(bets))
	var total fixedpoint.Amount
	var err error
	for _, b := range bets {
		if b.Status != BetPlaced && b.Status != BetCashedOut {
			return nil, 0, fmt.Errorf("%w: bet %s already %s", ErrInvalidRoundState, b.Key, b.Status)
		}
		if total, err = fixedpoint.Add(total, b.Amount); err != nil {
			return nil, 0, err
		}
		outcomes = append(outcomes, Outcome{Key: b.Key, Player: b.Player, Status: BetRefunded, Payout: b.Amount})
	}
	return outcomes, total, nil
}

// transfers turns non-zero payouts into a chip credit batch.
func transfers(outcomes []Outcome) []Transfer {
	var out []Transfer
	for _, o := range outcomes {
		if o.Payout > 0 {
			out = append(out, Transfer{Account: o.Player, Asset: AssetChips, Amount: o.Payout})
		}
	}
	return out
}

// apply writes outcomes back onto the bets, matched by position.
func apply(bets []*Bet, outcomes []Outcome) {
	for i, o := range outcomes {
		b := bets[i]
		b.Status = o.Status
		b.Payout = o.Payout
		b.CashoutReversed = o.Reversed
		if o.Status == BetSettled {
			b.CashoutMultiplier = o.CashoutMultiplier
		}
	}
}
