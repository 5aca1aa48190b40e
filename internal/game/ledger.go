package game

import (
	"fmt"
	"time"

	"crashpool/internal/fixedpoint"
)

type roundBets struct {
	byKey map[string]*Bet
	order []string
}

// BetLedger holds every bet by round, keyed by BetKey.
type BetLedger struct {
	rounds map[uint64]*roundBets
}

func NewBetLedger() *BetLedger {
	return &BetLedger{rounds: make(map[uint64]*roundBets)}
}

func (l *BetLedger) forRound(roundID uint64) *roundBets {
	rb, ok := l.rounds[roundID]
	if !ok {
		rb = &roundBets{byKey: make(map[string]*Bet)}
		l.rounds[roundID] = rb
	}
	return rb
}

// prepare validates a bet against the round and limits and returns the
// record to insert once escrow succeeds. It does not mutate the ledger.
func (l *BetLedger) prepare(round *Round, cfg *CasinoConfig, player string, amount fixedpoint.Amount, auto fixedpoint.OptionalMultiplier, now time.Time) (*Bet, error) {
	if round.Status != RoundPending {
		return nil, fmt.Errorf("%w: round %d is %s", ErrRoundNotAcceptingBets, round.ID, round.Status)
	}
	if amount < cfg.MinBet || amount > cfg.MaxBet {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", ErrBetOutOfRange, amount, cfg.MinBet, cfg.MaxBet)
	}
	key := BetKey(round.ID, player)
	if _, exists := l.forRound(round.ID).byKey[key]; exists {
		return nil, fmt.Errorf("%w: player %s already bet in round %d", ErrDuplicateBet, player, round.ID)
	}
	if m, ok := auto.Get(); ok {
		if m <= fixedpoint.One {
			return nil, fmt.Errorf("%w: got %s", ErrAutoCashoutInvalid, m)
		}
		if _, err := fixedpoint.MulBps(amount, m); err != nil {
			return nil, fmt.Errorf("%w: %s on %d cannot be paid", ErrAutoCashoutInvalid, m, amount)
		}
	}
	return &Bet{
		Key:         key,
		RoundID:     round.ID,
		Player:      player,
		Amount:      amount,
		AutoCashout: auto,
		Status:      BetPlaced,
		PlacedAt:    now,
	}, nil
}

func (l *BetLedger) insert(bet *Bet) {
	rb := l.forRound(bet.RoundID)
	rb.byKey[bet.Key] = bet
	rb.order = append(rb.order, bet.Key)
}

func (l *BetLedger) get(roundID uint64, player string) (*Bet, bool) {
	rb, ok := l.rounds[roundID]
	if !ok {
		return nil, false
	}
	bet, ok := rb.byKey[BetKey(roundID, player)]
	return bet, ok
}

// bets returns the round's bets in placement order.
func (l *BetLedger) bets(roundID uint64) []*Bet {
	rb, ok := l.rounds[roundID]
	if !ok {
		return nil
	}
	out := make([]*Bet, 0, len(rb.order))
	for _, k := range rb.order {
		out = append(out, rb.byKey[k])
	}
	return out
}

func (l *BetLedger) count(roundID uint64) int {
	if rb, ok := l.rounds[roundID]; ok {
		return len(rb.order)
	}
	return 0
}

// cashout records a cashout at the multiplier observed at request time. A bet
// whose auto-cashout target is already behind the curve is recorded at that
// target, since it fired first.
func (l *BetLedger) cashout(round *Round, player string, observed fixedpoint.Multiplier, now time.Time) (*Bet, error) {
	if round.Status != RoundRunning {
		return nil, fmt.Errorf("%w: cannot cash out of round %d while %s", ErrInvalidRoundState, round.ID, round.Status)
	}
	bet, ok := l.get(round.ID, player)
	if !ok {
		return nil, fmt.Errorf("%w: player %s in round %d", ErrBetNotFound, player, round.ID)
	}
	if bet.Status != BetPlaced {
		return nil, fmt.Errorf("%w: bet is %s", ErrInvalidRoundState, bet.Status)
	}
	if auto, ok := bet.AutoCashout.Get(); ok && auto <= observed {
		observed = auto
	}
	bet.Status = BetCashedOut
	bet.CashoutMultiplier = observed
	bet.CashedOutAt = now
	return bet, nil
}
