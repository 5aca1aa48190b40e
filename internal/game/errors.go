package game

import (
	"errors"
	"fmt"

	"crashpool/internal/fairness"
	"crashpool/internal/fixedpoint"
)

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidRoundState  = errors.New("invalid round state")
	ErrBetOutOfRange      = errors.New("bet out of range")
	ErrDuplicateBet       = errors.New("duplicate bet")
	ErrAutoCashoutInvalid = errors.New("auto cashout must be above 1.00x")
	ErrInsufficientStake  = errors.New("insufficient stake")

	ErrArithmeticOverflow = fixedpoint.ErrArithmeticOverflow
	ErrFairnessViolation  = fairness.ErrFairnessViolation

	ErrPaused              = errors.New("casino is paused")
	ErrNotInitialized      = errors.New("casino not initialized")
	ErrAlreadyInitialized  = errors.New("casino already initialized")
	ErrInvalidConfig       = errors.New("invalid casino config")
	ErrInvalidCommitment   = errors.New("invalid commitment")
	ErrRoundNotFound       = errors.New("round not found")
	ErrBetNotFound         = errors.New("bet not found")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrSettlementImbalance = errors.New("settlement does not balance")
)

// ErrRoundNotAcceptingBets is the betting-window flavour of
// ErrInvalidRoundState; errors.Is matches both.
var ErrRoundNotAcceptingBets = fmt.Errorf("%w: round not accepting bets", ErrInvalidRoundState)
