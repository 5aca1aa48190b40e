// Package fixedpoint holds the overflow-checked integer arithmetic used for
// wagers, payouts and multipliers. Amounts are minor currency units and
// multipliers are basis points, so 10000 is 1.0000x.
package fixedpoint

import (
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/shopspring/decimal"
)

// BpsScale is the number of basis points in 1.0000x.
const BpsScale = 10000

// One is the 1.0000x multiplier.
const One Multiplier = BpsScale

// MaxMultiplier is the largest representable multiplier.
const MaxMultiplier Multiplier = math.MaxUint64

var (
	ErrArithmeticOverflow = errors.New("arithmetic overflow")
	ErrInvalidMultiplier  = errors.New("invalid multiplier")
)

// Amount is a quantity of chips or LP tokens in minor units.
type Amount uint64

// Multiplier is a payout multiplier in basis points.
type Multiplier uint64

func Add(a, b Amount) (Amount, error) {
	sum, carry := bits.Add64(uint64(a), uint64(b), 0)
	if carry != 0 {
		return 0, fmt.Errorf("%w: %d + %d", ErrArithmeticOverflow, a, b)
	}
	return Amount(sum), nil
}

// Sub fails instead of wrapping when b > a.
func Sub(a, b Amount) (Amount, error) {
	diff, borrow := bits.Sub64(uint64(a), uint64(b), 0)
	if borrow != 0 {
		return 0, fmt.Errorf("%w: %d - %d", ErrArithmeticOverflow, a, b)
	}
	return Amount(diff), nil
}

func Sum(amounts ...Amount) (Amount, error) {
	var total Amount
	var err error
	for _, a := range amounts {
		if total, err = Add(total, a); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// MulBps returns floor(a * m / 10000) using a 128-bit intermediate.
// The floor always rounds payouts toward the house.
func MulBps(a Amount, m Multiplier) (Amount, error) {
	hi, lo := bits.Mul64(uint64(a), uint64(m))
	if hi >= BpsScale {
		return 0, fmt.Errorf("%w: %d x %s", ErrArithmeticOverflow, a, m)
	}
	q, _ := bits.Div64(hi, lo, BpsScale)
	return Amount(q), nil
}

// Float returns the multiplier as a float, for display only.
func (m Multiplier) Float() float64 {
	return float64(m) / BpsScale
}

func (m Multiplier) String() string {
	return decimal.New(int64(m/100), -2).StringFixed(2) + "x"
}

// FromFloat floors a float multiplier to basis points. Values below 1.0000x
// are raised to One and values beyond the representable range saturate.
func FromFloat(f float64) Multiplier {
	if math.IsNaN(f) || f < 1 {
		return One
	}
	bps := math.Floor(f * BpsScale)
	if bps >= math.MaxUint64 {
		return MaxMultiplier
	}
	return Multiplier(bps)
}

// ParseMultiplier parses a decimal multiplier such as "2.5" or "1.01x".
// Digits beyond four decimal places are truncated.
func ParseMultiplier(s string) (Multiplier, error) {
	if n := len(s); n > 0 && (s[n-1] == 'x' || s[n-1] == 'X') {
		s = s[:n-1]
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w %q: %v", ErrInvalidMultiplier, s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("%w %q: negative", ErrInvalidMultiplier, s)
	}
	bps := d.Shift(4).Truncate(0).BigInt()
	if !bps.IsUint64() {
		return 0, fmt.Errorf("parse multiplier %q: %w", s, ErrArithmeticOverflow)
	}
	return Multiplier(bps.Uint64()), nil
}
