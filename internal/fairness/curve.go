package fairness

import (
	"errors"
	"math"
	"time"

	"crashpool/internal/fixedpoint"
)

// Curve is the public time to multiplier growth curve
// multiplier(t) = 1 + K*(e^(Growth*t) - 1), t in seconds.
type Curve struct {
	K      float64 `json:"k"`
	Growth float64 `json:"growth"`
}

// DefaultCurve doubles the multiplier after roughly 11.5 seconds.
var DefaultCurve = Curve{K: 1, Growth: 0.06}

func (c Curve) Validate() error {
	if !(c.K > 0) || math.IsInf(c.K, 0) {
		return errors.New("curve k must be positive")
	}
	if !(c.Growth > 0) || math.IsInf(c.Growth, 0) {
		return errors.New("curve growth must be positive")
	}
	return nil
}

// At returns the multiplier after elapsed running time, floored to basis
// points. It is monotonic non-decreasing in elapsed.
func (c Curve) At(elapsed time.Duration) fixedpoint.Multiplier {
	if elapsed <= 0 {
		return fixedpoint.One
	}
	return fixedpoint.FromFloat(1 + c.K*math.Expm1(c.Growth*elapsed.Seconds()))
}

// TimeToReach returns the elapsed running time at which the curve first
// reaches m.
func (c Curve) TimeToReach(m fixedpoint.Multiplier) time.Duration {
	if m <= fixedpoint.One {
		return 0
	}
	secs := math.Log1p((m.Float()-1)/c.K) / c.Growth
	d := time.Duration(math.Ceil(secs * float64(time.Second)))
	// float rounding can leave At(d) a basis point short
	for c.At(d) < m {
		d += time.Millisecond
	}
	return d
}
