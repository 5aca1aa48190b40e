// Package fairness implements the commit-reveal protocol that fixes each
// round's crash point before betting opens.
package fairness

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/bits"

	"crashpool/internal/fixedpoint"
)

const (
	SEED_SIZE       = 32
	MAX_EDGE_BPS    = fixedpoint.BpsScale
	CENTS_PER_WHOLE = 100
)

// maxCrash is the largest crash point that is a whole number of cents.
const maxCrash = fixedpoint.MaxMultiplier / CENTS_PER_WHOLE * CENTS_PER_WHOLE

var ErrFairnessViolation = errors.New("fairness violation")

// Seed is the operator's secret for one round.
type Seed []byte

func (s Seed) String() string {
	return hex.EncodeToString(s)
}

func ParseSeed(s string) (Seed, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	if len(b) == 0 {
		return nil, errors.New("parse seed: empty")
	}
	return Seed(b), nil
}

func (s Seed) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("null"), nil
	}
	return json.Marshal(s.String())
}

func (s *Seed) UnmarshalJSON(data []byte) error {
	var raw *string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*s = nil
		return nil
	}
	seed, err := ParseSeed(*raw)
	if err != nil {
		return err
	}
	*s = seed
	return nil
}

// Commitment is the published hex SHA-256 of seed ‖ roundID.
type Commitment string

// Validate checks that c is a well-formed hex SHA-256 digest.
func (c Commitment) Validate() error {
	b, err := hex.DecodeString(string(c))
	if err != nil || len(b) != sha256.Size {
		return fmt.Errorf("commitment %q is not a hex sha-256 digest", string(c))
	}
	return nil
}

// GenerateSeed creates a cryptographically secure random seed
func GenerateSeed() (Seed, error) {
	b := make([]byte, SEED_SIZE)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generate seed: %w", err)
	}
	return Seed(b), nil
}

func roundBytes(roundID uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], roundID)
	return b[:]
}

// Commit binds a seed to a round id.
func Commit(seed Seed, roundID uint64) Commitment {
	h := sha256.New()
	h.Write(seed)
	h.Write(roundBytes(roundID))
	return Commitment(hex.EncodeToString(h.Sum(nil)))
}

// Uniform returns the first 64 bits of HMAC-SHA256(seed, roundID). Divided
// by 2^64 it is the round's uniform draw r in [0, 1).
func Uniform(seed Seed, roundID uint64) uint64 {
	h := hmac.New(sha256.New, seed)
	h.Write(roundBytes(roundID))
	return binary.BigEndian.Uint64(h.Sum(nil)[:8])
}

// CrashFromUniform maps a draw to a crash point. With r = u/2^64 and
// e = edgeBps/10000, r < e crashes instantly at 1.00x; otherwise the crash
// point is floor(100/(1-r))/100. All arithmetic is exact integer math.
// A non-zero capBps clamps the result as house policy.
func CrashFromUniform(u uint64, edgeBps uint32, capBps fixedpoint.Multiplier) fixedpoint.Multiplier {
	crash := crashFromUniform(u, edgeBps)
	if capBps >= fixedpoint.One && crash > capBps {
		return capBps
	}
	return crash
}

func crashFromUniform(u uint64, edgeBps uint32) fixedpoint.Multiplier {
	// r < e  <=>  u*10000 < edgeBps*2^64  <=>  hi(u*10000) < edgeBps
	hi, _ := bits.Mul64(u, fixedpoint.BpsScale)
	if hi < uint64(edgeBps) || u == 0 {
		return fixedpoint.One
	}

	// 2^64 - u, non-zero because u > 0
	denom := -u
	if denom <= CENTS_PER_WHOLE {
		return maxCrash
	}
	cents, _ := bits.Div64(CENTS_PER_WHOLE, 0, denom)
	if cents > math.MaxUint64/CENTS_PER_WHOLE {
		return maxCrash
	}
	return fixedpoint.Multiplier(cents * CENTS_PER_WHOLE)
}

// CrashMultiplier derives the round's crash point from its secret.
func CrashMultiplier(seed Seed, roundID uint64, edgeBps uint32, capBps fixedpoint.Multiplier) fixedpoint.Multiplier {
	return CrashFromUniform(Uniform(seed, roundID), edgeBps, capBps)
}

// Verify checks a revealed seed against the commitment published for roundID.
func Verify(commitment Commitment, seed Seed, roundID uint64) error {
	want := Commit(seed, roundID)
	if subtle.ConstantTimeCompare([]byte(want), []byte(commitment)) != 1 {
		return fmt.Errorf("%w: round %d seed does not match commitment %s", ErrFairnessViolation, roundID, commitment)
	}
	return nil
}

// Proof is everything an observer needs to audit a settled round.
type Proof struct {
	RoundID         uint64                `json:"round_id"`
	Commitment      Commitment            `json:"commitment"`
	Seed            Seed                  `json:"seed"`
	HouseEdgeBps    uint32                `json:"house_edge_bps"`
	CapBps          fixedpoint.Multiplier `json:"cap_bps"`
	CrashMultiplier fixedpoint.Multiplier `json:"crash_multiplier"`
}

// VerifyRound allows players to verify the fairness of a round
func VerifyRound(p Proof) error {
	if err := Verify(p.Commitment, p.Seed, p.RoundID); err != nil {
		return err
	}
	derived := CrashMultiplier(p.Seed, p.RoundID, p.HouseEdgeBps, p.CapBps)
	if derived != p.CrashMultiplier {
		return fmt.Errorf("%w: round %d settled at %s, seed derives %s",
			ErrFairnessViolation, p.RoundID, p.CrashMultiplier, derived)
	}
	return nil
}
