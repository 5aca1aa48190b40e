package game

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"crashpool/internal/fairness"
	"crashpool/internal/fixedpoint"
)

// RoundStateMachine owns round records and enforces the lifecycle
// Pending -> Running -> Crashed -> Resolved, with Pending -> Resolved on abort.
// At most one round is live at a time.
type RoundStateMachine struct {
	rounds map[uint64]*Round
	live   uint64
}

func NewRoundStateMachine() *RoundStateMachine {
	return &RoundStateMachine{rounds: make(map[uint64]*Round)}
}

func (m *RoundStateMachine) get(id uint64) (*Round, error) {
	r, ok := m.rounds[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrRoundNotFound, id)
	}
	return r, nil
}

// current returns the live round, if any.
func (m *RoundStateMachine) current() (*Round, bool) {
	if m.live == 0 {
		return nil, false
	}
	r, ok := m.rounds[m.live]
	return r, ok
}

func (m *RoundStateMachine) checkOpen(commitment fairness.Commitment) (fairness.Commitment, error) {
	if r, ok := m.current(); ok {
		return "", fmt.Errorf("%w: round %d is still %s", ErrInvalidRoundState, r.ID, r.Status)
	}
	if err := commitment.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCommitment, err)
	}
	return fairness.Commitment(strings.ToLower(string(commitment))), nil
}

// open records a new Pending round. The edge and cap in force now are
// snapshotted so later config changes cannot alter a committed derivation.
func (m *RoundStateMachine) open(id uint64, commitment fairness.Commitment, edgeBps uint32, capBps fixedpoint.Multiplier, now time.Time) *Round {
	r := &Round{
		ID:           id,
		Status:       RoundPending,
		Commitment:   commitment,
		HouseEdgeBps: edgeBps,
		CapBps:       capBps,
		OpenedAt:     now,
	}
	m.rounds[id] = r
	m.live = id
	return r
}

func (m *RoundStateMachine) closeBetting(r *Round, now time.Time) error {
	if r.Status != RoundPending {
		return fmt.Errorf("%w: cannot close betting on round %d while %s", ErrInvalidRoundState, r.ID, r.Status)
	}
	r.Status = RoundRunning
	r.RunningAt = now
	return nil
}

func (m *RoundStateMachine) markCrashed(r *Round, now time.Time) error {
	if r.Status != RoundRunning {
		return fmt.Errorf("%w: cannot crash round %d while %s", ErrInvalidRoundState, r.ID, r.Status)
	}
	r.Status = RoundCrashed
	r.CrashedAt = now
	return nil
}

// checkResolvable reports whether r may be resolved: Running (crashed
// implicitly) or Crashed.
func (m *RoundStateMachine) checkResolvable(r *Round) error {
	if r.Status != RoundRunning && r.Status != RoundCrashed {
		return fmt.Errorf("%w: cannot resolve round %d while %s", ErrInvalidRoundState, r.ID, r.Status)
	}
	return nil
}

func (m *RoundStateMachine) resolve(r *Round, seed fairness.Seed, crash fixedpoint.Multiplier, s *Settlement, now time.Time) {
	if r.CrashedAt.IsZero() {
		r.CrashedAt = now
	}
	r.Status = RoundResolved
	r.RevealedSeed = append(fairness.Seed(nil), seed...)
	r.CrashMultiplier = crash
	r.Settlement = s
	r.ResolvedAt = now
	m.retire(r.ID)
}

// voidForFairness resolves r without a crash point after a failed reveal.
func (m *RoundStateMachine) voidForFairness(r *Round, seed fairness.Seed, now time.Time) {
	if r.CrashedAt.IsZero() {
		r.CrashedAt = now
	}
	r.Status = RoundResolved
	r.RevealedSeed = append(fairness.Seed(nil), seed...)
	r.FairnessViolation = true
	r.ResolvedAt = now
	m.retire(r.ID)
}

// voidUnpayable resolves r as aborted after its outcome was revealed.
func (m *RoundStateMachine) voidUnpayable(r *Round, seed fairness.Seed, crash fixedpoint.Multiplier, now time.Time) {
	if r.CrashedAt.IsZero() {
		r.CrashedAt = now
	}
	r.Status = RoundResolved
	r.Aborted = true
	r.RevealedSeed = append(fairness.Seed(nil), seed...)
	r.CrashMultiplier = crash
	r.ResolvedAt = now
	m.retire(r.ID)
}

func (m *RoundStateMachine) checkAbortable(r *Round) error {
	if r.Status != RoundPending {
		return fmt.Errorf("%w: only pending rounds can be aborted, round %d is %s", ErrInvalidRoundState, r.ID, r.Status)
	}
	return nil
}

func (m *RoundStateMachine) abort(r *Round, now time.Time) {
	r.Status = RoundResolved
	r.Aborted = true
	r.ResolvedAt = now
	m.retire(r.ID)
}

func (m *RoundStateMachine) retire(id uint64) {
	if m.live == id {
		m.live = 0
	}
}

// recent returns up to limit rounds, newest first.
func (m *RoundStateMachine) recent(limit int) []*Round {
	ids := make([]uint64, 0, len(m.rounds))
	for id := range m.rounds {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*Round, len(ids))
	for i, id := range ids {
		out[i] = m.rounds[id]
	}
	return out
}
