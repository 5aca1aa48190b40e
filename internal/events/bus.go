// Package events carries round and pool notifications out of the core.
// Every event belongs to a stream: a round's events share that round's id and
// pool events use stream 0. Sequence numbers are monotonic per stream, so an
// observer that joins late can replay a stream from any point.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"crashpool/internal/metrics"
)

type Kind string

const (
	KindRoundOpened       Kind = "round_opened"
	KindBettingClosed     Kind = "betting_closed"
	KindBetPlaced         Kind = "bet_placed"
	KindCashedOut         Kind = "cashed_out"
	KindRoundCrashed      Kind = "round_crashed"
	KindRoundResolved     Kind = "round_resolved"
	KindRoundAborted      Kind = "round_aborted"
	KindFairnessViolation Kind = "fairness_violation"
	KindMultiplier        Kind = "multiplier"
	KindFeeAccrued        Kind = "fee_accrued"
	KindLpStaked          Kind = "lp_staked"
	KindLpUnstaked        Kind = "lp_unstaked"
	KindRewardsClaimed    Kind = "rewards_claimed"
	KindConfigChanged     Kind = "config_changed"
)

// PoolStream is the stream id for events not tied to a round.
const PoolStream uint64 = 0

const (
	DEFAULT_RETAIN_ROUNDS = 64
	MAX_POOL_EVENTS       = 1024
)

type Event struct {
	ID      string    `json:"id"`
	Kind    Kind      `json:"type"`
	RoundID uint64    `json:"round_id"`
	Seq     uint64    `json:"seq"`
	At      time.Time `json:"at"`
	Data    any       `json:"data,omitempty"`
}

type stream struct {
	seq    uint64
	events []Event
}

func (s *stream) append(e Event, limit int) Event {
	s.seq++
	e.Seq = s.seq
	s.events = append(s.events, e)
	if limit > 0 && len(s.events) > limit {
		s.events = append([]Event(nil), s.events[len(s.events)-limit:]...)
	}
	return e
}

func (s *stream) after(seq uint64) []Event {
	var out []Event
	for _, e := range s.events {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

type subscriber struct {
	ch     chan Event
	filter func(Event) bool
}

// Bus fans events out to subscribers without blocking the publisher and
// keeps a replay log of the most recent rounds.
type Bus struct {
	mu     sync.Mutex
	rounds *lru.Cache[uint64, *stream]
	pool   *stream
	subs   map[int]*subscriber
	nextID int
	log    *zap.Logger
	now    func() time.Time
}

func NewBus(retainRounds int, log *zap.Logger) (*Bus, error) {
	if retainRounds <= 0 {
		retainRounds = DEFAULT_RETAIN_ROUNDS
	}
	rounds, err := lru.New[uint64, *stream](retainRounds)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		rounds: rounds,
		pool:   &stream{},
		subs:   make(map[int]*subscriber),
		log:    log,
		now:    time.Now,
	}, nil
}

// Publish stamps the event with the next sequence number of its stream and
// delivers it. Subscribers that are not keeping up miss the event and must
// catch up through Replay.
func (b *Bus) Publish(kind Kind, roundID uint64, data any) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := Event{
		ID:      uuid.NewString(),
		Kind:    kind,
		RoundID: roundID,
		At:      b.now(),
		Data:    data,
	}
	if roundID == PoolStream {
		e = b.pool.append(e, MAX_POOL_EVENTS)
	} else {
		s, ok := b.rounds.Get(roundID)
		if !ok {
			s = &stream{}
			b.rounds.Add(roundID, s)
		}
		e = s.append(e, 0)
	}

	for id, sub := range b.subs {
		if sub.filter != nil && !sub.filter(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			metrics.EventsDropped.WithLabelValues("subscriber").Inc()
			b.log.Warn("[EVENTS] subscriber full, dropping event",
				zap.Int("subscriber", id), zap.String("kind", string(e.Kind)),
				zap.Uint64("round_id", e.RoundID), zap.Uint64("seq", e.Seq))
		}
	}
	return e
}

// Subscribe registers a buffered subscriber. A nil filter receives every
// event. The returned cancel func closes the channel.
func (b *Bus) Subscribe(buffer int, filter func(Event) bool) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, buffer), filter: filter}
	b.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Replay returns the retained events of a stream with Seq > afterSeq.
func (b *Bus) Replay(roundID, afterSeq uint64) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if roundID == PoolStream {
		return b.pool.after(afterSeq)
	}
	s, ok := b.rounds.Peek(roundID)
	if !ok {
		return nil
	}
	return s.after(afterSeq)
}

// LastSeq returns the latest sequence number of a stream.
func (b *Bus) LastSeq(roundID uint64) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if roundID == PoolStream {
		return b.pool.seq
	}
	if s, ok := b.rounds.Peek(roundID); ok {
		return s.seq
	}
	return 0
}
