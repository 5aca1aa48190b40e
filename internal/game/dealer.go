package game

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"crashpool/internal/events"
	"crashpool/internal/fairness"
	"crashpool/internal/fixedpoint"
)

const (
	TICK_INTERVAL = 100 * time.Millisecond
	BETTING_TIME  = 5 * time.Second
	INTERMISSION  = 3 * time.Second

	RESOLVE_ATTEMPTS = 5
)

type DealerConfig struct {
	Operator     string
	BettingTime  time.Duration
	TickInterval time.Duration
	Intermission time.Duration
}

// multiplierTick is the payload of multiplier events.
type multiplierTick struct {
	RoundID    uint64                `json:"round_id"`
	Multiplier fixedpoint.Multiplier `json:"multiplier"`
	ElapsedMs  int64                 `json:"elapsed_ms"`
}

// Dealer is the operator loop. It keeps each round's seed in memory from
// commitment to reveal and drives the engine through the round lifecycle on
// a timer. It holds no game state of its own.
type Dealer struct {
	engine *Engine
	events Publisher
	cfg    DealerConfig
	log    *zap.Logger

	stopChan chan struct{}
	done     chan struct{}
}

func NewDealer(engine *Engine, pub Publisher, cfg DealerConfig, log *zap.Logger) *Dealer {
	if cfg.BettingTime <= 0 {
		cfg.BettingTime = BETTING_TIME
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = TICK_INTERVAL
	}
	if cfg.Intermission <= 0 {
		cfg.Intermission = INTERMISSION
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dealer{
		engine:   engine,
		events:   pub,
		cfg:      cfg,
		log:      log,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (d *Dealer) Start() {
	go d.gameLoop()
}

// Stop ends the loop and waits for it. A Pending round is aborted; a
// Running round is played out to its crash point and resolved, since its
// seed lives only in this process.
func (d *Dealer) Stop() {
	close(d.stopChan)
	<-d.done
}

func (d *Dealer) stopped() bool {
	select {
	case <-d.stopChan:
		return true
	default:
		return false
	}
}

func (d *Dealer) gameLoop() {
	defer close(d.done)
	for !d.stopped() {
		if err := d.runRound(); err != nil {
			d.log.Warn("[DEALER] round not played", zap.Error(err))
		}
		if !d.sleep(d.cfg.Intermission) {
			break
		}
	}
	d.log.Info("[DEALER] game loop stopped")
}

// sleep waits for dur and reports false if the dealer was stopped.
func (d *Dealer) sleep(dur time.Duration) bool {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-d.stopChan:
		return false
	}
}

func (d *Dealer) runRound() error {
	seed, err := fairness.GenerateSeed()
	if err != nil {
		return err
	}
	roundID := d.engine.Config().RoundCounter + 1
	view, err := d.engine.OpenRound(d.cfg.Operator, fairness.Commit(seed, roundID))
	if err != nil {
		return err
	}
	crash := fairness.CrashMultiplier(seed, view.ID, view.HouseEdgeBps, view.CapBps)
	curve := view.Curve
	d.log.Debug("[DEALER] round committed", zap.Uint64("round_id", view.ID))

	if !d.sleep(d.cfg.BettingTime) {
		if _, err := d.engine.AbortRound(context.Background(), d.cfg.Operator, view.ID); err == nil {
			return nil
		}
		// betting already closed on its own, so the round has to be played out
	}
	if _, err := d.engine.CloseBetting(d.cfg.Operator, view.ID); err != nil && !errors.Is(err, ErrInvalidRoundState) {
		return err
	}
	view, err = d.engine.Round(view.ID)
	if err != nil {
		return err
	}
	if view.RunningAt == nil {
		return errors.New("round did not start running")
	}
	runningAt := *view.RunningAt

	crashAt := runningAt.Add(curve.TimeToReach(crash))
	crashTimer := time.NewTimer(time.Until(crashAt))
	defer crashTimer.Stop()
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

running:
	for {
		select {
		case <-crashTimer.C:
			break running
		case now := <-ticker.C:
			elapsed := now.Sub(runningAt)
			if d.events != nil {
				d.events.Publish(events.KindMultiplier, view.ID, multiplierTick{
					RoundID:    view.ID,
					Multiplier: curve.At(elapsed),
					ElapsedMs:  elapsed.Milliseconds(),
				})
			}
		}
	}

	if _, err := d.engine.MarkCrashed(d.cfg.Operator, view.ID); err != nil {
		return err
	}
	return d.resolve(view.ID, seed)
}

// resolve reveals the seed, retrying while the wallet is unavailable.
func (d *Dealer) resolve(roundID uint64, seed fairness.Seed) error {
	var err error
	for attempt := 1; attempt <= RESOLVE_ATTEMPTS; attempt++ {
		_, err = d.engine.ResolveRound(context.Background(), d.cfg.Operator, roundID, seed)
		if err == nil || errors.Is(err, ErrFairnessViolation) || errors.Is(err, ErrInvalidRoundState) {
			return err
		}
		d.log.Error("[DEALER] resolve failed",
			zap.Uint64("round_id", roundID), zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(d.cfg.Intermission)
	}
	// the round stays Crashed; the seed is logged so an operator can resolve it by hand
	d.log.Error("[DEALER] giving up on round", zap.Uint64("round_id", roundID), zap.Stringer("seed", seed))
	return err
}
