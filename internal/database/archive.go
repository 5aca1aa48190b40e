package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crashpool/internal/events"
	"crashpool/internal/fairness"
	"crashpool/internal/fixedpoint"
	"crashpool/internal/game"
)

// RoundArchive persists resolved rounds and their bets. The engine keeps
// only recent history in memory; this is the long-term record used for
// audits and player history.
type RoundArchive struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func NewRoundArchive(pool *pgxpool.Pool, log *zap.Logger) *RoundArchive {
	return &RoundArchive{pool: pool, log: log}
}

func (a *RoundArchive) Name() string { return "archive" }

// Publish stores round_resolved events and ignores everything else.
func (a *RoundArchive) Publish(ctx context.Context, e events.Event) error {
	if e.Kind != events.KindRoundResolved {
		return nil
	}
	rr, ok := e.Data.(game.ResolvedRound)
	if !ok {
		return fmt.Errorf("archive: unexpected payload %T for round %d", e.Data, e.RoundID)
	}
	return a.SaveRound(ctx, rr)
}

func (a *RoundArchive) Close() error { return nil }

func numeric(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

func fromNumeric(d decimal.Decimal) (uint64, error) {
	bi := d.BigInt()
	if bi.Sign() < 0 || !bi.IsUint64() {
		return 0, fmt.Errorf("%w: numeric %s", fixedpoint.ErrArithmeticOverflow, d)
	}
	return bi.Uint64(), nil
}

func nullTime(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	return t
}

// SaveRound writes the round and its bets in one transaction. Saving a round
// twice is a no-op, so replays after a sink restart are harmless.
func (a *RoundArchive) SaveRound(ctx context.Context, rr game.ResolvedRound) error {
	r := rr.Round
	if r.Status != game.RoundResolved || r.ResolvedAt == nil {
		return fmt.Errorf("%w: round %d is %s", game.ErrInvalidRoundState, r.ID, r.Status)
	}

	var settlement []byte
	if r.Settlement != nil {
		var err error
		if settlement, err = json.Marshal(r.Settlement); err != nil {
			return err
		}
	}
	var seed *string
	if r.RevealedSeed != nil {
		s := r.RevealedSeed.String()
		seed = &s
	}
	var crash *decimal.Decimal
	if r.CrashMultiplier != 0 {
		c := numeric(uint64(r.CrashMultiplier))
		crash = &c
	}

	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO rounds (id, status, commitment, house_edge_bps, cap_bps, revealed_seed,
			crash_multiplier, fairness_violation, aborted, opened_at, running_at, crashed_at,
			resolved_at, settlement)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING`,
		int64(r.ID), string(r.Status), string(r.Commitment), int32(r.HouseEdgeBps),
		numeric(uint64(r.CapBps)), seed, crash, r.FairnessViolation, r.Aborted,
		r.OpenedAt, nullTime(r.RunningAt), nullTime(r.CrashedAt), *r.ResolvedAt, settlement)
	if err != nil {
		return fmt.Errorf("insert round %d: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, b := range rr.Bets {
		var auto *decimal.Decimal
		if m, ok := b.AutoCashout.Get(); ok {
			d := numeric(uint64(m))
			auto = &d
		}
		batch.Queue(`
			INSERT INTO bets (key, round_id, player, amount, auto_cashout, status,
				cashout_multiplier, payout, placed_at, cashed_out_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (key) DO NOTHING`,
			b.Key, int64(b.RoundID), b.Player, numeric(uint64(b.Amount)), auto, string(b.Status),
			numeric(uint64(b.CashoutMultiplier)), numeric(uint64(b.Payout)), b.PlacedAt,
			nullTime(&b.CashedOutAt))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert bets of round %d: %w", r.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	a.log.Debug("[DB] Round archived", zap.Uint64("round_id", r.ID), zap.Int("bets", len(rr.Bets)))
	return nil
}

const roundColumns = `id, status, commitment, house_edge_bps, cap_bps, revealed_seed,
	crash_multiplier, fairness_violation, aborted, opened_at, running_at, crashed_at,
	resolved_at, settlement`

func scanRound(row pgx.Row) (game.RoundView, error) {
	var (
		v          game.RoundView
		id         int64
		status     string
		commitment string
		capBps     decimal.Decimal
		seed       *string
		crash      decimal.NullDecimal
		resolvedAt time.Time
		settlement []byte
	)
	err := row.Scan(&id, &status, &commitment, &v.HouseEdgeBps, &capBps, &seed, &crash,
		&v.FairnessViolation, &v.Aborted, &v.OpenedAt, &v.RunningAt, &v.CrashedAt,
		&resolvedAt, &settlement)
	if err != nil {
		return v, err
	}
	v.ID = uint64(id)
	v.Status = game.RoundStatus(status)
	v.Commitment = fairness.Commitment(commitment)
	v.ResolvedAt = &resolvedAt

	c, err := fromNumeric(capBps)
	if err != nil {
		return v, err
	}
	v.CapBps = fixedpoint.Multiplier(c)
	if crash.Valid {
		m, err := fromNumeric(crash.Decimal)
		if err != nil {
			return v, err
		}
		v.CrashMultiplier = fixedpoint.Multiplier(m)
	}
	if seed != nil {
		if v.RevealedSeed, err = fairness.ParseSeed(*seed); err != nil {
			return v, err
		}
	}
	if settlement != nil {
		v.Settlement = &game.Settlement{}
		if err := json.Unmarshal(settlement, v.Settlement); err != nil {
			return v, err
		}
		v.BetCount = v.Settlement.BetCount
	}
	return v, nil
}

// History lists archived rounds newest first. beforeID of zero starts at the
// most recent round.
func (a *RoundArchive) History(ctx context.Context, limit int, beforeID uint64) ([]game.RoundView, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	var (
		rows pgx.Rows
		err  error
	)
	if beforeID == 0 {
		rows, err = a.pool.Query(ctx, `SELECT `+roundColumns+` FROM rounds ORDER BY id DESC LIMIT $1`, limit)
	} else {
		rows, err = a.pool.Query(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id < $1 ORDER BY id DESC LIMIT $2`,
			int64(beforeID), limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]game.RoundView, 0, limit)
	for rows.Next() {
		v, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Round loads one archived round with its bets in placement order.
func (a *RoundArchive) Round(ctx context.Context, id uint64) (game.ResolvedRound, error) {
	v, err := scanRound(a.pool.QueryRow(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = $1`, int64(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return game.ResolvedRound{}, fmt.Errorf("%w: %d", game.ErrRoundNotFound, id)
	}
	if err != nil {
		return game.ResolvedRound{}, err
	}
	bets, err := a.queryBets(ctx, `WHERE round_id = $1 ORDER BY placed_at, key`, int64(id))
	if err != nil {
		return game.ResolvedRound{}, err
	}
	return game.ResolvedRound{Round: v, Bets: bets}, nil
}

// PlayerBets lists a player's archived bets, most recent round first.
func (a *RoundArchive) PlayerBets(ctx context.Context, player string, limit int) ([]game.Bet, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	return a.queryBets(ctx, `WHERE player = $1 ORDER BY round_id DESC LIMIT $2`, player, limit)
}

func (a *RoundArchive) queryBets(ctx context.Context, where string, args ...any) ([]game.Bet, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT key::text, round_id, player, amount, auto_cashout, status, cashout_multiplier,
			payout, placed_at, cashed_out_at
		FROM bets `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []game.Bet
	for rows.Next() {
		var (
			b                     game.Bet
			key                   string
			roundID               int64
			status                string
			amount, cashout, paid decimal.Decimal
			auto                  decimal.NullDecimal
			cashedOutAt           *time.Time
		)
		if err := rows.Scan(&key, &roundID, &b.Player, &amount, &auto, &status, &cashout,
			&paid, &b.PlacedAt, &cashedOutAt); err != nil {
			return nil, err
		}
		b.Key = key
		b.RoundID = uint64(roundID)
		b.Status = game.BetStatus(status)
		if cashedOutAt != nil {
			b.CashedOutAt = *cashedOutAt
			b.CashoutReversed = b.Status == game.BetLost
		}

		vals := [3]uint64{}
		for i, d := range []decimal.Decimal{amount, cashout, paid} {
			if vals[i], err = fromNumeric(d); err != nil {
				return nil, err
			}
		}
		b.Amount = fixedpoint.Amount(vals[0])
		b.CashoutMultiplier = fixedpoint.Multiplier(vals[1])
		b.Payout = fixedpoint.Amount(vals[2])

		b.AutoCashout = fixedpoint.None()
		if auto.Valid {
			m, err := fromNumeric(auto.Decimal)
			if err != nil {
				return nil, err
			}
			b.AutoCashout = fixedpoint.Some(fixedpoint.Multiplier(m))
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
