package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lumiframe/api/internal/repositories"
)

// CounterRepository issues sequence values from the counters table.
type CounterRepository struct {
	db  *sql.DB
	now func() time.Time
}

// Next atomically increments the counter identified by counterID and returns the next value.
func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	id := strings.TrimSpace(counterID)
	if id == "" {
		return 0, fmt.Errorf("%w: counter id is required", repositories.ErrCounterInvalid)
	}
	now := formatTime(r.now())

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapError("counters.next", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		current, storedStep int64
		maxValue            sql.NullInt64
	)
	err = tx.QueryRowContext(ctx, `SELECT current_value, step, max_value FROM counters WHERE id = ?`, id).
		Scan(&current, &storedStep, &maxValue)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		increment := step
		if increment <= 0 {
			increment = 1
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO counters (id, current_value, step, updated_at) VALUES (?, ?, ?, ?)`,
			id, increment, increment, now); err != nil {
			return 0, wrapError("counters.next", err)
		}
		if err := tx.Commit(); err != nil {
			return 0, wrapError("counters.next", err)
		}
		return increment, nil
	case err != nil:
		return 0, wrapError("counters.next", err)
	}

	increment := step
	if increment <= 0 {
		increment = storedStep
		if increment <= 0 {
			increment = 1
		}
	}
	next := current + increment
	if maxValue.Valid && next > maxValue.Int64 {
		return 0, fmt.Errorf("%w: %s stops at %d", repositories.ErrCounterExhausted, id, maxValue.Int64)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE counters SET current_value = ?, step = ?, updated_at = ? WHERE id = ?`,
		next, increment, now, id); err != nil {
		return 0, wrapError("counters.next", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, wrapError("counters.next", err)
	}
	return next, nil
}

// Configure updates optional settings for the counter such as step size, max value, or initial value.
func (r *CounterRepository) Configure(ctx context.Context, counterID string, cfg repositories.CounterConfig) error {
	id := strings.TrimSpace(counterID)
	if id == "" {
		return fmt.Errorf("%w: counter id is required", repositories.ErrCounterInvalid)
	}
	step := cfg.Step
	if step <= 0 {
		step = 1
	}
	var initial int64
	if cfg.InitialValue != nil {
		initial = *cfg.InitialValue
	}
	var maxValue sql.NullInt64
	if cfg.MaxValue != nil {
		maxValue = sql.NullInt64{Int64: *cfg.MaxValue, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `INSERT INTO counters (id, current_value, step, max_value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			step = CASE WHEN ? > 0 THEN excluded.step ELSE counters.step END,
			max_value = CASE WHEN ? THEN excluded.max_value ELSE counters.max_value END,
			current_value = CASE WHEN ? THEN excluded.current_value ELSE counters.current_value END,
			updated_at = excluded.updated_at`,
		id, initial, step, maxValue, formatTime(r.now()),
		cfg.Step, cfg.MaxValue != nil, cfg.InitialValue != nil)
	if err != nil {
		return wrapError("counters.configure", err)
	}
	return nil
}

var _ repositories.CounterRepository = (*CounterRepository)(nil)
