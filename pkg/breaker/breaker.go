// Package breaker maintains one circuit breaker per policy. The breaker
// watches the violation rate inside a rolling window; tripping OPEN
// forces the policy into shadow behavior until a cooldown and a clean
// probe close it again. All state lives in the store so any number of
// gateway replicas observe the same breaker, and every transition is
// recorded in breaker_transitions.
package breaker

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"veridion/pkg/models"
)

// Defaults applied when a policy has no tuned breaker row.
const (
	DefaultThreshold = 0.5
	DefaultWindow    = 60
	DefaultCooldown  = 900
	DefaultMin       = 20
)

var ErrInvalidState = errors.New("breaker: invalid state")

type breakerDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Breaker struct {
	DB breakerDB

	// Defaults seed the row of a policy first seen by RecordOutcome and
	// the synthetic state of policies with no row. Zero values fall back
	// to the package constants.
	Defaults Config
}

func New(db breakerDB) *Breaker {
	return &Breaker{DB: db}
}

// Config tunes one policy's breaker.
type Config struct {
	Threshold       float64 `json:"threshold"`
	WindowSeconds   int     `json:"window_seconds"`
	CooldownSeconds int     `json:"cooldown_seconds"`
	MinRequests     int     `json:"min_requests"`
}

func (c *Config) normalize() {
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = DefaultThreshold
	}
	if c.WindowSeconds <= 0 {
		c.WindowSeconds = DefaultWindow
	}
	if c.CooldownSeconds <= 0 {
		c.CooldownSeconds = DefaultCooldown
	}
	if c.MinRequests <= 0 {
		c.MinRequests = DefaultMin
	}
}

const stateColumns = `state, request_count, violation_count, window_start, opened_at,
	threshold, window_seconds, cooldown_seconds, min_requests`

// State returns the breaker row for a policy. A policy that never
// recorded an outcome reports a synthetic CLOSED breaker without
// creating a row.
func (b *Breaker) State(ctx context.Context, policyID string) (models.BreakerState, error) {
	row := b.DB.QueryRow(ctx, `
		SELECT `+stateColumns+` FROM circuit_breakers WHERE policy_id=$1
	`, policyID)
	st, err := scanState(policyID, row)
	if errors.Is(err, pgx.ErrNoRows) {
		return b.defaultState(policyID), nil
	}
	return st, err
}

// Configure upserts the tuning knobs without touching counters or state.
func (b *Breaker) Configure(ctx context.Context, policyID string, cfg Config) error {
	cfg.normalize()
	_, err := b.DB.Exec(ctx, `
		INSERT INTO circuit_breakers (policy_id, state, window_start, threshold, window_seconds, cooldown_seconds, min_requests)
		VALUES ($1, $2, now(), $3, $4, $5, $6)
		ON CONFLICT (policy_id) DO UPDATE SET
			threshold = EXCLUDED.threshold,
			window_seconds = EXCLUDED.window_seconds,
			cooldown_seconds = EXCLUDED.cooldown_seconds,
			min_requests = EXCLUDED.min_requests,
			updated_at = now()
	`, policyID, models.BreakerClosed, cfg.Threshold, cfg.WindowSeconds, cfg.CooldownSeconds, cfg.MinRequests)
	if err != nil {
		return fmt.Errorf("configure breaker: %w", err)
	}
	return nil
}

// RecordOutcome folds one evaluated action into the rolling window and
// applies any due transition. The window roll and the counter bump happen
// in a single statement so concurrent replicas never lose an outcome.
func (b *Breaker) RecordOutcome(ctx context.Context, policyID string, violation bool) (models.BreakerState, error) {
	cfg := b.tuned()
	if _, err := b.DB.Exec(ctx, `
		INSERT INTO circuit_breakers (policy_id, state, window_start, threshold, window_seconds, cooldown_seconds, min_requests)
		VALUES ($1, $2, now(), $3, $4, $5, $6)
		ON CONFLICT (policy_id) DO NOTHING
	`, policyID, models.BreakerClosed, cfg.Threshold, cfg.WindowSeconds, cfg.CooldownSeconds, cfg.MinRequests); err != nil {
		return models.BreakerState{}, fmt.Errorf("ensure breaker row: %w", err)
	}
	hit := 0
	if violation {
		hit = 1
	}
	row := b.DB.QueryRow(ctx, `
		UPDATE circuit_breakers SET
			request_count = CASE WHEN now() - window_start > make_interval(secs => window_seconds)
				THEN 1 ELSE request_count + 1 END,
			violation_count = CASE WHEN now() - window_start > make_interval(secs => window_seconds)
				THEN $2 ELSE violation_count + $2 END,
			window_start = CASE WHEN now() - window_start > make_interval(secs => window_seconds)
				THEN now() ELSE window_start END,
			updated_at = now()
		WHERE policy_id=$1
		RETURNING `+stateColumns+`
	`, policyID, hit)
	st, err := scanState(policyID, row)
	if err != nil {
		return models.BreakerState{}, fmt.Errorf("record breaker outcome: %w", err)
	}

	switch st.State {
	case models.BreakerClosed:
		if st.RequestCount >= int64(st.MinRequests) && st.ViolationRate() >= st.Threshold {
			if err := b.transition(ctx, policyID, models.BreakerClosed, models.BreakerOpen, "violation rate over threshold", "breaker"); err != nil {
				return st, err
			}
			st.State = models.BreakerOpen
		}
	case models.BreakerHalfOpen:
		// the probe decides: one violation reopens, one clean outcome closes
		if violation {
			if err := b.transition(ctx, policyID, models.BreakerHalfOpen, models.BreakerOpen, "probe violated", "breaker"); err != nil {
				return st, err
			}
			st.State = models.BreakerOpen
		} else {
			if err := b.transition(ctx, policyID, models.BreakerHalfOpen, models.BreakerClosed, "probe passed", "breaker"); err != nil {
				return st, err
			}
			st.State = models.BreakerClosed
		}
	}
	return st, nil
}

// RecoverDue moves every OPEN breaker whose cooldown elapsed to
// HALF_OPEN. Run periodically by the background prober loop.
func (b *Breaker) RecoverDue(ctx context.Context) ([]string, error) {
	rows, err := b.DB.Query(ctx, `
		UPDATE circuit_breakers
		SET state=$1, updated_at=now()
		WHERE state=$2 AND opened_at IS NOT NULL
			AND now() - opened_at > make_interval(secs => cooldown_seconds)
		RETURNING policy_id
	`, models.BreakerHalfOpen, models.BreakerOpen)
	if err != nil {
		return nil, fmt.Errorf("recover due breakers: %w", err)
	}
	defer rows.Close()
	var recovered []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan recovered breaker: %w", err)
		}
		recovered = append(recovered, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range recovered {
		if err := b.audit(ctx, id, models.BreakerOpen, models.BreakerHalfOpen, "cooldown elapsed", "prober"); err != nil {
			return recovered, err
		}
	}
	return recovered, nil
}

// Force sets the breaker state directly, for operator intervention. The
// transition is audited with the caller's reason and identity.
func (b *Breaker) Force(ctx context.Context, policyID, state, reason, actor string) (models.BreakerState, error) {
	if !models.ValidBreakerState(state) {
		return models.BreakerState{}, fmt.Errorf("%w: %q", ErrInvalidState, state)
	}
	prev, err := b.State(ctx, policyID)
	if err != nil {
		return models.BreakerState{}, err
	}
	openedAt := "NULL"
	if state == models.BreakerOpen {
		openedAt = "now()"
	}
	if _, err := b.DB.Exec(ctx, `
		INSERT INTO circuit_breakers (policy_id, state, window_start, opened_at, threshold, window_seconds, cooldown_seconds, min_requests)
		VALUES ($1, $2, now(), `+openedAt+`, $3, $4, $5, $6)
		ON CONFLICT (policy_id) DO UPDATE SET
			state = EXCLUDED.state,
			opened_at = EXCLUDED.opened_at,
			request_count = 0,
			violation_count = 0,
			window_start = now(),
			updated_at = now()
	`, policyID, state, prev.Threshold, prev.WindowSeconds, prev.CooldownSeconds, prev.MinRequests); err != nil {
		return models.BreakerState{}, fmt.Errorf("force breaker state: %w", err)
	}
	if err := b.audit(ctx, policyID, prev.State, state, reason, actor); err != nil {
		return models.BreakerState{}, err
	}
	return b.State(ctx, policyID)
}

// All returns every persisted breaker row for the analytics surface.
// Policies that never recorded an outcome have no row and are absent.
func (b *Breaker) All(ctx context.Context) ([]models.BreakerState, error) {
	rows, err := b.DB.Query(ctx, `
		SELECT policy_id, `+stateColumns+`
		FROM circuit_breakers ORDER BY policy_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list breakers: %w", err)
	}
	defer rows.Close()
	var out []models.BreakerState
	for rows.Next() {
		var st models.BreakerState
		if err := rows.Scan(&st.PolicyID, &st.State, &st.RequestCount, &st.ViolationCount, &st.WindowStart,
			&st.OpenedAt, &st.Threshold, &st.WindowSeconds, &st.CooldownSeconds, &st.MinRequests); err != nil {
			return nil, fmt.Errorf("scan breaker row: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Transition is one audited breaker state change.
type Transition struct {
	PolicyID  string `json:"policy_id"`
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	Reason    string `json:"reason"`
	Actor     string `json:"actor"`
}

// Transitions returns the audited history for one policy, newest first.
func (b *Breaker) Transitions(ctx context.Context, policyID string, limit int) ([]Transition, error) {
	if limit < 1 || limit > 500 {
		limit = 50
	}
	rows, err := b.DB.Query(ctx, `
		SELECT policy_id, from_state, to_state, reason, actor
		FROM breaker_transitions WHERE policy_id=$1
		ORDER BY created_at DESC LIMIT $2
	`, policyID, limit)
	if err != nil {
		return nil, fmt.Errorf("list breaker transitions: %w", err)
	}
	defer rows.Close()
	var out []Transition
	for rows.Next() {
		var tr Transition
		if err := rows.Scan(&tr.PolicyID, &tr.FromState, &tr.ToState, &tr.Reason, &tr.Actor); err != nil {
			return nil, fmt.Errorf("scan breaker transition: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// transition applies a state change with a CAS on the previous state so
// two replicas observing the same trip record it once, then audits it.
func (b *Breaker) transition(ctx context.Context, policyID, from, to, reason, actor string) error {
	opened := ""
	if to == models.BreakerOpen {
		opened = ", opened_at = now()"
	}
	if to == models.BreakerClosed {
		opened = ", opened_at = NULL, request_count = 0, violation_count = 0, window_start = now()"
	}
	cmd, err := b.DB.Exec(ctx, `
		UPDATE circuit_breakers
		SET state=$3, updated_at=now()`+opened+`
		WHERE policy_id=$1 AND state=$2
	`, policyID, from, to)
	if err != nil {
		return fmt.Errorf("breaker transition %s to %s: %w", from, to, err)
	}
	if cmd.RowsAffected() == 0 {
		// another replica already applied this transition
		return nil
	}
	return b.audit(ctx, policyID, from, to, reason, actor)
}

func (b *Breaker) audit(ctx context.Context, policyID, from, to, reason, actor string) error {
	_, err := b.DB.Exec(ctx, `
		INSERT INTO breaker_transitions (policy_id, from_state, to_state, reason, actor)
		VALUES ($1,$2,$3,$4,$5)
	`, policyID, from, to, reason, actor)
	if err != nil {
		return fmt.Errorf("audit breaker transition: %w", err)
	}
	return nil
}

// tuned returns the configured defaults with zero values normalized to
// the package constants.
func (b *Breaker) tuned() Config {
	cfg := b.Defaults
	cfg.normalize()
	return cfg
}

func (b *Breaker) defaultState(policyID string) models.BreakerState {
	cfg := b.tuned()
	return models.BreakerState{
		PolicyID:        policyID,
		State:           models.BreakerClosed,
		Threshold:       cfg.Threshold,
		WindowSeconds:   cfg.WindowSeconds,
		CooldownSeconds: cfg.CooldownSeconds,
		MinRequests:     cfg.MinRequests,
	}
}

func scanState(policyID string, row pgx.Row) (models.BreakerState, error) {
	st := models.BreakerState{PolicyID: policyID}
	err := row.Scan(&st.State, &st.RequestCount, &st.ViolationCount, &st.WindowStart, &st.OpenedAt,
		&st.Threshold, &st.WindowSeconds, &st.CooldownSeconds, &st.MinRequests)
	return st, err
}
