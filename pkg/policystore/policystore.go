// Package policystore owns PolicyConfig rows and their append-only
// version history. Configs are never mutated in place: every change
// appends a PolicyVersion snapshot and swaps the current pointer with a
// compare-and-swap, so concurrent writers serialize and the loser sees a
// version conflict instead of silently overwriting.
package policystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"veridion/pkg/models"
)

var (
	ErrNotFound        = errors.New("policystore: policy not found")
	ErrVersionNotFound = errors.New("policystore: version not found")
	// ErrVersionConflict signals a concurrent mutation on the same
	// policy. Retryable by the caller.
	ErrVersionConflict = errors.New("policystore: concurrent version conflict")
)

const uniqueViolation = "23505"

type policyDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Store struct {
	DB policyDB
}

func New(db policyDB) *Store {
	return &Store{DB: db}
}

// Get returns the current config for a policy.
func (s *Store) Get(ctx context.Context, policyID string) (models.PolicyConfig, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT policy_id, policy_type, version, config, updated_at
		FROM policy_configs WHERE policy_id=$1
	`, policyID)
	return scanConfig(row)
}

// GetVersion returns one immutable historical snapshot.
func (s *Store) GetVersion(ctx context.Context, policyID string, version int) (models.PolicyConfig, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT policy_id, policy_type, version, config, created_at
		FROM policy_versions WHERE policy_id=$1 AND version=$2
	`, policyID, version)
	cfg, err := scanConfig(row)
	if errors.Is(err, ErrNotFound) {
		return cfg, ErrVersionNotFound
	}
	return cfg, err
}

// ListVersions returns the history, newest first.
func (s *Store) ListVersions(ctx context.Context, policyID string, limit int) ([]models.PolicyConfig, error) {
	if limit < 1 || limit > 500 {
		limit = 50
	}
	rows, err := s.DB.Query(ctx, `
		SELECT policy_id, policy_type, version, config, created_at
		FROM policy_versions WHERE policy_id=$1
		ORDER BY version DESC LIMIT $2
	`, policyID, limit)
	if err != nil {
		return nil, fmt.Errorf("list policy versions: %w", err)
	}
	defer rows.Close()
	var out []models.PolicyConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan policy version: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// Update appends a new PolicyVersion snapshot and atomically swaps the
// current pointer. Readers never observe a config without a stored
// snapshot. A concurrent writer loses with ErrVersionConflict.
func (s *Store) Update(ctx context.Context, policyID, policyType string, config json.RawMessage) (int, error) {
	return s.appendVersion(ctx, policyID, policyType, config, 0)
}

// RollbackReport describes what a rollback would (or did) change.
type RollbackReport struct {
	PolicyID         string          `json:"policy_id"`
	CurrentVersion   int             `json:"current_version"`
	TargetVersion    int             `json:"target_version"`
	AppliedVersion   int             `json:"applied_version,omitempty"`
	Config           json.RawMessage `json:"config"`
	DryRun           bool            `json:"dry_run"`
	CanariesCanceled int64           `json:"canaries_canceled"`
}

// Rollback re-applies the snapshot of targetVersion as a fresh version.
// With dryRun it only validates the target and reports what would change.
// Applying also invalidates any in-flight canary deployment on the
// policy, inside the 30 second operational bound.
func (s *Store) Rollback(ctx context.Context, policyID string, targetVersion int, dryRun bool) (RollbackReport, error) {
	target, err := s.GetVersion(ctx, policyID, targetVersion)
	if err != nil {
		return RollbackReport{}, err
	}
	current, err := s.Get(ctx, policyID)
	if err != nil {
		return RollbackReport{}, err
	}
	report := RollbackReport{
		PolicyID:       policyID,
		CurrentVersion: current.Version,
		TargetVersion:  targetVersion,
		Config:         target.Config,
		DryRun:         dryRun,
	}
	if dryRun {
		return report, nil
	}
	applied, err := s.appendVersion(ctx, policyID, target.PolicyType, target.Config, targetVersion)
	if err != nil {
		return RollbackReport{}, err
	}
	report.AppliedVersion = applied
	cmd, err := s.DB.Exec(ctx, `
		UPDATE canary_deployments
		SET status=$2, current_percentage=0, resolved_at=now()
		WHERE policy_id=$1 AND status=$3
	`, policyID, models.CanaryRolledBack, models.CanaryRamping)
	if err != nil {
		return RollbackReport{}, fmt.Errorf("cancel canary deployments: %w", err)
	}
	report.CanariesCanceled = cmd.RowsAffected()
	return report, nil
}

// Promote re-applies the snapshot of version as the new current config.
// Used by canary promotion so the candidate config survives as a regular
// version with full history.
func (s *Store) Promote(ctx context.Context, policyID string, version int) (int, error) {
	target, err := s.GetVersion(ctx, policyID, version)
	if err != nil {
		return 0, err
	}
	return s.appendVersion(ctx, policyID, target.PolicyType, target.Config, 0)
}

func (s *Store) appendVersion(ctx context.Context, policyID, policyType string, config json.RawMessage, rolledBackFrom int) (int, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin policy update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current := 0
	row := tx.QueryRow(ctx, `SELECT version FROM policy_configs WHERE policy_id=$1`, policyID)
	if err := row.Scan(&current); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("read current version: %w", err)
	}
	next := current + 1

	var rolledBack any
	if rolledBackFrom > 0 {
		rolledBack = rolledBackFrom
	}
	// the (policy_id, version) primary key is the CAS: a concurrent
	// writer that read the same current version fails here
	if _, err := tx.Exec(ctx, `
		INSERT INTO policy_versions (policy_id, version, policy_type, config, rolled_back_from)
		VALUES ($1,$2,$3,$4,$5)
	`, policyID, next, policyType, config, rolledBack); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return 0, ErrVersionConflict
		}
		return 0, fmt.Errorf("append policy version: %w", err)
	}

	if current == 0 {
		if _, err := tx.Exec(ctx, `
			INSERT INTO policy_configs (policy_id, policy_type, version, config, updated_at)
			VALUES ($1,$2,$3,$4,now())
		`, policyID, policyType, next, config); err != nil {
			return 0, fmt.Errorf("insert policy config: %w", err)
		}
	} else {
		cmd, err := tx.Exec(ctx, `
			UPDATE policy_configs
			SET policy_type=$3, version=$4, config=$5, updated_at=now()
			WHERE policy_id=$1 AND version=$2
		`, policyID, current, policyType, next, config)
		if err != nil {
			return 0, fmt.Errorf("swap policy config: %w", err)
		}
		if cmd.RowsAffected() == 0 {
			return 0, ErrVersionConflict
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit policy update: %w", err)
	}
	return next, nil
}

func scanConfig(row pgx.Row) (models.PolicyConfig, error) {
	var cfg models.PolicyConfig
	var updatedAt time.Time
	err := row.Scan(&cfg.PolicyID, &cfg.PolicyType, &cfg.Version, &cfg.Config, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return cfg, ErrNotFound
	}
	if err != nil {
		return cfg, fmt.Errorf("scan policy config: %w", err)
	}
	cfg.UpdatedAt = updatedAt
	return cfg, nil
}

// SovereignConfig decodes the opaque payload of a SOVEREIGN_LOCK policy.
func SovereignConfig(cfg models.PolicyConfig) (models.SovereignLockConfig, error) {
	var out models.SovereignLockConfig
	if len(cfg.Config) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(cfg.Config, &out); err != nil {
		return out, fmt.Errorf("decode sovereign lock config: %w", err)
	}
	return out, nil
}
