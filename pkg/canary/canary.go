// Package canary ramps a candidate policy version across a deterministic
// percentage of agents, compares its violation rate against thresholds,
// and promotes or rolls back automatically. One deployment per policy may
// be in flight; the store enforces that with a partial unique index.
package canary

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"veridion/pkg/models"
)

// Ramp and judgment defaults.
const (
	DefaultStepPercent       = 10
	DefaultPromoteThreshold  = 1.0
	DefaultRollbackThreshold = 5.0
	DefaultMinRequests       = 20
	DefaultDwell             = 60 * time.Second
)

var (
	// ErrActiveDeployment rejects staging while one is already RAMPING.
	ErrActiveDeployment = errors.New("canary: policy already has an active deployment")
	ErrNotFound         = errors.New("canary: deployment not found")
	ErrInvalidTarget    = errors.New("canary: target percentage out of range")
)

const uniqueViolation = "23505"

type canaryDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// versionApplier swaps the policy's current config on promotion.
type versionApplier interface {
	Promote(ctx context.Context, policyID string, version int) (int, error)
}

type Controller struct {
	DB       canaryDB
	Policies versionApplier

	// tuning, zero values fall back to the defaults above
	StepPercent       int
	MinRequests       int64
	Dwell             time.Duration
	PromoteThreshold  float64
	RollbackThreshold float64
}

func New(db canaryDB, policies versionApplier) *Controller {
	return &Controller{DB: db, Policies: policies}
}

// StageRequest describes a new candidate rollout.
type StageRequest struct {
	PolicyID          string  `json:"policy_id"`
	BaselineVersion   int     `json:"baseline_version"`
	CandidateVersion  int     `json:"candidate_version"`
	TargetPercentage  int     `json:"target_percentage"`
	PromoteThreshold  float64 `json:"promote_threshold"`
	RollbackThreshold float64 `json:"rollback_threshold"`
}

// Stage creates a RAMPING deployment starting at the first ramp step.
// Staging while another deployment is RAMPING on the same policy fails
// with ErrActiveDeployment.
func (c *Controller) Stage(ctx context.Context, req StageRequest) (models.CanaryDeployment, error) {
	if req.TargetPercentage < 1 || req.TargetPercentage > 100 {
		return models.CanaryDeployment{}, fmt.Errorf("%w: %d", ErrInvalidTarget, req.TargetPercentage)
	}
	if req.PromoteThreshold <= 0 {
		req.PromoteThreshold = c.promoteThreshold()
	}
	if req.RollbackThreshold <= 0 {
		req.RollbackThreshold = c.rollbackThreshold()
	}
	dep := models.CanaryDeployment{
		DeploymentID:      uuid.NewString(),
		PolicyID:          req.PolicyID,
		BaselineVersion:   req.BaselineVersion,
		CandidateVersion:  req.CandidateVersion,
		TargetPercentage:  req.TargetPercentage,
		CurrentPercentage: min(c.step(), req.TargetPercentage),
		PromoteThreshold:  req.PromoteThreshold,
		RollbackThreshold: req.RollbackThreshold,
		Status:            models.CanaryRamping,
		CreatedAt:         time.Now().UTC(),
	}
	_, err := c.DB.Exec(ctx, `
		INSERT INTO canary_deployments (deployment_id, policy_id, baseline_version, candidate_version,
			target_percentage, current_percentage, promote_threshold, rollback_threshold, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, dep.DeploymentID, dep.PolicyID, dep.BaselineVersion, dep.CandidateVersion,
		dep.TargetPercentage, dep.CurrentPercentage, dep.PromoteThreshold, dep.RollbackThreshold,
		dep.Status, dep.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return models.CanaryDeployment{}, ErrActiveDeployment
		}
		return models.CanaryDeployment{}, fmt.Errorf("stage canary: %w", err)
	}
	return dep, nil
}

// ResolveCohort deterministically assigns an agent to the candidate or
// baseline cohort. Same agent and deployment always land in the same
// cohort, and the candidate share tracks the current percentage.
func ResolveCohort(agentID, deploymentID string, currentPercentage int) string {
	h := fnv.New32a()
	h.Write([]byte(agentID))
	h.Write([]byte(":"))
	h.Write([]byte(deploymentID))
	if int(h.Sum32()%100) < currentPercentage {
		return models.CohortCandidate
	}
	return models.CohortBaseline
}

const deploymentColumns = `deployment_id, policy_id, baseline_version, candidate_version,
	target_percentage, current_percentage, promote_threshold, rollback_threshold, status,
	reached_target_at, created_at, resolved_at`

// ActiveFor returns the RAMPING deployment for a policy, if any.
func (c *Controller) ActiveFor(ctx context.Context, policyID string) (models.CanaryDeployment, bool, error) {
	row := c.DB.QueryRow(ctx, `
		SELECT `+deploymentColumns+`
		FROM canary_deployments WHERE policy_id=$1 AND status=$2
	`, policyID, models.CanaryRamping)
	dep, err := scanDeployment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CanaryDeployment{}, false, nil
	}
	if err != nil {
		return models.CanaryDeployment{}, false, err
	}
	return dep, true, nil
}

// Get returns one deployment by id.
func (c *Controller) Get(ctx context.Context, deploymentID string) (models.CanaryDeployment, error) {
	row := c.DB.QueryRow(ctx, `
		SELECT `+deploymentColumns+`
		FROM canary_deployments WHERE deployment_id=$1
	`, deploymentID)
	dep, err := scanDeployment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return dep, ErrNotFound
	}
	return dep, err
}

// Recent lists deployments newest first for the analytics surface.
func (c *Controller) Recent(ctx context.Context, limit int) ([]models.CanaryDeployment, error) {
	if limit < 1 || limit > 200 {
		limit = 20
	}
	rows, err := c.DB.Query(ctx, `
		SELECT `+deploymentColumns+`
		FROM canary_deployments ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list canary deployments: %w", err)
	}
	defer rows.Close()
	var out []models.CanaryDeployment
	for rows.Next() {
		dep, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan canary deployment: %w", err)
		}
		out = append(out, dep)
	}
	return out, rows.Err()
}

// RecordResult folds one evaluated action into the per-cohort counters.
func (c *Controller) RecordResult(ctx context.Context, deploymentID, cohort string, violation bool) error {
	hit := 0
	if violation {
		hit = 1
	}
	_, err := c.DB.Exec(ctx, `
		INSERT INTO canary_metrics (deployment_id, cohort, requests, violations)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (deployment_id, cohort) DO UPDATE SET
			requests = canary_metrics.requests + 1,
			violations = canary_metrics.violations + $3
	`, deploymentID, cohort, hit)
	if err != nil {
		return fmt.Errorf("record canary result: %w", err)
	}
	return nil
}

// Metrics returns the live per-cohort counters and the candidate
// violation rate in percent.
func (c *Controller) Metrics(ctx context.Context, deploymentID string) (models.CanaryMetrics, error) {
	m := models.CanaryMetrics{DeploymentID: deploymentID}
	rows, err := c.DB.Query(ctx, `
		SELECT cohort, requests, violations
		FROM canary_metrics WHERE deployment_id=$1
	`, deploymentID)
	if err != nil {
		return m, fmt.Errorf("load canary metrics: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var cohort string
		var requests, violations int64
		if err := rows.Scan(&cohort, &requests, &violations); err != nil {
			return m, fmt.Errorf("scan canary metrics: %w", err)
		}
		if cohort == models.CohortCandidate {
			m.CandidateRequests, m.CandidateViolations = requests, violations
		} else {
			m.BaselineRequests, m.BaselineViolations = requests, violations
		}
	}
	if err := rows.Err(); err != nil {
		return m, err
	}
	if m.CandidateRequests > 0 {
		m.CandidateRate = float64(m.CandidateViolations) / float64(m.CandidateRequests) * 100
	}
	return m, nil
}

// Evaluate runs one judgment pass over every RAMPING deployment. It is
// called on a short fixed tick so a misbehaving candidate is rolled back
// well inside the operational bound.
func (c *Controller) Evaluate(ctx context.Context, now time.Time) error {
	rows, err := c.DB.Query(ctx, `
		SELECT `+deploymentColumns+`
		FROM canary_deployments WHERE status=$1
	`, models.CanaryRamping)
	if err != nil {
		return fmt.Errorf("list ramping deployments: %w", err)
	}
	deps := make([]models.CanaryDeployment, 0, 4)
	for rows.Next() {
		dep, err := scanDeployment(rows)
		if err != nil {
			rows.Close()
			return fmt.Errorf("scan ramping deployment: %w", err)
		}
		deps = append(deps, dep)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	var firstErr error
	for _, dep := range deps {
		if err := c.evaluateOne(ctx, dep, now); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Controller) evaluateOne(ctx context.Context, dep models.CanaryDeployment, now time.Time) error {
	m, err := c.Metrics(ctx, dep.DeploymentID)
	if err != nil {
		return err
	}
	if m.CandidateRequests < c.minRequests() {
		// not enough signal to judge yet, keep current percentage
		return nil
	}
	if m.CandidateRate >= dep.RollbackThreshold {
		return c.resolve(ctx, dep.DeploymentID, models.CanaryRolledBack, 0)
	}
	if m.CandidateRate > dep.PromoteThreshold {
		// between thresholds: hold, neither ramp nor roll back
		return nil
	}
	if dep.CurrentPercentage < dep.TargetPercentage {
		next := dep.CurrentPercentage + c.step()
		if next >= dep.TargetPercentage {
			next = dep.TargetPercentage
			return c.ramp(ctx, dep.DeploymentID, dep.CurrentPercentage, next, &now)
		}
		return c.ramp(ctx, dep.DeploymentID, dep.CurrentPercentage, next, nil)
	}
	if dep.ReachedTargetAt == nil {
		// staged straight at its target, so ramp never stamped the dwell
		// start; the promotion clock begins at the first healthy judgment
		return c.ramp(ctx, dep.DeploymentID, dep.CurrentPercentage, dep.CurrentPercentage, &now)
	}
	if now.Sub(*dep.ReachedTargetAt) >= c.dwell() {
		if err := c.resolve(ctx, dep.DeploymentID, models.CanaryPromoted, dep.CurrentPercentage); err != nil {
			return err
		}
		if _, err := c.Policies.Promote(ctx, dep.PolicyID, dep.CandidateVersion); err != nil {
			return fmt.Errorf("apply promoted version: %w", err)
		}
	}
	return nil
}

// ramp advances the percentage with a CAS on the previous value so two
// evaluator replicas never double-step.
func (c *Controller) ramp(ctx context.Context, deploymentID string, from, to int, reachedAt *time.Time) error {
	_, err := c.DB.Exec(ctx, `
		UPDATE canary_deployments
		SET current_percentage=$3, reached_target_at=COALESCE($4, reached_target_at)
		WHERE deployment_id=$1 AND current_percentage=$2 AND status=$5
	`, deploymentID, from, to, reachedAt, models.CanaryRamping)
	if err != nil {
		return fmt.Errorf("ramp canary: %w", err)
	}
	return nil
}

func (c *Controller) resolve(ctx context.Context, deploymentID, status string, finalPercentage int) error {
	_, err := c.DB.Exec(ctx, `
		UPDATE canary_deployments
		SET status=$2, current_percentage=$3, resolved_at=now()
		WHERE deployment_id=$1 AND status=$4
	`, deploymentID, status, finalPercentage, models.CanaryRamping)
	if err != nil {
		return fmt.Errorf("resolve canary %s: %w", status, err)
	}
	return nil
}

func (c *Controller) step() int {
	if c.StepPercent > 0 {
		return c.StepPercent
	}
	return DefaultStepPercent
}

func (c *Controller) minRequests() int64 {
	if c.MinRequests > 0 {
		return c.MinRequests
	}
	return DefaultMinRequests
}

func (c *Controller) dwell() time.Duration {
	if c.Dwell > 0 {
		return c.Dwell
	}
	return DefaultDwell
}

func (c *Controller) promoteThreshold() float64 {
	if c.PromoteThreshold > 0 {
		return c.PromoteThreshold
	}
	return DefaultPromoteThreshold
}

func (c *Controller) rollbackThreshold() float64 {
	if c.RollbackThreshold > 0 {
		return c.RollbackThreshold
	}
	return DefaultRollbackThreshold
}

func scanDeployment(row pgx.Row) (models.CanaryDeployment, error) {
	var dep models.CanaryDeployment
	err := row.Scan(&dep.DeploymentID, &dep.PolicyID, &dep.BaselineVersion, &dep.CandidateVersion,
		&dep.TargetPercentage, &dep.CurrentPercentage, &dep.PromoteThreshold, &dep.RollbackThreshold,
		&dep.Status, &dep.ReachedTargetAt, &dep.CreatedAt, &dep.ResolvedAt)
	return dep, err
}
