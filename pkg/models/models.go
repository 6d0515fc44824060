package models

import (
	"encoding/json"
	"time"
)

// Enforcement decisions recorded on every compliance record.
const (
	DecisionAllowed      = "ALLOWED"
	DecisionBlocked      = "BLOCKED"
	DecisionShadowLogged = "SHADOW_LOGGED"
)

// Enforcement modes. SHADOW logs only, DRY_RUN logs plus verdict, ENFORCING blocks.
const (
	ModeShadow    = "SHADOW"
	ModeDryRun    = "DRY_RUN"
	ModeEnforcing = "ENFORCING"
)

// Circuit breaker states.
const (
	BreakerClosed   = "CLOSED"
	BreakerOpen     = "OPEN"
	BreakerHalfOpen = "HALF_OPEN"
)

// Canary deployment statuses.
const (
	CanaryRamping    = "RAMPING"
	CanaryPromoted   = "PROMOTED"
	CanaryRolledBack = "ROLLED_BACK"
)

// Canary cohorts.
const (
	CohortBaseline  = "baseline"
	CohortCandidate = "candidate"
)

// Erasure states of a compliance record.
const (
	ErasureActive = "ACTIVE"
	ErasureErased = "ERASED"
)

// Risk levels assessed per action.
const (
	RiskLow    = "LOW"
	RiskMedium = "MEDIUM"
	RiskHigh   = "HIGH"
)

const PolicyTypeSovereignLock = "SOVEREIGN_LOCK"

// ComplianceRecord is one immutable row per evaluated action. Once
// ErasureStatus flips to ERASED the ciphertext is permanently
// undecryptable; the row itself is never deleted.
type ComplianceRecord struct {
	SealID               string    `json:"seal_id"`
	AgentID              string    `json:"agent_id"`
	ActionType           string    `json:"action_type"`
	TargetRegion         string    `json:"target_region"`
	EnforcementDecision  string    `json:"enforcement_decision"`
	RawVerdict           string    `json:"raw_verdict"`
	RiskLevel            string    `json:"risk_level"`
	UserID               string    `json:"user_id,omitempty"`
	PolicyID             string    `json:"policy_id"`
	AppliedPolicyVersion int       `json:"applied_policy_version"`
	Cohort               string    `json:"cohort,omitempty"`
	Ciphertext           []byte    `json:"-"`
	Nonce                []byte    `json:"-"`
	PayloadHash          string    `json:"payload_hash"`
	TxID                 string    `json:"tx_id"`
	ErasureStatus        string    `json:"erasure_status"`
	CreatedAt            time.Time `json:"created_at"`
}

// LogActionRequest is the POST /log_action body.
type LogActionRequest struct {
	AgentID      string `json:"agent_id"`
	ActionType   string `json:"action_type"`
	Payload      string `json:"payload"`
	TargetRegion string `json:"target_region"`
	UserID       string `json:"user_id,omitempty"`
}

// LogActionResponse is returned on ALLOWED / SHADOW_LOGGED.
type LogActionResponse struct {
	Status               string `json:"status"`
	SealID               string `json:"seal_id"`
	TxID                 string `json:"tx_id"`
	EnforcementDecision  string `json:"enforcement_decision"`
	RiskLevel            string `json:"risk_level"`
	AppliedPolicyVersion int    `json:"applied_policy_version"`
}

// ViolationResponse is returned with 403 on BLOCKED under ENFORCING.
type ViolationResponse struct {
	Status         string `json:"status"`
	DetectedRegion string `json:"detected_region"`
	SealID         string `json:"seal_id"`
}

// PolicyConfig is the current configuration of one policy.
type PolicyConfig struct {
	PolicyID   string          `json:"policy_id"`
	PolicyType string          `json:"policy_type"`
	Version    int             `json:"version"`
	Config     json.RawMessage `json:"config"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// SovereignLockConfig is the structured payload of a SOVEREIGN_LOCK policy.
type SovereignLockConfig struct {
	AllowedRegions []string `json:"allowed_regions"`
}

// BreakerState is the persisted circuit breaker row for one policy.
type BreakerState struct {
	PolicyID        string     `json:"policy_id"`
	State           string     `json:"state"`
	RequestCount    int64      `json:"request_count"`
	ViolationCount  int64      `json:"violation_count"`
	WindowStart     time.Time  `json:"window_start"`
	OpenedAt        *time.Time `json:"opened_at,omitempty"`
	Threshold       float64    `json:"threshold"`
	WindowSeconds   int        `json:"window_seconds"`
	CooldownSeconds int        `json:"cooldown_seconds"`
	MinRequests     int        `json:"min_requests"`
}

// ViolationRate is the observed rate inside the current window, or 0 when
// fewer than MinRequests outcomes were recorded.
func (b BreakerState) ViolationRate() float64 {
	if b.RequestCount < int64(b.MinRequests) || b.RequestCount == 0 {
		return 0
	}
	return float64(b.ViolationCount) / float64(b.RequestCount)
}

// CanaryDeployment is one in-flight (or terminal) rollout of a candidate
// policy version.
type CanaryDeployment struct {
	DeploymentID      string     `json:"deployment_id"`
	PolicyID          string     `json:"policy_id"`
	BaselineVersion   int        `json:"baseline_version"`
	CandidateVersion  int        `json:"candidate_version"`
	TargetPercentage  int        `json:"target_percentage"`
	CurrentPercentage int        `json:"current_percentage"`
	PromoteThreshold  float64    `json:"promote_threshold"`
	RollbackThreshold float64    `json:"rollback_threshold"`
	Status            string     `json:"status"`
	ReachedTargetAt   *time.Time `json:"reached_target_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
}

// CanaryMetrics are the live per-cohort counters of one deployment.
type CanaryMetrics struct {
	DeploymentID        string  `json:"deployment_id"`
	CandidateRequests   int64   `json:"candidate_requests"`
	CandidateViolations int64   `json:"candidate_violations"`
	BaselineRequests    int64   `json:"baseline_requests"`
	BaselineViolations  int64   `json:"baseline_violations"`
	CandidateRate       float64 `json:"candidate_rate"`
}

func ValidMode(mode string) bool {
	switch mode {
	case ModeShadow, ModeDryRun, ModeEnforcing:
		return true
	}
	return false
}

func ValidBreakerState(state string) bool {
	switch state {
	case BreakerClosed, BreakerOpen, BreakerHalfOpen:
		return true
	}
	return false
}
