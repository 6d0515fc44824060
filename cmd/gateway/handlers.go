package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"veridion/pkg/audit"
	"veridion/pkg/breaker"
	"veridion/pkg/canary"
	"veridion/pkg/enforcement"
	"veridion/pkg/httpx"
	"veridion/pkg/models"
	"veridion/pkg/notary"
	"veridion/pkg/policystore"
	"veridion/pkg/shredder"
	"veridion/pkg/sovereign"
	"veridion/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// handleLogAction runs the full enforcement pipeline: mode resolution,
// canary cohort, sovereignty verdict, breaker accounting, payload seal
// and the durable audit append. The record is written before any
// response leaves the handler; an audit failure fails the whole call.
func (s *Server) handleLogAction(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req models.LogActionRequest
	if err := httpx.DecodeJSON(r, s.MaxRequestBodyBytes, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(req.AgentID) == "" || strings.TrimSpace(req.ActionType) == "" {
		httpx.Error(w, 400, "agent_id and action_type required")
		return
	}
	if req.Payload == "" {
		httpx.Error(w, 400, "payload required")
		return
	}
	if s.RateLimitEnabled && s.RateLimiter != nil {
		d := s.RateLimiter.Allow("agent:"+req.AgentID, s.RateLimitPerMinute)
		if !d.Allowed {
			retry := int(time.Until(d.ResetAt).Seconds())
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			httpx.Error(w, 429, "rate limit exceeded")
			return
		}
	}

	ctx := r.Context()
	policyID := s.PolicyID

	bst, err := s.Breakers.State(ctx, policyID)
	if err != nil {
		httpx.Error(w, 503, "breaker state unavailable")
		return
	}
	mode, err := s.Modes.EffectiveMode(ctx, policyID)
	if err != nil {
		httpx.Error(w, 503, "enforcement mode unavailable")
		return
	}
	if bst.State == models.BreakerOpen {
		// an open breaker suspends enforcement for the policy
		mode = models.ModeShadow
	}

	appliedVersion := 0
	var allowList []string
	current, err := s.Policies.Get(ctx, policyID)
	switch {
	case err == nil:
		appliedVersion = current.Version
		cfg, cfgErr := policystore.SovereignConfig(current)
		if cfgErr != nil {
			httpx.Error(w, 503, "policy config unreadable")
			return
		}
		allowList = cfg.AllowedRegions
	case errors.Is(err, policystore.ErrNotFound):
		// no stored policy: evaluate against the default allow-list
	default:
		httpx.Error(w, 503, "policy store unavailable")
		return
	}

	cohort := ""
	var deployment models.CanaryDeployment
	if dep, active, err := s.Canaries.ActiveFor(ctx, policyID); err != nil {
		httpx.Error(w, 503, "canary state unavailable")
		return
	} else if active {
		deployment = dep
		cohort = canary.ResolveCohort(req.AgentID, dep.DeploymentID, dep.CurrentPercentage)
		if cohort == models.CohortCandidate {
			candidate, err := s.Policies.GetVersion(ctx, policyID, dep.CandidateVersion)
			if err != nil {
				httpx.Error(w, 503, "candidate version unavailable")
				return
			}
			appliedVersion = candidate.Version
			cfg, cfgErr := policystore.SovereignConfig(candidate)
			if cfgErr != nil {
				httpx.Error(w, 503, "candidate config unreadable")
				return
			}
			allowList = cfg.AllowedRegions
		}
	}

	verdict := sovereign.Evaluate(req.TargetRegion, allowList)
	rawVerdict := models.DecisionAllowed
	if !verdict.Allowed {
		rawVerdict = models.DecisionBlocked
	}
	decision, blocked := enforcement.Apply(mode, rawVerdict)

	// the caller abandoning the request must not abandon the record
	persistCtx := context.WithoutCancel(ctx)

	if _, err := s.Breakers.RecordOutcome(persistCtx, policyID, !verdict.Allowed); err != nil {
		httpx.Error(w, 503, "breaker accounting failed")
		return
	}
	if cohort != "" {
		if err := s.Canaries.RecordResult(persistCtx, deployment.DeploymentID, cohort, !verdict.Allowed); err != nil {
			httpx.Error(w, 503, "canary accounting failed")
			return
		}
	}

	sealID := uuid.NewString()
	payloadHash := notary.HashPayload([]byte(req.Payload))
	sealed, err := s.Shredder.Seal(persistCtx, sealID, []byte(req.Payload))
	if err != nil {
		httpx.Error(w, 503, "payload seal failed")
		return
	}
	txID, _ := s.Notary.Seal(persistCtx, sealID, payloadHash)

	rec := models.ComplianceRecord{
		SealID:               sealID,
		AgentID:              req.AgentID,
		ActionType:           req.ActionType,
		TargetRegion:         verdict.Region,
		EnforcementDecision:  decision,
		RawVerdict:           rawVerdict,
		RiskLevel:            assessRisk(req.ActionType, req.Payload),
		UserID:               req.UserID,
		PolicyID:             policyID,
		AppliedPolicyVersion: appliedVersion,
		Cohort:               cohort,
		Ciphertext:           sealed.Ciphertext,
		Nonce:                sealed.Nonce,
		PayloadHash:          payloadHash,
		TxID:                 txID,
		ErasureStatus:        models.ErasureActive,
		CreatedAt:            time.Now().UTC(),
	}
	if err := s.Audit.Append(persistCtx, rec); err != nil {
		log.Printf("audit append failed for seal %s: %v", sealID, err)
		httpx.Error(w, 503, "audit write failed")
		return
	}

	s.Metrics.IncDecision(decision)
	s.Metrics.IncDecisionRegion(decision, verdict.Region)
	s.Metrics.ObserveEvalLatency(time.Since(started))
	s.Events.Publish(stream.NewEvent(stream.EventDecision, map[string]any{
		"seal_id":  sealID,
		"agent_id": req.AgentID,
		"decision": decision,
		"region":   verdict.Region,
		"mode":     mode,
	}))
	s.publishBus(persistCtx, sealID, rec)

	if blocked {
		httpx.WriteJSON(w, 403, models.ViolationResponse{
			Status:         "SOVEREIGN_LOCK_VIOLATION",
			DetectedRegion: verdict.Region,
			SealID:         sealID,
		})
		return
	}
	httpx.WriteJSON(w, 200, models.LogActionResponse{
		Status:               "LOGGED",
		SealID:               sealID,
		TxID:                 txID,
		EnforcementDecision:  decision,
		RiskLevel:            rec.RiskLevel,
		AppliedPolicyVersion: appliedVersion,
	})
}

// publishBus forwards the record to the optional event bus. Delivery is
// best effort and never affects the verdict already written.
func (s *Server) publishBus(ctx context.Context, sealID string, rec models.ComplianceRecord) {
	if s.Bus == nil {
		return
	}
	if err := s.Bus.Publish(ctx, sealID, rec); err != nil {
		log.Printf("event bus publish failed for seal %s: %v", sealID, err)
	}
}

var highRiskTerms = []string{"credit", "loan", "medical", "diagnosis", "criminal"}
var mediumRiskTerms = []string{"transaction", "payment"}

func assessRisk(actionType, payload string) string {
	haystack := strings.ToLower(actionType + " " + payload)
	for _, term := range highRiskTerms {
		if strings.Contains(haystack, term) {
			return models.RiskHigh
		}
	}
	for _, term := range mediumRiskTerms {
		if strings.Contains(haystack, term) {
			return models.RiskMedium
		}
	}
	return models.RiskLow
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	records, total, err := s.Audit.Query(r.Context(), audit.Filter{
		AgentID:       q.Get("agent_id"),
		Decision:      q.Get("decision"),
		ErasureStatus: q.Get("erasure_status"),
		Page:          page,
		Limit:         limit,
	})
	if err != nil {
		httpx.Error(w, 503, "audit query failed")
		return
	}
	if records == nil {
		records = []models.ComplianceRecord{}
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"records": records,
		"total":   total,
	})
}

func (s *Server) handleShredData(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SealID string `json:"seal_id"`
	}
	if err := httpx.DecodeJSON(r, s.MaxRequestBodyBytes, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(req.SealID) == "" {
		httpx.Error(w, 400, "seal_id required")
		return
	}
	ctx := r.Context()

	// advisory lock so two concurrent requests do not race the same
	// erasure; the store-level operation is idempotent regardless
	lockKey := "veridion:erase:" + req.SealID
	if ok, err := s.Cache.SetNX(ctx, lockKey, "1", 30*time.Second); err == nil && !ok {
		httpx.Error(w, 409, "erasure already in progress")
		return
	}
	defer func() { _ = s.Cache.Del(context.WithoutCancel(ctx), lockKey) }()

	if err := s.Shredder.Erase(ctx, req.SealID); err != nil {
		if errors.Is(err, shredder.ErrNotFound) {
			httpx.Error(w, 404, "unknown seal_id")
			return
		}
		httpx.Error(w, 503, "erasure failed")
		return
	}
	if err := s.Audit.MarkErased(ctx, req.SealID); err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			httpx.Error(w, 404, "unknown seal_id")
			return
		}
		httpx.Error(w, 503, "erasure flag update failed")
		return
	}
	s.Metrics.IncErasure()
	s.Events.Publish(stream.NewEvent(stream.EventErasure, map[string]string{"seal_id": req.SealID}))
	httpx.WriteJSON(w, 200, map[string]string{
		"status":  "ERASED (Art. 17)",
		"seal_id": req.SealID,
	})
}

func (s *Server) handleGetEnforcementMode(w http.ResponseWriter, r *http.Request) {
	policyID := strings.TrimSpace(r.URL.Query().Get("policy_id"))
	var mode string
	var err error
	scope := enforcement.GlobalScope
	if policyID != "" {
		scope = enforcement.PolicyScope(policyID)
		mode, err = s.Modes.EffectiveMode(r.Context(), policyID)
	} else {
		mode, err = s.Modes.Mode(r.Context(), enforcement.GlobalScope)
	}
	if err != nil {
		httpx.Error(w, 503, "enforcement mode unavailable")
		return
	}
	httpx.WriteJSON(w, 200, map[string]string{"enforcement_mode": mode, "scope": scope})
}

func (s *Server) handleSetEnforcementMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EnforcementMode string `json:"enforcement_mode"`
		PolicyID        string `json:"policy_id"`
	}
	if err := httpx.DecodeJSON(r, s.MaxRequestBodyBytes, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	scope := enforcement.GlobalScope
	if strings.TrimSpace(req.PolicyID) != "" {
		scope = enforcement.PolicyScope(req.PolicyID)
	}
	if err := s.Modes.SetMode(r.Context(), scope, req.EnforcementMode); err != nil {
		if errors.Is(err, enforcement.ErrInvalidMode) {
			httpx.Error(w, 400, "enforcement_mode must be SHADOW, DRY_RUN or ENFORCING")
			return
		}
		httpx.Error(w, 503, "enforcement mode update failed")
		return
	}
	httpx.WriteJSON(w, 200, map[string]string{
		"status":           "updated",
		"enforcement_mode": req.EnforcementMode,
		"scope":            scope,
	})
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	policyID := chi.URLParam(r, "policy_id")
	var req struct {
		PolicyType string          `json:"policy_type"`
		Config     json.RawMessage `json:"config"`
	}
	if err := httpx.DecodeJSON(r, s.MaxRequestBodyBytes, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if req.PolicyType == "" {
		req.PolicyType = models.PolicyTypeSovereignLock
	}
	if len(req.Config) == 0 {
		httpx.Error(w, 400, "config required")
		return
	}
	version, err := s.Policies.Update(r.Context(), policyID, req.PolicyType, req.Config)
	if err != nil {
		if errors.Is(err, policystore.ErrVersionConflict) {
			httpx.Error(w, 409, "concurrent policy update, retry")
			return
		}
		httpx.Error(w, 503, "policy update failed")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"policy_id": policyID, "version": version})
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	policyID := chi.URLParam(r, "policy_id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	versions, err := s.Policies.ListVersions(r.Context(), policyID, limit)
	if err != nil {
		httpx.Error(w, 503, "version history unavailable")
		return
	}
	if versions == nil {
		versions = []models.PolicyConfig{}
	}
	httpx.WriteJSON(w, 200, map[string]any{"policy_id": policyID, "versions": versions})
}

func (s *Server) handleBreakerConfig(w http.ResponseWriter, r *http.Request) {
	policyID := chi.URLParam(r, "policy_id")
	var cfg breaker.Config
	if err := httpx.DecodeJSON(r, s.MaxRequestBodyBytes, &cfg); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if err := s.Breakers.Configure(r.Context(), policyID, cfg); err != nil {
		httpx.Error(w, 503, "breaker configuration failed")
		return
	}
	st, err := s.Breakers.State(r.Context(), policyID)
	if err != nil {
		httpx.Error(w, 503, "breaker state unavailable")
		return
	}
	httpx.WriteJSON(w, 200, st)
}

func (s *Server) handleBreakerForce(w http.ResponseWriter, r *http.Request) {
	policyID := chi.URLParam(r, "policy_id")
	var req struct {
		State      string `json:"state"`
		Reason     string `json:"reason"`
		OperatorID string `json:"operator_id"`
	}
	if err := httpx.DecodeJSON(r, s.MaxRequestBodyBytes, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	st, err := s.Breakers.Force(r.Context(), policyID, req.State, req.Reason, req.OperatorID)
	if err != nil {
		if errors.Is(err, breaker.ErrInvalidState) {
			httpx.Error(w, 400, "state must be CLOSED, OPEN or HALF_OPEN")
			return
		}
		httpx.Error(w, 503, "breaker override failed")
		return
	}
	s.Metrics.IncBreakerState(st.State)
	s.Events.Publish(stream.NewEvent(stream.EventBreakerChange, map[string]string{
		"policy_id": policyID,
		"state":     st.State,
		"actor":     req.OperatorID,
	}))
	httpx.WriteJSON(w, 200, st)
}

func (s *Server) handleBreakerAnalytics(w http.ResponseWriter, r *http.Request) {
	policyID := strings.TrimSpace(r.URL.Query().Get("policy_id"))
	if policyID != "" {
		st, err := s.Breakers.State(r.Context(), policyID)
		if err != nil {
			httpx.Error(w, 503, "breaker state unavailable")
			return
		}
		transitions, err := s.Breakers.Transitions(r.Context(), policyID, 50)
		if err != nil {
			httpx.Error(w, 503, "breaker history unavailable")
			return
		}
		if transitions == nil {
			transitions = []breaker.Transition{}
		}
		httpx.WriteJSON(w, 200, map[string]any{
			"breaker":        st,
			"violation_rate": st.ViolationRate(),
			"transitions":    transitions,
		})
		return
	}
	states, err := s.Breakers.All(r.Context())
	if err != nil {
		httpx.Error(w, 503, "breaker list unavailable")
		return
	}
	if states == nil {
		states = []models.BreakerState{}
	}
	httpx.WriteJSON(w, 200, map[string]any{"breakers": states})
}

func (s *Server) handleCanaryStage(w http.ResponseWriter, r *http.Request) {
	policyID := chi.URLParam(r, "policy_id")
	var req canary.StageRequest
	if err := httpx.DecodeJSON(r, s.MaxRequestBodyBytes, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	req.PolicyID = policyID
	if _, err := s.Policies.GetVersion(r.Context(), policyID, req.CandidateVersion); err != nil {
		if errors.Is(err, policystore.ErrVersionNotFound) {
			httpx.Error(w, 404, "candidate version not found")
			return
		}
		httpx.Error(w, 503, "version lookup failed")
		return
	}
	if req.BaselineVersion == 0 {
		current, err := s.Policies.Get(r.Context(), policyID)
		if err != nil {
			httpx.Error(w, 503, "policy lookup failed")
			return
		}
		req.BaselineVersion = current.Version
	}
	dep, err := s.Canaries.Stage(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, canary.ErrActiveDeployment):
			httpx.Error(w, 409, "policy already has an active canary deployment")
		case errors.Is(err, canary.ErrInvalidTarget):
			httpx.Error(w, 400, "target_percentage must be between 1 and 100")
		default:
			httpx.Error(w, 503, "canary staging failed")
		}
		return
	}
	httpx.WriteJSON(w, 200, dep)
}

func (s *Server) handleCanaryAnalytics(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	deployments, err := s.Canaries.Recent(r.Context(), limit)
	if err != nil {
		httpx.Error(w, 503, "canary list unavailable")
		return
	}
	type entry struct {
		Deployment models.CanaryDeployment `json:"deployment"`
		Metrics    models.CanaryMetrics    `json:"metrics"`
	}
	out := make([]entry, 0, len(deployments))
	for _, dep := range deployments {
		m, err := s.Canaries.Metrics(r.Context(), dep.DeploymentID)
		if err != nil {
			httpx.Error(w, 503, "canary metrics unavailable")
			return
		}
		out = append(out, entry{Deployment: dep, Metrics: m})
	}
	httpx.WriteJSON(w, 200, map[string]any{"deployments": out})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PolicyID      string `json:"policy_id"`
		TargetVersion int    `json:"target_version"`
		DryRun        bool   `json:"dry_run"`
	}
	if err := httpx.DecodeJSON(r, s.MaxRequestBodyBytes, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(req.PolicyID) == "" || req.TargetVersion < 1 {
		httpx.Error(w, 400, "policy_id and target_version required")
		return
	}
	report, err := s.Policies.Rollback(r.Context(), req.PolicyID, req.TargetVersion, req.DryRun)
	if err != nil {
		switch {
		case errors.Is(err, policystore.ErrVersionNotFound), errors.Is(err, policystore.ErrNotFound):
			httpx.Error(w, 404, "target version not found")
		case errors.Is(err, policystore.ErrVersionConflict):
			httpx.Error(w, 409, "concurrent policy update, retry")
		default:
			httpx.Error(w, 503, "rollback failed")
		}
		return
	}
	if !req.DryRun {
		s.Events.Publish(stream.NewEvent(stream.EventRollback, map[string]any{
			"policy_id":       req.PolicyID,
			"applied_version": report.AppliedVersion,
			"target_version":  report.TargetVersion,
		}))
	}
	httpx.WriteJSON(w, 200, report)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
