package main

import (
	"context"
	"log"
	"time"

	"veridion/pkg/models"
	"veridion/pkg/stream"
)

// breakerProberLoop wakes open breakers whose cooldown elapsed. Each
// iteration re-reads the tunables so a config reload takes effect
// without a restart.
func (s *Server) breakerProberLoop(ctx context.Context) {
	for {
		interval := time.Duration(s.Defaults.Current().Breaker.ProberSeconds) * time.Second
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		recovered, err := s.Breakers.RecoverDue(ctx)
		if err != nil {
			log.Printf("breaker prober: %v", err)
			continue
		}
		for _, policyID := range recovered {
			s.Metrics.IncBreakerState(models.BreakerHalfOpen)
			s.Events.Publish(stream.NewEvent(stream.EventBreakerChange, map[string]string{
				"policy_id": policyID,
				"state":     models.BreakerHalfOpen,
				"actor":     "prober",
			}))
		}
	}
}

// canaryEvaluatorLoop drives ramp, promote and rollback decisions for
// active deployments and surfaces resolutions on the event stream.
func (s *Server) canaryEvaluatorLoop(ctx context.Context) {
	for {
		interval := time.Duration(s.Defaults.Current().Canary.EvalSeconds) * time.Second
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		tickStart := time.Now().UTC()
		if err := s.Canaries.Evaluate(ctx, tickStart); err != nil {
			log.Printf("canary evaluator: %v", err)
			continue
		}
		recent, err := s.Canaries.Recent(ctx, 20)
		if err != nil {
			log.Printf("canary evaluator: list recent: %v", err)
			continue
		}
		for _, dep := range recent {
			if dep.ResolvedAt == nil || dep.ResolvedAt.Before(tickStart) {
				continue
			}
			s.Metrics.IncCanaryOutcome(dep.Status)
			s.Events.Publish(stream.NewEvent(stream.EventCanaryResolved, map[string]any{
				"deployment_id":     dep.DeploymentID,
				"policy_id":         dep.PolicyID,
				"status":            dep.Status,
				"candidate_version": dep.CandidateVersion,
			}))
		}
	}
}
