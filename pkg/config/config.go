// Package config loads the tuning defaults file for breakers and
// canaries. The file is optional; absent or partial files fall back to
// the built-in defaults, and a watcher hot-reloads edits.
package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Defaults are the operator-tunable knobs that do not warrant a restart.
type Defaults struct {
	Breaker BreakerDefaults `yaml:"circuit_breaker"`
	Canary  CanaryDefaults  `yaml:"canary"`
}

type BreakerDefaults struct {
	Threshold       float64 `yaml:"violation_rate_threshold"`
	WindowSeconds   int     `yaml:"window_seconds"`
	CooldownSeconds int     `yaml:"cooldown_seconds"`
	MinRequests     int     `yaml:"min_requests"`
	ProberSeconds   int     `yaml:"prober_interval_seconds"`
}

type CanaryDefaults struct {
	StepPercent       int     `yaml:"step_percent"`
	EvalSeconds       int     `yaml:"eval_interval_seconds"`
	DwellSeconds      int     `yaml:"promotion_dwell_seconds"`
	MinRequests       int     `yaml:"min_requests"`
	PromoteThreshold  float64 `yaml:"promote_threshold"`
	RollbackThreshold float64 `yaml:"rollback_threshold"`
}

func builtin() Defaults {
	return Defaults{
		Breaker: BreakerDefaults{
			Threshold:       0.5,
			WindowSeconds:   60,
			CooldownSeconds: 900,
			MinRequests:     20,
			ProberSeconds:   30,
		},
		Canary: CanaryDefaults{
			StepPercent:       10,
			EvalSeconds:       5,
			DwellSeconds:      60,
			MinRequests:       20,
			PromoteThreshold:  1.0,
			RollbackThreshold: 5.0,
		},
	}
}

// Load reads the defaults file, overlaying the built-in values. A
// missing file is not an error; a malformed one is.
func Load(path string) (Defaults, error) {
	d := builtin()
	if path == "" {
		return d, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return d, nil
		}
		return d, fmt.Errorf("read defaults file: %w", err)
	}
	var overlay Defaults
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return d, fmt.Errorf("parse defaults file: %w", err)
	}
	d.merge(overlay)
	if err := d.validate(); err != nil {
		return builtin(), err
	}
	return d, nil
}

func (d *Defaults) merge(o Defaults) {
	if o.Breaker.Threshold > 0 {
		d.Breaker.Threshold = o.Breaker.Threshold
	}
	if o.Breaker.WindowSeconds > 0 {
		d.Breaker.WindowSeconds = o.Breaker.WindowSeconds
	}
	if o.Breaker.CooldownSeconds > 0 {
		d.Breaker.CooldownSeconds = o.Breaker.CooldownSeconds
	}
	if o.Breaker.MinRequests > 0 {
		d.Breaker.MinRequests = o.Breaker.MinRequests
	}
	if o.Breaker.ProberSeconds > 0 {
		d.Breaker.ProberSeconds = o.Breaker.ProberSeconds
	}
	if o.Canary.StepPercent > 0 {
		d.Canary.StepPercent = o.Canary.StepPercent
	}
	if o.Canary.EvalSeconds > 0 {
		d.Canary.EvalSeconds = o.Canary.EvalSeconds
	}
	if o.Canary.DwellSeconds > 0 {
		d.Canary.DwellSeconds = o.Canary.DwellSeconds
	}
	if o.Canary.MinRequests > 0 {
		d.Canary.MinRequests = o.Canary.MinRequests
	}
	if o.Canary.PromoteThreshold > 0 {
		d.Canary.PromoteThreshold = o.Canary.PromoteThreshold
	}
	if o.Canary.RollbackThreshold > 0 {
		d.Canary.RollbackThreshold = o.Canary.RollbackThreshold
	}
}

func (d Defaults) validate() error {
	if d.Breaker.Threshold > 1 {
		return fmt.Errorf("violation_rate_threshold must be in (0,1], got %v", d.Breaker.Threshold)
	}
	if d.Canary.StepPercent > 100 {
		return fmt.Errorf("step_percent must be in (0,100], got %d", d.Canary.StepPercent)
	}
	if d.Canary.RollbackThreshold <= d.Canary.PromoteThreshold {
		return fmt.Errorf("rollback_threshold %v must exceed promote_threshold %v",
			d.Canary.RollbackThreshold, d.Canary.PromoteThreshold)
	}
	return nil
}

// Holder serves the current Defaults to concurrent readers and accepts
// atomic swaps from the watcher.
type Holder struct {
	mu sync.RWMutex
	d  Defaults
}

func NewHolder(d Defaults) *Holder {
	return &Holder{d: d}
}

func (h *Holder) Current() Defaults {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.d
}

func (h *Holder) Swap(d Defaults) {
	h.mu.Lock()
	h.d = d
	h.mu.Unlock()
}
