// Package enforcement resolves which enforcement mode applies to an
// action: SHADOW observes, DRY_RUN annotates, ENFORCING blocks. Modes are
// stored per scope ("global" or "policy:<id>") and take effect on the
// next evaluation without a restart.
package enforcement

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"veridion/pkg/models"
)

const GlobalScope = "global"

// ErrInvalidMode rejects writes outside the three-mode set.
var ErrInvalidMode = errors.New("enforcement: invalid mode")

type modeDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Controller struct {
	DB modeDB
}

func New(db modeDB) *Controller {
	return &Controller{DB: db}
}

// PolicyScope builds the per-policy override scope key.
func PolicyScope(policyID string) string {
	return "policy:" + policyID
}

// EffectiveMode resolves the mode for a policy: the per-policy override
// wins over the global mode, and a system with no stored mode runs in
// SHADOW. Evaluation never fails open because of a missing row.
func (c *Controller) EffectiveMode(ctx context.Context, policyID string) (string, error) {
	if policyID != "" {
		mode, ok, err := c.get(ctx, PolicyScope(policyID))
		if err != nil {
			return "", err
		}
		if ok {
			return mode, nil
		}
	}
	mode, ok, err := c.get(ctx, GlobalScope)
	if err != nil {
		return "", err
	}
	if !ok {
		return models.ModeShadow, nil
	}
	return mode, nil
}

// Mode returns the stored mode for one scope, defaulting to SHADOW.
func (c *Controller) Mode(ctx context.Context, scope string) (string, error) {
	mode, ok, err := c.get(ctx, scope)
	if err != nil {
		return "", err
	}
	if !ok {
		return models.ModeShadow, nil
	}
	return mode, nil
}

// SetMode upserts the mode for a scope. The write is visible to the very
// next EffectiveMode call.
func (c *Controller) SetMode(ctx context.Context, scope, mode string) error {
	if !models.ValidMode(mode) {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	if scope == "" {
		scope = GlobalScope
	}
	_, err := c.DB.Exec(ctx, `
		INSERT INTO enforcement_modes (scope, mode, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (scope) DO UPDATE SET mode = EXCLUDED.mode, updated_at = now()
	`, scope, mode)
	if err != nil {
		return fmt.Errorf("set enforcement mode: %w", err)
	}
	return nil
}

// ClearPolicyMode removes a per-policy override so the global mode
// applies again. Clearing an absent override is a no-op.
func (c *Controller) ClearPolicyMode(ctx context.Context, policyID string) error {
	_, err := c.DB.Exec(ctx, `
		DELETE FROM enforcement_modes WHERE scope=$1
	`, PolicyScope(policyID))
	if err != nil {
		return fmt.Errorf("clear enforcement mode: %w", err)
	}
	return nil
}

func (c *Controller) get(ctx context.Context, scope string) (string, bool, error) {
	var mode string
	row := c.DB.QueryRow(ctx, `SELECT mode FROM enforcement_modes WHERE scope=$1`, scope)
	if err := row.Scan(&mode); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read enforcement mode: %w", err)
	}
	if !models.ValidMode(mode) {
		// a corrupted row must not widen enforcement
		return models.ModeShadow, true, nil
	}
	return mode, true, nil
}

// Apply maps a raw verdict through a mode to the recorded decision.
// Only ENFORCING turns a violation into a block; SHADOW and DRY_RUN let
// the action through, and the raw verdict stays on the record for
// analytics.
func Apply(mode, rawVerdict string) (decision string, blocked bool) {
	if rawVerdict != models.DecisionBlocked {
		return models.DecisionAllowed, false
	}
	switch mode {
	case models.ModeEnforcing:
		return models.DecisionBlocked, true
	case models.ModeDryRun:
		return models.DecisionAllowed, false
	default:
		return models.DecisionShadowLogged, false
	}
}
