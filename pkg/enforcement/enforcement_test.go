package enforcement

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"veridion/pkg/models"
)

type fakeModeDB struct {
	mu    sync.Mutex
	modes map[string]string
}

func newFakeModeDB() *fakeModeDB {
	return &fakeModeDB{modes: map[string]string{}}
}

func (f *fakeModeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	scope, _ := args[0].(string)
	if len(args) == 1 {
		delete(f.modes, scope)
		return pgconn.NewCommandTag("DELETE 1"), nil
	}
	f.modes[scope] = args[1].(string)
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeModeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	mode, ok := f.modes[args[0].(string)]
	if !ok {
		return modeRow{err: pgx.ErrNoRows}
	}
	return modeRow{mode: mode}
}

type modeRow struct {
	mode string
	err  error
}

func (r modeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*string)) = r.mode
	return nil
}

func TestEffectiveModeDefaultsToShadow(t *testing.T) {
	c := New(newFakeModeDB())
	mode, err := c.EffectiveMode(context.Background(), "p1")
	if err != nil {
		t.Fatalf("effective mode: %v", err)
	}
	if mode != models.ModeShadow {
		t.Fatalf("unset system must run in SHADOW, got %s", mode)
	}
}

func TestPolicyOverrideWinsOverGlobal(t *testing.T) {
	db := newFakeModeDB()
	c := New(db)
	ctx := context.Background()
	if err := c.SetMode(ctx, GlobalScope, models.ModeEnforcing); err != nil {
		t.Fatalf("set global: %v", err)
	}
	if err := c.SetMode(ctx, PolicyScope("p1"), models.ModeShadow); err != nil {
		t.Fatalf("set override: %v", err)
	}
	mode, _ := c.EffectiveMode(ctx, "p1")
	if mode != models.ModeShadow {
		t.Fatalf("override must win, got %s", mode)
	}
	mode, _ = c.EffectiveMode(ctx, "p2")
	if mode != models.ModeEnforcing {
		t.Fatalf("other policies follow global, got %s", mode)
	}
}

func TestSetModeRejectsUnknown(t *testing.T) {
	c := New(newFakeModeDB())
	if err := c.SetMode(context.Background(), GlobalScope, "PANIC"); !errors.Is(err, ErrInvalidMode) {
		t.Fatalf("expected ErrInvalidMode, got %v", err)
	}
}

func TestSetModeTakesEffectImmediately(t *testing.T) {
	db := newFakeModeDB()
	c := New(db)
	ctx := context.Background()
	if err := c.SetMode(ctx, GlobalScope, models.ModeEnforcing); err != nil {
		t.Fatalf("set: %v", err)
	}
	if mode, _ := c.EffectiveMode(ctx, "any"); mode != models.ModeEnforcing {
		t.Fatalf("mode change not visible, got %s", mode)
	}
	if err := c.SetMode(ctx, GlobalScope, models.ModeDryRun); err != nil {
		t.Fatalf("set: %v", err)
	}
	if mode, _ := c.EffectiveMode(ctx, "any"); mode != models.ModeDryRun {
		t.Fatalf("mode change not visible, got %s", mode)
	}
}

func TestClearPolicyMode(t *testing.T) {
	db := newFakeModeDB()
	c := New(db)
	ctx := context.Background()
	if err := c.SetMode(ctx, PolicyScope("p1"), models.ModeEnforcing); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := c.ClearPolicyMode(ctx, "p1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if mode, _ := c.EffectiveMode(ctx, "p1"); mode != models.ModeShadow {
		t.Fatalf("cleared policy must fall back to global default, got %s", mode)
	}
}

func TestApply(t *testing.T) {
	cases := []struct {
		mode, verdict, decision string
		blocked                 bool
	}{
		{models.ModeEnforcing, models.DecisionBlocked, models.DecisionBlocked, true},
		{models.ModeEnforcing, models.DecisionAllowed, models.DecisionAllowed, false},
		{models.ModeDryRun, models.DecisionBlocked, models.DecisionAllowed, false},
		{models.ModeDryRun, models.DecisionAllowed, models.DecisionAllowed, false},
		{models.ModeShadow, models.DecisionBlocked, models.DecisionShadowLogged, false},
		{models.ModeShadow, models.DecisionAllowed, models.DecisionAllowed, false},
	}
	for _, tc := range cases {
		decision, blocked := Apply(tc.mode, tc.verdict)
		if decision != tc.decision || blocked != tc.blocked {
			t.Fatalf("Apply(%s,%s) = %s,%v; want %s,%v",
				tc.mode, tc.verdict, decision, blocked, tc.decision, tc.blocked)
		}
	}
}
