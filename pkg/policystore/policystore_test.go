package policystore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type storedVersion struct {
	policyType string
	config     []byte
}

// fakePolicyDB backs policy_configs, policy_versions and the canary
// cancellation statement with in-memory maps. The (policy_id, version)
// primary key is enforced so the CAS path is exercised for real.
type fakePolicyDB struct {
	mu       sync.Mutex
	configs  map[string]storedVersion
	current  map[string]int
	versions map[string]map[int]storedVersion
	ramping  map[string]int64
}

func newFakePolicyDB() *fakePolicyDB {
	return &fakePolicyDB{
		configs:  map[string]storedVersion{},
		current:  map[string]int{},
		versions: map[string]map[int]storedVersion{},
		ramping:  map[string]int64{},
	}
}

func (f *fakePolicyDB) seedVersion(policyID string, version int, policyType, config string) {
	if f.versions[policyID] == nil {
		f.versions[policyID] = map[int]storedVersion{}
	}
	f.versions[policyID][version] = storedVersion{policyType: policyType, config: []byte(config)}
}

func (f *fakePolicyDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exec(sql, args...)
}

func (f *fakePolicyDB) exec(sql string, args ...any) (pgconn.CommandTag, error) {
	switch {
	case strings.Contains(sql, "INSERT INTO policy_versions"):
		policyID, _ := args[0].(string)
		version, _ := args[1].(int)
		policyType, _ := args[2].(string)
		config, _ := args[3].(json.RawMessage)
		if f.versions[policyID] == nil {
			f.versions[policyID] = map[int]storedVersion{}
		}
		if _, dup := f.versions[policyID][version]; dup {
			return pgconn.CommandTag{}, &pgconn.PgError{Code: "23505", ConstraintName: "policy_versions_pkey"}
		}
		f.versions[policyID][version] = storedVersion{policyType: policyType, config: config}
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case strings.Contains(sql, "INSERT INTO policy_configs"):
		policyID, _ := args[0].(string)
		version, _ := args[2].(int)
		config, _ := args[3].(json.RawMessage)
		f.configs[policyID] = storedVersion{policyType: args[1].(string), config: config}
		f.current[policyID] = version
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case strings.Contains(sql, "UPDATE policy_configs"):
		policyID, _ := args[0].(string)
		oldVersion, _ := args[1].(int)
		if f.current[policyID] != oldVersion {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		config, _ := args[4].(json.RawMessage)
		f.configs[policyID] = storedVersion{policyType: args[2].(string), config: config}
		f.current[policyID] = args[3].(int)
		return pgconn.NewCommandTag("UPDATE 1"), nil
	case strings.Contains(sql, "UPDATE canary_deployments"):
		policyID, _ := args[0].(string)
		n := f.ramping[policyID]
		f.ramping[policyID] = 0
		if n == 1 {
			return pgconn.NewCommandTag("UPDATE 1"), nil
		}
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}
	return pgconn.CommandTag{}, errors.New("unexpected exec: " + sql)
}

func (f *fakePolicyDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not used in these tests")
}

func (f *fakePolicyDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queryRow(sql, args...)
}

func (f *fakePolicyDB) queryRow(sql string, args ...any) pgx.Row {
	policyID, _ := args[0].(string)
	switch {
	case strings.Contains(sql, "SELECT version FROM policy_configs"):
		v, ok := f.current[policyID]
		if !ok {
			return fakeRow{err: pgx.ErrNoRows}
		}
		return fakeRow{values: []any{v}}
	case strings.Contains(sql, "FROM policy_configs"):
		sv, ok := f.configs[policyID]
		if !ok {
			return fakeRow{err: pgx.ErrNoRows}
		}
		return fakeRow{values: []any{policyID, sv.policyType, f.current[policyID], sv.config, time.Now()}}
	case strings.Contains(sql, "FROM policy_versions"):
		version, _ := args[1].(int)
		sv, ok := f.versions[policyID][version]
		if !ok {
			return fakeRow{err: pgx.ErrNoRows}
		}
		return fakeRow{values: []any{policyID, sv.policyType, version, sv.config, time.Now()}}
	}
	return fakeRow{err: errors.New("unexpected query: " + sql)}
}

func (f *fakePolicyDB) Begin(ctx context.Context) (pgx.Tx, error) {
	return &fakeTx{db: f}, nil
}

// fakeTx forwards to the fake store. The real transaction semantics are
// not simulated; the tests only care about statement behavior.
type fakeTx struct{ db *fakePolicyDB }

func (t *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeTx) Commit(ctx context.Context) error          { return nil }
func (t *fakeTx) Rollback(ctx context.Context) error        { return nil }
func (t *fakeTx) CopyFrom(ctx context.Context, _ pgx.Identifier, _ []string, _ pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not supported")
}
func (t *fakeTx) SendBatch(ctx context.Context, _ *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *fakeTx) Prepare(ctx context.Context, _, _ string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not supported")
}
func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	return t.db.exec(sql, args...)
}
func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not used")
}
func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	return t.db.queryRow(sql, args...)
}
func (t *fakeTx) Conn() *pgx.Conn { return nil }

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *string:
			*d, _ = r.values[i].(string)
		case *int:
			*d, _ = r.values[i].(int)
		case *json.RawMessage:
			b, _ := r.values[i].([]byte)
			*d = b
		case *time.Time:
			*d, _ = r.values[i].(time.Time)
		default:
			return errors.New("unsupported scan dest")
		}
	}
	return nil
}

func TestUpdateCreatesThenBumpsVersion(t *testing.T) {
	db := newFakePolicyDB()
	s := New(db)
	ctx := context.Background()

	v, err := s.Update(ctx, "p1", "SOVEREIGN_LOCK", json.RawMessage(`{"allowed_regions":["DE"]}`))
	if err != nil || v != 1 {
		t.Fatalf("first update: v=%d err=%v", v, err)
	}
	v, err = s.Update(ctx, "p1", "SOVEREIGN_LOCK", json.RawMessage(`{"allowed_regions":["DE","FR"]}`))
	if err != nil || v != 2 {
		t.Fatalf("second update: v=%d err=%v", v, err)
	}
	cfg, err := s.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cfg.Version != 2 || !strings.Contains(string(cfg.Config), "FR") {
		t.Fatalf("current config not swapped: %+v", cfg)
	}
	if _, err := s.GetVersion(ctx, "p1", 1); err != nil {
		t.Fatalf("version 1 snapshot must remain readable: %v", err)
	}
}

func TestUpdateConflictWhenVersionTaken(t *testing.T) {
	db := newFakePolicyDB()
	s := New(db)
	ctx := context.Background()
	if _, err := s.Update(ctx, "p1", "SOVEREIGN_LOCK", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// a concurrent writer already claimed version 2
	db.seedVersion("p1", 2, "SOVEREIGN_LOCK", `{}`)
	if _, err := s.Update(ctx, "p1", "SOVEREIGN_LOCK", json.RawMessage(`{}`)); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	s := New(newFakePolicyDB())
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetVersion(context.Background(), "missing", 3); !errors.Is(err, ErrVersionNotFound) {
		t.Fatalf("expected ErrVersionNotFound, got %v", err)
	}
}

func TestRollbackDryRunDoesNotWrite(t *testing.T) {
	db := newFakePolicyDB()
	s := New(db)
	ctx := context.Background()
	for _, cfg := range []string{`{"allowed_regions":["DE"]}`, `{"allowed_regions":["DE","FR"]}`} {
		if _, err := s.Update(ctx, "p1", "SOVEREIGN_LOCK", json.RawMessage(cfg)); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	report, err := s.Rollback(ctx, "p1", 1, true)
	if err != nil {
		t.Fatalf("dry-run rollback: %v", err)
	}
	if !report.DryRun || report.AppliedVersion != 0 || report.CurrentVersion != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	cfg, _ := s.Get(ctx, "p1")
	if cfg.Version != 2 {
		t.Fatalf("dry run must not change current version, got %d", cfg.Version)
	}
}

func TestRollbackAppliesSnapshotAndCancelsCanary(t *testing.T) {
	db := newFakePolicyDB()
	s := New(db)
	ctx := context.Background()
	for _, cfg := range []string{`{"allowed_regions":["DE"]}`, `{"allowed_regions":["DE","FR"]}`} {
		if _, err := s.Update(ctx, "p1", "SOVEREIGN_LOCK", json.RawMessage(cfg)); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	db.ramping["p1"] = 1
	report, err := s.Rollback(ctx, "p1", 1, false)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if report.AppliedVersion != 3 {
		t.Fatalf("rollback must append a new version, got %d", report.AppliedVersion)
	}
	if report.CanariesCanceled != 1 {
		t.Fatalf("in-flight canary must be canceled, got %d", report.CanariesCanceled)
	}
	cfg, _ := s.Get(ctx, "p1")
	if cfg.Version != 3 || strings.Contains(string(cfg.Config), "FR") {
		t.Fatalf("rolled back config mismatch: %+v", cfg)
	}
}

func TestRollbackUnknownTarget(t *testing.T) {
	db := newFakePolicyDB()
	s := New(db)
	ctx := context.Background()
	if _, err := s.Update(ctx, "p1", "SOVEREIGN_LOCK", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := s.Rollback(ctx, "p1", 9, false); !errors.Is(err, ErrVersionNotFound) {
		t.Fatalf("expected ErrVersionNotFound, got %v", err)
	}
}
