// Package audit is the append-only store of compliance records. No update
// or delete is exposed; the single permitted field-level mutation is the
// erasure flag flip driven by the crypto-shredder.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"veridion/pkg/models"
)

var ErrNotFound = errors.New("audit: record not found")

type auditDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Chain struct {
	DB auditDB
}

const recordColumns = `seal_id, agent_id, action_type, target_region, enforcement_decision,
	raw_verdict, risk_level, user_id, policy_id, applied_policy_version, cohort,
	ciphertext, nonce, payload_hash, tx_id, erasure_status, created_at`

// Append persists one compliance record. A failed append fails the whole
// action evaluation; there is no fire-and-forget on this path.
func (c *Chain) Append(ctx context.Context, rec models.ComplianceRecord) error {
	_, err := c.DB.Exec(ctx, `
		INSERT INTO compliance_records (`+recordColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, rec.SealID, rec.AgentID, rec.ActionType, rec.TargetRegion, rec.EnforcementDecision,
		rec.RawVerdict, rec.RiskLevel, rec.UserID, rec.PolicyID, rec.AppliedPolicyVersion, rec.Cohort,
		rec.Ciphertext, rec.Nonce, rec.PayloadHash, rec.TxID, rec.ErasureStatus, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("append compliance record: %w", err)
	}
	return nil
}

func (c *Chain) Get(ctx context.Context, sealID string) (models.ComplianceRecord, error) {
	row := c.DB.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM compliance_records WHERE seal_id=$1
	`, sealID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, ErrNotFound
	}
	return rec, err
}

// Filter narrows a Query; zero values match everything.
type Filter struct {
	AgentID       string
	Decision      string
	ErasureStatus string
	Page          int
	Limit         int
}

// Query serves the read-only reporting surface with pagination.
func (c *Chain) Query(ctx context.Context, f Filter) ([]models.ComplianceRecord, int64, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 || f.Limit > 1000 {
		f.Limit = 100
	}
	where, args := f.clauses()
	var total int64
	if err := c.DB.QueryRow(ctx, `SELECT COUNT(*) FROM compliance_records`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count compliance records: %w", err)
	}
	args = append(args, f.Limit, (f.Page-1)*f.Limit)
	n := len(args)
	rows, err := c.DB.Query(ctx, `
		SELECT `+recordColumns+`
		FROM compliance_records`+where+`
		ORDER BY created_at DESC
		LIMIT $`+strconv.Itoa(n-1)+` OFFSET $`+strconv.Itoa(n), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query compliance records: %w", err)
	}
	defer rows.Close()
	out := make([]models.ComplianceRecord, 0, f.Limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan compliance record: %w", err)
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

// MarkErased flips the erasure flag. It is the only mutation on this
// table anywhere in the system and is reached solely through the
// shredder's audited erase path.
func (c *Chain) MarkErased(ctx context.Context, sealID string) error {
	cmd, err := c.DB.Exec(ctx, `
		UPDATE compliance_records SET erasure_status=$2 WHERE seal_id=$1
	`, sealID, models.ErasureErased)
	if err != nil {
		return fmt.Errorf("mark erased: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (f Filter) clauses() (string, []any) {
	var conds []string
	var args []any
	add := func(col, val string) {
		if strings.TrimSpace(val) == "" {
			return
		}
		args = append(args, val)
		conds = append(conds, col+"=$"+strconv.Itoa(len(args)))
	}
	add("agent_id", f.AgentID)
	add("enforcement_decision", f.Decision)
	add("erasure_status", f.ErasureStatus)
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanRecord(row pgx.Row) (models.ComplianceRecord, error) {
	var rec models.ComplianceRecord
	err := row.Scan(&rec.SealID, &rec.AgentID, &rec.ActionType, &rec.TargetRegion, &rec.EnforcementDecision,
		&rec.RawVerdict, &rec.RiskLevel, &rec.UserID, &rec.PolicyID, &rec.AppliedPolicyVersion, &rec.Cohort,
		&rec.Ciphertext, &rec.Nonce, &rec.PayloadHash, &rec.TxID, &rec.ErasureStatus, &rec.CreatedAt)
	return rec, err
}
