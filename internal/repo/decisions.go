package repo

import (
	"context"
	"database/sql"
	"strings"

	"adpilot/internal/domain"
)

func (r Repo) InsertDecision(ctx context.Context, tx *sql.Tx, d domain.Decision) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO decisions(id,account_id,decision_type,entity_kind,entity_id,entity_name,details_json,reasoning,confidence,risk_level,status,created_at,decided_at,executed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.AccountID, d.Type, d.Entity.Kind, d.Entity.ID, nullable(d.Entity.Name), d.DetailsJSON, d.Reasoning,
		d.Confidence, d.RiskLevel, d.Status, d.CreatedAt, nullableStringPtr(d.DecidedAt), nullableStringPtr(d.ExecutedAt))
	return err
}

func scanDecision(scan func(dest ...any) error) (domain.Decision, error) {
	var d domain.Decision
	var entityName, decidedAt, executedAt sql.NullString
	err := scan(&d.ID, &d.AccountID, &d.Type, &d.Entity.Kind, &d.Entity.ID, &entityName, &d.DetailsJSON,
		&d.Reasoning, &d.Confidence, &d.RiskLevel, &d.Status, &d.CreatedAt, &decidedAt, &executedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if entityName.Valid {
		d.Entity.Name = entityName.String
	}
	if decidedAt.Valid {
		d.DecidedAt = &decidedAt.String
	}
	if executedAt.Valid {
		d.ExecutedAt = &executedAt.String
	}
	return d, nil
}

const decisionColumns = `id,account_id,decision_type,entity_kind,entity_id,entity_name,details_json,reasoning,confidence,risk_level,status,created_at,decided_at,executed_at`

func (r Repo) GetDecision(ctx context.Context, id string) (domain.Decision, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE id=?`, id)
	return scanDecision(row.Scan)
}

func (r Repo) GetDecisionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Decision, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE id=?`, id)
	return scanDecision(row.Scan)
}

type DecisionFilters struct {
	AccountID       string
	Status          string
	Type            string
	EntityKind      string
	EntityID        string
	RiskLevel       string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListDecisions(ctx context.Context, f DecisionFilters) ([]domain.Decision, error) {
	var clauses []string
	var args []any
	if f.AccountID != "" {
		clauses = append(clauses, "account_id=?")
		args = append(args, f.AccountID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "decision_type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.RiskLevel != "" {
		clauses = append(clauses, "risk_level=?")
		args = append(args, f.RiskLevel)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + decisionColumns + ` FROM decisions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Decision
	for rows.Next() {
		d, err := scanDecision(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, nil
}

// ClaimPending moves a decision from pending_approval to the given status,
// but only if it is still pending. Concurrent callers race on the status
// column; exactly one wins, the rest see false.
func (r Repo) ClaimPending(ctx context.Context, tx *sql.Tx, id string, to domain.DecisionStatus, decidedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE decisions SET status=?, decided_at=? WHERE id=? AND status=?`,
		to, decidedAt, id, domain.StatusPendingApproval)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SettleApproved moves a decision from approved to executed or
// execution_failed. executed_at is written only for the executed status.
func (r Repo) SettleApproved(ctx context.Context, tx *sql.Tx, id string, to domain.DecisionStatus, executedAt, reasoning string) (bool, error) {
	var res sql.Result
	var err error
	if to == domain.StatusExecuted {
		res, err = tx.ExecContext(ctx, `UPDATE decisions SET status=?, executed_at=? WHERE id=? AND status=?`,
			to, executedAt, id, domain.StatusApproved)
	} else {
		res, err = tx.ExecContext(ctx, `UPDATE decisions SET status=?, reasoning=? WHERE id=? AND status=?`,
			to, reasoning, id, domain.StatusApproved)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) CountDecisionsByStatus(ctx context.Context, accountID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM decisions WHERE account_id=? GROUP BY status`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, nil
}
