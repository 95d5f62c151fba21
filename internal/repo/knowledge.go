package repo

import (
	"context"
	"database/sql"

	"adpilot/internal/domain"
)

func (r Repo) InsertDocument(ctx context.Context, tx *sql.Tx, doc domain.KnowledgeDocument) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO knowledge_documents(id,account_id,title,created_at) VALUES (?,?,?,?)`,
		doc.ID, doc.AccountID, doc.Title, doc.CreatedAt)
	return err
}

func (r Repo) GetDocument(ctx context.Context, id string) (domain.KnowledgeDocument, error) {
	var doc domain.KnowledgeDocument
	err := r.DB.QueryRowContext(ctx, `SELECT id,account_id,title,created_at FROM knowledge_documents WHERE id=?`, id).
		Scan(&doc.ID, &doc.AccountID, &doc.Title, &doc.CreatedAt)
	if err == sql.ErrNoRows {
		return doc, ErrNotFound
	}
	return doc, err
}

func (r Repo) ListDocuments(ctx context.Context, accountID string) ([]domain.KnowledgeDocument, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,account_id,title,created_at FROM knowledge_documents WHERE account_id=? ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.KnowledgeDocument
	for rows.Next() {
		var doc domain.KnowledgeDocument
		if err := rows.Scan(&doc.ID, &doc.AccountID, &doc.Title, &doc.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, doc)
	}
	return res, nil
}

func (r Repo) DeleteDocument(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM knowledge_documents WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertRule(ctx context.Context, tx *sql.Tx, rule domain.KnowledgeRule) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO knowledge_rules(id,document_id,account_id,category,rule_text,metric,comparison,threshold,action_hint,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rule.ID, rule.DocumentID, rule.AccountID, nullable(rule.Category), rule.RuleText,
		nullable(rule.Metric), nullable(rule.Comparison), nullableFloatPtr(rule.Threshold), nullable(rule.ActionHint), rule.CreatedAt)
	return err
}

func (r Repo) ListRules(ctx context.Context, accountID string) ([]domain.KnowledgeRule, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,document_id,account_id,category,rule_text,metric,comparison,threshold,action_hint,created_at
FROM knowledge_rules WHERE account_id=? ORDER BY created_at DESC, id DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.KnowledgeRule
	for rows.Next() {
		var rule domain.KnowledgeRule
		var category, metric, comparison, actionHint sql.NullString
		var threshold sql.NullFloat64
		if err := rows.Scan(&rule.ID, &rule.DocumentID, &rule.AccountID, &category, &rule.RuleText,
			&metric, &comparison, &threshold, &actionHint, &rule.CreatedAt); err != nil {
			return nil, err
		}
		if category.Valid {
			rule.Category = category.String
		}
		if metric.Valid {
			rule.Metric = metric.String
		}
		if comparison.Valid {
			rule.Comparison = comparison.String
		}
		if threshold.Valid {
			rule.Threshold = &threshold.Float64
		}
		if actionHint.Valid {
			rule.ActionHint = actionHint.String
		}
		res = append(res, rule)
	}
	return res, nil
}
