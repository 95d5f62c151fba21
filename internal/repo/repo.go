package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"adpilot/internal/config"
	"adpilot/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertAccount(ctx context.Context, a domain.Account) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO accounts(id,external_id,name,currency,target_cpa,target_cpl,created_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.ExternalID, a.Name, a.Currency, nullableFloatPtr(a.TargetCPA), nullableFloatPtr(a.TargetCPL), a.CreatedAt)
	return err
}

func scanAccount(row *sql.Row) (domain.Account, error) {
	var a domain.Account
	var cpa, cpl sql.NullFloat64
	err := row.Scan(&a.ID, &a.ExternalID, &a.Name, &a.Currency, &cpa, &cpl, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if cpa.Valid {
		a.TargetCPA = &cpa.Float64
	}
	if cpl.Valid {
		a.TargetCPL = &cpl.Float64
	}
	return a, err
}

func (r Repo) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	return scanAccount(r.DB.QueryRowContext(ctx, `SELECT id,external_id,name,currency,target_cpa,target_cpl,created_at FROM accounts WHERE id=?`, id))
}

func (r Repo) GetAccountByExternalID(ctx context.Context, externalID string) (domain.Account, error) {
	return scanAccount(r.DB.QueryRowContext(ctx, `SELECT id,external_id,name,currency,target_cpa,target_cpl,created_at FROM accounts WHERE external_id=?`, externalID))
}

func (r Repo) SingleAccount(ctx context.Context) (domain.Account, error) {
	accounts, err := r.ListAccounts(ctx)
	if err != nil {
		return domain.Account{}, err
	}
	if len(accounts) == 0 {
		return domain.Account{}, ErrNotFound
	}
	if len(accounts) > 1 {
		return domain.Account{}, fmt.Errorf("multiple accounts exist; specify --account")
	}
	return accounts[0], nil
}

func (r Repo) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,external_id,name,currency,target_cpa,target_cpl,created_at FROM accounts ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Account
	for rows.Next() {
		var a domain.Account
		var cpa, cpl sql.NullFloat64
		if err := rows.Scan(&a.ID, &a.ExternalID, &a.Name, &a.Currency, &cpa, &cpl, &a.CreatedAt); err != nil {
			return nil, err
		}
		if cpa.Valid {
			a.TargetCPA = &cpa.Float64
		}
		if cpl.Valid {
			a.TargetCPL = &cpl.Float64
		}
		res = append(res, a)
	}
	return res, nil
}

func (r Repo) UpdateAccount(ctx context.Context, id string, name, currency *string, targetCPA, targetCPL *float64) error {
	var (
		fields []string
		args   []any
	)
	if name != nil {
		fields = append(fields, "name=?")
		args = append(args, *name)
	}
	if currency != nil {
		fields = append(fields, "currency=?")
		args = append(args, *currency)
	}
	if targetCPA != nil {
		fields = append(fields, "target_cpa=?")
		args = append(args, *targetCPA)
	}
	if targetCPL != nil {
		fields = append(fields, "target_cpl=?")
		args = append(args, *targetCPL)
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE accounts SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteAccount(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM accounts WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpsertAccountConfig(ctx context.Context, accountID string, cfg *config.Config) error {
	return upsertAccountConfig(ctx, r.DB, nil, accountID, cfg)
}

func (r Repo) UpsertAccountConfigTx(ctx context.Context, tx *sql.Tx, accountID string, cfg *config.Config) error {
	return upsertAccountConfig(ctx, nil, tx, accountID, cfg)
}

func upsertAccountConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, accountID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Account.ID = accountID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO account_configs(account_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(account_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, accountID, string(payload), now, now)
	return err
}

func (r Repo) GetAccountConfig(ctx context.Context, accountID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM account_configs WHERE account_id=?`, accountID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Account.ID == "" {
		cfg.Account.ID = accountID
	}
	return &cfg, cfg.Validate()
}

func (r Repo) UpsertPolicy(ctx context.Context, tx *sql.Tx, p domain.AutomationPolicy) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO automation_policies(account_id,mode,risk_threshold,updated_at) VALUES (?,?,?,?)
ON CONFLICT(account_id) DO UPDATE SET mode=excluded.mode, risk_threshold=excluded.risk_threshold, updated_at=excluded.updated_at`,
		p.AccountID, p.Mode, p.RiskThreshold, p.UpdatedAt)
	return err
}

func (r Repo) GetPolicy(ctx context.Context, accountID string) (domain.AutomationPolicy, error) {
	var p domain.AutomationPolicy
	err := r.DB.QueryRowContext(ctx, `SELECT account_id,mode,risk_threshold,updated_at FROM automation_policies WHERE account_id=?`, accountID).
		Scan(&p.AccountID, &p.Mode, &p.RiskThreshold, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertCampaign(ctx context.Context, c domain.Campaign) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO campaigns(id,account_id,external_id,name,status,objective,daily_budget,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.AccountID, c.ExternalID, c.Name, c.Status, nullable(c.Objective), nullableFloatPtr(c.DailyBudget), c.CreatedAt)
	return err
}

func (r Repo) GetCampaign(ctx context.Context, id string) (domain.Campaign, error) {
	var c domain.Campaign
	var objective sql.NullString
	var budget sql.NullFloat64
	err := r.DB.QueryRowContext(ctx, `SELECT id,account_id,external_id,name,status,objective,daily_budget,created_at FROM campaigns WHERE id=?`, id).
		Scan(&c.ID, &c.AccountID, &c.ExternalID, &c.Name, &c.Status, &objective, &budget, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if objective.Valid {
		c.Objective = objective.String
	}
	if budget.Valid {
		c.DailyBudget = &budget.Float64
	}
	return c, err
}

func (r Repo) ListCampaigns(ctx context.Context, accountID string) ([]domain.Campaign, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,account_id,external_id,name,status,objective,daily_budget,created_at FROM campaigns WHERE account_id=? ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Campaign
	for rows.Next() {
		var c domain.Campaign
		var objective sql.NullString
		var budget sql.NullFloat64
		if err := rows.Scan(&c.ID, &c.AccountID, &c.ExternalID, &c.Name, &c.Status, &objective, &budget, &c.CreatedAt); err != nil {
			return nil, err
		}
		if objective.Valid {
			c.Objective = objective.String
		}
		if budget.Valid {
			c.DailyBudget = &budget.Float64
		}
		res = append(res, c)
	}
	return res, nil
}

func (r Repo) UpdateCampaignBudget(ctx context.Context, tx *sql.Tx, id string, budget float64) error {
	res, err := tx.ExecContext(ctx, `UPDATE campaigns SET daily_budget=? WHERE id=?`, budget, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertAdSet(ctx context.Context, a domain.AdSet) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO ad_sets(id,campaign_id,account_id,external_id,name,status,daily_budget,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.CampaignID, a.AccountID, a.ExternalID, a.Name, a.Status, nullableFloatPtr(a.DailyBudget), a.CreatedAt)
	return err
}

func (r Repo) GetAdSet(ctx context.Context, id string) (domain.AdSet, error) {
	var a domain.AdSet
	var budget sql.NullFloat64
	err := r.DB.QueryRowContext(ctx, `SELECT id,campaign_id,account_id,external_id,name,status,daily_budget,created_at FROM ad_sets WHERE id=?`, id).
		Scan(&a.ID, &a.CampaignID, &a.AccountID, &a.ExternalID, &a.Name, &a.Status, &budget, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if budget.Valid {
		a.DailyBudget = &budget.Float64
	}
	return a, err
}

func (r Repo) ListAdSets(ctx context.Context, accountID, campaignID string) ([]domain.AdSet, error) {
	clauses := []string{"account_id=?"}
	args := []any{accountID}
	if campaignID != "" {
		clauses = append(clauses, "campaign_id=?")
		args = append(args, campaignID)
	}
	query := `SELECT id,campaign_id,account_id,external_id,name,status,daily_budget,created_at FROM ad_sets WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AdSet
	for rows.Next() {
		var a domain.AdSet
		var budget sql.NullFloat64
		if err := rows.Scan(&a.ID, &a.CampaignID, &a.AccountID, &a.ExternalID, &a.Name, &a.Status, &budget, &a.CreatedAt); err != nil {
			return nil, err
		}
		if budget.Valid {
			a.DailyBudget = &budget.Float64
		}
		res = append(res, a)
	}
	return res, nil
}

func (r Repo) UpdateAdSetStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE ad_sets SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateAdSetBudget(ctx context.Context, tx *sql.Tx, id string, budget float64) error {
	res, err := tx.ExecContext(ctx, `UPDATE ad_sets SET daily_budget=? WHERE id=?`, budget, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertSnapshot(ctx context.Context, s domain.MetricsSnapshot) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO metric_snapshots(account_id,entity_kind,entity_id,date,impressions,clicks,spend,conversions,cpa,cpl,ctr,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.AccountID, s.EntityKind, s.EntityID, s.Date, s.Impressions, s.Clicks, s.Spend, s.Conversions,
		nullableFloatPtr(s.CPA), nullableFloatPtr(s.CPL), nullableFloatPtr(s.CTR), s.CreatedAt)
	return err
}

// LatestSnapshot returns the most recent snapshot for an entity.
func (r Repo) LatestSnapshot(ctx context.Context, entityKind domain.EntityKind, entityID string) (domain.MetricsSnapshot, error) {
	var s domain.MetricsSnapshot
	var cpa, cpl, ctr sql.NullFloat64
	err := r.DB.QueryRowContext(ctx, `SELECT id,account_id,entity_kind,entity_id,date,impressions,clicks,spend,conversions,cpa,cpl,ctr,created_at
FROM metric_snapshots WHERE entity_kind=? AND entity_id=? ORDER BY date DESC, id DESC LIMIT 1`, entityKind, entityID).
		Scan(&s.ID, &s.AccountID, &s.EntityKind, &s.EntityID, &s.Date, &s.Impressions, &s.Clicks, &s.Spend, &s.Conversions, &cpa, &cpl, &ctr, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if cpa.Valid {
		s.CPA = &cpa.Float64
	}
	if cpl.Valid {
		s.CPL = &cpl.Float64
	}
	if ctr.Valid {
		s.CTR = &ctr.Float64
	}
	return s, err
}

type SnapshotFilters struct {
	AccountID  string
	EntityKind string
	EntityID   string
	Since      string
	Limit      int
}

func (r Repo) ListSnapshots(ctx context.Context, f SnapshotFilters) ([]domain.MetricsSnapshot, error) {
	var clauses []string
	var args []any
	if f.AccountID != "" {
		clauses = append(clauses, "account_id=?")
		args = append(args, f.AccountID)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Since != "" {
		clauses = append(clauses, "date>=?")
		args = append(args, f.Since)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,account_id,entity_kind,entity_id,date,impressions,clicks,spend,conversions,cpa,cpl,ctr,created_at FROM metric_snapshots ` + where + ` ORDER BY date DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MetricsSnapshot
	for rows.Next() {
		var s domain.MetricsSnapshot
		var cpa, cpl, ctr sql.NullFloat64
		if err := rows.Scan(&s.ID, &s.AccountID, &s.EntityKind, &s.EntityID, &s.Date, &s.Impressions, &s.Clicks, &s.Spend, &s.Conversions, &cpa, &cpl, &ctr, &s.CreatedAt); err != nil {
			return nil, err
		}
		if cpa.Valid {
			s.CPA = &cpa.Float64
		}
		if cpl.Valid {
			s.CPL = &cpl.Float64
		}
		if ctr.Valid {
			s.CTR = &ctr.Float64
		}
		res = append(res, s)
	}
	return res, nil
}

func (r Repo) LatestEvents(ctx context.Context, limit int, accountID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, accountID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, accountID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if accountID != "" {
		clauses = append(clauses, "account_id=?")
		args = append(args, accountID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,account_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, accountID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if accountID != "" {
		clauses = append(clauses, "account_id=?")
		args = append(args, accountID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,account_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LatestEventID returns the most recent event ID for an account.
func (r Repo) LatestEventID(ctx context.Context, accountID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE account_id=?`, accountID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var accountID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &accountID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if accountID.Valid {
			e.AccountID = accountID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
