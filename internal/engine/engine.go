package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"adpilot/internal/config"
	"adpilot/internal/domain"
	"adpilot/internal/events"
	"adpilot/internal/knowledge"
	"adpilot/internal/repo"
)

// MetricsProvider supplies the latest performance snapshot for an entity.
// Implementations return repo.ErrNotFound when no data exists and
// *UpstreamError on transport failure.
type MetricsProvider interface {
	GetMetrics(ctx context.Context, entity domain.EntityRef) (domain.MetricsSnapshot, error)
}

// Executor applies an approved decision against the advertising platform.
// The engine calls it at most once per decision.
type Executor interface {
	Apply(ctx context.Context, d domain.Decision) error
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Metrics  MetricsProvider
	Exec     Executor
	Reasoner Reasoner
	Now      func() time.Time
}

func New(db *sql.DB, exec Executor) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:      db,
		Repo:    r,
		Events:  events.Writer{DB: db},
		Metrics: StoredMetrics{Repo: r},
		Exec:    exec,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// StoredMetrics reads the most recent recorded snapshot per entity. It is
// the default provider; a live fetcher can replace it.
type StoredMetrics struct {
	Repo repo.Repo
}

func (m StoredMetrics) GetMetrics(ctx context.Context, entity domain.EntityRef) (domain.MetricsSnapshot, error) {
	return m.Repo.LatestSnapshot(ctx, entity.Kind, entity.ID)
}

// AccountCreateOptions are parameters for registering an ad account.
type AccountCreateOptions struct {
	ExternalID string
	Name       string
	Currency   string
	TargetCPA  *float64
	TargetCPL  *float64
	ActorID    string
}

// InitAccount registers an ad account with its default config and a default
// automation policy.
func (e Engine) InitAccount(ctx context.Context, opts AccountCreateOptions) (domain.Account, error) {
	if opts.ExternalID == "" {
		return domain.Account{}, validationf("external_id required")
	}
	if opts.Currency == "" {
		opts.Currency = "USD"
	}
	a := domain.Account{
		ID:         uuid.NewSHA1(uuid.NameSpaceOID, []byte("account|"+opts.ExternalID)).String(),
		ExternalID: opts.ExternalID,
		Name:       opts.Name,
		Currency:   opts.Currency,
		TargetCPA:  opts.TargetCPA,
		TargetCPL:  opts.TargetCPL,
		CreatedAt:  e.now().UTC().Format(time.RFC3339),
	}
	cfg := config.Default(a.ID)
	cfg.Account.Currency = a.Currency

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Account{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO accounts(id,external_id,name,currency,target_cpa,target_cpl,created_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.ExternalID, a.Name, a.Currency, optFloat(a.TargetCPA), optFloat(a.TargetCPL), a.CreatedAt); err != nil {
		return domain.Account{}, fmt.Errorf("insert account: %w", err)
	}
	if err := e.Repo.UpsertAccountConfigTx(ctx, tx, a.ID, cfg); err != nil {
		return domain.Account{}, fmt.Errorf("insert account config: %w", err)
	}
	policy := domain.AutomationPolicy{
		AccountID:     a.ID,
		Mode:          domain.AutomationMode(cfg.Automation.Mode),
		RiskThreshold: domain.RiskLevel(cfg.Automation.RiskThreshold),
		UpdatedAt:     a.CreatedAt,
	}
	if err := e.Repo.UpsertPolicy(ctx, tx, policy); err != nil {
		return domain.Account{}, fmt.Errorf("insert policy: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "account.init", a.ID, "account", a.ID, opts.ActorID, events.EventPayload{"external_id": a.ExternalID}); err != nil {
		return domain.Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Account{}, err
	}
	return a, nil
}

// AddCampaign registers a campaign under an account.
func (e Engine) AddCampaign(ctx context.Context, accountID, externalID, name, status, objective string, dailyBudget *float64, actorID string) (domain.Campaign, error) {
	if _, err := e.Repo.GetAccount(ctx, accountID); err != nil {
		return domain.Campaign{}, err
	}
	if status == "" {
		status = "ACTIVE"
	}
	c := domain.Campaign{
		ID:          uuid.NewSHA1(uuid.NameSpaceOID, []byte(accountID+"|campaign|"+externalID)).String(),
		AccountID:   accountID,
		ExternalID:  externalID,
		Name:        name,
		Status:      status,
		Objective:   objective,
		DailyBudget: dailyBudget,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Campaign{}, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO campaigns(id,account_id,external_id,name,status,objective,daily_budget,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.AccountID, c.ExternalID, c.Name, c.Status, optString(c.Objective), optFloat(c.DailyBudget), c.CreatedAt); err != nil {
		return domain.Campaign{}, fmt.Errorf("insert campaign: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "campaign.add", accountID, "campaign", c.ID, actorID, events.EventPayload{"name": c.Name}); err != nil {
		return domain.Campaign{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Campaign{}, err
	}
	return c, nil
}

// AddAdSet registers an ad set under a campaign.
func (e Engine) AddAdSet(ctx context.Context, campaignID, externalID, name, status string, dailyBudget *float64, actorID string) (domain.AdSet, error) {
	c, err := e.Repo.GetCampaign(ctx, campaignID)
	if err != nil {
		return domain.AdSet{}, err
	}
	if status == "" {
		status = "ACTIVE"
	}
	a := domain.AdSet{
		ID:          uuid.NewSHA1(uuid.NameSpaceOID, []byte(campaignID+"|adset|"+externalID)).String(),
		CampaignID:  campaignID,
		AccountID:   c.AccountID,
		ExternalID:  externalID,
		Name:        name,
		Status:      status,
		DailyBudget: dailyBudget,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AdSet{}, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO ad_sets(id,campaign_id,account_id,external_id,name,status,daily_budget,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.CampaignID, a.AccountID, a.ExternalID, a.Name, a.Status, optFloat(a.DailyBudget), a.CreatedAt); err != nil {
		return domain.AdSet{}, fmt.Errorf("insert ad set: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "adset.add", a.AccountID, "adset", a.ID, actorID, events.EventPayload{"name": a.Name}); err != nil {
		return domain.AdSet{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AdSet{}, err
	}
	return a, nil
}

// SetPolicy updates the account's automation policy.
func (e Engine) SetPolicy(ctx context.Context, accountID string, mode domain.AutomationMode, threshold domain.RiskLevel, actorID string) (domain.AutomationPolicy, error) {
	switch mode {
	case domain.ModeAutonomous, domain.ModeHybrid, domain.ModeApprovalRequired:
	default:
		return domain.AutomationPolicy{}, validationf("unknown automation mode %q", mode)
	}
	switch threshold {
	case domain.RiskLow, domain.RiskMedium, domain.RiskHigh:
	default:
		return domain.AutomationPolicy{}, validationf("unknown risk threshold %q", threshold)
	}
	if _, err := e.Repo.GetAccount(ctx, accountID); err != nil {
		return domain.AutomationPolicy{}, err
	}
	p := domain.AutomationPolicy{
		AccountID:     accountID,
		Mode:          mode,
		RiskThreshold: threshold,
		UpdatedAt:     e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AutomationPolicy{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertPolicy(ctx, tx, p); err != nil {
		return domain.AutomationPolicy{}, err
	}
	if err := e.Events.Append(ctx, tx, "policy.update", accountID, "account", accountID, actorID,
		events.EventPayload{"mode": string(mode), "risk_threshold": string(threshold)}); err != nil {
		return domain.AutomationPolicy{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AutomationPolicy{}, err
	}
	return p, nil
}

func (e Engine) configFor(ctx context.Context, accountID string) *config.Config {
	cfg, err := e.Repo.GetAccountConfig(ctx, accountID)
	if err != nil {
		return config.Default(accountID)
	}
	return cfg
}

func (e Engine) policyFor(ctx context.Context, accountID string, cfg *config.Config) domain.AutomationPolicy {
	p, err := e.Repo.GetPolicy(ctx, accountID)
	if err != nil {
		return domain.AutomationPolicy{
			AccountID:     accountID,
			Mode:          domain.AutomationMode(cfg.Automation.Mode),
			RiskThreshold: domain.RiskLevel(cfg.Automation.RiskThreshold),
		}
	}
	return p
}

// resolveTarget verifies the entity exists and belongs to the account,
// returning its display name. create_campaign targets the account itself.
func (e Engine) resolveTarget(ctx context.Context, accountID string, ref domain.EntityRef) (string, error) {
	switch ref.Kind {
	case domain.EntityAccount:
		if ref.ID != accountID {
			return "", validationf("target account %s does not match account %s", ref.ID, accountID)
		}
		a, err := e.Repo.GetAccount(ctx, ref.ID)
		if err != nil {
			return "", validationf("target account %s does not resolve", ref.ID)
		}
		return a.Name, nil
	case domain.EntityCampaign:
		c, err := e.Repo.GetCampaign(ctx, ref.ID)
		if err != nil || c.AccountID != accountID {
			return "", validationf("target campaign %s does not resolve", ref.ID)
		}
		return c.Name, nil
	case domain.EntityAdSet:
		a, err := e.Repo.GetAdSet(ctx, ref.ID)
		if err != nil || a.AccountID != accountID {
			return "", validationf("target adset %s does not resolve", ref.ID)
		}
		return a.Name, nil
	}
	return "", validationf("unknown entity kind %q", ref.Kind)
}

// validateDetails decodes the details payload against the shape its decision
// type requires and checks the target kind fits the type. Malformed payloads
// fail here, before anything persists or executes.
func validateDetails(rec domain.Recommendation) error {
	raw := []byte(rec.DetailsJSON)
	switch rec.Type {
	case domain.DecisionAdjustBudget:
		if rec.Entity.Kind != domain.EntityCampaign && rec.Entity.Kind != domain.EntityAdSet {
			return validationf("adjust_budget targets a campaign or ad set, not %q", rec.Entity.Kind)
		}
		var bc domain.BudgetChange
		if err := json.Unmarshal(raw, &bc); err != nil {
			return validationf("adjust_budget details: %v", err)
		}
		if bc.ProposedValue <= 0 {
			return validationf("adjust_budget details: proposed_value must be positive")
		}
	case domain.DecisionToggleAdSet:
		if rec.Entity.Kind != domain.EntityAdSet {
			return validationf("toggle_adset targets an ad set, not %q", rec.Entity.Kind)
		}
		var sc domain.StatusChange
		if err := json.Unmarshal(raw, &sc); err != nil {
			return validationf("toggle_adset details: %v", err)
		}
		if sc.ProposedStatus != "ACTIVE" && sc.ProposedStatus != "PAUSED" {
			return validationf("toggle_adset details: proposed_status must be ACTIVE or PAUSED")
		}
	case domain.DecisionCreateCampaign:
		if rec.Entity.Kind != domain.EntityAccount {
			return validationf("create_campaign targets the account, not %q", rec.Entity.Kind)
		}
		var draft domain.CampaignDraft
		if err := json.Unmarshal(raw, &draft); err != nil {
			return validationf("create_campaign details: %v", err)
		}
		if draft.Name == "" {
			return validationf("create_campaign details: name required")
		}
		if draft.DailyBudget < 0 {
			return validationf("create_campaign details: daily_budget must be non-negative")
		}
	case domain.DecisionAdjustTargeting, domain.DecisionAdjustBidding:
		if rec.Entity.Kind != domain.EntityCampaign && rec.Entity.Kind != domain.EntityAdSet {
			return validationf("%s targets a campaign or ad set, not %q", rec.Type, rec.Entity.Kind)
		}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return validationf("%s details must be a JSON object", rec.Type)
		}
		if len(fields) == 0 {
			return validationf("%s details must name at least one field", rec.Type)
		}
	}
	return nil
}

// CreateDecision turns a recommendation into exactly one persisted decision.
// The automation policy picks the initial path: pending_approval, or the
// auto path which executes immediately and lands terminal.
func (e Engine) CreateDecision(ctx context.Context, accountID string, rec domain.Recommendation, actorID string) (domain.Decision, error) {
	if !domain.KnownDecisionType(rec.Type) {
		return domain.Decision{}, validationf("unknown decision type %q", rec.Type)
	}
	if rec.Confidence < 0 || rec.Confidence > 100 {
		return domain.Decision{}, validationf("confidence_score %.1f outside [0,100]", rec.Confidence)
	}
	if rec.DetailsJSON == "" || !json.Valid([]byte(rec.DetailsJSON)) {
		return domain.Decision{}, validationf("decision details must be a JSON object")
	}
	if err := validateDetails(rec); err != nil {
		return domain.Decision{}, err
	}
	name, err := e.resolveTarget(ctx, accountID, rec.Entity)
	if err != nil {
		return domain.Decision{}, err
	}
	if rec.Entity.Name == "" {
		rec.Entity.Name = name
	}

	cfg := e.configFor(ctx, accountID)
	risk, err := ClassifyRisk(rec, RiskThresholds{
		BudgetLowPct:    cfg.Risk.BudgetLowPct,
		BudgetMediumPct: cfg.Risk.BudgetMediumPct,
	})
	if err != nil {
		return domain.Decision{}, err
	}
	policy := e.policyFor(ctx, accountID, cfg)
	auto := AutoExecute(policy, risk)

	now := e.now().UTC().Format(time.RFC3339)
	d := domain.Decision{
		ID:          uuid.New().String(),
		AccountID:   accountID,
		Type:        rec.Type,
		Entity:      rec.Entity,
		DetailsJSON: rec.DetailsJSON,
		Reasoning:   rec.Reasoning,
		Confidence:  rec.Confidence,
		RiskLevel:   risk,
		Status:      domain.StatusPendingApproval,
		CreatedAt:   now,
	}
	if auto {
		d.Status = domain.StatusApproved
		d.DecidedAt = &now
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Decision{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDecision(ctx, tx, d); err != nil {
		return domain.Decision{}, fmt.Errorf("insert decision: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "decision.create", accountID, string(d.Entity.Kind), d.Entity.ID, actorID,
		events.EventPayload{"decision_id": d.ID, "type": string(d.Type), "risk_level": string(risk), "auto": auto}); err != nil {
		return domain.Decision{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Decision{}, err
	}

	if auto {
		return e.settle(ctx, d, actorID)
	}
	return d, nil
}

// Approve moves a pending decision to approved and immediately attempts
// execution. Exactly one of concurrent approve/reject calls wins; the rest
// fail with InvalidStateError.
func (e Engine) Approve(ctx context.Context, decisionID, actorID string) (domain.Decision, error) {
	d, err := e.Repo.GetDecision(ctx, decisionID)
	if err != nil {
		return domain.Decision{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Decision{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.ClaimPending(ctx, tx, decisionID, domain.StatusApproved, now)
	if err != nil {
		return domain.Decision{}, err
	}
	if !ok {
		// read within the open transaction: a pooled read here would block
		// against our own claim transaction under the shared cache
		cur, gerr := e.Repo.GetDecisionTx(ctx, tx, decisionID)
		if gerr != nil {
			return domain.Decision{}, gerr
		}
		return domain.Decision{}, &InvalidStateError{DecisionID: decisionID, Status: cur.Status, Op: "approve"}
	}
	if err := e.Events.Append(ctx, tx, "decision.approve", d.AccountID, string(d.Entity.Kind), d.Entity.ID, actorID,
		events.EventPayload{"decision_id": d.ID}); err != nil {
		return domain.Decision{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Decision{}, err
	}

	d.Status = domain.StatusApproved
	d.DecidedAt = &now
	return e.settle(ctx, d, actorID)
}

// Reject moves a pending decision to rejected. No executor call.
func (e Engine) Reject(ctx context.Context, decisionID, actorID string) (domain.Decision, error) {
	d, err := e.Repo.GetDecision(ctx, decisionID)
	if err != nil {
		return domain.Decision{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Decision{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.ClaimPending(ctx, tx, decisionID, domain.StatusRejected, now)
	if err != nil {
		return domain.Decision{}, err
	}
	if !ok {
		cur, gerr := e.Repo.GetDecisionTx(ctx, tx, decisionID)
		if gerr != nil {
			return domain.Decision{}, gerr
		}
		return domain.Decision{}, &InvalidStateError{DecisionID: decisionID, Status: cur.Status, Op: "reject"}
	}
	if err := e.Events.Append(ctx, tx, "decision.reject", d.AccountID, string(d.Entity.Kind), d.Entity.ID, actorID,
		events.EventPayload{"decision_id": d.ID}); err != nil {
		return domain.Decision{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Decision{}, err
	}
	d.Status = domain.StatusRejected
	d.DecidedAt = &now
	return d, nil
}

// settle executes an approved decision and resolves it to executed or
// execution_failed. approved is never a resting state: this runs within the
// same operation that produced it.
func (e Engine) settle(ctx context.Context, d domain.Decision, actorID string) (domain.Decision, error) {
	cfg := e.configFor(ctx, d.AccountID)
	timeout := time.Duration(cfg.Execution.TimeoutSeconds) * time.Second

	var execErr error
	if e.Exec == nil {
		execErr = &UpstreamError{Op: "execute", Err: errors.New("no execution adapter configured")}
	} else {
		execCtx, cancel := context.WithTimeout(ctx, timeout)
		done := make(chan error, 1)
		go func() { done <- e.Exec.Apply(execCtx, d) }()
		select {
		case execErr = <-done:
		case <-execCtx.Done():
			execErr = &UpstreamError{Op: "execute", Err: execCtx.Err()}
		}
		cancel()
	}

	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Decision{}, err
	}
	defer tx.Rollback()

	if execErr == nil {
		ok, err := e.Repo.SettleApproved(ctx, tx, d.ID, domain.StatusExecuted, now, "")
		if err != nil {
			return domain.Decision{}, err
		}
		if !ok {
			return domain.Decision{}, &InvalidStateError{DecisionID: d.ID, Status: d.Status, Op: "execute"}
		}
		if err := e.Events.Append(ctx, tx, "decision.execute", d.AccountID, string(d.Entity.Kind), d.Entity.ID, actorID,
			events.EventPayload{"decision_id": d.ID}); err != nil {
			return domain.Decision{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Decision{}, err
		}
		d.Status = domain.StatusExecuted
		d.ExecutedAt = &now
		// the platform change is already live: a mirror failure must not
		// unwind the recorded settlement
		if err := e.mirrorExecuted(ctx, d); err != nil {
			log.Printf("decision %s: local catalog update failed: %v", d.ID, err)
		}
		return d, nil
	}

	detail := execErr.Error()
	reason := d.Reasoning + " | execution failed: " + detail
	ok, err := e.Repo.SettleApproved(ctx, tx, d.ID, domain.StatusExecutionFailed, "", reason)
	if err != nil {
		return domain.Decision{}, err
	}
	if !ok {
		return domain.Decision{}, &InvalidStateError{DecisionID: d.ID, Status: d.Status, Op: "execute"}
	}
	if err := e.Events.Append(ctx, tx, "decision.execution_failed", d.AccountID, string(d.Entity.Kind), d.Entity.ID, actorID,
		events.EventPayload{"decision_id": d.ID, "error": detail}); err != nil {
		return domain.Decision{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Decision{}, err
	}
	d.Status = domain.StatusExecutionFailed
	d.Reasoning = reason
	return d, nil
}

// mirrorExecuted applies an executed change to the local catalog in its own
// transaction, after the settlement has committed.
func (e Engine) mirrorExecuted(ctx context.Context, d domain.Decision) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.applyLocally(ctx, tx, d); err != nil {
		return err
	}
	return tx.Commit()
}

// applyLocally mirrors an executed change onto the local catalog so later
// evaluation cycles see the new budget/status.
func (e Engine) applyLocally(ctx context.Context, tx *sql.Tx, d domain.Decision) error {
	switch d.Type {
	case domain.DecisionAdjustBudget:
		var bc domain.BudgetChange
		if err := json.Unmarshal([]byte(d.DetailsJSON), &bc); err != nil {
			return err
		}
		switch d.Entity.Kind {
		case domain.EntityCampaign:
			return e.Repo.UpdateCampaignBudget(ctx, tx, d.Entity.ID, bc.ProposedValue)
		case domain.EntityAdSet:
			return e.Repo.UpdateAdSetBudget(ctx, tx, d.Entity.ID, bc.ProposedValue)
		}
	case domain.DecisionToggleAdSet:
		var sc domain.StatusChange
		if err := json.Unmarshal([]byte(d.DetailsJSON), &sc); err != nil {
			return err
		}
		return e.Repo.UpdateAdSetStatus(ctx, tx, d.Entity.ID, sc.ProposedStatus)
	case domain.DecisionCreateCampaign:
		var draft domain.CampaignDraft
		if err := json.Unmarshal([]byte(d.DetailsJSON), &draft); err != nil {
			return err
		}
		id := uuid.New().String()
		_, err := tx.ExecContext(ctx, `INSERT INTO campaigns(id,account_id,external_id,name,status,objective,daily_budget,created_at) VALUES (?,?,?,?,?,?,?,?)`,
			id, d.AccountID, id, draft.Name, "PAUSED", optString(draft.Objective), draft.DailyBudget, e.now().UTC().Format(time.RFC3339))
		return err
	}
	return nil
}

// GetDecision returns one decision or repo.ErrNotFound.
func (e Engine) GetDecision(ctx context.Context, decisionID string) (domain.Decision, error) {
	return e.Repo.GetDecision(ctx, decisionID)
}

// ListDecisions is a pure read over the decision history.
func (e Engine) ListDecisions(ctx context.Context, f repo.DecisionFilters) ([]domain.Decision, error) {
	return e.Repo.ListDecisions(ctx, f)
}

// EntityOutcome is one entity's result within an evaluation run.
type EntityOutcome struct {
	Entity    domain.EntityRef  `json:"entity"`
	Outcome   string            `json:"outcome" enum:"evaluated,no_data,skipped"`
	Error     string            `json:"error,omitempty"`
	Decisions []domain.Decision `json:"decisions,omitempty"`
}

// RunSummary reports an account evaluation run.
type RunSummary struct {
	AccountID       string          `json:"account_id"`
	StartedAt       string          `json:"started_at" format:"date-time"`
	FinishedAt      string          `json:"finished_at" format:"date-time"`
	Entities        []EntityOutcome `json:"entities"`
	Created         int             `json:"created"`
	AutoExecuted    int             `json:"auto_executed"`
	PendingApproval int             `json:"pending_approval"`
	Failed          int             `json:"failed"`
	Skipped         int             `json:"skipped"`
}

// EvaluateAccount runs one evaluation cycle over every campaign and ad set
// of the account. Entities are evaluated in parallel; a metrics failure
// skips only that entity and is reported in the summary.
func (e Engine) EvaluateAccount(ctx context.Context, accountID, actorID string) (RunSummary, error) {
	account, err := e.Repo.GetAccount(ctx, accountID)
	if err != nil {
		return RunSummary{}, err
	}
	cfg := e.configFor(ctx, accountID)
	rules, err := e.Repo.ListRules(ctx, accountID)
	if err != nil {
		return RunSummary{}, err
	}
	campaigns, err := e.Repo.ListCampaigns(ctx, accountID)
	if err != nil {
		return RunSummary{}, err
	}
	adsets, err := e.Repo.ListAdSets(ctx, accountID, "")
	if err != nil {
		return RunSummary{}, err
	}

	var states []EntityState
	for _, c := range campaigns {
		states = append(states, EntityState{
			Entity:      domain.EntityRef{Kind: domain.EntityCampaign, ID: c.ID, Name: c.Name},
			Status:      c.Status,
			DailyBudget: c.DailyBudget,
			Currency:    account.Currency,
			TargetCPA:   account.TargetCPA,
			TargetCPL:   account.TargetCPL,
		})
	}
	for _, a := range adsets {
		states = append(states, EntityState{
			Entity:      domain.EntityRef{Kind: domain.EntityAdSet, ID: a.ID, Name: a.Name},
			Status:      a.Status,
			DailyBudget: a.DailyBudget,
			Currency:    account.Currency,
			TargetCPA:   account.TargetCPA,
			TargetCPL:   account.TargetCPL,
		})
	}

	gen := Generator{Cfg: cfg, Reasoner: e.Reasoner}
	summary := RunSummary{
		AccountID: accountID,
		StartedAt: e.now().UTC().Format(time.RFC3339),
		Entities:  make([]EntityOutcome, len(states)),
	}

	var wg sync.WaitGroup
	for i, st := range states {
		wg.Add(1)
		go func(i int, st EntityState) {
			defer wg.Done()
			summary.Entities[i] = e.evaluateEntity(ctx, accountID, gen, st, rules, actorID)
		}(i, st)
	}
	wg.Wait()

	for _, out := range summary.Entities {
		if out.Outcome == "skipped" {
			summary.Skipped++
		}
		for _, d := range out.Decisions {
			summary.Created++
			switch d.Status {
			case domain.StatusExecuted:
				summary.AutoExecuted++
			case domain.StatusPendingApproval:
				summary.PendingApproval++
			case domain.StatusExecutionFailed:
				summary.Failed++
			}
		}
	}
	summary.FinishedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return summary, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "evaluation.run", accountID, "account", accountID, actorID, events.EventPayload{
		"entities": len(states), "created": summary.Created, "auto_executed": summary.AutoExecuted,
		"pending_approval": summary.PendingApproval, "failed": summary.Failed, "skipped": summary.Skipped,
	}); err != nil {
		return summary, err
	}
	if err := tx.Commit(); err != nil {
		return summary, err
	}
	return summary, nil
}

func (e Engine) evaluateEntity(ctx context.Context, accountID string, gen Generator, st EntityState, rules []domain.KnowledgeRule, actorID string) EntityOutcome {
	out := EntityOutcome{Entity: st.Entity, Outcome: "evaluated"}
	snap, err := e.Metrics.GetMetrics(ctx, st.Entity)
	if errors.Is(err, repo.ErrNotFound) {
		out.Outcome = "no_data"
		return out
	}
	if err != nil {
		out.Outcome = "skipped"
		out.Error = err.Error()
		return out
	}
	recs, err := gen.Generate(ctx, st, snap, rules)
	if err != nil {
		out.Outcome = "skipped"
		out.Error = err.Error()
		return out
	}
	for _, rec := range recs {
		d, err := e.CreateDecision(ctx, accountID, rec, actorID)
		if err != nil {
			out.Outcome = "skipped"
			out.Error = err.Error()
			return out
		}
		out.Decisions = append(out.Decisions, d)
	}
	return out
}

// RecordSnapshot stores a metrics observation, deriving cpa/cpl/ctr from the
// raw counters when absent.
func (e Engine) RecordSnapshot(ctx context.Context, s domain.MetricsSnapshot) (domain.MetricsSnapshot, error) {
	if _, err := e.resolveTarget(ctx, s.AccountID, domain.EntityRef{Kind: s.EntityKind, ID: s.EntityID}); err != nil {
		return domain.MetricsSnapshot{}, err
	}
	if s.Impressions < 0 || s.Clicks < 0 || s.Conversions < 0 || s.Spend < 0 {
		return domain.MetricsSnapshot{}, validationf("metrics counters must be non-negative")
	}
	if s.Date == "" {
		s.Date = e.now().UTC().Format("2006-01-02")
	}
	if s.CTR == nil && s.Impressions > 0 {
		ctr := float64(s.Clicks) / float64(s.Impressions) * 100
		s.CTR = &ctr
	}
	if s.CPA == nil && s.Conversions > 0 {
		cpa := s.Spend / float64(s.Conversions)
		s.CPA = &cpa
	}
	if s.CPL == nil && s.Conversions > 0 {
		cpl := s.Spend / float64(s.Conversions)
		s.CPL = &cpl
	}
	s.CreatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.InsertSnapshot(ctx, s); err != nil {
		return domain.MetricsSnapshot{}, err
	}
	return s, nil
}

// ImportDocument stores a knowledge document and its parsed rule statements.
func (e Engine) ImportDocument(ctx context.Context, accountID, title, category string, statements []string, actorID string) (domain.KnowledgeDocument, []domain.KnowledgeRule, error) {
	if title == "" {
		return domain.KnowledgeDocument{}, nil, validationf("document title required")
	}
	if len(statements) == 0 {
		return domain.KnowledgeDocument{}, nil, validationf("document has no rule statements")
	}
	if _, err := e.Repo.GetAccount(ctx, accountID); err != nil {
		return domain.KnowledgeDocument{}, nil, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	doc := domain.KnowledgeDocument{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Title:     title,
		CreatedAt: now,
	}
	var rules []domain.KnowledgeRule
	for _, text := range statements {
		parsed := knowledge.Parse(text)
		rules = append(rules, domain.KnowledgeRule{
			ID:         uuid.New().String(),
			DocumentID: doc.ID,
			AccountID:  accountID,
			Category:   category,
			RuleText:   text,
			Metric:     parsed.Metric,
			Comparison: parsed.Comparison,
			Threshold:  parsed.Threshold,
			ActionHint: parsed.ActionHint,
			CreatedAt:  now,
		})
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.KnowledgeDocument{}, nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDocument(ctx, tx, doc); err != nil {
		return domain.KnowledgeDocument{}, nil, err
	}
	for _, rule := range rules {
		if err := e.Repo.InsertRule(ctx, tx, rule); err != nil {
			return domain.KnowledgeDocument{}, nil, err
		}
	}
	if err := e.Events.Append(ctx, tx, "knowledge.import", accountID, "account", accountID, actorID,
		events.EventPayload{"document_id": doc.ID, "rules": len(rules)}); err != nil {
		return domain.KnowledgeDocument{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.KnowledgeDocument{}, nil, err
	}
	return doc, rules, nil
}

// GetDocument returns one of the account's knowledge documents.
func (e Engine) GetDocument(ctx context.Context, accountID, documentID string) (domain.KnowledgeDocument, error) {
	doc, err := e.Repo.GetDocument(ctx, documentID)
	if err != nil {
		return domain.KnowledgeDocument{}, err
	}
	if doc.AccountID != accountID {
		return domain.KnowledgeDocument{}, repo.ErrNotFound
	}
	return doc, nil
}

// DeleteDocument removes a knowledge document; its rules go with it.
func (e Engine) DeleteDocument(ctx context.Context, accountID, documentID, actorID string) error {
	doc, err := e.GetDocument(ctx, accountID, documentID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteDocument(ctx, tx, doc.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "knowledge.delete", accountID, "account", accountID, actorID,
		events.EventPayload{"document_id": doc.ID, "title": doc.Title}); err != nil {
		return err
	}
	return tx.Commit()
}

func optString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func optFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
