package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"adpilot/internal/config"
	"adpilot/internal/db"
	"adpilot/internal/domain"
	"adpilot/internal/engine"
	"adpilot/internal/migrate"
)

type fakeExec struct {
	err     error
	block   bool
	applied []domain.Decision
}

func (f *fakeExec) Apply(ctx context.Context, d domain.Decision) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.err != nil {
		return f.err
	}
	f.applied = append(f.applied, d)
	return nil
}

type testEnv struct {
	Engine    engine.Engine
	Exec      *fakeExec
	Ctx       context.Context
	AccountID string
	Campaign  domain.Campaign
	AdSet     domain.AdSet
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	exec := &fakeExec{}
	eng := engine.New(conn, exec)
	ctx := context.Background()
	budget := 100.0
	account, err := eng.InitAccount(ctx, engine.AccountCreateOptions{
		ExternalID: "act-123",
		Name:       "Test Account",
		Currency:   "USD",
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("init account: %v", err)
	}
	campaign, err := eng.AddCampaign(ctx, account.ID, "c-1", "Spring Sale", "ACTIVE", "CONVERSIONS", &budget, "tester")
	if err != nil {
		t.Fatalf("add campaign: %v", err)
	}
	adset, err := eng.AddAdSet(ctx, campaign.ID, "as-1", "Spring Sale US", "ACTIVE", &budget, "tester")
	if err != nil {
		t.Fatalf("add adset: %v", err)
	}
	return testEnv{Engine: eng, Exec: exec, Ctx: ctx, AccountID: account.ID, Campaign: campaign, AdSet: adset}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func pauseRec(env testEnv) domain.Recommendation {
	return domain.Recommendation{
		Type:        domain.DecisionToggleAdSet,
		Entity:      domain.EntityRef{Kind: domain.EntityAdSet, ID: env.AdSet.ID},
		DetailsJSON: `{"current_status":"ACTIVE","proposed_status":"PAUSED"}`,
		Reasoning:   "CTR below threshold",
		Confidence:  90,
	}
}

func budgetRec(env testEnv, current, proposed float64) domain.Recommendation {
	details, _ := json.Marshal(domain.BudgetChange{CurrentValue: current, ProposedValue: proposed, Currency: "USD"})
	return domain.Recommendation{
		Type:        domain.DecisionAdjustBudget,
		Entity:      domain.EntityRef{Kind: domain.EntityAdSet, ID: env.AdSet.ID},
		DetailsJSON: string(details),
		Reasoning:   "budget change",
		Confidence:  70,
	}
}

func TestHybridLowRiskAutoExecutes(t *testing.T) {
	env := newTestEnv(t)
	// default policy is hybrid with a low threshold; pausing is low risk
	d, err := env.Engine.CreateDecision(env.Ctx, env.AccountID, pauseRec(env), "tester")
	if err != nil {
		t.Fatalf("create decision: %v", err)
	}
	if d.Status != domain.StatusExecuted {
		t.Fatalf("expected executed, got %s", d.Status)
	}
	if d.ExecutedAt == nil || d.DecidedAt == nil {
		t.Fatalf("expected executed_at and decided_at set")
	}
	if len(env.Exec.applied) != 1 {
		t.Fatalf("expected one executor call, got %d", len(env.Exec.applied))
	}
	adset, err := env.Engine.Repo.GetAdSet(env.Ctx, env.AdSet.ID)
	if err != nil {
		t.Fatalf("get adset: %v", err)
	}
	if adset.Status != "PAUSED" {
		t.Fatalf("expected local catalog mirrored to PAUSED, got %s", adset.Status)
	}
}

func TestHybridLargeBudgetIncreaseQueued(t *testing.T) {
	env := newTestEnv(t)
	// +60% is above the medium band, so it is high risk and stays pending
	d, err := env.Engine.CreateDecision(env.Ctx, env.AccountID, budgetRec(env, 100, 160), "tester")
	if err != nil {
		t.Fatalf("create decision: %v", err)
	}
	if d.Status != domain.StatusPendingApproval {
		t.Fatalf("expected pending_approval, got %s", d.Status)
	}
	if d.RiskLevel != domain.RiskHigh {
		t.Fatalf("expected high risk, got %s", d.RiskLevel)
	}
	if d.DecidedAt != nil || d.ExecutedAt != nil {
		t.Fatalf("pending decision must not carry decided_at or executed_at")
	}
	if len(env.Exec.applied) != 0 {
		t.Fatalf("executor must not run for pending decisions")
	}
}

func TestApproveExecutesPendingDecision(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Engine.CreateDecision(env.Ctx, env.AccountID, budgetRec(env, 100, 160), "tester")
	if err != nil {
		t.Fatalf("create decision: %v", err)
	}
	approved, err := env.Engine.Approve(env.Ctx, d.ID, "reviewer")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != domain.StatusExecuted {
		t.Fatalf("expected executed, got %s", approved.Status)
	}
	if approved.ExecutedAt == nil {
		t.Fatalf("expected executed_at set")
	}
	adset, err := env.Engine.Repo.GetAdSet(env.Ctx, env.AdSet.ID)
	if err != nil {
		t.Fatalf("get adset: %v", err)
	}
	if adset.DailyBudget == nil || *adset.DailyBudget != 160 {
		t.Fatalf("expected local budget 160, got %v", adset.DailyBudget)
	}
}

func TestRejectIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Engine.CreateDecision(env.Ctx, env.AccountID, budgetRec(env, 100, 160), "tester")
	if err != nil {
		t.Fatalf("create decision: %v", err)
	}
	rejected, err := env.Engine.Reject(env.Ctx, d.ID, "reviewer")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != domain.StatusRejected {
		t.Fatalf("expected rejected, got %s", rejected.Status)
	}
	// second reject loses the race against the first
	_, err = env.Engine.Reject(env.Ctx, d.ID, "reviewer")
	var ise *engine.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
	if ise.Status != domain.StatusRejected {
		t.Fatalf("expected reported status rejected, got %s", ise.Status)
	}
	// approving a rejected decision fails the same way
	_, err = env.Engine.Approve(env.Ctx, d.ID, "reviewer")
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError on approve, got %v", err)
	}
	if len(env.Exec.applied) != 0 {
		t.Fatalf("executor must never run for rejected decisions")
	}
}

func TestAutonomousCreateCampaignAutoExecutes(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetPolicy(env.Ctx, env.AccountID, domain.ModeAutonomous, domain.RiskLow, "tester"); err != nil {
		t.Fatalf("set policy: %v", err)
	}
	rec := domain.Recommendation{
		Type:        domain.DecisionCreateCampaign,
		Entity:      domain.EntityRef{Kind: domain.EntityAccount, ID: env.AccountID},
		DetailsJSON: mustJSON(t, domain.CampaignDraft{Name: "Retargeting", Objective: "CONVERSIONS", DailyBudget: 50}),
		Reasoning:   "expand coverage",
		Confidence:  60,
	}
	d, err := env.Engine.CreateDecision(env.Ctx, env.AccountID, rec, "tester")
	if err != nil {
		t.Fatalf("create decision: %v", err)
	}
	if d.RiskLevel != domain.RiskHigh {
		t.Fatalf("create_campaign must be high risk, got %s", d.RiskLevel)
	}
	if d.Status != domain.StatusExecuted {
		t.Fatalf("autonomous mode executes everything, got %s", d.Status)
	}
	campaigns, err := env.Engine.Repo.ListCampaigns(env.Ctx, env.AccountID)
	if err != nil {
		t.Fatalf("list campaigns: %v", err)
	}
	found := false
	for _, c := range campaigns {
		if c.Name == "Retargeting" && c.Status == "PAUSED" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected new campaign mirrored locally as PAUSED")
	}
}

func TestExecutorFailureMarksExecutionFailed(t *testing.T) {
	env := newTestEnv(t)
	env.Exec.err = errors.New("platform said no")
	d, err := env.Engine.CreateDecision(env.Ctx, env.AccountID, budgetRec(env, 100, 160), "tester")
	if err != nil {
		t.Fatalf("create decision: %v", err)
	}
	settled, err := env.Engine.Approve(env.Ctx, d.ID, "reviewer")
	if err != nil {
		t.Fatalf("approve returned error, want terminal decision: %v", err)
	}
	if settled.Status != domain.StatusExecutionFailed {
		t.Fatalf("expected execution_failed, got %s", settled.Status)
	}
	if settled.ExecutedAt != nil {
		t.Fatalf("failed execution must not set executed_at")
	}
	if !strings.Contains(settled.Reasoning, "platform said no") {
		t.Fatalf("expected failure detail appended to reasoning, got %q", settled.Reasoning)
	}
	stored, err := env.Engine.GetDecision(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("get decision: %v", err)
	}
	if stored.Status != domain.StatusExecutionFailed || stored.DecidedAt == nil {
		t.Fatalf("stored decision not settled: %+v", stored)
	}
	adset, _ := env.Engine.Repo.GetAdSet(env.Ctx, env.AdSet.ID)
	if adset.DailyBudget == nil || *adset.DailyBudget != 100 {
		t.Fatalf("failed execution must not change the local catalog")
	}
}

func TestExecutionTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.Exec.block = true
	cfg := config.Default(env.AccountID)
	cfg.Execution.TimeoutSeconds = 1
	if err := env.Engine.Repo.UpsertAccountConfig(env.Ctx, env.AccountID, cfg); err != nil {
		t.Fatalf("upsert config: %v", err)
	}
	d, err := env.Engine.CreateDecision(env.Ctx, env.AccountID, budgetRec(env, 100, 160), "tester")
	if err != nil {
		t.Fatalf("create decision: %v", err)
	}
	start := time.Now()
	settled, err := env.Engine.Approve(env.Ctx, d.ID, "reviewer")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if settled.Status != domain.StatusExecutionFailed {
		t.Fatalf("expected execution_failed on timeout, got %s", settled.Status)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout did not bound execution, took %s", elapsed)
	}
}

func TestConcurrentApproveRejectExactlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Engine.CreateDecision(env.Ctx, env.AccountID, budgetRec(env, 100, 160), "tester")
	if err != nil {
		t.Fatalf("create decision: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = env.Engine.Approve(env.Ctx, d.ID, "reviewer-a")
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = env.Engine.Reject(env.Ctx, d.ID, "reviewer-b")
	}()
	wg.Wait()

	var won, lost int
	for _, callErr := range errs {
		switch {
		case callErr == nil:
			won++
		case engine.IsInvalidState(callErr):
			lost++
		default:
			t.Fatalf("unexpected error: %v", callErr)
		}
	}
	if won != 1 || lost != 1 {
		t.Fatalf("expected one winner and one InvalidStateError, got %d winners, %d losers", won, lost)
	}

	stored, err := env.Engine.GetDecision(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("get decision: %v", err)
	}
	if !stored.Status.Terminal() {
		t.Fatalf("decision must land terminal, got %s", stored.Status)
	}
	if stored.Status == domain.StatusRejected && len(env.Exec.applied) != 0 {
		t.Fatalf("rejected decision must not reach the executor")
	}
	if stored.Status == domain.StatusExecuted && len(env.Exec.applied) != 1 {
		t.Fatalf("executed decision must run the executor exactly once, got %d", len(env.Exec.applied))
	}
}

func TestExecutedOutcomeSurvivesMirrorFailure(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Engine.CreateDecision(env.Ctx, env.AccountID, budgetRec(env, 100, 160), "tester")
	if err != nil {
		t.Fatalf("create decision: %v", err)
	}
	// the ad set disappears from the catalog between creation and approval
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `DELETE FROM ad_sets WHERE id=?`, env.AdSet.ID); err != nil {
		t.Fatalf("delete adset: %v", err)
	}

	settled, err := env.Engine.Approve(env.Ctx, d.ID, "reviewer")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if settled.Status != domain.StatusExecuted {
		t.Fatalf("expected executed despite mirror failure, got %s", settled.Status)
	}
	if settled.ExecutedAt == nil {
		t.Fatalf("expected executed_at set")
	}
	if len(env.Exec.applied) != 1 {
		t.Fatalf("expected one executor call, got %d", len(env.Exec.applied))
	}
	stored, err := env.Engine.GetDecision(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("get decision: %v", err)
	}
	if stored.Status != domain.StatusExecuted || stored.ExecutedAt == nil {
		t.Fatalf("settlement not persisted: %+v", stored)
	}
}

func TestWrongTypedDetailsRejectedBeforeExecution(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetPolicy(env.Ctx, env.AccountID, domain.ModeAutonomous, domain.RiskLow, "tester"); err != nil {
		t.Fatalf("set policy: %v", err)
	}
	rec := domain.Recommendation{
		Type:        domain.DecisionCreateCampaign,
		Entity:      domain.EntityRef{Kind: domain.EntityAccount, ID: env.AccountID},
		DetailsJSON: `{"name": 123, "daily_budget": 50}`,
		Reasoning:   "expand coverage",
		Confidence:  60,
	}
	_, err := env.Engine.CreateDecision(env.Ctx, env.AccountID, rec, "tester")
	if !engine.IsValidation(err) {
		t.Fatalf("expected validation error for wrong-typed details, got %v", err)
	}
	if len(env.Exec.applied) != 0 {
		t.Fatalf("executor must not run for invalid details")
	}
	var count int
	if err := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM decisions`).Scan(&count); err != nil {
		t.Fatalf("count decisions: %v", err)
	}
	if count != 0 {
		t.Fatalf("invalid details must not persist a decision, found %d", count)
	}
}

func TestToggleMustTargetAdSet(t *testing.T) {
	env := newTestEnv(t)
	rec := pauseRec(env)
	rec.Entity = domain.EntityRef{Kind: domain.EntityCampaign, ID: env.Campaign.ID}
	if _, err := env.Engine.CreateDecision(env.Ctx, env.AccountID, rec, "tester"); !engine.IsValidation(err) {
		t.Fatalf("expected validation error for toggle on a campaign, got %v", err)
	}
}

func TestUnknownDecisionTypeRejected(t *testing.T) {
	env := newTestEnv(t)
	rec := pauseRec(env)
	rec.Type = "delete_account"
	_, err := env.Engine.CreateDecision(env.Ctx, env.AccountID, rec, "tester")
	var ve *engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	var count int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM decisions`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count decisions: %v", err)
	}
	if count != 0 {
		t.Fatalf("rejected input must not persist a decision, found %d", count)
	}
}

func TestConfidenceBounds(t *testing.T) {
	env := newTestEnv(t)
	rec := pauseRec(env)
	rec.Confidence = 120
	if _, err := env.Engine.CreateDecision(env.Ctx, env.AccountID, rec, "tester"); !engine.IsValidation(err) {
		t.Fatalf("expected validation error for confidence 120, got %v", err)
	}
	rec.Confidence = -1
	if _, err := env.Engine.CreateDecision(env.Ctx, env.AccountID, rec, "tester"); !engine.IsValidation(err) {
		t.Fatalf("expected validation error for confidence -1, got %v", err)
	}
}

func TestTargetMustBelongToAccount(t *testing.T) {
	env := newTestEnv(t)
	rec := pauseRec(env)
	rec.Entity.ID = "not-a-real-adset"
	if _, err := env.Engine.CreateDecision(env.Ctx, env.AccountID, rec, "tester"); !engine.IsValidation(err) {
		t.Fatalf("expected validation error for unresolved target, got %v", err)
	}
}

func TestEvaluateAccountAppliesKnowledgeRules(t *testing.T) {
	env := newTestEnv(t)
	_, rules, err := env.Engine.ImportDocument(env.Ctx, env.AccountID, "Playbook", "optimization",
		[]string{"Pause ad sets when CTR is below 1.0"}, "tester")
	if err != nil {
		t.Fatalf("import document: %v", err)
	}
	if len(rules) != 1 || rules[0].Metric != "ctr" || rules[0].ActionHint != "pause" {
		t.Fatalf("unexpected parsed rule: %+v", rules)
	}
	// bad CTR on the ad set: 5 clicks over 1000 impressions = 0.5%
	if _, err := env.Engine.RecordSnapshot(env.Ctx, domain.MetricsSnapshot{
		AccountID:   env.AccountID,
		EntityKind:  domain.EntityAdSet,
		EntityID:    env.AdSet.ID,
		Impressions: 1000,
		Clicks:      5,
		Spend:       40,
	}); err != nil {
		t.Fatalf("record snapshot: %v", err)
	}

	summary, err := env.Engine.EvaluateAccount(env.Ctx, env.AccountID, "tester")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if summary.Created != 1 {
		t.Fatalf("expected one decision, got %d", summary.Created)
	}
	// pause is low risk, hybrid/low auto-executes it
	if summary.AutoExecuted != 1 {
		t.Fatalf("expected auto-executed decision, got %+v", summary)
	}
	// the campaign has no metrics and is reported as no_data, not an error
	noData := 0
	for _, out := range summary.Entities {
		if out.Outcome == "no_data" {
			noData++
		}
	}
	if noData != 1 {
		t.Fatalf("expected one no_data entity, got %d", noData)
	}
	adset, _ := env.Engine.Repo.GetAdSet(env.Ctx, env.AdSet.ID)
	if adset.Status != "PAUSED" {
		t.Fatalf("expected ad set paused after evaluation, got %s", adset.Status)
	}
}

func TestEvaluateIsRepeatableWithoutDuplicates(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.Engine.ImportDocument(env.Ctx, env.AccountID, "Playbook", "optimization",
		[]string{"Pause ad sets when CTR is below 1.0"}, "tester"); err != nil {
		t.Fatalf("import document: %v", err)
	}
	if _, err := env.Engine.RecordSnapshot(env.Ctx, domain.MetricsSnapshot{
		AccountID:   env.AccountID,
		EntityKind:  domain.EntityAdSet,
		EntityID:    env.AdSet.ID,
		Impressions: 1000,
		Clicks:      5,
		Spend:       40,
	}); err != nil {
		t.Fatalf("record snapshot: %v", err)
	}
	if _, err := env.Engine.EvaluateAccount(env.Ctx, env.AccountID, "tester"); err != nil {
		t.Fatalf("first evaluate: %v", err)
	}
	// second run sees the ad set already paused; pausing again is a no-op
	summary, err := env.Engine.EvaluateAccount(env.Ctx, env.AccountID, "tester")
	if err != nil {
		t.Fatalf("second evaluate: %v", err)
	}
	if summary.Created != 0 {
		t.Fatalf("expected no duplicate decisions, got %d", summary.Created)
	}
}

func TestDecisionEventsLogged(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Engine.CreateDecision(env.Ctx, env.AccountID, budgetRec(env, 100, 160), "tester")
	if err != nil {
		t.Fatalf("create decision: %v", err)
	}
	if _, err := env.Engine.Approve(env.Ctx, d.ID, "reviewer"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx,
		`SELECT type FROM events WHERE payload_json LIKE ?`, "%"+d.ID+"%")
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	types := map[string]bool{}
	for rows.Next() {
		var evtType string
		if err := rows.Scan(&evtType); err != nil {
			t.Fatalf("scan: %v", err)
		}
		types[evtType] = true
	}
	for _, want := range []string{"decision.create", "decision.approve", "decision.execute"} {
		if !types[want] {
			t.Fatalf("missing event %s, have %v", want, types)
		}
	}
}
