package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"adpilot/internal/config"
	"adpilot/internal/domain"
	"adpilot/internal/engine"
)

func newGenerator() engine.Generator {
	return engine.Generator{Cfg: config.Default("acc-1")}
}

func adsetState(status string, budget float64) engine.EntityState {
	return engine.EntityState{
		Entity:      domain.EntityRef{Kind: domain.EntityAdSet, ID: "as-1", Name: "US broad"},
		Status:      status,
		DailyBudget: &budget,
		Currency:    "USD",
	}
}

func ctrRule(threshold float64, action string) domain.KnowledgeRule {
	return domain.KnowledgeRule{
		ID:         "r-1",
		AccountID:  "acc-1",
		RuleText:   "ctr rule",
		Metric:     "ctr",
		Comparison: "<",
		Threshold:  &threshold,
		ActionHint: action,
	}
}

func TestGenerateSkipsLowVolume(t *testing.T) {
	gen := newGenerator()
	snap := domain.MetricsSnapshot{Impressions: 10, Clicks: 0}
	recs, err := gen.Generate(context.Background(), adsetState("ACTIVE", 100), snap, []domain.KnowledgeRule{ctrRule(1.0, "pause")})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("below min impressions must yield nothing, got %d", len(recs))
	}
}

func TestGeneratePauseOnLowCTR(t *testing.T) {
	gen := newGenerator()
	snap := domain.MetricsSnapshot{Impressions: 1000, Clicks: 5} // 0.5% ctr
	recs, err := gen.Generate(context.Background(), adsetState("ACTIVE", 100), snap, []domain.KnowledgeRule{ctrRule(1.0, "pause")})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(recs) != 1 || recs[0].Type != domain.DecisionToggleAdSet {
		t.Fatalf("expected one toggle recommendation, got %+v", recs)
	}
	var sc domain.StatusChange
	if err := json.Unmarshal([]byte(recs[0].DetailsJSON), &sc); err != nil {
		t.Fatalf("details: %v", err)
	}
	if sc.ProposedStatus != "PAUSED" || sc.CurrentStatus != "ACTIVE" {
		t.Fatalf("unexpected status change: %+v", sc)
	}
}

func TestGenerateFiltersNoOps(t *testing.T) {
	gen := newGenerator()
	snap := domain.MetricsSnapshot{Impressions: 1000, Clicks: 5}
	// already paused: pausing again proposes the current state
	recs, err := gen.Generate(context.Background(), adsetState("PAUSED", 100), snap, []domain.KnowledgeRule{ctrRule(1.0, "pause")})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("no-op recommendations must be dropped, got %+v", recs)
	}
}

func TestGenerateDedupesByTypeKeepingBestConfidence(t *testing.T) {
	gen := newGenerator()
	target := 20.0
	st := adsetState("ACTIVE", 100)
	st.TargetCPA = &target
	// two budget signals: a matched increase rule (confidence 70) and the
	// good-CPA heuristic (confidence 75); only the heuristic survives
	snap := domain.MetricsSnapshot{Impressions: 1000, Clicks: 50, Spend: 100, Conversions: 10} // cpa 10
	rule := ctrRule(100.0, "increase_budget")                                                  // matches any ctr
	recs, err := gen.Generate(context.Background(), st, snap, []domain.KnowledgeRule{rule})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	budgetCount := 0
	for _, rec := range recs {
		if rec.Type == domain.DecisionAdjustBudget {
			budgetCount++
			if rec.Confidence != 75 {
				t.Fatalf("expected best-confidence candidate to win, got %.0f", rec.Confidence)
			}
		}
	}
	if budgetCount != 1 {
		t.Fatalf("expected exactly one budget recommendation, got %d", budgetCount)
	}
}

func TestGeneratePoorCPACutsBudget(t *testing.T) {
	gen := newGenerator()
	target := 10.0
	st := adsetState("ACTIVE", 100)
	st.TargetCPA = &target
	// cpa 30 = 3x target with enough spend
	snap := domain.MetricsSnapshot{Impressions: 1000, Clicks: 50, Spend: 150, Conversions: 5}
	recs, err := gen.Generate(context.Background(), st, snap, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(recs) != 1 || recs[0].Type != domain.DecisionAdjustBudget {
		t.Fatalf("expected one budget recommendation, got %+v", recs)
	}
	var bc domain.BudgetChange
	if err := json.Unmarshal([]byte(recs[0].DetailsJSON), &bc); err != nil {
		t.Fatalf("details: %v", err)
	}
	if bc.ProposedValue >= bc.CurrentValue {
		t.Fatalf("poor CPA must cut the budget: %+v", bc)
	}
	if bc.ProposedValue != 80 {
		t.Fatalf("expected one step down from 100 to 80, got %v", bc.ProposedValue)
	}
}

type fakeReasoner struct {
	text string
	err  error
}

func (f fakeReasoner) Narrate(ctx context.Context, rec domain.Recommendation) (string, error) {
	return f.text, f.err
}

func TestGenerateReasonerRewritesText(t *testing.T) {
	gen := newGenerator()
	gen.Reasoner = fakeReasoner{text: "CTR has collapsed, pausing to stop waste"}
	snap := domain.MetricsSnapshot{Impressions: 1000, Clicks: 5}
	recs, err := gen.Generate(context.Background(), adsetState("ACTIVE", 100), snap, []domain.KnowledgeRule{ctrRule(1.0, "pause")})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected one recommendation, got %d", len(recs))
	}
	if recs[0].Reasoning != "CTR has collapsed, pausing to stop waste" {
		t.Fatalf("expected rewritten reasoning, got %q", recs[0].Reasoning)
	}
	if recs[0].Type != domain.DecisionToggleAdSet || recs[0].Confidence != 90 {
		t.Fatalf("reasoner must not change type or confidence: %+v", recs[0])
	}
}

func TestGenerateReasonerFailureKeepsRuleText(t *testing.T) {
	gen := newGenerator()
	gen.Reasoner = fakeReasoner{err: errors.New("model offline")}
	snap := domain.MetricsSnapshot{Impressions: 1000, Clicks: 5}
	recs, err := gen.Generate(context.Background(), adsetState("ACTIVE", 100), snap, []domain.KnowledgeRule{ctrRule(1.0, "pause")})
	if err != nil {
		t.Fatalf("generate must not fail when the reasoner does: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected one recommendation, got %d", len(recs))
	}
	if recs[0].Reasoning == "" || recs[0].Reasoning == "model offline" {
		t.Fatalf("expected deterministic rule-derived reasoning, got %q", recs[0].Reasoning)
	}
}

func TestGenerateDerivesCTRFromCounters(t *testing.T) {
	gen := newGenerator()
	// no explicit ctr; 20 clicks / 1000 impressions = 2%
	snap := domain.MetricsSnapshot{Impressions: 1000, Clicks: 20}
	recs, err := gen.Generate(context.Background(), adsetState("ACTIVE", 100), snap, []domain.KnowledgeRule{ctrRule(1.0, "pause")})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("2%% ctr is above the 1%% threshold, expected no recommendations, got %+v", recs)
	}
}
