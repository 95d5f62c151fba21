package engine_test

import (
	"encoding/json"
	"testing"

	"adpilot/internal/domain"
	"adpilot/internal/engine"
)

func policy(mode domain.AutomationMode, threshold domain.RiskLevel) domain.AutomationPolicy {
	return domain.AutomationPolicy{AccountID: "acc", Mode: mode, RiskThreshold: threshold}
}

func TestAutoExecuteMatrix(t *testing.T) {
	risks := []domain.RiskLevel{domain.RiskLow, domain.RiskMedium, domain.RiskHigh}

	for _, risk := range risks {
		if !engine.AutoExecute(policy(domain.ModeAutonomous, domain.RiskLow), risk) {
			t.Errorf("autonomous must execute %s", risk)
		}
		if engine.AutoExecute(policy(domain.ModeApprovalRequired, domain.RiskHigh), risk) {
			t.Errorf("approval_required must never execute %s", risk)
		}
	}

	cases := []struct {
		threshold domain.RiskLevel
		risk      domain.RiskLevel
		want      bool
	}{
		{domain.RiskLow, domain.RiskLow, true},
		{domain.RiskLow, domain.RiskMedium, false},
		{domain.RiskLow, domain.RiskHigh, false},
		{domain.RiskMedium, domain.RiskLow, true},
		{domain.RiskMedium, domain.RiskMedium, true},
		{domain.RiskMedium, domain.RiskHigh, false},
		{domain.RiskHigh, domain.RiskHigh, true},
	}
	for _, tc := range cases {
		got := engine.AutoExecute(policy(domain.ModeHybrid, tc.threshold), tc.risk)
		if got != tc.want {
			t.Errorf("hybrid threshold=%s risk=%s: got %v, want %v", tc.threshold, tc.risk, got, tc.want)
		}
	}
}

func TestAutoExecuteRaisingThresholdNeverQueuesMore(t *testing.T) {
	// monotonicity: anything hybrid/low executes, hybrid/medium must too
	for _, risk := range []domain.RiskLevel{domain.RiskLow, domain.RiskMedium, domain.RiskHigh} {
		low := engine.AutoExecute(policy(domain.ModeHybrid, domain.RiskLow), risk)
		med := engine.AutoExecute(policy(domain.ModeHybrid, domain.RiskMedium), risk)
		high := engine.AutoExecute(policy(domain.ModeHybrid, domain.RiskHigh), risk)
		if low && !med || med && !high {
			t.Errorf("threshold monotonicity violated for risk %s: low=%v medium=%v high=%v", risk, low, med, high)
		}
	}
}

func budgetChangeRec(current, proposed float64) domain.Recommendation {
	details, _ := json.Marshal(domain.BudgetChange{CurrentValue: current, ProposedValue: proposed, Currency: "USD"})
	return domain.Recommendation{
		Type:        domain.DecisionAdjustBudget,
		Entity:      domain.EntityRef{Kind: domain.EntityAdSet, ID: "as-1"},
		DetailsJSON: string(details),
	}
}

func TestClassifyRiskBudgetBands(t *testing.T) {
	cases := []struct {
		current  float64
		proposed float64
		want     domain.RiskLevel
	}{
		{100, 105, domain.RiskLow},     // +5%
		{100, 110, domain.RiskLow},     // +10%, boundary inclusive
		{100, 90, domain.RiskLow},      // -10%, magnitude counts
		{100, 130, domain.RiskMedium},  // +30%
		{100, 150, domain.RiskMedium},  // +50%, boundary inclusive
		{100, 160, domain.RiskHigh},    // +60%
		{100, 20, domain.RiskHigh},     // -80%
		{0, 50, domain.RiskHigh},       // no baseline to compare against
	}
	for _, tc := range cases {
		got, err := engine.ClassifyRisk(budgetChangeRec(tc.current, tc.proposed), engine.DefaultRiskThresholds)
		if err != nil {
			t.Fatalf("classify %v->%v: %v", tc.current, tc.proposed, err)
		}
		if got != tc.want {
			t.Errorf("budget %v->%v: got %s, want %s", tc.current, tc.proposed, got, tc.want)
		}
	}
}

func TestClassifyRiskByType(t *testing.T) {
	pause := domain.Recommendation{
		Type:        domain.DecisionToggleAdSet,
		DetailsJSON: `{"current_status":"ACTIVE","proposed_status":"PAUSED"}`,
	}
	if got, _ := engine.ClassifyRisk(pause, engine.DefaultRiskThresholds); got != domain.RiskLow {
		t.Errorf("pause: got %s, want low", got)
	}
	activate := domain.Recommendation{
		Type:        domain.DecisionToggleAdSet,
		DetailsJSON: `{"current_status":"PAUSED","proposed_status":"ACTIVE"}`,
	}
	if got, _ := engine.ClassifyRisk(activate, engine.DefaultRiskThresholds); got != domain.RiskMedium {
		t.Errorf("activate: got %s, want medium", got)
	}
	create := domain.Recommendation{Type: domain.DecisionCreateCampaign, DetailsJSON: `{"name":"x"}`}
	if got, _ := engine.ClassifyRisk(create, engine.DefaultRiskThresholds); got != domain.RiskHigh {
		t.Errorf("create_campaign: got %s, want high", got)
	}
}

func TestClassifyRiskUnknownType(t *testing.T) {
	rec := domain.Recommendation{Type: "delete_everything", DetailsJSON: `{}`}
	if _, err := engine.ClassifyRisk(rec, engine.DefaultRiskThresholds); !engine.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
