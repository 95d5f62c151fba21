package engine

import (
	"encoding/json"
	"math"

	"adpilot/internal/domain"
)

// RiskThresholds are the relative budget-change magnitudes separating risk
// tiers for adjust_budget recommendations.
type RiskThresholds struct {
	BudgetLowPct    float64
	BudgetMediumPct float64
}

// DefaultRiskThresholds matches the default account config.
var DefaultRiskThresholds = RiskThresholds{BudgetLowPct: 0.10, BudgetMediumPct: 0.50}

// ClassifyRisk assigns a risk level from the decision type and the magnitude
// of change carried in the details payload. Unknown decision types fail with
// ValidationError rather than getting a guessed level.
func ClassifyRisk(rec domain.Recommendation, t RiskThresholds) (domain.RiskLevel, error) {
	switch rec.Type {
	case domain.DecisionToggleAdSet:
		var sc domain.StatusChange
		if err := json.Unmarshal([]byte(rec.DetailsJSON), &sc); err != nil {
			return "", validationf("toggle_adset details: %v", err)
		}
		// pausing is reversible and stops spend; activating resumes it
		if sc.ProposedStatus == "PAUSED" {
			return domain.RiskLow, nil
		}
		return domain.RiskMedium, nil
	case domain.DecisionAdjustBudget:
		var bc domain.BudgetChange
		if err := json.Unmarshal([]byte(rec.DetailsJSON), &bc); err != nil {
			return "", validationf("adjust_budget details: %v", err)
		}
		if bc.CurrentValue <= 0 {
			return domain.RiskHigh, nil
		}
		pct := math.Abs(bc.ProposedValue-bc.CurrentValue) / bc.CurrentValue
		switch {
		case pct <= t.BudgetLowPct:
			return domain.RiskLow, nil
		case pct <= t.BudgetMediumPct:
			return domain.RiskMedium, nil
		default:
			return domain.RiskHigh, nil
		}
	case domain.DecisionCreateCampaign:
		return domain.RiskHigh, nil
	case domain.DecisionAdjustTargeting, domain.DecisionAdjustBidding:
		return domain.RiskMedium, nil
	}
	return "", validationf("unknown decision type %q", rec.Type)
}
