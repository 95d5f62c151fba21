package engine

import "adpilot/internal/domain"

// AutoExecute decides the initial path for a classified recommendation.
// Pure: same (policy, risk) always gives the same answer.
//
// approval_required routes everything to pending_approval. autonomous
// executes everything. hybrid executes only at or below the policy's risk
// threshold, ordered low < medium < high.
func AutoExecute(p domain.AutomationPolicy, risk domain.RiskLevel) bool {
	switch p.Mode {
	case domain.ModeAutonomous:
		return true
	case domain.ModeHybrid:
		return risk.Rank() <= p.RiskThreshold.Rank()
	}
	return false
}
