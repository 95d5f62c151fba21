package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"adpilot/internal/config"
	"adpilot/internal/domain"
)

// Reasoner rewrites the human-readable reasoning of a recommendation. It
// never influences which recommendations exist or how they are classified;
// a failing reasoner leaves the deterministic rule-derived text in place.
type Reasoner interface {
	Narrate(ctx context.Context, rec domain.Recommendation) (string, error)
}

// EntityState is the current configuration of the entity under evaluation.
type EntityState struct {
	Entity      domain.EntityRef
	Status      string
	DailyBudget *float64
	Currency    string
	TargetCPA   *float64
	TargetCPL   *float64
}

// Generator turns a metrics snapshot, the account's knowledge rules and the
// entity's current configuration into candidate recommendations.
type Generator struct {
	Cfg      *config.Config
	Reasoner Reasoner
}

// Generate emits zero or more recommendations for one entity. Guarantees:
// no recommendation proposes the current value, and at most one
// recommendation per decision type survives (best confidence wins).
func (g Generator) Generate(ctx context.Context, st EntityState, snap domain.MetricsSnapshot, rules []domain.KnowledgeRule) ([]domain.Recommendation, error) {
	if g.Cfg == nil {
		return nil, fmt.Errorf("generator config nil")
	}
	if snap.Impressions < g.Cfg.Evaluation.MinImpressions {
		// not enough data to act on
		return nil, nil
	}

	var candidates []domain.Recommendation
	for _, rule := range rules {
		rec, ok, err := g.applyRule(st, snap, rule)
		if err != nil {
			return nil, err
		}
		if ok {
			candidates = append(candidates, rec)
		}
	}
	heuristic, err := g.cpaHeuristics(st, snap)
	if err != nil {
		return nil, err
	}
	candidates = append(candidates, heuristic...)

	out := dedupeByType(filterNoOps(st, candidates))

	if g.Reasoner != nil {
		for i := range out {
			if text, err := g.Reasoner.Narrate(ctx, out[i]); err == nil && text != "" {
				out[i].Reasoning = text
			}
		}
	}
	return out, nil
}

func (g Generator) applyRule(st EntityState, snap domain.MetricsSnapshot, rule domain.KnowledgeRule) (domain.Recommendation, bool, error) {
	var zero domain.Recommendation
	if rule.Metric == "" || rule.Comparison == "" || rule.Threshold == nil || rule.ActionHint == "" {
		return zero, false, nil
	}
	value, ok := metricValue(snap, rule.Metric)
	if !ok {
		return zero, false, nil
	}
	matched := false
	switch rule.Comparison {
	case "<":
		matched = value < *rule.Threshold
	case ">":
		matched = value > *rule.Threshold
	}
	if !matched {
		return zero, false, nil
	}

	reason := fmt.Sprintf("%s is %.2f, rule says %s %s %.2f: %s",
		rule.Metric, value, rule.Metric, rule.Comparison, *rule.Threshold, rule.RuleText)

	switch rule.ActionHint {
	case "pause":
		if st.Entity.Kind != domain.EntityAdSet {
			return zero, false, nil
		}
		rec, err := toggleRec(st, "PAUSED", reason, 90)
		return rec, err == nil, err
	case "activate":
		if st.Entity.Kind != domain.EntityAdSet {
			return zero, false, nil
		}
		rec, err := toggleRec(st, "ACTIVE", reason, 80)
		return rec, err == nil, err
	case "increase_budget":
		rec, err := budgetRec(g.Cfg, st, 1+g.Cfg.Evaluation.BudgetStepPct, reason, 70)
		return rec, err == nil, err
	case "decrease_budget":
		rec, err := budgetRec(g.Cfg, st, 1-g.Cfg.Evaluation.BudgetStepPct, reason, 75)
		return rec, err == nil, err
	}
	return zero, false, nil
}

// cpaHeuristics scales budgets against the account's CPA target: good CPA
// with enough conversions earns a step up, poor CPA with significant spend
// earns a step down.
func (g Generator) cpaHeuristics(st EntityState, snap domain.MetricsSnapshot) ([]domain.Recommendation, error) {
	if st.TargetCPA == nil || st.DailyBudget == nil {
		return nil, nil
	}
	if snap.Conversions < g.Cfg.Evaluation.MinConversions {
		return nil, nil
	}
	cpa, ok := metricValue(snap, "cpa")
	if !ok {
		return nil, nil
	}
	target := *st.TargetCPA
	var out []domain.Recommendation
	switch {
	case cpa <= target:
		reason := fmt.Sprintf("CPA %.2f at or below target %.2f over %d conversions", cpa, target, snap.Conversions)
		rec, err := budgetRec(g.Cfg, st, 1+g.Cfg.Evaluation.BudgetStepPct, reason, 75)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	case cpa >= target*g.Cfg.Evaluation.PoorCPAMultiple && snap.Spend >= g.Cfg.Evaluation.MinSpend:
		reason := fmt.Sprintf("CPA %.2f is %.1fx target %.2f with %.2f spent", cpa, cpa/target, target, snap.Spend)
		rec, err := budgetRec(g.Cfg, st, 1-g.Cfg.Evaluation.BudgetStepPct, reason, 80)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func toggleRec(st EntityState, proposed, reason string, confidence float64) (domain.Recommendation, error) {
	details, err := json.Marshal(domain.StatusChange{CurrentStatus: st.Status, ProposedStatus: proposed})
	if err != nil {
		return domain.Recommendation{}, err
	}
	return domain.Recommendation{
		Type:        domain.DecisionToggleAdSet,
		Entity:      st.Entity,
		DetailsJSON: string(details),
		Reasoning:   reason,
		Confidence:  confidence,
	}, nil
}

func budgetRec(cfg *config.Config, st EntityState, factor float64, reason string, confidence float64) (domain.Recommendation, error) {
	if st.DailyBudget == nil {
		return domain.Recommendation{}, fmt.Errorf("entity %s has no daily budget", st.Entity.ID)
	}
	current := *st.DailyBudget
	proposed := roundCents(current * factor)
	currency := st.Currency
	if currency == "" {
		currency = cfg.Account.Currency
	}
	details, err := json.Marshal(domain.BudgetChange{CurrentValue: current, ProposedValue: proposed, Currency: currency})
	if err != nil {
		return domain.Recommendation{}, err
	}
	return domain.Recommendation{
		Type:        domain.DecisionAdjustBudget,
		Entity:      st.Entity,
		DetailsJSON: string(details),
		Reasoning:   reason,
		Confidence:  confidence,
	}, nil
}

func roundCents(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

// metricValue resolves a metric name against the snapshot, deriving missing
// ratios from the raw counters. CTR is a percentage.
func metricValue(snap domain.MetricsSnapshot, metric string) (float64, bool) {
	switch metric {
	case "ctr":
		if snap.CTR != nil {
			return *snap.CTR, true
		}
		if snap.Impressions > 0 {
			return float64(snap.Clicks) / float64(snap.Impressions) * 100, true
		}
	case "cpa":
		if snap.CPA != nil {
			return *snap.CPA, true
		}
		if snap.Conversions > 0 {
			return snap.Spend / float64(snap.Conversions), true
		}
	case "cpl":
		if snap.CPL != nil {
			return *snap.CPL, true
		}
	case "cpc":
		if snap.Clicks > 0 {
			return snap.Spend / float64(snap.Clicks), true
		}
	}
	return 0, false
}

// filterNoOps drops recommendations whose proposed value equals the current
// value, using the entity's live configuration rather than the payload's
// claimed current value.
func filterNoOps(st EntityState, recs []domain.Recommendation) []domain.Recommendation {
	var out []domain.Recommendation
	for _, rec := range recs {
		switch rec.Type {
		case domain.DecisionAdjustBudget:
			var bc domain.BudgetChange
			if err := json.Unmarshal([]byte(rec.DetailsJSON), &bc); err == nil {
				if bc.ProposedValue == bc.CurrentValue {
					continue
				}
				if st.DailyBudget != nil && bc.ProposedValue == *st.DailyBudget {
					continue
				}
			}
		case domain.DecisionToggleAdSet:
			var sc domain.StatusChange
			if err := json.Unmarshal([]byte(rec.DetailsJSON), &sc); err == nil {
				if sc.ProposedStatus == sc.CurrentStatus || sc.ProposedStatus == st.Status {
					continue
				}
			}
		}
		out = append(out, rec)
	}
	return out
}

// dedupeByType keeps at most one recommendation per decision type, the one
// with the highest confidence, preserving first-seen order between types.
func dedupeByType(recs []domain.Recommendation) []domain.Recommendation {
	best := map[domain.DecisionType]int{}
	var order []domain.DecisionType
	for i, rec := range recs {
		j, seen := best[rec.Type]
		if !seen {
			best[rec.Type] = i
			order = append(order, rec.Type)
			continue
		}
		if rec.Confidence > recs[j].Confidence {
			best[rec.Type] = i
		}
	}
	var out []domain.Recommendation
	for _, t := range order {
		out = append(out, recs[best[t]])
	}
	return out
}
