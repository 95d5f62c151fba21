package knowledge_test

import (
	"testing"

	"adpilot/internal/knowledge"
)

func TestParseNumericStatements(t *testing.T) {
	cases := []struct {
		text       string
		metric     string
		comparison string
		threshold  float64
		action     string
	}{
		{"Pause ad sets when CTR is below 1.0", "ctr", "<", 1.0, "pause"},
		{"pause campaigns with ctr under 0.8%", "ctr", "<", 0.8, "pause"},
		{"Increase budget when CPA is below 25", "cpa", "<", 25, "increase_budget"},
		{"Reduce spend if CPA exceeds 80", "cpa", ">", 80, "decrease_budget"},
		{"Turn off ad sets when CPL is above 15.5", "cpl", ">", 15.5, "pause"},
		{"resume ad sets when ctr is above 2", "ctr", ">", 2, "activate"},
	}
	for _, tc := range cases {
		p := knowledge.Parse(tc.text)
		if p.Metric != tc.metric {
			t.Errorf("%q: metric %q, want %q", tc.text, p.Metric, tc.metric)
		}
		if p.Comparison != tc.comparison {
			t.Errorf("%q: comparison %q, want %q", tc.text, p.Comparison, tc.comparison)
		}
		if p.Threshold == nil || *p.Threshold != tc.threshold {
			t.Errorf("%q: threshold %v, want %v", tc.text, p.Threshold, tc.threshold)
		}
		if p.ActionHint != tc.action {
			t.Errorf("%q: action %q, want %q", tc.text, p.ActionHint, tc.action)
		}
	}
}

func TestParseQualitativeStatementKeepsOnlyAction(t *testing.T) {
	p := knowledge.Parse("Always pause underperforming creatives on Mondays")
	if p.Metric != "" || p.Comparison != "" || p.Threshold != nil {
		t.Fatalf("qualitative statement must not produce numeric parts: %+v", p)
	}
	if p.ActionHint != "pause" {
		t.Fatalf("expected pause hint, got %q", p.ActionHint)
	}
}

func TestParseThresholdFollowsComparison(t *testing.T) {
	// the 7 in "last 7 days" must not be mistaken for the threshold
	p := knowledge.Parse("Pause ad sets when CTR over the period is below 1.2")
	if p.Threshold == nil || *p.Threshold != 1.2 {
		t.Fatalf("expected threshold 1.2, got %v", p.Threshold)
	}
	if p.Comparison != "<" {
		t.Fatalf("expected <, got %q", p.Comparison)
	}
}

func TestParseMissingMetricClearsNumericParts(t *testing.T) {
	p := knowledge.Parse("Increase budget when results are below 10")
	if p.Metric != "" || p.Comparison != "" || p.Threshold != nil {
		t.Fatalf("no metric means no numeric rule: %+v", p)
	}
	if p.ActionHint != "increase_budget" {
		t.Fatalf("expected increase_budget hint, got %q", p.ActionHint)
	}
}
