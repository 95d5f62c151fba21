// Package knowledge extracts machine-usable rules from media-buying
// guideline statements. A statement like "pause ad sets with CTR below 1%"
// parses into (metric, comparison, threshold, action hint); statements that
// do not parse numerically are kept as qualitative context only.
package knowledge

import (
	"regexp"
	"strconv"
	"strings"
)

// ParsedRule is the numeric interpretation of one rule statement. Zero
// values mean the statement did not parse.
type ParsedRule struct {
	Metric     string
	Comparison string
	Threshold  *float64
	ActionHint string
}

var (
	metricRe    = regexp.MustCompile(`(?i)\b(ctr|cpa|cpl|cpc|roas)\b`)
	numberRe    = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%?`)
	belowRe     = regexp.MustCompile(`(?i)\b(below|under|less than|lower than|drops? below)\b`)
	aboveRe     = regexp.MustCompile(`(?i)\b(above|over|greater than|higher than|exceeds?|more than)\b`)
	pauseRe     = regexp.MustCompile(`(?i)\b(pause|stop|turn off|disable)\b`)
	activateRe  = regexp.MustCompile(`(?i)\b(activate|resume|turn on|enable|restart)\b`)
	increaseRe  = regexp.MustCompile(`(?i)\b(increase|raise|scale up|boost)\b`)
	decreaseRe  = regexp.MustCompile(`(?i)\b(decrease|reduce|lower|cut|scale down)\b`)
)

// Parse extracts the numeric parts of a rule statement. Metric names are
// normalized to lower case; comparisons to "<" or ">".
func Parse(text string) ParsedRule {
	var p ParsedRule

	if m := metricRe.FindString(text); m != "" {
		p.Metric = strings.ToLower(m)
	}
	switch {
	case pauseRe.MatchString(text):
		p.ActionHint = "pause"
	case activateRe.MatchString(text):
		p.ActionHint = "activate"
	case increaseRe.MatchString(text):
		p.ActionHint = "increase_budget"
	case decreaseRe.MatchString(text):
		p.ActionHint = "decrease_budget"
	}
	switch {
	case belowRe.MatchString(text):
		p.Comparison = "<"
	case aboveRe.MatchString(text):
		p.Comparison = ">"
	}
	// the threshold is the first number after the comparison word, falling
	// back to the first number anywhere
	search := text
	if loc := belowRe.FindStringIndex(text); loc != nil {
		search = text[loc[1]:]
	} else if loc := aboveRe.FindStringIndex(text); loc != nil {
		search = text[loc[1]:]
	}
	m := numberRe.FindStringSubmatch(search)
	if m == nil {
		m = numberRe.FindStringSubmatch(text)
	}
	if m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			p.Threshold = &v
		}
	}

	// a usable rule needs all three numeric parts; otherwise report only
	// the action hint, if any
	if p.Metric == "" || p.Comparison == "" || p.Threshold == nil {
		p.Metric = ""
		p.Comparison = ""
		p.Threshold = nil
	}
	return p
}
