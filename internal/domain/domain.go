package domain

// DecisionType enumerates the recognized kinds of proposed changes.
type DecisionType string

const (
	DecisionAdjustBudget    DecisionType = "adjust_budget"
	DecisionToggleAdSet     DecisionType = "toggle_adset"
	DecisionCreateCampaign  DecisionType = "create_campaign"
	DecisionAdjustTargeting DecisionType = "adjust_targeting"
	DecisionAdjustBidding   DecisionType = "adjust_bidding"
)

// KnownDecisionType reports whether t is a recognized decision type.
func KnownDecisionType(t DecisionType) bool {
	switch t {
	case DecisionAdjustBudget, DecisionToggleAdSet, DecisionCreateCampaign,
		DecisionAdjustTargeting, DecisionAdjustBidding:
		return true
	}
	return false
}

// DecisionStatus enumerates lifecycle states. "approved" is transient: a
// decision resolves to executed or execution_failed within the same call.
type DecisionStatus string

const (
	StatusPendingApproval DecisionStatus = "pending_approval"
	StatusApproved        DecisionStatus = "approved"
	StatusRejected        DecisionStatus = "rejected"
	StatusExecuted        DecisionStatus = "executed"
	StatusExecutionFailed DecisionStatus = "execution_failed"
)

// Terminal reports whether s permits no further transitions.
func (s DecisionStatus) Terminal() bool {
	return s == StatusRejected || s == StatusExecuted || s == StatusExecutionFailed
}

// RiskLevel orders low < medium < high.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Rank maps a risk level onto its ordering; unknown levels rank above high.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	}
	return 3
}

// AutomationMode controls how much human approval execution requires.
type AutomationMode string

const (
	ModeAutonomous       AutomationMode = "autonomous"
	ModeHybrid           AutomationMode = "hybrid"
	ModeApprovalRequired AutomationMode = "approval_required"
)

// EntityKind distinguishes levels of the advertising hierarchy.
type EntityKind string

const (
	EntityAccount  EntityKind = "account"
	EntityCampaign EntityKind = "campaign"
	EntityAdSet    EntityKind = "adset"
)

// EntityRef points at the campaign/ad set/account a decision applies to.
type EntityRef struct {
	Kind EntityKind `json:"kind" enum:"account,campaign,adset"`
	ID   string     `json:"id"`
	Name string     `json:"name,omitempty"`
}

type Account struct {
	ID         string   `json:"id"`
	ExternalID string   `json:"external_id"`
	Name       string   `json:"name"`
	Currency   string   `json:"currency"`
	TargetCPA  *float64 `json:"target_cpa,omitempty"`
	TargetCPL  *float64 `json:"target_cpl,omitempty"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
}

type Campaign struct {
	ID          string   `json:"id"`
	AccountID   string   `json:"account_id"`
	ExternalID  string   `json:"external_id"`
	Name        string   `json:"name"`
	Status      string   `json:"status" enum:"ACTIVE,PAUSED,ARCHIVED"`
	Objective   string   `json:"objective,omitempty"`
	DailyBudget *float64 `json:"daily_budget,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

type AdSet struct {
	ID          string   `json:"id"`
	CampaignID  string   `json:"campaign_id"`
	AccountID   string   `json:"account_id"`
	ExternalID  string   `json:"external_id"`
	Name        string   `json:"name"`
	Status      string   `json:"status" enum:"ACTIVE,PAUSED,ARCHIVED"`
	DailyBudget *float64 `json:"daily_budget,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

// Decision is the persisted record of a recommendation once it enters the
// lifecycle engine. Rows are never deleted; terminal rows are immutable.
type Decision struct {
	ID          string         `json:"id"`
	AccountID   string         `json:"account_id"`
	Type        DecisionType   `json:"decision_type" enum:"adjust_budget,toggle_adset,create_campaign,adjust_targeting,adjust_bidding"`
	Entity      EntityRef      `json:"target_entity"`
	DetailsJSON string         `json:"details_json"`
	Reasoning   string         `json:"reasoning"`
	Confidence  float64        `json:"confidence_score" minimum:"0" maximum:"100"`
	RiskLevel   RiskLevel      `json:"risk_level" enum:"low,medium,high"`
	Status      DecisionStatus `json:"status" enum:"pending_approval,approved,rejected,executed,execution_failed"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	DecidedAt   *string        `json:"decided_at,omitempty" format:"date-time"`
	ExecutedAt  *string        `json:"executed_at,omitempty" format:"date-time"`
}

// BudgetChange is the details payload for adjust_budget decisions.
type BudgetChange struct {
	CurrentValue  float64 `json:"current_value"`
	ProposedValue float64 `json:"proposed_value"`
	Currency      string  `json:"currency,omitempty"`
}

// StatusChange is the details payload for toggle_adset decisions.
type StatusChange struct {
	CurrentStatus  string `json:"current_status"`
	ProposedStatus string `json:"proposed_status"`
}

// CampaignDraft is the details payload for create_campaign decisions.
type CampaignDraft struct {
	Name        string  `json:"name"`
	Objective   string  `json:"objective,omitempty"`
	DailyBudget float64 `json:"daily_budget"`
}

// AutomationPolicy is the per-account setting read by the lifecycle engine.
type AutomationPolicy struct {
	AccountID     string         `json:"account_id"`
	Mode          AutomationMode `json:"mode" enum:"autonomous,hybrid,approval_required"`
	RiskThreshold RiskLevel      `json:"risk_threshold" enum:"low,medium,high"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
}

// KnowledgeDocument groups rules extracted from one uploaded document.
type KnowledgeDocument struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// KnowledgeRule is a single extracted rule statement. Metric, Comparison,
// Threshold and ActionHint are set only when the statement parsed numerically.
type KnowledgeRule struct {
	ID         string   `json:"id"`
	DocumentID string   `json:"document_id"`
	AccountID  string   `json:"account_id"`
	Category   string   `json:"category,omitempty"`
	RuleText   string   `json:"rule_text"`
	Metric     string   `json:"metric,omitempty"`
	Comparison string   `json:"comparison,omitempty"`
	Threshold  *float64 `json:"threshold,omitempty"`
	ActionHint string   `json:"action_hint,omitempty"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
}

// MetricsSnapshot is one observation of an entity's performance over a window.
type MetricsSnapshot struct {
	ID          int64      `json:"id"`
	AccountID   string     `json:"account_id"`
	EntityKind  EntityKind `json:"entity_kind" enum:"account,campaign,adset"`
	EntityID    string     `json:"entity_id"`
	Date        string     `json:"date"`
	Impressions int64      `json:"impressions"`
	Clicks      int64      `json:"clicks"`
	Spend       float64    `json:"spend"`
	Conversions int64      `json:"conversions"`
	CPA         *float64   `json:"cpa,omitempty"`
	CPL         *float64   `json:"cpl,omitempty"`
	CTR         *float64   `json:"ctr,omitempty"`
	CreatedAt   string     `json:"created_at" format:"date-time"`
}

// Recommendation is a transient proposed change; it is not persisted until
// the lifecycle engine turns it into a Decision.
type Recommendation struct {
	Type        DecisionType
	Entity      EntityRef
	DetailsJSON string
	Reasoning   string
	Confidence  float64
}

// Event is one audit log entry. Every decision transition appends one.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	AccountID  string `json:"account_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
