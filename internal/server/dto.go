package server

import (
	"encoding/json"

	"adpilot/internal/domain"
)

type CreateAccountRequest struct {
	ExternalID string   `json:"external_id"`
	Name       string   `json:"name"`
	Currency   string   `json:"currency,omitempty"`
	TargetCPA  *float64 `json:"target_cpa,omitempty"`
	TargetCPL  *float64 `json:"target_cpl,omitempty"`
}

type CreateCampaignRequest struct {
	ExternalID  string   `json:"external_id"`
	Name        string   `json:"name"`
	Status      string   `json:"status,omitempty" enum:"ACTIVE,PAUSED,ARCHIVED,"`
	Objective   string   `json:"objective,omitempty"`
	DailyBudget *float64 `json:"daily_budget,omitempty"`
}

type CreateAdSetRequest struct {
	CampaignID  string   `json:"campaign_id"`
	ExternalID  string   `json:"external_id"`
	Name        string   `json:"name"`
	Status      string   `json:"status,omitempty" enum:"ACTIVE,PAUSED,ARCHIVED,"`
	DailyBudget *float64 `json:"daily_budget,omitempty"`
}

type SetPolicyRequest struct {
	Mode          string `json:"mode" enum:"autonomous,hybrid,approval_required"`
	RiskThreshold string `json:"risk_threshold" enum:"low,medium,high"`
}

type CreateDecisionRequest struct {
	DecisionType string         `json:"decision_type"`
	Entity       EntityRequest  `json:"target_entity"`
	Details      map[string]any `json:"details"`
	Reasoning    string         `json:"reasoning,omitempty"`
	Confidence   float64        `json:"confidence_score" minimum:"0" maximum:"100"`
}

type EntityRequest struct {
	Kind string `json:"kind" enum:"account,campaign,adset"`
	ID   string `json:"id"`
}

type RecordMetricsRequest struct {
	EntityKind  string   `json:"entity_kind" enum:"account,campaign,adset"`
	EntityID    string   `json:"entity_id"`
	Date        string   `json:"date,omitempty"`
	Impressions int64    `json:"impressions"`
	Clicks      int64    `json:"clicks"`
	Spend       float64  `json:"spend"`
	Conversions int64    `json:"conversions"`
	CPA         *float64 `json:"cpa,omitempty"`
	CPL         *float64 `json:"cpl,omitempty"`
	CTR         *float64 `json:"ctr,omitempty"`
}

type ImportDocumentRequest struct {
	Title      string   `json:"title"`
	Category   string   `json:"category,omitempty"`
	Statements []string `json:"statements"`
}

type DecisionResponse struct {
	ID           string           `json:"id"`
	AccountID    string           `json:"account_id"`
	DecisionType string           `json:"decision_type"`
	Entity       domain.EntityRef `json:"target_entity"`
	Details      map[string]any   `json:"details"`
	Reasoning    string           `json:"reasoning"`
	Confidence   float64          `json:"confidence_score"`
	RiskLevel    string           `json:"risk_level"`
	Status       string           `json:"status"`
	CreatedAt    string           `json:"created_at" format:"date-time"`
	DecidedAt    *string          `json:"decided_at,omitempty" format:"date-time"`
	ExecutedAt   *string          `json:"executed_at,omitempty" format:"date-time"`
}

type DocumentResponse struct {
	Document domain.KnowledgeDocument `json:"document"`
	Rules    []domain.KnowledgeRule   `json:"rules"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	AccountID  string         `json:"account_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedDecisions struct {
	Items      []DecisionResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func decisionResponse(d domain.Decision) DecisionResponse {
	return DecisionResponse{
		ID:           d.ID,
		AccountID:    d.AccountID,
		DecisionType: string(d.Type),
		Entity:       d.Entity,
		Details:      decodeJSONMap(d.DetailsJSON),
		Reasoning:    d.Reasoning,
		Confidence:   d.Confidence,
		RiskLevel:    string(d.RiskLevel),
		Status:       string(d.Status),
		CreatedAt:    d.CreatedAt,
		DecidedAt:    d.DecidedAt,
		ExecutedAt:   d.ExecutedAt,
	}
}

func mapDecisions(items []domain.Decision) []DecisionResponse {
	res := make([]DecisionResponse, 0, len(items))
	for _, d := range items {
		res = append(res, decisionResponse(d))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		AccountID:  e.AccountID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return map[string]any{}
	}
	return m
}
