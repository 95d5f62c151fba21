package adpilotsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Adpilot HTTP API client.
type Client struct {
	BaseURL     string
	AccountID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, accountID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		AccountID: accountID,
		Timeout:   10 * time.Second,
	}
}

// Decision represents the API decision model.
type Decision struct {
	ID           string         `json:"id"`
	AccountID    string         `json:"account_id"`
	DecisionType string         `json:"decision_type"`
	Entity       Entity         `json:"target_entity"`
	Details      map[string]any `json:"details"`
	Reasoning    string         `json:"reasoning"`
	Confidence   float64        `json:"confidence_score"`
	RiskLevel    string         `json:"risk_level"`
	Status       string         `json:"status"`
	CreatedAt    string         `json:"created_at"`
	DecidedAt    *string        `json:"decided_at,omitempty"`
	ExecutedAt   *string        `json:"executed_at,omitempty"`
}

// Entity identifies a decision target.
type Entity struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Policy represents the automation policy.
type Policy struct {
	AccountID     string `json:"account_id"`
	Mode          string `json:"mode"`
	RiskThreshold string `json:"risk_threshold"`
	UpdatedAt     string `json:"updated_at"`
}

// RunSummary reports the outcome of an evaluation cycle.
type RunSummary struct {
	AccountID       string          `json:"account_id"`
	StartedAt       string          `json:"started_at"`
	FinishedAt      string          `json:"finished_at"`
	Entities        []EntityOutcome `json:"entities"`
	Created         int             `json:"created"`
	AutoExecuted    int             `json:"auto_executed"`
	PendingApproval int             `json:"pending_approval"`
	Failed          int             `json:"failed"`
	Skipped         int             `json:"skipped"`
}

// EntityOutcome is the per-entity result within a run.
type EntityOutcome struct {
	Entity    Entity     `json:"entity"`
	Outcome   string     `json:"outcome"`
	Error     string     `json:"error,omitempty"`
	Decisions []Decision `json:"decisions,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	AccountID  string         `json:"account_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedDecisions wraps decision listings with cursors.
type PaginatedDecisions struct {
	Items      []Decision `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// PaginatedEvents wraps event listings with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateDecision submits a recommendation for lifecycle handling.
func (c *Client) CreateDecision(ctx context.Context, decisionType, entityKind, entityID string, details map[string]any, reasoning string, confidence float64) (Decision, error) {
	body := map[string]any{
		"decision_type":    decisionType,
		"target_entity":    map[string]string{"kind": entityKind, "id": entityID},
		"details":          details,
		"reasoning":        reasoning,
		"confidence_score": confidence,
	}
	var resp Decision
	err := c.do(ctx, http.MethodPost, c.accountPath("decisions"), body, &resp)
	return resp, err
}

// GetDecision fetches a decision by id.
func (c *Client) GetDecision(ctx context.Context, id string) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodGet, c.accountPath("decisions/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Decisions returns a paginated decision listing, optionally filtered by status.
func (c *Client) Decisions(ctx context.Context, status string, limit int, cursor string) (PaginatedDecisions, error) {
	endpoint := c.accountPath("decisions")
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp PaginatedDecisions
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Approve approves and executes a pending decision.
func (c *Client) Approve(ctx context.Context, id string) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodPost, c.accountPath("decisions/"+url.PathEscape(id)+"/approve"), nil, &resp)
	return resp, err
}

// Reject rejects a pending decision.
func (c *Client) Reject(ctx context.Context, id string) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodPost, c.accountPath("decisions/"+url.PathEscape(id)+"/reject"), nil, &resp)
	return resp, err
}

// Evaluate runs an evaluation cycle for the account.
func (c *Client) Evaluate(ctx context.Context) (RunSummary, error) {
	var resp RunSummary
	err := c.do(ctx, http.MethodPost, c.accountPath("evaluate"), nil, &resp)
	return resp, err
}

// Policy returns the account's automation policy.
func (c *Client) Policy(ctx context.Context) (Policy, error) {
	var resp Policy
	err := c.do(ctx, http.MethodGet, c.accountPath("policy"), nil, &resp)
	return resp, err
}

// SetPolicy updates the account's automation policy.
func (c *Client) SetPolicy(ctx context.Context, mode, riskThreshold string) (Policy, error) {
	body := map[string]any{
		"mode":           mode,
		"risk_threshold": riskThreshold,
	}
	var resp Policy
	err := c.do(ctx, http.MethodPut, c.accountPath("policy"), body, &resp)
	return resp, err
}

// RecordMetrics posts a metrics snapshot for an entity.
func (c *Client) RecordMetrics(ctx context.Context, entityKind, entityID string, impressions, clicks, conversions int64, spend float64) error {
	body := map[string]any{
		"entity_kind": entityKind,
		"entity_id":   entityID,
		"impressions": impressions,
		"clicks":      clicks,
		"conversions": conversions,
		"spend":       spend,
	}
	return c.do(ctx, http.MethodPost, c.accountPath("metrics"), body, nil)
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.accountPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) accountPath(p string) string {
	account := url.PathEscape(c.AccountID)
	return fmt.Sprintf("v0/accounts/%s/%s", account, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
