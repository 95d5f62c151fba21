// Package meta talks to the ad platform's Graph-style HTTP API. It provides
// the execution adapter the decision engine calls for approved decisions and
// a live metrics provider that can replace the stored-snapshot default.
package meta

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

	"adpilot/internal/domain"
	"adpilot/internal/engine"
	"adpilot/internal/repo"
)

// Client is a minimal ad platform API client. Entity ids in decisions are
// internal; the client resolves them to platform ids through the repo.
type Client struct {
	BaseURL     string
	AccessToken string
	Repo        repo.Repo
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// NewClient creates a client with sane defaults.
func NewClient(baseURL, accessToken string, r repo.Repo) *Client {
	return &Client{
		BaseURL:     baseURL,
		AccessToken: accessToken,
		Repo:        r,
		Timeout:     10 * time.Second,
	}
}

// APIError wraps non-2xx platform responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform error: status=%d body=%s", e.StatusCode, e.Body)
}

// Apply executes an approved decision against the platform.
func (c *Client) Apply(ctx context.Context, d domain.Decision) error {
	switch d.Type {
	case domain.DecisionAdjustBudget:
		var bc domain.BudgetChange
		if err := json.Unmarshal([]byte(d.DetailsJSON), &bc); err != nil {
			return fmt.Errorf("decode budget change: %w", err)
		}
		externalID, err := c.externalID(ctx, d.Entity)
		if err != nil {
			return err
		}
		return c.post(ctx, externalID, map[string]any{
			"daily_budget": platformBudget(bc.ProposedValue),
		})
	case domain.DecisionToggleAdSet:
		var sc domain.StatusChange
		if err := json.Unmarshal([]byte(d.DetailsJSON), &sc); err != nil {
			return fmt.Errorf("decode status change: %w", err)
		}
		externalID, err := c.externalID(ctx, d.Entity)
		if err != nil {
			return err
		}
		return c.post(ctx, externalID, map[string]any{
			"status": sc.ProposedStatus,
		})
	case domain.DecisionCreateCampaign:
		var draft domain.CampaignDraft
		if err := json.Unmarshal([]byte(d.DetailsJSON), &draft); err != nil {
			return fmt.Errorf("decode campaign draft: %w", err)
		}
		account, err := c.Repo.GetAccount(ctx, d.AccountID)
		if err != nil {
			return err
		}
		body := map[string]any{
			"name":      draft.Name,
			"objective": draft.Objective,
			"status":    "PAUSED",
		}
		if draft.DailyBudget > 0 {
			body["daily_budget"] = platformBudget(draft.DailyBudget)
		}
		return c.post(ctx, "act_"+url.PathEscape(account.ExternalID)+"/campaigns", body)
	case domain.DecisionAdjustTargeting, domain.DecisionAdjustBidding:
		externalID, err := c.externalID(ctx, d.Entity)
		if err != nil {
			return err
		}
		var fields map[string]any
		if err := json.Unmarshal([]byte(d.DetailsJSON), &fields); err != nil {
			return fmt.Errorf("decode details: %w", err)
		}
		return c.post(ctx, externalID, fields)
	}
	return fmt.Errorf("unsupported decision type %s", d.Type)
}

type insightsResponse struct {
	Data []struct {
		Impressions string `json:"impressions"`
		Clicks      string `json:"clicks"`
		Spend       string `json:"spend"`
		Conversions string `json:"conversions"`
		DateStop    string `json:"date_stop"`
	} `json:"data"`
}

// GetMetrics fetches the latest insights row for an entity. Returns
// repo.ErrNotFound when the platform has no data yet.
func (c *Client) GetMetrics(ctx context.Context, entity domain.EntityRef) (domain.MetricsSnapshot, error) {
	var zero domain.MetricsSnapshot
	externalID, err := c.externalID(ctx, entity)
	if err != nil {
		return zero, err
	}
	endpoint := externalID + "/insights?date_preset=last_7d&fields=impressions,clicks,spend,conversions"
	var resp insightsResponse
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return zero, err
	}
	if len(resp.Data) == 0 {
		return zero, repo.ErrNotFound
	}
	row := resp.Data[0]
	snap := domain.MetricsSnapshot{
		EntityKind:  entity.Kind,
		EntityID:    entity.ID,
		Date:        row.DateStop,
		Impressions: parseCount(row.Impressions),
		Clicks:      parseCount(row.Clicks),
		Spend:       parseAmount(row.Spend),
		Conversions: parseCount(row.Conversions),
	}
	return snap, nil
}

// externalID maps an internal entity reference to the platform's id.
func (c *Client) externalID(ctx context.Context, entity domain.EntityRef) (string, error) {
	switch entity.Kind {
	case domain.EntityAccount:
		a, err := c.Repo.GetAccount(ctx, entity.ID)
		if err != nil {
			return "", err
		}
		return "act_" + url.PathEscape(a.ExternalID), nil
	case domain.EntityCampaign:
		cmp, err := c.Repo.GetCampaign(ctx, entity.ID)
		if err != nil {
			return "", err
		}
		return url.PathEscape(cmp.ExternalID), nil
	case domain.EntityAdSet:
		as, err := c.Repo.GetAdSet(ctx, entity.ID)
		if err != nil {
			return "", err
		}
		return url.PathEscape(as.ExternalID), nil
	}
	return "", fmt.Errorf("unknown entity kind %s", entity.Kind)
}

func (c *Client) post(ctx context.Context, endpoint string, body map[string]any) error {
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &engine.UpstreamError{Op: method + " " + endpoint, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
		if resp.StatusCode >= 500 {
			return &engine.UpstreamError{Op: method + " " + endpoint, Err: apiErr}
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

// platformBudget converts a major-unit amount to the platform's minor units.
func platformBudget(v float64) int64 {
	return int64(v*100 + 0.5)
}

func parseCount(s string) int64 {
	var n int64
	fmt.Sscanf(strings.TrimSpace(s), "%d", &n)
	return n
}

func parseAmount(s string) float64 {
	var v float64
	fmt.Sscanf(strings.TrimSpace(s), "%f", &v)
	return v
}
