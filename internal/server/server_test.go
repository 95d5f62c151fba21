package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"adpilot/internal/db"
	"adpilot/internal/domain"
	"adpilot/internal/engine"
	"adpilot/internal/migrate"
	"adpilot/internal/server"
)

type fakeExec struct {
	err     error
	applied int
}

func (f *fakeExec) Apply(ctx context.Context, d domain.Decision) error {
	if f.err != nil {
		return f.err
	}
	f.applied++
	return nil
}

type testServer struct {
	BaseURL string
	Engine  engine.Engine
	Exec    *fakeExec
}

const testJWTSecret = "test-secret"

func newTestServer(t *testing.T) testServer {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	exec := &fakeExec{}
	eng := engine.New(conn, exec)
	handler, err := server.New(server.Config{
		Engine:   eng,
		BasePath: "/v0",
		Auth: server.AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return testServer{BaseURL: "http://" + ln.Addr().String(), Engine: eng, Exec: exec}
}

func doJSON(t *testing.T, method, url string, headers map[string]string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	var decoded map[string]any
	if len(data) > 0 {
		_ = json.Unmarshal(data, &decoded)
	}
	return resp.StatusCode, decoded
}

func actorHeaders() map[string]string {
	return map[string]string{"X-Actor-Id": "tester"}
}

func errCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

// seedCatalog registers an account with one campaign and one ad set, both
// with a 100 daily budget, and returns their ids.
func seedCatalog(t *testing.T, ts testServer, externalID string) (accountID, adsetID string) {
	t.Helper()
	status, acc := doJSON(t, "POST", ts.BaseURL+"/v0/accounts", actorHeaders(), map[string]any{
		"external_id": externalID,
		"name":        "Demo Account",
		"currency":    "USD",
	})
	if status != http.StatusCreated {
		t.Fatalf("create account: status %d, body %v", status, acc)
	}
	accountID = acc["id"].(string)

	status, camp := doJSON(t, "POST", ts.BaseURL+"/v0/accounts/"+accountID+"/campaigns", actorHeaders(), map[string]any{
		"external_id":  "c-" + externalID,
		"name":         "Launch",
		"daily_budget": 100,
	})
	if status != http.StatusCreated {
		t.Fatalf("create campaign: status %d, body %v", status, camp)
	}

	status, adset := doJSON(t, "POST", ts.BaseURL+"/v0/accounts/"+accountID+"/adsets", actorHeaders(), map[string]any{
		"campaign_id":  camp["id"],
		"external_id":  "as-" + externalID,
		"name":         "US broad",
		"daily_budget": 100,
	})
	if status != http.StatusCreated {
		t.Fatalf("create adset: status %d, body %v", status, adset)
	}
	return accountID, adset["id"].(string)
}

func budgetDecisionBody(adsetID string, proposed float64) map[string]any {
	return map[string]any{
		"decision_type": "adjust_budget",
		"target_entity": map[string]any{"kind": "adset", "id": adsetID},
		"details": map[string]any{
			"current_value":  100,
			"proposed_value": proposed,
			"currency":       "USD",
		},
		"reasoning":        "manual test change",
		"confidence_score": 80,
	}
}

func TestHealthRequiresNoAuth(t *testing.T) {
	ts := newTestServer(t)
	status, body := doJSON(t, "GET", ts.BaseURL+"/v0/health", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("health: status %d, body %v", status, body)
	}
	if body["status"] != "ok" {
		t.Fatalf("health body: %v", body)
	}
}

func TestMissingCredentialsRejected(t *testing.T) {
	ts := newTestServer(t)
	status, body := doJSON(t, "GET", ts.BaseURL+"/v0/accounts", nil, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %v", status, body)
	}
	if errCode(body) != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %v", body)
	}
}

func TestBearerTokenAuthentication(t *testing.T) {
	ts := newTestServer(t)
	token, err := server.SignToken(testJWTSecret, "alice", time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	status, body := doJSON(t, "GET", ts.BaseURL+"/v0/accounts", map[string]string{
		"Authorization": "Bearer " + token,
	}, nil)
	if status != http.StatusOK {
		t.Fatalf("valid token: status %d, body %v", status, body)
	}

	status, body = doJSON(t, "GET", ts.BaseURL+"/v0/accounts", map[string]string{
		"Authorization": "Bearer not-a-token",
	}, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("bad token: status %d, body %v", status, body)
	}
	if errCode(body) != "invalid_credentials" {
		t.Fatalf("bad token code: %v", body)
	}
}

func TestDecisionLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	accountID, adsetID := seedCatalog(t, ts, "act-901")
	base := ts.BaseURL + "/v0/accounts/" + accountID

	// +60% budget is high risk; default hybrid/low policy queues it
	status, d := doJSON(t, "POST", base+"/decisions", actorHeaders(), budgetDecisionBody(adsetID, 160))
	if status != http.StatusCreated {
		t.Fatalf("create decision: status %d, body %v", status, d)
	}
	if d["status"] != "pending_approval" || d["risk_level"] != "high" {
		t.Fatalf("unexpected decision: %v", d)
	}
	id := d["id"].(string)

	status, d = doJSON(t, "POST", base+"/decisions/"+id+"/approve", actorHeaders(), nil)
	if status != http.StatusOK {
		t.Fatalf("approve: status %d, body %v", status, d)
	}
	if d["status"] != "executed" || d["executed_at"] == nil {
		t.Fatalf("approve outcome: %v", d)
	}
	if ts.Exec.applied != 1 {
		t.Fatalf("executor calls: %d", ts.Exec.applied)
	}

	status, d = doJSON(t, "GET", base+"/decisions/"+id, actorHeaders(), nil)
	if status != http.StatusOK || d["status"] != "executed" {
		t.Fatalf("get after approve: status %d, body %v", status, d)
	}
}

func TestRejectedDecisionIsTerminal(t *testing.T) {
	ts := newTestServer(t)
	accountID, adsetID := seedCatalog(t, ts, "act-902")
	base := ts.BaseURL + "/v0/accounts/" + accountID

	_, d := doJSON(t, "POST", base+"/decisions", actorHeaders(), budgetDecisionBody(adsetID, 160))
	id := d["id"].(string)

	status, d := doJSON(t, "POST", base+"/decisions/"+id+"/reject", actorHeaders(), nil)
	if status != http.StatusOK || d["status"] != "rejected" {
		t.Fatalf("reject: status %d, body %v", status, d)
	}

	status, body := doJSON(t, "POST", base+"/decisions/"+id+"/reject", actorHeaders(), nil)
	if status != http.StatusConflict {
		t.Fatalf("second reject: status %d, body %v", status, body)
	}
	if errCode(body) != "invalid_state" {
		t.Fatalf("second reject code: %v", body)
	}
	if ts.Exec.applied != 0 {
		t.Fatalf("rejected decision must never reach the executor")
	}
}

func TestUnknownDecisionTypeRejected(t *testing.T) {
	ts := newTestServer(t)
	accountID, adsetID := seedCatalog(t, ts, "act-903")

	body := budgetDecisionBody(adsetID, 160)
	body["decision_type"] = "delete_account"
	status, resp := doJSON(t, "POST", ts.BaseURL+"/v0/accounts/"+accountID+"/decisions", actorHeaders(), body)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %v", status, resp)
	}
	if errCode(resp) != "validation_error" {
		t.Fatalf("expected validation_error, got %v", resp)
	}
}

func TestDecisionNotVisibleFromOtherAccount(t *testing.T) {
	ts := newTestServer(t)
	accountID, adsetID := seedCatalog(t, ts, "act-904")
	otherID, _ := seedCatalog(t, ts, "act-905")

	_, d := doJSON(t, "POST", ts.BaseURL+"/v0/accounts/"+accountID+"/decisions", actorHeaders(), budgetDecisionBody(adsetID, 160))
	id := d["id"].(string)

	status, body := doJSON(t, "GET", ts.BaseURL+"/v0/accounts/"+otherID+"/decisions/"+id, actorHeaders(), nil)
	if status != http.StatusNotFound {
		t.Fatalf("cross-account get: status %d, body %v", status, body)
	}
	status, body = doJSON(t, "POST", ts.BaseURL+"/v0/accounts/"+otherID+"/decisions/"+id+"/approve", actorHeaders(), nil)
	if status != http.StatusNotFound {
		t.Fatalf("cross-account approve: status %d, body %v", status, body)
	}
}

func TestDecisionListPagination(t *testing.T) {
	ts := newTestServer(t)
	accountID, adsetID := seedCatalog(t, ts, "act-906")
	base := ts.BaseURL + "/v0/accounts/" + accountID

	for _, proposed := range []float64{160, 170, 180} {
		status, d := doJSON(t, "POST", base+"/decisions", actorHeaders(), budgetDecisionBody(adsetID, proposed))
		if status != http.StatusCreated {
			t.Fatalf("create decision %v: status %d, body %v", proposed, status, d)
		}
	}

	status, page := doJSON(t, "GET", base+"/decisions?limit=2&status=pending_approval", actorHeaders(), nil)
	if status != http.StatusOK {
		t.Fatalf("list: status %d, body %v", status, page)
	}
	items := page["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("first page: %d items", len(items))
	}
	cursor, _ := page["next_cursor"].(string)
	if cursor == "" {
		t.Fatalf("expected next_cursor on first page: %v", page)
	}

	status, page = doJSON(t, "GET", fmt.Sprintf("%s/decisions?limit=2&status=pending_approval&cursor=%s", base, cursor), actorHeaders(), nil)
	if status != http.StatusOK {
		t.Fatalf("second page: status %d, body %v", status, page)
	}
	items = page["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("second page: %d items", len(items))
	}
	if c, _ := page["next_cursor"].(string); c != "" {
		t.Fatalf("second page must be the last: %v", page)
	}
}

func TestPolicySwitchChangesAutoExecution(t *testing.T) {
	ts := newTestServer(t)
	accountID, adsetID := seedCatalog(t, ts, "act-907")
	base := ts.BaseURL + "/v0/accounts/" + accountID

	status, p := doJSON(t, "PUT", base+"/policy", actorHeaders(), map[string]any{
		"mode":           "autonomous",
		"risk_threshold": "low",
	})
	if status != http.StatusOK || p["mode"] != "autonomous" {
		t.Fatalf("set policy: status %d, body %v", status, p)
	}

	status, d := doJSON(t, "POST", base+"/decisions", actorHeaders(), budgetDecisionBody(adsetID, 160))
	if status != http.StatusCreated {
		t.Fatalf("create decision: status %d, body %v", status, d)
	}
	if d["status"] != "executed" {
		t.Fatalf("autonomous mode must auto-execute, got %v", d["status"])
	}
	if ts.Exec.applied != 1 {
		t.Fatalf("executor calls: %d", ts.Exec.applied)
	}
}

func TestKnowledgeDocumentLifecycle(t *testing.T) {
	ts := newTestServer(t)
	accountID, _ := seedCatalog(t, ts, "act-909")
	base := ts.BaseURL + "/v0/accounts/" + accountID

	status, doc := doJSON(t, "POST", base+"/documents", actorHeaders(), map[string]any{
		"title":      "Playbook",
		"category":   "optimization",
		"statements": []string{"Pause ad sets when CTR is below 1.0"},
	})
	if status != http.StatusCreated {
		t.Fatalf("import document: status %d, body %v", status, doc)
	}
	docID := doc["document"].(map[string]any)["id"].(string)

	status, got := doJSON(t, "GET", base+"/documents/"+docID, actorHeaders(), nil)
	if status != http.StatusOK || got["title"] != "Playbook" {
		t.Fatalf("get document: status %d, body %v", status, got)
	}

	// documents are account-scoped
	otherID, _ := seedCatalog(t, ts, "act-910")
	status, body := doJSON(t, "GET", ts.BaseURL+"/v0/accounts/"+otherID+"/documents/"+docID, actorHeaders(), nil)
	if status != http.StatusNotFound {
		t.Fatalf("cross-account get document: status %d, body %v", status, body)
	}

	status, _ = doJSON(t, "DELETE", base+"/documents/"+docID, actorHeaders(), nil)
	if status != http.StatusNoContent {
		t.Fatalf("delete document: status %d", status)
	}
	status, body = doJSON(t, "GET", base+"/documents/"+docID, actorHeaders(), nil)
	if status != http.StatusNotFound || errCode(body) != "not_found" {
		t.Fatalf("get after delete: status %d, body %v", status, body)
	}

	rules, err := ts.Engine.Repo.ListRules(context.Background(), accountID)
	if err != nil {
		t.Fatalf("list rules: %v", err)
	}
	if len(rules) != 0 {
		t.Fatalf("rules must be removed with their document, got %d", len(rules))
	}
}

func TestCursorMustBeWellFormed(t *testing.T) {
	ts := newTestServer(t)
	accountID, _ := seedCatalog(t, ts, "act-908")

	status, body := doJSON(t, "GET", ts.BaseURL+"/v0/accounts/"+accountID+"/decisions?cursor=garbage", actorHeaders(), nil)
	if status != http.StatusBadRequest {
		t.Fatalf("bad cursor: status %d, body %v", status, body)
	}
	if errCode(body) != "bad_request" {
		t.Fatalf("bad cursor code: %v", body)
	}
}
