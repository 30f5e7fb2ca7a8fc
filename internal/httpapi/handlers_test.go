package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"fedguard.org/internal/auth"
	"fedguard.org/internal/config"
	"fedguard.org/internal/events"
	"fedguard.org/internal/federation"
	"fedguard.org/internal/ledger"
	"fedguard.org/internal/match"
	"fedguard.org/internal/platform"
	"fedguard.org/internal/rules"
	"fedguard.org/internal/scan"
	"fedguard.org/internal/workflow"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T

	fake  *platform.Fake
	svc   *ledger.InMemory
	rules rules.Store
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	t.Setenv("FEDGUARD_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	t.Setenv("FEDGUARD_COMMUNITY_ID", "alpha")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	reloader := config.NewReloader(cfg)

	ruleStore := rules.NewInMemory()
	matcher := match.NewEngine(ruleStore, 0)
	svc := ledger.NewInMemory()
	bus := events.New()
	fed := federation.NewEngine(svc, bus, federation.NewBroadcaster(nil, bus), "alpha")
	fake := platform.NewFake()
	wf := workflow.NewCoordinator(reloader, fake, fed, bus)
	fed.SetEnforcer(wf)
	scanner := scan.NewScanner(fake, matcher, wf, reloader)

	api := New(ReadyProbe{}, "test", Deps{
		Config:   reloader,
		Rules:    ruleStore,
		Matcher:  matcher,
		Platform: fake,
		Ledger:   svc,
		Fed:      fed,
		WF:       wf,
		Scanner:  scanner,
		Bus:      bus,
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		fake:    fake,
		svc:     svc,
		rules:   ruleStore,
	}
}

func (c *apiClient) token(actor, community string, roles ...string) string {
	c.t.Helper()
	tok, err := auth.GenerateToken(actor, community, roles, time.Hour)
	if err != nil {
		c.t.Fatalf("generate token: %v", err)
	}
	return tok
}

func (c *apiClient) do(method, path string, body any, token string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, token string) *http.Response {
	return c.do(http.MethodPost, path, body, token)
}

func (c *apiClient) get(path string, params url.Values, token string) *http.Response {
	c.t.Helper()
	if params != nil {
		path = path + "?" + params.Encode()
	}
	return c.do(http.MethodGet, path, nil, token)
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthzIsPublic(t *testing.T) {
	c := newTestAPI(t)
	resp := c.get("/healthz", nil, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	c := newTestAPI(t)
	resp := c.get("/v1/moderation/cases", nil, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestBanCreatesDecisionAndEnforces(t *testing.T) {
	c := newTestAPI(t)
	tok := c.token("mod-1", "alpha", auth.RoleModerator)

	resp := c.post("/v1/moderation/ban", map[string]any{
		"subject_id": "user-1",
		"username":   "spammer",
		"reason":     "phishing links",
	}, tok)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var out struct {
		Version uint64 `json:"version"`
		Status  string `json:"status"`
	}
	decodeBody(t, resp, &out)
	if out.Version != 1 || out.Status != "banned" {
		t.Fatalf("unexpected response: %+v", out)
	}

	if calls := c.fake.CallsTo("BanUser"); len(calls) != 1 {
		t.Fatalf("BanUser calls = %d, want 1", len(calls))
	}

	resp = c.get("/v1/subjects/user-1", nil, tok)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("subject status = %d, want 200", resp.StatusCode)
	}
	var sub struct {
		Subject         ledger.Subject `json:"subject"`
		EffectiveStatus string         `json:"effective_status"`
	}
	decodeBody(t, resp, &sub)
	if sub.Subject.Status != ledger.StatusBanned || sub.EffectiveStatus != "banned" {
		t.Fatalf("subject not banned: %+v", sub)
	}
}

func TestBanRequiresModeratorRole(t *testing.T) {
	c := newTestAPI(t)
	tok := c.token("node-2", "beta", auth.RolePeer)

	resp := c.post("/v1/moderation/ban", map[string]any{
		"subject_id": "user-1",
		"reason":     "spam",
	}, tok)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestDuplicateBanConflicts(t *testing.T) {
	c := newTestAPI(t)
	tok := c.token("mod-1", "alpha", auth.RoleModerator)

	body := map[string]any{"subject_id": "user-1", "reason": "spam"}
	resp := c.post("/v1/moderation/ban", body, tok)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first ban status = %d, want 201", resp.StatusCode)
	}
	resp = c.post("/v1/moderation/ban", body, tok)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second ban status = %d, want 409", resp.StatusCode)
	}
}

func TestUnbanFromOtherCommunityIsLocalOverride(t *testing.T) {
	c := newTestAPI(t)
	alphaTok := c.token("mod-1", "alpha", auth.RoleModerator)
	betaTok := c.token("mod-2", "beta", auth.RoleModerator)

	resp := c.post("/v1/moderation/ban", map[string]any{
		"subject_id": "user-1", "reason": "spam",
	}, alphaTok)
	resp.Body.Close()

	resp = c.post("/v1/moderation/unban", map[string]any{
		"subject_id": "user-1",
	}, betaTok)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unban status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		Scope string `json:"scope"`
	}
	decodeBody(t, resp, &out)
	if out.Scope != "local_override" {
		t.Fatalf("scope = %q, want local_override", out.Scope)
	}

	// The global record is untouched.
	sub, err := c.svc.GetSubject(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get subject: %v", err)
	}
	if sub.Status != ledger.StatusBanned || sub.Version != 1 {
		t.Fatalf("global record changed: %+v", sub)
	}
}

func TestOperatorUnbanClearsGlobally(t *testing.T) {
	c := newTestAPI(t)
	alphaTok := c.token("mod-1", "alpha", auth.RoleModerator)
	opTok := c.token("admin", "beta", auth.RoleOperator)

	resp := c.post("/v1/moderation/ban", map[string]any{
		"subject_id": "user-1", "reason": "spam",
	}, alphaTok)
	resp.Body.Close()

	resp = c.post("/v1/moderation/unban", map[string]any{
		"subject_id": "user-1",
	}, opTok)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unban status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		Status  string `json:"status"`
		Version uint64 `json:"version"`
	}
	decodeBody(t, resp, &out)
	if out.Status != "cleared" || out.Version != 2 {
		t.Fatalf("unexpected response: %+v", out)
	}
}

func TestPeerDecisionDelivery(t *testing.T) {
	c := newTestAPI(t)
	peerTok := c.token("node-beta", "beta", auth.RolePeer)

	decision := map[string]any{
		"subject_id":       "user-9",
		"status":           "banned",
		"version":          1,
		"origin_community": "beta",
		"reason":           "scam links",
		"issued_at":        time.Now().UTC(),
	}
	resp := c.post("/v1/federation/decisions", decision, peerTok)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first delivery status = %d, want 202", resp.StatusCode)
	}

	// Redelivery of the same version is stale.
	resp = c.post("/v1/federation/decisions", decision, peerTok)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("redelivery status = %d, want 409", resp.StatusCode)
	}

	// The peer's ban was enforced locally.
	if calls := c.fake.CallsTo("BanUser"); len(calls) != 1 {
		t.Fatalf("BanUser calls = %d, want 1", len(calls))
	}
}

func TestBackfillPagination(t *testing.T) {
	c := newTestAPI(t)
	ctx := context.Background()
	for _, id := range []string{"u1", "u2", "u3"} {
		err := c.svc.Apply(ctx, ledger.Decision{
			SubjectID: id, Status: ledger.StatusBanned, Version: 1,
			OriginCommunity: "alpha", IssuedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	peerTok := c.token("node-beta", "beta", auth.RolePeer)

	resp := c.get("/v1/federation/backfill", url.Values{"limit": {"2"}}, peerTok)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var page federation.BackfillPage
	decodeBody(t, resp, &page)
	if len(page.Items) != 2 || page.NextAfter != "u2" {
		t.Fatalf("unexpected first page: %+v", page)
	}

	resp = c.get("/v1/federation/backfill", url.Values{"limit": {"2"}, "after": {page.NextAfter}}, peerTok)
	// Decode into a fresh value: next_after is omitempty, so reusing the
	// first page would keep its stale cursor.
	var last federation.BackfillPage
	decodeBody(t, resp, &last)
	if len(last.Items) != 1 || last.Items[0].ID != "u3" || last.NextAfter != "" {
		t.Fatalf("unexpected second page: %+v", last)
	}
}

func TestRuleLifecycle(t *testing.T) {
	c := newTestAPI(t)
	tok := c.token("mod-1", "alpha", auth.RoleModerator)

	resp := c.post("/v1/rules", map[string]any{
		"scope":    "community",
		"kind":     "substring",
		"pattern":  "free nitro",
		"contexts": []string{"message", "bio"},
	}, tok)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add status = %d, want 201", resp.StatusCode)
	}
	var created rules.Rule
	decodeBody(t, resp, &created)
	if created.ID == "" || created.CommunityID != "alpha" {
		t.Fatalf("unexpected rule: %+v", created)
	}

	resp = c.get("/v1/rules", nil, tok)
	var list struct {
		Items []rules.Rule `json:"items"`
	}
	decodeBody(t, resp, &list)
	if len(list.Items) != 1 {
		t.Fatalf("rules listed = %d, want 1", len(list.Items))
	}

	resp = c.do(http.MethodDelete, "/v1/rules/"+created.ID, nil, tok)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}
}

func TestGlobalRuleNeedsOperator(t *testing.T) {
	c := newTestAPI(t)
	tok := c.token("mod-1", "alpha", auth.RoleModerator)

	resp := c.post("/v1/rules", map[string]any{
		"scope":   "global",
		"kind":    "substring",
		"pattern": "free nitro",
	}, tok)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestRuleDryRun(t *testing.T) {
	c := newTestAPI(t)
	tok := c.token("mod-1", "alpha", auth.RoleModerator)

	resp := c.post("/v1/rules/test", map[string]any{
		"kind":    "regex",
		"pattern": `steam.?gift`,
		"sample":  "claim your steam-gift now",
	}, tok)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		Matched bool `json:"matched"`
	}
	decodeBody(t, resp, &out)
	if !out.Matched {
		t.Fatal("expected the sample to match")
	}
}

func TestMessageEventOpensCase(t *testing.T) {
	c := newTestAPI(t)
	tok := c.token("mod-1", "alpha", auth.RoleModerator)

	rule, err := rules.New(rules.ScopeGlobal, rules.KindSubstring, "free nitro", "", "tester",
		rules.ContextMessage)
	if err != nil {
		t.Fatalf("new rule: %v", err)
	}
	rule.ID = "r1"
	if err := c.rules.Add(context.Background(), rule); err != nil {
		t.Fatalf("add rule: %v", err)
	}

	resp := c.post("/v1/platform/message", map[string]any{
		"message_id":   "m1",
		"author_id":    "user-5",
		"community_id": "alpha",
		"username":     "suspect",
		"text":         "click here for FREE NITRO",
	}, tok)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		Flagged bool `json:"flagged"`
	}
	decodeBody(t, resp, &out)
	if !out.Flagged {
		t.Fatal("expected the message to be flagged")
	}
	if calls := c.fake.CallsTo("SendAlert"); len(calls) != 1 {
		t.Fatalf("SendAlert calls = %d, want 1", len(calls))
	}
	if calls := c.fake.CallsTo("DeleteMessage"); len(calls) != 1 || calls[0].UserID != "m1" {
		t.Fatalf("flagged message not deleted: %+v", calls)
	}

	resp = c.get("/v1/moderation/cases", nil, tok)
	var cases struct {
		Items []workflow.Case `json:"items"`
	}
	decodeBody(t, resp, &cases)
	if len(cases.Items) != 1 || cases.Items[0].SubjectID != "user-5" {
		t.Fatalf("unexpected cases: %+v", cases.Items)
	}
}

func TestAlertChoiceBanResolvesCase(t *testing.T) {
	c := newTestAPI(t)
	tok := c.token("mod-1", "alpha", auth.RoleModerator)

	rule, _ := rules.New(rules.ScopeGlobal, rules.KindSubstring, "free nitro", "", "tester",
		rules.ContextMessage)
	rule.ID = "r1"
	if err := c.rules.Add(context.Background(), rule); err != nil {
		t.Fatalf("add rule: %v", err)
	}
	resp := c.post("/v1/platform/message", map[string]any{
		"message_id": "m1", "author_id": "user-5",
		"community_id": "alpha", "text": "free nitro here",
	}, tok)
	resp.Body.Close()

	resp = c.post("/v1/moderation/alerts", map[string]any{
		"subject_id": "user-5",
		"choice":     "ban",
	}, tok)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("choice status = %d, want 200", resp.StatusCode)
	}

	sub, err := c.svc.GetSubject(context.Background(), "user-5")
	if err != nil {
		t.Fatalf("get subject: %v", err)
	}
	if sub.Status != ledger.StatusBanned {
		t.Fatalf("subject status = %s, want banned", sub.Status)
	}
}

func TestAlertChoiceWithoutCase(t *testing.T) {
	c := newTestAPI(t)
	tok := c.token("mod-1", "alpha", auth.RoleModerator)

	resp := c.post("/v1/moderation/alerts", map[string]any{
		"subject_id": "nobody",
		"choice":     "ignore",
	}, tok)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestAuditEventRecordsExternalBan(t *testing.T) {
	c := newTestAPI(t)
	tok := c.token("mod-1", "alpha", auth.RoleModerator)

	resp := c.post("/v1/platform/audit", map[string]any{
		"actor_id":     "mod-native",
		"target_id":    "user-7",
		"community_id": "alpha",
		"action":       "ban",
		"reason":       "banned in the native mod UI",
	}, tok)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		Result  string `json:"result"`
		Version uint64 `json:"version"`
	}
	decodeBody(t, resp, &out)
	if out.Result != "accepted" || out.Version != 1 {
		t.Fatalf("unexpected response: %+v", out)
	}
}

func TestScanLifecycle(t *testing.T) {
	c := newTestAPI(t)
	tok := c.token("mod-1", "alpha", auth.RoleModerator)
	c.fake.SetMembers("alpha", []platform.Member{
		{UserID: "u1", Username: "clean"},
	})

	resp := c.post("/v1/moderation/scan", nil, tok)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start status = %d, want 202", resp.StatusCode)
	}
	resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp = c.get("/v1/moderation/scan", nil, tok)
		var p scan.Progress
		decodeBody(t, resp, &p)
		if !p.Running && p.Total == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("scan did not finish")
}

func TestSubjectNotFound(t *testing.T) {
	c := newTestAPI(t)
	tok := c.token("mod-1", "alpha", auth.RoleModerator)

	resp := c.get("/v1/subjects/unknown", nil, tok)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStatsRequireRole(t *testing.T) {
	c := newTestAPI(t)
	peerTok := c.token("node-beta", "beta", auth.RolePeer)

	resp := c.get("/v1/stats", nil, peerTok)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestStatsCountBans(t *testing.T) {
	c := newTestAPI(t)
	tok := c.token("mod-1", "alpha", auth.RoleModerator)

	resp := c.post("/v1/moderation/ban", map[string]any{
		"subject_id": "user-1", "reason": "spam",
	}, tok)
	resp.Body.Close()

	resp = c.get("/v1/stats", nil, tok)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var stats ledger.Stats
	decodeBody(t, resp, &stats)
	if stats.TotalBans != 1 {
		t.Fatalf("TotalBans = %d, want 1", stats.TotalBans)
	}
}
