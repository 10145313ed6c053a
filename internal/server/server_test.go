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

	"flowline/internal/apikey"
	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/engine"
	"flowline/internal/migrate"
	"flowline/internal/repo"
	"flowline/internal/server"
)

type testServer struct {
	BaseURL string
	Key     string
	Engine  *engine.Engine
	Repo    repo.Repo
	Client  *http.Client
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	project := &config.Project{
		EntryPoints: []string{"default"},
		Configuration: map[string]any{
			"arguments": map[string]any{"region": "us"},
		},
	}
	if err := r.UpsertProject(ctx, "proj-1", project); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	cfg := &config.Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate config: %v", err)
	}
	eng := engine.New(conn, cfg)
	authority := apikey.New(r)
	key, _, err := authority.Issue(ctx, nil, "admin")
	if err != nil {
		t.Fatalf("issue key: %v", err)
	}
	handler, err := server.New(server.Config{
		Engine:      eng,
		Authority:   authority,
		TokenSecret: "test-secret",
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return testServer{
		BaseURL: "http://" + ln.Addr().String() + "/v1",
		Key:     key,
		Engine:  eng,
		Repo:    r,
		Client:  &http.Client{},
	}
}

func doJSON(t *testing.T, ts testServer, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := ts.Client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, raw
}

func (ts testServer) auth() map[string]string {
	return map[string]string{"X-Api-Key": ts.Key}
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return v
}

func errorCode(t *testing.T, raw []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		t.Fatalf("decode error %s: %v", raw, err)
	}
	return envelope.Error.Code
}

func (ts testServer) enqueue(t *testing.T) server.ProcessResponse {
	t.Helper()
	resp, raw := doJSON(t, ts, http.MethodPost, ts.BaseURL+"/processes", map[string]any{
		"project":     "proj-1",
		"entry_point": "default",
	}, ts.auth())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("enqueue: status %d: %s", resp.StatusCode, raw)
	}
	return decode[server.ProcessResponse](t, raw)
}

func (ts testServer) pull(t *testing.T) server.PullResponse {
	t.Helper()
	resp, raw := doJSON(t, ts, http.MethodPost, ts.BaseURL+"/queue/pull", map[string]any{}, ts.auth())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pull: status %d: %s", resp.StatusCode, raw)
	}
	return decode[server.PullResponse](t, raw)
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	resp, raw := doJSON(t, ts, http.MethodGet, ts.BaseURL+"/processes", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", resp.StatusCode, raw)
	}
	if code := errorCode(t, raw); code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %q", code)
	}

	// health stays open
	resp, raw = doJSON(t, ts, http.MethodGet, ts.BaseURL+"/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: expected 200, got %d: %s", resp.StatusCode, raw)
	}

	// bearer form works too
	resp, _ = doJSON(t, ts, http.MethodGet, ts.BaseURL+"/processes", nil, map[string]string{
		"Authorization": "Bearer " + ts.Key,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer auth: expected 200, got %d", resp.StatusCode)
	}
}

func TestProcessLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	p := ts.enqueue(t)
	if p.Status != "starting" {
		t.Fatalf("expected starting, got %s", p.Status)
	}

	pulled := ts.pull(t)
	if pulled.Instance == nil || pulled.Instance.ID != p.ID {
		t.Fatalf("expected to pull %s, got %+v", p.ID, pulled)
	}
	if pulled.Lease == nil || pulled.Lease.OwnerID != "admin" {
		t.Fatalf("expected lease for admin, got %+v", pulled.Lease)
	}
	if pulled.ProcessToken == "" {
		t.Fatalf("expected process token")
	}
	if pulled.MergedConfig["arguments"].(map[string]any)["region"] != "us" {
		t.Fatalf("expected merged config, got %+v", pulled.MergedConfig)
	}

	resp, raw := doJSON(t, ts, http.MethodPost, ts.BaseURL+"/processes/"+p.ID+"/heartbeat", nil, ts.auth())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat: status %d: %s", resp.StatusCode, raw)
	}
	lease := decode[server.LeaseResponse](t, raw)
	if lease.InstanceID != p.ID {
		t.Fatalf("unexpected lease: %+v", lease)
	}

	resp, raw = doJSON(t, ts, http.MethodPost, ts.BaseURL+"/processes/"+p.ID+"/status", map[string]any{
		"status": "finished",
	}, ts.auth())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("report: status %d: %s", resp.StatusCode, raw)
	}
	final := decode[server.ProcessResponse](t, raw)
	if final.Status != "finished" || final.LeaseOwner != nil {
		t.Fatalf("unexpected final state: %+v", final)
	}

	// the audit trail recorded the whole arc
	resp, raw = doJSON(t, ts, http.MethodGet, ts.BaseURL+"/events?project=proj-1", nil, ts.auth())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events: status %d: %s", resp.StatusCode, raw)
	}
	events := decode[[]server.EventResponse](t, raw)
	types := map[string]bool{}
	for _, ev := range events {
		types[ev.Type] = true
	}
	for _, want := range []string{"process.enqueued", "process.claimed", "process.finished"} {
		if !types[want] {
			t.Fatalf("missing event %s in %v", want, types)
		}
	}
}

func TestPullEmptyQueue(t *testing.T) {
	ts := newTestServer(t)
	pulled := ts.pull(t)
	if pulled.Instance != nil || pulled.ProcessToken != "" {
		t.Fatalf("expected empty pull, got %+v", pulled)
	}
}

func TestKvScopedToInstance(t *testing.T) {
	ts := newTestServer(t)
	ts.enqueue(t)
	ts.enqueue(t)
	first := ts.pull(t)
	second := ts.pull(t)
	if first.Instance.ID == second.Instance.ID {
		t.Fatalf("expected two distinct instances")
	}

	withToken := func(token string) map[string]string {
		h := ts.auth()
		h["X-Process-Token"] = token
		return h
	}

	resp, raw := doJSON(t, ts, http.MethodPut, ts.BaseURL+"/kv/checkpoint", map[string]any{
		"value": "step-3",
	}, withToken(first.ProcessToken))
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("kv put: status %d: %s", resp.StatusCode, raw)
	}

	resp, raw = doJSON(t, ts, http.MethodGet, ts.BaseURL+"/kv/checkpoint", nil, withToken(first.ProcessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("kv get: status %d: %s", resp.StatusCode, raw)
	}
	entry := decode[server.KvValueResponse](t, raw)
	if entry.Value != "step-3" {
		t.Fatalf("unexpected value: %+v", entry)
	}

	// a different instance's token sees its own namespace
	resp, _ = doJSON(t, ts, http.MethodGet, ts.BaseURL+"/kv/checkpoint", nil, withToken(second.ProcessToken))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-scope read: expected 404, got %d", resp.StatusCode)
	}

	// garbage and missing tokens are rejected outright
	resp, raw = doJSON(t, ts, http.MethodGet, ts.BaseURL+"/kv/checkpoint", nil, withToken("not-a-token"))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("bad token: expected 403, got %d: %s", resp.StatusCode, raw)
	}
	resp, _ = doJSON(t, ts, http.MethodGet, ts.BaseURL+"/kv/checkpoint", nil, ts.auth())
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("missing token: expected 403, got %d", resp.StatusCode)
	}
}

func TestSecretAccessRequiresGrant(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	resp, raw := doJSON(t, ts, http.MethodPut, ts.BaseURL+"/projects/proj-1/secrets/db-pass", map[string]any{
		"value": []byte("hunter2"),
	}, ts.auth())
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("ungranted put: expected 403, got %d: %s", resp.StatusCode, raw)
	}
	if code := errorCode(t, raw); code != "forbidden" {
		t.Fatalf("expected forbidden code, got %q", code)
	}

	if err := ts.Repo.GrantSecretRead(ctx, "proj-1", "admin"); err != nil {
		t.Fatalf("grant: %v", err)
	}

	resp, raw = doJSON(t, ts, http.MethodPut, ts.BaseURL+"/projects/proj-1/secrets/db-pass", map[string]any{
		"value": []byte("hunter2"),
	}, ts.auth())
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("put: status %d: %s", resp.StatusCode, raw)
	}

	resp, raw = doJSON(t, ts, http.MethodGet, ts.BaseURL+"/projects/proj-1/secrets/db-pass", nil, ts.auth())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: status %d: %s", resp.StatusCode, raw)
	}
	secret := decode[server.SecretResponse](t, raw)
	if string(secret.Value) != "hunter2" {
		t.Fatalf("unexpected secret value: %q", secret.Value)
	}

	resp, _ = doJSON(t, ts, http.MethodGet, ts.BaseURL+"/projects/proj-1/secrets/missing", nil, ts.auth())
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown secret: expected 404, got %d", resp.StatusCode)
	}

	resp, raw = doJSON(t, ts, http.MethodGet, ts.BaseURL+"/projects/proj-1/secrets", nil, ts.auth())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d: %s", resp.StatusCode, raw)
	}
	names := decode[[]string](t, raw)
	if len(names) != 1 || names[0] != "db-pass" {
		t.Fatalf("unexpected names: %v", names)
	}
}

func TestCancelRunningWithoutForce(t *testing.T) {
	ts := newTestServer(t)
	p := ts.enqueue(t)
	ts.pull(t)

	resp, raw := doJSON(t, ts, http.MethodPost, ts.BaseURL+"/processes/"+p.ID+"/cancel", map[string]any{}, ts.auth())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel: status %d: %s", resp.StatusCode, raw)
	}
	got := decode[server.ProcessResponse](t, raw)
	if got.Status != "running" {
		t.Fatalf("expected running until the owner reports, got %s", got.Status)
	}

	resp, raw = doJSON(t, ts, http.MethodPost, ts.BaseURL+"/processes/"+p.ID+"/cancel", map[string]any{
		"force": true,
	}, ts.auth())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("force cancel: status %d: %s", resp.StatusCode, raw)
	}
	got = decode[server.ProcessResponse](t, raw)
	if got.Status != "cancelled" {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
}

func TestIssueAndRevokeAPIKeyOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	resp, raw := doJSON(t, ts, http.MethodPost, ts.BaseURL+"/apikeys", map[string]any{
		"owner_id": "agent-7",
	}, ts.auth())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("issue: status %d: %s", resp.StatusCode, raw)
	}
	issued := decode[server.IssueAPIKeyResponse](t, raw)
	if issued.Key == "" || issued.OwnerID != "agent-7" {
		t.Fatalf("unexpected issue response: %+v", issued)
	}

	// the fresh key authenticates
	resp, _ = doJSON(t, ts, http.MethodGet, ts.BaseURL+"/processes", nil, map[string]string{
		"X-Api-Key": issued.Key,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fresh key: expected 200, got %d", resp.StatusCode)
	}

	resp, raw = doJSON(t, ts, http.MethodDelete, fmt.Sprintf("%s/apikeys/%s", ts.BaseURL, issued.ID), nil, ts.auth())
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke: status %d: %s", resp.StatusCode, raw)
	}

	resp, _ = doJSON(t, ts, http.MethodGet, ts.BaseURL+"/processes", nil, map[string]string{
		"X-Api-Key": issued.Key,
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key: expected 401, got %d", resp.StatusCode)
	}
}

func TestSuspendResumeOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	p := ts.enqueue(t)
	ts.pull(t)

	resp, raw := doJSON(t, ts, http.MethodPost, ts.BaseURL+"/processes/"+p.ID+"/suspend", nil, ts.auth())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("suspend: status %d: %s", resp.StatusCode, raw)
	}
	got := decode[server.ProcessResponse](t, raw)
	if got.Status != "suspended" {
		t.Fatalf("expected suspended, got %s", got.Status)
	}

	resp, raw = doJSON(t, ts, http.MethodPost, ts.BaseURL+"/processes/"+p.ID+"/resume", map[string]any{
		"args": map[string]any{"approved": true},
	}, ts.auth())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume: status %d: %s", resp.StatusCode, raw)
	}
	got = decode[server.ProcessResponse](t, raw)
	if got.Status != "starting" {
		t.Fatalf("expected starting after resume, got %s", got.Status)
	}

	pulled := ts.pull(t)
	if pulled.Instance == nil || pulled.Instance.ID != p.ID {
		t.Fatalf("expected resumed instance back in the queue, got %+v", pulled)
	}
	if pulled.Instance.ResumeArgs["approved"] != true {
		t.Fatalf("expected resume args, got %+v", pulled.Instance.ResumeArgs)
	}

	// resuming again is a conflict
	resp, raw = doJSON(t, ts, http.MethodPost, ts.BaseURL+"/processes/"+p.ID+"/resume", map[string]any{}, ts.auth())
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double resume: expected 409, got %d: %s", resp.StatusCode, raw)
	}
	if code := errorCode(t, raw); code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %q", code)
	}
}
