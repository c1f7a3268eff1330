package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"relabel/internal/db"
	"relabel/internal/domain"
	"relabel/internal/migrate"
	"relabel/internal/queue"
	"relabel/internal/repo"
	"relabel/internal/server"
)

const testSecret = "test-secret"

type testServer struct {
	*httptest.Server
	Queue queue.Queue
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
	q := queue.New(conn)

	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	seed := []domain.User{
		{ID: "alice", PasswordHash: server.HashPassword("alice-pass"), CreatedAt: now},
		{ID: "bob", PasswordHash: server.HashPassword("bob-pass"), CreatedAt: now},
		{ID: "root", PasswordHash: server.HashPassword("root-pass"), Admin: true, CreatedAt: now},
	}
	for _, u := range seed {
		if err := q.Repo.InsertUser(ctx, nil, u); err != nil {
			t.Fatalf("seed user %s: %v", u.ID, err)
		}
	}

	handler, err := server.New(server.Config{
		Queue: q,
		Auth: server.AuthConfig{
			JWTSecret: testSecret,
			TokenTTL:  time.Hour,
		},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return testServer{Server: ts, Queue: q}
}

func (ts testServer) seedItem(t *testing.T, id int64) {
	t.Helper()
	ctx := context.Background()
	tx, err := ts.Queue.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	item := domain.WorkItem{
		ID:           id,
		OriginalLine: fmt.Sprintf("S-%03d;Label: NP-24-%03d HE", id, id),
		Identifier:   fmt.Sprintf("S-%03d", id),
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	if err := ts.Queue.Repo.InsertWorkItem(ctx, tx, item); err != nil {
		t.Fatalf("seed item %d: %v", id, err)
	}
	if _, err := ts.Queue.CreateForItem(ctx, tx, id); err != nil {
		t.Fatalf("seed lease %d: %v", id, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

// doJSON issues a request and decodes the response body into out (when not
// nil). It returns the status code.
func (ts testServer) doJSON(t *testing.T, method, path, token string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (ts testServer) login(t *testing.T, username, password string) string {
	t.Helper()
	var resp struct {
		Token string `json:"token"`
	}
	status := ts.doJSON(t, http.MethodPost, "/v0/auth/login", "", map[string]string{
		"username": username,
		"password": password,
	}, &resp)
	if status != http.StatusOK {
		t.Fatalf("login %s: status %d", username, status)
	}
	if resp.Token == "" {
		t.Fatalf("login %s: empty token", username)
	}
	return resp.Token
}

type errEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestHealthIsOpen(t *testing.T) {
	ts := newTestServer(t)
	var body map[string]string
	if status := ts.doJSON(t, http.MethodGet, "/v0/health", "", nil, &body); status != http.StatusOK {
		t.Fatalf("health: status %d", status)
	}
	if body["status"] != "ok" {
		t.Fatalf("health body: %v", body)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	ts := newTestServer(t)
	for _, creds := range []map[string]string{
		{"username": "alice", "password": "wrong"},
		{"username": "nobody", "password": "whatever"},
	} {
		var envelope errEnvelope
		status := ts.doJSON(t, http.MethodPost, "/v0/auth/login", "", creds, &envelope)
		if status != http.StatusUnauthorized {
			t.Fatalf("login %v: status %d", creds, status)
		}
		if envelope.Error.Code != "invalid_credentials" {
			t.Fatalf("login %v: code %q", creds, envelope.Error.Code)
		}
	}
}

func TestEndpointsRequireAuth(t *testing.T) {
	ts := newTestServer(t)
	for _, route := range []struct {
		method, path string
	}{
		{http.MethodPost, "/v0/queue/next"},
		{http.MethodGet, "/v0/items"},
		{http.MethodGet, "/v0/me"},
	} {
		if status := ts.doJSON(t, route.method, route.path, "", nil, nil); status != http.StatusUnauthorized {
			t.Fatalf("%s %s without token: status %d", route.method, route.path, status)
		}
	}

	if status := ts.doJSON(t, http.MethodGet, "/v0/me", "not-a-jwt", nil, nil); status != http.StatusUnauthorized {
		t.Fatalf("garbage token: status %d", status)
	}
}

func TestLeaseFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ts.seedItem(t, 1)
	alice := ts.login(t, "alice", "alice-pass")
	bob := ts.login(t, "bob", "bob-pass")

	var claimed struct {
		Item  domain.WorkItem `json:"item"`
		Lease domain.Lease    `json:"lease"`
	}
	if status := ts.doJSON(t, http.MethodPost, "/v0/queue/next", alice, nil, &claimed); status != http.StatusOK {
		t.Fatalf("acquire: status %d", status)
	}
	if claimed.Item.ID != 1 || claimed.Lease.Status != domain.StatusLeased {
		t.Fatalf("unexpected claim: %+v", claimed)
	}

	// Another user cannot release alice's lease.
	var envelope errEnvelope
	if status := ts.doJSON(t, http.MethodPost, "/v0/items/1/release", bob, nil, &envelope); status != http.StatusForbidden {
		t.Fatalf("foreign release: status %d", status)
	}
	if envelope.Error.Code != "lease_ownership" {
		t.Fatalf("foreign release: code %q", envelope.Error.Code)
	}

	var version domain.Version
	status := ts.doJSON(t, http.MethodPost, "/v0/items/1/complete", alice, domain.CorrectedFields{
		AccessionID: "ABC-123",
		Stain:       "HE",
		Complete:    true,
	}, &version)
	if status != http.StatusOK {
		t.Fatalf("complete: status %d", status)
	}
	if version.Seq != 1 || version.AccessionID != "ABC-123" || version.UserID != "alice" {
		t.Fatalf("unexpected version: %+v", version)
	}

	var history []domain.Version
	if status := ts.doJSON(t, http.MethodGet, "/v0/items/1/history", bob, nil, &history); status != http.StatusOK {
		t.Fatalf("history: status %d", status)
	}
	if len(history) != 1 || history[0].Seq != 1 {
		t.Fatalf("unexpected history: %+v", history)
	}

	// The queue is drained.
	envelope = errEnvelope{}
	if status := ts.doJSON(t, http.MethodPost, "/v0/queue/next", bob, nil, &envelope); status != http.StatusNotFound {
		t.Fatalf("drained acquire: status %d", status)
	}
	if envelope.Error.Code != "no_work" {
		t.Fatalf("drained acquire: code %q", envelope.Error.Code)
	}

	var counts map[string]int
	if status := ts.doJSON(t, http.MethodGet, "/v0/queue/status", alice, nil, &counts); status != http.StatusOK {
		t.Fatalf("queue status: status %d", status)
	}
	if counts["completed"] != 1 || counts["pending"] != 0 || counts["leased"] != 0 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestCompleteValidation(t *testing.T) {
	ts := newTestServer(t)
	ts.seedItem(t, 1)
	alice := ts.login(t, "alice", "alice-pass")

	if status := ts.doJSON(t, http.MethodPost, "/v0/queue/next", alice, nil, nil); status != http.StatusOK {
		t.Fatalf("acquire: status %d", status)
	}

	// Marking complete without the key fields is rejected.
	var envelope errEnvelope
	status := ts.doJSON(t, http.MethodPost, "/v0/items/1/complete", alice, domain.CorrectedFields{
		Complete: true,
	}, &envelope)
	if status != http.StatusBadRequest {
		t.Fatalf("incomplete fields: status %d", status)
	}

	// The lease survives the rejected submission.
	var lease domain.Lease
	if status := ts.doJSON(t, http.MethodGet, "/v0/me/lease", alice, nil, &lease); status != http.StatusOK {
		t.Fatalf("me/lease: status %d", status)
	}
	if lease.WorkItemID != 1 || lease.Status != domain.StatusLeased {
		t.Fatalf("lease lost after rejected complete: %+v", lease)
	}

	// Completing a pending item conflicts.
	ts.seedItem(t, 2)
	envelope = errEnvelope{}
	status = ts.doJSON(t, http.MethodPost, "/v0/items/2/complete", alice, domain.CorrectedFields{
		AccessionID: "A", Stain: "HE",
	}, &envelope)
	if status != http.StatusConflict || envelope.Error.Code != "not_leased" {
		t.Fatalf("pending complete: status %d code %q", status, envelope.Error.Code)
	}
}

func TestUserAdminEndpoints(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.login(t, "alice", "alice-pass")
	root := ts.login(t, "root", "root-pass")

	newUser := map[string]any{"username": "carol", "password": "carol-pass"}

	if status := ts.doJSON(t, http.MethodPost, "/v0/users", alice, newUser, nil); status != http.StatusForbidden {
		t.Fatalf("non-admin create user: status %d", status)
	}
	if status := ts.doJSON(t, http.MethodGet, "/v0/users", alice, nil, nil); status != http.StatusForbidden {
		t.Fatalf("non-admin list users: status %d", status)
	}

	var created domain.User
	if status := ts.doJSON(t, http.MethodPost, "/v0/users", root, newUser, &created); status != http.StatusCreated {
		t.Fatalf("create user: status %d", status)
	}
	if created.ID != "carol" || created.Admin {
		t.Fatalf("unexpected created user: %+v", created)
	}

	if status := ts.doJSON(t, http.MethodPost, "/v0/users", root, newUser, nil); status != http.StatusConflict {
		t.Fatalf("duplicate user: status %d", status)
	}

	var users []domain.User
	if status := ts.doJSON(t, http.MethodGet, "/v0/users", root, nil, &users); status != http.StatusOK {
		t.Fatalf("list users: status %d", status)
	}
	if len(users) != 4 {
		t.Fatalf("expected 4 users, got %d", len(users))
	}

	// The new account can log in and see itself.
	carol := ts.login(t, "carol", "carol-pass")
	var me domain.User
	if status := ts.doJSON(t, http.MethodGet, "/v0/me", carol, nil, &me); status != http.StatusOK {
		t.Fatalf("me: status %d", status)
	}
	if me.ID != "carol" {
		t.Fatalf("unexpected me: %+v", me)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	ts := newTestServer(t)
	ts.seedItem(t, 1)

	ctx := context.Background()
	secret := "rlk_test_secret_value"
	err := ts.Queue.Repo.InsertAPIKey(ctx, nil, domain.APIKey{
		ID:        "key-1",
		UserID:    "alice",
		Name:      "scanner",
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v0/queue/next", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-API-Key", secret)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("acquire with api key: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("acquire with api key: status %d", resp.StatusCode)
	}

	var claimed struct {
		Lease domain.Lease `json:"lease"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&claimed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if claimed.Lease.LeasedBy == nil || *claimed.Lease.LeasedBy != "alice" {
		t.Fatalf("api key did not resolve to alice: %+v", claimed.Lease)
	}
}
