package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/rs/zerolog"

	"draftgate/internal/db"
	"draftgate/internal/engine"
	"draftgate/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              "test-secret",
			AllowDevLogin:          true,
			AllowLegacyActorHeader: true,
		},
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asUser(user string) map[string]string {
	return map[string]string{"X-User-Id": user}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func seedReviewConfig(t *testing.T, srv *testServer) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/configs/article", map[string]any{
		"requires_approval": true,
	}, asUser("admin"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("seed config: %d %s", res.StatusCode, string(data))
	}
}

func createWorkflow(t *testing.T, srv *testServer, user string) WorkflowResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/workflows", map[string]any{
		"entity_type": "article",
		"operation":   "create",
		"payload":     map[string]any{"title": "Hello"},
	}, asUser(user))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create workflow: %d %s", res.StatusCode, string(data))
	}
	var w WorkflowResponse
	if err := json.Unmarshal(data, &w); err != nil {
		t.Fatalf("unmarshal workflow: %v", err)
	}
	return w
}

func TestUnauthenticated(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/workflows", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
}

func TestWorkflowLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedReviewConfig(t, srv)
	client := srv.Client()

	w := createWorkflow(t, srv, "alice")
	if w.Status != "draft" {
		t.Fatalf("expected draft, got %s", w.Status)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/"+w.ID+"/submit", nil, asUser("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}
	var submitted WorkflowResponse
	_ = json.Unmarshal(data, &submitted)
	if submitted.Status != "pending_review" {
		t.Fatalf("expected pending_review, got %s", submitted.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/"+w.ID+"/claim", nil, asUser("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/"+w.ID+"/approve", map[string]any{
		"comment": "ship it",
	}, asUser("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}
	var approved WorkflowResponse
	_ = json.Unmarshal(data, &approved)
	if approved.Status != "approved" {
		t.Fatalf("expected approved, got %s", approved.Status)
	}
	if approved.AssignedTo != nil {
		t.Fatalf("expected assignment cleared")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/workflows/"+w.ID+"/history", nil, asUser("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history: %d %s", res.StatusCode, string(data))
	}
	var history []ApprovalResponse
	if err := json.Unmarshal(data, &history); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(history) != 1 || history[0].Action != "approve" {
		t.Fatalf("expected single approve record, got %+v", history)
	}
}

func TestDecisionWithoutBody(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedReviewConfig(t, srv)
	client := srv.Client()

	// submit, claim and a comment-less approve all carry no request body
	w := createWorkflow(t, srv, "alice")
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/"+w.ID+"/submit", nil, asUser("alice")); res.StatusCode != http.StatusOK {
		t.Fatalf("body-less submit: %d %s", res.StatusCode, string(data))
	}
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/"+w.ID+"/claim", nil, asUser("bob")); res.StatusCode != http.StatusOK {
		t.Fatalf("body-less claim: %d %s", res.StatusCode, string(data))
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/"+w.ID+"/approve", nil, asUser("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("body-less approve: %d %s", res.StatusCode, string(data))
	}
	var approved WorkflowResponse
	if err := json.Unmarshal(data, &approved); err != nil {
		t.Fatalf("unmarshal workflow: %v", err)
	}
	if approved.Status != "approved" {
		t.Fatalf("expected approved, got %s", approved.Status)
	}
}

func TestClaimConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedReviewConfig(t, srv)
	client := srv.Client()

	w := createWorkflow(t, srv, "alice")
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/"+w.ID+"/submit", nil, asUser("alice")); res.StatusCode != http.StatusOK {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/"+w.ID+"/claim", nil, asUser("bob")); res.StatusCode != http.StatusOK {
		t.Fatalf("first claim: %d %s", res.StatusCode, string(data))
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/"+w.ID+"/claim", nil, asUser("carol"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "state_conflict" {
		t.Fatalf("expected state_conflict, got %s", code)
	}
}

func TestRejectRequiresComment(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedReviewConfig(t, srv)
	client := srv.Client()

	w := createWorkflow(t, srv, "alice")
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/"+w.ID+"/submit", nil, asUser("alice"))
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/"+w.ID+"/claim", nil, asUser("bob"))

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/"+w.ID+"/reject", map[string]any{}, asUser("bob"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "validation_failed" {
		t.Fatalf("expected validation_failed, got %s", code)
	}
}

func TestForbiddenActor(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedReviewConfig(t, srv)
	client := srv.Client()

	w := createWorkflow(t, srv, "alice")
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/"+w.ID+"/submit", nil, asUser("mallory"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "forbidden" {
		t.Fatalf("expected forbidden, got %s", code)
	}
}

func TestListWorkflowsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedReviewConfig(t, srv)
	client := srv.Client()

	for i := 0; i < 3; i++ {
		createWorkflow(t, srv, "alice")
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/workflows?limit=2&page=1", nil, asUser("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, string(data))
	}
	var page paginatedWorkflows
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if page.Total != 3 {
		t.Fatalf("expected total 3, got %d", page.Total)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(page.Items))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/workflows?status=approved", nil, asUser("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("filtered list: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &page)
	if page.Total != 0 {
		t.Fatalf("expected no approved workflows, got %d", page.Total)
	}
}

func TestDevLoginAndJWT(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"user_id": "alice",
		"roles":   []string{"editor_in_chief"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	if login.Token == "" {
		t.Fatalf("expected token")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var me MeResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.UserID != "alice" || me.Source != "jwt" {
		t.Fatalf("unexpected principal: %+v", me)
	}
	if len(me.Roles) != 1 || me.Roles[0] != "editor_in_chief" {
		t.Fatalf("roles not carried in token: %+v", me.Roles)
	}
}
