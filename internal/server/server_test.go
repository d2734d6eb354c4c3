package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"servline/internal/config"
	"servline/internal/db"
	"servline/internal/domain"
	"servline/internal/engine"
	"servline/internal/migrate"
	"servline/internal/repo"
)

type testServer struct {
	URL    string
	Engine *engine.Engine
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
	e := engine.New(conn, config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth: AuthConfig{
			JWTSecret:             "test-secret",
			AllowLegacyUserHeader: true,
			EnableDevLogin:        true,
		},
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
		Engine: e,
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

type testEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func decodeEnvelope(t *testing.T, data []byte) testEnvelope {
	t.Helper()
	var env testEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v (%s)", err, string(data))
	}
	return env
}

func asUser(user string) map[string]string {
	return map[string]string{"X-User-Id": user}
}

func requestBody() map[string]any {
	date := time.Now().AddDate(0, 0, 7).Format("2006-01-02")
	return map[string]any{
		"fulfillerId": "bob",
		"category":    "plumbing",
		"title":       "Fix kitchen sink",
		"description": "The kitchen sink has been leaking for a week.",
		"location": map[string]any{
			"street": "123 Main St",
			"city":   "Springfield",
			"state":  "IL",
		},
		"requestedDate": date,
	}
}

func createRequest(t *testing.T, srv *testServer) RequestResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/requests", requestBody(), asUser("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	env := decodeEnvelope(t, data)
	if !env.Success {
		t.Fatalf("create envelope not successful: %s", string(data))
	}
	var req RequestResponse
	if err := json.Unmarshal(env.Data, &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	return req
}

func TestRequestLifecycleHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	req := createRequest(t, srv)
	if req.Status != "pending" {
		t.Fatalf("expected pending, got %s", req.Status)
	}
	if req.RequesterID != "alice" {
		t.Fatalf("requester should come from the principal, got %s", req.RequesterID)
	}

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v1/requests/"+req.ID+"/accept", map[string]any{
		"negotiatedPrice": 120,
	}, asUser("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept status %d: %s", res.StatusCode, string(data))
	}
	env := decodeEnvelope(t, data)
	var accepted RequestResponse
	_ = json.Unmarshal(env.Data, &accepted)
	if accepted.Status != "accepted" {
		t.Fatalf("expected accepted, got %s", accepted.Status)
	}
	if accepted.NegotiatedPrice == nil || *accepted.NegotiatedPrice != 120 {
		t.Fatalf("expected negotiated price 120, got %v", accepted.NegotiatedPrice)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/requests/"+req.ID+"/start", nil, asUser("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/requests/"+req.ID+"/complete", nil, asUser("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	env = decodeEnvelope(t, data)
	var completed RequestResponse
	_ = json.Unmarshal(env.Data, &completed)
	if completed.Status != "completed" {
		t.Fatalf("expected completed, got %s", completed.Status)
	}

	// audit trail for the whole walk
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/requests/"+req.ID+"/events", nil, asUser("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	env = decodeEnvelope(t, data)
	var events []EventResponse
	_ = json.Unmarshal(env.Data, &events)
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d: %s", len(events), string(data))
	}
}

func TestUnauthorized(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/requests", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeEnvelope(t, data)
	if env.Success {
		t.Fatalf("error envelope should not be successful: %s", string(data))
	}
	if env.Message == "" {
		t.Fatalf("expected message in error envelope")
	}
}

func TestValidationErrorHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	body := requestBody()
	body["title"] = "abc"
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/requests", body, asUser("alice"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeEnvelope(t, data)
	if env.Success || !strings.Contains(env.Message, "title") {
		t.Fatalf("expected title validation message, got %s", string(data))
	}
}

func TestForbiddenHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	req := createRequest(t, srv)

	// requester cannot accept
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/requests/"+req.ID+"/accept", map[string]any{}, asUser("alice"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}

	// outsider cannot cancel
	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/requests/"+req.ID+"/cancel", map[string]any{
		"reason": "not my request anyway",
	}, asUser("carol"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for outsider, got %d: %s", res.StatusCode, string(data))
	}
}

func TestNotFoundHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/requests/nope", nil, asUser("alice"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
}

func TestConflictHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	req := createRequest(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/requests/"+req.ID+"/accept", map[string]any{}, asUser("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/requests/"+req.ID+"/reject", map[string]any{
		"reason": "too far",
	}, asUser("bob"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
}

func TestListFilterHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	req := createRequest(t, srv)
	createRequest(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/requests/"+req.ID+"/accept", map[string]any{}, asUser("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/requests?status=accepted", nil, asUser("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	env := decodeEnvelope(t, data)
	var items []RequestResponse
	_ = json.Unmarshal(env.Data, &items)
	if len(items) != 1 || items[0].ID != req.ID {
		t.Fatalf("expected only the accepted request, got %s", string(data))
	}

	// outsider sees nothing
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/requests", nil, asUser("carol"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	env = decodeEnvelope(t, data)
	items = nil
	_ = json.Unmarshal(env.Data, &items)
	if len(items) != 0 {
		t.Fatalf("expected empty list for outsider, got %s", string(data))
	}
}

func TestDevLoginAndMe(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"userId": "zed",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	env := decodeEnvelope(t, data)
	var login DevLoginResponse
	if err := json.Unmarshal(env.Data, &login); err != nil || login.Token == "" {
		t.Fatalf("expected token, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	env = decodeEnvelope(t, data)
	var who WhoAmIResponse
	_ = json.Unmarshal(env.Data, &who)
	if who.UserID != "zed" || who.Source != "jwt" {
		t.Fatalf("unexpected principal: %s", string(data))
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	raw := "sk-test-key"
	err := srv.Engine.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID:        "key-1",
		UserID:    "alice",
		Name:      "test",
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: "2026-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("insert key: %v", err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"X-Api-Key": raw,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	env := decodeEnvelope(t, data)
	var who WhoAmIResponse
	_ = json.Unmarshal(env.Data, &who)
	if who.UserID != "alice" || who.Source != "api_key" {
		t.Fatalf("unexpected principal: %s", string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"X-Api-Key": "wrong",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad key, got %d: %s", res.StatusCode, string(data))
	}
}

func TestHealthNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestOpenAPIConcurrent(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	const workers = 8
	var wg sync.WaitGroup
	bodies := make([][]byte, workers)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, asUser("alice"))
			if res.StatusCode != http.StatusOK {
				t.Errorf("openapi status %d", res.StatusCode)
				return
			}
			bodies[i] = data
		}(i)
	}
	wg.Wait()

	for i, body := range bodies {
		if !bytes.Equal(body, bodies[0]) {
			t.Fatalf("response %d differs from first", i)
		}
	}
	if !strings.Contains(string(bodies[0]), "/v1/requests") {
		t.Fatalf("spec missing request paths: %.200s", string(bodies[0]))
	}
}
