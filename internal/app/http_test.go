package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"lexreport/api/internal/blocks"
	"lexreport/api/internal/store"
)

func newTestServer(fs *fakeStore) (*HTTPServer, *Service) {
	svc := newTestService(fs)
	return NewHTTPServer(svc, nil, "*", zerolog.Nop()), svc
}

func tokenFor(t *testing.T, svc *Service, fs *fakeStore, id, role string) string {
	t.Helper()
	user := fs.addUser(id, "User "+id, id+"@example.com", role)
	session, err := svc.issueSession(user)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return session.Token
}

func doJSON(t *testing.T, server *HTTPServer, method, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	var payload map[string]any
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") && rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
		}
	}
	return rr, payload
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(newFakeStore())
	rr, payload := doJSON(t, server, http.MethodGet, "/api/health", "", "")
	if rr.Code != http.StatusOK || payload["ok"] != true {
		t.Fatalf("unexpected health response %d %v", rr.Code, payload)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a request id header")
	}
}

func TestReadyEndpointReportsDatabase(t *testing.T) {
	fs := newFakeStore()
	server, _ := newTestServer(fs)

	rr, payload := doJSON(t, server, http.MethodGet, "/api/ready", "", "")
	if rr.Code != http.StatusOK || payload["status"] != "ready" {
		t.Fatalf("expected ready, got %d %v", rr.Code, payload)
	}

	fs.pingFn = func(context.Context) error { return errors.New("connection refused") }
	rr, payload = doJSON(t, server, http.MethodGet, "/api/ready", "", "")
	if rr.Code != http.StatusServiceUnavailable || payload["ok"] != false {
		t.Fatalf("expected 503, got %d %v", rr.Code, payload)
	}
	checks, _ := payload["checks"].(map[string]any)
	db, _ := checks["database"].(map[string]any)
	if db["error"] != "connection refused" {
		t.Fatalf("expected database error, got %v", checks)
	}
}

func TestLoginReturnsContract(t *testing.T) {
	server, _ := newTestServer(newFakeStore())

	rr, payload := doJSON(t, server, http.MethodPost, "/api/session/login", "", `{"name":"  Avery  ","email":"avery@example.com"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	token, _ := payload["token"].(string)
	if token == "" || payload["userName"] != "Avery" || payload["userEmail"] != "avery@example.com" {
		t.Fatalf("unexpected login payload %v", payload)
	}

	rr, payload = doJSON(t, server, http.MethodGet, "/api/session", token, "")
	if rr.Code != http.StatusOK || payload["authenticated"] != true {
		t.Fatalf("expected authenticated session, got %v", payload)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	server, _ := newTestServer(newFakeStore())
	for _, token := range []string{"", "garbage.token"} {
		rr, payload := doJSON(t, server, http.MethodGet, "/api/reports/r1/sections", token, "")
		if rr.Code != http.StatusUnauthorized || payload["code"] != "UNAUTHORIZED" {
			t.Fatalf("token %q: expected 401, got %d %v", token, rr.Code, payload)
		}
	}
}

func TestRoleMatrix(t *testing.T) {
	fs := newFakeStore()
	fs.addReport("r1", "Annual")
	fs.addSection(store.Section{ID: "s1", ReportID: "r1"})
	server, svc := newTestServer(fs)

	tests := []struct {
		name    string
		method  string
		path    string
		body    string
		allowed map[string]bool
	}{
		{name: "list", method: http.MethodGet, path: "/api/reports/r1/sections", allowed: map[string]bool{"viewer": true, "editor": true, "owner": true}},
		{name: "read", method: http.MethodGet, path: "/api/sections/s1", allowed: map[string]bool{"viewer": true, "editor": true, "owner": true}},
		{name: "write", method: http.MethodPut, path: "/api/sections/s1", body: `{"contentBlocks":[]}`, allowed: map[string]bool{"editor": true, "owner": true}},
		{name: "reorder", method: http.MethodPost, path: "/api/reports/r1/sections/reorder", body: `{"sectionOrders":[{"id":"s1","orderIndex":0}]}`, allowed: map[string]bool{"editor": true, "owner": true}},
		{name: "lock", method: http.MethodPost, path: "/api/sections/s1/lock", body: `{"locked":false}`, allowed: map[string]bool{"owner": true}},
		{name: "create report", method: http.MethodPost, path: "/api/reports", body: `{"title":"New"}`, allowed: map[string]bool{"owner": true}},
	}

	for _, role := range []string{"viewer", "editor", "owner"} {
		token := tokenFor(t, svc, fs, "u-"+role, role)
		for _, tc := range tests {
			t.Run(role+"/"+tc.name, func(t *testing.T) {
				rr, payload := doJSON(t, server, tc.method, tc.path, token, tc.body)
				if tc.allowed[role] {
					if rr.Code >= 400 {
						t.Fatalf("expected success, got %d %v", rr.Code, payload)
					}
					return
				}
				if rr.Code != http.StatusForbidden || payload["code"] != "FORBIDDEN" {
					t.Fatalf("expected 403, got %d %v", rr.Code, payload)
				}
			})
		}
	}
}

func TestPutSectionRoundTrip(t *testing.T) {
	fs := newFakeStore()
	fs.addReport("r1", "Annual")
	fs.addSection(store.Section{ID: "s1", ReportID: "r1", Title: "Intro"})
	server, svc := newTestServer(fs)
	token := tokenFor(t, svc, fs, "u1", "editor")

	list := []blocks.Block{blocks.NewHeading(1, "Scope", 0), blocks.NewText("Everything.", 1)}
	body, err := json.Marshal(map[string]any{"contentBlocks": list})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	rr, payload := doJSON(t, server, http.MethodPut, "/api/sections/s1", token, string(body))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", rr.Code, payload)
	}
	if payload["userId"] != "u1" || payload["timestamp"] == nil {
		t.Fatalf("unexpected payload %v", payload)
	}

	rr, payload = doJSON(t, server, http.MethodGet, "/api/sections/s1", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	raw, err := json.Marshal(payload["contentBlocks"])
	if err != nil {
		t.Fatalf("marshal blocks: %v", err)
	}
	got, err := blocks.DecodeList(raw)
	if err != nil {
		t.Fatalf("decode blocks: %v", err)
	}
	if !blocks.EqualLists(got, list) {
		t.Fatalf("blocks did not round trip: %s", raw)
	}
}

func TestPutLockedSectionReturns423(t *testing.T) {
	fs := newFakeStore()
	fs.addReport("r1", "Annual")
	fs.addSection(store.Section{ID: "s1", ReportID: "r1", Locked: true})
	server, svc := newTestServer(fs)
	token := tokenFor(t, svc, fs, "u1", "owner")

	rr, payload := doJSON(t, server, http.MethodPut, "/api/sections/s1", token, `{"contentBlocks":[]}`)
	if rr.Code != http.StatusLocked || payload["code"] != "SECTION_LOCKED" {
		t.Fatalf("expected 423, got %d %v", rr.Code, payload)
	}

	rr, _ = doJSON(t, server, http.MethodPost, "/api/sections/s1/lock", token, `{"locked":false}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("unlock: %d", rr.Code)
	}
	rr, payload = doJSON(t, server, http.MethodPut, "/api/sections/s1", token, `{"contentBlocks":[]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected write after unlock, got %d %v", rr.Code, payload)
	}
}

func TestPutRejectsUnknownBlockType(t *testing.T) {
	fs := newFakeStore()
	fs.addReport("r1", "Annual")
	fs.addSection(store.Section{ID: "s1", ReportID: "r1"})
	server, svc := newTestServer(fs)
	token := tokenFor(t, svc, fs, "u1", "editor")

	rr, payload := doJSON(t, server, http.MethodPut, "/api/sections/s1", token, `{"contentBlocks":[{"id":"b1","type":"hologram","order":0}]}`)
	if rr.Code != http.StatusBadRequest || payload["code"] != "INVALID_BODY" {
		t.Fatalf("expected 400, got %d %v", rr.Code, payload)
	}
}

func TestRealtimeWithoutBackendIsUnavailable(t *testing.T) {
	server, _ := newTestServer(newFakeStore())
	rr, payload := doJSON(t, server, http.MethodGet, "/api/realtime", "", "")
	if rr.Code != http.StatusServiceUnavailable || payload["code"] != "REALTIME_UNAVAILABLE" {
		t.Fatalf("expected 503, got %d %v", rr.Code, payload)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server, _ := newTestServer(newFakeStore())
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "lexreport_live_connections") {
		t.Fatalf("expected prometheus output, got %d", rr.Code)
	}
}
