package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/ritual/internal/store"
	"github.com/hyperengineering/ritual/internal/types"
)

const testAPIKey = "test-key-123"

func newTestServer(t *testing.T) (*httptest.Server, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	h := NewHandler(st, testAPIKey, "test")
	srv := httptest.NewServer(NewRouter(h))
	t.Cleanup(srv.Close)
	return srv, st
}

func doRequest(t *testing.T, method, url string, body string, authed bool) *http.Response {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+testAPIKey)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func TestHealthIsPublic(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "healthy" {
		t.Errorf("status = %q", health.Status)
	}
}

func TestLogsRequireAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, http.MethodGet, srv.URL+"/api/v1/logs?type=morning&date=2025-08-26", "", false)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("content type = %q, want problem+json", ct)
	}
}

func TestUpsertThenGetRoundtrip(t *testing.T) {
	srv, _ := newTestServer(t)

	body := `{"user_id":"user-1","ritual_type":"morning","date_key":"2025-08-26","payload":{"mood":"good"}}`
	resp := doRequest(t, http.MethodPost, srv.URL+"/api/v1/logs", body, true)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upsert status = %d, want 200", resp.StatusCode)
	}

	var stored types.Completion
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stored.RecordedAt.IsZero() {
		t.Error("server must stamp the canonical timestamp")
	}
	if time.Since(stored.RecordedAt) > time.Minute {
		t.Errorf("recorded_at = %v, want server-side now", stored.RecordedAt)
	}

	getResp := doRequest(t, http.MethodGet, srv.URL+"/api/v1/logs?type=morning&date=2025-08-26", "", true)
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", getResp.StatusCode)
	}
}

func TestUpsertIsIdempotentPerKey(t *testing.T) {
	srv, st := newTestServer(t)

	for _, payload := range []string{`{"v":1}`, `{"v":2}`} {
		body := `{"user_id":"user-1","ritual_type":"evening","date_key":"2025-08-26","payload":` + payload + `}`
		resp := doRequest(t, http.MethodPost, srv.URL+"/api/v1/logs", body, true)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("upsert status = %d", resp.StatusCode)
		}
	}

	list, err := st.ListCompletions(context.Background(), types.RitualEvening, "2025-01-01", "2025-12-31")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("upsert must replace, not append: %d rows", len(list))
	}
	if string(list[0].Payload) != `{"v":2}` {
		t.Errorf("payload = %s, want superseding write", list[0].Payload)
	}
}

func TestGetLogMissingReturns404(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, http.MethodGet, srv.URL+"/api/v1/logs?type=morning&date=2025-08-26", "", true)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestUpsertValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{broken`, http.StatusBadRequest},
		{"unknown ritual", `{"ritual_type":"nap","date_key":"2025-08-26"}`, http.StatusUnprocessableEntity},
		{"day key for weekly ritual", `{"ritual_type":"weekly-start","date_key":"2025-08-26"}`, http.StatusUnprocessableEntity},
		{"week key for daily ritual", `{"ritual_type":"morning","date_key":"2025-W35"}`, http.StatusUnprocessableEntity},
		{"string payload accepted", `{"ritual_type":"morning","date_key":"2025-08-26","payload":"free text"}`, http.StatusOK},
		{"week key accepted for weekly", `{"ritual_type":"weekly-review","date_key":"2025-W35"}`, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, http.MethodPost, srv.URL+"/api/v1/logs", tt.body, true)
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestListRangeValidatesAndOrders(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, day := range []string{"2025-08-26", "2025-08-24", "2025-08-25"} {
		body := `{"ritual_type":"morning","date_key":"` + day + `"}`
		resp := doRequest(t, http.MethodPost, srv.URL+"/api/v1/logs", body, true)
		resp.Body.Close()
	}

	resp := doRequest(t, http.MethodGet, srv.URL+"/api/v1/logs/range?type=morning&from=2025-08-24&to=2025-08-26", "", true)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var list []types.Completion
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("rows = %d, want 3", len(list))
	}
	for i, want := range []string{"2025-08-24", "2025-08-25", "2025-08-26"} {
		if list[i].DateKey != want {
			t.Errorf("list[%d] = %s, want %s", i, list[i].DateKey, want)
		}
	}

	bad := doRequest(t, http.MethodGet, srv.URL+"/api/v1/logs/range?type=morning&from=2025-08-26&to=2025-08-24", "", true)
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("inverted range status = %d, want 400", bad.StatusCode)
	}
}

func TestListRangeEmptyIsArrayNotNull(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, http.MethodGet, srv.URL+"/api/v1/logs/range?type=morning&from=2025-08-01&to=2025-08-31", "", true)
	defer resp.Body.Close()

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if strings.TrimSpace(string(raw)) != "[]" {
		t.Errorf("empty range = %s, want []", raw)
	}
}
