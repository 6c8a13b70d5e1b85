package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	appconfig "marketflow/config"
	"marketflow/questdb"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer(appconfig.DashboardConfig{Enabled: true, Address: ":0"}, "marketflow-test")
	if s == nil {
		t.Fatal("expected server when dashboard is enabled")
	}
	return s
}

func TestNewServerDisabled(t *testing.T) {
	if s := NewServer(appconfig.DashboardConfig{Enabled: false}, "x"); s != nil {
		t.Fatal("expected nil server when dashboard is disabled")
	}

	// Every method must be a safe no-op on the nil server.
	var s *Server
	s.RegisterStats("w", nil)
	s.SetConnectedProbe(nil)
	if got := s.Address(); got != "" {
		t.Errorf("unexpected address: %s", got)
	}
}

func TestHealthz(t *testing.T) {
	s := testServer(t)
	s.SetConnectedProbe(func() bool { return true })

	rec := httptest.NewRecorder()
	s.buildRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["app"] != "marketflow-test" {
		t.Errorf("unexpected app name: %v", body["app"])
	}
	if body["questdb"] != true {
		t.Errorf("expected questdb up: %v", body["questdb"])
	}
}

func TestHealthzDatabaseDown(t *testing.T) {
	s := testServer(t)
	s.SetConnectedProbe(func() bool { return false })

	rec := httptest.NewRecorder()
	s.buildRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	s := testServer(t)
	s.RegisterStats("queued", StatsFunc(func() questdb.Stats {
		return questdb.Stats{
			QueueDepth: 3,
			Enqueued:   100,
			Dropped:    5,
			Flushed:    92,
			Batches:    10,
			LastFlush:  12 * time.Millisecond,
		}
	}))

	rec := httptest.NewRecorder()
	s.buildRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Writers map[string]map[string]interface{} `json:"writers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	stats, ok := body.Writers["queued"]
	if !ok {
		t.Fatalf("missing queued writer stats: %v", body.Writers)
	}
	if stats["dropped"] != float64(5) {
		t.Errorf("unexpected dropped count: %v", stats["dropped"])
	}
	if stats["last_flush"] != "12ms" {
		t.Errorf("unexpected last flush: %v", stats["last_flush"])
	}
}

func TestNormalizeAddress(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "0.0.0.0:8080"},
		{":9090", "0.0.0.0:9090"},
		{"localhost", "localhost:8080"},
		{"10.0.0.1:8081", "10.0.0.1:8081"},
		{"*:8080", "0.0.0.0:8080"},
	}
	for _, c := range cases {
		if got := normalizeAddress(c.in); got != c.want {
			t.Errorf("normalizeAddress(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
