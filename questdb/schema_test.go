package questdb

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestEnsureTables(t *testing.T) {
	var mu sync.Mutex
	var queries []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries = append(queries, r.URL.Query().Get("query"))
		mu.Unlock()
	}))
	defer ts.Close()

	srv := newILPServer(t)
	session := NewSession(sessionConfig(srv.port(), httpPortOf(t, ts)))
	defer session.Close()

	if err := EnsureTables(context.Background(), session); err != nil {
		t.Fatalf("EnsureTables failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(queries) != 4 {
		t.Fatalf("expected 4 schema statements, got %d", len(queries))
	}

	checks := []struct {
		idx  int
		want []string
	}{
		{0, []string{"CREATE TABLE IF NOT EXISTS trades", "TIMESTAMP_NS", "PARTITION BY DAY WAL"}},
		{1, []string{"CREATE TABLE IF NOT EXISTS orderbooks", "bids DOUBLE[][]", "asks DOUBLE[][]", "PARTITION BY HOUR WAL"}},
		{2, []string{"ALTER TABLE orderbooks SET TTL 1 HOURS"}},
		{3, []string{"CREATE MATERIALIZED VIEW IF NOT EXISTS orderbooks_1s", "SAMPLE BY 1s", "last(bids)"}},
	}
	for _, c := range checks {
		for _, want := range c.want {
			if !strings.Contains(queries[c.idx], want) {
				t.Errorf("statement %d missing %q:\n%s", c.idx, want, queries[c.idx])
			}
		}
	}
}

func TestEnsureTablesToleratesAlreadyConfigured(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("query")
		if strings.HasPrefix(query, "ALTER TABLE") {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"query":"","error":"TTL already set","position":0}`))
			return
		}
	}))
	defer ts.Close()

	srv := newILPServer(t)
	session := NewSession(sessionConfig(srv.port(), httpPortOf(t, ts)))
	defer session.Close()

	if err := EnsureTables(context.Background(), session); err != nil {
		t.Fatalf("EnsureTables must tolerate already-configured TTL: %v", err)
	}
}

func TestEnsureTablesSurfacesSchemaFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"query":"","error":"permission denied","position":0}`))
	}))
	defer ts.Close()

	srv := newILPServer(t)
	session := NewSession(sessionConfig(srv.port(), httpPortOf(t, ts)))
	defer session.Close()

	if err := EnsureTables(context.Background(), session); err == nil {
		t.Fatal("expected schema failure to surface")
	}
}

func TestWaitForReady(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"query":"SELECT 1","columns":[{"name":"1","type":"INT"}],"dataset":[[1]],"count":1}`))
	}))
	defer ts.Close()

	srv := newILPServer(t)
	session := NewSession(sessionConfig(srv.port(), httpPortOf(t, ts)))
	defer session.Close()

	if err := WaitForReady(context.Background(), session); err != nil {
		t.Fatalf("WaitForReady failed: %v", err)
	}
}

func TestWaitForReadyHonorsContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("not ready"))
	}))
	defer ts.Close()

	srv := newILPServer(t)
	session := NewSession(sessionConfig(srv.port(), httpPortOf(t, ts)))
	defer session.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := WaitForReady(ctx, session); err == nil {
		t.Fatal("expected error with cancelled context")
	}
}
