package questdb

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"marketflow/models"
	"marketflow/processor"
)

func TestEffectiveDepth(t *testing.T) {
	cases := []struct {
		in   int
		want int
	}{
		{0, processor.DepthAll},
		{5, 5},
		{20, 20},
	}
	for _, c := range cases {
		if got := effectiveDepth(c.in); got != c.want {
			t.Errorf("effectiveDepth(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestSimpleWriterDepthZeroKeepsAllLevels(t *testing.T) {
	srv := newILPServer(t)

	var captured string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.URL.Query().Get("query")
	}))
	defer ts.Close()

	session := NewSession(sessionConfig(srv.port(), httpPortOf(t, ts)))
	defer session.Close()

	// max_depth 0 means all levels, same as the queued writer reads it.
	w := NewSimpleWriter(NewRouter(session), 0)

	book := &models.BookSnapshot{
		Exchange:  "coinbase",
		Symbol:    "BTC-USD",
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Bids: []models.BookLevel{
			{Price: 100.5, Size: 1},
			{Price: 100.0, Size: 2},
		},
		Asks: []models.BookLevel{
			{Price: 101.0, Size: 0.5},
		},
	}
	if err := w.WriteBookSnapshot(book); err != nil {
		t.Fatalf("WriteBookSnapshot failed: %v", err)
	}

	if !strings.Contains(captured, "ARRAY[[100.5,100],[1,2]]") {
		t.Errorf("bids truncated instead of kept whole: %q", captured)
	}
	if !strings.Contains(captured, "ARRAY[[101],[0.5]]") {
		t.Errorf("asks truncated instead of kept whole: %q", captured)
	}
	if strings.Contains(captured, "NULL") {
		t.Errorf("no side may collapse to NULL at depth 0: %q", captured)
	}
}

func TestSimpleWriterTruncatesToConfiguredDepth(t *testing.T) {
	srv := newILPServer(t)

	var captured string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.URL.Query().Get("query")
	}))
	defer ts.Close()

	session := NewSession(sessionConfig(srv.port(), httpPortOf(t, ts)))
	defer session.Close()

	w := NewSimpleWriter(NewRouter(session), 1)

	book := &models.BookSnapshot{
		Exchange:  "coinbase",
		Symbol:    "BTC-USD",
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Bids: []models.BookLevel{
			{Price: 100.5, Size: 1},
			{Price: 100.0, Size: 2},
		},
		Asks: []models.BookLevel{
			{Price: 101.0, Size: 0.5},
		},
	}
	if err := w.WriteBookSnapshot(book); err != nil {
		t.Fatalf("WriteBookSnapshot failed: %v", err)
	}

	if !strings.Contains(captured, "ARRAY[[100.5],[1]]") {
		t.Errorf("bids not truncated to the top level: %q", captured)
	}
}
