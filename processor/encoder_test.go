package processor

import (
	"math"
	"testing"
	"time"

	"marketflow/models"
)

func makeSnapshot(bids, asks []models.BookLevel) *models.BookSnapshot {
	return &models.BookSnapshot{
		Exchange:    "binance",
		Symbol:      "BTCUSDT",
		Timestamp:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		ReceiptTime: time.Date(2025, 6, 1, 12, 0, 0, 100, time.UTC),
		Bids:        bids,
		Asks:        asks,
	}
}

func TestEncodeBookMatrixShape(t *testing.T) {
	snap := makeSnapshot(
		[]models.BookLevel{{Price: 100.5, Size: 1.0}, {Price: 100.0, Size: 2.0}},
		[]models.BookLevel{{Price: 101.0, Size: 0.5}},
	)

	row, err := EncodeBook(snap, DepthAll)
	if err != nil {
		t.Fatalf("EncodeBook failed: %v", err)
	}

	if row.Exchange != "binance" || row.Symbol != "BTCUSDT" {
		t.Errorf("unexpected identity: %s %s", row.Exchange, row.Symbol)
	}
	if !row.Timestamp.Equal(snap.Timestamp) {
		t.Errorf("unexpected timestamp: %v", row.Timestamp)
	}

	wantBids := models.BookMatrix{{100.5, 100.0}, {1.0, 2.0}}
	wantAsks := models.BookMatrix{{101.0}, {0.5}}
	assertMatrixEqual(t, "bids", row.Bids, wantBids)
	assertMatrixEqual(t, "asks", row.Asks, wantAsks)
}

func TestEncodeBookTruncatesToDepth(t *testing.T) {
	bids := make([]models.BookLevel, 50)
	for i := range bids {
		bids[i] = models.BookLevel{Price: 100 - float64(i), Size: float64(i + 1)}
	}
	snap := makeSnapshot(bids, []models.BookLevel{{Price: 101, Size: 1}})

	row, err := EncodeBook(snap, 20)
	if err != nil {
		t.Fatalf("EncodeBook failed: %v", err)
	}
	if got := row.Bids.Cols(); got != 20 {
		t.Fatalf("expected 20 bid levels, got %d", got)
	}
	// Truncation keeps the best levels, which sit at the front.
	if row.Bids[0][0] != 100 || row.Bids[0][19] != 81 {
		t.Errorf("unexpected bid prices after truncation: first=%v last=%v", row.Bids[0][0], row.Bids[0][19])
	}
	if got := row.Asks.Cols(); got != 1 {
		t.Errorf("expected 1 ask level, got %d", got)
	}
}

func TestEncodeBookShallowSide(t *testing.T) {
	snap := makeSnapshot(
		[]models.BookLevel{{Price: 100, Size: 1}, {Price: 99, Size: 2}},
		nil,
	)

	row, err := EncodeBook(snap, 20)
	if err != nil {
		t.Fatalf("EncodeBook failed: %v", err)
	}
	if got := row.Bids.Cols(); got != 2 {
		t.Errorf("expected 2 bid levels, got %d", got)
	}
	if got := row.Asks.Cols(); got != 0 {
		t.Errorf("expected empty ask matrix, got %d columns", got)
	}
	if len(row.Asks[0]) != 0 || len(row.Asks[1]) != 0 {
		t.Errorf("empty side must keep the 2-row shape: %v", row.Asks)
	}
}

func TestEncodeBookZeroDepth(t *testing.T) {
	snap := makeSnapshot(
		[]models.BookLevel{{Price: 100, Size: 1}},
		[]models.BookLevel{{Price: 101, Size: 1}},
	)

	row, err := EncodeBook(snap, 0)
	if err != nil {
		t.Fatalf("EncodeBook failed: %v", err)
	}
	if row.Bids.Cols() != 0 || row.Asks.Cols() != 0 {
		t.Errorf("depth 0 must yield empty matrices, got %d/%d", row.Bids.Cols(), row.Asks.Cols())
	}
}

func TestEncodeBookRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		snap *models.BookSnapshot
	}{
		{"nil snapshot", nil},
		{"missing symbol", &models.BookSnapshot{Exchange: "binance"}},
		{"nan price", makeSnapshot([]models.BookLevel{{Price: math.NaN(), Size: 1}}, nil)},
		{"inf price", makeSnapshot(nil, []models.BookLevel{{Price: math.Inf(1), Size: 1}})},
		{"negative size", makeSnapshot([]models.BookLevel{{Price: 100, Size: -1}}, nil)},
		{"nan size", makeSnapshot([]models.BookLevel{{Price: 100, Size: math.NaN()}}, nil)},
	}

	for _, c := range cases {
		if _, err := EncodeBook(c.snap, DepthAll); err == nil {
			t.Errorf("%s: expected error, got none", c.name)
		}
	}
}

func TestEncodeBookMalformedLevelBeyondDepthIgnored(t *testing.T) {
	snap := makeSnapshot(
		[]models.BookLevel{{Price: 100, Size: 1}, {Price: math.NaN(), Size: 1}},
		nil,
	)

	// The bad level sits past the retained depth so it never gets encoded.
	row, err := EncodeBook(snap, 1)
	if err != nil {
		t.Fatalf("EncodeBook failed: %v", err)
	}
	if row.Bids.Cols() != 1 {
		t.Errorf("expected 1 bid level, got %d", row.Bids.Cols())
	}
}

func assertMatrixEqual(t *testing.T, name string, got, want models.BookMatrix) {
	t.Helper()
	for row := 0; row < 2; row++ {
		if len(got[row]) != len(want[row]) {
			t.Fatalf("%s row %d: expected %d columns, got %d", name, row, len(want[row]), len(got[row]))
		}
		for col := range want[row] {
			if got[row][col] != want[row][col] {
				t.Errorf("%s[%d][%d] = %v, want %v", name, row, col, got[row][col], want[row][col])
			}
		}
	}
}
