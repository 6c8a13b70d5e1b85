package coinbase

import (
	"testing"

	appconfig "marketflow/config"
	"marketflow/models"
)

type captureWriter struct {
	trades []*models.Trade
	books  []*models.BookSnapshot
}

func (w *captureWriter) WriteTrade(t *models.Trade) error {
	w.trades = append(w.trades, t)
	return nil
}

func (w *captureWriter) WriteBookSnapshot(b *models.BookSnapshot) error {
	w.books = append(w.books, b)
	return nil
}

func TestHandleMatch(t *testing.T) {
	sink := &captureWriter{}
	r := NewReader(appconfig.CoinbaseSourceConfig{Symbols: []string{"BTC-USD"}}, sink)

	r.processMessage([]byte(`{"type":"match","trade_id":42,"product_id":"BTC-USD",` +
		`"side":"sell","price":"50000.5","size":"0.25","time":"2025-06-01T12:00:00.000000Z"}`))

	if len(sink.trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(sink.trades))
	}
	trade := sink.trades[0]
	if trade.Exchange != "coinbase" || trade.Symbol != "BTC-USD" {
		t.Errorf("unexpected identity: %s %s", trade.Exchange, trade.Symbol)
	}
	if trade.Price != 50000.5 || trade.Size != 0.25 {
		t.Errorf("unexpected price/size: %v/%v", trade.Price, trade.Size)
	}
	if trade.TradeID != "42" {
		t.Errorf("unexpected trade id: %s", trade.TradeID)
	}
	// Maker sold, so the aggressor bought.
	if trade.Side != models.SideBuy {
		t.Errorf("unexpected side: %s", trade.Side)
	}
	if trade.Timestamp.IsZero() || trade.ReceiptTime.IsZero() {
		t.Error("timestamps must be set")
	}
}

func TestHandleMatchSideMapping(t *testing.T) {
	sink := &captureWriter{}
	r := NewReader(appconfig.CoinbaseSourceConfig{Symbols: []string{"BTC-USD"}}, sink)

	r.processMessage([]byte(`{"type":"match","trade_id":1,"product_id":"BTC-USD",` +
		`"side":"buy","price":"1","size":"1","time":"2025-06-01T12:00:00Z"}`))

	if len(sink.trades) != 1 || sink.trades[0].Side != models.SideSell {
		t.Fatalf("maker buy must map to aggressor sell: %+v", sink.trades)
	}
}

func TestProcessMessageIgnoresMalformed(t *testing.T) {
	sink := &captureWriter{}
	r := NewReader(appconfig.CoinbaseSourceConfig{Symbols: []string{"BTC-USD"}}, sink)

	r.processMessage([]byte(`{"type":"match","trade_id":1,"product_id":"BTC-USD",` +
		`"side":"buy","price":"not-a-number","size":"1","time":"2025-06-01T12:00:00Z"}`))
	r.processMessage([]byte(`not json`))
	r.processMessage([]byte(`{"type":"heartbeat"}`))

	if len(sink.trades) != 0 {
		t.Fatalf("malformed messages must not produce trades: %d", len(sink.trades))
	}
}

func TestParseLevels(t *testing.T) {
	levels, err := parseLevels([][]interface{}{
		{"100.5", "1.5", float64(3)},
		{"100.0", "2.0", float64(1)},
	})
	if err != nil {
		t.Fatalf("parseLevels failed: %v", err)
	}
	if len(levels) != 2 {
		t.Fatalf("expected 2 levels, got %d", len(levels))
	}
	if levels[0].Price != 100.5 || levels[0].Size != 1.5 {
		t.Errorf("unexpected first level: %+v", levels[0])
	}
}

func TestParseLevelsRejectsMalformed(t *testing.T) {
	cases := [][][]interface{}{
		{{"100.5"}},
		{{float64(100.5), "1.5"}},
		{{"100.5", float64(1.5)}},
		{{"not-a-number", "1.5"}},
	}
	for i, entries := range cases {
		if _, err := parseLevels(entries); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}
