package models

import (
	"time"
)

// Side identifies the aggressor side of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Trade represents a single trade execution received from an exchange feed.
// Instances are immutable once constructed and consumed by exactly one write.
type Trade struct {
	Exchange    string    `json:"exchange"`
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	Price       float64   `json:"price"`
	Size        float64   `json:"size"`
	TradeID     string    `json:"trade_id"`
	Timestamp   time.Time `json:"timestamp"`
	ReceiptTime time.Time `json:"receipt_time"`
}

// EventTime returns the exchange timestamp when present, otherwise the
// receipt timestamp. The storage backend treats this as the row timestamp.
func (t *Trade) EventTime() time.Time {
	if !t.Timestamp.IsZero() {
		return t.Timestamp
	}
	return t.ReceiptTime
}

// BookLevel is a single price level of one order book side.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// BookSnapshot is the full order book state for one symbol at one instant.
// Bids are price-descending, asks price-ascending; position 0 is the best
// price on each side. Depth varies per exchange and can reach thousands of
// levels.
type BookSnapshot struct {
	Exchange    string      `json:"exchange"`
	Symbol      string      `json:"symbol"`
	Timestamp   time.Time   `json:"timestamp"`
	ReceiptTime time.Time   `json:"receipt_time"`
	Bids        []BookLevel `json:"bids"`
	Asks        []BookLevel `json:"asks"`
}

// EventTime returns the exchange timestamp when present, otherwise the
// receipt timestamp.
func (b *BookSnapshot) EventTime() time.Time {
	if !b.Timestamp.IsZero() {
		return b.Timestamp
	}
	return b.ReceiptTime
}

// BookMatrix is one side of an encoded snapshot: row 0 holds prices, row 1
// holds sizes, one column per retained level.
type BookMatrix [2][]float64

// Cols returns the number of price levels held by the matrix.
func (m BookMatrix) Cols() int {
	return len(m[0])
}

// EncodedBookRow is the fixed-shape columnar representation of a book
// snapshot, truncated to the configured maximum depth.
type EncodedBookRow struct {
	Exchange  string     `json:"exchange"`
	Symbol    string     `json:"symbol"`
	Timestamp time.Time  `json:"timestamp"`
	Bids      BookMatrix `json:"bids"`
	Asks      BookMatrix `json:"asks"`
}

// QueueItem is the unit moved through the queued writer. Exactly one of
// Trade or Book is set. Line carries the pre-rendered ILP payload for trade
// items so the consumer never re-encodes on the hot path.
type QueueItem struct {
	Trade      *Trade
	Book       *EncodedBookRow
	Line       []byte
	EnqueuedAt time.Time
}

// TradeBatch is a group of trades that were flushed together, handed to the
// cold archive after a successful network submission.
type TradeBatch struct {
	BatchID     string    `json:"batch_id"`
	Trades      []Trade   `json:"trades"`
	RecordCount int       `json:"record_count"`
	FlushedAt   time.Time `json:"flushed_at"`
}
