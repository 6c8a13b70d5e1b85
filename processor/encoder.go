package processor

import (
	"fmt"
	"math"

	"marketflow/models"
)

// DepthAll requests every available level of a book side.
const DepthAll = -1

// EncodeBook converts a raw order-book snapshot into the fixed columnar
// representation written to storage: one 2xN float64 matrix per side, row 0
// holding prices and row 1 sizes, truncated to at most depth levels.
//
// The book's own ordering is trusted; levels are collected by position with
// no re-sorting. depth == DepthAll (or any negative value) keeps all levels,
// depth == 0 yields empty matrices for both sides.
func EncodeBook(book *models.BookSnapshot, depth int) (*models.EncodedBookRow, error) {
	if book == nil {
		return nil, fmt.Errorf("encode book: nil snapshot")
	}
	if book.Exchange == "" || book.Symbol == "" {
		return nil, fmt.Errorf("encode book: missing exchange or symbol")
	}

	bids, err := encodeSide(book.Bids, depth)
	if err != nil {
		return nil, fmt.Errorf("encode book %s %s bids: %w", book.Exchange, book.Symbol, err)
	}
	asks, err := encodeSide(book.Asks, depth)
	if err != nil {
		return nil, fmt.Errorf("encode book %s %s asks: %w", book.Exchange, book.Symbol, err)
	}

	return &models.EncodedBookRow{
		Exchange:  book.Exchange,
		Symbol:    book.Symbol,
		Timestamp: book.EventTime(),
		Bids:      bids,
		Asks:      asks,
	}, nil
}

func encodeSide(levels []models.BookLevel, depth int) (models.BookMatrix, error) {
	n := len(levels)
	if depth >= 0 && depth < n {
		n = depth
	}

	m := models.BookMatrix{make([]float64, n), make([]float64, n)}
	for i := 0; i < n; i++ {
		lvl := levels[i]
		if math.IsNaN(lvl.Price) || math.IsInf(lvl.Price, 0) {
			return models.BookMatrix{}, fmt.Errorf("level %d: invalid price %v", i, lvl.Price)
		}
		if lvl.Size < 0 || math.IsNaN(lvl.Size) || math.IsInf(lvl.Size, 0) {
			return models.BookMatrix{}, fmt.Errorf("level %d: invalid size %v", i, lvl.Size)
		}
		m[0][i] = lvl.Price
		m[1][i] = lvl.Size
	}
	return m, nil
}
