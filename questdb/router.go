package questdb

import (
	"context"
	"fmt"

	"marketflow/logger"
	"marketflow/models"
	"marketflow/processor"
)

// Router dispatches each logical record type to the wire protocol that can
// carry it: scalar trade rows to the streaming line-protocol session, encoded
// array-valued book rows and ad-hoc SQL to the request/response session. It
// holds no mutable state beyond the session reference and performs no
// batching and no retries, which keeps it freely shareable between the
// simple and queued writers.
type Router struct {
	session *Session
	log     *logger.Log
}

func NewRouter(session *Session) *Router {
	return &Router{
		session: session,
		log:     logger.GetLogger(),
	}
}

// WriteTrade renders one trade as a line-protocol row and submits it on the
// streaming session.
func (r *Router) WriteTrade(t *models.Trade) error {
	if t == nil {
		return fmt.Errorf("write trade: nil trade")
	}
	return r.session.Send(AppendTradeLine(nil, t))
}

// WriteBookSnapshot encodes the snapshot to the fixed columnar shape and
// submits it as an array-valued INSERT on the request/response session.
// Encoding errors surface synchronously; nothing partial is written.
func (r *Router) WriteBookSnapshot(book *models.BookSnapshot, depth int) error {
	row, err := processor.EncodeBook(book, depth)
	if err != nil {
		return err
	}
	return r.FlushBooks([]*models.EncodedBookRow{row})
}

// Query executes an ad-hoc SQL statement on the request/response session.
func (r *Router) Query(ctx context.Context, sql string) (*QueryResult, error) {
	return r.session.Query(ctx, sql)
}

// FlushTrades submits a pre-rendered block of line-protocol rows as one
// network write. Used by the queued writer's consumer.
func (r *Router) FlushTrades(lines []byte) error {
	return r.session.Send(lines)
}

// FlushBooks submits encoded book rows as a single multi-row INSERT.
func (r *Router) FlushBooks(rows []*models.EncodedBookRow) error {
	stmt := BuildBookInsert(rows)
	if stmt == "" {
		return nil
	}
	return r.session.Exec(context.Background(), stmt)
}

// Close releases the underlying session.
func (r *Router) Close() error {
	return r.session.Close()
}
