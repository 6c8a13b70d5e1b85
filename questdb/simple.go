package questdb

import (
	"marketflow/logger"
	"marketflow/models"
	"marketflow/processor"
)

// Writer is the uniform write surface the feed readers call. Both writer
// flavors implement it; the choice between them is configuration, not code.
type Writer interface {
	WriteTrade(t *models.Trade) error
	WriteBookSnapshot(book *models.BookSnapshot) error
}

// SimpleWriter performs one blocking network round trip per call. Suited to
// low-throughput feeds where synchronous failure visibility matters more
// than isolation from I/O latency. Errors propagate to the caller; there is
// no internal retry and no buffering.
type SimpleWriter struct {
	router   *Router
	maxDepth int
	log      *logger.Log
}

func NewSimpleWriter(router *Router, maxDepth int) *SimpleWriter {
	return &SimpleWriter{
		router:   router,
		maxDepth: effectiveDepth(maxDepth),
		log:      logger.GetLogger(),
	}
}

// effectiveDepth maps the configured max_depth onto the encoder's depth
// argument. The config value 0 means all levels, which the encoder expresses
// with its unbounded sentinel, not with a literal zero. Both writer flavors
// normalize through here so the same config means the same thing in either
// mode.
func effectiveDepth(maxDepth int) int {
	if maxDepth == 0 {
		return processor.DepthAll
	}
	return maxDepth
}

func (w *SimpleWriter) WriteTrade(t *models.Trade) error {
	return w.router.WriteTrade(t)
}

func (w *SimpleWriter) WriteBookSnapshot(book *models.BookSnapshot) error {
	return w.router.WriteBookSnapshot(book, w.maxDepth)
}
