package questdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	appconfig "marketflow/config"
	"marketflow/logger"
	"marketflow/models"
	"marketflow/processor"
)

// Target is the flush surface the consumer task drives. *Router implements
// it; tests substitute a mock.
type Target interface {
	FlushTrades(lines []byte) error
	FlushBooks(rows []*models.EncodedBookRow) error
}

// Stats is a point-in-time snapshot of the writer counters.
type Stats struct {
	QueueDepth int64         `json:"queue_depth"`
	Enqueued   int64         `json:"enqueued"`
	Dropped    int64         `json:"dropped"`
	Flushed    int64         `json:"flushed"`
	Batches    int64         `json:"batches"`
	Failures   int64         `json:"failures"`
	LastFlush  time.Duration `json:"last_flush"`
}

// QueuedWriter decouples fast-arriving feed callbacks from slower network
// writes. Producers enqueue into a bounded queue and never block: when the
// queue is full the item is dropped and counted, backpressure is absorbed by
// shedding rather than by stalling the feed. Exactly one consumer task
// drains the queue, accumulates a batch and flushes it on a size or time
// trigger, whichever fires first.
//
// Items from a single producer are flushed in enqueue order. No ordering is
// guaranteed across producers; the per-row timestamp is authoritative there.
type QueuedWriter struct {
	cfg      appconfig.WriterConfig
	target   Target
	queue    chan models.QueueItem
	stopCh   chan struct{}
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	stopOnce sync.Once
	log      *logger.Log
	mirror   chan<- models.TradeBatch

	enqueued  int64
	dropped   int64
	flushed   int64
	batches   int64
	failures  int64
	lastFlush int64 // nanoseconds
	draining  int32
}

func NewQueuedWriter(cfg appconfig.WriterConfig, target Target) *QueuedWriter {
	w := &QueuedWriter{
		cfg:    cfg,
		target: target,
		queue:  make(chan models.QueueItem, cfg.QueueCapacity),
		stopCh: make(chan struct{}),
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
	}

	w.log.WithComponent("queued_writer").WithFields(logger.Fields{
		"queue_capacity": cfg.QueueCapacity,
		"batch_size":     cfg.BatchSize,
		"batch_timeout":  cfg.BatchTimeout.Std(),
	}).Info("queued writer initialized")

	return w
}

// SetMirror installs an optional channel that receives successfully flushed
// trade batches, used by the cold archive. The hand-off is non-blocking; a
// full mirror never delays the consumer.
func (w *QueuedWriter) SetMirror(ch chan<- models.TradeBatch) {
	w.mirror = ch
}

// Start spawns the single consumer task.
func (w *QueuedWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("queued writer already running")
	}
	w.running = true
	w.mu.Unlock()

	log := w.log.WithComponent("queued_writer").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting queued writer")

	w.wg.Add(1)
	go w.consumer()

	if w.cfg.Verbose {
		go w.metricsReporter(ctx)
	}

	log.Info("queued writer started successfully")
	return nil
}

// Stop transitions the writer to draining: no further enqueues are accepted,
// everything already queued is flushed (retried up to the ceiling, then
// dropped and counted) and the consumer terminates. Idempotent.
func (w *QueuedWriter) Stop() {
	w.stopOnce.Do(func() {
		atomic.StoreInt32(&w.draining, 1)
		close(w.stopCh)
	})

	w.log.WithComponent("queued_writer").Info("stopping queued writer")
	w.wg.Wait()

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.log.WithComponent("queued_writer").WithFields(logger.Fields{
		"flushed": atomic.LoadInt64(&w.flushed),
		"dropped": atomic.LoadInt64(&w.dropped),
	}).Info("queued writer stopped")
}

// WriteTrade renders the trade to its wire form and enqueues it. Never
// blocks and never fails; overflow is a counted drop.
func (w *QueuedWriter) WriteTrade(t *models.Trade) error {
	if t == nil {
		return fmt.Errorf("write trade: nil trade")
	}
	w.enqueue(models.QueueItem{
		Trade:      t,
		Line:       AppendTradeLine(nil, t),
		EnqueuedAt: time.Now(),
	})
	return nil
}

// WriteBookSnapshot encodes the snapshot and enqueues the resulting row.
// Encoding failures surface synchronously to the caller; a malformed book
// never occupies queue space.
func (w *QueuedWriter) WriteBookSnapshot(book *models.BookSnapshot) error {
	row, err := processor.EncodeBook(book, w.maxDepth())
	if err != nil {
		return err
	}
	w.enqueue(models.QueueItem{
		Book:       row,
		EnqueuedAt: time.Now(),
	})
	return nil
}

func (w *QueuedWriter) maxDepth() int {
	return effectiveDepth(w.cfg.MaxDepth)
}

func (w *QueuedWriter) enqueue(item models.QueueItem) {
	if atomic.LoadInt32(&w.draining) == 1 {
		w.countDrop()
		return
	}

	select {
	case w.queue <- item:
		atomic.AddInt64(&w.enqueued, 1)
	default:
		w.countDrop()
	}
}

func (w *QueuedWriter) countDrop() {
	n := atomic.AddInt64(&w.dropped, 1)
	if n%1000 == 0 {
		w.log.WithComponent("queued_writer").WithFields(logger.Fields{
			"dropped": n,
		}).Warn("queue full, writes are being dropped")
	}
}

// consumer is the single task that owns the batch accumulator. The timer is
// reset after every flush so the time trigger measures the interval since
// the batch last went out.
func (w *QueuedWriter) consumer() {
	defer w.wg.Done()

	log := w.log.WithComponent("queued_writer").WithFields(logger.Fields{"worker": "consumer"})
	log.Info("starting consumer task")

	batch := make([]models.QueueItem, 0, w.cfg.BatchSize)
	timer := time.NewTimer(w.cfg.BatchTimeout.Std())
	defer timer.Stop()

	for {
		select {
		case <-w.stopCh:
			w.drain(batch)
			log.Info("consumer task stopped")
			return

		case item := <-w.queue:
			batch = append(batch, item)
		greedy:
			for len(batch) < w.cfg.BatchSize {
				select {
				case next := <-w.queue:
					batch = append(batch, next)
				default:
					break greedy
				}
			}
			if len(batch) >= w.cfg.BatchSize {
				w.flush(batch)
				batch = batch[:0]
				resetTimer(timer, w.cfg.BatchTimeout.Std())
			}

		case <-timer.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
			timer.Reset(w.cfg.BatchTimeout.Std())
		}
	}
}

// drain empties whatever is queued at stop time and flushes the final
// partial batch.
func (w *QueuedWriter) drain(batch []models.QueueItem) {
	for {
		select {
		case item := <-w.queue:
			batch = append(batch, item)
			if len(batch) >= w.cfg.BatchSize {
				w.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

/// flush submits one batch: trade lines as a single streaming write, book
// rows as a single multi-row insert. On failure the whole batch is retried
// with bounded exponential backoff; once the ceiling is exhausted it is
// dropped, never requeued, so memory stays bounded under a dead backend.
func (w *QueuedWriter) flush(items []models.QueueItem) {
	start := time.Now()

	var lines []byte
	var books []*models.EncodedBookRow
	var trades []models.Trade
	for _, item := range items {
		if item.Line != nil {
			lines = append(lines, item.Line...)
		}
		if item.Book != nil {
			books = append(books, item.Book)
		}
		if item.Trade != nil {
			trades = append(trades, *item.Trade)
		}
	}

	log := w.log.WithComponent("queued_writer").WithFields(logger.Fields{
		"items":     len(items),
		"operation": "flush",
	})

	bo := &backoff.Backoff{
		Min:    w.cfg.Retry.BaseDelay.Std(),
		Max:    w.cfg.Retry.MaxDelay.Std(),
		Factor: 2,
		Jitter: true,
	}

	linesDone := len(lines) == 0
	booksDone := len(books) == 0

	var err error
	for attempt := 1; attempt <= w.cfg.Retry.MaxAttempts; attempt++ {
		err = nil
		if !linesDone {
			if err = w.target.FlushTrades(lines); err == nil {
				linesDone = true
			}
		}
		if err == nil && !booksDone {
			if err = w.target.FlushBooks(books); err == nil {
				booksDone = true
			}
		}
		if err == nil {
			break
		}
		log.WithError(err).WithFields(logger.Fields{"attempt": attempt}).Warn("batch flush failed")
		if attempt < w.cfg.Retry.MaxAttempts {
			time.Sleep(bo.Duration())
		}
	}

	if err != nil {
		atomic.AddInt64(&w.failures, 1)
		atomic.AddInt64(&w.dropped, int64(len(items)))
		log.WithError(err).Error("batch dropped after retry ceiling")
		return
	}

	atomic.AddInt64(&w.flushed, int64(len(items)))
	atomic.AddInt64(&w.batches, 1)
	atomic.StoreInt64(&w.lastFlush, int64(time.Since(start)))

	if w.mirror != nil && len(trades) > 0 {
		mb := models.TradeBatch{
			BatchID:     uuid.New().String(),
			Trades:      trades,
			RecordCount: len(trades),
			FlushedAt:   time.Now(),
		}
		select {
		case w.mirror <- mb:
		default:
			log.Debug("archive mirror full, batch not mirrored")
		}
	}

	if w.cfg.Verbose {
		logger.LogDataFlowEntry(log, "queue", "questdb", len(items), "batch")
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// QueueDepth returns the number of items currently queued.
func (w *QueuedWriter) QueueDepth() int {
	return len(w.queue)
}

// EnqueuedCount returns the cumulative number of accepted enqueues.
func (w *QueuedWriter) EnqueuedCount() int64 {
	return atomic.LoadInt64(&w.enqueued)
}

// DroppedCount returns the cumulative number of dropped items: queue
// overflow, enqueues after stop, and batches that exhausted their retries.
func (w *QueuedWriter) DroppedCount() int64 {
	return atomic.LoadInt64(&w.dropped)
}

// FlushedCount returns the cumulative number of items delivered.
func (w *QueuedWriter) FlushedCount() int64 {
	return atomic.LoadInt64(&w.flushed)
}

// FailureCount returns the number of batches dropped after the retry
// ceiling.
func (w *QueuedWriter) FailureCount() int64 {
	return atomic.LoadInt64(&w.failures)
}

// GetStats returns a snapshot of all counters. Safe from any goroutine and
// never touches the hot path.
func (w *QueuedWriter) GetStats() Stats {
	return Stats{
		QueueDepth: int64(len(w.queue)),
		Enqueued:   atomic.LoadInt64(&w.enqueued),
		Dropped:    atomic.LoadInt64(&w.dropped),
		Flushed:    atomic.LoadInt64(&w.flushed),
		Batches:    atomic.LoadInt64(&w.batches),
		Failures:   atomic.LoadInt64(&w.failures),
		LastFlush:  time.Duration(atomic.LoadInt64(&w.lastFlush)),
	}
}

func (w *QueuedWriter) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := w.GetStats()
			w.log.LogMetric("queued_writer", "queue_depth", stats.QueueDepth, "gauge", logger.Fields{})
			w.log.LogMetric("queued_writer", "enqueued", stats.Enqueued, "counter", logger.Fields{})
			w.log.LogMetric("queued_writer", "dropped", stats.Dropped, "counter", logger.Fields{})
			w.log.LogMetric("queued_writer", "flushed", stats.Flushed, "counter", logger.Fields{})
			w.log.LogMetric("queued_writer", "failures", stats.Failures, "counter", logger.Fields{})
		}
	}
}
