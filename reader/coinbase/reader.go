package coinbase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	appconfig "marketflow/config"
	"marketflow/logger"
	"marketflow/models"
	"marketflow/questdb"
)

const exchangeName = "coinbase"

// Reader ingests Coinbase Exchange market data on two paths: trade prints
// over the websocket matches channel, book snapshots by polling the REST
// level-2 book endpoint on a fixed interval. Coinbase has no bounded-depth
// snapshot stream, so the book side is pull-based; REST calls share one rate
// limiter across all symbols to stay inside the public API budget.
type Reader struct {
	config  appconfig.CoinbaseSourceConfig
	writer  questdb.Writer
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
	limiter *rate.Limiter
	httpc   *http.Client
}

func NewReader(cfg appconfig.CoinbaseSourceConfig, writer questdb.Writer) *Reader {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 3
	}

	reader := &Reader{
		config:  cfg,
		writer:  writer,
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		httpc:   &http.Client{Timeout: 10 * time.Second},
	}

	reader.log.WithComponent("coinbase_reader").WithFields(logger.Fields{
		"symbols":           cfg.Symbols,
		"snapshot_interval": cfg.SnapshotInterval.Std(),
		"rps":               rps,
	}).Info("coinbase reader initialized")

	return reader
}

// Start spawns the websocket trade worker and one snapshot poller per symbol.
func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	log := r.log.WithComponent("coinbase_reader").WithFields(logger.Fields{"operation": "start"})

	if !r.config.Enabled {
		log.Warn("coinbase feed is disabled")
		return fmt.Errorf("coinbase feed is disabled")
	}

	log.WithFields(logger.Fields{"symbols": r.config.Symbols}).Info("starting coinbase reader")

	r.wg.Add(1)
	go r.tradeStream()

	for _, symbol := range r.config.Symbols {
		r.wg.Add(1)
		go r.snapshotWorker(symbol)
	}

	log.Info("coinbase reader started successfully")
	return nil
}

// Stop waits for the workers to exit. The workers stop on context
// cancellation.
func (r *Reader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("coinbase_reader").Info("stopping coinbase reader")
	r.wg.Wait()
	r.log.WithComponent("coinbase_reader").Info("coinbase reader stopped")
}

type matchMessage struct {
	Type      string `json:"type"`
	TradeID   int64  `json:"trade_id"`
	ProductID string `json:"product_id"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Time      string `json:"time"`
	Message   string `json:"message"`
}

// tradeStream handles the websocket lifecycle: connect, subscribe to the
// matches channel for all symbols, forward match events, reconnect with
// backoff on any failure.
func (r *Reader) tradeStream() {
	defer r.wg.Done()

	log := r.log.WithComponent("coinbase_reader").WithFields(logger.Fields{
		"symbols": r.config.Symbols,
		"worker":  "trade_stream",
	})

	bo := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: true}

	for {
		if r.ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.Dial(r.config.URL, nil)
		if err != nil {
			wait := bo.Duration()
			log.WithError(err).WithFields(logger.Fields{"retry_in": wait}).Warn("failed to connect websocket, retrying")
			logger.IncrementRetryCount()
			if !r.sleep(wait) {
				return
			}
			continue
		}

		sub := map[string]interface{}{
			"type":        "subscribe",
			"product_ids": r.config.Symbols,
			"channels":    []string{"matches", "heartbeat"},
		}
		if err := conn.WriteJSON(sub); err != nil {
			log.WithError(err).Warn("failed to subscribe")
			conn.Close()
			continue
		}

		bo.Reset()
		log.Info("trade stream connected")

		// Unblock the read loop when the context is cancelled.
		done := make(chan struct{})
		go func() {
			select {
			case <-r.ctx.Done():
				conn.Close()
			case <-done:
			}
		}()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				close(done)
				conn.Close()
				if r.ctx.Err() != nil {
					return
				}
				log.WithError(err).Warn("websocket read error, reconnecting")
				break
			}
			r.processMessage(msg)
		}

		if !r.sleep(bo.Duration()) {
			return
		}
	}
}

func (r *Reader) processMessage(msg []byte) {
	var m matchMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		r.log.WithComponent("coinbase_reader").WithError(err).Debug("failed to decode message")
		return
	}

	switch m.Type {
	case "match", "last_match":
		r.handleMatch(&m)
	case "error":
		r.log.WithComponent("coinbase_reader").WithFields(logger.Fields{
			"message": m.Message,
		}).Warn("websocket error message")
	case "subscriptions":
		r.log.WithComponent("coinbase_reader").Info("subscription confirmed")
	}
}

func (r *Reader) handleMatch(m *matchMessage) {
	log := r.log.WithComponent("coinbase_reader").WithFields(logger.Fields{"symbol": m.ProductID})

	price, err := strconv.ParseFloat(m.Price, 64)
	if err != nil {
		log.WithError(err).Warn("malformed match price, skipping")
		return
	}
	size, err := strconv.ParseFloat(m.Size, 64)
	if err != nil {
		log.WithError(err).Warn("malformed match size, skipping")
		return
	}

	ts, err := time.Parse(time.RFC3339Nano, m.Time)
	if err != nil {
		ts = time.Now().UTC()
	}

	// The side field carries the maker order's side; the aggressor took the
	// other side.
	side := models.SideBuy
	if m.Side == "buy" {
		side = models.SideSell
	}

	trade := &models.Trade{
		Exchange:    exchangeName,
		Symbol:      m.ProductID,
		Side:        side,
		Price:       price,
		Size:        size,
		TradeID:     strconv.FormatInt(m.TradeID, 10),
		Timestamp:   ts.UTC(),
		ReceiptTime: time.Now().UTC(),
	}

	logger.IncrementFeedRead(1)
	if err := r.writer.WriteTrade(trade); err != nil {
		log.WithError(err).Warn("failed to write trade")
	}
}

// snapshotWorker polls the level-2 REST book for one symbol on the
// configured interval.
func (r *Reader) snapshotWorker(symbol string) {
	defer r.wg.Done()

	log := r.log.WithComponent("coinbase_reader").WithFields(logger.Fields{
		"symbol": symbol,
		"worker": "snapshot_poller",
	})
	log.Info("starting snapshot worker")

	interval := r.config.SnapshotInterval.Std()
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case <-ticker.C:
			start := time.Now()
			if err := r.fetchSnapshot(symbol); err != nil {
				log.WithError(err).Warn("failed to fetch book snapshot")
				continue
			}
			logger.LogPerformanceEntry(log, "coinbase_reader", "book_snapshot", time.Since(start), logger.Fields{
				"symbol": symbol,
			})
		}
	}
}

type restBook struct {
	Bids [][]interface{} `json:"bids"`
	Asks [][]interface{} `json:"asks"`
}

func (r *Reader) fetchSnapshot(symbol string) error {
	if err := r.limiter.Wait(r.ctx); err != nil {
		return err
	}

	u := fmt.Sprintf("%s/products/%s/book?level=2", r.config.RestURL, symbol)
	req, err := http.NewRequestWithContext(r.ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build book request: %w", err)
	}

	resp, err := r.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("fetch book: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("book request returned status %d", resp.StatusCode)
	}

	var book restBook
	if err := json.NewDecoder(resp.Body).Decode(&book); err != nil {
		return fmt.Errorf("decode book response: %w", err)
	}

	now := time.Now().UTC()
	snapshot := &models.BookSnapshot{
		Exchange:    exchangeName,
		Symbol:      symbol,
		Timestamp:   now,
		ReceiptTime: now,
	}

	if snapshot.Bids, err = parseLevels(book.Bids); err != nil {
		return fmt.Errorf("parse bids: %w", err)
	}
	if snapshot.Asks, err = parseLevels(book.Asks); err != nil {
		return fmt.Errorf("parse asks: %w", err)
	}

	logger.IncrementFeedRead(len(snapshot.Bids) + len(snapshot.Asks))
	return r.writer.WriteBookSnapshot(snapshot)
}

// parseLevels decodes level-2 book entries of the form ["price","size",N].
func parseLevels(entries [][]interface{}) ([]models.BookLevel, error) {
	levels := make([]models.BookLevel, 0, len(entries))
	for _, entry := range entries {
		if len(entry) < 2 {
			return nil, fmt.Errorf("short book entry: %v", entry)
		}
		priceStr, ok := entry[0].(string)
		if !ok {
			return nil, fmt.Errorf("unexpected price type %T", entry[0])
		}
		sizeStr, ok := entry[1].(string)
		if !ok {
			return nil, fmt.Errorf("unexpected size type %T", entry[1])
		}
		price, err := strconv.ParseFloat(priceStr, 64)
		if err != nil {
			return nil, fmt.Errorf("parse price %q: %w", priceStr, err)
		}
		size, err := strconv.ParseFloat(sizeStr, 64)
		if err != nil {
			return nil, fmt.Errorf("parse size %q: %w", sizeStr, err)
		}
		levels = append(levels, models.BookLevel{Price: price, Size: size})
	}
	return levels, nil
}

func (r *Reader) sleep(d time.Duration) bool {
	select {
	case <-r.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
