package binance

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/jpillora/backoff"

	appconfig "marketflow/config"
	"marketflow/logger"
	"marketflow/models"
	"marketflow/questdb"
)

const exchangeName = "binance"

// Reader consumes Binance spot websocket streams and forwards every event to
// the writer: raw trade prints from the trade stream and partial book
// snapshots from the depth stream. One pair of stream workers per symbol,
// each with its own reconnect loop.
type Reader struct {
	config  appconfig.BinanceSourceConfig
	writer  questdb.Writer
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

func NewReader(cfg appconfig.BinanceSourceConfig, writer questdb.Writer) *Reader {
	log := logger.GetLogger()

	if cfg.UseTestnet {
		binance.UseTestnet = true
	}

	reader := &Reader{
		config: cfg,
		writer: writer,
		wg:     &sync.WaitGroup{},
		log:    log,
	}

	log.WithComponent("binance_reader").WithFields(logger.Fields{
		"symbols":      cfg.Symbols,
		"depth_levels": cfg.DepthLevels,
		"testnet":      cfg.UseTestnet,
	}).Info("binance reader initialized")

	return reader
}

// Start spawns the stream workers for all configured symbols.
func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	log := r.log.WithComponent("binance_reader").WithFields(logger.Fields{"operation": "start"})

	if !r.config.Enabled {
		log.Warn("binance feed is disabled")
		return fmt.Errorf("binance feed is disabled")
	}

	log.WithFields(logger.Fields{"symbols": r.config.Symbols}).Info("starting binance reader")

	for _, symbol := range r.config.Symbols {
		r.wg.Add(2)
		go r.tradeWorker(symbol)
		go r.depthWorker(symbol)
	}

	log.Info("binance reader started successfully")
	return nil
}

// Stop waits for all stream workers to exit. The workers themselves stop on
// context cancellation.
func (r *Reader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("binance_reader").Info("stopping binance reader")
	r.wg.Wait()
	r.log.WithComponent("binance_reader").Info("binance reader stopped")
}

// tradeWorker keeps the trade stream for one symbol alive, reconnecting with
// backoff whenever the stream errors or closes.
func (r *Reader) tradeWorker(symbol string) {
	defer r.wg.Done()

	log := r.log.WithComponent("binance_reader").WithFields(logger.Fields{
		"symbol": symbol,
		"worker": "trade_stream",
	})
	log.Info("starting trade stream worker")

	bo := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: true}

	for {
		if r.ctx.Err() != nil {
			log.Info("worker stopped due to context cancellation")
			return
		}

		doneC, stopC, err := binance.WsTradeServe(symbol,
			func(event *binance.WsTradeEvent) { r.handleTrade(event) },
			func(err error) { log.WithError(err).Warn("trade stream error") },
		)
		if err != nil {
			wait := bo.Duration()
			log.WithError(err).WithFields(logger.Fields{"retry_in": wait}).Warn("trade stream connect failed")
			logger.IncrementRetryCount()
			if !r.sleep(wait) {
				return
			}
			continue
		}

		bo.Reset()
		log.Info("trade stream connected")

		select {
		case <-r.ctx.Done():
			close(stopC)
			<-doneC
			log.Info("worker stopped due to context cancellation")
			return
		case <-doneC:
			wait := bo.Duration()
			log.WithFields(logger.Fields{"retry_in": wait}).Warn("trade stream closed, reconnecting")
			if !r.sleep(wait) {
				return
			}
		}
	}
}

// depthWorker keeps the partial book depth stream for one symbol alive.
func (r *Reader) depthWorker(symbol string) {
	defer r.wg.Done()

	log := r.log.WithComponent("binance_reader").WithFields(logger.Fields{
		"symbol": symbol,
		"worker": "depth_stream",
	})
	log.Info("starting depth stream worker")

	levels := wsDepthLevels(r.config.DepthLevels)
	bo := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: true}

	for {
		if r.ctx.Err() != nil {
			log.Info("worker stopped due to context cancellation")
			return
		}

		doneC, stopC, err := binance.WsPartialDepthServe(symbol, levels,
			func(event *binance.WsPartialDepthEvent) { r.handleDepth(event) },
			func(err error) { log.WithError(err).Warn("depth stream error") },
		)
		if err != nil {
			wait := bo.Duration()
			log.WithError(err).WithFields(logger.Fields{"retry_in": wait}).Warn("depth stream connect failed")
			logger.IncrementRetryCount()
			if !r.sleep(wait) {
				return
			}
			continue
		}

		bo.Reset()
		log.WithFields(logger.Fields{"levels": levels}).Info("depth stream connected")

		select {
		case <-r.ctx.Done():
			close(stopC)
			<-doneC
			log.Info("worker stopped due to context cancellation")
			return
		case <-doneC:
			wait := bo.Duration()
			log.WithFields(logger.Fields{"retry_in": wait}).Warn("depth stream closed, reconnecting")
			if !r.sleep(wait) {
				return
			}
		}
	}
}

func (r *Reader) handleTrade(event *binance.WsTradeEvent) {
	log := r.log.WithComponent("binance_reader").WithFields(logger.Fields{"symbol": event.Symbol})

	price, err := strconv.ParseFloat(event.Price, 64)
	if err != nil {
		log.WithError(err).Warn("malformed trade price, skipping")
		return
	}
	size, err := strconv.ParseFloat(event.Quantity, 64)
	if err != nil {
		log.WithError(err).Warn("malformed trade size, skipping")
		return
	}

	// The buyer being the maker means the aggressor sold.
	side := models.SideBuy
	if event.IsBuyerMaker {
		side = models.SideSell
	}

	trade := &models.Trade{
		Exchange:    exchangeName,
		Symbol:      event.Symbol,
		Side:        side,
		Price:       price,
		Size:        size,
		TradeID:     strconv.FormatInt(event.TradeID, 10),
		Timestamp:   time.UnixMilli(event.TradeTime).UTC(),
		ReceiptTime: time.Now().UTC(),
	}

	logger.IncrementFeedRead(1)
	if err := r.writer.WriteTrade(trade); err != nil {
		log.WithError(err).Warn("failed to write trade")
	}
}

func (r *Reader) handleDepth(event *binance.WsPartialDepthEvent) {
	log := r.log.WithComponent("binance_reader").WithFields(logger.Fields{"symbol": event.Symbol})

	now := time.Now().UTC()
	book := &models.BookSnapshot{
		Exchange:    exchangeName,
		Symbol:      event.Symbol,
		Timestamp:   now,
		ReceiptTime: now,
	}

	book.Bids = make([]models.BookLevel, 0, len(event.Bids))
	for _, bid := range event.Bids {
		level, err := parseLevel(bid.Price, bid.Quantity)
		if err != nil {
			log.WithError(err).Warn("malformed bid level, skipping snapshot")
			return
		}
		book.Bids = append(book.Bids, level)
	}

	book.Asks = make([]models.BookLevel, 0, len(event.Asks))
	for _, ask := range event.Asks {
		level, err := parseLevel(ask.Price, ask.Quantity)
		if err != nil {
			log.WithError(err).Warn("malformed ask level, skipping snapshot")
			return
		}
		book.Asks = append(book.Asks, level)
	}

	logger.IncrementFeedRead(len(book.Bids) + len(book.Asks))
	if err := r.writer.WriteBookSnapshot(book); err != nil {
		log.WithError(err).Warn("failed to write book snapshot")
	}
}

func parseLevel(priceStr, sizeStr string) (models.BookLevel, error) {
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return models.BookLevel{}, fmt.Errorf("parse price %q: %w", priceStr, err)
	}
	size, err := strconv.ParseFloat(sizeStr, 64)
	if err != nil {
		return models.BookLevel{}, fmt.Errorf("parse size %q: %w", sizeStr, err)
	}
	return models.BookLevel{Price: price, Size: size}, nil
}

// sleep waits for the given duration, returning false when the context was
// cancelled first.
func (r *Reader) sleep(d time.Duration) bool {
	select {
	case <-r.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// wsDepthLevels maps the configured depth to the levels the partial depth
// stream supports.
func wsDepthLevels(depth int) string {
	switch {
	case depth <= 5:
		return "5"
	case depth <= 10:
		return "10"
	default:
		return "20"
	}
}
