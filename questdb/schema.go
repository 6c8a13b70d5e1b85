package questdb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"marketflow/logger"
)

// Schema bootstrap. Runs once at startup, before any writer starts, so
// ingestion never races table creation. All statements are idempotent.

const (
	readyRetries = 30
	readyDelay   = 2 * time.Second
)

var tradesDDL = strings.TrimSpace(`
CREATE TABLE IF NOT EXISTS trades (
    timestamp TIMESTAMP_NS,
    exchange SYMBOL CAPACITY 256 CACHE,
    symbol SYMBOL CAPACITY 256 CACHE,
    price DOUBLE,
    size DOUBLE,
    side SYMBOL CAPACITY 256 CACHE,
    trade_id VARCHAR
) TIMESTAMP(timestamp) PARTITION BY DAY WAL`)

var orderbooksDDL = strings.TrimSpace(`
CREATE TABLE IF NOT EXISTS orderbooks (
    timestamp TIMESTAMP_NS,
    exchange SYMBOL CAPACITY 256 CACHE,
    symbol SYMBOL CAPACITY 256 CACHE,
    bids DOUBLE[][],
    asks DOUBLE[][]
) TIMESTAMP(timestamp) PARTITION BY HOUR WAL`)

// Raw books are only needed long enough to feed the sampled view, so they
// carry a short retention.
const orderbooksTTL = "ALTER TABLE orderbooks SET TTL 1 HOURS"

var sampledViewDDL = strings.TrimSpace(`
CREATE MATERIALIZED VIEW IF NOT EXISTS orderbooks_1s AS
SELECT timestamp, exchange, symbol, last(bids) AS bids, last(asks) AS asks
FROM orderbooks
SAMPLE BY 1s`)

// WaitForReady polls the database until it answers a trivial query, retrying
// for up to a minute. Container startup ordering is not deterministic and
// the database regularly comes up after the feed.
func WaitForReady(ctx context.Context, session *Session) error {
	log := logger.GetLogger().WithComponent("qdb_schema")

	var lastErr error
	for attempt := 1; attempt <= readyRetries; attempt++ {
		if _, lastErr = session.Query(ctx, "SELECT 1"); lastErr == nil {
			log.WithFields(logger.Fields{"attempts": attempt}).Info("questdb is ready")
			return nil
		}
		log.WithFields(logger.Fields{
			"attempt":     attempt,
			"max_retries": readyRetries,
		}).Debug("questdb not ready yet, waiting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readyDelay):
		}
	}
	return fmt.Errorf("questdb not ready after %d attempts: %w", readyRetries, lastErr)
}

// EnsureTables creates the ingestion tables, the retention policy and the
// 1-second sampled view.
func EnsureTables(ctx context.Context, session *Session) error {
	log := logger.GetLogger().WithComponent("qdb_schema")

	steps := []struct {
		name string
		sql  string
	}{
		{"trades table", tradesDDL},
		{"orderbooks table", orderbooksDDL},
		{"orderbooks ttl", orderbooksTTL},
		{"orderbooks_1s view", sampledViewDDL},
	}

	for _, step := range steps {
		if err := session.Exec(ctx, step.sql); err != nil {
			// TTL re-application on an already-configured table is not an
			// error worth failing startup over.
			if qerr, ok := err.(*QueryError); ok && strings.Contains(strings.ToLower(qerr.Message), "already") {
				log.WithFields(logger.Fields{"step": step.name}).Debug("already configured")
				continue
			}
			return fmt.Errorf("ensure %s: %w", step.name, err)
		}
		log.WithFields(logger.Fields{"step": step.name}).Info("schema step applied")
	}

	log.Info("questdb schema ready")
	return nil
}
