package questdb

import (
	"strconv"
	"strings"

	"marketflow/models"
)

// ILP (InfluxDB line protocol) rendering for the streaming ingestion port.
// One line per row: table, comma-separated tag columns, space, field columns,
// space, nanosecond timestamp, newline. Lines are pre-rendered at enqueue
// time so the consumer only concatenates byte slices on flush.

const tradesTable = "trades"

// AppendTradeLine renders one trade as an ILP line and appends it to dst.
func AppendTradeLine(dst []byte, t *models.Trade) []byte {
	dst = append(dst, tradesTable...)
	dst = append(dst, ",exchange="...)
	dst = appendTagValue(dst, t.Exchange)
	dst = append(dst, ",symbol="...)
	dst = appendTagValue(dst, t.Symbol)
	dst = append(dst, ",side="...)
	dst = appendTagValue(dst, string(t.Side))

	dst = append(dst, " price="...)
	dst = strconv.AppendFloat(dst, t.Price, 'f', -1, 64)
	dst = append(dst, ",size="...)
	dst = strconv.AppendFloat(dst, t.Size, 'f', -1, 64)
	if t.TradeID != "" {
		dst = append(dst, ",trade_id=\""...)
		dst = appendStringValue(dst, t.TradeID)
		dst = append(dst, '"')
	}

	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, t.EventTime().UnixNano(), 10)
	dst = append(dst, '\n')
	return dst
}

// appendTagValue escapes the characters the line protocol reserves in tag
// values: spaces, commas and equals signs.
func appendTagValue(dst []byte, s string) []byte {
	if !strings.ContainsAny(s, " ,=") {
		return append(dst, s...)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case ' ', ',', '=':
			dst = append(dst, '\\', c)
		default:
			dst = append(dst, c)
		}
	}
	return dst
}

// appendStringValue escapes double quotes and backslashes inside a quoted
// string field value.
func appendStringValue(dst []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"', '\\':
			dst = append(dst, '\\', c)
		default:
			dst = append(dst, c)
		}
	}
	return dst
}
