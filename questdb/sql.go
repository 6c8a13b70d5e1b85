package questdb

import (
	"strconv"
	"strings"
	"time"

	"marketflow/models"
)

// SQL rendering for array-valued book rows. The text line protocol carries
// only scalar fields, so encoded snapshots travel through the HTTP /exec
// endpoint as INSERT statements with DOUBLE[][] array literals.

const orderbooksTable = "orderbooks"

// sqlTimeFormat is the timestamp literal layout, nanosecond precision to
// match the TIMESTAMP_NS designated column.
const sqlTimeFormat = "2006-01-02T15:04:05.000000000Z"

// BuildBookInsert renders a multi-row INSERT statement for encoded book rows.
// Rows are written in the given order. An empty input yields an empty string.
func BuildBookInsert(rows []*models.EncodedBookRow) string {
	if len(rows) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(orderbooksTable)
	b.WriteString(" (timestamp, exchange, symbol, bids, asks) VALUES ")
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		writeTimestampLiteral(&b, row.Timestamp)
		b.WriteString(", ")
		writeStringLiteral(&b, row.Exchange)
		b.WriteString(", ")
		writeStringLiteral(&b, row.Symbol)
		b.WriteString(", ")
		writeMatrixLiteral(&b, row.Bids)
		b.WriteString(", ")
		writeMatrixLiteral(&b, row.Asks)
		b.WriteByte(')')
	}
	return b.String()
}

func writeTimestampLiteral(b *strings.Builder, ts time.Time) {
	b.WriteByte('\'')
	b.WriteString(ts.UTC().Format(sqlTimeFormat))
	b.WriteByte('\'')
}

func writeStringLiteral(b *strings.Builder, s string) {
	b.WriteByte('\'')
	b.WriteString(strings.ReplaceAll(s, "'", "''"))
	b.WriteByte('\'')
}

// writeMatrixLiteral renders a 2xN matrix as ARRAY[[prices],[sizes]]. A side
// with no levels is stored as NULL since the server rejects zero-length
// array dimensions.
func writeMatrixLiteral(b *strings.Builder, m models.BookMatrix) {
	if m.Cols() == 0 {
		b.WriteString("NULL")
		return
	}
	b.WriteString("ARRAY[")
	for row := 0; row < 2; row++ {
		if row > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('[')
		for col, v := range m[row] {
			if col > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
		}
		b.WriteByte(']')
	}
	b.WriteByte(']')
}
