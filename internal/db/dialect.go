package db

import (
	"strconv"
	"strings"

	"taskledger/internal/config"
)

// Rebind rewrites ? placeholders to $n for postgres. Queries are written
// once with ? and never contain a literal question mark.
func Rebind(driver, query string) string {
	if driver != config.DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
