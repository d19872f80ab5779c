// Package refdata resolves symbols to display names for outbound messages.
// Missing reference data degrades to echoing the raw symbol.
package refdata

import (
	"context"
	"sync"
	"time"

	"market-streamer/pkg/shared"
)

// Lookup resolves a symbol to a human-readable name.
type Lookup interface {
	DisplayName(symbol string) string
}

// Static is a fixed in-memory lookup, used in tests and as a fallback.
type Static map[string]string

func (s Static) DisplayName(symbol string) string {
	if name, ok := s[symbol]; ok {
		return name
	}
	return symbol
}

// PgLookup reads names from the symbols table, caching results. A query
// failure or missing row yields the raw symbol, never an error.
type PgLookup struct {
	db  shared.DB
	log shared.Logger

	mu    sync.RWMutex
	cache map[string]string
}

func NewPgLookup(db shared.DB, log shared.Logger) *PgLookup {
	return &PgLookup{db: db, log: log, cache: make(map[string]string)}
}

func (l *PgLookup) DisplayName(symbol string) string {
	l.mu.RLock()
	name, ok := l.cache[symbol]
	l.mu.RUnlock()
	if ok {
		return name
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	name = symbol
	row := l.db.QueryRow(ctx, `SELECT name FROM symbols WHERE symbol = $1`, symbol)
	var found string
	if err := row.Scan(&found); err == nil && found != "" {
		name = found
	}

	l.mu.Lock()
	l.cache[symbol] = name
	l.mu.Unlock()
	return name
}
