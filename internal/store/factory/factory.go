// Package factory selects a Persistence Layer driver from a single DSN
// string, so cmd/novapm and internal/config never import the concrete
// sqlite/postgres packages directly.
package factory

import (
	"errors"
	"strings"

	"github.com/novapm/novapm/internal/store"
	pg "github.com/novapm/novapm/internal/store/postgres"
	sq "github.com/novapm/novapm/internal/store/sqlite"
)

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - sqlite:  "sqlite:///<path>" or bare filepath (treated as sqlite)
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return pg.New(d)
	}
	if strings.HasPrefix(ld, "sqlite://") {
		path := strings.TrimPrefix(d, "sqlite://")
		return sq.New(path)
	}
	// default to sqlite path
	return sq.New(d)
}
