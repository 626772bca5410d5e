package factory

import (
	"errors"
	"strings"

	"github.com/loykin/svcmon/internal/store"
	fs "github.com/loykin/svcmon/internal/store/file"
	pg "github.com/loykin/svcmon/internal/store/postgres"
	sq "github.com/loykin/svcmon/internal/store/sqlite"
)

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - file:     "file://<path>" or a bare path ending in ".toml"
//   - postgres: DSN starting with "postgres://" or "postgresql://"
//   - sqlite:   "sqlite://<path>" or any other bare path
//   - memory:   "memory://"
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	switch {
	case ld == "":
		return nil, errors.New("empty DSN")
	case ld == "memory://":
		return store.NewMemory(), nil
	case strings.HasPrefix(ld, "file://"), strings.HasSuffix(ld, ".toml"):
		return fs.New(d)
	case strings.HasPrefix(ld, "postgres://"), strings.HasPrefix(ld, "postgresql://"):
		return pg.New(d)
	case strings.HasPrefix(ld, "sqlite://"):
		return sq.New(strings.TrimPrefix(d, "sqlite://"))
	case strings.Contains(ld, "://"):
		return nil, errors.New("unsupported store DSN: " + d)
	}
	return sq.New(d)
}
