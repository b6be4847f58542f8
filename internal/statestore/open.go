package statestore

import (
	"context"
	"fmt"
	"io"

	"github.com/nugget/kinship/internal/relationship"
)

// Store is a Persister that holds a connection.
type Store interface {
	relationship.Persister
	io.Closer
	Ping(ctx context.Context) error
}

// Driver names.
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Options selects and configures a driver.
type Options struct {
	Driver string
	// Path is the SQLite database file.
	Path  string
	Redis RedisConfig
}

// Open returns the store for opts.Driver. An empty driver means SQLite.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", DriverSQLite:
		s, err := OpenSQLite(opts.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverRedis:
		r, err := OpenRedis(ctx, opts.Redis)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
}
