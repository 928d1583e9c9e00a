package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tphummel/node_heartbeat/internal/models"
)

// ErrNotFound is returned by Get when no row exists for the node name.
var ErrNotFound = errors.New("node not found")

// Store persists the latest heartbeat of every node. Implementations must be
// safe for concurrent use.
type Store interface {
	// Upsert inserts n or replaces every non-key column of the existing row
	// for n.NodeName, in a single transaction. On success n.LastHeartbeat
	// holds the timestamp written.
	Upsert(ctx context.Context, n *models.Node) error
	Get(ctx context.Context, nodeName string) (*models.Node, error)
	List(ctx context.Context) ([]*models.Node, error)
	Ping(ctx context.Context) error
	Close() error
}

// Supported values for Config.Driver.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and locates the backing store.
type Config struct {
	Driver string
	Path   string // sqlite file path
	URL    string // postgres connection string
}

// Open returns the Store described by cfg.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		s, err := New(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverPostgres:
		p, err := NewPostgres(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported driver %q", cfg.Driver)
	}
}

// timeLayout is fixed width in UTC so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

var (
	_ Store = (*SQLite)(nil)
	_ Store = (*Postgres)(nil)
)
