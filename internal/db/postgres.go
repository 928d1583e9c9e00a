package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tphummel/node_heartbeat/internal/models"
)

// Postgres is a Store backed by a PostgreSQL connection pool.
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgres connects to the database at url and creates the nodes table if
// it does not exist.
func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	if url == "" {
		return nil, errors.New("postgres connection string is required")
	}
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS nodes (
			node_name       TEXT PRIMARY KEY,
			zpool_name      TEXT,
			total_space     BIGINT,
			available_space BIGINT,
			last_heartbeat  TIMESTAMP WITH TIME ZONE NOT NULL
		)`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Postgres{pool: pool, now: time.Now}, nil
}

// SetClock replaces the time source used to stamp last_heartbeat.
func (p *Postgres) SetClock(now func() time.Time) {
	p.now = now
}

// Ping checks database connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// WithTx executes fn within a transaction, committing when fn returns nil.
func (p *Postgres) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback(ctx) //nolint:errcheck
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rolling back transaction: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Upsert implements Store.
func (p *Postgres) Upsert(ctx context.Context, n *models.Node) error {
	var now time.Time
	err := p.WithTx(ctx, func(tx pgx.Tx) error {
		now = p.now().UTC()
		_, err := tx.Exec(ctx, `
			INSERT INTO nodes (node_name, zpool_name, total_space, available_space, last_heartbeat)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (node_name) DO UPDATE SET
				zpool_name = EXCLUDED.zpool_name,
				total_space = EXCLUDED.total_space,
				available_space = EXCLUDED.available_space,
				last_heartbeat = EXCLUDED.last_heartbeat`,
			n.NodeName, n.ZpoolName, n.TotalSpace, n.AvailableSpace, now,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert node %q: %w", n.NodeName, err)
	}

	n.LastHeartbeat = now
	return nil
}

// Get returns the node with the given name, or ErrNotFound.
func (p *Postgres) Get(ctx context.Context, nodeName string) (*models.Node, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT node_name, zpool_name, total_space, available_space, last_heartbeat
		FROM nodes WHERE node_name = $1`, nodeName)

	var n models.Node
	err := row.Scan(&n.NodeName, &n.ZpoolName, &n.TotalSpace, &n.AvailableSpace, &n.LastHeartbeat)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	n.LastHeartbeat = n.LastHeartbeat.UTC()
	return &n, nil
}

// List returns every node ordered by name.
func (p *Postgres) List(ctx context.Context) ([]*models.Node, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT node_name, zpool_name, total_space, available_space, last_heartbeat
		FROM nodes ORDER BY node_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*models.Node
	for rows.Next() {
		var n models.Node
		if err := rows.Scan(&n.NodeName, &n.ZpoolName, &n.TotalSpace, &n.AvailableSpace, &n.LastHeartbeat); err != nil {
			return nil, err
		}
		n.LastHeartbeat = n.LastHeartbeat.UTC()
		nodes = append(nodes, &n)
	}
	return nodes, rows.Err()
}
