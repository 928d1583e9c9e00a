package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tphummel/node_heartbeat/internal/models"
	_ "modernc.org/sqlite"
)

// SQLite is a Store backed by a SQLite database file.
type SQLite struct {
	conn *sql.DB
	now  func() time.Time
}

// New opens the SQLite database at path, enables WAL mode, and creates the
// nodes table if it does not exist.
func New(path string) (*SQLite, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite allows a single writer; one connection also keeps ":memory:"
	// databases from fragmenting across the pool.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &SQLite{conn: conn, now: time.Now}, nil
}

func migrate(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS nodes (
			node_name       TEXT PRIMARY KEY,
			zpool_name      TEXT,
			total_space     INTEGER,
			available_space INTEGER,
			last_heartbeat  TEXT NOT NULL
		);
	`)
	return err
}

// SetClock replaces the time source used to stamp last_heartbeat.
func (d *SQLite) SetClock(now func() time.Time) {
	d.now = now
}

// Close closes the underlying database connection.
func (d *SQLite) Close() error {
	return d.conn.Close()
}

// Ping verifies the database connection is alive.
func (d *SQLite) Ping(ctx context.Context) error {
	return d.conn.PingContext(ctx)
}

// Upsert implements Store.
func (d *SQLite) Upsert(ctx context.Context, n *models.Node) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := d.now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO nodes (node_name, zpool_name, total_space, available_space, last_heartbeat)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (node_name) DO UPDATE SET
			zpool_name = excluded.zpool_name,
			total_space = excluded.total_space,
			available_space = excluded.available_space,
			last_heartbeat = excluded.last_heartbeat`,
		n.NodeName,
		nullString(n.ZpoolName),
		nullInt64(n.TotalSpace),
		nullInt64(n.AvailableSpace),
		formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("upsert node %q: %w", n.NodeName, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	n.LastHeartbeat = now
	return nil
}

// Get returns the node with the given name, or ErrNotFound.
func (d *SQLite) Get(ctx context.Context, nodeName string) (*models.Node, error) {
	row := d.conn.QueryRowContext(ctx, `
		SELECT node_name, zpool_name, total_space, available_space, last_heartbeat
		FROM nodes WHERE node_name = ?`, nodeName)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return n, err
}

// List returns every node ordered by name.
func (d *SQLite) List(ctx context.Context) ([]*models.Node, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT node_name, zpool_name, total_space, available_space, last_heartbeat
		FROM nodes ORDER BY node_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*models.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNode(s scanner) (*models.Node, error) {
	var (
		n             models.Node
		zpool         sql.NullString
		total, avail  sql.NullInt64
		lastHeartbeat string
	)
	if err := s.Scan(&n.NodeName, &zpool, &total, &avail, &lastHeartbeat); err != nil {
		return nil, err
	}
	if zpool.Valid {
		n.ZpoolName = &zpool.String
	}
	if total.Valid {
		n.TotalSpace = &total.Int64
	}
	if avail.Valid {
		n.AvailableSpace = &avail.Int64
	}
	var err error
	n.LastHeartbeat, err = parseTime(lastHeartbeat)
	if err != nil {
		return nil, fmt.Errorf("parse last_heartbeat %q: %w", lastHeartbeat, err)
	}
	return &n, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt64(n *int64) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *n, Valid: true}
}
