package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Pool sizing for the attendance workload: the API serves short
// point queries and the count worker holds at most one connection,
// so a small pool is plenty.
const (
	maxOpenConns    = 10
	maxIdleConns    = 5
	connMaxLifetime = time.Hour
	connMaxIdleTime = 5 * time.Minute
)

// DB wraps sql.DB for Postgres using pgx. Both the API and the
// count worker open their own handle through NewDB.
type DB struct {
	Client *sql.DB
}

// NewDB opens the clubcheck Postgres database and verifies connectivity.
func NewDB(connString string) (*DB, error) {
	db, err := openPool(connString)
	if err != nil {
		return nil, err
	}
	return &DB{Client: db}, db.PingContext(context.Background())
}

// openPool configures the connection pool without touching the network.
func openPool(connString string) (*sql.DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)
	return db, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}
