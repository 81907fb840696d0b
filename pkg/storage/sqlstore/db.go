// Package sqlstore is the relational storage backend for payment-kit,
// intended for a payee/hub service process shared across multiple
// instances. It stores u256 amounts as NUMERIC(78,0) so values never pass
// through a float type, and keeps the append-only rav log and the
// observability transaction ledger in ordinary indexed tables instead of
// the key/value shapes used by memstore and boltstore.
//
// Schema management follows golang-migrate's embedded-source pattern rather
// than a hand-rolled version table.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps a *sql.DB opened against a Postgres DSN with the payment-kit
// schema applied.
type DB struct {
	*sql.DB
}

// Open connects to the given Postgres DSN and migrates the schema to the
// latest version.
func Open(ctx context.Context, dsn string) (*DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: opening connection: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlstore: pinging database: %w", err)
	}

	if err := migrateUp(conn); err != nil {
		conn.Close()
		return nil, err
	}

	return &DB{conn}, nil
}

func migrateUp(conn *sql.DB) error {
	driver, err := postgres.WithInstance(conn, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("sqlstore: creating migration driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("sqlstore: reading embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("sqlstore: constructing migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("sqlstore: applying migrations: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (d *DB) Close() error {
	return d.DB.Close()
}
