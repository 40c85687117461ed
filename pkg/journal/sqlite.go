package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

// SQLite is a Journal stored in a sqlite database through database/sql.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and migrates it.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite journal path cannot be empty")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite journal: %w", err)
	}
	// One connection keeps :memory: databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to sqlite journal: %w", err)
	}
	if err := migrateSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func migrateSQLite(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations/sqlite")
	if err != nil {
		return fmt.Errorf("loading sqlite migrations: %w", err)
	}
	defer src.Close()

	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("preparing sqlite migrations: %w", err)
	}
	// The migrate instance is not closed: closing it would close db.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("preparing sqlite migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying sqlite migrations: %w", err)
	}
	return nil
}

// Record inserts an order.
func (s *SQLite) Record(ctx context.Context, o Order) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (id, product, price, source, created_at) VALUES (?, ?, ?, ?, ?)`,
		o.ID, o.Product, o.Price, o.Source, o.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("recording order %s: %w", o.ID, err)
	}
	return nil
}

// Recent returns up to limit orders, newest first.
func (s *SQLite) Recent(ctx context.Context, limit int) ([]Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, product, price, source, created_at FROM orders ORDER BY created_at DESC, id DESC LIMIT ?`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		var o Order
		var created int64
		if err := rows.Scan(&o.ID, &o.Product, &o.Price, &o.Source, &created); err != nil {
			return nil, fmt.Errorf("scanning order: %w", err)
		}
		o.CreatedAt = time.Unix(0, created).UTC()
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading orders: %w", err)
	}
	return orders, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
