package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a Journal stored in postgres through a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn, migrates the schema, and returns the journal.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to postgres journal: %w", err)
	}
	if err := migratePostgres(dsn); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

func migratePostgres(dsn string) error {
	src, err := iofs.New(migrations, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("loading postgres migrations: %w", err)
	}

	// The pgx v5 migrate driver registers the pgx5 scheme.
	_, rest, _ := strings.Cut(dsn, "://")
	m, err := migrate.NewWithSourceInstance("iofs", src, "pgx5://"+rest)
	if err != nil {
		return fmt.Errorf("preparing postgres migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying postgres migrations: %w", err)
	}
	return nil
}

// Record inserts an order.
func (p *Postgres) Record(ctx context.Context, o Order) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO orders (id, product, price, source, created_at) VALUES ($1, $2, $3, $4, $5)`,
		o.ID, o.Product, o.Price, o.Source, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("recording order %s: %w", o.ID, err)
	}
	return nil
}

// Recent returns up to limit orders, newest first.
func (p *Postgres) Recent(ctx context.Context, limit int) ([]Order, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, product, price, source, created_at FROM orders ORDER BY created_at DESC, id DESC LIMIT $1`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.Product, &o.Price, &o.Source, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning order: %w", err)
		}
		o.CreatedAt = o.CreatedAt.UTC()
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading orders: %w", err)
	}
	return orders, nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
