// Tests for the order journal backends and DSN dispatch
// sqlite runs in memory; postgres runs only when SHOPSIM_TEST_POSTGRES_DSN is set
package journal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T) Journal {
	t.Helper()
	j, err := Open(context.Background(), "sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func order(product string, price float64, at time.Time) Order {
	return Order{ID: uuid.NewString(), Product: product, Price: price, Source: "api", CreatedAt: at}
}

func exerciseJournal(t *testing.T, j Journal) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := order("laptop", 1200, base)
	second := order("phone", 800, base.Add(time.Second))
	third := order("keyboard", 75, base.Add(2*time.Second))
	for _, o := range []Order{first, second, third} {
		require.NoError(t, j.Record(ctx, o))
	}

	recent, err := j.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, third.ID, recent[0].ID, "newest first")
	assert.Equal(t, second.ID, recent[1].ID)
	assert.Equal(t, "keyboard", recent[0].Product)
	assert.InDelta(t, 75, recent[0].Price, 1e-9)
	assert.Equal(t, "api", recent[0].Source)
	assert.True(t, third.CreatedAt.Equal(recent[0].CreatedAt))

	all, err := j.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3, "non-positive limit uses the default")

	err = j.Record(ctx, first)
	require.Error(t, err, "order ids are unique")
}

func TestSQLiteJournal(t *testing.T) {
	t.Parallel()
	exerciseJournal(t, openMemory(t))
}

func TestSQLiteJournalReopensFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "orders.db")
	ctx := context.Background()

	j, err := Open(ctx, "sqlite://"+path)
	require.NoError(t, err)
	o := order("monitor", 300, time.Now())
	require.NoError(t, j.Record(ctx, o))
	require.NoError(t, j.Close())

	j, err = Open(ctx, "sqlite://"+path)
	require.NoError(t, err, "migrations are idempotent")
	t.Cleanup(func() { _ = j.Close() })

	recent, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, o.ID, recent[0].ID)
}

func TestSQLiteJournalConcurrentWrites(t *testing.T) {
	t.Parallel()

	j := openMemory(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Go(func() {
			assert.NoError(t, j.Record(ctx, order(fmt.Sprintf("p%d", i), 1, time.Now())))
		})
	}
	wg.Wait()

	recent, err := j.Recent(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, recent, 20)
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "mysql://root:secret@db/shop")
	require.ErrorIs(t, err, ErrUnsupportedDSN)
	assert.NotContains(t, err.Error(), "secret")

	_, err = OpenSQLite(context.Background(), "")
	require.Error(t, err)
}

func TestClampLimit(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultRecentLimit, clampLimit(0))
	assert.Equal(t, DefaultRecentLimit, clampLimit(-3))
	assert.Equal(t, 7, clampLimit(7))
	assert.Equal(t, MaxRecentLimit, clampLimit(MaxRecentLimit+1))
}

func TestPostgresJournal(t *testing.T) {
	dsn := os.Getenv("SHOPSIM_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SHOPSIM_TEST_POSTGRES_DSN not set")
	}

	j, err := Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	pg, ok := j.(*Postgres)
	require.True(t, ok)
	_, err = pg.pool.Exec(context.Background(), "TRUNCATE orders")
	require.NoError(t, err)

	exerciseJournal(t, j)
}
