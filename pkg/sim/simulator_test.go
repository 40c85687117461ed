// Tests for the background simulator cycle and run loop
// Uses a recording metrics fake and a deterministic random source
package sim

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/andrewh/shopsim/pkg/chaos"
	"github.com/andrewh/shopsim/pkg/metrics"
	"github.com/andrewh/shopsim/pkg/shop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sale struct {
	product string
	price   float64
	source  string
}

type fakeRecorder struct {
	mu         sync.Mutex
	sales      []sale
	users      []int
	panicUsers int
}

func (f *fakeRecorder) RecordSale(_ context.Context, product string, price float64, source string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sales = append(f.sales, sale{product, price, source})
}

func (f *fakeRecorder) SetActiveUsers(_ context.Context, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicUsers > 0 {
		f.panicUsers--
		panic("recorder exploded")
	}
	f.users = append(f.users, n)
}

func (f *fakeRecorder) snapshot() ([]sale, []int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sale(nil), f.sales...), append([]int(nil), f.users...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestSimulator(t *testing.T) (*Simulator, *fakeRecorder) {
	t.Helper()
	w, err := Resolve(DefaultConfig())
	require.NoError(t, err)
	catalog, err := shop.NewCatalog(w.Products, w.Restock, nil)
	require.NoError(t, err)
	rec := &fakeRecorder{}
	s := New(w, catalog, chaos.NewState(), rec, nil)
	s.Rng = rand.New(rand.NewPCG(7, 0)) //nolint:gosec // deterministic seed for testing
	s.LeakBlock = 1024
	return s, rec
}

func runCycles(s *Simulator, n int) *Stats {
	var stats Stats
	sched := newScheduler(s.Scenarios)
	if s.Logger == nil {
		s.Logger = discardLogger()
	}
	for i := range n {
		s.cycle(context.Background(), time.Duration(i)*s.Interval, sched, &stats)
	}
	return &stats
}

func TestCycleSellsAndSetsUsers(t *testing.T) {
	t.Parallel()

	s, rec := newTestSimulator(t)
	stats := runCycles(s, 200)

	sales, users := rec.snapshot()
	assert.Equal(t, int64(200), stats.Ticks)
	assert.Equal(t, int64(200), stats.Sales)
	require.Len(t, sales, 200)
	require.Len(t, users, 200)

	prices := map[string]float64{"headphones": 150, "keyboard": 75, "laptop": 1200, "monitor": 300, "phone": 800}
	var revenue float64
	sold := make(map[string]int)
	for _, sl := range sales {
		assert.Equal(t, prices[sl.product], sl.price)
		assert.Equal(t, metrics.SourceSimulator, sl.source)
		revenue += sl.price
		sold[sl.product]++
	}
	assert.InDelta(t, revenue, stats.Revenue, 1e-6)
	assert.Len(t, sold, 5, "every product is eventually picked")

	for _, u := range users {
		assert.GreaterOrEqual(t, u, 200)
		assert.LessOrEqual(t, u, 5000)
	}
	assert.Equal(t, users[len(users)-1], s.CurrentUsers())

	for _, p := range s.Catalog.Snapshot() {
		assert.GreaterOrEqual(t, p.Stock, shop.DefaultLowWater)
		assert.LessOrEqual(t, p.Stock, shop.DefaultRestockLevel)
	}
}

func TestCycleSkipsSalesDuringErrorRate(t *testing.T) {
	t.Parallel()

	s, rec := newTestSimulator(t)
	_, err := s.Chaos.Set("error_rate", true)
	require.NoError(t, err)
	before := s.Catalog.Snapshot()

	stats := runCycles(s, 50)

	sales, users := rec.snapshot()
	assert.Empty(t, sales)
	assert.Len(t, users, 50, "active users keep moving")
	assert.Equal(t, int64(50), stats.SkippedSales)
	assert.Zero(t, stats.Revenue)
	assert.Equal(t, before, s.Catalog.Snapshot(), "stock is untouched")
}

func TestCycleGrowsLeakOnlyWhileEnabled(t *testing.T) {
	t.Parallel()

	s, _ := newTestSimulator(t)
	runCycles(s, 3)
	assert.Zero(t, s.Chaos.Leak().Blocks())

	_, err := s.Chaos.Set("memory_leak", true)
	require.NoError(t, err)
	stats := runCycles(s, 4)
	assert.Equal(t, int64(4), stats.LeakedBlocks)
	assert.Equal(t, 4, s.Chaos.Leak().Blocks())
	assert.Equal(t, int64(4096), s.Chaos.Leak().Bytes())

	_, err = s.Chaos.Set("memory_leak", false)
	require.NoError(t, err)
	assert.Zero(t, s.Chaos.Leak().Bytes())
}

func TestCycleRecoversFromPanic(t *testing.T) {
	t.Parallel()

	s, rec := newTestSimulator(t)
	rec.panicUsers = 2

	stats := runCycles(s, 5)
	assert.Equal(t, int64(5), stats.Ticks)
	assert.Equal(t, int64(2), stats.Faults)
	assert.Equal(t, int64(3), stats.Sales)
}

func TestCycleAppliesScenarios(t *testing.T) {
	t.Parallel()

	s, _ := newTestSimulator(t)
	s.Scenarios = []Scenario{{Name: "outage", Start: 100 * time.Millisecond, End: 200 * time.Millisecond, Modes: []chaos.Mode{chaos.ErrorRate}}}
	s.Logger = discardLogger()

	var stats Stats
	sched := newScheduler(s.Scenarios)
	s.cycle(context.Background(), 0, sched, &stats)
	assert.False(t, s.Chaos.Enabled(chaos.ErrorRate))
	s.cycle(context.Background(), 150*time.Millisecond, sched, &stats)
	assert.True(t, s.Chaos.Enabled(chaos.ErrorRate))
	s.cycle(context.Background(), 250*time.Millisecond, sched, &stats)
	assert.False(t, s.Chaos.Enabled(chaos.ErrorRate))
}

func TestNextIntervalSlowsUnderStress(t *testing.T) {
	t.Parallel()

	s, _ := newTestSimulator(t)
	assert.Equal(t, 50*time.Millisecond, s.nextInterval())
	_, err := s.Chaos.Set("cpu_stress", true)
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, s.nextInterval())
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	s, rec := newTestSimulator(t)
	s.Interval = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	stats, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Positive(t, stats.Ticks)
	assert.Equal(t, stats.Ticks, stats.Sales)
	assert.GreaterOrEqual(t, stats.ElapsedMs, int64(40))

	sales, _ := rec.snapshot()
	assert.Len(t, sales, int(stats.Sales))
}

func TestRunRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := (&Simulator{}).Run(context.Background())
	require.Error(t, err)

	s, _ := newTestSimulator(t)
	s.Interval = 0
	_, err = s.Run(context.Background())
	require.Error(t, err)
}
