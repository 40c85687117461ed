// Background traffic simulator producing sales, user counts, and leak growth
// One goroutine ticks at a fixed cadence that slows while cpu_stress is on
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/andrewh/shopsim/pkg/chaos"
	"github.com/andrewh/shopsim/pkg/metrics"
	"github.com/andrewh/shopsim/pkg/shop"
)

// Recorder receives the simulator's business metrics.
type Recorder interface {
	RecordSale(ctx context.Context, product string, price float64, source string)
	SetActiveUsers(ctx context.Context, n int)
}

// Simulator drives background shop traffic.
type Simulator struct {
	Catalog        *shop.Catalog
	Chaos          *chaos.State
	Metrics        Recorder
	Rng            *rand.Rand
	Interval       time.Duration
	StressInterval time.Duration
	ActiveUsers    IntRange
	LeakBlock      int
	Scenarios      []Scenario
	Logger         *slog.Logger

	users atomic.Int64
}

// Stats holds counters collected during a simulator run.
type Stats struct {
	Ticks        int64   `json:"ticks"`
	Sales        int64   `json:"sales"`
	SkippedSales int64   `json:"skipped_sales"`
	Revenue      float64 `json:"revenue"`
	LeakedBlocks int64   `json:"leaked_blocks"`
	Faults       int64   `json:"faults"`
	ElapsedMs    int64   `json:"elapsed_ms"`
}

// New builds a simulator for a resolved workload.
func New(w *Workload, catalog *shop.Catalog, state *chaos.State, rec Recorder, logger *slog.Logger) *Simulator {
	return &Simulator{
		Catalog:        catalog,
		Chaos:          state,
		Metrics:        rec,
		Interval:       w.Interval,
		StressInterval: w.StressInterval,
		ActiveUsers:    w.ActiveUsers,
		LeakBlock:      w.LeakBlock,
		Scenarios:      w.Scenarios,
		Logger:         logger,
	}
}

// CurrentUsers returns the most recently simulated active-user count.
func (s *Simulator) CurrentUsers() int {
	return int(s.users.Load())
}

// Run ticks until ctx is cancelled and returns the collected stats.
func (s *Simulator) Run(ctx context.Context) (*Stats, error) {
	if s.Catalog == nil || s.Chaos == nil || s.Metrics == nil {
		return nil, fmt.Errorf("simulator requires a catalog, chaos state, and metrics recorder")
	}
	if s.Interval <= 0 {
		return nil, fmt.Errorf("simulator interval must be positive, got %s", s.Interval)
	}
	if s.Rng == nil {
		s.Rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) //nolint:gosec // simulated traffic
	}
	if s.Logger == nil {
		s.Logger = slog.New(slog.DiscardHandler)
	}

	var stats Stats
	sched := newScheduler(s.Scenarios)
	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			stats.ElapsedMs = time.Since(startTime).Milliseconds()
			return &stats, nil
		default:
		}

		s.cycle(ctx, time.Since(startTime), sched, &stats)

		select {
		case <-ctx.Done():
			stats.ElapsedMs = time.Since(startTime).Milliseconds()
			return &stats, nil
		case <-time.After(s.nextInterval()):
		}
	}
}

// nextInterval is the pause before the next cycle.
func (s *Simulator) nextInterval() time.Duration {
	if s.Chaos.Enabled(chaos.CPUStress) && s.StressInterval > 0 {
		return s.StressInterval
	}
	return s.Interval
}

// cycle runs one simulator step. A panic is recovered and counted so the
// loop keeps running.
func (s *Simulator) cycle(ctx context.Context, elapsed time.Duration, sched *scheduler, stats *Stats) {
	defer func() {
		if r := recover(); r != nil {
			stats.Faults++
			s.Logger.Error("simulator cycle failed", "panic", r, "tick", stats.Ticks)
		}
	}()
	stats.Ticks++

	users := s.ActiveUsers.Min
	if span := s.ActiveUsers.Max - s.ActiveUsers.Min; span > 0 {
		users += s.Rng.IntN(span + 1)
	}
	s.users.Store(int64(users))
	s.Metrics.SetActiveUsers(ctx, users)

	if s.Chaos.Enabled(chaos.ErrorRate) {
		stats.SkippedSales++
	} else {
		name := s.Catalog.PickRandom(s.Rng)
		p, err := s.Catalog.Purchase(name)
		if err != nil {
			stats.Faults++
			s.Logger.Error("simulated purchase failed", "product", name, "error", err)
			return
		}
		s.Metrics.RecordSale(ctx, p.Name, p.Price, metrics.SourceSimulator)
		stats.Sales++
		stats.Revenue += p.Price
	}

	if s.Chaos.GrowLeak(s.LeakBlock) {
		stats.LeakedBlocks++
	}

	changes, err := sched.apply(s.Chaos, elapsed)
	for _, c := range changes {
		s.Logger.Info("scenario transition", "mode", c.Mode, "enabled", c.Enabled, "elapsed", elapsed)
	}
	if err != nil {
		s.Logger.Error("scenario transition failed", "error", err)
	}
}
