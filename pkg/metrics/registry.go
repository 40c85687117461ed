// Shop metrics recorded through the OTel Metrics API
// Request volume and latency, sales, inventory, active users, and chaos state
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/andrewh/shopsim/pkg/chaos"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ScopeName is the instrumentation scope of every shop instrument.
const ScopeName = "github.com/andrewh/shopsim"

// Sale sources.
const (
	SourceSimulator = "simulator"
	SourceAPI       = "api"
)

var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 1.5, 2, 2.5, 3, 5, 10}

// Registry owns the process-wide shop instruments. Counters only grow; the
// registry is never reset.
type Registry struct {
	meter metric.Meter

	requests    metric.Int64Counter
	duration    metric.Float64Histogram
	revenue     metric.Float64Counter
	orders      metric.Int64Counter
	stock       metric.Int64Gauge
	activeUsers metric.Int64Gauge
	chaosMode   metric.Int64ObservableGauge
	leakBytes   metric.Int64ObservableGauge
}

// New creates the shop instruments on the given MeterProvider.
func New(mp metric.MeterProvider) (*Registry, error) {
	meter := mp.Meter(ScopeName)
	r := &Registry{meter: meter}
	var err error

	r.requests, err = meter.Int64Counter("shop.http.requests",
		metric.WithDescription("HTTP requests by method, endpoint, and status code"),
	)
	if err != nil {
		return nil, err
	}

	r.duration, err = meter.Float64Histogram("shop.http.request.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of successful HTTP requests"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	if err != nil {
		return nil, err
	}

	r.revenue, err = meter.Float64Counter("shop.sales.revenue",
		metric.WithDescription("Cumulative sales revenue"),
	)
	if err != nil {
		return nil, err
	}

	r.orders, err = meter.Int64Counter("shop.sales.orders",
		metric.WithDescription("Completed sales"),
	)
	if err != nil {
		return nil, err
	}

	r.stock, err = meter.Int64Gauge("shop.inventory.stock",
		metric.WithDescription("Current stock level per product"),
	)
	if err != nil {
		return nil, err
	}

	r.activeUsers, err = meter.Int64Gauge("shop.active.users",
		metric.WithDescription("Simulated number of active users"),
	)
	if err != nil {
		return nil, err
	}

	r.chaosMode, err = meter.Int64ObservableGauge("shop.chaos.mode.enabled",
		metric.WithDescription("1 when a chaos mode is enabled, 0 otherwise"),
	)
	if err != nil {
		return nil, err
	}

	r.leakBytes, err = meter.Int64ObservableGauge("shop.chaos.leak.bytes",
		metric.WithUnit("By"),
		metric.WithDescription("Bytes retained by the memory_leak chaos mode"),
	)
	if err != nil {
		return nil, err
	}

	return r, nil
}

// RecordRequest counts a served request under its actual status code and,
// for successful responses, records its wall-clock duration.
func (r *Registry) RecordRequest(ctx context.Context, method, endpoint string, status int, d time.Duration) {
	r.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.String("status", strconv.Itoa(status)),
	))
	if status < 400 {
		r.duration.Record(ctx, d.Seconds(), metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("endpoint", endpoint),
		))
	}
}

// RecordSale adds a completed sale to the revenue and order counters.
func (r *Registry) RecordSale(ctx context.Context, product string, price float64, source string) {
	attrs := metric.WithAttributes(
		attribute.String("product", product),
		attribute.String("source", source),
	)
	r.revenue.Add(ctx, price, attrs)
	r.orders.Add(ctx, 1, attrs)
}

// RecordStock sets the inventory gauge for a product. It satisfies
// shop.StockRecorder.
func (r *Registry) RecordStock(product string, stock int) {
	r.stock.Record(context.Background(), int64(stock), metric.WithAttributes(
		attribute.String("product", product),
	))
}

// SetActiveUsers overwrites the active-user gauge.
func (r *Registry) SetActiveUsers(ctx context.Context, n int) {
	r.activeUsers.Record(ctx, int64(n))
}

// ObserveChaos reports the chaos flags and leak size on every collection.
func (r *Registry) ObserveChaos(state *chaos.State) (metric.Registration, error) {
	return r.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for mode, on := range state.Snapshot() {
			var v int64
			if on {
				v = 1
			}
			o.ObserveInt64(r.chaosMode, v, metric.WithAttributes(attribute.String("mode", string(mode))))
		}
		o.ObserveInt64(r.leakBytes, state.Leak().Bytes())
		return nil
	}, r.chaosMode, r.leakBytes)
}
