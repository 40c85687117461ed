// Tests for the shop metrics registry
// Uses the OTel SDK ManualReader to verify metric data points
package metrics

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/andrewh/shopsim/pkg/chaos"
	"github.com/andrewh/shopsim/pkg/shop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestRegistry(t *testing.T) (*Registry, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	reg, err := New(mp)
	require.NoError(t, err)
	return reg, reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func attrValue(set attribute.Set, key string) string {
	v, _ := set.Value(attribute.Key(key))
	return v.AsString()
}

func gaugeByProduct(t *testing.T, rm metricdata.ResourceMetrics) map[string]int64 {
	t.Helper()
	m := findMetric(rm, "shop.inventory.stock")
	require.NotNil(t, m, "shop.inventory.stock metric should exist")
	gauge, ok := m.Data.(metricdata.Gauge[int64])
	require.True(t, ok, "inventory should be a Gauge[int64]")
	out := make(map[string]int64, len(gauge.DataPoints))
	for _, dp := range gauge.DataPoints {
		out[attrValue(dp.Attributes, "product")] = dp.Value
	}
	return out
}

func TestRecordRequest(t *testing.T) {
	t.Parallel()

	reg, reader := newTestRegistry(t)
	ctx := context.Background()

	reg.RecordRequest(ctx, "GET", "/", 200, 1500*time.Millisecond)
	reg.RecordRequest(ctx, "GET", "/", 200, 20*time.Millisecond)
	reg.RecordRequest(ctx, "GET", "/", 500, 5*time.Millisecond)
	reg.RecordRequest(ctx, "POST", "/buy/:product", 404, time.Millisecond)

	rm := collectMetrics(t, reader)

	m := findMetric(rm, "shop.http.requests")
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "request count should be a Sum[int64]")
	assert.True(t, sum.IsMonotonic)

	byStatus := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		byStatus[attrValue(dp.Attributes, "method")+" "+attrValue(dp.Attributes, "endpoint")+" "+attrValue(dp.Attributes, "status")] = dp.Value
	}
	assert.Equal(t, map[string]int64{
		"GET / 200":              2,
		"GET / 500":              1,
		"POST /buy/:product 404": 1,
	}, byStatus)

	h := findMetric(rm, "shop.http.request.duration")
	require.NotNil(t, h)
	assert.Equal(t, "s", h.Unit)
	hist, ok := h.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1, "failures are not timed")
	assert.Equal(t, uint64(2), hist.DataPoints[0].Count)
	assert.InDelta(t, 1.52, hist.DataPoints[0].Sum, 0.0001)
}

func TestRecordSale(t *testing.T) {
	t.Parallel()

	reg, reader := newTestRegistry(t)
	ctx := context.Background()

	reg.RecordSale(ctx, "laptop", 1200, SourceAPI)
	reg.RecordSale(ctx, "laptop", 1200, SourceSimulator)
	reg.RecordSale(ctx, "mouse", 25.5, SourceSimulator)

	rm := collectMetrics(t, reader)
	m := findMetric(rm, "shop.sales.revenue")
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[float64])
	require.True(t, ok)

	var total float64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	assert.InDelta(t, 2425.5, total, 0.0001)

	orders := findMetric(rm, "shop.sales.orders")
	require.NotNil(t, orders)
	osum, ok := orders.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Len(t, osum.DataPoints, 3)
}

func TestCountersNeverDecrease(t *testing.T) {
	t.Parallel()

	reg, reader := newTestRegistry(t)
	ctx := context.Background()

	totals := func() (int64, float64) {
		rm := collectMetrics(t, reader)
		var reqs int64
		if m := findMetric(rm, "shop.http.requests"); m != nil {
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				reqs += dp.Value
			}
		}
		var rev float64
		if m := findMetric(rm, "shop.sales.revenue"); m != nil {
			for _, dp := range m.Data.(metricdata.Sum[float64]).DataPoints {
				rev += dp.Value
			}
		}
		return reqs, rev
	}

	var prevReqs int64
	var prevRev float64
	for i := range 5 {
		reg.RecordRequest(ctx, "GET", "/", 200+i*100, time.Millisecond)
		reg.RecordSale(ctx, "phone", 800, SourceSimulator)
		reqs, rev := totals()
		assert.GreaterOrEqual(t, reqs, prevReqs)
		assert.GreaterOrEqual(t, rev, prevRev)
		prevReqs, prevRev = reqs, rev
	}
	assert.Equal(t, int64(5), prevReqs)
}

func TestInventoryGaugeTracksCatalog(t *testing.T) {
	t.Parallel()

	reg, reader := newTestRegistry(t)
	catalog, err := shop.NewCatalog([]shop.Product{
		{Name: "laptop", Price: 1200, Stock: 100},
		{Name: "phone", Price: 800, Stock: 40},
		{Name: "mouse", Price: 25, Stock: 11},
	}, shop.DefaultRestockPolicy(), reg)
	require.NoError(t, err)

	rm := collectMetrics(t, reader)
	assert.Equal(t, map[string]int64{"laptop": 100, "phone": 40, "mouse": 11}, gaugeByProduct(t, rm))

	rng := rand.New(rand.NewPCG(3, 0)) //nolint:gosec // deterministic seed for testing
	for range 500 {
		_, err := catalog.Purchase(catalog.PickRandom(rng))
		require.NoError(t, err)
	}

	gauges := gaugeByProduct(t, collectMetrics(t, reader))
	for _, p := range catalog.Snapshot() {
		assert.Equal(t, int64(p.Stock), gauges[p.Name], "gauge for %s", p.Name)
	}
}

func TestActiveUsersGaugeIsOverwritten(t *testing.T) {
	t.Parallel()

	reg, reader := newTestRegistry(t)
	reg.SetActiveUsers(context.Background(), 4000)
	reg.SetActiveUsers(context.Background(), 250)

	m := findMetric(collectMetrics(t, reader), "shop.active.users")
	require.NotNil(t, m)
	gauge, ok := m.Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(250), gauge.DataPoints[0].Value)
}

func TestObserveChaos(t *testing.T) {
	t.Parallel()

	reg, reader := newTestRegistry(t)
	state := chaos.NewState()
	registration, err := reg.ObserveChaos(state)
	require.NoError(t, err)
	t.Cleanup(func() { _ = registration.Unregister() })

	_, _ = state.Set("latency", true)
	_, _ = state.Set("memory_leak", true)
	state.GrowLeak(2048)

	rm := collectMetrics(t, reader)

	m := findMetric(rm, "shop.chaos.mode.enabled")
	require.NotNil(t, m)
	gauge, ok := m.Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	flags := make(map[string]int64)
	for _, dp := range gauge.DataPoints {
		flags[attrValue(dp.Attributes, "mode")] = dp.Value
	}
	assert.Equal(t, map[string]int64{"latency": 1, "error_rate": 0, "cpu_stress": 0, "memory_leak": 1}, flags)

	leak := findMetric(rm, "shop.chaos.leak.bytes")
	require.NotNil(t, leak)
	lg, ok := leak.Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, lg.DataPoints, 1)
	assert.Equal(t, int64(2048), lg.DataPoints[0].Value)
}
