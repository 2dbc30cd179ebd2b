package observability

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------
// Counter Tests
// -----------------------------------------------------------------------

func TestCounter_IncAndAdd(t *testing.T) {
	r := NewRegistry()
	c := r.Counter("test_counter", "A test counter", nil)

	assert.Equal(t, int64(0), c.Value())

	c.Inc()
	c.Inc()
	c.Add(3)
	assert.Equal(t, int64(5), c.Value())

	// Negative delta should be ignored.
	c.Add(-10)
	assert.Equal(t, int64(5), c.Value())

	entry := c.Entry()
	assert.Equal(t, "test_counter", entry.Name)
	assert.Equal(t, MetricCounter, entry.Type)
	assert.Equal(t, 5.0, entry.Value)
}

func TestCounter_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	c := r.Counter("concurrent_counter", "counter for concurrency test", nil)

	var wg sync.WaitGroup
	n := 500
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			c.Inc()
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(n), c.Value())
}

// -----------------------------------------------------------------------
// Gauge Tests
// -----------------------------------------------------------------------

func TestGauge_Set(t *testing.T) {
	r := NewRegistry()
	g := r.Gauge("test_gauge", "A test gauge", Labels{"kind": "users"})

	g.Set(42.5)
	assert.Equal(t, 42.5, g.Value())

	g.SetInt(7)
	assert.Equal(t, 7.0, g.Value())

	entry := g.Entry()
	assert.Equal(t, MetricGauge, entry.Type)
	assert.Equal(t, "users", entry.Labels["kind"])
}

// -----------------------------------------------------------------------
// Histogram Tests
// -----------------------------------------------------------------------

func TestHistogram_Observe(t *testing.T) {
	r := NewRegistry()
	h := r.Histogram("test_hist", "A test histogram", nil, []float64{10, 1, 5})

	for _, v := range []float64{0.5, 3, 7, 20} {
		h.Observe(v)
	}

	buckets, counts, sum, count := h.BucketCounts()
	assert.Equal(t, []float64{1, 5, 10}, buckets, "buckets must be sorted")
	assert.Equal(t, []int64{1, 2, 3}, counts, "counts are cumulative")
	assert.Equal(t, 30.5, sum)
	assert.Equal(t, int64(4), count)
	assert.InDelta(t, 7.625, h.Mean(), 1e-12)
}

func TestHistogram_ObserveSince(t *testing.T) {
	r := NewRegistry()
	h := r.Histogram("latency_us", "latency", nil, LatencyBucketsMicros)

	h.ObserveSince(time.Now().Add(-2 * time.Millisecond))
	assert.Equal(t, int64(1), h.Count())
	assert.GreaterOrEqual(t, h.Sum(), 2000.0)
}

func TestHistogram_MeanEmpty(t *testing.T) {
	r := NewRegistry()
	h := r.Histogram("empty", "empty", nil, SizeBuckets)
	assert.Equal(t, 0.0, h.Mean())
}

// -----------------------------------------------------------------------
// Registry Tests
// -----------------------------------------------------------------------

func TestRegistry_ReturnsExisting(t *testing.T) {
	r := NewRegistry()

	c1 := r.Counter("events_total", "first", nil)
	c2 := r.Counter("events_total", "second", nil)
	assert.Same(t, c1, c2)

	assert.Same(t, c1, r.LookupCounter("events_total"))
	assert.Nil(t, r.LookupCounter("missing"))
	assert.Nil(t, r.LookupGauge("missing"))
	assert.Nil(t, r.LookupHistogram("missing"))
}

func TestRegistry_AllMetrics_Order(t *testing.T) {
	r := NewRegistry()
	r.Histogram("h_a", "", nil, SizeBuckets)
	r.Gauge("g_b", "", nil)
	r.Gauge("g_a", "", nil)
	r.Counter("c_b", "", nil)
	r.Counter("c_a", "", nil)

	var names []string
	for _, e := range r.AllMetrics() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"c_a", "c_b", "g_a", "g_b", "h_a"}, names)
}

// -----------------------------------------------------------------------
// Exporter Tests
// -----------------------------------------------------------------------

func TestTextExporter_Format(t *testing.T) {
	r := NewRegistry()
	r.Counter("purchases_total", "Purchases seen", Labels{"mode": "stream"}).Add(3)
	r.Gauge("graph_users", "Users in graph", nil).Set(12)
	h := r.Histogram("closure_size", "Closure size", nil, []float64{1, 5})
	h.Observe(3)

	out := NewTextExporter(r).Format()

	assert.Contains(t, out, "# HELP purchases_total Purchases seen\n")
	assert.Contains(t, out, "# TYPE purchases_total counter\n")
	assert.Contains(t, out, `purchases_total{mode="stream"} 3`)
	assert.Contains(t, out, "graph_users 12\n")
	assert.Contains(t, out, "# TYPE closure_size histogram\n")
	assert.Contains(t, out, `closure_size_bucket{le="1"} 0`)
	assert.Contains(t, out, `closure_size_bucket{le="5"} 1`)
	assert.Contains(t, out, `closure_size_bucket{le="+Inf"} 1`)
	assert.Contains(t, out, "closure_size_sum 3\n")
	assert.Contains(t, out, "closure_size_count 1\n")
}

func TestTextExporter_FormatEmpty(t *testing.T) {
	assert.Empty(t, NewTextExporter(NewRegistry()).Format())
}

func TestTextExporter_WriteTo(t *testing.T) {
	r := NewRegistry()
	r.Counter("x_total", "x", nil).Inc()

	var buf bytes.Buffer
	n, err := NewTextExporter(r).WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)
	assert.True(t, strings.HasPrefix(buf.String(), "# HELP x_total x"))
}

func TestFormatLabels(t *testing.T) {
	assert.Equal(t, "", formatLabels(nil))
	assert.Equal(t, `{a="1",b="2"}`, formatLabels(Labels{"b": "2", "a": "1"}))
	assert.Equal(t, `{le="0.5"}`, withLabel(nil, "le", formatFloat(0.5)))
}

func TestDetectorMetrics_Preset(t *testing.T) {
	r := DetectorMetrics()

	require.NotNil(t, r.LookupCounter(MetricFlaggedTotal))
	require.NotNil(t, r.LookupGauge(MetricGraphUsers))
	require.NotNil(t, r.LookupHistogram(MetricClosureSize))
	assert.Len(t, r.AllMetrics(), 16)

	// Registering a preset name again hands back the same metric.
	assert.Same(t, r.LookupCounter(MetricEventsTotal), r.Counter(MetricEventsTotal, "", nil))
}

func TestRegisterDetectorMetrics_KeepsExisting(t *testing.T) {
	r := NewRegistry()
	c := r.Counter(MetricFlaggedTotal, "custom", nil)
	c.Add(2)

	RegisterDetectorMetrics(r)

	assert.Same(t, c, r.LookupCounter(MetricFlaggedTotal))
	assert.Equal(t, int64(2), r.LookupCounter(MetricFlaggedTotal).Value())
	assert.NotNil(t, r.LookupHistogram(MetricRebuildLatency))
}
