package observability

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType identifies the kind of metric.
type MetricType string

const (
	MetricCounter   MetricType = "counter"
	MetricGauge     MetricType = "gauge"
	MetricHistogram MetricType = "histogram"
)

// MetricEntry is a point-in-time view of one metric.
type MetricEntry struct {
	Name   string     `json:"name"`
	Type   MetricType `json:"type"`
	Help   string     `json:"help"`
	Value  float64    `json:"value"`
	Labels Labels     `json:"labels,omitempty"`
}

// Labels are constant key/value pairs attached to a metric.
type Labels map[string]string

func (l Labels) clone() Labels {
	if l == nil {
		return nil
	}
	out := make(Labels, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// -----------------------------------------------------------------------
// Counter
// -----------------------------------------------------------------------

// Counter counts events. Lock-free.
type Counter struct {
	name   string
	help   string
	labels Labels
	value  atomic.Int64
}

// Inc adds one.
func (c *Counter) Inc() { c.value.Add(1) }

// Add adds n; negative values are ignored.
func (c *Counter) Add(n int64) {
	if n > 0 {
		c.value.Add(n)
	}
}

// Value returns the current count.
func (c *Counter) Value() int64 { return c.value.Load() }

// Entry returns a MetricEntry snapshot.
func (c *Counter) Entry() MetricEntry {
	return MetricEntry{Name: c.name, Type: MetricCounter, Help: c.help, Value: float64(c.Value()), Labels: c.labels.clone()}
}

// -----------------------------------------------------------------------
// Gauge
// -----------------------------------------------------------------------

// Gauge holds a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels Labels
	bits   atomic.Uint64
}

// Set stores v.
func (g *Gauge) Set(v float64) { g.bits.Store(math.Float64bits(v)) }

// SetInt stores an integer value.
func (g *Gauge) SetInt(v int) { g.Set(float64(v)) }

// Value returns the stored value.
func (g *Gauge) Value() float64 { return math.Float64frombits(g.bits.Load()) }

// Entry returns a MetricEntry snapshot.
func (g *Gauge) Entry() MetricEntry {
	return MetricEntry{Name: g.name, Type: MetricGauge, Help: g.help, Value: g.Value(), Labels: g.labels.clone()}
}

// -----------------------------------------------------------------------
// Histogram
// -----------------------------------------------------------------------

// Histogram tracks a value distribution in cumulative buckets: an
// observation v increments every bucket whose upper bound is >= v.
type Histogram struct {
	name    string
	help    string
	labels  Labels
	mu      sync.Mutex
	buckets []float64
	counts  []int64
	sum     float64
	count   int64
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
		}
	}
}

// ObserveSince records the time elapsed since start in microseconds.
func (h *Histogram) ObserveSince(start time.Time) {
	h.Observe(float64(time.Since(start).Microseconds()))
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Sum returns the sum of all observations.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// Mean returns Sum/Count, or 0 without observations.
func (h *Histogram) Mean() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return 0
	}
	return h.sum / float64(h.count)
}

// Entry returns a MetricEntry snapshot (value = count).
func (h *Histogram) Entry() MetricEntry {
	return MetricEntry{Name: h.name, Type: MetricHistogram, Help: h.help, Value: float64(h.Count()), Labels: h.labels.clone()}
}

// BucketCounts returns copies of the bucket bounds and cumulative counts.
func (h *Histogram) BucketCounts() (buckets []float64, counts []int64, sum float64, count int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := make([]float64, len(h.buckets))
	c := make([]int64, len(h.counts))
	copy(b, h.buckets)
	copy(c, h.counts)
	return b, c, h.sum, h.count
}

// -----------------------------------------------------------------------
// Registry
// -----------------------------------------------------------------------

// Registry owns a set of named metrics. Registering an existing name
// returns the metric already registered.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// Counter registers (or fetches) a counter.
func (r *Registry) Counter(name, help string, labels Labels) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := &Counter{name: name, help: help, labels: labels.clone()}
	r.counters[name] = c
	return c
}

// Gauge registers (or fetches) a gauge.
func (r *Registry) Gauge(name, help string, labels Labels) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := &Gauge{name: name, help: help, labels: labels.clone()}
	r.gauges[name] = g
	return g
}

// Histogram registers (or fetches) a histogram with the given bucket bounds.
func (r *Registry) Histogram(name, help string, labels Labels, buckets []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	h := &Histogram{
		name:    name,
		help:    help,
		labels:  labels.clone(),
		buckets: sorted,
		counts:  make([]int64, len(sorted)),
	}
	r.histograms[name] = h
	return h
}

// LookupCounter returns a registered counter or nil.
func (r *Registry) LookupCounter(name string) *Counter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[name]
}

// LookupGauge returns a registered gauge or nil.
func (r *Registry) LookupGauge(name string) *Gauge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gauges[name]
}

// LookupHistogram returns a registered histogram or nil.
func (r *Registry) LookupHistogram(name string) *Histogram {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.histograms[name]
}

// AllMetrics returns every metric: counters, gauges, then histograms, each
// group sorted by name.
func (r *Registry) AllMetrics() []MetricEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]MetricEntry, 0, len(r.counters)+len(r.gauges)+len(r.histograms))
	for _, name := range sortedKeys(r.counters) {
		entries = append(entries, r.counters[name].Entry())
	}
	for _, name := range sortedKeys(r.gauges) {
		entries = append(entries, r.gauges[name].Entry())
	}
	for _, name := range sortedKeys(r.histograms) {
		entries = append(entries, r.histograms[name].Entry())
	}
	return entries
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// -----------------------------------------------------------------------
// DetectorMetrics creates a pre-configured registry with the standard
// spendwatch metrics.
// -----------------------------------------------------------------------

// Metric names registered by DetectorMetrics.
const (
	MetricEventsTotal     = "spendwatch_events_total"
	MetricRejectedTotal   = "spendwatch_rejected_events_total"
	MetricMalformedTotal  = "spendwatch_malformed_lines_total"
	MetricRegressedTotal  = "spendwatch_timestamp_regressions_total"
	MetricEvaluatedTotal  = "spendwatch_purchases_evaluated_total"
	MetricSkippedTotal    = "spendwatch_purchases_insufficient_total"
	MetricFlaggedTotal    = "spendwatch_purchases_flagged_total"
	MetricScopedRebuilds  = "spendwatch_index_scoped_rebuilds_total"
	MetricFullRebuilds    = "spendwatch_index_full_rebuilds_total"
	MetricGraphUsers      = "spendwatch_graph_users"
	MetricGraphEdges      = "spendwatch_graph_edges"
	MetricLedgerPurchases = "spendwatch_ledger_purchases"
	MetricClosureSize     = "spendwatch_rebuild_closure_size"
	MetricEvaluateLatency = "spendwatch_evaluate_latency_us"
	MetricRebuildLatency  = "spendwatch_rebuild_latency_us"
	MetricNetworkSize     = "spendwatch_network_size"
)

func DetectorMetrics() *Registry {
	r := NewRegistry()
	RegisterDetectorMetrics(r)
	return r
}

// RegisterDetectorMetrics adds the standard metrics to r. Metrics already
// registered under the same names are kept.
func RegisterDetectorMetrics(r *Registry) {
	// --- Counters ---
	r.Counter(MetricEventsTotal, "Total events applied", nil)
	r.Counter(MetricRejectedTotal, "Events discarded as incomplete or invalid", nil)
	r.Counter(MetricMalformedTotal, "Input lines that could not be decoded", nil)
	r.Counter(MetricRegressedTotal, "Events whose timestamp is earlier than a previous event", nil)
	r.Counter(MetricEvaluatedTotal, "Purchases checked against their network", nil)
	r.Counter(MetricSkippedTotal, "Purchases skipped for insufficient network history", nil)
	r.Counter(MetricFlaggedTotal, "Purchases flagged as anomalous", nil)
	r.Counter(MetricScopedRebuilds, "Scoped neighborhood index rebuilds", nil)
	r.Counter(MetricFullRebuilds, "Full neighborhood index rebuilds", nil)

	// --- Gauges ---
	r.Gauge(MetricGraphUsers, "Users in the friend graph", nil)
	r.Gauge(MetricGraphEdges, "Friendships in the friend graph", nil)
	r.Gauge(MetricLedgerPurchases, "Purchases stored in the ledger", nil)

	// --- Histograms ---
	r.Histogram(MetricClosureSize, "Users recomputed per scoped rebuild", nil, SizeBuckets)
	r.Histogram(MetricNetworkSize, "Network size per evaluated purchase", nil, SizeBuckets)
	r.Histogram(MetricEvaluateLatency, "Purchase evaluation latency in microseconds", nil, LatencyBucketsMicros)
	r.Histogram(MetricRebuildLatency, "Index rebuild latency in microseconds", nil, LatencyBucketsMicros)
}
