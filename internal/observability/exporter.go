package observability

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
)

// LatencyBucketsMicros are histogram bounds for per-event latencies (µs).
var LatencyBucketsMicros = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 25000, 100000}

// SizeBuckets are histogram bounds for set sizes (closure sets, networks).
var SizeBuckets = []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 1000, 10000}

// TextExporter renders a registry in the Prometheus text exposition format:
//
//	# HELP <name> <help>
//	# TYPE <name> <type>
//	<name>{labels} <value>
type TextExporter struct {
	registry *Registry
}

// NewTextExporter creates an exporter for registry.
func NewTextExporter(registry *Registry) *TextExporter {
	return &TextExporter{registry: registry}
}

// WriteTo writes the exposition to w.
func (e *TextExporter) WriteTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, e.Format())
	return int64(n), err
}

// Format returns the full exposition text.
func (e *TextExporter) Format() string {
	var b strings.Builder

	e.registry.mu.RLock()
	defer e.registry.mu.RUnlock()

	for _, name := range sortedKeys(e.registry.counters) {
		c := e.registry.counters[name]
		writeHeader(&b, c.name, c.help, MetricCounter)
		fmt.Fprintf(&b, "%s%s %d\n\n", c.name, formatLabels(c.labels), c.Value())
	}

	for _, name := range sortedKeys(e.registry.gauges) {
		g := e.registry.gauges[name]
		writeHeader(&b, g.name, g.help, MetricGauge)
		fmt.Fprintf(&b, "%s%s %s\n\n", g.name, formatLabels(g.labels), formatFloat(g.Value()))
	}

	for _, name := range sortedKeys(e.registry.histograms) {
		h := e.registry.histograms[name]
		buckets, counts, sum, count := h.BucketCounts()
		writeHeader(&b, h.name, h.help, MetricHistogram)

		for i, bound := range buckets {
			fmt.Fprintf(&b, "%s_bucket%s %d\n", h.name, withLabel(h.labels, "le", formatFloat(bound)), counts[i])
		}
		fmt.Fprintf(&b, "%s_bucket%s %d\n", h.name, withLabel(h.labels, "le", "+Inf"), count)
		fmt.Fprintf(&b, "%s_sum%s %s\n", h.name, formatLabels(h.labels), formatFloat(sum))
		fmt.Fprintf(&b, "%s_count%s %d\n\n", h.name, formatLabels(h.labels), count)
	}

	return b.String()
}

func writeHeader(b *strings.Builder, name, help string, typ MetricType) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
}

// formatLabels renders {k1="v1",k2="v2"} with sorted keys, or "" when empty.
func formatLabels(labels Labels) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func withLabel(base Labels, key, value string) string {
	merged := base.clone()
	if merged == nil {
		merged = make(Labels, 1)
	}
	merged[key] = value
	return formatLabels(merged)
}

func formatFloat(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	case math.IsNaN(v):
		return "NaN"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
