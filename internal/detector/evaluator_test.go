package detector

import (
	"testing"

	"github.com/nexus-trading/spendwatch/internal/events"
	"github.com/nexus-trading/spendwatch/internal/graph"
	"github.com/nexus-trading/spendwatch/internal/ledger"
	"github.com/nexus-trading/spendwatch/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFlatEvaluator wires a-b with three purchases of 10 by b, so a's network
// has mean 10 and sd 0.
func newFlatEvaluator(t *testing.T, rec Recorder, sigma float64) (*Evaluator, *observability.Registry) {
	t.Helper()
	g := graph.NewFriendGraph()
	require.NoError(t, g.Add("a", "b"))
	x := graph.NewIndex(1)
	require.True(t, x.RebuildAll(g))

	l := ledger.New()
	for _, ts := range []string{"t1", "t2", "t3"} {
		_, err := l.Append("b", ts, "10")
		require.NoError(t, err)
	}

	r := observability.NewRegistry()
	return NewEvaluator(x, ledger.NewWindow(l, 50), sigma, rec, r), r
}

func TestEvaluator_StrictlyAboveThreshold(t *testing.T) {
	rec := &memRecorder{}
	e, r := newFlatEvaluator(t, rec, 0)
	assert.Equal(t, DefaultSigma, e.Sigma())

	v, err := e.Evaluate(events.Purchase{Timestamp: "t4", UserID: "a", Amount: "10"})
	require.NoError(t, err)
	assert.True(t, v.Evaluated)
	assert.False(t, v.Flagged, "equal to the threshold is not anomalous")
	assert.Equal(t, 10.0, v.Threshold)

	v, err = e.Evaluate(events.Purchase{Timestamp: "t5", UserID: "a", Amount: "10.01"})
	require.NoError(t, err)
	assert.True(t, v.Flagged)

	require.Len(t, rec.entries, 1)
	assert.Equal(t, "t5", rec.entries[0].Timestamp)
	assert.Equal(t, 10.0, rec.entries[0].Mean)
	assert.Equal(t, 0.0, rec.entries[0].SD)

	assert.Equal(t, int64(2), r.LookupCounter(observability.MetricEvaluatedTotal).Value())
	assert.Equal(t, int64(1), r.LookupCounter(observability.MetricFlaggedTotal).Value())
	assert.Equal(t, int64(2), r.LookupHistogram(observability.MetricEvaluateLatency).Count())
}

func TestEvaluator_IncompletePurchase(t *testing.T) {
	e, _ := newFlatEvaluator(t, nil, 3)

	_, err := e.Evaluate(events.Purchase{Timestamp: "t", Amount: "10"})
	assert.ErrorIs(t, err, ErrIncompleteData)

	_, err = e.Evaluate(events.Purchase{Timestamp: "t", UserID: "a", Amount: "  "})
	assert.ErrorIs(t, err, ErrIncompleteData)

	_, err = e.Evaluate(events.Purchase{Timestamp: "t", UserID: "a", Amount: "ten"})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestEvaluator_UnknownUser(t *testing.T) {
	e, r := newFlatEvaluator(t, nil, 3)

	v, err := e.Evaluate(events.Purchase{Timestamp: "t", UserID: "stranger", Amount: "99999"})
	require.NoError(t, err)
	assert.False(t, v.Evaluated)
	assert.Zero(t, v.Network)
	assert.Equal(t, int64(1), r.LookupCounter(observability.MetricSkippedTotal).Value())
}

func TestEvaluator_NilRecorder(t *testing.T) {
	e, _ := newFlatEvaluator(t, nil, 3)

	v, err := e.Evaluate(events.Purchase{Timestamp: "t", UserID: "a", Amount: "500"})
	require.NoError(t, err)
	assert.True(t, v.Flagged)
}

func TestEvaluator_OutputError(t *testing.T) {
	e, _ := newFlatEvaluator(t, failingRecorder{}, 3)

	v, err := e.Evaluate(events.Purchase{Timestamp: "t", UserID: "a", Amount: "500"})
	require.ErrorIs(t, err, ErrOutput)
	assert.Contains(t, err.Error(), "disk full")
	assert.True(t, v.Flagged)
}

func TestEvaluator_CustomSigma(t *testing.T) {
	g := graph.NewFriendGraph()
	require.NoError(t, g.Add("a", "b"))
	x := graph.NewIndex(1)
	x.RebuildAll(g)

	// 2, 4, 4, 4, 5, 5, 7, 9: mean 5, sd 2
	l := ledger.New()
	for _, amt := range []string{"2", "4", "4", "4", "5", "5", "7", "9"} {
		_, err := l.Append("b", "t", amt)
		require.NoError(t, err)
	}
	e := NewEvaluator(x, ledger.NewWindow(l, 50), 1, nil, nil)

	v, err := e.Evaluate(events.Purchase{Timestamp: "t", UserID: "a", Amount: "7.5"})
	require.NoError(t, err)
	assert.InDelta(t, 7.0, v.Threshold, 1e-12)
	assert.True(t, v.Flagged)
}
