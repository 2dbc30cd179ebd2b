package detector

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nexus-trading/spendwatch/internal/audit"
	"github.com/nexus-trading/spendwatch/internal/events"
	"github.com/nexus-trading/spendwatch/internal/graph"
	"github.com/nexus-trading/spendwatch/internal/ledger"
	"github.com/nexus-trading/spendwatch/internal/observability"
	"github.com/shopspring/decimal"
)

var (
	// ErrIncompleteData is returned for a purchase without a user id or amount.
	ErrIncompleteData = errors.New("detector: incomplete purchase")
	// ErrOutput wraps failures of the flagged-purchase recorder. Unlike every
	// other error in this package it aborts processing.
	ErrOutput = errors.New("detector: flagged output failed")
)

// DefaultSigma is the number of standard deviations above the network mean
// beyond which a purchase is flagged.
const DefaultSigma = 3.0

// Recorder receives flagged purchases.
type Recorder interface {
	Record(entry audit.Entry) error
}

// Verdict is the outcome of checking one purchase.
type Verdict struct {
	UserID    string
	Timestamp string
	Amount    decimal.Decimal
	Network   int            // users in the purchaser's neighborhood
	Summary   ledger.Summary // zero when !Evaluated
	Threshold float64
	Evaluated bool // false when the network had too little history
	Flagged   bool
}

// Evaluator applies the mean + sigma*sd rule to a purchase against the last
// T purchases of the purchaser's network. It never mutates the graph, index
// or ledger.
type Evaluator struct {
	index    *graph.Index
	window   *ledger.Window
	sigma    float64
	recorder Recorder

	evaluated    *observability.Counter
	insufficient *observability.Counter
	flagged      *observability.Counter
	networkSize  *observability.Histogram
	latency      *observability.Histogram
}

// NewEvaluator wires an evaluator. recorder may be nil, in which case flagged
// purchases are only reported through the returned Verdict. metrics may be
// nil.
func NewEvaluator(index *graph.Index, window *ledger.Window, sigma float64, recorder Recorder, metrics *observability.Registry) *Evaluator {
	if sigma <= 0 {
		sigma = DefaultSigma
	}
	if metrics == nil {
		metrics = observability.NewRegistry()
	}
	observability.RegisterDetectorMetrics(metrics)

	return &Evaluator{
		index:        index,
		window:       window,
		sigma:        sigma,
		recorder:     recorder,
		evaluated:    metrics.LookupCounter(observability.MetricEvaluatedTotal),
		insufficient: metrics.LookupCounter(observability.MetricSkippedTotal),
		flagged:      metrics.LookupCounter(observability.MetricFlaggedTotal),
		networkSize:  metrics.LookupHistogram(observability.MetricNetworkSize),
		latency:      metrics.LookupHistogram(observability.MetricEvaluateLatency),
	}
}

// Sigma returns the configured multiplier.
func (e *Evaluator) Sigma() float64 { return e.sigma }

// Evaluate checks p against its network. A purchase whose network has too
// little history is returned with Evaluated=false and is never flagged.
// Flagged purchases are handed to the recorder.
func (e *Evaluator) Evaluate(p events.Purchase) (Verdict, error) {
	start := time.Now()
	defer e.latency.ObserveSince(start)

	if p.UserID == "" || strings.TrimSpace(p.Amount) == "" {
		return Verdict{}, fmt.Errorf("purchase id=%q amount=%q: %w", p.UserID, p.Amount, ErrIncompleteData)
	}
	amount, err := ledger.ParseAmount(p.Amount)
	if err != nil {
		return Verdict{}, fmt.Errorf("purchase id=%q: %w", p.UserID, err)
	}

	network := e.index.Lookup(p.UserID)
	v := Verdict{
		UserID:    p.UserID,
		Timestamp: p.Timestamp,
		Amount:    amount,
		Network:   len(network),
	}
	e.networkSize.Observe(float64(len(network)))

	summary, ok := e.window.Stats(network)
	if !ok {
		e.insufficient.Inc()
		return v, nil
	}
	e.evaluated.Inc()

	v.Evaluated = true
	v.Summary = summary
	v.Threshold = summary.Mean + e.sigma*summary.SD
	v.Flagged = amount.InexactFloat64() > v.Threshold
	if !v.Flagged {
		return v, nil
	}
	e.flagged.Inc()

	if e.recorder == nil {
		return v, nil
	}
	entry := audit.Entry{
		EventType: audit.EventPurchase,
		Timestamp: p.Timestamp,
		UserID:    p.UserID,
		Amount:    amount,
		Mean:      summary.Mean,
		SD:        summary.SD,
	}
	if err := e.recorder.Record(entry); err != nil {
		return v, fmt.Errorf("%w: %v", ErrOutput, err)
	}
	return v, nil
}
