package ledger

import (
	"container/heap"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"
)

// ---------------------------------------------------------------------------
// Recent Purchase Window: last T purchases made by any user in a set
// Arrival order is the time order; the ledger is never re-sorted.
// ---------------------------------------------------------------------------

// Strategy selects how the window walks the ledger.
type Strategy string

const (
	// StrategyScan walks the whole ledger backwards from the newest record.
	// O(T + gap) where gap counts intervening non-matching purchases.
	StrategyScan Strategy = "scan"
	// StrategyMerge merges the per-user sequences from their newest ends.
	// O(T log |users|) independent of how rarely the set purchases.
	StrategyMerge Strategy = "merge"
)

// DefaultMinSamples is the smallest amount count that yields statistics.
// Fewer samples (and any window below 2) produce no result.
const DefaultMinSamples = 3

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyScan, StrategyMerge:
		return Strategy(s), nil
	case "":
		return StrategyScan, nil
	default:
		return "", fmt.Errorf("ledger: unknown window strategy %q (want scan|merge)", s)
	}
}

// Summary holds population statistics over the collected amounts.
type Summary struct {
	Mean  float64 `json:"mean"`
	SD    float64 `json:"sd"`
	Count int     `json:"count"`
}

// Legacy returns the (mean, sd, count) tuple where (0, 0, 0) stands for
// insufficient data.
func (s Summary) Legacy() (mean, sd float64, count int) {
	return s.Mean, s.SD, s.Count
}

// Option configures a Window.
type Option func(*Window)

// WithStrategy sets the ledger walk strategy.
func WithStrategy(s Strategy) Option {
	return func(w *Window) { w.strategy = s }
}

// WithMinSamples raises the minimum number of amounts needed for statistics.
// Values below DefaultMinSamples are ignored.
func WithMinSamples(n int) Option {
	return func(w *Window) {
		if n >= DefaultMinSamples {
			w.minSamples = n
		}
	}
}

// Window is the query surface over a Ledger.
type Window struct {
	ledger     *Ledger
	size       int
	minSamples int
	strategy   Strategy
}

// NewWindow creates a window of size T over l.
func NewWindow(l *Ledger, size int, opts ...Option) *Window {
	w := &Window{
		ledger:     l,
		size:       size,
		minSamples: DefaultMinSamples,
		strategy:   StrategyScan,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Size returns T.
func (w *Window) Size() int { return w.size }

// SetSize changes T. Nothing is recomputed; the window is evaluated on demand.
func (w *Window) SetSize(size int) { w.size = size }

// Strategy returns the configured walk strategy.
func (w *Window) Strategy() Strategy { return w.strategy }

// Recent returns the amounts of the last T purchases made by any user in
// users, newest first.
func (w *Window) Recent(users map[string]struct{}) []decimal.Decimal {
	if w.size <= 0 || len(users) == 0 {
		return nil
	}
	if w.strategy == StrategyMerge {
		return w.recentMerge(users)
	}
	return w.recentScan(users)
}

// Stats returns population statistics for the last T purchases in users.
// ok is false when T < 2 or fewer than the minimum samples were found.
func (w *Window) Stats(users map[string]struct{}) (Summary, bool) {
	if w.size < 2 {
		return Summary{}, false
	}
	amounts := w.Recent(users)
	if len(amounts) < w.minSamples {
		return Summary{}, false
	}
	return Summarize(amounts), true
}

// Summarize computes the population mean and standard deviation (divide by N).
func Summarize(amounts []decimal.Decimal) Summary {
	if len(amounts) == 0 {
		return Summary{}
	}
	xs := make([]float64, len(amounts))
	for i, a := range amounts {
		xs[i] = a.InexactFloat64()
	}
	mean, variance := stat.PopMeanVariance(xs, nil)
	return Summary{
		Mean:  mean,
		SD:    math.Sqrt(variance),
		Count: len(xs),
	}
}

func (w *Window) recentScan(users map[string]struct{}) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, w.size)
	for seq := len(w.ledger.records) - 1; seq >= 0 && len(out) < w.size; seq-- {
		p := w.ledger.records[seq]
		if _, ok := users[p.UserID]; ok {
			out = append(out, p.Amount)
		}
	}
	return out
}

func (w *Window) recentMerge(users map[string]struct{}) []decimal.Decimal {
	h := make(cursorHeap, 0, len(users))
	for uid := range users {
		seqs := w.ledger.byUser[uid]
		if len(seqs) == 0 {
			continue
		}
		h = append(h, cursor{seqs: seqs, pos: len(seqs) - 1})
	}
	heap.Init(&h)

	out := make([]decimal.Decimal, 0, w.size)
	for h.Len() > 0 && len(out) < w.size {
		top := &h[0]
		out = append(out, w.ledger.records[top.seq()].Amount)
		top.pos--
		if top.pos < 0 {
			heap.Pop(&h)
		} else {
			heap.Fix(&h, 0)
		}
	}
	return out
}

// cursor walks one user's sequence numbers from newest to oldest.
type cursor struct {
	seqs []int64
	pos  int
}

func (c cursor) seq() int64 { return c.seqs[c.pos] }

// cursorHeap is a max-heap on the cursor's current sequence number.
type cursorHeap []cursor

func (h cursorHeap) Len() int           { return len(h) }
func (h cursorHeap) Less(i, j int) bool { return h[i].seq() > h[j].seq() }
func (h cursorHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *cursorHeap) Push(x any) { *h = append(*h, x.(cursor)) }

func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}
