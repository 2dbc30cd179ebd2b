package detector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-trading/spendwatch/internal/events"
	"github.com/nexus-trading/spendwatch/internal/graph"
	"github.com/nexus-trading/spendwatch/internal/ledger"
	"github.com/nexus-trading/spendwatch/internal/observability"
	"github.com/nexus-trading/spendwatch/internal/quality"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Session: one batch load followed by one or more streams
// Owns the friend graph, neighborhood index, ledger and window. Single
// writer; nothing here is safe for concurrent use.
// ---------------------------------------------------------------------------

// ErrMissingHeader is returned when the batch source has no parameter line.
var ErrMissingHeader = errors.New("detector: batch source has no header line")

// Mode selects how an event is applied.
type Mode int

const (
	// ModeBatch mutates state only; the index is rebuilt once at the end of
	// the load and purchases are not evaluated.
	ModeBatch Mode = iota
	// ModeStream evaluates purchases before recording them and keeps the
	// index current after every relationship change.
	ModeStream
)

func (m Mode) String() string {
	if m == ModeStream {
		return "stream"
	}
	return "batch"
}

// Settings are the detector parameters of a session.
type Settings struct {
	Degree     int
	Window     int
	Sigma      float64
	MinSamples int
	Strategy   ledger.Strategy
}

// DefaultSettings mirrors the configuration defaults.
func DefaultSettings() Settings {
	return Settings{
		Degree:     2,
		Window:     50,
		Sigma:      DefaultSigma,
		MinSamples: ledger.DefaultMinSamples,
		Strategy:   ledger.StrategyScan,
	}
}

// Option configures a Session.
type Option func(*Session)

// WithRegistry reports metrics into r instead of a private registry.
func WithRegistry(r *observability.Registry) Option {
	return func(s *Session) { s.metrics = r }
}

// WithPinnedDegree fixes D; a batch header will not override it.
func WithPinnedDegree(d int) Option {
	return func(s *Session) {
		s.settings.Degree = d
		s.pinDegree = true
	}
}

// WithPinnedWindow fixes T; a batch header will not override it.
func WithPinnedWindow(t int) Option {
	return func(s *Session) {
		s.settings.Window = t
		s.pinWindow = true
	}
}

// WithQualityMonitor checks event timestamp order with m instead of a
// private monitor.
func WithQualityMonitor(m *quality.Monitor) Option {
	return func(s *Session) { s.quality = m }
}

// Summary reports what a session has processed so far.
type Summary struct {
	SessionID    string           `json:"session_id"`
	Degree       int              `json:"degree"`
	Window       int              `json:"window"`
	Events       int64            `json:"events"`
	Malformed    int64            `json:"malformed"`
	Rejected     int64            `json:"rejected"`
	Regressions  int64            `json:"timestamp_regressions"`
	Users        int              `json:"users"`
	Friendships  int              `json:"friendships"`
	Purchases    int64            `json:"purchases"`
	Evaluated    int64            `json:"evaluated"`
	Insufficient int64            `json:"insufficient"`
	Flagged      int64            `json:"flagged"`
	Index        graph.IndexStats `json:"index"`
}

// Session drives the detector over batch and stream sources.
type Session struct {
	id       string
	settings Settings
	logger   zerolog.Logger

	pinDegree bool
	pinWindow bool

	graph     *graph.FriendGraph
	index     *graph.Index
	ledger    *ledger.Ledger
	window    *ledger.Window
	evaluator *Evaluator
	quality   *quality.Monitor

	metrics        *observability.Registry
	eventsTotal    *observability.Counter
	rejected       *observability.Counter
	malformed      *observability.Counter
	regressed      *observability.Counter
	scopedRebuilds *observability.Counter
	fullRebuilds   *observability.Counter
	graphUsers     *observability.Gauge
	graphEdges     *observability.Gauge
	purchases      *observability.Gauge
	closureSize    *observability.Histogram
	rebuildLatency *observability.Histogram
}

// NewSession creates a session with empty state. Flagged purchases go to
// recorder, which may be nil.
func NewSession(settings Settings, recorder Recorder, opts ...Option) *Session {
	s := &Session{
		id:       uuid.New().String(),
		settings: settings,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observability.NewRegistry()
	}
	observability.RegisterDetectorMetrics(s.metrics)
	if s.quality == nil {
		s.quality = quality.NewMonitor(0)
	}
	if s.settings.Strategy == "" {
		s.settings.Strategy = ledger.StrategyScan
	}

	s.logger = log.With().Str("session", s.id).Logger()

	s.graph = graph.NewFriendGraph()
	s.index = graph.NewIndex(s.settings.Degree)
	s.ledger = ledger.New()
	s.window = ledger.NewWindow(s.ledger, s.settings.Window,
		ledger.WithStrategy(s.settings.Strategy),
		ledger.WithMinSamples(s.settings.MinSamples),
	)
	s.evaluator = NewEvaluator(s.index, s.window, s.settings.Sigma, recorder, s.metrics)
	s.settings.Sigma = s.evaluator.Sigma()

	s.eventsTotal = s.metrics.LookupCounter(observability.MetricEventsTotal)
	s.rejected = s.metrics.LookupCounter(observability.MetricRejectedTotal)
	s.malformed = s.metrics.LookupCounter(observability.MetricMalformedTotal)
	s.regressed = s.metrics.LookupCounter(observability.MetricRegressedTotal)
	s.scopedRebuilds = s.metrics.LookupCounter(observability.MetricScopedRebuilds)
	s.fullRebuilds = s.metrics.LookupCounter(observability.MetricFullRebuilds)
	s.graphUsers = s.metrics.LookupGauge(observability.MetricGraphUsers)
	s.graphEdges = s.metrics.LookupGauge(observability.MetricGraphEdges)
	s.purchases = s.metrics.LookupGauge(observability.MetricLedgerPurchases)
	s.closureSize = s.metrics.LookupHistogram(observability.MetricClosureSize)
	s.rebuildLatency = s.metrics.LookupHistogram(observability.MetricRebuildLatency)

	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Graph exposes the friend graph for read-only inspection.
func (s *Session) Graph() *graph.FriendGraph { return s.graph }

// Index exposes the neighborhood index for read-only inspection.
func (s *Session) Index() *graph.Index { return s.index }

// Ledger exposes the purchase ledger for read-only inspection.
func (s *Session) Ledger() *ledger.Ledger { return s.ledger }

// Window exposes the recent-purchase window.
func (s *Session) Window() *ledger.Window { return s.window }

// Quality returns the timestamp order monitor.
func (s *Session) Quality() *quality.Monitor { return s.quality }

// Registry returns the metrics registry the session reports into.
func (s *Session) Registry() *observability.Registry { return s.metrics }

// Settings returns the current parameters.
func (s *Session) Settings() Settings { return s.settings }

// SetDegree changes D, discarding and fully rebuilding the index. It reports
// whether the index was rebuilt; D <= 0 leaves it empty.
func (s *Session) SetDegree(d int) bool {
	start := time.Now()
	s.settings.Degree = d
	ok := s.index.SetDegree(s.graph, d)
	if ok {
		s.fullRebuilds.Inc()
		s.rebuildLatency.ObserveSince(start)
	} else {
		s.logger.Warn().Int("degree", d).Msg("Degenerate network degree, neighborhood computation disabled")
	}
	s.logger.Info().Int("degree", d).Bool("rebuilt", ok).Msg("Network degree updated")
	return ok
}

// SetWindow changes T. Nothing is recomputed.
func (s *Session) SetWindow(t int) {
	s.settings.Window = t
	s.window.SetSize(t)
	if t < 2 {
		s.logger.Warn().Int("window", t).Msg("Window below 2, no purchase will be evaluated")
	}
	s.logger.Info().Int("window", t).Msg("Purchase window updated")
}

// LoadBatch consumes the batch source: a header line {"D","T"} followed by
// events. Events only mutate state; the index is rebuilt once at the end.
func (s *Session) LoadBatch(ctx context.Context, r io.Reader) error {
	start := time.Now()
	rd := events.NewReader(r)

	header, ok := rd.Next()
	if !ok {
		if err := rd.Err(); err != nil {
			return fmt.Errorf("read batch header: %w", err)
		}
		return ErrMissingHeader
	}
	params, err := events.DecodeParams(header)
	if err != nil {
		return fmt.Errorf("batch header line %d: %w", rd.Line(), err)
	}
	s.applyParams(params)

	if err := s.consume(ctx, rd, ModeBatch); err != nil {
		return err
	}

	if s.index.RebuildAll(s.graph) {
		s.fullRebuilds.Inc()
		s.rebuildLatency.ObserveSince(start)
	} else {
		s.logger.Warn().Int("degree", s.settings.Degree).Msg("Degenerate network degree, neighborhood index not built")
	}
	s.refreshGauges()

	s.logger.Info().
		Int("users", s.graph.UserCount()).
		Int("friendships", s.graph.EdgeCount()).
		Int64("purchases", s.ledger.Count()).
		Dur("elapsed", time.Since(start)).
		Msg("Batch loaded")
	return nil
}

// ProcessStream consumes stream events in order. Each purchase is checked
// before it is recorded; each relationship change refreshes the affected
// part of the index.
func (s *Session) ProcessStream(ctx context.Context, r io.Reader) error {
	start := time.Now()
	before := s.evaluator.flagged.Value()

	if err := s.consume(ctx, events.NewReader(r), ModeStream); err != nil {
		return err
	}
	s.refreshGauges()

	s.logger.Info().
		Int64("flagged", s.evaluator.flagged.Value()-before).
		Dur("elapsed", time.Since(start)).
		Msg("Stream processed")
	return nil
}

func (s *Session) consume(ctx context.Context, rd *events.Reader, mode Mode) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, ok := rd.Next()
		if !ok {
			break
		}

		ev, err := events.Decode(line)
		if err != nil {
			s.malformed.Inc()
			s.logger.Warn().Err(err).
				Str("mode", mode.String()).
				Int("line", rd.Line()).
				Msg("Skipping undecodable line")
			continue
		}

		if !s.quality.Observe(mode.String(), rd.Line(), ev.Timestamp()) {
			s.regressed.Inc()
		}

		if _, err := s.Apply(ev, mode); err != nil {
			if errors.Is(err, ErrOutput) {
				return err
			}
			s.logger.Warn().Err(err).
				Str("mode", mode.String()).
				Str("event_type", string(ev.Kind)).
				Int("line", rd.Line()).
				Msg("Skipping event")
		}
	}

	if err := rd.Err(); err != nil {
		return fmt.Errorf("read %s source: %w", mode, err)
	}
	return nil
}

// Apply applies a single event. The returned Verdict is only meaningful for
// purchases in ModeStream. Errors other than ErrOutput are recoverable: the
// event has been discarded and processing may continue.
func (s *Session) Apply(ev events.Event, mode Mode) (Verdict, error) {
	s.eventsTotal.Inc()

	switch ev.Kind {
	case events.KindPurchase:
		return s.applyPurchase(ev.Purchase, mode)
	case events.KindBefriend:
		return Verdict{}, s.applyBefriend(ev.Relationship, mode)
	case events.KindUnfriend:
		return Verdict{}, s.applyUnfriend(ev.Relationship, mode)
	default:
		return Verdict{}, fmt.Errorf("%w: %q", events.ErrUnknownEventType, ev.Kind)
	}
}

func (s *Session) applyPurchase(p events.Purchase, mode Mode) (Verdict, error) {
	var verdict Verdict
	var evalErr error

	if mode == ModeStream {
		verdict, evalErr = s.evaluator.Evaluate(p)
		if errors.Is(evalErr, ErrOutput) {
			return verdict, evalErr
		}
		if verdict.Flagged {
			s.logger.Info().
				Str("id", p.UserID).
				Str("timestamp", p.Timestamp).
				Str("amount", verdict.Amount.String()).
				Float64("mean", verdict.Summary.Mean).
				Float64("sd", verdict.Summary.SD).
				Msg("Anomalous purchase flagged")
		}
	}

	if _, err := s.ledger.Append(p.UserID, p.Timestamp, p.Amount); err != nil {
		s.rejected.Inc()
		return verdict, err
	}
	s.purchases.SetInt(int(s.ledger.Count()))
	return verdict, evalErr
}

func (s *Session) applyBefriend(rel events.Relationship, mode Mode) error {
	if s.graph.AreFriends(rel.ID1, rel.ID2) {
		s.logger.Debug().Str("id1", rel.ID1).Str("id2", rel.ID2).Msg("Friendship already exists")
		return nil
	}
	if err := s.graph.Add(rel.ID1, rel.ID2); err != nil {
		s.rejected.Inc()
		return err
	}
	if mode == ModeStream {
		s.refreshNeighborhoods(rel.ID1, rel.ID2)
	}
	return nil
}

func (s *Session) applyUnfriend(rel events.Relationship, mode Mode) error {
	removed, err := s.graph.Remove(rel.ID1, rel.ID2)
	if err != nil {
		s.rejected.Inc()
		return err
	}
	if !removed {
		s.logger.Debug().Str("id1", rel.ID1).Str("id2", rel.ID2).Msg("Unfriend for unknown relationship ignored")
		return nil
	}
	if mode == ModeStream {
		s.refreshNeighborhoods(rel.ID1, rel.ID2)
	}
	return nil
}

// refreshNeighborhoods recomputes every user whose neighborhood can change
// after the edge id1-id2 changed: both endpoints and everyone within D-1
// hops of either. The graph already reflects the change; the index does not
// yet, so the closure is read from the previous neighborhoods.
func (s *Session) refreshNeighborhoods(id1, id2 string) {
	start := time.Now()
	closure := s.Closure(id1, id2)

	if !s.index.RebuildScoped(s.graph, closure) {
		s.logger.Debug().Int("degree", s.index.Degree()).Msg("Degenerate network degree, index not updated")
		return
	}
	s.scopedRebuilds.Inc()
	s.closureSize.Observe(float64(len(closure)))
	s.rebuildLatency.ObserveSince(start)
	s.graphUsers.SetInt(s.graph.UserCount())
	s.graphEdges.SetInt(s.graph.EdgeCount())
}

// Closure returns id1, id2 and every user within D-1 hops of either under
// the current index contents.
func (s *Session) Closure(id1, id2 string) map[string]struct{} {
	users := map[string]struct{}{id1: {}, id2: {}}
	cutoff := s.index.Degree() - 1
	for _, id := range [...]string{id1, id2} {
		for u := range s.index.LookupWithin(id, cutoff) {
			users[u] = struct{}{}
		}
	}
	return users
}

// Summary returns processing totals.
func (s *Session) Summary() Summary {
	return Summary{
		SessionID:    s.id,
		Degree:       s.settings.Degree,
		Window:       s.settings.Window,
		Events:       s.eventsTotal.Value(),
		Malformed:    s.malformed.Value(),
		Rejected:     s.rejected.Value(),
		Regressions:  s.regressed.Value(),
		Users:        s.graph.UserCount(),
		Friendships:  s.graph.EdgeCount(),
		Purchases:    s.ledger.Count(),
		Evaluated:    s.evaluator.evaluated.Value(),
		Insufficient: s.evaluator.insufficient.Value(),
		Flagged:      s.evaluator.flagged.Value(),
		Index:        s.index.Stats(),
	}
}

func (s *Session) applyParams(p events.Params) {
	if p.HasDegree && !s.pinDegree {
		s.settings.Degree = p.Degree
		s.index.SetDegree(s.graph, p.Degree)
	}
	if p.HasWindow && !s.pinWindow {
		s.settings.Window = p.Window
		s.window.SetSize(p.Window)
	}
	s.logger.Info().
		Int("degree", s.settings.Degree).
		Int("window", s.settings.Window).
		Bool("degree_from_header", p.HasDegree && !s.pinDegree).
		Bool("window_from_header", p.HasWindow && !s.pinWindow).
		Msg("Detector parameters set")
}

func (s *Session) refreshGauges() {
	s.graphUsers.SetInt(s.graph.UserCount())
	s.graphEdges.SetInt(s.graph.EdgeCount())
	s.purchases.SetInt(int(s.ledger.Count()))
}
