package quality

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// TimestampLayout is the event timestamp format.
const TimestampLayout = "2006-01-02 15:04:05"

// maxAlerts bounds the retained alert history.
const maxAlerts = 256

// SourceStats tracks timestamp ordering for a single input source.
type SourceStats struct {
	Source        string    `json:"source"`
	EventCount    int64     `json:"event_count"`
	Regressions   int64     `json:"regressions"`
	Unparseable   int64     `json:"unparseable"`
	MaxRegression float64   `json:"max_regression_sec"`
	FirstEvent    time.Time `json:"first_event"`
	LastEvent     time.Time `json:"last_event"`
}

// Alert represents an ordering problem in one source.
type Alert struct {
	Level   string `json:"level"` // warn|critical
	Source  string `json:"source"`
	Line    int    `json:"line"`
	Message string `json:"message"`
}

// Monitor checks that event timestamps never go backwards. Purchases are
// windowed by arrival order, so a regression means the window no longer
// matches chronological order.
type Monitor struct {
	mu       sync.RWMutex
	stats    map[string]*SourceStats
	alerts   []Alert
	critical time.Duration
}

// NewMonitor creates a monitor. Regressions larger than critical are raised
// as critical alerts; 0 disables that escalation.
func NewMonitor(critical time.Duration) *Monitor {
	return &Monitor{
		stats:    make(map[string]*SourceStats),
		critical: critical,
	}
}

// getOrCreate returns existing stats or initializes new ones for the source.
// Caller must hold m.mu write lock.
func (m *Monitor) getOrCreate(source string) *SourceStats {
	stats, ok := m.stats[source]
	if !ok {
		stats = &SourceStats{Source: source}
		m.stats[source] = stats
	}
	return stats
}

// Observe records the timestamp of an event read from source at line. It
// returns false when the timestamp is earlier than the previous one.
// Empty or unparseable timestamps are counted and otherwise ignored.
func (m *Monitor) Observe(source string, line int, timestamp string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.getOrCreate(source)
	stats.EventCount++

	ts, err := time.Parse(TimestampLayout, timestamp)
	if err != nil {
		stats.Unparseable++
		return true
	}
	if stats.FirstEvent.IsZero() {
		stats.FirstEvent = ts
	}

	if !stats.LastEvent.IsZero() && ts.Before(stats.LastEvent) {
		back := stats.LastEvent.Sub(ts)
		stats.Regressions++
		if back.Seconds() > stats.MaxRegression {
			stats.MaxRegression = back.Seconds()
		}

		level := "warn"
		if m.critical > 0 && back > m.critical {
			level = "critical"
		}
		m.emitAlert(Alert{
			Level:   level,
			Source:  source,
			Line:    line,
			Message: fmt.Sprintf("Timestamp %s is %s earlier than %s", timestamp, back, stats.LastEvent.Format(TimestampLayout)),
		})
		return false
	}

	stats.LastEvent = ts
	return true
}

// Alerts returns a copy of the retained alerts, oldest first.
func (m *Monitor) Alerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// Snapshot returns a copy of all current source stats.
func (m *Monitor) Snapshot() map[string]SourceStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := make(map[string]SourceStats, len(m.stats))
	for k, v := range m.stats {
		snap[k] = *v
	}
	return snap
}

// Regressions returns the total regressions across all sources.
func (m *Monitor) Regressions() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, s := range m.stats {
		n += s.Regressions
	}
	return n
}

// emitAlert logs the alert and keeps it, dropping the oldest when full.
// Caller must hold m.mu write lock.
func (m *Monitor) emitAlert(alert Alert) {
	evt := log.Warn()
	if alert.Level == "critical" {
		evt = log.Error()
	}
	evt.Str("source", alert.Source).
		Int("line", alert.Line).
		Str("level", alert.Level).
		Msg(alert.Message)

	if len(m.alerts) >= maxAlerts {
		copy(m.alerts, m.alerts[1:])
		m.alerts[len(m.alerts)-1] = alert
		return
	}
	m.alerts = append(m.alerts, alert)
}
