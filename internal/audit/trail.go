package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// EventPurchase is the event_type carried by every flagged entry.
const EventPurchase = "purchase"

// Entry is a flagged purchase: the original event fields plus the network
// statistics it was judged against.
type Entry struct {
	EventType string          `json:"event_type"`
	Timestamp string          `json:"timestamp"`
	UserID    string          `json:"id"`
	Amount    decimal.Decimal `json:"amount"`
	Mean      float64         `json:"mean"`
	SD        float64         `json:"sd"`
}

// Trail records every flagged purchase. Each entry is written as one line to
// the sink and kept in an in-memory buffer (capped at maxBuf) for querying.
type Trail struct {
	mu        sync.Mutex
	sink      io.Writer
	entries   []Entry
	maxBuf    int
	precision int32
}

// NewTrail creates a trail writing to sink. A maxBuf of 0 disables the
// in-memory buffer; once full, the oldest entries are discarded (FIFO).
func NewTrail(sink io.Writer, maxBuf int) *Trail {
	if maxBuf < 0 {
		maxBuf = 0
	}
	return &Trail{
		sink:      sink,
		entries:   make([]Entry, 0, maxBuf),
		maxBuf:    maxBuf,
		precision: 2,
	}
}

// SetPrecision changes the number of decimals written for amount, mean and sd.
func (t *Trail) SetPrecision(places int32) {
	t.mu.Lock()
	t.precision = places
	t.mu.Unlock()
}

// Record appends entry to the sink and the buffer.
func (t *Trail) Record(entry Entry) error {
	if entry.EventType == "" {
		entry.EventType = EventPurchase
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.maxBuf > 0 {
		if len(t.entries) >= t.maxBuf {
			copy(t.entries, t.entries[1:])
			t.entries[len(t.entries)-1] = entry
		} else {
			t.entries = append(t.entries, entry)
		}
	}

	if t.sink == nil {
		return nil
	}
	line := FormatLine(entry, t.precision)
	if _, err := io.WriteString(t.sink, line+"\n"); err != nil {
		log.Error().Err(err).
			Str("id", entry.UserID).
			Str("timestamp", entry.Timestamp).
			Msg("Failed to write flagged purchase")
		return fmt.Errorf("audit: write flagged purchase: %w", err)
	}
	return nil
}

// Query returns buffered entries for a user id.
func (t *Trail) Query(uid string) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []Entry
	for _, e := range t.entries {
		if e.UserID == uid {
			result = append(result, e)
		}
	}
	return result
}

// Entries returns a copy of the in-memory buffer.
func (t *Trail) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]Entry, len(t.entries))
	copy(result, t.entries)
	return result
}

// Len returns the number of buffered entries.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// FormatLine renders entry in the flagged-output line format:
//
//	{"event_type": "purchase", "timestamp": "...", "id": "...", "amount": "...", "mean": "...", "sd": "..."}
//
// Field order is fixed and every value is a string.
func FormatLine(entry Entry, places int32) string {
	fields := [...][2]string{
		{"event_type", entry.EventType},
		{"timestamp", entry.Timestamp},
		{"id", entry.UserID},
		{"amount", entry.Amount.StringFixed(places)},
		{"mean", strconv.FormatFloat(entry.Mean, 'f', int(places), 64)},
		{"sd", strconv.FormatFloat(entry.SD, 'f', int(places), 64)},
	}

	var b bytes.Buffer
	b.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quote(f[0]))
		b.WriteString(": ")
		b.WriteString(quote(f[1]))
	}
	b.WriteByte('}')
	return b.String()
}

func quote(s string) string {
	data, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(data)
}
