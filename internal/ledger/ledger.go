package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrIncompleteData is returned when a purchase lacks a user, timestamp or amount.
	ErrIncompleteData = errors.New("ledger: incomplete data")
	// ErrInvalidAmount is returned when the amount is not a decimal number.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
)

// Purchase is an immutable ledger record. Seq is assigned at insertion and
// establishes arrival order, which stands in for chronological order.
type Purchase struct {
	Seq       int64           `json:"seq"`
	UserID    string          `json:"id"`
	Timestamp string          `json:"timestamp"`
	Amount    decimal.Decimal `json:"amount"`
}

// Ledger is the append-only, arrival-ordered purchase store. Records are
// never re-sorted or deleted.
type Ledger struct {
	records []Purchase
	byUser  map[string][]int64 // per-user sequence numbers, ascending
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		byUser: make(map[string][]int64),
	}
}

// ParseAmount converts a wire amount into a decimal.
func ParseAmount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, ErrIncompleteData
	}
	amt, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	return amt, nil
}

// Append validates and stores a purchase, returning the stored record.
// Nothing is stored on error.
func (l *Ledger) Append(uid, timestamp, amount string) (Purchase, error) {
	if uid == "" || timestamp == "" || strings.TrimSpace(amount) == "" {
		return Purchase{}, fmt.Errorf("purchase id=%q ts=%q amount=%q: %w", uid, timestamp, amount, ErrIncompleteData)
	}
	amt, err := ParseAmount(amount)
	if err != nil {
		return Purchase{}, fmt.Errorf("purchase id=%q: %w", uid, err)
	}
	return l.AppendDecimal(uid, timestamp, amt)
}

// AppendDecimal stores a purchase whose amount is already parsed.
func (l *Ledger) AppendDecimal(uid, timestamp string, amount decimal.Decimal) (Purchase, error) {
	if uid == "" || timestamp == "" {
		return Purchase{}, fmt.Errorf("purchase id=%q ts=%q: %w", uid, timestamp, ErrIncompleteData)
	}

	p := Purchase{
		Seq:       int64(len(l.records)),
		UserID:    uid,
		Timestamp: timestamp,
		Amount:    amount,
	}
	l.records = append(l.records, p)
	l.byUser[uid] = append(l.byUser[uid], p.Seq)
	return p, nil
}

// Count returns the next sequence number, equal to the number of records.
func (l *Ledger) Count() int64 { return int64(len(l.records)) }

// Get returns the record with the given sequence number.
func (l *Ledger) Get(seq int64) (Purchase, bool) {
	if seq < 0 || seq >= int64(len(l.records)) {
		return Purchase{}, false
	}
	return l.records[seq], true
}

// UserCount returns the number of purchases recorded for uid.
func (l *Ledger) UserCount(uid string) int { return len(l.byUser[uid]) }

// History returns a copy of uid's purchases in arrival order.
func (l *Ledger) History(uid string) []Purchase {
	seqs := l.byUser[uid]
	out := make([]Purchase, len(seqs))
	for i, s := range seqs {
		out[i] = l.records[s]
	}
	return out
}
