package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrMalformedLine is returned for lines that are not a JSON object.
	ErrMalformedLine = errors.New("events: malformed line")
	// ErrUnknownEventType is returned for an unrecognised event_type.
	ErrUnknownEventType = errors.New("events: unknown event type")
)

// Kind is the event_type of a record.
type Kind string

const (
	KindPurchase Kind = "purchase"
	KindBefriend Kind = "befriend"
	KindUnfriend Kind = "unfriend"
)

// Purchase is a purchase record as read from the wire. Fields are left as
// text; completeness and numeric validation belong to the ledger.
type Purchase struct {
	Timestamp string `json:"timestamp"`
	UserID    string `json:"id"`
	Amount    string `json:"amount"`
}

// Relationship is a befriend or unfriend record.
type Relationship struct {
	Timestamp string `json:"timestamp"`
	ID1       string `json:"id1"`
	ID2       string `json:"id2"`
}

// Event is one decoded line.
type Event struct {
	Kind         Kind
	Purchase     Purchase
	Relationship Relationship
}

// Timestamp returns the event's timestamp whatever its kind.
func (e Event) Timestamp() string {
	if e.Kind == KindPurchase {
		return e.Purchase.Timestamp
	}
	return e.Relationship.Timestamp
}

// Params is the header record {"D": <int>, "T": <int>}.
type Params struct {
	Degree    int
	Window    int
	HasDegree bool
	HasWindow bool
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

type wireEvent struct {
	EventType string     `json:"event_type"`
	Timestamp flexString `json:"timestamp"`
	ID        flexString `json:"id"`
	Amount    flexString `json:"amount"`
	ID1       flexString `json:"id1"`
	ID2       flexString `json:"id2"`
}

// Decode parses one event line. Missing fields decode to empty strings.
func Decode(line []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}

	switch Kind(w.EventType) {
	case KindPurchase:
		return Event{
			Kind: KindPurchase,
			Purchase: Purchase{
				Timestamp: string(w.Timestamp),
				UserID:    string(w.ID),
				Amount:    string(w.Amount),
			},
		}, nil
	case KindBefriend, KindUnfriend:
		return Event{
			Kind: Kind(w.EventType),
			Relationship: Relationship{
				Timestamp: string(w.Timestamp),
				ID1:       string(w.ID1),
				ID2:       string(w.ID2),
			},
		}, nil
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEventType, w.EventType)
	}
}

// DecodeParams parses the header line. D and T may be JSON numbers or
// numeric strings; absent keys are reported through HasDegree/HasWindow.
func DecodeParams(line []byte) (Params, error) {
	var raw struct {
		D *flexInt `json:"D"`
		T *flexInt `json:"T"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return Params{}, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}

	var p Params
	if raw.D != nil {
		p.Degree, p.HasDegree = int(*raw.D), true
	}
	if raw.T != nil {
		p.Window, p.HasWindow = int(*raw.T), true
	}
	return p, nil
}

// flexString accepts a JSON string, number or null.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || string(b) == "null":
		*f = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
	case b[0] == '-' || (b[0] >= '0' && b[0] <= '9'):
		*f = flexString(b)
	default:
		return fmt.Errorf("expected string or number, got %s", b)
	}
	return nil
}

// flexInt accepts a JSON integer or a string holding one.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(s)))
	if err != nil {
		return fmt.Errorf("expected integer, got %s", b)
	}
	*f = flexInt(n)
	return nil
}
