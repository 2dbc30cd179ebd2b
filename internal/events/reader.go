package events

import (
	"bufio"
	"bytes"
	"io"
)

// MaxLineBytes bounds a single input line.
const MaxLineBytes = 1 << 20

// Reader iterates the non-blank lines of a line-delimited source.
type Reader struct {
	sc   *bufio.Scanner
	line int
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
	return &Reader{sc: sc}
}

// Next returns the next non-blank line, trimmed. The slice is only valid
// until the following call.
func (r *Reader) Next() ([]byte, bool) {
	for r.sc.Scan() {
		r.line++
		b := bytes.TrimSpace(r.sc.Bytes())
		if len(b) == 0 {
			continue
		}
		return b, true
	}
	return nil, false
}

// Line returns the 1-based number of the line last returned by Next.
func (r *Reader) Line() int { return r.line }

// Err returns the first non-EOF read error.
func (r *Reader) Err() error { return r.sc.Err() }
