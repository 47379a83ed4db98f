// internal/catalog/matcher.go
package catalog

import "bytes"

// DefaultWindow is the amount of trailing output a Matcher keeps.
const DefaultWindow = 64 * 1024

// Matcher classifies streaming output incrementally.
//
// Output is accumulated in a bounded window so that signatures split across
// chunk boundaries still match. A Matcher is not safe for concurrent use.
type Matcher struct {
	catalog *Catalog
	window  int
	buf     []byte
	// handled is the prefix of buf already dealt with by an inline handler.
	handled int
}

// NewMatcher returns a Matcher over c keeping at most window bytes.
func NewMatcher(c *Catalog, window int) *Matcher {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Matcher{catalog: c, window: window}
}

// Feed appends chunk and reports the best match in the unhandled output.
func (m *Matcher) Feed(chunk []byte) (Match, bool) {
	m.buf = append(m.buf, chunk...)
	m.trim()
	match, ok := m.catalog.match(string(m.buf[m.handled:]))
	if ok {
		match.End += m.handled
	}
	return match, ok
}

// Consume marks output up to end as handled so it is not matched again.
// Used after an inline handler answered a prompt.
func (m *Matcher) Consume(end int) {
	if end > len(m.buf) {
		end = len(m.buf)
	}
	if end > m.handled {
		m.handled = end
	}
}

// Reset drops all buffered output.
func (m *Matcher) Reset() {
	m.buf = m.buf[:0]
	m.handled = 0
}

// trim keeps the window bounded, cutting at a line boundary when possible.
func (m *Matcher) trim() {
	if len(m.buf) <= m.window {
		return
	}
	drop := len(m.buf) - m.window
	if i := bytes.IndexByte(m.buf[drop:], '\n'); i >= 0 && drop+i+1 < len(m.buf) {
		drop += i + 1
	}
	m.buf = append(m.buf[:0], m.buf[drop:]...)
	m.handled -= drop
	if m.handled < 0 {
		m.handled = 0
	}
}
