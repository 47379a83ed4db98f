// internal/catalog/catalog.go
package catalog

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrUnknownHandler is returned when a pattern names a recovery handler that
// is not registered.
var ErrUnknownHandler = errors.New("unknown recovery handler")

// ErrorPattern is one immutable row of the catalog.
type ErrorPattern struct {
	// ID uniquely identifies the pattern within a catalog.
	ID string `json:"id"`

	// Description is operator-facing text shown in reports.
	Description string `json:"description,omitempty"`

	// Signature is a regular expression matched against command output.
	Signature string `json:"signature"`

	// Severity decides between recovery and immediate failure.
	Severity Severity `json:"severity"`

	// HandlerID names the recovery handler dispatched on a match.
	HandlerID string `json:"handler"`

	// MaxRetries is how many re-runs a match of this pattern may cause
	// within one step before escalating.
	MaxRetries int `json:"max_retries"`

	re *regexp.Regexp
}

// HandlerSet reports which recovery handler ids exist.
type HandlerSet interface {
	Has(id string) bool
}

// Catalog is an ordered, immutable table of error patterns. Registration
// order is significant: it breaks ties between equally severe matches.
type Catalog struct {
	patterns []*ErrorPattern
	byID     map[string]*ErrorPattern
}

// New validates and compiles patterns into a catalog.
//
// Every pattern must have a unique id, a compilable signature, a known
// severity, a non-negative retry count and a handler id known to handlers.
// A nil handlers set skips the handler check.
func New(patterns []ErrorPattern, handlers HandlerSet) (*Catalog, error) {
	c := &Catalog{
		patterns: make([]*ErrorPattern, 0, len(patterns)),
		byID:     make(map[string]*ErrorPattern, len(patterns)),
	}

	for i, p := range patterns {
		if p.ID == "" {
			return nil, fmt.Errorf("pattern %d: id is required", i)
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("pattern %s: duplicate id", p.ID)
		}
		if p.Signature == "" {
			return nil, fmt.Errorf("pattern %s: signature is required", p.ID)
		}
		if !p.Severity.Valid() {
			return nil, fmt.Errorf("pattern %s: invalid severity %q", p.ID, p.Severity)
		}
		if p.MaxRetries < 0 {
			return nil, fmt.Errorf("pattern %s: max_retries must be >= 0, got %d", p.ID, p.MaxRetries)
		}
		if p.HandlerID == "" && !p.Severity.IsCritical() {
			return nil, fmt.Errorf("pattern %s: handler is required for %s severity", p.ID, p.Severity)
		}
		if p.HandlerID != "" && handlers != nil && !handlers.Has(p.HandlerID) {
			return nil, fmt.Errorf("pattern %s: %w %q", p.ID, ErrUnknownHandler, p.HandlerID)
		}

		re, err := regexp.Compile(p.Signature)
		if err != nil {
			return nil, fmt.Errorf("pattern %s: invalid signature: %w", p.ID, err)
		}

		entry := p
		entry.re = re
		c.patterns = append(c.patterns, &entry)
		c.byID[entry.ID] = &entry
	}

	return c, nil
}

// MustNew is New that panics on error. Intended for tests and built-ins.
func MustNew(patterns []ErrorPattern, handlers HandlerSet) *Catalog {
	c, err := New(patterns, handlers)
	if err != nil {
		panic(err)
	}
	return c
}

// Len returns the number of patterns.
func (c *Catalog) Len() int {
	return len(c.patterns)
}

// Patterns returns a copy of the patterns in registration order.
func (c *Catalog) Patterns() []ErrorPattern {
	out := make([]ErrorPattern, len(c.patterns))
	for i, p := range c.patterns {
		out[i] = *p
	}
	return out
}

// Lookup returns the pattern with the given id.
func (c *Catalog) Lookup(id string) (*ErrorPattern, bool) {
	p, ok := c.byID[id]
	return p, ok
}

// Match returns the pattern that best classifies output.
//
// When several patterns match, the highest severity wins; among equal
// severities the earliest registered pattern wins.
func (c *Catalog) Match(output string) (*ErrorPattern, bool) {
	m, ok := c.match(output)
	return m.Pattern, ok
}

// Match is a classified region of output.
type Match struct {
	Pattern *ErrorPattern
	// End is the offset just past the matched text.
	End int
}

func (c *Catalog) match(output string) (Match, bool) {
	var best Match
	for _, p := range c.patterns {
		if best.Pattern != nil && p.Severity.Rank() <= best.Pattern.Severity.Rank() {
			continue
		}
		loc := p.re.FindStringIndex(output)
		if loc == nil {
			continue
		}
		best = Match{Pattern: p, End: loc[1]}
	}
	return best, best.Pattern != nil
}

// Verdict is the classification of a finished command.
type Verdict string

const (
	// VerdictSuccess means the command exited cleanly.
	VerdictSuccess Verdict = "success"
	// VerdictMatched means a catalog pattern explains the failure.
	VerdictMatched Verdict = "matched"
	// VerdictUnknown means the command failed without a known signature.
	VerdictUnknown Verdict = "unknown"
)

// Classify combines an exit code with the pattern observed during execution.
// A clean exit succeeds unless a critical pattern was seen.
func Classify(exitCode int, matched *ErrorPattern) Verdict {
	if exitCode == 0 && (matched == nil || !matched.Severity.IsCritical()) {
		return VerdictSuccess
	}
	if matched != nil {
		return VerdictMatched
	}
	return VerdictUnknown
}
