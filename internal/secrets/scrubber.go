package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// DefaultReplacement is written in place of every redacted span.
const DefaultReplacement = "[REDACTED]"

// Rule describes one kind of secret.
type Rule struct {
	ID          string
	Description string
	Pattern     string
	// Keywords, when set, gate the rule: it only runs on text containing at
	// least one of them (case-insensitive).
	Keywords []string
	Severity string
}

// Config configures a RuleScrubber.
type Config struct {
	Rules []Rule
	// Allow lists patterns; a match that also matches one of them is kept.
	Allow       []string
	Replacement string
}

// DefaultConfig returns the built-in rules.
func DefaultConfig() Config {
	return Config{Rules: DefaultRules(), Replacement: DefaultReplacement}
}

// Finding is one redacted span.
type Finding struct {
	RuleID   string
	Severity string
	// Line is 1-based.
	Line int
}

// Result is the outcome of scrubbing one text.
type Result struct {
	Text     string
	Findings []Finding
}

// Redacted reports whether anything was replaced.
func (r Result) Redacted() bool { return len(r.Findings) > 0 }

// RuleIDs returns the distinct rules that matched, sorted.
func (r Result) RuleIDs() []string {
	seen := make(map[string]struct{}, len(r.Findings))
	var ids []string
	for _, f := range r.Findings {
		if _, ok := seen[f.RuleID]; ok {
			continue
		}
		seen[f.RuleID] = struct{}{}
		ids = append(ids, f.RuleID)
	}
	sort.Strings(ids)
	return ids
}

// Scrubber redacts secrets from text.
type Scrubber interface {
	Scrub(text string) Result
}

type compiledRule struct {
	Rule
	re       *regexp.Regexp
	keywords []string
}

// RuleScrubber is a Scrubber driven by regular expression rules. It is safe
// for concurrent use.
type RuleScrubber struct {
	rules       []compiledRule
	allow       []*regexp.Regexp
	replacement string
}

// New compiles cfg.
func New(cfg Config) (*RuleScrubber, error) {
	s := &RuleScrubber{replacement: cfg.Replacement}
	if s.replacement == "" {
		s.replacement = DefaultReplacement
	}
	seen := make(map[string]bool, len(cfg.Rules))
	for i, r := range cfg.Rules {
		switch {
		case r.ID == "":
			return nil, fmt.Errorf("secret rule %d has no id", i)
		case seen[r.ID]:
			return nil, fmt.Errorf("secret rule %q defined twice", r.ID)
		case r.Pattern == "":
			return nil, fmt.Errorf("secret rule %q has no pattern", r.ID)
		}
		seen[r.ID] = true
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("secret rule %q: %w", r.ID, err)
		}
		kws := make([]string, len(r.Keywords))
		for j, kw := range r.Keywords {
			kws[j] = strings.ToLower(kw)
		}
		s.rules = append(s.rules, compiledRule{Rule: r, re: re, keywords: kws})
	}
	for _, p := range cfg.Allow {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("secret allow pattern %q: %w", p, err)
		}
		s.allow = append(s.allow, re)
	}
	return s, nil
}

// MustNew is New for configs known to be valid.
func MustNew(cfg Config) *RuleScrubber {
	s, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

type span struct{ start, end int }

// Scrub replaces every match with the replacement. Overlapping matches from
// different rules collapse into a single replacement.
func (s *RuleScrubber) Scrub(text string) Result {
	res := Result{Text: text}
	if text == "" {
		return res
	}

	var (
		lower string
		spans []span
	)
	for _, r := range s.rules {
		if len(r.keywords) > 0 {
			if lower == "" {
				lower = strings.ToLower(text)
			}
			if !containsAny(lower, r.keywords) {
				continue
			}
		}
		for _, m := range r.re.FindAllStringIndex(text, -1) {
			if m[0] == m[1] || s.allowed(text[m[0]:m[1]]) {
				continue
			}
			spans = append(spans, span{m[0], m[1]})
			res.Findings = append(res.Findings, Finding{
				RuleID:   r.ID,
				Severity: r.Severity,
				Line:     strings.Count(text[:m[0]], "\n") + 1,
			})
		}
	}
	if len(spans) == 0 {
		return res
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	var b strings.Builder
	b.Grow(len(text))
	pos := 0
	for i := 0; i < len(spans); {
		start, end := spans[i].start, spans[i].end
		for i++; i < len(spans) && spans[i].start <= end; i++ {
			end = max(end, spans[i].end)
		}
		b.WriteString(text[pos:start])
		b.WriteString(s.replacement)
		pos = end
	}
	b.WriteString(text[pos:])
	res.Text = b.String()
	return res
}

func (s *RuleScrubber) allowed(match string) bool {
	for _, re := range s.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// NoopScrubber returns text unchanged.
type NoopScrubber struct{}

func (NoopScrubber) Scrub(text string) Result { return Result{Text: text} }

var (
	_ Scrubber = (*RuleScrubber)(nil)
	_ Scrubber = NoopScrubber{}
)
