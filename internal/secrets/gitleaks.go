package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	gitleaksconfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
)

// gitleaksPrefix namespaces gitleaks rule ids in findings.
const gitleaksPrefix = "gitleaks:"

// GitleaksScrubber redacts what the gitleaks default ruleset detects. The
// ruleset covers vendor tokens that DefaultRules does not know about.
type GitleaksScrubber struct {
	cfg         gitleaksconfig.Config
	replacement string
	allow       []*regexp.Regexp
}

// NewGitleaks loads the gitleaks default ruleset. A secret matching one of
// the allow patterns is kept.
func NewGitleaks(replacement string, allow ...string) (*GitleaksScrubber, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load gitleaks rules: %w", err)
	}
	if replacement == "" {
		replacement = DefaultReplacement
	}
	g := &GitleaksScrubber{cfg: d.Config, replacement: replacement}
	for _, pat := range allow {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("invalid allow pattern %q: %w", pat, err)
		}
		g.allow = append(g.allow, re)
	}
	return g, nil
}

// Scrub replaces every detected secret. A detector keeps the findings of
// every scan, so each call gets its own.
func (g *GitleaksScrubber) Scrub(text string) Result {
	res := Result{Text: text}
	if strings.TrimSpace(text) == "" {
		return res
	}

	var found []string
	for _, f := range detect.NewDetector(g.cfg).DetectString(text) {
		secret := f.Secret
		if secret == "" {
			secret = f.Match
		}
		idx := strings.Index(text, secret)
		if secret == "" || idx < 0 || g.allowed(secret) {
			continue
		}
		found = append(found, secret)
		res.Findings = append(res.Findings, Finding{
			RuleID:   gitleaksPrefix + f.RuleID,
			Severity: "high",
			Line:     strings.Count(text[:idx], "\n") + 1,
		})
	}
	if len(found) == 0 {
		return res
	}

	// longest first, so a secret that contains another is replaced whole
	sort.Slice(found, func(i, j int) bool { return len(found[i]) > len(found[j]) })
	out := text
	for _, secret := range found {
		out = strings.ReplaceAll(out, secret, g.replacement)
	}
	res.Text = out
	return res
}

func (g *GitleaksScrubber) allowed(secret string) bool {
	for _, re := range g.allow {
		if re.MatchString(secret) {
			return true
		}
	}
	return false
}

// Chain runs scrubbers in order, each on the output of the previous one.
type Chain []Scrubber

func (c Chain) Scrub(text string) Result {
	res := Result{Text: text}
	for _, s := range c {
		r := s.Scrub(res.Text)
		res.Text = r.Text
		res.Findings = append(res.Findings, r.Findings...)
	}
	return res
}

var (
	_ Scrubber = (*GitleaksScrubber)(nil)
	_ Scrubber = Chain(nil)
)
