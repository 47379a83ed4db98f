// internal/catalog/severity.go
package catalog

import (
	"fmt"
	"strings"
)

// Severity ranks how dangerous a matched failure signature is.
type Severity string

const (
	// SeverityLow marks transient noise that a retry usually clears.
	SeverityLow Severity = "low"
	// SeverityMedium marks failures with a known remediation.
	SeverityMedium Severity = "medium"
	// SeverityHigh marks failures that need remediation before anything else runs.
	SeverityHigh Severity = "high"
	// SeverityCritical marks failures that are unrecoverable by policy.
	SeverityCritical Severity = "critical"
)

// Rank returns the ordering weight of s. Unknown severities rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// IsCritical reports whether s short-circuits retries.
func (s Severity) IsCritical() bool {
	return s == SeverityCritical
}

// ParseSeverity parses a case-insensitive severity name.
func ParseSeverity(v string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown severity %q (want low, medium, high or critical)", v)
	}
	return s, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
