package secrets

import (
	"fmt"

	"github.com/fyrsmithlabs/autodeploy/internal/config"
)

// Detector names accepted by the secrets.detector setting.
const (
	DetectorRules    = "rules"
	DetectorGitleaks = "gitleaks"
	DetectorAll      = "all"
	DetectorNone     = "none"
)

// FromConfig builds the scrubber for step output tails. "all" runs the
// built-in rules first and gitleaks on what is left.
func FromConfig(cfg config.SecretsConfig) (Scrubber, error) {
	rulesCfg := DefaultConfig()
	rulesCfg.Allow = cfg.Allow

	switch cfg.Detector {
	case DetectorNone:
		return NoopScrubber{}, nil
	case DetectorRules:
		return New(rulesCfg)
	case DetectorGitleaks:
		return NewGitleaks(rulesCfg.Replacement, cfg.Allow...)
	case DetectorAll, "":
		rules, err := New(rulesCfg)
		if err != nil {
			return nil, err
		}
		gl, err := NewGitleaks(rulesCfg.Replacement, cfg.Allow...)
		if err != nil {
			return nil, err
		}
		return Chain{rules, gl}, nil
	}
	return nil, fmt.Errorf("unknown secret detector %q", cfg.Detector)
}
