package runner

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/fyrsmithlabs/autodeploy/internal/catalog"
	"github.com/fyrsmithlabs/autodeploy/internal/config"
)

// CancelGracePeriod is how long a cancelled or aborted command may take to
// finish after it was terminated.
const CancelGracePeriod = 10 * time.Second

// Policy tunes retries and output handling.
type Policy struct {
	// BackoffBase is the delay before the first retry. Later retries double
	// it up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Jitter randomizes each delay by +/- this fraction.
	Jitter float64

	// OutputTailLines is how many trailing output lines an attempt keeps.
	OutputTailLines int
	// MatchWindow is how much trailing output the matcher searches.
	MatchWindow int
	// HeartbeatInterval throttles "step still running" logs.
	HeartbeatInterval time.Duration
	// GracePeriod overrides CancelGracePeriod when positive.
	GracePeriod time.Duration
}

// DefaultPolicy returns the defaults used when no configuration is given.
func DefaultPolicy() Policy {
	return Policy{
		BackoffBase:       2 * time.Second,
		BackoffMax:        time.Minute,
		Jitter:            0.2,
		OutputTailLines:   40,
		MatchWindow:       catalog.DefaultWindow,
		HeartbeatInterval: 30 * time.Second,
	}
}

// PolicyFromConfig builds a policy from the runner config section.
func PolicyFromConfig(c config.RunnerConfig) Policy {
	p := DefaultPolicy()
	if c.BackoffBase > 0 {
		p.BackoffBase = c.BackoffBase.Duration()
	}
	if c.BackoffMax > 0 {
		p.BackoffMax = c.BackoffMax.Duration()
	}
	if c.Jitter > 0 {
		p.Jitter = c.Jitter
	}
	if c.OutputTailLines > 0 {
		p.OutputTailLines = c.OutputTailLines
	}
	if c.MatchWindowBytes > 0 {
		p.MatchWindow = c.MatchWindowBytes
	}
	if c.HeartbeatInterval > 0 {
		p.HeartbeatInterval = c.HeartbeatInterval.Duration()
	}
	return p
}

func (p Policy) grace() time.Duration {
	if p.GracePeriod > 0 {
		return p.GracePeriod
	}
	return CancelGracePeriod
}

// newBackOff returns base * 2^(n-1) capped at max, randomized by jitter.
func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BackoffBase
	b.MaxInterval = p.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}
