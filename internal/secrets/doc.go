// Package secrets redacts credentials from remote command output.
//
// The runner passes every output tail through a Scrubber before the tail is
// recorded on a step attempt, so persisted state, events and log lines only
// ever see the redacted text. Findings carry the rule and line, never the
// matched value.
package secrets
