// internal/catalog/defaults.go
package catalog

// Handler ids referenced by the built-in patterns.
const (
	HandlerWaitForLock    = "wait-for-dpkg-lock"
	HandlerRepairPackages = "repair-packages"
	HandlerRetryLater     = "retry-after-delay"
	HandlerAnswerYes      = "answer-yes"
	HandlerKeepConfig     = "keep-existing-config"
	HandlerReconnect      = "reconnect-session"
)

// Defaults returns the built-in provisioning failure signatures.
// The returned slice is fresh; callers may append their own patterns.
func Defaults() []ErrorPattern {
	return []ErrorPattern{
		{
			ID:          "dpkg-lock-held",
			Description: "Another package manager process holds the dpkg lock",
			Signature:   `(?i)(could not get lock /var/lib/dpkg/lock|unable to acquire the dpkg frontend lock|waiting for cache lock)`,
			Severity:    SeverityMedium,
			HandlerID:   HandlerWaitForLock,
			MaxRetries:  5,
		},
		{
			ID:          "package-conflict",
			Description: "Conflicting or broken packages block installation",
			Signature:   `(?i)(trying to overwrite '[^']+', which is also in package|unmet dependencies|held broken packages|dpkg was interrupted)`,
			Severity:    SeverityMedium,
			HandlerID:   HandlerRepairPackages,
			MaxRetries:  2,
		},
		{
			ID:          "disk-space-insufficient",
			Description: "Target filesystem is out of space",
			Signature:   `(?i)(no space left on device|you don't have enough free space|disk quota exceeded)`,
			Severity:    SeverityCritical,
		},
		{
			ID:          "privilege-denied",
			Description: "The remote user lacks the privileges the step needs",
			Signature:   `(?i)(is not in the sudoers file|sudo: a password is required|sudo: a terminal is required)`,
			Severity:    SeverityCritical,
		},
		{
			ID:          "network-transient",
			Description: "Transient network failure while fetching resources",
			Signature:   `(?i)(temporary failure resolving|could not resolve host|connection timed out|connection reset by peer|hash sum mismatch)`,
			Severity:    SeverityLow,
			HandlerID:   HandlerRetryLater,
			MaxRetries:  3,
		},
		{
			ID:          "session-dropped",
			Description: "The remote connection dropped mid-command",
			Signature:   `(?i)(broken pipe|connection closed by remote host|client_loop: send disconnect)`,
			Severity:    SeverityHigh,
			HandlerID:   HandlerReconnect,
			MaxRetries:  1,
		},
		{
			ID:          "confirm-prompt",
			Description: "Installer asks for a yes/no confirmation",
			Signature:   `(?im)(\[Y/n\]|\[y/N\]|do you want to continue\?)\s*$`,
			Severity:    SeverityLow,
			HandlerID:   HandlerAnswerYes,
			MaxRetries:  20,
		},
		{
			ID:          "config-file-prompt",
			Description: "Package asks what to do with a modified configuration file",
			Signature:   `\(Y/I/N/O/D/Z\) \[default=N\] \?\s*$`,
			Severity:    SeverityLow,
			HandlerID:   HandlerKeepConfig,
			MaxRetries:  20,
		},
	}
}
