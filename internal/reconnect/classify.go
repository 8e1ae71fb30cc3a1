// Package reconnect classifies transport disconnects and drives the
// per-session retry state machine.
package reconnect

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Classification is the policy for one disconnect cause code.
type Classification struct {
	Description        string        `yaml:"description"`
	ShouldReconnect    bool          `yaml:"should_reconnect"`
	Permanent          bool          `yaml:"permanent"`
	BackoffBase        time.Duration `yaml:"backoff_base"`
	MaxAttempts        int           `yaml:"max_attempts"`
	CleanupCredentials bool          `yaml:"cleanup_credentials"`
	NotifyUser         bool          `yaml:"notify_user"`

	// SkipVerify marks the cause class whose in-flight session reset
	// would be corrupted by credential re-verification.
	SkipVerify bool `yaml:"skip_verify"`
}

// Well-known cause codes from the transport layer.
const (
	CauseUnknown             = 0
	CauseLoggedOut           = 401
	CauseTimedOut            = 408
	CauseMultideviceMismatch = 411
	CauseConnectionLost      = 428
	CauseStreamReplaced      = 440
	CauseBadSession          = 499
	CauseInternalError       = 500
	CauseServiceUnavailable  = 503
	CauseRestartRequired     = 515
)

// Table maps cause codes to classifications. Unknown codes fall back to a
// conservative retry-with-long-backoff default.
type Table struct {
	entries  map[int]Classification
	fallback Classification
}

// DefaultTable builds the built-in classification table.
func DefaultTable() *Table {
	return &Table{
		entries: map[int]Classification{
			CauseLoggedOut: {
				Description:        "logged out from another device",
				Permanent:          true,
				CleanupCredentials: true,
				NotifyUser:         true,
			},
			CauseMultideviceMismatch: {
				Description:        "multidevice state mismatch",
				Permanent:          true,
				CleanupCredentials: true,
				NotifyUser:         true,
			},
			CauseStreamReplaced: {
				Description:        "stream replaced by a newer connection",
				Permanent:          true,
				CleanupCredentials: false,
				NotifyUser:         true,
			},
			CauseTimedOut: {
				Description:     "server timed the connection out",
				ShouldReconnect: true,
				BackoffBase:     3 * time.Second,
				MaxAttempts:     5,
			},
			CauseConnectionLost: {
				Description:     "network connection lost",
				ShouldReconnect: true,
				BackoffBase:     3 * time.Second,
				MaxAttempts:     10,
			},
			CauseBadSession: {
				Description:     "corrupted session state, reset in flight",
				ShouldReconnect: true,
				BackoffBase:     5 * time.Second,
				MaxAttempts:     3,
				SkipVerify:      true,
			},
			CauseInternalError: {
				Description:     "server internal error",
				ShouldReconnect: true,
				BackoffBase:     10 * time.Second,
				MaxAttempts:     5,
			},
			CauseServiceUnavailable: {
				Description:     "service unavailable",
				ShouldReconnect: true,
				BackoffBase:     30 * time.Second,
				MaxAttempts:     8,
			},
			CauseRestartRequired: {
				Description:     "server requested a reconnect",
				ShouldReconnect: true,
				BackoffBase:     time.Second,
				MaxAttempts:     10,
			},
		},
		fallback: Classification{
			Description:     "unmapped cause, conservative retry",
			ShouldReconnect: true,
			BackoffBase:     time.Minute,
			MaxAttempts:     5,
		},
	}
}

// Lookup returns the classification for a cause code. known is false when
// the fallback was used.
func (t *Table) Lookup(code int) (c Classification, known bool) {
	if c, ok := t.entries[code]; ok {
		return c, true
	}

	return t.fallback, false
}

// LoadOverrides merges a YAML override file into the table. The file is a
// map of cause code to classification; listed codes replace the built-in
// entry wholesale.
func (t *Table) LoadOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading classification overrides: %w", err)
	}

	return t.MergeYAML(data)
}

// MergeYAML merges override entries from YAML data.
func (t *Table) MergeYAML(data []byte) error {
	overrides := make(map[int]Classification)
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("parsing classification overrides: %w", err)
	}

	for code, c := range overrides {
		t.entries[code] = c
	}

	return nil
}

// summary renders the one-line classification description used in
// decision logs.
func (c Classification) summary() string {
	switch {
	case c.Permanent:
		return fmt.Sprintf("permanent (%s)", c.Description)
	case c.ShouldReconnect:
		return fmt.Sprintf("transient (%s, base %s, max %d)", c.Description, c.BackoffBase, c.MaxAttempts)
	default:
		return fmt.Sprintf("unroutable (%s)", c.Description)
	}
}
