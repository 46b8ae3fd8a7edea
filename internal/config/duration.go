package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration-typed config fields (kill_grace, shutdown_timeout, busy_timeout)
// are Go duration strings like "2s" or "1m30s". Empty means unset.

// ParseDurationField parses one such field; path names it in error messages.
// Empty input parses to zero, negative durations are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(trimmed)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback: unset (empty
// or zero) fields take def instead.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
