package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a duration-string config field ("30s",
// "1h30m"). Empty means the field was left unset and parses to zero;
// negative durations are rejected. path names the field in errors
// (e.g. "poller.interval").
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def for unset fields; the optional
// timeouts (telegram.poll_timeout, canvas.request_timeout) resolve
// through this.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	switch {
	case err != nil:
		return 0, err
	case d <= 0:
		return def, nil
	default:
		return d, nil
	}
}
