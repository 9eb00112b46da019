package config

import (
	"fmt"
	"strings"
	"time"
)

// Durations in the config file are Go duration strings ("500ms", "30s",
// "1m"). An omitted or empty field parses to zero; callers that need a
// floor use ParseDurationOrDefault.

// ParseDurationField parses one duration field. path names the field in the
// error ("monitors.solana.check_interval"). Negative durations are rejected;
// no interval, timeout or window in this config means anything below zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def when the field is omitted, empty or
// "0s". Fields where zero is meaningful (prune_after, startup_delay) go
// through ParseDurationField directly.
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
