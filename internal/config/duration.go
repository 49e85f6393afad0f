package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration fields (batch_delay, busy_timeout, keep_for, ...) stay plain
// strings in Config so the strict decoder treats JSON and YAML input the
// same way; callers parse them at the boundary with these helpers.

// ParseDurationField parses one duration field. Empty means unset and maps
// to zero. Negative values are rejected. path names the field in errors,
// e.g. "broadcast.batch_delay".
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for unset fields.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
