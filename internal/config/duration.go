package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration parses a config duration. Go syntax ("15s", "1h30m") and bare
// integers, read as milliseconds like payload intervalMs, are accepted.
// Empty is zero. field prefixes the error.
func Duration(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	var d time.Duration
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		d = time.Duration(ms) * time.Millisecond
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, fmt.Errorf("%s: %q is neither a duration nor milliseconds", field, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: %q is negative", field, raw)
	}
	return d, nil
}

// DurationOr is Duration with def standing in for empty and zero.
func DurationOr(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := Duration(field, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
