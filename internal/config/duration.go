package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Durations in the config file are Go durations ("90m", "1h30m") or whole
// seconds ("3600"), the unit schedule timeouts are stored in.

// ParseDuration parses the duration at path. Empty means zero.
func ParseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("%s: %q must not be negative", path, raw)
		}
		if n > int64(maxDuration/time.Second) {
			return 0, fmt.Errorf("%s: %q exceeds %s", path, raw, maxDuration)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is neither seconds nor a duration like 90m: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: %q must not be negative", path, raw)
	}
	if d > maxDuration {
		return 0, fmt.Errorf("%s: %q exceeds %s", path, raw, maxDuration)
	}
	return d, nil
}

// DurationOr is ParseDuration with def for empty or zero values.
func DurationOr(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDuration(path, raw)
	if err != nil || d == 0 {
		return def, err
	}
	return d, nil
}

// maxDuration caps every configured duration; nothing in a backup schedule
// waits longer than a month.
const maxDuration = 31 * 24 * time.Hour

// durationFields pairs each duration setting with its config path.
func (c *Config) durationFields() [][2]string {
	return [][2]string{
		{"scheduler.default_timeout", c.Scheduler.DefaultTimeout},
		{"scheduler.heartbeat", c.Scheduler.Heartbeat},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"backup.directories.batch_pause", c.Backup.Directories.BatchPause},
	}
}
