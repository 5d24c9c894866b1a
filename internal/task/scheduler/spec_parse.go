package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ParsedSpec is a schedule string normalized to a cron expression.
//
// Supported forms:
//   - Cron (5 fields, minute granularity): "0 1 * * *", "*/30 * * * *"
//   - Descriptors: "@daily", "@hourly", "@every 6h"
//   - Daily at HH:MM: "02:30" becomes "30 2 * * *"
//
// A "cron:" prefix forces cron parsing.
type ParsedSpec struct {
	Cron   string
	Source string // "cron" | "hhmm"
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// parser accepts standard 5-field expressions and descriptors. Seconds are
// not accepted; schedules have minute granularity.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule normalizes and validates a schedule string.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	ps := ParsedSpec{Cron: s, Source: "cron"}
	switch {
	case strings.HasPrefix(strings.ToLower(s), "cron:"):
		ps.Cron = strings.TrimSpace(s[len("cron:"):])
		if ps.Cron == "" {
			return ParsedSpec{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
	case reHHMM.MatchString(s):
		h, m, err := parseHHMM(s)
		if err != nil {
			return ParsedSpec{}, err
		}
		ps = ParsedSpec{Cron: fmt.Sprintf("%d %d * * *", m, h), Source: "hhmm"}
	}

	if _, err := parser.Parse(ps.Cron); err != nil {
		return ParsedSpec{}, fmt.Errorf(
			"invalid schedule %q (use cron like '0 1 * * *', a descriptor like '@daily', or HH:MM like '02:30'): %w",
			raw, err,
		)
	}
	return ps, nil
}

// NextRuns returns the next n fire times of spec after from, in loc.
func NextRuns(spec string, loc *time.Location, from time.Time, n int) ([]time.Time, error) {
	ps, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}
	sched, err := parser.Parse(ps.Cron)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.Local
	}
	out := make([]time.Time, 0, n)
	t := from.In(loc)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
