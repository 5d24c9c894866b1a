package scheduler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"rbaker/internal/task"
	logx "rbaker/pkg/logx"
)

// Add registers a live trigger for e. Adding an entry identical to a live one
// returns task.ErrDuplicateSchedule and leaves a single trigger in place.
func (s *Service) Add(e task.Entry) error {
	e = e.Normalize()
	if err := e.Validate(); err != nil {
		return err
	}
	ps, err := ParseSchedule(e.Interval)
	if err != nil {
		return fmt.Errorf("%w: %w", task.ErrInvalidEntry, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(e, ps)
}

func (s *Service) addLocked(e task.Entry, ps ParsedSpec) error {
	for _, d := range s.defs {
		if d.entry.Same(e) {
			return fmt.Errorf("%w: %s", task.ErrDuplicateSchedule, e)
		}
	}
	s.seq++
	d := scheduleDef{
		id:      fmt.Sprintf("sched-%d", s.seq),
		entry:   e,
		spec:    ps.Cron,
		timeout: e.Timeout(),
	}
	s.defs = append(s.defs, d)
	if s.c == nil {
		// Not started yet: registered on Start.
		return nil
	}
	if err := s.addCronLocked(&s.defs[len(s.defs)-1]); err != nil {
		s.defs = s.defs[:len(s.defs)-1]
		s.log.Error("schedule register failed", logx.String("task", e.Task), logx.String("spec", ps.Cron), logx.Any("err", err))
		return err
	}
	args := []logx.Field{logx.String("task", e.Task), logx.String("id", d.id), logx.String("spec", ps.Cron), logx.Duration("timeout", d.timeout)}
	if next := s.previewNextRunsLocked(ps.Cron, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
	return nil
}

// RemoveTask detaches every trigger for the named task. It reports how many
// were removed; removing an unknown name is a no-op.
func (s *Service) RemoveTask(name string) int {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0
	}
	s.mu.Lock()
	n := s.removeLocked(func(d scheduleDef) bool { return d.entry.Task == name })
	s.mu.Unlock()

	if n > 0 {
		s.log.Debug("schedule removed", logx.String("task", name), logx.Int("count", n))
	}
	return n
}

// Replace swaps the whole trigger set for entries. Entries that fail to
// parse or duplicate an earlier one are skipped and reported in the error;
// the rest are registered.
func (s *Service) Replace(entries []task.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(func(scheduleDef) bool { return true })

	var errs []error
	for _, e := range entries {
		e = e.Normalize()
		if err := e.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e, err))
			continue
		}
		ps, err := ParseSchedule(e.Interval)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e, err))
			continue
		}
		if err := s.addLocked(e, ps); err != nil {
			errs = append(errs, err)
		}
	}
	s.log.Info("schedules replaced", logx.Int("schedules", len(s.defs)), logx.Int("rejected", len(errs)))
	return errors.Join(errs...)
}

// Entries returns the registered entries in registration order.
func (s *Service) Entries() []task.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]task.Entry, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d.entry)
	}
	return out
}

// removeLocked drops matching defs and their cron entries. Call with s.mu held.
func (s *Service) removeLocked(match func(scheduleDef) bool) int {
	n := 0
	removed := 0
	for _, d := range s.defs {
		if match(d) {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed++
			continue
		}
		s.defs[n] = d
		n++
	}
	clear(s.defs[n:])
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	name := d.entry.Task
	timeout := d.timeout
	job := cron.FuncJob(func() {
		if s.exec == nil {
			return
		}
		if _, err := s.exec.Trigger(name, timeout, "cron"); err != nil {
			s.reportEnqueueError(name, err)
		}
	})
	eid, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return fmt.Errorf("cron: invalid schedule for task %q: %w", name, err)
	}
	d.entryID = eid
	return nil
}
