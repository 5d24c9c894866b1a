package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	snap := Snapshot{
		Running:   s.c != nil,
		Timezone:  loc.String(),
		Schedules: make([]ScheduleInfo, 0, len(s.defs)),
	}
	for _, d := range s.defs {
		it := ScheduleInfo{
			ID:       d.id,
			Task:     d.entry.Task,
			Interval: d.entry.Interval,
			Spec:     d.spec,
			Timeout:  d.timeout,
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		if it.Next.IsZero() {
			if runs, err := NextRuns(d.spec, loc, time.Now(), 1); err == nil && len(runs) == 1 {
				it.Next = runs[0]
			}
		}
		snap.Schedules = append(snap.Schedules, it)
	}
	return snap
}
