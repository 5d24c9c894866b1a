package scheduler

import (
	"errors"
	"time"

	"rbaker/internal/task/engine"
	logx "rbaker/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	// Shutdown races are expected.
	if errors.Is(err, engine.ErrStopped) {
		s.log.Debug("trigger ignored: executor stopped", logx.String("task", name))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	if s.lastEnqWarn == nil {
		s.lastEnqWarn = make(map[string]time.Time)
	}
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	s.log.Warn("schedule failed to trigger task", logx.String("task", name), logx.Any("err", err))
}
