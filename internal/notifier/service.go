package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"rbaker/internal/eventbus"
	"rbaker/internal/runtime/supervisor"
	"rbaker/internal/task/engine"
	logx "rbaker/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender

	cfg     Config
	events  map[string]bool
	limiter *rate.Limiter

	queue chan string
	sup   *supervisor.Supervisor

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, log logx.Logger) *Service {
	s := &Service{log: log, sender: sender, dedup: map[string]time.Time{}}
	s.applyLocked(cfg)
	return s
}

// Apply swaps the config. Queue size changes take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerMin <= 0 {
		cfg.RatePerMin = 20
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	if len(cfg.Events) == 0 {
		cfg.Events = []string{eventbus.TaskTimeout, eventbus.TaskFailed}
	}
	s.cfg = cfg
	s.events = make(map[string]bool, len(cfg.Events))
	for _, e := range cfg.Events {
		s.events[strings.TrimSpace(e)] = true
	}
	// Burst of a few messages, then RatePerMin on average.
	s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMin)), min(cfg.RatePerMin, 5))
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil
}

// Start launches the delivery worker. It is a no-op when disabled or running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		return
	}
	q := make(chan string, s.cfg.QueueSize)
	s.queue = q
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log.With(logx.String("comp", "notifier"))))
	s.sup.GoRestart("notifier.worker", func(c context.Context) error {
		return s.workerLoop(c, q)
	})
}

// Stop closes intake and lets the worker drain until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	s.queue, s.sup = nil, nil
	s.mu.Unlock()
	if q == nil {
		return
	}
	close(q)
	if err := sup.Wait(ctx); err != nil {
		s.log.Warn("notifier stop timed out", logx.Err(err))
	}
	sup.Cancel()
}

// Notify queues text for delivery. Identical text within the dedup window is
// dropped silently.
func (s *Service) Notify(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		return ErrDisabled
	}
	if s.queue == nil {
		return ErrStopped
	}
	if !s.dedupAllow(text, s.cfg.DedupWindow) {
		s.log.Debug("notification deduplicated")
		return nil
	}
	select {
	case s.queue <- text:
		return nil
	default:
		return ErrQueueFull
	}
}

// HandleEvent turns a subscribed task event into a notification.
func (s *Service) HandleEvent(ctx context.Context, ev eventbus.Event) {
	s.mu.Lock()
	want := s.events[ev.Type]
	s.mu.Unlock()
	if !want {
		return
	}
	te, ok := ev.Data.(engine.TaskEvent)
	if !ok {
		return
	}
	if err := s.Notify(ctx, FormatEvent(ev.Type, te)); err != nil && !errors.Is(err, ErrDisabled) {
		s.log.Warn("notification not queued", logx.String("event", ev.Type), logx.Err(err))
	}
}

// FormatEvent renders a task event as a short plain-text message.
func FormatEvent(typ string, ev engine.TaskEvent) string {
	var b strings.Builder
	switch typ {
	case eventbus.TaskTimeout:
		fmt.Fprintf(&b, "⏱ %s timed out after %s; the next queued task was started (the run may still be going)", ev.Name, ev.Timeout)
	case eventbus.TaskFailed:
		fmt.Fprintf(&b, "❌ %s failed after %s", ev.Name, ev.Duration.Round(time.Second))
	case eventbus.TaskLate:
		fmt.Fprintf(&b, "🐢 %s finished %s after being abandoned (%s)", ev.Name, ev.Status, ev.Duration.Round(time.Second))
	case eventbus.TaskFinished:
		fmt.Fprintf(&b, "✅ %s finished in %s", ev.Name, ev.Duration.Round(time.Second))
	default:
		fmt.Fprintf(&b, "%s: %s (%s)", typ, ev.Name, ev.Status)
	}
	if ev.Source != "" {
		fmt.Fprintf(&b, " [%s]", ev.Source)
	}
	if ev.Error != "" {
		b.WriteString("\n")
		b.WriteString(truncate(ev.Error, 500))
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(text string, err error) {
	item := HistoryItem{At: time.Now(), Text: text}
	if err != nil {
		item.Error = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case text, ok := <-q:
			if !ok {
				return nil
			}
			s.sendWithRetry(ctx, text)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, text string) {
	s.mu.Lock()
	cfg, lim, sender := s.cfg, s.limiter, s.sender
	s.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= 1+cfg.RetryMax; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		lastErr = sender.Send(callCtx, text)
		cancel()
		if lastErr == nil {
			s.appendHistory(text, nil)
			return
		}
		s.log.Debug("notify send failed", logx.Err(lastErr), logx.Int("attempt", attempt))
		if attempt > cfg.RetryMax {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.appendHistory(text, lastErr)
	s.log.Warn("notification dropped after retries", logx.Err(lastErr))
}

func (s *Service) dedupAllow(text string, window time.Duration) bool {
	if window <= 0 {
		return true
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	key := fmt.Sprintf("%x", h.Sum64())

	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}

// retryDelay is base*2^(attempt-1) capped at RetryMaxDelay with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, cfg.RetryMaxDelay)
	j := 0.7 + rand.Float64()*0.6
	return min(time.Duration(float64(d)*j), cfg.RetryMaxDelay)
}
