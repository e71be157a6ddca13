package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// maxTimerDelay caps a single timer arm; longer waits are chained by
// re-arming with the remainder when the capped timer fires.
const maxTimerDelay = 30 * 24 * time.Hour

const resumeTimeout = 2 * time.Minute

type ResumeFunc func(ctx context.Context) error

// Pending is a persisted deadline discovered during Bootstrap.
type Pending struct {
	Key    string
	FireAt time.Time
}

// Source is a workflow service that persists deadlines and knows how to
// resume them. Resume must be idempotent: it re-reads the entity and
// no-ops if the state already moved on.
type Source interface {
	PendingActions(ctx context.Context) ([]Pending, error)
	Resume(ctx context.Context, key string) error
}

type timerEntry struct {
	timer  *time.Timer
	fireAt time.Time
}

// Scheduler owns every live timer in the process. At most one timer per
// key; Arm replaces, Cancel removes. Resume callbacks run in their own
// goroutine so one slow entity never delays another.
type Scheduler struct {
	logger  *zap.Logger
	now     func() time.Time
	mu      sync.Mutex
	timers  map[string]*timerEntry
	sources []Source
}

func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		logger: logger,
		now:    time.Now,
		timers: make(map[string]*timerEntry),
	}
}

func (s *Scheduler) Register(src Source) {
	if src == nil {
		return
	}
	s.mu.Lock()
	s.sources = append(s.sources, src)
	s.mu.Unlock()
}

// Arm schedules resume at fireAt, replacing any live timer for the key.
// A deadline already in the past fires on the next tick rather than
// being rejected; that covers entities whose deadline passed while the
// process was down.
func (s *Scheduler) Arm(key string, fireAt time.Time, resume ResumeFunc) {
	if key == "" || resume == nil {
		return
	}

	delay := fireAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	chained := false
	if delay > maxTimerDelay {
		delay = maxTimerDelay
		chained = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.timers[key]; ok {
		existing.timer.Stop()
		delete(s.timers, key)
	}

	entry := &timerEntry{fireAt: fireAt}
	entry.timer = time.AfterFunc(delay, func() {
		s.fire(key, entry, fireAt, resume, chained)
	})
	s.timers[key] = entry
}

func (s *Scheduler) fire(key string, entry *timerEntry, fireAt time.Time, resume ResumeFunc, chained bool) {
	s.mu.Lock()
	if current, ok := s.timers[key]; !ok || current != entry {
		// Superseded by a re-arm or cancelled after the timer fired.
		s.mu.Unlock()
		return
	}
	delete(s.timers, key)
	s.mu.Unlock()

	if chained {
		s.Arm(key, fireAt, resume)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), resumeTimeout)
	defer cancel()

	if err := resume(ctx); err != nil {
		// No automatic retry: the entity keeps its state and due_at, so
		// the next sweep or Bootstrap picks it up again.
		s.logger.Error("deferred action resume failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.timers[key]; ok {
		entry.timer.Stop()
		delete(s.timers, key)
	}
}

// Bootstrap re-arms every persisted pending deadline. Called once at
// process start, after the sources are registered.
func (s *Scheduler) Bootstrap(ctx context.Context) error {
	s.mu.Lock()
	sources := make([]Source, len(s.sources))
	copy(sources, s.sources)
	s.mu.Unlock()

	total := 0
	for _, src := range sources {
		src := src
		pending, err := src.PendingActions(ctx)
		if err != nil {
			return fmt.Errorf("list pending deferred actions: %w", err)
		}
		for _, p := range pending {
			key := p.Key
			s.Arm(key, p.FireAt, func(ctx context.Context) error {
				return src.Resume(ctx, key)
			})
			total++
		}
	}

	if total > 0 {
		s.logger.Info("deferred actions re-armed", zap.Int("count", total))
	}
	return nil
}

// ArmedCount reports live timers; used by the health endpoint.
func (s *Scheduler) ArmedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
