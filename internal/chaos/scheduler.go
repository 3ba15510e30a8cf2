// Package chaos fires a trigger at random intervals, independent of what
// the writer is doing.
package chaos

import (
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	DefaultMin = 30 * time.Second
	DefaultMax = 120 * time.Second
)

// Pending describes the next scheduled fire.
type Pending struct {
	Interval    time.Duration `json:"interval"`
	ScheduledAt time.Time     `json:"scheduled_at"`
}

// Scheduler keeps exactly one fire pending while active. Each fire draws a
// fresh interval, uniform over [min, max] at millisecond granularity, from a
// cryptographic source.
type Scheduler struct {
	clock    clock.Clock
	random   io.Reader
	min, max time.Duration
	fire     func()
	logger   *slog.Logger

	mu      sync.Mutex
	active  bool
	gen     uint64
	timer   *clock.Timer
	pending Pending
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock injects the clock used for timers.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithRandom replaces crypto/rand.Reader as the entropy source.
func WithRandom(r io.Reader) Option {
	return func(s *Scheduler) { s.random = r }
}

// WithRange overrides the interval bounds.
func WithRange(min, max time.Duration) Option {
	return func(s *Scheduler) { s.min, s.max = min, max }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates an inactive scheduler. fire runs on a timer goroutine without
// any scheduler lock held.
func New(fire func(), opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		clock:  clock.New(),
		random: rand.Reader,
		min:    DefaultMin,
		max:    DefaultMax,
		fire:   fire,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.min <= 0 || s.max < s.min {
		return nil, fmt.Errorf("invalid chaos range [%s, %s]", s.min, s.max)
	}
	return s, nil
}

// DrawInterval draws one interval.
func (s *Scheduler) DrawInterval() (time.Duration, error) {
	span := int64((s.max - s.min) / time.Millisecond)
	n, err := rand.Int(s.random, big.NewInt(span+1))
	if err != nil {
		return 0, fmt.Errorf("draw chaos interval: %w", err)
	}
	return s.min + time.Duration(n.Int64())*time.Millisecond, nil
}

// Start activates the scheduler. Starting an active scheduler is a no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return nil
	}
	s.gen++
	if err := s.scheduleLocked(s.gen); err != nil {
		return err
	}
	s.active = true
	return nil
}

// Stop cancels the pending fire. It reports whether a fire was pending.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return false
	}
	s.active = false
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending = Pending{}
	return true
}

// Active reports whether a fire is scheduled.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Pending returns the scheduled fire, if any.
func (s *Scheduler) Pending() (Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending, s.active
}

// ManualTrigger runs the callback now. The scheduled fire is untouched.
func (s *Scheduler) ManualTrigger() {
	s.logger.Debug("chaos manual trigger")
	if s.fire != nil {
		s.fire()
	}
}

func (s *Scheduler) scheduleLocked(gen uint64) error {
	d, err := s.DrawInterval()
	if err != nil {
		return err
	}
	s.pending = Pending{Interval: d, ScheduledAt: s.clock.Now().Add(d)}
	s.timer = s.clock.AfterFunc(d, func() { s.onTimer(gen) })
	s.logger.Debug("chaos scheduled", "interval", d)
	return nil
}

func (s *Scheduler) onTimer(gen uint64) {
	s.mu.Lock()
	if !s.active || gen != s.gen {
		s.mu.Unlock()
		return
	}
	if err := s.scheduleLocked(gen); err != nil {
		s.logger.Error("chaos reschedule failed, stopping", "error", err)
		s.active = false
		s.timer = nil
		s.pending = Pending{}
	}
	s.mu.Unlock()

	if s.fire != nil {
		s.fire()
	}
}
