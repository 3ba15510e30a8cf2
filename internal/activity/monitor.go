// Package activity tracks how long the writer has been inactive and fires a
// callback once per stuck period.
package activity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// State is the writer's activity state.
type State int

const (
	Writing State = iota
	Idle
	Stuck
)

func (s State) String() string {
	switch s {
	case Writing:
		return "WRITING"
	case Idle:
		return "IDLE"
	case Stuck:
		return "STUCK"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config holds the thresholds measured from the last activity signal.
type Config struct {
	IdleAfter  time.Duration
	StuckAfter time.Duration
	Tick       time.Duration
}

// DefaultConfig returns 5s idle, 60s stuck, checked every second.
func DefaultConfig() Config {
	return Config{
		IdleAfter:  5 * time.Second,
		StuckAfter: 60 * time.Second,
		Tick:       time.Second,
	}
}

// Snapshot is a point-in-time copy of the monitor state.
type Snapshot struct {
	State        State     `json:"state"`
	LastActivity time.Time `json:"last_activity"`
	Fired        bool      `json:"fired"`
	Enabled      bool      `json:"enabled"`
}

// Monitor is inert until Enable is called. While disabled it stays at
// Writing and never fires.
type Monitor struct {
	cfg     Config
	clock   clock.Clock
	onStuck func()
	logger  *slog.Logger

	mu      sync.Mutex
	enabled bool
	state   State
	last    time.Time
	fired   bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock injects the clock driving the periodic check.
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// New creates a disabled monitor. onStuck runs on the monitor's goroutine
// (or the caller's, for ManualTrigger) without any monitor lock held.
func New(cfg Config, onStuck func(), opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = def.IdleAfter
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = def.StuckAfter
	}
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	m := &Monitor{
		cfg:     cfg,
		clock:   clock.New(),
		onStuck: onStuck,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.last = m.clock.Now()
	return m
}

// Enable starts the periodic check. The idle clock starts now.
// Enabling an enabled monitor is a no-op.
func (m *Monitor) Enable(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enabled {
		return
	}
	m.enabled = true
	m.resetLocked()

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	ticker := m.clock.Ticker(m.cfg.Tick)
	go m.loop(ctx, ticker, m.done)
}

// Disable stops the periodic check and waits for it to exit. After Disable
// returns no callback fires. Must not be called from onStuck.
func (m *Monitor) Disable() {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return
	}
	m.enabled = false
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.resetLocked()
	m.mu.Unlock()

	cancel()
	<-done
}

// Enabled reports whether the monitor is running.
func (m *Monitor) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// OnActivity records a writing signal: back to Writing, fired flag cleared.
func (m *Monitor) OnActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
}

// ManualTrigger forces Stuck and fires the callback once. The natural
// threshold does not fire again for the same stuck period. It reports
// whether the callback ran; a disabled monitor never fires.
func (m *Monitor) ManualTrigger() bool {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return false
	}
	m.state = Stuck
	m.fired = true
	m.mu.Unlock()

	m.logger.Debug("activity manual trigger")
	if m.onStuck != nil {
		m.onStuck()
	}
	return true
}

// Check advances the state machine to now and reports whether the stuck
// callback is due. States only advance between activity signals.
func (m *Monitor) Check(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled {
		return false
	}

	elapsed := now.Sub(m.last)
	next := Writing
	switch {
	case elapsed >= m.cfg.StuckAfter:
		next = Stuck
	case elapsed >= m.cfg.IdleAfter:
		next = Idle
	}
	if next > m.state {
		m.logger.Debug("activity state", "from", m.state.String(), "to", next.String(), "idle", elapsed)
		m.state = next
	}

	if m.state == Stuck && !m.fired {
		m.fired = true
		return true
	}
	return false
}

// Snapshot returns the current state.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{State: m.state, LastActivity: m.last, Fired: m.fired, Enabled: m.enabled}
}

func (m *Monitor) resetLocked() {
	m.state = Writing
	m.fired = false
	m.last = m.clock.Now()
}

func (m *Monitor) loop(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			if m.Check(now) && m.onStuck != nil {
				m.onStuck()
			}
		}
	}
}
