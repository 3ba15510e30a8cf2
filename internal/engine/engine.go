// Package engine runs one editing session: it owns the document and its
// lock registry, guards user edits, drives the two trigger sources and
// applies the interventions the decision service chooses.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/ppiankov/impetus/internal/activity"
	"github.com/ppiankov/impetus/internal/apply"
	"github.com/ppiankov/impetus/internal/audit"
	"github.com/ppiankov/impetus/internal/breakglass"
	"github.com/ppiankov/impetus/internal/chaos"
	"github.com/ppiankov/impetus/internal/config"
	"github.com/ppiankov/impetus/internal/decision"
	"github.com/ppiankov/impetus/internal/document"
	"github.com/ppiankov/impetus/internal/feedback"
	"github.com/ppiankov/impetus/internal/guard"
	"github.com/ppiankov/impetus/internal/journal"
	"github.com/ppiankov/impetus/internal/lock"
	"github.com/ppiankov/impetus/internal/metrics"
	"github.com/ppiankov/impetus/internal/model"
)

var (
	// ErrClosed is returned once the session has ended.
	ErrClosed = errors.New("engine: session closed")
	// ErrPaused is returned while triggers are paused.
	ErrPaused = errors.New("engine: paused")
	// ErrInactive is returned when the mode is off.
	ErrInactive = errors.New("engine: mode is off")
	// ErrStale means the mode changed while the decision was in flight; the
	// result was discarded.
	ErrStale = errors.New("engine: decision discarded after mode change")
	// ErrNoContext means there is no text before the cursor to send.
	ErrNoContext = errors.New("engine: no context before cursor")
)

// Source identifies what started an intervention.
type Source string

const (
	SourceStuck  Source = "stuck"
	SourceChaos  Source = "chaos"
	SourceManual Source = "manual"
)

// Notifier receives feedback outcomes. *feedback.Orchestrator implements it.
type Notifier interface {
	Notify(outcome feedback.Outcome)
}

type nopNotifier struct{}

func (nopNotifier) Notify(feedback.Outcome) {}

// Config holds per-session settings.
type Config struct {
	SessionID        string
	Document         string // journal key, usually the file path
	Mode             model.Mode
	MinLength        int
	FailureThreshold int
	Activity         activity.Config
	ChaosMin         time.Duration
	ChaosMax         time.Duration
	ConfigHash       string
}

// FromConfig builds a session config from loaded settings.
func FromConfig(c *config.Config, doc, hash string) Config {
	return Config{
		Document:         doc,
		Mode:             c.ParsedMode(),
		MinLength:        c.MinLength,
		FailureThreshold: c.Decision.FailureThreshold,
		Activity: activity.Config{
			IdleAfter:  c.Activity.IdleAfter,
			StuckAfter: c.Activity.StuckAfter,
			Tick:       c.Activity.Tick,
		},
		ChaosMin:   c.Chaos.Min,
		ChaosMax:   c.Chaos.Max,
		ConfigHash: hash,
	}
}

// Outcome describes an applied intervention.
type Outcome struct {
	Action  model.Action
	Result  apply.Result
	Mode    model.Mode
	Source  Source
	Retried bool // a refused delete was replaced by a provoke
}

// Engine is safe for concurrent use. State changes are serialized behind
// one mutex; decision calls run outside it.
type Engine struct {
	cfg       Config
	client    decision.Client
	clock     clock.Clock
	logger    *slog.Logger
	notifier  Notifier
	audit     *audit.Log
	journal   *journal.Store
	tokens    *breakglass.Store
	tokenizer Tokenizer
	random    io.Reader

	doc       *document.Document
	reg       *lock.Registry
	guard     *guard.Guard
	applier   *apply.Applier
	monitor   *activity.Monitor
	scheduler *chaos.Scheduler
	tracker   *decision.FailureTracker

	mu      sync.Mutex
	mode    model.Mode
	paused  bool
	session context.Context
	cancel  context.CancelFunc
	epoch   atomic.Uint64

	bgMu   sync.Mutex
	closed atomic.Bool
	bg     sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock shared by every timer-driven component.
func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithNotifier sets the feedback sink.
func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithAudit records session events to l.
func WithAudit(l *audit.Log) Option { return func(e *Engine) { e.audit = l } }

// WithJournal records applied interventions to s.
func WithJournal(s *journal.Store) Option { return func(e *Engine) { e.journal = s } }

// WithTokens enables gated reverts backed by s.
func WithTokens(s *breakglass.Store) Option { return func(e *Engine) { e.tokens = s } }

// WithTokenizer replaces SentenceTokenizer.
func WithTokenizer(t Tokenizer) Option { return func(e *Engine) { e.tokenizer = t } }

// WithRandom sets the chaos scheduler's random source.
func WithRandom(r io.Reader) Option { return func(e *Engine) { e.random = r } }

// New starts a session over serialized text. Lock markers in text are
// parsed into the registry and stripped from the document.
func New(text string, client decision.Client, cfg Config, opts ...Option) (*Engine, error) {
	if client == nil {
		return nil, errors.New("engine: decision client is required")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = "s-" + uuid.NewString()
	}
	if cfg.Mode == "" {
		cfg.Mode = model.ModeOff
	}
	e := &Engine{
		cfg:       cfg,
		client:    client,
		clock:     clock.New(),
		logger:    slog.Default(),
		notifier:  nopNotifier{},
		tokenizer: SentenceTokenizer{},
		mode:      model.ModeOff,
		tracker:   decision.NewFailureTracker(cfg.FailureThreshold),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("session", cfg.SessionID)

	e.reg = lock.NewRegistry()
	clean, spans, skipped, err := lock.Load(text, e.reg)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if skipped > 0 {
		e.logger.Warn("malformed lock markers left in text", "count", skipped)
	}
	e.doc = document.New(clean)
	if err := e.doc.SetExtents(spans); err != nil {
		return nil, fmt.Errorf("engine: restore locks: %w", err)
	}
	e.guard = guard.New(e.reg, guard.WithLogger(e.logger), guard.WithRejectHandler(e.onReject))
	e.doc.SetHook(e.guard.Allow)
	e.applier = apply.New(e.doc, e.reg, apply.Config{MinLength: cfg.MinLength},
		apply.WithClock(e.clock), apply.WithLogger(e.logger))

	e.monitor = activity.New(cfg.Activity, func() { e.fire(SourceStuck) },
		activity.WithClock(e.clock), activity.WithLogger(e.logger))

	chaosOpts := []chaos.Option{chaos.WithClock(e.clock), chaos.WithLogger(e.logger)}
	if cfg.ChaosMin > 0 || cfg.ChaosMax > 0 {
		chaosOpts = append(chaosOpts, chaos.WithRange(cfg.ChaosMin, cfg.ChaosMax))
	}
	if e.random != nil {
		chaosOpts = append(chaosOpts, chaos.WithRandom(e.random))
	}
	sched, err := chaos.New(func() { e.fire(SourceChaos) }, chaosOpts...)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e.scheduler = sched

	if e.journal != nil && cfg.Document != "" {
		ids, err := e.journal.AppliedIDs(cfg.Document)
		if err != nil {
			return nil, fmt.Errorf("engine: restore applied actions: %w", err)
		}
		e.applier.Seed(ids...)
	}
	if e.journal != nil {
		if err := e.journal.StartSession(cfg.SessionID, cfg.Document, cfg.Mode); err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
	}

	e.session, e.cancel = context.WithCancel(context.Background())
	e.record(audit.AuditEntry{Event: audit.EventSessionStart, Mode: string(cfg.Mode)})
	metrics.LockedRegions.Set(float64(e.reg.Len()))

	if err := e.SetMode(cfg.Mode); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// SessionID returns the session identifier.
func (e *Engine) SessionID() string { return e.cfg.SessionID }

// Mode returns the governing mode.
func (e *Engine) Mode() model.Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// SetMode switches the governing mode. Any in-flight decision is
// cancelled and its result discarded, both triggers are stopped and the
// activity monitor returns to Writing. The trigger for the new mode is then
// started unless the engine is paused.
func (e *Engine) SetMode(m model.Mode) error {
	if m != model.ModeOff && !m.Agent() {
		return fmt.Errorf("engine: unknown mode %q", m)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return ErrClosed
	}

	e.epoch.Add(1)
	e.cancel()
	e.session, e.cancel = context.WithCancel(context.Background())
	e.stopTriggersLocked()

	prev := e.mode
	e.mode = m
	if !e.paused {
		if err := e.startTriggersLocked(); err != nil {
			return err
		}
	}
	if prev != m {
		e.logger.Info("mode changed", "from", prev, "to", m)
		e.record(audit.AuditEntry{Event: audit.EventModeChange, Mode: string(m), Reason: "from " + string(prev)})
	}
	return nil
}

func (e *Engine) startTriggersLocked() error {
	switch e.mode {
	case model.ModePrimary:
		e.monitor.Enable(e.session)
	case model.ModeChaotic:
		if err := e.scheduler.Start(); err != nil {
			return fmt.Errorf("engine: start chaos trigger: %w", err)
		}
	}
	return nil
}

// stopTriggersLocked must not be reached from a trigger callback: Disable
// waits for the monitor loop. Callbacks only spawn work via fire.
func (e *Engine) stopTriggersLocked() {
	e.monitor.Disable()
	e.scheduler.Stop()
}

// fire runs one intervention in the background for a trigger callback.
func (e *Engine) fire(src Source) {
	e.bgMu.Lock()
	defer e.bgMu.Unlock()
	if e.closed.Load() {
		return
	}
	epoch := e.epoch.Load()
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		if _, err := e.intervene(context.Background(), src, epoch); err != nil {
			e.logger.Debug("trigger produced no intervention", "source", src, "error", err)
		}
	}()
}

// Trigger fires the governing mode's trigger by hand: the stuck callback
// in primary mode, the chaos callback in chaotic mode. The work runs in
// the background.
func (e *Engine) Trigger() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.closed.Load():
		return ErrClosed
	case e.paused:
		return ErrPaused
	}
	switch e.mode {
	case model.ModePrimary:
		if !e.monitor.ManualTrigger() {
			return ErrInactive
		}
	case model.ModeChaotic:
		e.scheduler.ManualTrigger()
	default:
		return ErrInactive
	}
	return nil
}

// Intervene runs one intervention synchronously and reports what was
// applied. ctx bounds the decision call; a mode change also cancels it.
func (e *Engine) Intervene(ctx context.Context) (*Outcome, error) {
	return e.intervene(ctx, SourceManual, e.epoch.Load())
}

func (e *Engine) intervene(ctx context.Context, src Source, epoch uint64) (*Outcome, error) {
	metrics.Triggers.WithLabelValues(string(src)).Inc()

	req, dctx, done, err := e.prepare(ctx, epoch, "")
	if err != nil {
		return nil, err
	}
	e.record(audit.AuditEntry{Event: audit.EventTrigger, Mode: string(req.Mode), Source: string(src)})
	out, err := e.decideAndApply(dctx, req, epoch, src)
	done()
	if !errors.Is(err, apply.ErrSafetyFloor) || req.Mode != model.ModeChaotic {
		return out, err
	}

	e.logger.Info("delete refused by safety floor, requesting a provoke")
	req, dctx, done, err = e.prepare(ctx, epoch, model.ModePrimary)
	if err != nil {
		return nil, err
	}
	defer done()
	out, err = e.decideAndApply(dctx, req, epoch, src)
	if out != nil {
		out.Retried = true
	}
	if errors.Is(err, apply.ErrSafetyFloor) {
		e.notifier.Notify(feedback.Error)
	}
	return out, err
}

// prepare snapshots the document and builds the request. The returned
// context is cancelled by ctx, by a mode change, or by calling done.
func (e *Engine) prepare(ctx context.Context, epoch uint64, override model.Mode) (decision.Request, context.Context, func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.closed.Load():
		return decision.Request{}, nil, nil, ErrClosed
	case epoch != e.epoch.Load():
		return decision.Request{}, nil, nil, ErrStale
	case e.paused:
		return decision.Request{}, nil, nil, ErrPaused
	case !e.mode.Agent():
		return decision.Request{}, nil, nil, ErrInactive
	}

	mode := e.mode
	if override != "" {
		mode = override
	}
	text, view := e.doc.Snapshot()
	before := string([]rune(text)[:view.Selection.To])
	snippet := ContextFor(e.tokenizer, before, mode)
	if snippet == "" {
		return decision.Request{}, nil, nil, ErrNoContext
	}

	req := decision.Request{
		Context: snippet,
		Mode:    mode,
		Meta: decision.Meta{
			DocVersion:    view.Version,
			SelectionFrom: view.Selection.From,
			SelectionTo:   view.Selection.To,
		},
	}
	dctx, cancel := context.WithCancel(e.session)
	stop := context.AfterFunc(ctx, cancel)
	return req, dctx, func() { stop(); cancel() }, nil
}

func (e *Engine) decideAndApply(ctx context.Context, req decision.Request, epoch uint64, src Source) (*Outcome, error) {
	start := e.clock.Now()
	act, err := e.client.Decide(ctx, req)
	metrics.DecisionLatency.Observe(e.clock.Since(start).Seconds())

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed.Load() || epoch != e.epoch.Load() {
		e.logger.Debug("decision discarded", "mode", req.Mode)
		return nil, ErrStale
	}
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, e.decisionFailedLocked(err, req.Mode)
	}
	e.tracker.Record(nil)

	res, err := e.applier.Apply(act)
	if err != nil {
		return nil, e.applyFailedLocked(act, err, req.Mode)
	}
	e.appliedLocked(act, res, req.Mode)
	return &Outcome{Action: act, Result: res, Mode: req.Mode, Source: src}, nil
}

func (e *Engine) decisionFailedLocked(err error, mode model.Mode) error {
	class := classify(err)
	metrics.DecisionFailures.WithLabelValues(class).Inc()
	e.logger.Warn("decision failed", "class", class, "error", err)
	e.record(audit.AuditEntry{Event: audit.EventFailure, Mode: string(mode), Reason: err.Error()})
	e.notifier.Notify(feedback.Error)

	if e.tracker.Record(err) {
		e.pauseLocked(fmt.Sprintf("%d consecutive decision failures", e.tracker.Count()))
	}
	return err
}

func (e *Engine) applyFailedLocked(act model.Action, err error, mode model.Mode) error {
	kind := string(act.Kind)
	switch {
	case errors.Is(err, apply.ErrDuplicate):
		metrics.Interventions.WithLabelValues(kind, "duplicate").Inc()
		e.logger.Info("action already applied", "action_id", act.ActionID)
	case errors.Is(err, apply.ErrSafetyFloor):
		metrics.Interventions.WithLabelValues(kind, "safety_floor").Inc()
		e.logger.Info("delete refused by safety floor", "action_id", act.ActionID)
		e.record(audit.AuditEntry{Event: audit.EventSafetyFloor, ActionID: act.ActionID, Mode: string(mode)})
	default:
		metrics.Interventions.WithLabelValues(kind, "invalid").Inc()
		e.logger.Warn("intervention rejected", "action_id", act.ActionID, "error", err)
		e.record(audit.AuditEntry{Event: audit.EventFailure, ActionID: act.ActionID, Mode: string(mode), Reason: err.Error()})
		e.notifier.Notify(feedback.Error)
	}
	return err
}

func (e *Engine) appliedLocked(act model.Action, res apply.Result, mode model.Mode) {
	metrics.Interventions.WithLabelValues(string(act.Kind), "applied").Inc()
	metrics.LockedRegions.Set(float64(e.reg.Len()))

	entry := audit.AuditEntry{ActionID: act.ActionID, RegionID: res.RegionID, Mode: string(mode), Source: string(act.Source)}
	iv := journal.Intervention{
		ActionID:  act.ActionID,
		SessionID: e.cfg.SessionID,
		Kind:      act.Kind,
		Source:    act.Source,
		RegionID:  res.RegionID,
		Span:      res.Span,
	}
	if act.Kind == model.Provoke {
		entry.Event = audit.EventProvoke
		iv.Content = act.Content
		e.notifier.Notify(feedback.Provoke)
	} else {
		entry.Event = audit.EventDelete
		entry.Removed = res.Span.Len()
		iv.Removed = res.Removed
		e.notifier.Notify(feedback.Delete)
	}
	e.record(entry)
	if e.journal != nil {
		if err := e.journal.RecordIntervention(iv); err != nil {
			e.logger.Warn("journal write failed", "action_id", act.ActionID, "error", err)
		}
	}
}

// onReject runs under the document lock and must not call back into the
// document or take the engine lock.
func (e *Engine) onReject(v guard.Verdict) {
	metrics.Rejections.WithLabelValues(v.Rule).Inc()
	e.record(audit.AuditEntry{Event: audit.EventReject, RegionID: v.RegionID, Reason: v.Reason})
	e.notifier.Notify(feedback.Reject)
}

// Edit proposes a user edit. Agent origin is never honored here; agent
// content enters only through the applier. A rejected edit returns
// *guard.BlockedError.
func (e *Engine) Edit(m model.Mutation) error {
	if e.closed.Load() {
		return ErrClosed
	}
	m.Origin = model.OriginUser
	e.monitor.OnActivity()
	return e.doc.Propose(m)
}

// Undo reverts the last user edit through the guard.
func (e *Engine) Undo() error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.monitor.OnActivity()
	return e.doc.Undo()
}

// Select moves the cursor.
func (e *Engine) Select(from, to int) error {
	return e.doc.Select(from, to)
}

// CheckEdit reports what the guard would decide for m without applying it.
func (e *Engine) CheckEdit(m model.Mutation) guard.Verdict {
	m.Origin = model.OriginUser
	return e.guard.Check(m, e.doc.Extents())
}

// Pause stops both triggers until Resume.
func (e *Engine) Pause(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.paused {
		e.pauseLocked(reason)
	}
}

func (e *Engine) pauseLocked(reason string) {
	e.paused = true
	e.stopTriggersLocked()
	metrics.Paused.Set(1)
	e.logger.Warn("triggers paused", "reason", reason)
	e.record(audit.AuditEntry{Event: audit.EventPause, Mode: string(e.mode), Reason: reason})
}

// Resume clears a pause and the failure count and restarts the trigger for
// the governing mode.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return ErrClosed
	}
	if !e.paused {
		return nil
	}
	e.paused = false
	e.tracker.Reset()
	metrics.Paused.Set(0)
	e.logger.Info("triggers resumed")
	e.record(audit.AuditEntry{Event: audit.EventResume, Mode: string(e.mode)})
	return e.startTriggersLocked()
}

// RevertLock removes a locked region using a break-glass token. The
// region's text stays in the document but is no longer protected.
func (e *Engine) RevertLock(regionID, tokenID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return ErrClosed
	}
	if !e.reg.Contains(regionID) {
		return fmt.Errorf("%w: %q", lock.ErrUnknownRegion, regionID)
	}
	grant, err := breakglass.Authorize(e.tokens, tokenID, regionID)
	if err != nil {
		return err
	}
	if err := e.reg.Revert(regionID, grant); err != nil {
		return err
	}
	e.doc.DropExtent(regionID)
	metrics.LockedRegions.Set(float64(e.reg.Len()))
	e.logger.Info("locked region reverted", "region", regionID, "token", grant.TokenID)
	e.record(audit.AuditEntry{Event: audit.EventRevert, RegionID: regionID, Reason: grant.Reason})
	if e.journal != nil {
		if err := e.journal.RecordRevert(e.cfg.SessionID, regionID, grant.TokenID, grant.Reason); err != nil {
			e.logger.Warn("journal write failed", "region", regionID, "error", err)
		}
	}
	return nil
}

// Close ends the session: triggers stop, in-flight decisions are
// discarded and background work is awaited.
func (e *Engine) Close() error {
	e.bgMu.Lock()
	already := e.closed.Swap(true)
	e.bgMu.Unlock()
	if already {
		return nil
	}

	e.mu.Lock()
	e.epoch.Add(1)
	e.cancel()
	e.stopTriggersLocked()
	e.mu.Unlock()

	e.bg.Wait()
	e.record(audit.AuditEntry{Event: audit.EventSessionEnd})
	if e.journal != nil {
		return e.journal.EndSession(e.cfg.SessionID)
	}
	return nil
}

func (e *Engine) record(entry audit.AuditEntry) {
	if e.audit == nil {
		return
	}
	entry.SessionID = e.cfg.SessionID
	entry.ConfigHash = e.cfg.ConfigHash
	if err := e.audit.Record(entry); err != nil {
		e.logger.Warn("audit write failed", "event", entry.Event, "error", err)
	}
}

func classify(err error) string {
	var status *decision.StatusError
	switch {
	case decision.IsNetwork(err):
		return "network"
	case errors.Is(err, decision.ErrInvalidAnchor):
		return "invalid_anchor"
	case errors.Is(err, decision.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, decision.ErrUnsupportedAction):
		return "unsupported_action"
	case errors.Is(err, decision.ErrValidation):
		return "validation"
	case errors.As(err, &status):
		return fmt.Sprintf("status_%d", status.Code)
	default:
		return "other"
	}
}
