// Package feedback plays the visual and audio response to each
// intervention outcome. At most one response is live at a time; starting a
// new one stops the previous one first.
package feedback

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/ppiankov/impetus/internal/metrics"
)

// Outcome is what the feedback reacts to.
type Outcome string

const (
	Provoke Outcome = "provoke"
	Delete  Outcome = "delete"
	Reject  Outcome = "reject"
	Error   Outcome = "error"
)

// VisualKind names a visual transition.
type VisualKind string

const (
	Flicker    VisualKind = "flicker"
	Fade       VisualKind = "fade"
	Shake      VisualKind = "shake"
	AlertFlash VisualKind = "alert-flash"
	Opacity    VisualKind = "opacity"
)

// Cue is the configured response to an outcome. An empty Audio plays no
// sound.
type Cue struct {
	Visual   VisualKind
	Audio    string
	Duration time.Duration
}

// DefaultCues is the static outcome table.
var DefaultCues = map[Outcome]Cue{
	Provoke: {Visual: Flicker, Audio: "metallic", Duration: 1200 * time.Millisecond},
	Delete:  {Visual: Fade, Audio: "swoosh", Duration: 900 * time.Millisecond},
	Reject:  {Visual: Shake, Audio: "thud", Duration: 500 * time.Millisecond},
	Error:   {Visual: AlertFlash, Duration: 800 * time.Millisecond},
}

// ReducedMotion replaces every visual when the accessibility preference is
// set. Audio is unaffected.
var ReducedMotion = Cue{Visual: Opacity, Duration: 200 * time.Millisecond}

// Handle stops a running visual or audio playback. Stop must be idempotent.
type Handle interface {
	Stop()
}

// Visual starts visual transitions.
type Visual interface {
	Play(kind VisualKind, d time.Duration) Handle
}

// Audio starts audio cues. Errors mean the cue could not be played.
type Audio interface {
	Play(asset string) (Handle, error)
}

// Instance is the live feedback.
type Instance struct {
	Outcome   Outcome
	Token     string
	Cue       Cue
	StartedAt time.Time
}

type live struct {
	inst   Instance
	visual Handle
	audio  Handle
	timer  *clock.Timer
}

// Orchestrator is safe for concurrent use. Visual and Audio are called with
// the orchestrator lock held and must not call back into it.
type Orchestrator struct {
	visual Visual
	audio  Audio
	clock  clock.Clock
	cues   map[Outcome]Cue
	logger *slog.Logger

	mu      sync.Mutex
	reduced bool
	current *live
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock injects the clock used for expiry timers.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithCues overrides entries of the outcome table.
func WithCues(cues map[Outcome]Cue) Option {
	return func(o *Orchestrator) {
		for k, v := range cues {
			o.cues[k] = v
		}
	}
}

// WithReducedMotion sets the initial accessibility preference.
func WithReducedMotion(on bool) Option {
	return func(o *Orchestrator) { o.reduced = on }
}

// New creates an idle orchestrator. A nil audio plays nothing.
func New(visual Visual, audio Audio, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		visual: visual,
		audio:  audio,
		clock:  clock.New(),
		cues:   make(map[Outcome]Cue, len(DefaultCues)),
		logger: slog.Default(),
	}
	for k, v := range DefaultCues {
		o.cues[k] = v
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Notify is the entry point for the rest of the application. Unknown
// outcomes are logged and ignored.
func (o *Orchestrator) Notify(outcome Outcome) {
	if _, err := o.Trigger(outcome); err != nil {
		o.logger.Warn("feedback ignored", "error", err)
	}
}

// Trigger stops the live instance, if any, and starts a new one for
// outcome. The previous visual and audio are stopped before the new ones
// start.
func (o *Orchestrator) Trigger(outcome Outcome) (Instance, error) {
	cue, ok := o.cues[outcome]
	if !ok {
		return Instance{}, fmt.Errorf("unknown feedback outcome %q", outcome)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.stopLocked()

	visualCue := cue
	if o.reduced {
		visualCue.Visual = ReducedMotion.Visual
		visualCue.Duration = ReducedMotion.Duration
	}

	inst := Instance{
		Outcome:   outcome,
		Token:     uuid.NewString(),
		Cue:       Cue{Visual: visualCue.Visual, Audio: cue.Audio, Duration: visualCue.Duration},
		StartedAt: o.clock.Now(),
	}
	l := &live{inst: inst}
	if o.visual != nil {
		l.visual = o.visual.Play(inst.Cue.Visual, inst.Cue.Duration)
	}
	l.audio = o.playAudio(cue.Audio)

	token := inst.Token
	l.timer = o.clock.AfterFunc(inst.Cue.Duration, func() { o.expire(token) })
	o.current = l

	metrics.Feedback.WithLabelValues(string(outcome)).Inc()
	return inst, nil
}

// Current returns the live instance.
func (o *Orchestrator) Current() (Instance, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return Instance{}, false
	}
	return o.current.inst, true
}

// Stop ends the live instance, if any, and returns to idle.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopLocked()
}

// SetReducedMotion toggles the accessibility preference for later triggers.
func (o *Orchestrator) SetReducedMotion(on bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reduced = on
}

func (o *Orchestrator) stopLocked() {
	l := o.current
	if l == nil {
		return
	}
	o.current = nil
	if l.timer != nil {
		l.timer.Stop()
	}
	if l.visual != nil {
		l.visual.Stop()
	}
	if l.audio != nil {
		o.stopAudio(l.audio)
	}
}

// expire returns to idle when the instance identified by token is still the
// live one. Stale timers find a different token and do nothing.
func (o *Orchestrator) expire(token string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil || o.current.inst.Token != token {
		return
	}
	l := o.current
	o.current = nil
	if l.audio != nil {
		o.stopAudio(l.audio)
	}
}

// playAudio never fails: errors and panics from the audio driver are
// swallowed.
func (o *Orchestrator) playAudio(asset string) (h Handle) {
	if o.audio == nil || asset == "" {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Debug("audio unavailable", "asset", asset, "panic", r)
			h = nil
		}
	}()
	h, err := o.audio.Play(asset)
	if err != nil {
		o.logger.Debug("audio unavailable", "asset", asset, "error", err)
		return nil
	}
	return h
}

func (o *Orchestrator) stopAudio(h Handle) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Debug("audio stop failed", "panic", r)
		}
	}()
	h.Stop()
}
