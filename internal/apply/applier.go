// Package apply commits agent interventions to the document: protected
// insertions for provoke and irreversible removals for delete.
package apply

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/ppiankov/impetus/internal/anchor"
	"github.com/ppiankov/impetus/internal/document"
	"github.com/ppiankov/impetus/internal/lock"
	"github.com/ppiankov/impetus/internal/model"
)

// DefaultMinLength is the safety floor for deletions, in runes.
const DefaultMinLength = 50

var (
	// ErrSafetyFloor means a delete would shrink the document below the
	// minimum length. The caller should ask for a provoke instead.
	ErrSafetyFloor = errors.New("delete refused: document would fall below minimum length")
	// ErrDuplicate means the action id was already applied this session.
	ErrDuplicate = errors.New("action already applied")
	// ErrRegionExists means a provoke reuses a registered region id.
	ErrRegionExists = errors.New("region id already registered")
	// ErrEmptyTarget means a delete resolved to an empty span.
	ErrEmptyTarget = errors.New("delete target is empty")
)

// Result describes an applied intervention.
type Result struct {
	ActionID string
	Kind     model.ActionKind
	RegionID string     // provoke only
	Span     model.Span // inserted or removed range
	Removed  string     // delete only
}

// Config holds applier settings.
type Config struct {
	MinLength int
}

// Applier is safe for concurrent use. Applications are serialized.
type Applier struct {
	doc     *document.Document
	reg     *lock.Registry
	cfg     Config
	clock   clock.Clock
	logger  *slog.Logger
	mu      sync.Mutex
	applied map[string]bool
}

// Option configures an Applier.
type Option func(*Applier)

// WithClock sets the clock used to stamp new regions.
func WithClock(c clock.Clock) Option {
	return func(a *Applier) { a.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Applier) { a.logger = l }
}

// New creates an Applier for one session's document and registry.
func New(doc *document.Document, reg *lock.Registry, cfg Config, opts ...Option) *Applier {
	if cfg.MinLength <= 0 {
		cfg.MinLength = DefaultMinLength
	}
	a := &Applier{
		doc:     doc,
		reg:     reg,
		cfg:     cfg,
		clock:   clock.New(),
		logger:  slog.Default(),
		applied: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Seed marks action ids as already applied, e.g. when resuming a session
// from the journal.
func (a *Applier) Seed(ids ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range ids {
		a.applied[id] = true
	}
}

// Applied reports whether an action id has been applied.
func (a *Applier) Applied(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applied[id]
}

// Apply dispatches act on its kind.
func (a *Applier) Apply(act model.Action) (Result, error) {
	switch act.Kind {
	case model.Provoke:
		return a.Provoke(act)
	case model.Delete:
		return a.Delete(act)
	default:
		return Result{}, fmt.Errorf("unsupported action kind %q", act.Kind)
	}
}

// Provoke inserts the action's content at the live cursor and registers its
// region. Insertion and registration happen under the document lock, so no
// mutation can observe the content unprotected.
func (a *Applier) Provoke(act model.Action) (Result, error) {
	if err := validate(act, model.Provoke); err != nil {
		return Result{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.applied[act.ActionID] {
		return Result{}, fmt.Errorf("%w: %s", ErrDuplicate, act.ActionID)
	}
	if a.reg.Contains(act.RegionID) {
		return Result{}, fmt.Errorf("%w: %s", ErrRegionExists, act.RegionID)
	}

	source := act.Source
	if !source.Agent() {
		source = model.ModePrimary
	}
	meta := lock.Meta{Source: source, CreatedAt: a.clock.Now().UTC()}

	span, err := a.doc.InsertProtected(act.RegionID, act.Content,
		func(v document.View) (int, error) {
			if _, taken := v.Extents[act.RegionID]; taken {
				return 0, fmt.Errorf("%w: %s", ErrRegionExists, act.RegionID)
			}
			return Placement(v), nil
		},
		func() { a.reg.Register(act.RegionID, meta) },
	)
	if err != nil {
		return Result{}, err
	}

	a.applied[act.ActionID] = true
	a.logger.Info("provoke applied",
		"action_id", act.ActionID,
		"region", act.RegionID,
		"from", span.From,
		"to", span.To,
	)
	return Result{ActionID: act.ActionID, Kind: model.Provoke, RegionID: act.RegionID, Span: span}, nil
}

// Delete resolves the action's anchor against the live document and removes
// the target through the irreversible channel. Deletions that would leave
// fewer than MinLength runes return ErrSafetyFloor and change nothing.
func (a *Applier) Delete(act model.Action) (Result, error) {
	if err := validate(act, model.Delete); err != nil {
		return Result{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.applied[act.ActionID] {
		return Result{}, fmt.Errorf("%w: %s", ErrDuplicate, act.ActionID)
	}

	removal, err := a.doc.RemoveIrreversible(func(v document.View) (model.Span, error) {
		span, err := anchor.Resolve(*act.Anchor, v.Len, v.Extents, a.reg.Contains)
		if err != nil {
			return model.Span{}, err
		}
		if span.Empty() {
			return model.Span{}, fmt.Errorf("%w: %s", ErrEmptyTarget, act.Anchor)
		}
		if remaining := v.Len - span.Len(); remaining < a.cfg.MinLength {
			return model.Span{}, fmt.Errorf("%w: %d runes would remain, minimum is %d",
				ErrSafetyFloor, remaining, a.cfg.MinLength)
		}
		return span, nil
	})
	if err != nil {
		return Result{}, err
	}

	a.applied[act.ActionID] = true
	a.logger.Info("delete applied",
		"action_id", act.ActionID,
		"anchor", act.Anchor.String(),
		"removed_runes", removal.Span.Len(),
	)
	return Result{ActionID: act.ActionID, Kind: model.Delete, Span: removal.Span, Removed: removal.Removed}, nil
}

func validate(act model.Action, kind model.ActionKind) error {
	if act.Kind != kind {
		return fmt.Errorf("expected %s action, got %q", kind, act.Kind)
	}
	return act.Validate()
}

// Placement returns where a provoke lands in v: the end of the selection,
// pushed to the end of any region it falls strictly inside.
func Placement(v document.View) int {
	at := v.Selection.To
	if at > v.Len {
		at = v.Len
	}
	for moved := true; moved; {
		moved = false
		for _, s := range v.Extents {
			if s.From < at && at < s.To {
				at = s.To
				moved = true
			}
		}
	}
	return at
}
