// Package guard decides whether a proposed document mutation may be
// committed. It is installed as the document's interception hook and is the
// single choke point for user edits.
package guard

import (
	"fmt"
	"log/slog"

	"github.com/ppiankov/impetus/internal/lock"
	"github.com/ppiankov/impetus/internal/model"
)

// Decision is the result of a single rule.
type Decision int

const (
	// Continue defers to the next rule in the chain.
	Continue Decision = iota
	// Allow commits the mutation without consulting later rules.
	Allow
	// Reject blocks the mutation.
	Reject
)

// Verdict is the outcome of checking one mutation.
type Verdict struct {
	Allowed  bool
	RegionID string // set when a locked region was hit
	Reason   string
	Rule     string // name of the rule that decided
}

// Rule inspects a mutation against the current region extents.
type Rule interface {
	Name() string
	Evaluate(m model.Mutation, extents map[string]model.Span) (Decision, Verdict)
}

// BlockedError is returned by Allow when a mutation is rejected.
type BlockedError struct {
	Verdict Verdict
}

func (e *BlockedError) Error() string {
	if e.Verdict.RegionID != "" {
		return fmt.Sprintf("edit blocked by %s: region %s is locked", e.Verdict.Rule, e.Verdict.RegionID)
	}
	return fmt.Sprintf("edit blocked by %s: %s", e.Verdict.Rule, e.Verdict.Reason)
}

// Guard runs a chain of rules. The first rule that does not Continue
// decides; a mutation no rule decides is allowed.
type Guard struct {
	rules    []Rule
	onReject func(Verdict)
	logger   *slog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the logger. Rejections are logged at Debug.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// WithRejectHandler registers a callback invoked for every rejection.
// The callback runs while the document is locked and must not call back
// into it.
func WithRejectHandler(fn func(Verdict)) Option {
	return func(g *Guard) { g.onReject = fn }
}

// WithRules appends rules after the built-in ones.
func WithRules(rules ...Rule) Option {
	return func(g *Guard) { g.rules = append(g.rules, rules...) }
}

// New creates a Guard protecting the regions held in reg.
func New(reg *lock.Registry, opts ...Option) *Guard {
	g := &Guard{
		rules:  DefaultRules(reg),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// DefaultRules returns the built-in chain: agent mutations pass, then
// registered regions are protected.
func DefaultRules(reg *lock.Registry) []Rule {
	return []Rule{
		AgentPassThrough{},
		&LockedRegions{Registry: reg},
	}
}

// Check evaluates m against the rule chain.
func (g *Guard) Check(m model.Mutation, extents map[string]model.Span) Verdict {
	for _, r := range g.rules {
		d, v := r.Evaluate(m, extents)
		if d == Continue {
			continue
		}
		v.Rule = r.Name()
		v.Allowed = d == Allow
		return v
	}
	return Verdict{Allowed: true}
}

// Allow is the document hook. It returns nil to allow m and a
// *BlockedError to reject it.
func (g *Guard) Allow(m model.Mutation, extents map[string]model.Span) error {
	v := g.Check(m, extents)
	if v.Allowed {
		return nil
	}
	g.logger.Debug("edit rejected",
		"region", v.RegionID,
		"rule", v.Rule,
		"from", m.From,
		"to", m.To,
	)
	if g.onReject != nil {
		g.onReject(v)
	}
	return &BlockedError{Verdict: v}
}
