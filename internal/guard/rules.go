package guard

import (
	"sort"

	"github.com/ppiankov/impetus/internal/lock"
	"github.com/ppiankov/impetus/internal/model"
)

// AgentPassThrough allows mutations issued by the agent. Agent changes go
// through the irreversible channel and are never proposed, so this rule only
// matters for hooks wired to other surfaces.
type AgentPassThrough struct{}

func (AgentPassThrough) Name() string { return "agent-origin" }

func (AgentPassThrough) Evaluate(m model.Mutation, _ map[string]model.Span) (Decision, Verdict) {
	if m.Origin == model.OriginAgent {
		return Allow, Verdict{Reason: "agent mutation"}
	}
	return Continue, Verdict{}
}

// LockedRegions rejects mutations that would alter a registered region.
// Extents without a registry entry are ignored.
type LockedRegions struct {
	Registry *lock.Registry
}

func (*LockedRegions) Name() string { return "locked-region" }

func (r *LockedRegions) Evaluate(m model.Mutation, extents map[string]model.Span) (Decision, Verdict) {
	// Sorted so the reported region is deterministic when several overlap.
	ids := make([]string, 0, len(extents))
	for id := range extents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if !r.Registry.Contains(id) {
			continue
		}
		if Alters(m, extents[id]) {
			return Reject, Verdict{RegionID: id, Reason: "region is locked"}
		}
	}
	return Continue, Verdict{}
}

// Alters reports whether m changes any rune inside s. An insertion alters s
// only when it lands strictly inside; insertions at either boundary are
// adjacent. Empty spans cannot be altered.
func Alters(m model.Mutation, s model.Span) bool {
	if s.Empty() {
		return false
	}
	if m.IsInsert() {
		return s.From < m.From && m.From < s.To
	}
	return m.From < s.To && s.From < m.To
}
