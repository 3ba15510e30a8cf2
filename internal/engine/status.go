package engine

import (
	"github.com/ppiankov/impetus/internal/activity"
	"github.com/ppiankov/impetus/internal/chaos"
	"github.com/ppiankov/impetus/internal/lock"
	"github.com/ppiankov/impetus/internal/model"
)

// Status is a point-in-time view of the session.
type Status struct {
	SessionID   string            `json:"session_id"`
	Mode        model.Mode        `json:"mode"`
	Paused      bool              `json:"paused"`
	Failures    int               `json:"consecutive_failures"`
	DocVersion  int               `json:"doc_version"`
	Length      int               `json:"length"`
	Selection   model.Span        `json:"selection"`
	Locks       int               `json:"locks"`
	Activity    activity.Snapshot `json:"activity"`
	ChaosActive bool              `json:"chaos_active"`
	ChaosNext   *chaos.Pending    `json:"chaos_next,omitempty"`
}

// Status reports the session state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	mode, paused := e.mode, e.paused
	e.mu.Unlock()

	_, view := e.doc.Snapshot()
	st := Status{
		SessionID:  e.cfg.SessionID,
		Mode:       mode,
		Paused:     paused,
		Failures:   e.tracker.Count(),
		DocVersion: view.Version,
		Length:     view.Len,
		Selection:  view.Selection,
		Locks:      e.reg.Len(),
		Activity:   e.monitor.Snapshot(),
	}
	if p, ok := e.scheduler.Pending(); ok {
		st.ChaosActive = true
		st.ChaosNext = &p
	}
	return st
}

// LockInfo is a registered region with its current extent and text. A
// region restored without an extent has Span nil.
type LockInfo struct {
	Region lock.Region `json:"region"`
	Span   *model.Span `json:"span,omitempty"`
	Text   string      `json:"text,omitempty"`
}

// Locks lists the registered regions in creation order.
func (e *Engine) Locks() []LockInfo {
	text, view := e.doc.Snapshot()
	runes := []rune(text)
	regions := e.reg.Regions()
	out := make([]LockInfo, 0, len(regions))
	for _, r := range regions {
		info := LockInfo{Region: r}
		if s, ok := view.Extents[r.ID]; ok && s.From >= 0 && s.To <= len(runes) && s.From <= s.To {
			span := s
			info.Span = &span
			info.Text = string(runes[s.From:s.To])
		}
		out = append(out, info)
	}
	return out
}

// Text returns the document text without lock markers.
func (e *Engine) Text() string {
	return e.doc.Text()
}

// Serialize returns the document with a lock marker after every protected
// block, suitable for writing back to disk and reloading with New.
func (e *Engine) Serialize() string {
	text, view := e.doc.Snapshot()
	return lock.FormatMarkers(text, lock.Markers(e.reg, view.Extents))
}
