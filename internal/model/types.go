package model

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects which trigger source governs a session and which agent
// persona the decision service answers as.
type Mode string

const (
	ModeOff     Mode = "off"
	ModePrimary Mode = "primary"
	ModeChaotic Mode = "chaotic"
)

// ParseMode maps a user-supplied mode name to a Mode.
// The legacy persona names "muse" and "loki" are accepted as aliases.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "off", "none":
		return ModeOff, nil
	case "primary", "muse":
		return ModePrimary, nil
	case "chaotic", "loki":
		return ModeChaotic, nil
	default:
		return ModeOff, fmt.Errorf("unknown mode %q (want primary, chaotic or off)", s)
	}
}

// Agent reports whether the mode is one the decision service accepts.
func (m Mode) Agent() bool {
	return m == ModePrimary || m == ModeChaotic
}

// ActionKind is the kind of intervention the agent chose.
type ActionKind string

const (
	Provoke ActionKind = "provoke"
	Delete  ActionKind = "delete"
)

// Origin identifies who proposed a document mutation.
type Origin string

const (
	OriginUser  Origin = "user"
	OriginAgent Origin = "agent"
)

// Span is a half-open rune range [From, To) in a document.
type Span struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// Len returns the number of runes covered by the span.
func (s Span) Len() int {
	if s.To < s.From {
		return 0
	}
	return s.To - s.From
}

// Empty reports whether the span covers no runes.
func (s Span) Empty() bool { return s.Len() == 0 }

// Mutation is a proposed replacement of [From, To) with Text.
// From == To is a pure insertion; empty Text is a pure deletion.
type Mutation struct {
	From   int    `json:"from"`
	To     int    `json:"to"`
	Text   string `json:"text,omitempty"`
	Origin Origin `json:"origin"`
}

// Insert builds a user insertion at pos.
func Insert(pos int, text string) Mutation {
	return Mutation{From: pos, To: pos, Text: text, Origin: OriginUser}
}

// Remove builds a user deletion of [from, to).
func Remove(from, to int) Mutation {
	return Mutation{From: from, To: to, Origin: OriginUser}
}

// Replace builds a user replacement of [from, to) with text.
func Replace(from, to int, text string) Mutation {
	return Mutation{From: from, To: to, Text: text, Origin: OriginUser}
}

// IsInsert reports whether the mutation removes nothing.
func (m Mutation) IsInsert() bool { return m.From == m.To }

// Altered returns the range of existing text the mutation replaces.
func (m Mutation) Altered() Span { return Span{From: m.From, To: m.To} }

// Action is a single intervention returned by the decision service.
//
// A provoke carries Content and RegionID and never an Anchor: the content is
// inserted at the live cursor when it is applied. A delete carries an Anchor
// and never Content or RegionID.
type Action struct {
	Kind     ActionKind `json:"action"`
	Content  string     `json:"content,omitempty"`
	RegionID string     `json:"lock_id,omitempty"`
	Anchor   *Anchor    `json:"anchor,omitempty"`
	ActionID string     `json:"action_id"`
	Source   Mode       `json:"source,omitempty"`
	IssuedAt time.Time  `json:"issued_at"`
}

// Validate checks the per-kind shape of the action.
func (a Action) Validate() error {
	if a.ActionID == "" {
		return fmt.Errorf("action_id is required")
	}
	switch a.Kind {
	case Provoke:
		if strings.TrimSpace(a.Content) == "" {
			return fmt.Errorf("provoke %s: content is required", a.ActionID)
		}
		if a.RegionID == "" {
			return fmt.Errorf("provoke %s: lock_id is required", a.ActionID)
		}
		if a.Anchor != nil {
			return fmt.Errorf("provoke %s: must not carry an anchor", a.ActionID)
		}
	case Delete:
		if a.Anchor == nil {
			return fmt.Errorf("delete %s: anchor is required", a.ActionID)
		}
		if a.Content != "" || a.RegionID != "" {
			return fmt.Errorf("delete %s: must not carry content or lock_id", a.ActionID)
		}
		if err := a.Anchor.Validate(); err != nil {
			return fmt.Errorf("delete %s: %w", a.ActionID, err)
		}
	default:
		return fmt.Errorf("unsupported action kind %q", a.Kind)
	}
	return nil
}
