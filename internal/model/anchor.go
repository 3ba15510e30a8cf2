package model

import (
	"encoding/json"
	"fmt"
)

// AnchorType tags the Anchor union.
type AnchorType string

const (
	AnchorPosition  AnchorType = "position"
	AnchorRange     AnchorType = "range"
	AnchorRegionRef AnchorType = "regionRef"
)

// Anchor is a target descriptor resolved against the live document at
// application time. Exactly one variant's fields are meaningful.
type Anchor struct {
	Type AnchorType
	At   int    // position
	From int    // range, inclusive
	To   int    // range, exclusive
	ID   string // regionRef
}

// PositionAnchor targets a single point.
func PositionAnchor(at int) *Anchor { return &Anchor{Type: AnchorPosition, At: at} }

// RangeAnchor targets [from, to).
func RangeAnchor(from, to int) *Anchor { return &Anchor{Type: AnchorRange, From: from, To: to} }

// RegionAnchor targets the extent of a locked region.
func RegionAnchor(id string) *Anchor { return &Anchor{Type: AnchorRegionRef, ID: id} }

// Validate checks the structural shape. Bounds are checked at resolution.
func (a Anchor) Validate() error {
	switch a.Type {
	case AnchorPosition:
		if a.At < 0 {
			return fmt.Errorf("position anchor: negative offset %d", a.At)
		}
	case AnchorRange:
		if a.From < 0 || a.To < 0 {
			return fmt.Errorf("range anchor: negative offset [%d,%d)", a.From, a.To)
		}
		if a.To <= a.From {
			return fmt.Errorf("range anchor: empty or inverted range [%d,%d)", a.From, a.To)
		}
	case AnchorRegionRef:
		if a.ID == "" {
			return fmt.Errorf("regionRef anchor: id is required")
		}
	default:
		return fmt.Errorf("unknown anchor type %q", a.Type)
	}
	return nil
}

func (a Anchor) String() string {
	switch a.Type {
	case AnchorPosition:
		return fmt.Sprintf("position(%d)", a.At)
	case AnchorRange:
		return fmt.Sprintf("range[%d,%d)", a.From, a.To)
	case AnchorRegionRef:
		return fmt.Sprintf("regionRef(%s)", a.ID)
	default:
		return fmt.Sprintf("anchor(%s)", a.Type)
	}
}

type anchorWire struct {
	Type      string `json:"type"`
	At        *int   `json:"at,omitempty"`
	From      *int   `json:"from,omitempty"`
	To        *int   `json:"to,omitempty"`
	ID        string `json:"id,omitempty"`
	RefLockID string `json:"ref_lock_id,omitempty"`
}

// MarshalJSON emits only the active variant's fields.
func (a Anchor) MarshalJSON() ([]byte, error) {
	w := anchorWire{Type: string(a.Type)}
	switch a.Type {
	case AnchorPosition:
		w.At = &a.At
	case AnchorRange:
		w.From, w.To = &a.From, &a.To
	case AnchorRegionRef:
		w.ID = a.ID
	default:
		return nil, fmt.Errorf("unknown anchor type %q", a.Type)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes an anchor. Older servers emit {"type":"pos","from":N}
// and {"type":"lock_id","ref_lock_id":"..."}; both are mapped onto the
// current variants.
func (a *Anchor) UnmarshalJSON(data []byte) error {
	var w anchorWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Type {
	case "position", "pos":
		at := w.At
		if at == nil {
			at = w.From
		}
		if at == nil {
			return fmt.Errorf("position anchor: missing offset")
		}
		*a = Anchor{Type: AnchorPosition, At: *at}
	case "range":
		if w.From == nil || w.To == nil {
			return fmt.Errorf("range anchor: missing from/to")
		}
		*a = Anchor{Type: AnchorRange, From: *w.From, To: *w.To}
	case "regionRef", "lock_id":
		id := w.ID
		if id == "" {
			id = w.RefLockID
		}
		*a = Anchor{Type: AnchorRegionRef, ID: id}
	default:
		return fmt.Errorf("unknown anchor type %q", w.Type)
	}
	return nil
}
