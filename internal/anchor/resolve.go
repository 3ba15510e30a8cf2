// Package anchor resolves decision anchors against the live document.
package anchor

import (
	"errors"
	"fmt"

	"github.com/ppiankov/impetus/internal/model"
)

var (
	// ErrOutOfBounds means a position or range falls outside the document.
	ErrOutOfBounds = errors.New("anchor out of bounds")
	// ErrUnknownRegion means a regionRef names no registered region.
	ErrUnknownRegion = errors.New("anchor references unknown region")
	// ErrMalformed means the anchor shape itself is invalid.
	ErrMalformed = errors.New("malformed anchor")
)

// ResolveError reports why an anchor could not be resolved. It is a
// validation failure: nothing is applied.
type ResolveError struct {
	Anchor model.Anchor
	Length int
	Err    error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %s against %d runes: %v", e.Anchor, e.Length, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// Lookup reports whether a region id is registered.
type Lookup func(id string) bool

// Resolve turns a into a concrete span of a document of length runes.
// A position resolves to an empty span at that offset. A regionRef resolves
// to the region's current extent; it fails when the id is not registered or
// has no extent in the document.
func Resolve(a model.Anchor, length int, extents map[string]model.Span, registered Lookup) (model.Span, error) {
	fail := func(err error) (model.Span, error) {
		return model.Span{}, &ResolveError{Anchor: a, Length: length, Err: err}
	}

	if err := a.Validate(); err != nil {
		return fail(fmt.Errorf("%w: %v", ErrMalformed, err))
	}

	switch a.Type {
	case model.AnchorPosition:
		if a.At > length {
			return fail(ErrOutOfBounds)
		}
		return model.Span{From: a.At, To: a.At}, nil

	case model.AnchorRange:
		if a.To > length {
			return fail(ErrOutOfBounds)
		}
		return model.Span{From: a.From, To: a.To}, nil

	case model.AnchorRegionRef:
		if registered != nil && !registered(a.ID) {
			return fail(ErrUnknownRegion)
		}
		s, ok := extents[a.ID]
		if !ok {
			return fail(ErrUnknownRegion)
		}
		if s.From < 0 || s.To > length || s.To < s.From {
			return fail(ErrOutOfBounds)
		}
		return s, nil
	}
	return fail(ErrMalformed)
}
