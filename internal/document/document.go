// Package document is the in-memory editing surface: rune text, the extents
// of protected regions, the cursor, and an undo history that only user edits
// enter.
package document

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ppiankov/impetus/internal/model"
)

var (
	// ErrOutOfRange is returned for mutations whose coordinates fall outside
	// the current text.
	ErrOutOfRange = errors.New("document: mutation out of range")
	// ErrNothingToUndo is returned by Undo when the history is empty.
	ErrNothingToUndo = errors.New("document: nothing to undo")
)

// Hook is consulted before every proposed mutation is committed. A nil error
// allows the mutation; any error rejects it and is returned to the proposer.
// The hook must not call back into the Document.
type Hook func(m model.Mutation, extents map[string]model.Span) error

// View is a consistent snapshot handed to placement and resolution callbacks
// while the document is locked.
type View struct {
	Len       int
	Version   int
	Selection model.Span
	Extents   map[string]model.Span
}

// Removal describes an irreversible deletion.
type Removal struct {
	Span    model.Span
	Removed string
}

// entry is one undoable user edit: Inserted now occupies
// [From, From+len(Inserted)) and replaced Removed.
type entry struct {
	From     int
	Removed  []rune
	Inserted []rune
}

func (e entry) span() model.Span {
	return model.Span{From: e.From, To: e.From + len(e.Inserted)}
}

// Document is safe for concurrent use.
type Document struct {
	mu        sync.Mutex
	text      []rune
	extents   map[string]model.Span
	history   []entry
	version   int
	selection model.Span
	hook      Hook
}

// New creates a document holding text with the cursor at the end.
func New(text string) *Document {
	r := []rune(text)
	return &Document{
		text:      r,
		extents:   make(map[string]model.Span),
		selection: model.Span{From: len(r), To: len(r)},
	}
}

// SetHook installs the interception hook.
func (d *Document) SetHook(h Hook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hook = h
}

// SetExtents replaces the tracked region extents, typically after loading
// serialized markers.
func (d *Document) SetExtents(extents map[string]model.Span) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	next := make(map[string]model.Span, len(extents))
	for id, s := range extents {
		if s.From < 0 || s.To > len(d.text) || s.To < s.From {
			return fmt.Errorf("%w: extent %s [%d,%d)", ErrOutOfRange, id, s.From, s.To)
		}
		next[id] = s
	}
	d.extents = next
	return nil
}

// Text returns the current text.
func (d *Document) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return string(d.text)
}

// Len returns the length in runes.
func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.text)
}

// Version increments on every committed change.
func (d *Document) Version() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// Selection returns the current cursor or selection.
func (d *Document) Selection() model.Span {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.selection
}

// Select moves the cursor. from == to places a caret.
func (d *Document) Select(from, to int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if from < 0 || to < from || to > len(d.text) {
		return fmt.Errorf("%w: selection [%d,%d) in %d runes", ErrOutOfRange, from, to, len(d.text))
	}
	d.selection = model.Span{From: from, To: to}
	return nil
}

// Extent returns the tracked extent of a region.
func (d *Document) Extent(id string) (model.Span, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.extents[id]
	return s, ok
}

// Extents returns a copy of all tracked region extents.
func (d *Document) Extents() map[string]model.Span {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.copyExtents()
}

// DropExtent stops tracking a region. Used by the gated revert path.
func (d *Document) DropExtent(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.extents, id)
}

// Snapshot returns a consistent view of the document.
func (d *Document) Snapshot() (string, View) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return string(d.text), d.viewLocked()
}

// Slice returns the text in [from, to), clamped to the document.
func (d *Document) Slice(from, to int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	from = clamp(from, 0, len(d.text))
	to = clamp(to, from, len(d.text))
	return string(d.text[from:to])
}

// CanUndo reports whether an undoable user edit remains.
func (d *Document) CanUndo() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.history) > 0
}

// Propose runs m through the hook and, if allowed, commits it and records it
// in the undo history.
func (d *Document) Propose(m model.Mutation) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkRange(m); err != nil {
		return err
	}
	if d.hook != nil {
		if err := d.hook(m, d.copyExtents()); err != nil {
			return err
		}
	}

	removed := d.replaceLocked(m)
	d.history = append(d.history, entry{From: m.From, Removed: removed, Inserted: []rune(m.Text)})
	return nil
}

// Undo reverts the most recent user edit still in the history. The inverse
// is proposed through the hook like any other user edit; a rejected inverse
// is discarded and can never be undone.
func (d *Document) Undo() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.history) == 0 {
		return ErrNothingToUndo
	}
	last := d.history[len(d.history)-1]
	d.history = d.history[:len(d.history)-1]

	inv := model.Mutation{
		From:   last.From,
		To:     last.From + len(last.Inserted),
		Text:   string(last.Removed),
		Origin: model.OriginUser,
	}
	if err := d.checkRange(inv); err != nil {
		return err
	}
	if d.hook != nil {
		if err := d.hook(inv, d.copyExtents()); err != nil {
			return err
		}
	}
	d.replaceLocked(inv)
	return nil
}

// ApplyIrreversible commits m without consulting the hook and without
// recording history. Pending history entries are remapped; entries that
// overlap the change are discarded.
func (d *Document) ApplyIrreversible(m model.Mutation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkRange(m); err != nil {
		return err
	}
	d.irreversibleLocked(m)
	return nil
}

// InsertProtected inserts text at the position chosen by place and calls
// commit before the lock is released, so no other mutation can observe the
// inserted text without its extent and registration in place. The insertion
// bypasses history.
func (d *Document) InsertProtected(id, text string, place func(View) (int, error), commit func()) (model.Span, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	at, err := place(d.viewLocked())
	if err != nil {
		return model.Span{}, err
	}
	m := model.Mutation{From: at, To: at, Text: text, Origin: model.OriginAgent}
	if err := d.checkRange(m); err != nil {
		return model.Span{}, err
	}

	d.irreversibleLocked(m)
	span := model.Span{From: at, To: at + len([]rune(text))}
	d.extents[id] = span
	if commit != nil {
		commit()
	}
	return span, nil
}

// RemoveIrreversible deletes the span chosen by resolve without recording
// history. The removed text can never be restored by Undo.
func (d *Document) RemoveIrreversible(resolve func(View) (model.Span, error)) (Removal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	span, err := resolve(d.viewLocked())
	if err != nil {
		return Removal{}, err
	}
	m := model.Mutation{From: span.From, To: span.To, Origin: model.OriginAgent}
	if err := d.checkRange(m); err != nil {
		return Removal{}, err
	}
	removed := string(d.text[span.From:span.To])
	d.irreversibleLocked(m)
	return Removal{Span: span, Removed: removed}, nil
}

func (d *Document) checkRange(m model.Mutation) error {
	if m.From < 0 || m.To < m.From || m.To > len(d.text) {
		return fmt.Errorf("%w: [%d,%d) in %d runes", ErrOutOfRange, m.From, m.To, len(d.text))
	}
	return nil
}

func (d *Document) viewLocked() View {
	return View{
		Len:       len(d.text),
		Version:   d.version,
		Selection: d.selection,
		Extents:   d.copyExtents(),
	}
}

func (d *Document) copyExtents() map[string]model.Span {
	out := make(map[string]model.Span, len(d.extents))
	for id, s := range d.extents {
		out[id] = s
	}
	return out
}

// replaceLocked commits m, remaps extents and the selection, and returns the
// removed runes. History is left to the caller.
func (d *Document) replaceLocked(m model.Mutation) []rune {
	ins := []rune(m.Text)
	removed := make([]rune, m.To-m.From)
	copy(removed, d.text[m.From:m.To])

	next := make([]rune, 0, len(d.text)-len(removed)+len(ins))
	next = append(next, d.text[:m.From]...)
	next = append(next, ins...)
	next = append(next, d.text[m.To:]...)
	d.text = next

	for id, s := range d.extents {
		d.extents[id] = mapSpan(s, m.From, m.To, len(ins))
	}
	d.selection = model.Span{
		From: mapPoint(d.selection.From, m.From, m.To, len(ins)),
		To:   mapPoint(d.selection.To, m.From, m.To, len(ins)),
	}
	d.version++
	return removed
}

func (d *Document) irreversibleLocked(m model.Mutation) {
	d.replaceLocked(m)
	n := len([]rune(m.Text))
	kept := d.history[:0]
	for _, e := range d.history {
		if remapped, ok := remapEntry(e, m.From, m.To, n); ok {
			kept = append(kept, remapped)
		}
	}
	d.history = kept
}

// mapPoint maps a cursor position across a replacement of [from, to) with n
// runes. Points inside the replaced range land at its end.
func mapPoint(p, from, to, n int) int {
	switch {
	case p < from:
		return p
	case p >= to && p > from:
		return p + n - (to - from)
	case p == from && from == to:
		return p + n
	default:
		return from + n
	}
}

// mapSpan maps a region extent. Insertions at either boundary land outside
// the region; insertions strictly inside extend it.
func mapSpan(s model.Span, from, to, n int) model.Span {
	delta := n - (to - from)
	if from == to {
		switch {
		case from <= s.From:
			return model.Span{From: s.From + n, To: s.To + n}
		case from >= s.To:
			return s
		default:
			return model.Span{From: s.From, To: s.To + n}
		}
	}

	start := s.From
	switch {
	case s.From >= to:
		start = s.From + delta
	case s.From > from:
		start = from + n
	}
	end := s.To
	switch {
	case s.To >= to:
		end = s.To + delta
	case s.To > from:
		end = from
	}
	if end < start {
		end = start
	}
	return model.Span{From: start, To: end}
}

// remapEntry shifts a history entry across an irreversible change. It
// reports false when the change overlaps the entry's inserted text.
func remapEntry(e entry, from, to, n int) (entry, bool) {
	es := e.span()
	switch {
	case from >= es.To:
		return e, true
	case to <= es.From:
		e.From += n - (to - from)
		return e, true
	default:
		return e, false
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
