package document

import (
	"errors"
	"strings"
	"testing"

	"github.com/ppiankov/impetus/internal/model"
)

var errBlocked = errors.New("blocked")

func TestProposeAndUndo(t *testing.T) {
	d := New("hello")

	if err := d.Propose(model.Insert(5, " world")); err != nil {
		t.Fatal(err)
	}
	if d.Text() != "hello world" {
		t.Fatalf("unexpected text %q", d.Text())
	}
	if err := d.Propose(model.Replace(0, 5, "HELLO")); err != nil {
		t.Fatal(err)
	}

	if err := d.Undo(); err != nil {
		t.Fatal(err)
	}
	if d.Text() != "hello world" {
		t.Fatalf("after first undo: %q", d.Text())
	}
	if err := d.Undo(); err != nil {
		t.Fatal(err)
	}
	if d.Text() != "hello" {
		t.Fatalf("after second undo: %q", d.Text())
	}
	if err := d.Undo(); !errors.Is(err, ErrNothingToUndo) {
		t.Fatalf("expected ErrNothingToUndo, got %v", err)
	}
}

func TestProposeRejectedByHook(t *testing.T) {
	d := New("abc")
	d.SetHook(func(m model.Mutation, _ map[string]model.Span) error {
		if m.From == 0 {
			return errBlocked
		}
		return nil
	})

	if err := d.Propose(model.Remove(0, 1)); !errors.Is(err, errBlocked) {
		t.Fatalf("expected hook error, got %v", err)
	}
	if d.Text() != "abc" || d.Version() != 0 || d.CanUndo() {
		t.Fatal("rejected mutation must leave no trace")
	}
}

func TestProposeOutOfRange(t *testing.T) {
	d := New("abc")
	for _, m := range []model.Mutation{model.Remove(2, 9), model.Remove(-1, 1), model.Remove(2, 1)} {
		if err := d.Propose(m); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("%+v: expected ErrOutOfRange, got %v", m, err)
		}
	}
}

func TestIrreversibleDeleteSurvivesUndo(t *testing.T) {
	d := New("")
	if err := d.Propose(model.Insert(0, "keep this sentence. drop this one.")); err != nil {
		t.Fatal(err)
	}

	removal, err := d.RemoveIrreversible(func(v View) (model.Span, error) {
		return model.Span{From: 20, To: 34}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if removal.Removed != "drop this one." {
		t.Fatalf("removed %q", removal.Removed)
	}

	for d.CanUndo() {
		_ = d.Undo()
	}
	if got := d.Text(); got != "" && got != "keep this sentence. " {
		t.Fatalf("unexpected text after undo: %q", got)
	}
	if strings.Contains(d.Text(), "drop this one.") {
		t.Fatal("undo restored irreversibly deleted text")
	}
}

func TestIrreversibleChangeRemapsHistory(t *testing.T) {
	d := New("0123456789")
	if err := d.Propose(model.Insert(10, "XY")); err != nil {
		t.Fatal(err)
	}
	// Delete before the user's edit; the edit must still undo cleanly.
	if err := d.ApplyIrreversible(model.Mutation{From: 0, To: 3, Origin: model.OriginAgent}); err != nil {
		t.Fatal(err)
	}
	if err := d.Undo(); err != nil {
		t.Fatal(err)
	}
	if d.Text() != "3456789" {
		t.Fatalf("unexpected text %q", d.Text())
	}
}

func TestInsertProtectedTracksExtent(t *testing.T) {
	d := New("ab")
	committed := false
	span, err := d.InsertProtected("lock_1", "XYZ", func(v View) (int, error) {
		return v.Selection.To, nil
	}, func() { committed = true })
	if err != nil {
		t.Fatal(err)
	}
	if !committed {
		t.Fatal("commit not called")
	}
	if span != (model.Span{From: 2, To: 5}) {
		t.Fatalf("unexpected span %+v", span)
	}
	if d.CanUndo() {
		t.Fatal("protected insert must not enter history")
	}

	// Typing before the region shifts it.
	if err := d.Propose(model.Insert(0, "__")); err != nil {
		t.Fatal(err)
	}
	got, _ := d.Extent("lock_1")
	if got != (model.Span{From: 4, To: 7}) {
		t.Fatalf("extent not shifted: %+v", got)
	}
	if d.Slice(got.From, got.To) != "XYZ" {
		t.Fatalf("extent covers %q", d.Slice(got.From, got.To))
	}
}

func TestInsertProtectedAtCursorMovesCursor(t *testing.T) {
	d := New("abc")
	if _, err := d.InsertProtected("lock_1", "!!", func(v View) (int, error) {
		return v.Selection.To, nil
	}, nil); err != nil {
		t.Fatal(err)
	}
	if sel := d.Selection(); sel.From != 5 || sel.To != 5 {
		t.Fatalf("cursor should follow inserted text, got %+v", sel)
	}
}

func TestMapSpanAcrossDeletion(t *testing.T) {
	s := model.Span{From: 5, To: 10}
	tests := []struct {
		name     string
		from, to int
		want     model.Span
	}{
		{"before", 0, 5, model.Span{From: 0, To: 5}},
		{"after", 10, 12, model.Span{From: 5, To: 10}},
		{"covering", 3, 12, model.Span{From: 3, To: 3}},
		{"head", 3, 7, model.Span{From: 3, To: 6}},
		{"tail", 8, 12, model.Span{From: 5, To: 8}},
	}
	for _, tt := range tests {
		if got := mapSpan(s, tt.from, tt.to, 0); got != tt.want {
			t.Errorf("%s: mapSpan = %+v, want %+v", tt.name, got, tt.want)
		}
	}
}

func TestMapSpanAcrossInsertion(t *testing.T) {
	s := model.Span{From: 5, To: 10}
	if got := mapSpan(s, 5, 5, 2); got != (model.Span{From: 7, To: 12}) {
		t.Errorf("insert at start: %+v", got)
	}
	if got := mapSpan(s, 10, 10, 2); got != s {
		t.Errorf("insert at end: %+v", got)
	}
	if got := mapSpan(s, 7, 7, 2); got != (model.Span{From: 5, To: 12}) {
		t.Errorf("insert inside: %+v", got)
	}
}

func TestSetExtentsValidates(t *testing.T) {
	d := New("abc")
	if err := d.SetExtents(map[string]model.Span{"x": {From: 1, To: 9}}); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	if err := d.SetExtents(map[string]model.Span{"x": {From: 1, To: 2}}); err != nil {
		t.Fatal(err)
	}
}
