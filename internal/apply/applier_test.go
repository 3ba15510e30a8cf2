package apply

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ppiankov/impetus/internal/anchor"
	"github.com/ppiankov/impetus/internal/document"
	"github.com/ppiankov/impetus/internal/guard"
	"github.com/ppiankov/impetus/internal/lock"
	"github.com/ppiankov/impetus/internal/model"
)

const sixty = "The quick brown fox jumps over the lazy dog near the river." // 59 runes

type session struct {
	doc *document.Document
	reg *lock.Registry
	app *Applier
}

func newSession(t *testing.T, text string) session {
	t.Helper()
	reg := lock.NewRegistry()
	doc := document.New(text)
	doc.SetHook(guard.New(reg).Allow)
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	return session{doc: doc, reg: reg, app: New(doc, reg, Config{}, WithClock(mock))}
}

func provoke(id, region, content string) model.Action {
	return model.Action{Kind: model.Provoke, ActionID: id, RegionID: region, Content: content, Source: model.ModeChaotic}
}

func deletion(id string, a *model.Anchor) model.Action {
	return model.Action{Kind: model.Delete, ActionID: id, Anchor: a}
}

func TestProvokeRegistersBeforeNextMutation(t *testing.T) {
	s := newSession(t, "Hello there.")

	res, err := s.app.Apply(provoke("act_1", "lock_1", " Why stop?"))
	if err != nil {
		t.Fatal(err)
	}
	if !s.reg.Contains("lock_1") {
		t.Fatal("region not registered")
	}
	if res.Span != (model.Span{From: 12, To: 22}) {
		t.Fatalf("unexpected span %+v", res.Span)
	}
	region, _ := s.reg.Get("lock_1")
	if region.Source != model.ModeChaotic || region.CreatedAt.IsZero() {
		t.Errorf("unexpected region metadata %+v", region)
	}

	err = s.doc.Propose(model.Remove(14, 16))
	var blocked *guard.BlockedError
	if !errors.As(err, &blocked) || blocked.Verdict.RegionID != "lock_1" {
		t.Fatalf("expected edit inside provoke to be blocked, got %v", err)
	}
}

func TestProvokeNeverObservableUnprotected(t *testing.T) {
	s := newSession(t, strings.Repeat("a", 100))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	violations := make(chan string, 1)

	// Hammer the document with select-all deletes while provokes land.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = s.doc.Propose(model.Remove(0, s.doc.Len()))
		}
	}()

	for i := 0; i < 50; i++ {
		id := "lock_" + string(rune('A'+i%26)) + string(rune('a'+i/26))
		if _, err := s.app.Provoke(provoke("act_"+id, id, "PROTECTED")); err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(s.doc.Text(), "PROTECTED") {
			select {
			case violations <- id:
			default:
			}
		}
	}
	close(stop)
	wg.Wait()

	select {
	case id := <-violations:
		t.Fatalf("protected content removed after %s", id)
	default:
	}
	if got := strings.Count(s.doc.Text(), "PROTECTED"); got != 50 {
		t.Fatalf("expected 50 protected blocks, got %d", got)
	}
}

func TestProvokeInsideRegionMovesToRegionEnd(t *testing.T) {
	s := newSession(t, "start ")
	if _, err := s.app.Provoke(provoke("act_1", "lock_1", "LOCKED")); err != nil {
		t.Fatal(err)
	}
	if err := s.doc.Select(8, 8); err != nil {
		t.Fatal(err)
	}
	res, err := s.app.Provoke(provoke("act_2", "lock_2", "MORE"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Span.From != 12 {
		t.Fatalf("expected insertion at end of lock_1 (12), got %d", res.Span.From)
	}
	if s.doc.Text() != "start LOCKEDMORE" {
		t.Fatalf("unexpected text %q", s.doc.Text())
	}
}

func TestProvokeRejectsReusedRegion(t *testing.T) {
	s := newSession(t, "x")
	if _, err := s.app.Provoke(provoke("act_1", "lock_1", "one")); err != nil {
		t.Fatal(err)
	}
	before := s.doc.Text()
	if _, err := s.app.Provoke(provoke("act_2", "lock_1", "two")); !errors.Is(err, ErrRegionExists) {
		t.Fatalf("expected ErrRegionExists, got %v", err)
	}
	if s.doc.Text() != before {
		t.Fatal("document changed on rejected provoke")
	}
}

func TestDuplicateActionAppliedOnce(t *testing.T) {
	s := newSession(t, "x")
	if _, err := s.app.Apply(provoke("act_1", "lock_1", "one")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.app.Apply(provoke("act_1", "lock_2", "two")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if s.reg.Contains("lock_2") {
		t.Fatal("duplicate action registered a region")
	}

	s.app.Seed("act_old")
	if !s.app.Applied("act_old") {
		t.Fatal("seeded id not marked applied")
	}
}

func TestDeleteIsIrreversible(t *testing.T) {
	s := newSession(t, "")
	text := sixty + " Another sentence follows here."
	if err := s.doc.Propose(model.Insert(0, text)); err != nil {
		t.Fatal(err)
	}

	res, err := s.app.Apply(deletion("act_d", model.RangeAnchor(59, len([]rune(text)))))
	if err != nil {
		t.Fatal(err)
	}
	if res.Removed != " Another sentence follows here." {
		t.Fatalf("removed %q", res.Removed)
	}

	for s.doc.CanUndo() {
		_ = s.doc.Undo()
	}
	if strings.Contains(s.doc.Text(), "Another sentence") {
		t.Fatal("undo restored irreversibly deleted text")
	}
}

func TestDeleteSafetyFloor(t *testing.T) {
	s := newSession(t, sixty)
	before := s.doc.Text()

	// 59 - 10 = 49 < 50
	_, err := s.app.Delete(deletion("act_d", model.RangeAnchor(0, 10)))
	if !errors.Is(err, ErrSafetyFloor) {
		t.Fatalf("expected ErrSafetyFloor, got %v", err)
	}
	if s.doc.Text() != before {
		t.Fatal("document mutated despite safety floor")
	}
	if s.app.Applied("act_d") {
		t.Fatal("refused delete marked applied")
	}

	// 59 - 9 = 50 is allowed.
	if _, err := s.app.Delete(deletion("act_d2", model.RangeAnchor(0, 9))); err != nil {
		t.Fatalf("delete at floor: %v", err)
	}
}

func TestDeleteResolvesAgainstLiveDocument(t *testing.T) {
	s := newSession(t, sixty+sixty)
	act := deletion("act_d", model.RangeAnchor(100, 118))

	// User trims the document after the decision was made.
	if err := s.doc.Propose(model.Remove(60, 118)); err != nil {
		t.Fatal(err)
	}
	_, err := s.app.Delete(act)
	if !errors.Is(err, anchor.ErrOutOfBounds) {
		t.Fatalf("expected ErrOutOfBounds, got %v", err)
	}
}

func TestDeleteRegionRef(t *testing.T) {
	s := newSession(t, sixty)
	if _, err := s.app.Provoke(provoke("act_p", "lock_1", " [locked]")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.app.Delete(deletion("act_d", model.RegionAnchor("lock_1"))); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(s.doc.Text(), "[locked]") {
		t.Fatal("agent delete of a region should remove its text")
	}
	if !s.reg.Contains("lock_1") {
		t.Fatal("region id must stay registered")
	}

	_, err := s.app.Delete(deletion("act_d2", model.RegionAnchor("lock_missing")))
	if !errors.Is(err, anchor.ErrUnknownRegion) {
		t.Fatalf("expected ErrUnknownRegion, got %v", err)
	}
}

func TestDeleteEmptyTarget(t *testing.T) {
	s := newSession(t, sixty)
	if _, err := s.app.Delete(deletion("act_d", model.PositionAnchor(3))); !errors.Is(err, ErrEmptyTarget) {
		t.Fatalf("expected ErrEmptyTarget, got %v", err)
	}
}

func TestApplyRejectsMalformedActions(t *testing.T) {
	s := newSession(t, sixty)
	bad := []model.Action{
		{Kind: model.Provoke, ActionID: "a", RegionID: "r"},
		{Kind: model.Delete, ActionID: "b"},
		{Kind: "rewrite", ActionID: "c"},
	}
	for _, act := range bad {
		if _, err := s.app.Apply(act); err == nil {
			t.Errorf("%+v: expected error", act)
		}
	}
	if s.doc.Text() != sixty || s.reg.Len() != 0 {
		t.Fatal("malformed action changed state")
	}
}

func TestPlacement(t *testing.T) {
	v := document.View{
		Len:       20,
		Selection: model.Span{From: 2, To: 6},
		Extents:   map[string]model.Span{"a": {From: 4, To: 8}, "b": {From: 8, To: 12}},
	}
	if got := Placement(v); got != 8 {
		t.Errorf("placement = %d, want 8", got)
	}
	v.Selection = model.Span{From: 12, To: 12}
	if got := Placement(v); got != 12 {
		t.Errorf("placement at region end = %d, want 12", got)
	}
}
