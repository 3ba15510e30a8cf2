package session

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ppiankov/impetus/internal/decision"
	"github.com/ppiankov/impetus/internal/engine"
	"github.com/ppiankov/impetus/internal/feedback"
	"github.com/ppiankov/impetus/internal/model"
)

const draft = "The ferry left without her. She stood on the pier until the lights were gone."

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	seen chan feedback.Outcome
}

func (r *recorder) Notify(o feedback.Outcome) {
	select {
	case r.seen <- o:
	default:
	}
}

func openTestFile(t *testing.T, next engine.Notifier) (*File, string) {
	t.Helper()
	return openFile(t, draft, next, 10*time.Millisecond)
}

func openFile(t *testing.T, content string, next engine.Notifier, debounce time.Duration) (*File, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "draft.md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	client := decision.NewScripted(decision.Step{Action: model.Action{
		Kind: model.Provoke, ActionID: "act_1", RegionID: "lock_1", Content: " Who waved?", Source: model.ModePrimary,
	}})
	f, err := Open(path, next, func(text string, n engine.Notifier) (*engine.Engine, error) {
		return engine.New(text, client,
			engine.Config{SessionID: "s-file", Document: path, Mode: model.ModePrimary},
			engine.WithClock(clock.NewMock()), engine.WithLogger(quiet()), engine.WithNotifier(n))
	}, WithLogger(quiet()), WithDebounce(debounce))
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f, path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func provokeAndPersist(t *testing.T, f *File) {
	t.Helper()
	if _, err := f.Engine().Intervene(context.Background()); err != nil {
		t.Fatalf("intervene: %v", err)
	}
	if err := f.WriteBack(); err != nil {
		t.Fatalf("write back: %v", err)
	}
}

func TestDiff(t *testing.T) {
	tests := []struct {
		name      string
		old, next string
		want      model.Mutation
	}{
		{"append", "abc", "abcdef", model.Replace(3, 3, "def")},
		{"prepend", "abc", "xabc", model.Replace(0, 0, "x")},
		{"delete middle", "abcdef", "abef", model.Replace(2, 4, "")},
		{"replace", "the cat sat", "the dog sat", model.Replace(4, 7, "dog")},
		{"repeated rune", "aa", "aaa", model.Replace(2, 2, "a")},
		{"runes not bytes", "日本語", "日本人語", model.Replace(2, 2, "人")},
		{"clear", "abc", "", model.Replace(0, 3, "")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Diff(tt.old, tt.next)
			if !ok {
				t.Fatal("expected a difference")
			}
			if got != tt.want {
				t.Fatalf("Diff(%q, %q) = %+v, want %+v", tt.old, tt.next, got, tt.want)
			}
		})
	}

	if _, ok := Diff("same", "same"); ok {
		t.Fatal("equal texts should produce no mutation")
	}
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.md"), nil, func(string, engine.Notifier) (*engine.Engine, error) {
		t.Fatal("builder should not run")
		return nil, nil
	})
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSyncAppliesEdit(t *testing.T) {
	f, path := openTestFile(t, nil)

	edited := draft + " Rain came in."
	if err := os.WriteFile(path, []byte(edited), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := f.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := f.Engine().Text(); got != edited {
		t.Fatalf("engine text = %q, want %q", got, edited)
	}
	st := f.Engine().Status()
	n := len([]rune(edited))
	if st.Selection.From != n || st.Selection.To != n {
		t.Fatalf("cursor should follow the insert, got %+v", st.Selection)
	}
	if got := readFile(t, path); got != edited {
		t.Fatalf("file should be left alone, got %q", got)
	}
}

func TestSyncRollsBackLockedEdit(t *testing.T) {
	rec := &recorder{seen: make(chan feedback.Outcome, 8)}
	f, path := openTestFile(t, rec)
	provokeAndPersist(t, f)

	persisted := readFile(t, path)
	if !strings.Contains(persisted, "Who waved?<!-- lock:lock_1 source:primary len:11") {
		t.Fatalf("missing lock marker: %q", persisted)
	}

	tampered := strings.Replace(persisted, "Who waved?", "Who cares?", 1)
	if err := os.WriteFile(path, []byte(tampered), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := f.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if got := readFile(t, path); got != persisted {
		t.Fatalf("file not restored:\n got %q\nwant %q", got, persisted)
	}
	if !strings.HasSuffix(f.Engine().Text(), " Who waved?") {
		t.Fatalf("locked text changed: %q", f.Engine().Text())
	}

	var sawReject bool
	for len(rec.seen) > 0 {
		if <-rec.seen == feedback.Reject {
			sawReject = true
		}
	}
	if !sawReject {
		t.Fatal("expected reject feedback")
	}
}

func TestSyncRestoresRemovedMarker(t *testing.T) {
	f, path := openTestFile(t, nil)
	provokeAndPersist(t, f)
	persisted := readFile(t, path)

	if err := os.WriteFile(path, []byte(f.Engine().Text()), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := f.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := readFile(t, path); got != persisted {
		t.Fatalf("marker not restored: %q", got)
	}
}

func TestRunWritesBackIntervention(t *testing.T) {
	f, path := openTestFile(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	if _, err := f.Engine().Intervene(context.Background()); err != nil {
		t.Fatalf("intervene: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for !strings.Contains(readFile(t, path), "<!-- lock:lock_1") {
		if time.Now().After(deadline) {
			t.Fatal("intervention was not written back")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestSlide(t *testing.T) {
	// A lock over [5, 7) of "Say XabY".
	text := []rune("Say XabY")
	outside := func(m model.Mutation) bool {
		if m.From == m.To {
			return m.From <= 5 || m.From >= 7
		}
		return m.To <= 5 || m.From >= 7
	}

	tests := []struct {
		name string
		in   model.Mutation
		want model.Mutation
	}{
		{"insert slides to lock start", model.Insert(6, "a"), model.Insert(5, "a")},
		{"longer insert rotates", model.Insert(6, "zXa"), model.Insert(5, "azX")},
		{"allowed insert kept", model.Insert(2, "y"), model.Insert(2, "y")},
		{"no repeated rune", model.Insert(6, "q"), model.Insert(6, "q")},
		{"replacement kept", model.Replace(5, 6, "b"), model.Replace(5, 6, "b")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Slide(text, tt.in, outside); got != tt.want {
				t.Fatalf("Slide(%+v) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}

	// Deleting one of "ss" before a lock over [3, 5) of "Assst".
	del := []rune("Assst")
	lockAt3 := func(m model.Mutation) bool { return m.To <= 3 || m.From >= 5 }
	if got := Slide(del, model.Remove(3, 4), lockAt3); got != model.Remove(2, 3) {
		t.Fatalf("deletion should slide out of the lock, got %+v", got)
	}
}

func TestSyncAcceptsInsertBeforeLock(t *testing.T) {
	saved := "Say Xab<!-- lock:l1 source:primary len:2 -->Y"
	f, path := openFile(t, saved, nil, 10*time.Millisecond)

	typed := "Say Xaab<!-- lock:l1 source:primary len:2 -->Y"
	if err := os.WriteFile(path, []byte(typed), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := f.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := f.Engine().Text(); got != "Say XaabY" {
		t.Fatalf("insert before the lock was not applied: %q", got)
	}
	if got := readFile(t, path); got != typed {
		t.Fatalf("file should keep the edit, got %q", got)
	}
	locks := f.Engine().Locks()
	if len(locks) != 1 || locks[0].Text != "ab" {
		t.Fatalf("lock should still cover ab: %+v", locks)
	}
}

func TestSyncRestoresAmbiguousMarkers(t *testing.T) {
	f, path := openTestFile(t, nil)
	provokeAndPersist(t, f)
	persisted := readFile(t, path)

	forged := "Me<!-- lock:lock_1 source:primary len:2 -->" + persisted
	if err := os.WriteFile(path, []byte(forged), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := f.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := readFile(t, path); got != persisted {
		t.Fatalf("file not restored: %q", got)
	}
}

func TestFlushKeepsPendingSave(t *testing.T) {
	f, path := openTestFile(t, nil)

	if err := os.WriteFile(path, []byte(draft+" USER-EDIT"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Engine().Intervene(context.Background()); err != nil {
		t.Fatalf("intervene: %v", err)
	}
	if err := f.flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if got := f.Engine().Text(); got != draft+" USER-EDIT Who waved?" {
		t.Fatalf("engine text = %q", got)
	}
	if got := readFile(t, path); !strings.HasPrefix(got, draft+" USER-EDIT Who waved?<!-- lock:lock_1 source:primary len:11") {
		t.Fatalf("file lost the pending save: %q", got)
	}
}

func TestRunKeepsSaveInsideDebounceWindow(t *testing.T) {
	f, path := openFile(t, draft, nil, 300*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	if err := os.WriteFile(path, []byte(draft+" USER-EDIT"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := f.Engine().Intervene(context.Background()); err != nil {
		t.Fatalf("intervene: %v", err)
	}

	want := draft + " USER-EDIT Who waved?<!-- lock:lock_1"
	deadline := time.Now().Add(3 * time.Second)
	for !strings.HasPrefix(readFile(t, path), want) {
		if time.Now().After(deadline) {
			t.Fatalf("file = %q", readFile(t, path))
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Let the pending debounce fire; it must not undo either change.
	time.Sleep(500 * time.Millisecond)
	if got := readFile(t, path); !strings.HasPrefix(got, want) {
		t.Fatalf("file changed after debounce: %q", got)
	}
	if got := f.Engine().Text(); got != draft+" USER-EDIT Who waved?" {
		t.Fatalf("engine text = %q", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}
