// Package session binds an engine to a document on disk. Edits saved by an
// external editor become user mutations; interventions are written back with
// their lock markers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"

	"github.com/ppiankov/impetus/internal/engine"
	"github.com/ppiankov/impetus/internal/feedback"
	"github.com/ppiankov/impetus/internal/guard"
	"github.com/ppiankov/impetus/internal/lock"
	"github.com/ppiankov/impetus/internal/model"
)

// DefaultDebounce collapses the burst of events an editor save produces.
const DefaultDebounce = 500 * time.Millisecond

// Builder creates the engine for the initial file content. The notifier
// must be passed to engine.WithNotifier.
type Builder func(text string, notifier engine.Notifier) (*engine.Engine, error)

// File keeps one document file and one engine in step.
type File struct {
	path     string
	perm     os.FileMode
	debounce time.Duration
	logger   *slog.Logger
	eng      *engine.Engine
	outcomes chan feedback.Outcome

	mu      sync.Mutex
	written string // last content we wrote or accepted
	base    string // written without markers
}

// Option configures a File.
type Option func(*File)

// WithDebounce sets the quiet period before a change on disk is read.
func WithDebounce(d time.Duration) Option {
	return func(f *File) { f.debounce = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *File) { f.logger = l }
}

// Open reads path and builds its engine. next, if non-nil, receives every
// outcome the engine reports.
func Open(path string, next engine.Notifier, build Builder, opts ...Option) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat document: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", abs)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}

	f := &File{
		path:     abs,
		perm:     info.Mode().Perm(),
		debounce: DefaultDebounce,
		logger:   slog.Default(),
		outcomes: make(chan feedback.Outcome, 16),
		written:  string(data),
		base:     lock.ParseMarkers(string(data)).Text,
	}
	for _, opt := range opts {
		opt(f)
	}

	eng, err := build(string(data), relay{next: next, out: f.outcomes})
	if err != nil {
		return nil, err
	}
	f.eng = eng
	return f, nil
}

// relay forwards outcomes and wakes the write-back loop. It runs under
// engine locks, so it never blocks and never calls the engine.
type relay struct {
	next engine.Notifier
	out  chan<- feedback.Outcome
}

func (r relay) Notify(o feedback.Outcome) {
	if r.next != nil {
		r.next.Notify(o)
	}
	select {
	case r.out <- o:
	default:
	}
}

// Path returns the absolute document path.
func (f *File) Path() string { return f.path }

// Engine returns the engine bound to the file.
func (f *File) Engine() *engine.Engine { return f.eng }

// Run watches the file until ctx is cancelled. Changes on disk are applied
// through Sync; interventions are persisted through WriteBack.
func (f *File) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("failed to watch %q: %w", f.path, err)
	}

	changed := make(chan struct{}, 1)
	var (
		mu       sync.Mutex
		debounce *time.Timer
	)
	defer func() {
		mu.Lock()
		defer mu.Unlock()
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != f.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				mu.Lock()
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(f.debounce, func() {
					select {
					case changed <- struct{}{}:
					default:
					}
				})
				mu.Unlock()
			}

		case <-changed:
			if err := f.Sync(); err != nil {
				f.logger.Warn("failed to sync document", "path", f.path, "error", err)
			}

		case o := <-f.outcomes:
			if o != feedback.Provoke && o != feedback.Delete {
				continue
			}
			if err := f.flush(); err != nil {
				f.logger.Error("failed to write document", "path", f.path, "error", err)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("document watcher error", "error", err)
		}
	}
}

// Sync reads the file and applies the difference from the last synced
// content as one user edit. Interventions made since then are kept: the
// edit is moved past them, or diffed against the engine's text when both
// touch the same stretch. An edit the guard rejects is undone on disk by
// rewriting the file from the engine. Missing, altered or ambiguous
// markers are restored the same way.
func (f *File) Sync() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}
	content := string(data)

	f.mu.Lock()
	same := content == f.written
	base := f.base
	f.mu.Unlock()
	if same {
		return nil
	}

	clean, _, _, err := lock.Load(content, lock.NewRegistry())
	if err != nil {
		f.logger.Warn("lock markers on disk are ambiguous, restoring file", "path", f.path, "error", err)
		return f.WriteBack()
	}
	current := f.eng.Text()
	m, ok := Diff(base, clean)
	if ok {
		m, ok = rebase(m, base, current, clean)
	}
	if !ok {
		f.logger.Debug("markers changed on disk, restoring", "path", f.path)
		return f.WriteBack()
	}
	m = Slide([]rune(current), m, func(c model.Mutation) bool {
		return f.eng.CheckEdit(c).Allowed
	})

	if err := f.eng.Edit(m); err != nil {
		var blocked *guard.BlockedError
		if errors.As(err, &blocked) {
			f.logger.Warn("edit touches locked text, restoring file",
				"path", f.path, "region", blocked.Verdict.RegionID)
			return f.WriteBack()
		}
		return fmt.Errorf("apply edit: %w", err)
	}
	end := m.From + utf8.RuneCountInString(m.Text)
	if err := f.eng.Select(end, end); err != nil {
		f.logger.Debug("failed to move cursor", "error", err)
	}

	if f.eng.Serialize() != content {
		return f.WriteBack()
	}
	f.mu.Lock()
	f.written = content
	f.base = clean
	f.mu.Unlock()
	return nil
}

// flush persists an intervention. A save still waiting out the debounce is
// applied first so the rewrite does not discard it.
func (f *File) flush() error {
	if err := f.Sync(); err != nil {
		return err
	}
	f.mu.Lock()
	written := f.written
	f.mu.Unlock()
	if written == f.eng.Serialize() {
		return nil
	}
	return f.WriteBack()
}

// WriteBack replaces the file with the engine's serialized document.
func (f *File) WriteBack() error {
	text := f.eng.Serialize()
	if err := writeAtomic(f.path, text, f.perm); err != nil {
		return err
	}
	f.mu.Lock()
	f.written = text
	f.base = lock.ParseMarkers(text).Text
	f.mu.Unlock()
	return nil
}

// Close closes the engine.
func (f *File) Close() error {
	return f.eng.Close()
}

// Diff returns the single replacement that turns old into updated, found by
// trimming their common prefix and suffix. ok is false when they are equal.
// Offsets are in runes.
func Diff(old, updated string) (model.Mutation, bool) {
	if old == updated {
		return model.Mutation{}, false
	}
	a, b := []rune(old), []rune(updated)
	p := 0
	for p < len(a) && p < len(b) && a[p] == b[p] {
		p++
	}
	s := 0
	for s < len(a)-p && s < len(b)-p && a[len(a)-1-s] == b[len(b)-1-s] {
		s++
	}
	return model.Replace(p, len(a)-s, string(b[p:len(b)-s])), true
}

// rebase moves m, a change from base to updated, onto current. An edit
// wholly before or after the engine's own change since base is shifted
// past it; otherwise the full difference from current is used. ok is
// false when there is nothing left to apply.
func rebase(m model.Mutation, base, current, updated string) (model.Mutation, bool) {
	own, changed := Diff(base, current)
	if !changed {
		return m, true
	}
	switch {
	case m.To <= own.From:
		return m, true
	case m.From >= own.To:
		shift := utf8.RuneCountInString(own.Text) - (own.To - own.From)
		return model.Replace(m.From+shift, m.To+shift, m.Text), true
	}
	return Diff(current, updated)
}

// Slide shifts a pure insertion or deletion left through a run of repeated
// runes until allowed accepts it. Such shifts produce the same text; the
// diff only picked the rightmost of them. m is returned unchanged when no
// position is accepted.
func Slide(text []rune, m model.Mutation, allowed func(model.Mutation) bool) model.Mutation {
	if allowed(m) {
		return m
	}
	ins := []rune(m.Text)
	c := m
	switch {
	case m.From == m.To && len(ins) > 0:
		for c.From > 0 && ins[len(ins)-1] == text[c.From-1] {
			ins = append([]rune{text[c.From-1]}, ins[:len(ins)-1]...)
			c = model.Insert(c.From-1, string(ins))
			if allowed(c) {
				return c
			}
		}
	case m.From < m.To && len(ins) == 0:
		for c.From > 0 && text[c.From-1] == text[c.To-1] {
			c = model.Remove(c.From-1, c.To-1)
			if allowed(c) {
				return c
			}
		}
	}
	return m
}

func writeAtomic(path, content string, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".impetus-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(name, perm); err != nil {
		os.Remove(name)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("replace document: %w", err)
	}
	return nil
}
