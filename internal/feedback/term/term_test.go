package term

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/ppiankov/impetus/internal/feedback"
)

func TestVisualWritesLabel(t *testing.T) {
	var buf bytes.Buffer
	v := NewVisual(&buf)
	h := v.Play(feedback.Shake, 0)
	h.Stop()
	h.Stop()
	if !strings.Contains(buf.String(), "that text is locked") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestBell(t *testing.T) {
	var buf bytes.Buffer
	b := NewBell(&buf)
	if _, err := b.Play("metallic"); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "\a\a" {
		t.Fatalf("unexpected bell output %q", buf.String())
	}
	if _, err := b.Play("organ"); err == nil {
		t.Fatal("unknown asset should fail")
	}
	if _, err := NewBell(nil).Play("thud"); !errors.Is(err, ErrNoTerminal) {
		t.Fatalf("expected ErrNoTerminal, got %v", err)
	}
}

func TestOrchestratorWithTerminalDrivers(t *testing.T) {
	var out bytes.Buffer
	o := feedback.New(NewVisual(&out), NewBell(nil))
	o.Notify(feedback.Delete)
	if !strings.Contains(out.String(), "text erased") {
		t.Fatalf("unexpected output %q", out.String())
	}
	if _, ok := o.Current(); !ok {
		t.Fatal("missing audio must not stop the visual")
	}
	o.Stop()
}
