// Package term renders feedback in a terminal: a styled status line for the
// visual and the bell for audio.
package term

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/ppiankov/impetus/internal/feedback"
)

var styles = map[feedback.VisualKind]lipgloss.Style{
	feedback.Flicker: lipgloss.NewStyle().
		Bold(true).
		Blink(true).
		Foreground(lipgloss.Color("226")).
		Background(lipgloss.Color("52")),
	feedback.Fade: lipgloss.NewStyle().
		Faint(true).
		Foreground(lipgloss.Color("241")),
	feedback.Shake: lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("196")).
		PaddingLeft(2),
	feedback.AlertFlash: lipgloss.NewStyle().
		Bold(true).
		Reverse(true).
		Foreground(lipgloss.Color("214")),
	feedback.Opacity: lipgloss.NewStyle().
		Foreground(lipgloss.Color("250")),
}

var labels = map[feedback.VisualKind]string{
	feedback.Flicker:    "!! the agent speaks",
	feedback.Fade:       "~~ text erased",
	feedback.Shake:      "xx that text is locked",
	feedback.AlertFlash: "?? intervention failed",
	feedback.Opacity:    "..",
}

// Visual writes one styled line per transition.
type Visual struct {
	mu  sync.Mutex
	out io.Writer
}

// NewVisual writes to out.
func NewVisual(out io.Writer) *Visual {
	return &Visual{out: out}
}

// Play renders kind. The returned handle clears nothing; terminal lines are
// not animated.
func (v *Visual) Play(kind feedback.VisualKind, d time.Duration) feedback.Handle {
	style, ok := styles[kind]
	if !ok {
		style = lipgloss.NewStyle()
	}
	label := labels[kind]
	if label == "" {
		label = string(kind)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintln(v.out, style.Render(label))
	return noop{}
}

// Bell rings the terminal bell for each audio cue. Assets it does not know
// fail, which the orchestrator swallows.
type Bell struct {
	mu     sync.Mutex
	out    io.Writer
	assets map[string]int
}

// NewBell rings on out. Each asset maps to a number of bell characters.
func NewBell(out io.Writer) *Bell {
	return &Bell{
		out:    out,
		assets: map[string]int{"metallic": 2, "swoosh": 1, "thud": 1},
	}
}

// ErrNoTerminal means the bell has nowhere to ring.
var ErrNoTerminal = errors.New("term: no output for audio")

// Play rings the bell for asset.
func (b *Bell) Play(asset string) (feedback.Handle, error) {
	if b.out == nil {
		return nil, ErrNoTerminal
	}
	n, ok := b.assets[asset]
	if !ok {
		return nil, fmt.Errorf("term: unknown audio asset %q", asset)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := io.WriteString(b.out, strings.Repeat("\a", n)); err != nil {
		return nil, err
	}
	return noop{}, nil
}

type noop struct{}

func (noop) Stop() {}
