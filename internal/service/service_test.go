package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ppiankov/impetus/internal/decision"
	"github.com/ppiankov/impetus/internal/model"
)

const longContext = "The lighthouse keeper counted the ships. None of them came back. He kept counting anyway."

// stub returns a fixed response and counts calls.
type stub struct {
	resp  decision.Response
	err   error
	calls atomic.Int32
}

func (s *stub) Name() string { return "stub" }

func (s *stub) Generate(context.Context, Input) (decision.Response, error) {
	s.calls.Add(1)
	return s.resp, s.err
}

func input(mode model.Mode, text string) Input {
	n := len([]rune(text))
	return Input{Context: text, Mode: mode, Meta: decision.Meta{DocVersion: 1, SelectionFrom: n, SelectionTo: n}}
}

func TestGenerateFillsIDs(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC))
	svc := New(&stub{resp: decision.Response{Action: "Provoke", Content: "Why?"}}, WithClock(mock))

	resp, err := svc.Generate(context.Background(), input(model.ModePrimary, "short"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Action != "provoke" || !strings.HasPrefix(resp.LockID, "lock_") || !strings.HasPrefix(resp.ActionID, "act_") {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Source != "primary" || !resp.IssuedAt.Equal(mock.Now()) {
		t.Fatalf("source %q issued %v", resp.Source, resp.IssuedAt)
	}
}

func TestGenerateKeepsProviderIDs(t *testing.T) {
	svc := New(&stub{resp: decision.Response{Action: "provoke", Content: "Why?", LockID: "lock_x", ActionID: "act_x"}})
	resp, err := svc.Generate(context.Background(), input(model.ModeChaotic, longContext))
	if err != nil {
		t.Fatal(err)
	}
	if resp.LockID != "lock_x" || resp.ActionID != "act_x" {
		t.Fatalf("provider ids replaced: %+v", resp)
	}
}

func TestPrimaryNeverDeletes(t *testing.T) {
	del := decision.Response{Action: "delete", Anchor: model.RangeAnchor(0, 10)}
	svc := New(&stub{resp: del})

	resp, err := svc.Generate(context.Background(), input(model.ModePrimary, longContext))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Action != "provoke" || resp.Anchor != nil || resp.Content != guardContent {
		t.Fatalf("expected guard provoke, got %+v", resp)
	}
}

func TestShortContextDeleteBecomesProvoke(t *testing.T) {
	del := decision.Response{Action: "delete", Anchor: model.RangeAnchor(0, 5)}
	svc := New(&stub{resp: del})

	short := strings.Repeat("x", MinDeleteContext-1)
	resp, err := svc.Generate(context.Background(), input(model.ModeChaotic, short))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Action != "provoke" || !strings.HasPrefix(resp.LockID, "lock_") {
		t.Fatalf("expected provoke, got %+v", resp)
	}

	resp, err = svc.Generate(context.Background(), input(model.ModeChaotic, strings.Repeat("x", MinDeleteContext)))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Action != "delete" {
		t.Fatalf("delete at the threshold should pass, got %+v", resp)
	}
}

func TestChaoticDeleteIsCleaned(t *testing.T) {
	del := decision.Response{Action: "delete", Content: "junk", LockID: "lock_junk", Anchor: model.RangeAnchor(40, 60)}
	svc := New(&stub{resp: del})

	resp, err := svc.Generate(context.Background(), input(model.ModeChaotic, longContext))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "" || resp.LockID != "" || resp.Anchor == nil {
		t.Fatalf("delete not cleaned: %+v", resp)
	}
	act, err := resp.ToAction()
	if err != nil {
		t.Fatal(err)
	}
	if act.Kind != model.Delete || act.Source != model.ModeChaotic {
		t.Fatalf("unexpected action %+v", act)
	}
}

func TestGenerateRejectsBadProviderOutput(t *testing.T) {
	cases := map[string]decision.Response{
		"unsupported":     {Action: "rewrite", Content: "x"},
		"empty provoke":   {Action: "provoke"},
		"delete no range": {Action: "delete"},
	}
	for name, resp := range cases {
		t.Run(name, func(t *testing.T) {
			svc := New(&stub{resp: resp})
			_, err := svc.Generate(context.Background(), input(model.ModeChaotic, longContext))
			var pe *ProviderError
			if !errors.As(err, &pe) || pe.Status != http.StatusInternalServerError {
				t.Fatalf("expected provider error, got %v", err)
			}
		})
	}
}

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{&ProviderError{Status: http.StatusTooManyRequests, Code: "RateLimited", Err: errors.New("x")}, 429, "RateLimited"},
		{context.DeadlineExceeded, 503, "ProviderUnavailable"},
		{errors.New("boom"), 500, "InternalServerError"},
	}
	for _, tc := range cases {
		status, code := statusOf(tc.err)
		if status != tc.status || code != tc.code {
			t.Errorf("statusOf(%v) = %d %s", tc.err, status, code)
		}
	}
}

func TestCacheExpiry(t *testing.T) {
	mock := clock.NewMock()
	c := NewCache(15*time.Second, mock)
	c.Set("k", decision.Response{ActionID: "act_1"})

	mock.Add(15 * time.Second)
	if r, ok := c.Get("k"); !ok || r.ActionID != "act_1" {
		t.Fatal("entry should live for the full TTL")
	}
	mock.Add(time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Fatal("entry should have expired")
	}

	c.Set("a", decision.Response{})
	c.Set("b", decision.Response{})
	mock.Add(16 * time.Second)
	c.Set("c", decision.Response{})
	if n := c.Cleanup(); n != 2 {
		t.Fatalf("Cleanup dropped %d entries, want 2", n)
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d", c.Len())
	}
}

func TestHeuristicPrimaryAlwaysProvokes(t *testing.T) {
	h := NewHeuristic(1)
	for i := 0; i < 50; i++ {
		resp, err := h.Generate(context.Background(), input(model.ModePrimary, longContext))
		if err != nil {
			t.Fatal(err)
		}
		if resp.Action != "provoke" || !strings.HasPrefix(resp.Content, "> [impetus:primary]") {
			t.Fatalf("unexpected response %+v", resp)
		}
	}
}

func TestHeuristicChaoticDeletesLastSentence(t *testing.T) {
	h := NewHeuristic(7)
	in := input(model.ModeChaotic, longContext)
	in.Meta.SelectionFrom, in.Meta.SelectionTo = 200, 200

	var provokes, deletes int
	for i := 0; i < 200; i++ {
		resp, err := h.Generate(context.Background(), in)
		if err != nil {
			t.Fatal(err)
		}
		switch resp.Action {
		case "provoke":
			provokes++
		case "delete":
			deletes++
			// " He kept counting anyway." is 25 runes and ends at the cursor.
			if resp.Anchor.From != 175 || resp.Anchor.To != 200 {
				t.Fatalf("unexpected range %+v", resp.Anchor)
			}
		}
	}
	if provokes == 0 || deletes == 0 {
		t.Fatalf("expected both kinds, got %d provokes and %d deletes", provokes, deletes)
	}
}

func TestHeuristicAnswersInChinese(t *testing.T) {
	h := NewHeuristic(3)
	resp, _ := h.Generate(context.Background(), input(model.ModePrimary, "他打开门，犹豫着要不要进去。"))
	if !hasHan(resp.Content) {
		t.Fatalf("expected a Chinese provocation, got %q", resp.Content)
	}
}
