package mcp

import (
	"context"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/impetus/internal/model"
)

// --- Input/Output types ---

// StatusInput is empty: no parameters needed.
type StatusInput struct{}

// StatusOutput summarizes engine.Status in plain fields.
type StatusOutput struct {
	SessionID   string `json:"session_id"`
	Mode        string `json:"mode"`
	Paused      bool   `json:"paused"`
	Failures    int    `json:"consecutive_failures"`
	DocVersion  int    `json:"doc_version"`
	Length      int    `json:"length"`
	CursorFrom  int    `json:"cursor_from"`
	CursorTo    int    `json:"cursor_to"`
	Locks       int    `json:"locks"`
	Activity    string `json:"activity"`
	ChaosActive bool   `json:"chaos_active"`
	ChaosNext   string `json:"chaos_next,omitempty"`
}

// CheckEditInput describes a user edit replacing [from, to) with text.
type CheckEditInput struct {
	From int    `json:"from" jsonschema:"start offset in runes"`
	To   int    `json:"to" jsonschema:"end offset in runes (equal to from for an insert)"`
	Text string `json:"text,omitempty" jsonschema:"replacement text"`
}

// CheckEditOutput contains the guard decision.
type CheckEditOutput struct {
	Allowed  bool   `json:"allowed"`
	RegionID string `json:"region_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Rule     string `json:"rule,omitempty"`
}

// TriggerInput selects synchronous or background triggering.
type TriggerInput struct {
	Wait    bool   `json:"wait,omitempty" jsonschema:"run the intervention synchronously and report it"`
	Timeout string `json:"timeout,omitempty" jsonschema:"bound for a synchronous run (e.g. 15s)"`
}

// TriggerOutput reports a trigger. Action fields are set only for
// synchronous runs that applied something.
type TriggerOutput struct {
	Fired    bool   `json:"fired"`
	Action   string `json:"action,omitempty"`
	ActionID string `json:"action_id,omitempty"`
	RegionID string `json:"region_id,omitempty"`
	Removed  string `json:"removed,omitempty"`
	Retried  bool   `json:"retried,omitempty"`
	Error    string `json:"error,omitempty"`
}

// LocksInput is empty: no parameters needed.
type LocksInput struct{}

// LocksOutput lists the locked regions.
type LocksOutput struct {
	Locks []LockItem `json:"locks"`
}

// LockItem describes a single locked region.
type LockItem struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	CreatedAt string `json:"created_at,omitempty"`
	From      int    `json:"from"`
	To        int    `json:"to"`
	Text      string `json:"text"`
	Orphaned  bool   `json:"orphaned,omitempty"`
}

// PauseInput pauses or resumes the triggers.
type PauseInput struct {
	Resume bool   `json:"resume,omitempty" jsonschema:"resume instead of pausing"`
	Reason string `json:"reason,omitempty" jsonschema:"why the session is paused"`
}

// PauseOutput reports the pause state after the call.
type PauseOutput struct {
	Paused bool `json:"paused"`
}

// --- Handlers ---

func (s *Server) handleStatus(ctx context.Context, req *mcpsdk.CallToolRequest, input StatusInput) (*mcpsdk.CallToolResult, StatusOutput, error) {
	st := s.session.Status()
	out := StatusOutput{
		SessionID:   st.SessionID,
		Mode:        string(st.Mode),
		Paused:      st.Paused,
		Failures:    st.Failures,
		DocVersion:  st.DocVersion,
		Length:      st.Length,
		CursorFrom:  st.Selection.From,
		CursorTo:    st.Selection.To,
		Locks:       st.Locks,
		Activity:    st.Activity.State.String(),
		ChaosActive: st.ChaosActive,
	}
	if st.ChaosNext != nil {
		out.ChaosNext = st.ChaosNext.ScheduledAt.UTC().Format(time.RFC3339)
	}
	return nil, out, nil
}

func (s *Server) handleCheckEdit(ctx context.Context, req *mcpsdk.CallToolRequest, input CheckEditInput) (*mcpsdk.CallToolResult, CheckEditOutput, error) {
	if input.From < 0 || input.To < input.From {
		return nil, CheckEditOutput{}, fmt.Errorf("invalid range [%d, %d)", input.From, input.To)
	}
	v := s.session.CheckEdit(model.Replace(input.From, input.To, input.Text))
	out := CheckEditOutput{
		Allowed:  v.Allowed,
		RegionID: v.RegionID,
		Reason:   v.Reason,
		Rule:     v.Rule,
	}
	return nil, out, nil
}

func (s *Server) handleTrigger(ctx context.Context, req *mcpsdk.CallToolRequest, input TriggerInput) (*mcpsdk.CallToolResult, TriggerOutput, error) {
	if !input.Wait {
		if err := s.session.Trigger(); err != nil {
			return &mcpsdk.CallToolResult{IsError: true}, TriggerOutput{Error: err.Error()}, nil
		}
		return nil, TriggerOutput{Fired: true}, nil
	}

	if input.Timeout != "" {
		d, err := time.ParseDuration(input.Timeout)
		if err != nil {
			return nil, TriggerOutput{}, fmt.Errorf("invalid timeout %q: %w", input.Timeout, err)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	out, err := s.session.Intervene(ctx)
	if err != nil {
		s.logger.Debug("mcp trigger produced no intervention", "error", err)
		return &mcpsdk.CallToolResult{IsError: true}, TriggerOutput{Fired: true, Error: err.Error()}, nil
	}
	return nil, TriggerOutput{
		Fired:    true,
		Action:   string(out.Action.Kind),
		ActionID: out.Action.ActionID,
		RegionID: out.Result.RegionID,
		Removed:  out.Result.Removed,
		Retried:  out.Retried,
	}, nil
}

func (s *Server) handleLocks(ctx context.Context, req *mcpsdk.CallToolRequest, input LocksInput) (*mcpsdk.CallToolResult, LocksOutput, error) {
	locks := s.session.Locks()
	items := make([]LockItem, 0, len(locks))
	for _, l := range locks {
		item := LockItem{
			ID:     l.Region.ID,
			Source: string(l.Region.Source),
			Text:   l.Text,
		}
		if !l.Region.CreatedAt.IsZero() {
			item.CreatedAt = l.Region.CreatedAt.UTC().Format(time.RFC3339)
		}
		if l.Span != nil {
			item.From, item.To = l.Span.From, l.Span.To
		} else {
			item.Orphaned = true
		}
		items = append(items, item)
	}
	return nil, LocksOutput{Locks: items}, nil
}

func (s *Server) handlePause(ctx context.Context, req *mcpsdk.CallToolRequest, input PauseInput) (*mcpsdk.CallToolResult, PauseOutput, error) {
	if input.Resume {
		if err := s.session.Resume(); err != nil {
			return nil, PauseOutput{}, err
		}
	} else {
		reason := input.Reason
		if reason == "" {
			reason = "paused over mcp"
		}
		s.session.Pause(reason)
	}
	return nil, PauseOutput{Paused: s.session.Status().Paused}, nil
}
