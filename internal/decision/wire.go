package decision

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ppiankov/impetus/internal/model"
)

var validate = validator.New()

// Response is the wire form of a decision. It is shared with the service.
type Response struct {
	Action   string        `json:"action" validate:"required"`
	Content  string        `json:"content,omitempty" validate:"max=4000"`
	LockID   string        `json:"lock_id,omitempty" validate:"omitempty,max=100"`
	Anchor   *model.Anchor `json:"anchor,omitempty"`
	ActionID string        `json:"action_id" validate:"required,max=100"`
	Source   string        `json:"source,omitempty"`
	IssuedAt time.Time     `json:"issued_at"`
}

// ErrorBody is the JSON error payload returned on non-success statuses.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ValidateRequest checks a request before it is sent.
func ValidateRequest(req Request) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// DecodeResponse parses and validates a success body into an Action.
// A provoke anchor sent by an older service is dropped: provokes are placed
// at the live cursor.
func DecodeResponse(body []byte) (model.Action, error) {
	var w Response
	if err := json.Unmarshal(body, &w); err != nil {
		return model.Action{}, fmt.Errorf("%w: decode response: %v", ErrValidation, err)
	}
	if err := validate.Struct(w); err != nil {
		return model.Action{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return w.ToAction()
}

// ToAction converts the wire form into a validated Action.
func (w Response) ToAction() (model.Action, error) {
	act := model.Action{
		Kind:     model.ActionKind(strings.ToLower(w.Action)),
		Content:  w.Content,
		RegionID: w.LockID,
		Anchor:   w.Anchor,
		ActionID: w.ActionID,
		IssuedAt: w.IssuedAt,
	}
	if w.Source != "" {
		if mode, err := model.ParseMode(w.Source); err == nil {
			act.Source = mode
		}
	}

	switch act.Kind {
	case model.Provoke:
		act.Anchor = nil
	case model.Delete:
	default:
		return model.Action{}, fmt.Errorf("%w: %q", ErrUnsupportedAction, w.Action)
	}
	if err := act.Validate(); err != nil {
		return model.Action{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return act, nil
}

// FromAction builds the wire form of act.
func FromAction(act model.Action) Response {
	return Response{
		Action:   string(act.Kind),
		Content:  act.Content,
		LockID:   act.RegionID,
		Anchor:   act.Anchor,
		ActionID: act.ActionID,
		Source:   string(act.Source),
		IssuedAt: act.IssuedAt,
	}
}
