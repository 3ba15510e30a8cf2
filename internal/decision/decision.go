// Package decision is the boundary to the remote service that chooses the
// next intervention. The engine depends only on Client.
package decision

import (
	"context"
	"errors"
	"fmt"

	"github.com/ppiankov/impetus/internal/model"
)

// ContractVersion is sent with every request in the X-Contract-Version
// header.
const ContractVersion = "1.0.1"

// Headers used by the decision contract.
const (
	HeaderIdempotencyKey  = "Idempotency-Key"
	HeaderContractVersion = "X-Contract-Version"
)

// Meta describes the client document at request time.
type Meta struct {
	DocVersion    int `json:"doc_version" validate:"gte=0"`
	SelectionFrom int `json:"selection_from" validate:"gte=0"`
	SelectionTo   int `json:"selection_to" validate:"gte=0,gtefield=SelectionFrom"`
}

// Request is one decision call.
type Request struct {
	Context        string     `json:"context" validate:"required"`
	Mode           model.Mode `json:"mode" validate:"required,oneof=primary chaotic"`
	Meta           Meta       `json:"client_meta"`
	IdempotencyKey string     `json:"-"`
}

// Client chooses an intervention for a context.
type Client interface {
	Decide(ctx context.Context, req Request) (model.Action, error)
}

var (
	// ErrInvalidAnchor maps HTTP 400: the service rejected the request or
	// its anchor.
	ErrInvalidAnchor = errors.New("decision: invalid anchor or bad request")
	// ErrValidation maps HTTP 422 and malformed responses.
	ErrValidation = errors.New("decision: validation failed")
	// ErrRateLimited maps HTTP 429.
	ErrRateLimited = errors.New("decision: rate limited")
	// ErrUnsupportedAction means the response carried an unknown action kind.
	ErrUnsupportedAction = errors.New("decision: unsupported action")
)

// StatusError is a non-success HTTP status from the service.
type StatusError struct {
	Code    int
	Message string
	Err     error // one of the sentinel errors, nil for 5xx
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("decision service returned HTTP %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("decision service returned HTTP %d", e.Code)
}

func (e *StatusError) Unwrap() error { return e.Err }

// NetworkError covers transport failures, timeouts and 5xx responses.
// Only NetworkErrors count toward the auto-pause threshold.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("decision %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsNetwork reports whether err is a NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
