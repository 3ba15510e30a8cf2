// Package service is the HTTP decision service: it answers
// generate-intervention requests from a Provider, enforces the per-mode
// action rules and replays responses for repeated idempotency keys.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ppiankov/impetus/internal/decision"
	"github.com/ppiankov/impetus/internal/model"
)

// MinDeleteContext is the shortest context, in runes, a delete is allowed
// for. Shorter contexts get a provoke instead.
const MinDeleteContext = 50

// guardContent is the provoke sent in place of a refused delete.
const guardContent = "> [impetus:guard] There is not enough here to take anything away. Keep writing."

// Service turns decision requests into actions.
type Service struct {
	provider Provider
	cache    *Cache
	limiter  *rate.Limiter
	clock    clock.Clock
	logger   *slog.Logger
	ttl      time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithClock injects the clock used for issued_at and cache expiry.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithIdempotencyTTL sets how long responses are replayed.
func WithIdempotencyTTL(d time.Duration) Option {
	return func(s *Service) { s.ttl = d }
}

// WithRateLimit answers 429 once more than perSecond requests arrive,
// allowing bursts of burst. Zero disables the limit.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Service) { s.SetRateLimit(perSecond, burst) }
}

// New creates a service backed by p.
func New(p Provider, opts ...Option) *Service {
	s := &Service{
		provider: p,
		clock:    clock.New(),
		logger:   slog.Default(),
		ttl:      DefaultIdempotencyTTL,
		limiter:  rate.NewLimiter(rate.Inf, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cache = NewCache(s.ttl, s.clock)
	return s
}

// SetRateLimit changes the request limit. It is safe to call while serving.
func (s *Service) SetRateLimit(perSecond float64, burst int) {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	s.limiter.SetLimit(limit)
	s.limiter.SetBurst(burst)
}

// Provider returns the active provider.
func (s *Service) Provider() Provider { return s.provider }

// Cache returns the idempotency cache.
func (s *Service) Cache() *Cache { return s.cache }

// Generate asks the provider for an action and applies the mode rules:
// primary mode only provokes, a delete needs at least MinDeleteContext runes
// of context, and missing action and lock ids are minted.
func (s *Service) Generate(ctx context.Context, in Input) (decision.Response, error) {
	resp, err := s.provider.Generate(ctx, in)
	if err != nil {
		return decision.Response{}, err
	}
	resp.Action = strings.ToLower(strings.TrimSpace(resp.Action))

	if resp.Action == string(model.Delete) {
		switch {
		case in.Mode != model.ModeChaotic:
			s.logger.Debug("delete refused outside chaotic mode", "mode", in.Mode)
			resp = guardProvoke(resp)
		case utf8.RuneCountInString(in.Context) < MinDeleteContext:
			s.logger.Debug("delete refused on short context", "runes", utf8.RuneCountInString(in.Context))
			resp = guardProvoke(resp)
		}
	}

	switch resp.Action {
	case string(model.Provoke):
		resp.Anchor = nil
		if resp.LockID == "" {
			resp.LockID = "lock_" + uuid.NewString()
		}
	case string(model.Delete):
		resp.Content = ""
		resp.LockID = ""
	default:
		return decision.Response{}, &ProviderError{
			Provider: s.provider.Name(), Status: http.StatusInternalServerError,
			Code: "UnsupportedAction", Err: fmt.Errorf("action %q", resp.Action),
		}
	}
	if resp.ActionID == "" {
		resp.ActionID = "act_" + uuid.NewString()
	}
	resp.Source = string(in.Mode)
	if resp.IssuedAt.IsZero() {
		resp.IssuedAt = s.clock.Now().UTC()
	}

	if _, err := resp.ToAction(); err != nil {
		return decision.Response{}, &ProviderError{
			Provider: s.provider.Name(), Status: http.StatusInternalServerError,
			Code: "InvalidProviderOutput", Err: err,
		}
	}
	return resp, nil
}

func guardProvoke(resp decision.Response) decision.Response {
	return decision.Response{
		Action:   string(model.Provoke),
		Content:  guardContent,
		ActionID: resp.ActionID,
		IssuedAt: resp.IssuedAt,
	}
}

// statusOf maps a Generate error to an HTTP status and error code.
func statusOf(err error) (int, string) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Status, pe.Code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable, "ProviderUnavailable"
	}
	return http.StatusInternalServerError, "InternalServerError"
}
