package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/ppiankov/impetus/internal/model"
)

// Path is the decision endpoint relative to the service base URL.
const Path = "/api/v1/impetus/generate-intervention"

const maxResponseBytes = 64 << 10

var tracer = otel.Tracer("impetus.decision")

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	BaseURL string
	Timeout time.Duration // per attempt, default 10s
	Retries int           // extra attempts on network failures; 0 means 2, negative disables
	Backoff time.Duration // delay before retry n is n*Backoff, default 500ms
	// RatePerSecond paces outgoing requests; zero disables pacing.
	RatePerSecond float64
	Burst         int
}

// HTTPClient calls the remote decision service. Retries of one request reuse
// its Idempotency-Key so the service answers them from its cache.
type HTTPClient struct {
	cfg     HTTPConfig
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) { h.http = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) HTTPOption {
	return func(h *HTTPClient) { h.logger = l }
}

// NewHTTPClient creates a client for the service at cfg.BaseURL.
func NewHTTPClient(cfg HTTPConfig, opts ...HTTPOption) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("decision: base URL is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	} else if cfg.Retries == 0 {
		cfg.Retries = 2
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}

	h := &HTTPClient{
		cfg:    cfg,
		http:   &http.Client{},
		logger: slog.Default(),
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Decide posts req and decodes the chosen action. Network failures and 5xx
// responses are retried; every other failure returns immediately.
func (h *HTTPClient) Decide(ctx context.Context, req Request) (model.Action, error) {
	if err := ValidateRequest(req); err != nil {
		return model.Action{}, err
	}
	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}

	ctx, span := tracer.Start(ctx, "decision.Decide")
	defer span.End()
	span.SetAttributes(
		attribute.String("impetus.mode", string(req.Mode)),
		attribute.String("impetus.idempotency_key", key),
		attribute.Int("impetus.context_runes", len([]rune(req.Context))),
	)

	body, err := json.Marshal(req)
	if err != nil {
		return model.Action{}, fmt.Errorf("encode request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= h.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return model.Action{}, fail(span, &NetworkError{Op: "retry", Err: ctx.Err()})
			case <-time.After(time.Duration(attempt) * h.cfg.Backoff):
			}
		}
		if h.limiter != nil {
			if err := h.limiter.Wait(ctx); err != nil {
				return model.Action{}, fail(span, &NetworkError{Op: "rate wait", Err: err})
			}
		}

		act, err := h.do(ctx, key, body)
		if err == nil {
			span.SetAttributes(attribute.String("impetus.action", string(act.Kind)))
			span.SetStatus(codes.Ok, "")
			return act, nil
		}
		lastErr = err
		if !IsNetwork(err) || ctx.Err() != nil {
			break
		}
		h.logger.Debug("decision attempt failed", "attempt", attempt+1, "key", key, "error", err)
	}
	return model.Action{}, fail(span, lastErr)
}

func (h *HTTPClient) do(ctx context.Context, key string, body []byte) (model.Action, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.BaseURL+Path, bytes.NewReader(body))
	if err != nil {
		return model.Action{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderIdempotencyKey, key)
	httpReq.Header.Set(HeaderContractVersion, ContractVersion)

	resp, err := h.http.Do(httpReq)
	if err != nil {
		return model.Action{}, &NetworkError{Op: "post", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return model.Action{}, &NetworkError{Op: "read response", Err: err}
	}

	if resp.StatusCode == http.StatusOK {
		return DecodeResponse(data)
	}
	return model.Action{}, statusError(resp.StatusCode, data)
}

func statusError(code int, body []byte) error {
	var eb ErrorBody
	_ = json.Unmarshal(body, &eb)
	msg := eb.Message
	if msg == "" {
		msg = eb.Error
	}

	se := &StatusError{Code: code, Message: msg}
	switch {
	case code == http.StatusBadRequest:
		se.Err = ErrInvalidAnchor
	case code == http.StatusUnprocessableEntity:
		se.Err = ErrValidation
	case code == http.StatusTooManyRequests:
		se.Err = ErrRateLimited
	case code >= 500:
		return &NetworkError{Op: "server", Err: se}
	default:
		se.Err = ErrValidation
	}
	return se
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
