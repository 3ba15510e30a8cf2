package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/ppiankov/impetus/internal/config"
	"github.com/ppiankov/impetus/internal/decision"
	"github.com/ppiankov/impetus/internal/engine"
	"github.com/ppiankov/impetus/internal/model"
)

const primaryPrompt = `You are a pressure agent inside a writing tool. The writer has stopped.
Break their mental set with one unsettling question or an unexpected plot turn.
One or two sentences. Never encourage, summarize or give writing advice.
Answer in the language of the writer's text.
Reply with a JSON object: {"action": "provoke", "content": "<text>"}.`

const chaoticPrompt = `You are a chaos agent inside a writing tool. A random timer fired.
Either PROVOKE with one unsettling question or twist, or DELETE the writer's
most comfortable recent sentence. Provoke about 60% of the time. Never explain
or warn. Answer in the language of the writer's text.
Reply with a JSON object: {"action": "provoke", "content": "<text>"} or {"action": "delete"}.`

// OpenAIProvider asks an OpenAI-compatible chat model for the decision.
// Delete ranges are chosen locally: the model only picks the action.
type OpenAIProvider struct {
	client *openai.Client
	model  string
	tok    engine.Tokenizer
	logger *slog.Logger
}

// NewOpenAIProvider creates a provider from cfg. The API key is read from
// the environment variable cfg.APIKeyEnv.
func NewOpenAIProvider(cfg config.OpenAIConfig, logger *slog.Logger) (*OpenAIProvider, error) {
	env := cfg.APIKeyEnv
	if env == "" {
		env = "OPENAI_API_KEY"
	}
	key := os.Getenv(env)
	if key == "" {
		return nil, fmt.Errorf("openai provider: %s is not set", env)
	}
	oc := openai.DefaultConfig(key)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := cfg.Model
	if m == "" {
		m = openai.GPT4oMini
	}
	logger.Info("initializing openai provider", "model", m, "base_url", oc.BaseURL)
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(oc),
		model:  m,
		tok:    engine.SentenceTokenizer{},
		logger: logger,
	}, nil
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return "openai" }

type modelReply struct {
	Action  string `json:"action"`
	Content string `json:"content"`
}

// Generate implements Provider.
func (p *OpenAIProvider) Generate(ctx context.Context, in Input) (decision.Response, error) {
	system := primaryPrompt
	if in.Mode == model.ModeChaotic {
		system = chaoticPrompt
	}
	req := openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: "---\n" + in.Context + "\n---"},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return decision.Response{}, p.classify(err)
	}
	if len(resp.Choices) == 0 {
		return decision.Response{}, &ProviderError{
			Provider: p.Name(), Status: http.StatusInternalServerError,
			Code: "EmptyCompletion", Err: errors.New("model returned no choices"),
		}
	}
	p.logger.Debug("completion received", "finish_reason", resp.Choices[0].FinishReason)

	var reply modelReply
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &reply); err != nil {
		return decision.Response{}, &ProviderError{
			Provider: p.Name(), Status: http.StatusInternalServerError,
			Code: "InvalidProviderOutput", Err: err,
		}
	}

	if strings.EqualFold(reply.Action, string(model.Delete)) {
		if a, ok := lastSentenceRange(p.tok, in.Context, in.Cursor()); ok {
			return decision.Response{Action: string(model.Delete), Anchor: a}, nil
		}
		return decision.Response{Action: string(model.Provoke), Content: provocation(in.Mode, in.Context, 0)}, nil
	}
	content := strings.TrimSpace(reply.Content)
	if content != "" && !strings.HasPrefix(content, ">") {
		content = fmt.Sprintf("> [impetus:%s] %s", in.Mode, content)
	}
	return decision.Response{Action: reply.Action, Content: content}, nil
}

func (p *OpenAIProvider) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		status := http.StatusInternalServerError
		code := "ProviderError"
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			status, code = http.StatusTooManyRequests, "RateLimited"
		}
		return &ProviderError{Provider: p.Name(), Status: status, Code: code, Err: err}
	}
	return &ProviderError{
		Provider: p.Name(), Status: http.StatusServiceUnavailable,
		Code: "ProviderUnavailable", Err: err,
	}
}

// NewProvider builds the provider named by cfg.Provider.
func NewProvider(cfg config.ServiceConfig, seed uint64, logger *slog.Logger) (Provider, error) {
	switch cfg.Provider {
	case "", "heuristic":
		return NewHeuristic(seed), nil
	case "openai":
		return NewOpenAIProvider(cfg.OpenAI, logger)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
