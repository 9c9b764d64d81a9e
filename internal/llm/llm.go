// Package llm is the chat-completion side of risk assessment.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gustycube/sensorwatch/internal/metrics"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// ErrUnavailable means every configured endpoint failed.
var ErrUnavailable = errors.New("all model endpoints unavailable")

const (
	RoleSystem = openai.ChatMessageRoleSystem
	RoleUser   = openai.ChatMessageRoleUser
)

type Message struct {
	Role    string
	Content string
}

// ChatModel turns a conversation into a free-text reply.
type ChatModel interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// Endpoint is one OpenAI-compatible chat completions provider.
type Endpoint struct {
	BaseURL string `yaml:"base_url" json:"base_url"`
	Model   string `yaml:"model" json:"model"`
	APIKey  string `yaml:"-" json:"-"`
	// APIKeyEnv names the environment variable holding APIKey.
	APIKeyEnv string `yaml:"api_key_env" json:"api_key_env"`
}

type Options struct {
	Temperature float32
	MaxTokens   int
	// AttemptTimeout bounds each endpoint attempt separately from the caller's deadline.
	AttemptTimeout time.Duration
}

type endpointClient struct {
	ep     Endpoint
	client *openai.Client
}

// OpenAIChat tries its endpoints in order and returns the first usable reply.
type OpenAIChat struct {
	endpoints []endpointClient
	opts      Options
	log       *zap.SugaredLogger
}

// NewOpenAIChat builds the fallback chain. doer carries every request, typically a
// httpclient.ResilientClient so a dead endpoint is skipped quickly.
func NewOpenAIChat(endpoints []Endpoint, doer openai.HTTPDoer, opts Options, log *zap.SugaredLogger) (*OpenAIChat, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("no model endpoints configured")
	}
	if opts.Temperature == 0 {
		opts.Temperature = 0.1
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4000
	}
	c := &OpenAIChat{opts: opts, log: log}
	for _, ep := range endpoints {
		cfg := openai.DefaultConfig(ep.APIKey)
		if ep.BaseURL != "" {
			cfg.BaseURL = strings.TrimSuffix(ep.BaseURL, "/")
		}
		if doer != nil {
			cfg.HTTPClient = doer
		}
		c.endpoints = append(c.endpoints, endpointClient{ep: ep, client: openai.NewClientWithConfig(cfg)})
	}
	return c, nil
}

// Name is the primary endpoint's model.
func (c *OpenAIChat) Name() string { return c.endpoints[0].ep.Model }

func (c *OpenAIChat) request(messages []Message, model string) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:       model,
		Temperature: c.opts.Temperature,
		MaxTokens:   c.opts.MaxTokens,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return req
}

func (c *OpenAIChat) Complete(ctx context.Context, messages []Message) (string, error) {
	var lastErr error
	for i, ec := range c.endpoints {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		text, err := c.try(ctx, ec, c.request(messages, ec.ep.Model))
		if err == nil {
			metrics.ModelCalls.WithLabelValues(ec.ep.BaseURL, "ok").Inc()
			if i > 0 {
				c.log.Infow("model fallback succeeded", "endpoint", i+1, "model", ec.ep.Model, "failures", i)
			}
			return text, nil
		}
		metrics.ModelCalls.WithLabelValues(ec.ep.BaseURL, "error").Inc()
		c.log.Warnw("model endpoint failed", "endpoint", i+1, "model", ec.ep.Model, "status", StatusCode(err), "err", err)
		lastErr = err
	}
	return "", fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (c *OpenAIChat) try(ctx context.Context, ec endpointClient, req openai.ChatCompletionRequest) (string, error) {
	if c.opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.AttemptTimeout)
		defer cancel()
	}
	resp, err := ec.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices in reply")
	}
	text := resp.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return "", errors.New("empty reply")
	}
	return text, nil
}

// StatusCode extracts the HTTP status from a go-openai error, 0 if there is none.
func StatusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
