package commentary

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/austindbirch/poolwatch/internal/resilience/circuitbreaker"
)

// Claude completes prompts with the Anthropic Messages API.
type Claude struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	timeout   time.Duration
	breaker   *circuitbreaker.CircuitBreaker
}

// NewClaude builds a client. Extra options are appended after the API key,
// e.g. option.WithBaseURL in tests.
func NewClaude(apiKey, model string, timeout time.Duration, opts ...option.RequestOption) *Claude {
	if model == "" {
		model = string(anthropic.ModelClaudeSonnet4_5_20250929)
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Claude{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: 512,
		timeout:   timeout,
		breaker:   circuitbreaker.New(circuitbreaker.CommentaryConfig("claude-api")),
	}
}

func (c *Claude) Name() string { return "anthropic" }

func (c *Claude) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.breaker.Execute(func() (any, error) {
		msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(c.model),
			MaxTokens: c.maxTokens,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			return nil, fmt.Errorf("claude api error: %w", err)
		}
		if len(msg.Content) == 0 {
			return nil, errors.New("claude api returned empty response")
		}
		block, ok := msg.Content[0].AsAny().(anthropic.TextBlock)
		if !ok {
			return nil, errors.New("claude api returned unexpected content type")
		}
		return block.Text, nil
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}
