package commentary

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/austindbirch/poolwatch/internal/resilience/circuitbreaker"
)

// OpenAI completes prompts with the chat completions API.
type OpenAI struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	breaker *circuitbreaker.CircuitBreaker
}

func NewOpenAI(apiKey, model string, timeout time.Duration) *OpenAI {
	return NewOpenAIWithConfig(openai.DefaultConfig(apiKey), model, timeout)
}

// NewOpenAIWithConfig allows a custom base URL or HTTP client.
func NewOpenAIWithConfig(cfg openai.ClientConfig, model string, timeout time.Duration) *OpenAI {
	if model == "" {
		model = openai.GPT4
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAI{
		client:  openai.NewClientWithConfig(cfg),
		model:   model,
		timeout: timeout,
		breaker: circuitbreaker.New(circuitbreaker.CommentaryConfig("openai-api")),
	}
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	res, err := o.breaker.Execute(func() (any, error) {
		resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: o.model,
			Messages: []openai.ChatCompletionMessage{{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			}},
		})
		if err != nil {
			return nil, fmt.Errorf("openai api error: %w", err)
		}
		if len(resp.Choices) == 0 {
			return nil, errors.New("openai api returned no choices")
		}
		return resp.Choices[0].Message.Content, nil
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}
