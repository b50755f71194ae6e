// Package commentary asks a language model for a title and a one-line joke
// about a token.
package commentary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/austindbirch/poolwatch/internal/activity"
	"github.com/austindbirch/poolwatch/internal/logging"
	"github.com/austindbirch/poolwatch/internal/metrics"
	"github.com/austindbirch/poolwatch/internal/resilience/retry"
)

// ErrInvalidResponse means the model answered with something other than a
// {"title","comment"} object.
var ErrInvalidResponse = errors.New("commentary: invalid model response")

// Completer sends one prompt and returns the model's text.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Name() string
}

const promptTemplate = `Given the metadata for an NFT delimited by triple-double-quotes ("""), and the context of an event delimited by double-single-quotes ('') write a title and funny one-line comment about the nft, feel free to makeup a name for the NFT. The response should be a valid JSON object with keys 'title' and 'comment'.
METADATA:
"""
%s
"""
CONTEXT:
''
%s
''
`

// BuildPrompt renders the prompt for metadata and a transfer context.
func BuildPrompt(metadata any, txContext string) (string, error) {
	b, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return fmt.Sprintf(promptTemplate, b, txContext), nil
}

// Parse decodes a model answer. The answer must be a JSON object holding
// exactly the string keys title and comment, both non-empty. A surrounding
// markdown code fence is tolerated.
func Parse(text string) (activity.Commentary, error) {
	body := strings.TrimSpace(text)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```json")
		body = strings.TrimPrefix(body, "```")
		body = strings.TrimSuffix(strings.TrimSpace(body), "```")
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.DisallowUnknownFields()
	var c activity.Commentary
	if err := dec.Decode(&c); err != nil {
		return activity.Commentary{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if dec.More() {
		return activity.Commentary{}, fmt.Errorf("%w: trailing data", ErrInvalidResponse)
	}
	if strings.TrimSpace(c.Title) == "" || strings.TrimSpace(c.Comment) == "" {
		return activity.Commentary{}, fmt.Errorf("%w: title and comment are required", ErrInvalidResponse)
	}
	return c, nil
}

// Generator wraps a Completer with a bounded retry. Request failures and
// unparseable answers each consume one attempt; attempts are not spaced out.
type Generator struct {
	completer Completer
	attempts  int
	logger    *logging.Logger
}

func NewGenerator(c Completer, attempts int, logger *logging.Logger) *Generator {
	if logger == nil {
		logger = logging.New("commentary")
	}
	return &Generator{completer: c, attempts: attempts, logger: logger}
}

// Generate returns commentary for metadata, or an error wrapping
// retry.ErrExhausted when every attempt failed.
func (g *Generator) Generate(ctx context.Context, metadata any, txContext string) (activity.Commentary, error) {
	prompt, err := BuildPrompt(metadata, txContext)
	if err != nil {
		return activity.Commentary{}, err
	}

	var out activity.Commentary
	err = retry.Do(ctx, retry.Config{MaxAttempts: g.attempts}, func(attempt int) error {
		text, err := g.completer.Complete(ctx, prompt)
		if err != nil {
			metrics.RecordCommentaryAttempt(g.completer.Name(), "request_error")
			g.logger.WithContext(ctx).WithError(err).WithField("attempt", attempt).Warn("commentary request failed")
			return err
		}
		c, err := Parse(text)
		if err != nil {
			metrics.RecordCommentaryAttempt(g.completer.Name(), "invalid_response")
			g.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"attempt":  attempt,
				"response": text,
			}).Warn("commentary response rejected")
			return err
		}
		metrics.RecordCommentaryAttempt(g.completer.Name(), "ok")
		out = c
		return nil
	})
	if err != nil {
		return activity.Commentary{}, fmt.Errorf("generate commentary: %w", err)
	}
	return out, nil
}
