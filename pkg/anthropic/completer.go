package anthropic

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrEmptyCompletion is returned when the model answers with no text.
var ErrEmptyCompletion = eris.New("anthropic: empty completion")

// Defaults for CompleterConfig.
const (
	DefaultModel     = "claude-haiku-4-5-20251001"
	DefaultMaxTokens = 1024
)

// CompleterConfig configures a Completer.
type CompleterConfig struct {
	Model     string
	MaxTokens int64
	// System is sent as a cached system block on every call.
	System      string
	Temperature *float64
	// Purpose labels usage logs.
	Purpose string
}

// Completer turns a single prompt into text with one Messages call.
type Completer struct {
	client Client
	cfg    CompleterConfig
}

// NewCompleter creates a Completer over client.
func NewCompleter(client Client, cfg CompleterConfig) *Completer {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Purpose == "" {
		cfg.Purpose = "complete"
	}
	return &Completer{client: client, cfg: cfg}
}

// Complete sends prompt as the user turn and returns the response text.
func (c *Completer) Complete(ctx context.Context, prompt string) (string, error) {
	req := MessageRequest{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		Messages:    []Message{{Role: "user", Content: prompt}},
		Temperature: c.cfg.Temperature,
	}
	if c.cfg.System != "" {
		req.System = BuildCachedSystemBlocks(c.cfg.System)
	}

	resp, err := c.client.CreateMessage(ctx, req)
	if err != nil {
		return "", eris.Wrap(err, "anthropic: complete")
	}
	resp.Usage.LogCost(c.cfg.Model, c.cfg.Purpose)

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", eris.Wrapf(ErrEmptyCompletion, "stop reason %q", resp.StopReason)
	}
	return text, nil
}

// BuildCachedSystemBlocks constructs system content blocks with a cache
// breakpoint set to a 1-hour TTL.
func BuildCachedSystemBlocks(text string) []SystemBlock {
	return []SystemBlock{{Text: text, CacheControl: &CacheControl{TTL: "1h"}}}
}
