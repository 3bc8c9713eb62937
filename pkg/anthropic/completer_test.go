package anthropic

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestCompleter_Complete(t *testing.T) {
	mc := new(MockClient)
	c := NewCompleter(mc, CompleterConfig{System: "You write product copy.", Purpose: "rewrite"})

	mc.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req MessageRequest) bool {
		return req.Model == DefaultModel &&
			req.MaxTokens == DefaultMaxTokens &&
			len(req.System) == 1 && req.System[0].CacheControl != nil &&
			len(req.Messages) == 1 && req.Messages[0].Content == "Rewrite: mug"
	})).Return(&MessageResponse{
		Content:    []ContentBlock{{Type: "text", Text: "  A mug.  "}},
		StopReason: "end_turn",
	}, nil)

	text, err := c.Complete(context.Background(), "Rewrite: mug")
	require.NoError(t, err)
	assert.Equal(t, "A mug.", text)
	mc.AssertExpectations(t)
}

func TestCompleter_NoSystem(t *testing.T) {
	mc := new(MockClient)
	c := NewCompleter(mc, CompleterConfig{Model: "claude-sonnet-4-5-20250929", MaxTokens: 64})
	mc.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req MessageRequest) bool {
		return req.System == nil && req.Model == "claude-sonnet-4-5-20250929" && req.MaxTokens == 64
	})).Return(&MessageResponse{Content: []ContentBlock{{Type: "text", Text: "ok"}}}, nil)

	text, err := c.Complete(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
}

func TestCompleter_Empty(t *testing.T) {
	mc := new(MockClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).
		Return(&MessageResponse{StopReason: "max_tokens"}, nil)

	_, err := NewCompleter(mc, CompleterConfig{}).Complete(context.Background(), "p")
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestCompleter_ClientError(t *testing.T) {
	mc := new(MockClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("overloaded"))

	_, err := NewCompleter(mc, CompleterConfig{}).Complete(context.Background(), "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overloaded")
}
