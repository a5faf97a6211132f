package anthropic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageResponse_Text(t *testing.T) {
	resp := &MessageResponse{Content: []ContentBlock{
		{Type: "text", Text: "part one "},
		{Type: "tool_use", Text: "ignored"},
		{Type: "text", Text: "part two"},
	}}
	assert.Equal(t, "part one part two", resp.Text())
}

func TestTokenUsage_Total(t *testing.T) {
	u := TokenUsage{
		InputTokens:              100,
		OutputTokens:             50,
		CacheCreationInputTokens: 20,
		CacheReadInputTokens:     30,
	}
	assert.Equal(t, int64(200), u.Total())
}

func TestTokenUsage_EstimateCost(t *testing.T) {
	u := TokenUsage{InputTokens: 1_000_000, OutputTokens: 1_000_000}

	cost := u.EstimateCost("claude-haiku-4-5-20251001")
	assert.InDelta(t, 4.80, cost, 0.001)

	assert.Zero(t, u.EstimateCost("unknown-model"))
}

func TestTokenUsage_EstimateCost_CacheTokens(t *testing.T) {
	u := TokenUsage{
		CacheCreationInputTokens: 1_000_000,
		CacheReadInputTokens:     1_000_000,
	}
	// writes cost 1.25x input, reads 0.1x input
	cost := u.EstimateCost("claude-haiku-4-5-20251001")
	assert.InDelta(t, 0.80*1.25+0.80*0.1, cost, 0.001)
}
