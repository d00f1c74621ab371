package hooks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingToolResult_EditResultUpdatesContentAndTokenCount(t *testing.T) {
	p := NewPendingToolResult("search", "original output", 16, false, noopCounter{}, nil)
	require.NoError(t, p.EditResult("trimmed"))

	assert.Equal(t, "trimmed", p.Content())
	assert.Equal(t, len("trimmed"), p.TokenCount())

	d := p.ToDict()
	assert.Equal(t, "original output", d["original_content"])
	assert.Equal(t, "trimmed", d["content"])
}

func TestPendingToolResult_SummarizeReplacesContentWithLlmOutput(t *testing.T) {
	llm := &fakeLlmClient{responses: []string{"concise summary"}}
	p := NewPendingToolResult("fetch_url", "a very long page of scraped text", 200, false, noopCounter{}, llm)

	require.NoError(t, p.Summarize(context.Background(), "keep any URLs mentioned", false))
	assert.Equal(t, "concise summary", p.Content())
	require.Len(t, llm.requests, 1)
	assert.Contains(t, llm.requests[0].Messages[0].Content, "keep any URLs mentioned")
	assert.Contains(t, llm.requests[0].Messages[0].Content, "fetch_url")
}

func TestPendingToolResult_SummarizeWithoutLlmConfiguredErrors(t *testing.T) {
	p := NewPendingToolResult("search", "content", 7, false, noopCounter{}, nil)
	err := p.Summarize(context.Background(), "", false)
	assert.Error(t, err)
}

func TestPendingToolResult_ApproveLeavesContentAsIsWhenNeverEdited(t *testing.T) {
	p := NewPendingToolResult("search", "original output", 16, true, noopCounter{}, nil)
	require.NoError(t, p.Approve(context.Background()))
	assert.Equal(t, "original output", p.Content())
	assert.True(t, p.ToDict()["is_error"].(bool))
}

func TestPendingToolResult_EditResultAfterApproveFails(t *testing.T) {
	p := NewPendingToolResult("search", "original", 8, false, noopCounter{}, nil)
	require.NoError(t, p.Approve(context.Background()))
	err := p.EditResult("too late")
	assert.ErrorIs(t, err, ErrNotPending)
}
