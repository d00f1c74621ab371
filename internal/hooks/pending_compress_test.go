package hooks

import (
	"context"
	"testing"
	"time"

	"github.com/WilliamJin123/tract/internal/history"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReviewCompressDraft(t *testing.T, rig *testRig, llm *fakeLlmClient) (*history.CompressDraft, *history.Compressor) {
	t.Helper()
	base := time.Now()
	rig.seedCommit(t, "main", "c1", "", nil, "APPEND", "", map[string]any{"role": "user", "text": "one"}, base)
	rig.seedCommit(t, "main", "c2", "c1", nil, "APPEND", "", map[string]any{"role": "assistant", "text": "two"}, base.Add(time.Second))
	rig.checkout(t, "main")

	compressor := rig.newCompressor(llm)
	result, draft, err := compressor.Compress(context.Background(), history.CompressOptions{
		Range: []string{"c1", "c2"}, Review: true,
	})
	require.NoError(t, err)
	require.Nil(t, result)
	require.NotNil(t, draft)
	return draft, compressor
}

func TestPendingCompress_ApproveCommitsDraftAsIs(t *testing.T) {
	rig := newTestRig(t)
	llm := &fakeLlmClient{responses: []string{"a short summary of the exchange"}}
	draft, compressor := newReviewCompressDraft(t, rig, llm)

	p := NewPendingCompress(draft, compressor, history.CompressOptions{}, noopCounter{})
	require.NoError(t, p.Approve(context.Background()))

	result := p.Result()
	require.NotNil(t, result)
	assert.ElementsMatch(t, []string{"c1", "c2"}, result.SourceCommits)
	require.Len(t, result.SummaryCommits, 1)
	assert.Equal(t, StatusApproved, p.Status())
}

func TestPendingCompress_EditSummaryReplacesGroupTextBeforeApprove(t *testing.T) {
	rig := newTestRig(t)
	llm := &fakeLlmClient{responses: []string{"original draft summary"}}
	draft, compressor := newReviewCompressDraft(t, rig, llm)

	p := NewPendingCompress(draft, compressor, history.CompressOptions{}, noopCounter{})
	require.NoError(t, p.EditSummary(0, "hand-edited summary text"))
	assert.Equal(t, "hand-edited summary text", p.ToDict()["summaries"].([]string)[0])

	require.NoError(t, p.Approve(context.Background()))
}

func TestPendingCompress_EditSummaryRejectsOutOfRangeIndex(t *testing.T) {
	rig := newTestRig(t)
	llm := &fakeLlmClient{responses: []string{"x"}}
	draft, compressor := newReviewCompressDraft(t, rig, llm)

	p := NewPendingCompress(draft, compressor, history.CompressOptions{}, noopCounter{})
	err := p.EditSummary(5, "doesn't matter")
	assert.Error(t, err)
}

func TestPendingCompress_RetryReSummarizesGroupThroughLlm(t *testing.T) {
	rig := newTestRig(t)
	llm := &fakeLlmClient{responses: []string{"first attempt", "second attempt with guidance"}}
	draft, compressor := newReviewCompressDraft(t, rig, llm)

	p := NewPendingCompress(draft, compressor, history.CompressOptions{}, noopCounter{})
	require.NoError(t, p.Retry(context.Background(), 0, "be more concise"))

	assert.Equal(t, "second attempt with guidance", p.ToDict()["summaries"].([]string)[0])
	assert.Equal(t, "be more concise", p.ToDict()["guidance"])
	require.Len(t, llm.requests, 2)
}

func TestPendingCompress_ValidateFlagsEmptyAndTooShortSummaries(t *testing.T) {
	rig := newTestRig(t)
	llm := &fakeLlmClient{responses: []string{"x"}}
	draft, compressor := newReviewCompressDraft(t, rig, llm)

	p := NewPendingCompress(draft, compressor, history.CompressOptions{}, noopCounter{})
	require.NoError(t, p.EditSummary(0, "short"))

	result, err := p.Validate(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Equal(t, 0, result.Index)
}

func TestPendingCompress_ValidateFlagsSummaryOverTokenBudget(t *testing.T) {
	rig := newTestRig(t)
	llm := &fakeLlmClient{responses: []string{"x"}}
	draft, compressor := newReviewCompressDraft(t, rig, llm)

	p := NewPendingCompress(draft, compressor, history.CompressOptions{TargetTokens: 5}, noopCounter{})
	require.NoError(t, p.EditSummary(0, "this summary text is far longer than five tokens worth of runes"))

	result, err := p.Validate(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Passed)
}

func TestPendingCompress_AutoRetryDrivesValidateRetryApproveLoop(t *testing.T) {
	rig := newTestRig(t)
	llm := &fakeLlmClient{responses: []string{"short", "a properly long replacement summary"}}
	draft, compressor := newReviewCompressDraft(t, rig, llm)

	p := NewPendingCompress(draft, compressor, history.CompressOptions{}, noopCounter{})
	// Force the first group's draft summary below the 10-char floor so the
	// first Validate() fails, then RetryWithGuidance pulls in llm's second
	// canned response, which should pass.
	require.NoError(t, p.EditSummary(0, "x"))
	require.NoError(t, AutoRetry(context.Background(), p, 2))
	assert.Equal(t, StatusApproved, p.Status())
}

func TestPendingCompress_RejectLeavesNothingCommitted(t *testing.T) {
	rig := newTestRig(t)
	llm := &fakeLlmClient{responses: []string{"a summary"}}
	draft, compressor := newReviewCompressDraft(t, rig, llm)

	p := NewPendingCompress(draft, compressor, history.CompressOptions{}, noopCounter{})
	require.NoError(t, p.Reject(context.Background(), "not ready"))
	assert.Nil(t, p.Result())
	assert.Equal(t, StatusRejected, p.Status())
}
