package commitengine

import (
	"context"
	"testing"

	"github.com/WilliamJin123/tract/internal/content"
	"github.com/WilliamJin123/tract/internal/dag"
	"github.com/WilliamJin123/tract/internal/storage"
	"github.com/WilliamJin123/tract/pkg/capability"
	"github.com/WilliamJin123/tract/pkg/constants"
	"github.com/WilliamJin123/tract/pkg/tracterr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wordCounter is a deterministic stand-in for a real tokenizer: one token
// per byte, so budget assertions in tests are easy to reason about.
type wordCounter struct{}

func (wordCounter) CountText(s string) (int, error) { return len(s), nil }
func (wordCounter) CountMessages(msgs []capability.Message) (int, error) {
	total := 0
	for _, m := range msgs {
		total += len(m.Content)
	}
	return total, nil
}

func newTestEngine(t *testing.T, budget *TokenBudgetConfig) (*Engine, *storage.Store) {
	t.Helper()
	ctx := context.Background()
	s, err := storage.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.UpsertRef(ctx, nil, storage.RefRow{
		TractID: "t1", RefName: constants.HeadRefName, SymbolicTarget: constants.BranchRefPrefix + constants.DefaultBranch,
	}))

	resolver := dag.NewResolver(s, "t1")
	registry := content.NewRegistry()
	return New(s, "t1", resolver, registry, wordCounter{}, budget), s
}

func TestCreateCommit_RootAndChild(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	root, err := e.CreateCommit(ctx, map[string]any{"text": "hello"}, CreateCommitOptions{ContentType: content.Instruction})
	require.NoError(t, err)
	assert.Empty(t, root.ParentHash)
	assert.NotEmpty(t, root.CommitHash)

	child, err := e.CreateCommit(ctx, map[string]any{"role": "user", "text": "hi"}, CreateCommitOptions{ContentType: content.Dialogue})
	require.NoError(t, err)
	assert.Equal(t, root.CommitHash, child.ParentHash)
	assert.NotEqual(t, root.CommitHash, child.CommitHash)
}

func TestCreateCommit_InvalidContentFailsValidation(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := e.CreateCommit(ctx, map[string]any{"role": "not-a-real-role", "text": "hi"}, CreateCommitOptions{ContentType: content.Dialogue})
	require.Error(t, err)
	var cv *tracterr.ContentValidation
	assert.ErrorAs(t, err, &cv)
}

func TestCreateCommit_InstructionDefaultsToPinned(t *testing.T) {
	e, s := newTestEngine(t, nil)
	ctx := context.Background()

	c, err := e.CreateCommit(ctx, map[string]any{"text": "system prompt"}, CreateCommitOptions{ContentType: content.Instruction})
	require.NoError(t, err)

	a, err := s.LatestAnnotation(ctx, "t1", c.CommitHash, nil)
	require.NoError(t, err)
	assert.Equal(t, "PINNED", a.Priority)
}

func TestCreateCommit_EditRequiresExistingNonEditTarget(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	orig, err := e.CreateCommit(ctx, map[string]any{"role": "assistant", "text": "draft"}, CreateCommitOptions{ContentType: content.Dialogue})
	require.NoError(t, err)

	edit, err := e.CreateCommit(ctx, map[string]any{"role": "assistant", "text": "revised"},
		CreateCommitOptions{ContentType: content.Dialogue, Operation: OperationEdit, ResponseTo: orig.CommitHash})
	require.NoError(t, err)
	assert.Equal(t, orig.CommitHash, edit.ResponseTo)

	_, err = e.CreateCommit(ctx, map[string]any{"role": "assistant", "text": "re-revised"},
		CreateCommitOptions{ContentType: content.Dialogue, Operation: OperationEdit, ResponseTo: edit.CommitHash})
	require.Error(t, err)
	var et *tracterr.EditTarget
	assert.ErrorAs(t, err, &et)

	_, err = e.CreateCommit(ctx, map[string]any{"role": "assistant", "text": "x"},
		CreateCommitOptions{ContentType: content.Dialogue, Operation: OperationEdit, ResponseTo: "doesnotexist"})
	require.Error(t, err)
	assert.ErrorAs(t, err, &et)
}

func TestCreateCommit_BudgetReject(t *testing.T) {
	e, _ := newTestEngine(t, &TokenBudgetConfig{MaxTokens: 5, Action: BudgetReject})
	ctx := context.Background()

	_, err := e.CreateCommit(ctx, map[string]any{"text": "this text is far longer than five bytes"}, CreateCommitOptions{ContentType: content.Instruction})
	require.Error(t, err)
	var be *tracterr.BudgetExceeded
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 5, be.MaxTokens)
}

func TestCreateCommit_BudgetWarnDoesNotBlock(t *testing.T) {
	e, _ := newTestEngine(t, &TokenBudgetConfig{MaxTokens: 5, Action: BudgetWarn})
	ctx := context.Background()

	c, err := e.CreateCommit(ctx, map[string]any{"text": "this text is far longer than five bytes"}, CreateCommitOptions{ContentType: content.Instruction})
	require.NoError(t, err)
	assert.NotEmpty(t, c.CommitHash)
}

func TestCreateCommit_BudgetCallback(t *testing.T) {
	called := false
	e, _ := newTestEngine(t, &TokenBudgetConfig{MaxTokens: 5, Action: BudgetCallback, Callback: func(current, max int) {
		called = true
		assert.Greater(t, current, max)
	}})
	ctx := context.Background()

	_, err := e.CreateCommit(ctx, map[string]any{"text": "this text is far longer than five bytes"}, CreateCommitOptions{ContentType: content.Instruction})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestCreateMergeCommit_RecordsExtraParents(t *testing.T) {
	e, s := newTestEngine(t, nil)
	ctx := context.Background()

	base, err := e.CreateCommit(ctx, map[string]any{"text": "base"}, CreateCommitOptions{ContentType: content.Instruction})
	require.NoError(t, err)

	other, err := e.CreateCommit(ctx, map[string]any{"role": "user", "text": "side branch"}, CreateCommitOptions{ContentType: content.Dialogue})
	require.NoError(t, err)

	merged, err := e.CreateMergeCommit(ctx, map[string]any{"role": "assistant", "text": "merged"}, content.Dialogue, []string{base.CommitHash, other.CommitHash}, "merge", nil)
	require.NoError(t, err)
	assert.Equal(t, base.CommitHash, merged.ParentHash)

	parents, err := s.GetCommitParents(ctx, merged.CommitHash)
	require.NoError(t, err)
	require.Len(t, parents, 2)
	assert.Equal(t, base.CommitHash, parents[0])
	assert.Equal(t, other.CommitHash, parents[1])
}

func TestAnnotate_UnknownTargetFails(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := e.Annotate(ctx, "doesnotexist", content.IMPORTANT, nil, "manual bump")
	require.Error(t, err)
	var cnf *tracterr.CommitNotFound
	assert.ErrorAs(t, err, &cnf)
}

func TestAnnotate_LatestWins(t *testing.T) {
	e, s := newTestEngine(t, nil)
	ctx := context.Background()

	c, err := e.CreateCommit(ctx, map[string]any{"role": "user", "text": "hi"}, CreateCommitOptions{ContentType: content.Dialogue})
	require.NoError(t, err)

	_, err = e.Annotate(ctx, c.CommitHash, content.IMPORTANT, nil, "first pass")
	require.NoError(t, err)
	_, err = e.Annotate(ctx, c.CommitHash, content.PINNED, &content.RetentionCriteria{Instructions: []string{"keep verbatim"}}, "escalated")
	require.NoError(t, err)

	latest, err := s.LatestAnnotation(ctx, "t1", c.CommitHash, nil)
	require.NoError(t, err)
	assert.Equal(t, "PINNED", latest.Priority)
	assert.Equal(t, "escalated", latest.Reason)
}

func TestGetCommit_NotFoundTranslatesToTracterr(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	_, err := e.GetCommit(context.Background(), "doesnotexist")
	require.Error(t, err)
	var cnf *tracterr.CommitNotFound
	assert.ErrorAs(t, err, &cnf)
}
