package cache

import (
	"context"
	"testing"
	"time"

	"github.com/WilliamJin123/tract/internal/compiler"
	"github.com/WilliamJin123/tract/internal/content"
	"github.com/WilliamJin123/tract/internal/dag"
	"github.com/WilliamJin123/tract/internal/hashing"
	"github.com/WilliamJin123/tract/internal/storage"
	"github.com/WilliamJin123/tract/pkg/capability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCounter struct{}

func (stubCounter) CountText(s string) (int, error) { return len(s), nil }
func (stubCounter) CountMessages(msgs []capability.Message) (int, error) {
	total := 3 // response primer
	for _, m := range msgs {
		total += len(m.Content)
	}
	return total, nil
}

func newTestManager(t *testing.T) (*Manager, *storage.Store) {
	t.Helper()
	s, err := storage.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	resolver := dag.NewResolver(s, "t1")
	comp := compiler.New(s, "t1", resolver, stubCounter{})
	mgr, err := NewManager(s, comp, stubCounter{}, 16, false)
	require.NoError(t, err)
	return mgr, s
}

func seedCommit(t *testing.T, s *storage.Store, hash, parent string, contentType string, payload map[string]any, operation, responseTo string, at time.Time) storage.CommitRow {
	t.Helper()
	ctx := context.Background()
	contentHash, err := hashing.ContentHash(payload)
	require.NoError(t, err)
	canon, err := hashing.CanonicalJSON(payload)
	require.NoError(t, err)
	require.NoError(t, s.SaveBlobIfAbsent(ctx, storage.BlobRow{ContentHash: contentHash, PayloadJSON: canon, ByteSize: int64(len(canon)), CreatedAt: at}))

	row := storage.CommitRow{
		CommitHash: hash, TractID: "t1", ParentHash: parent, ContentHash: contentHash,
		ContentType: contentType, Operation: operation, ResponseTo: responseTo, CreatedAt: at,
	}
	require.NoError(t, s.InsertCommit(ctx, nil, row, nil))
	return row
}

func TestExtendForAppend_BuildsOnTopOfParentSnapshot(t *testing.T) {
	mgr, s := newTestManager(t)
	ctx := context.Background()
	base := time.Now()

	c1 := seedCommit(t, s, "c1", "", "dialogue", map[string]any{"role": "user", "text": "hi"}, "APPEND", "", base)
	msg1, genConfig1, err := mgr.compiler.BuildMessage(ctx, c1, c1, false, false)
	require.NoError(t, err)
	tok1, err := mgr.perMessageTokens(msg1)
	require.NoError(t, err)

	root := &CompileSnapshot{
		HeadHash: "c1", Messages: []capability.Message{msg1}, CommitHashes: []string{"c1"}, CommitCount: 1,
		TokenCount: tok1 + 3, TokenSource: "computed", GenerationConfigs: []map[string]any{genConfig1}, MessageTokenCounts: []int{tok1},
	}
	mgr.Put(root)

	c2 := seedCommit(t, s, "c2", "c1", "dialogue", map[string]any{"role": "assistant", "text": "hello there"}, "APPEND", "", base.Add(time.Second))
	next, err := mgr.ExtendForAppend(ctx, c2, root)
	require.NoError(t, err)

	assert.Equal(t, "c2", next.HeadHash)
	assert.Len(t, next.Messages, 2)
	assert.Equal(t, "hello there", next.Messages[1].Content)
	assert.Equal(t, root.TokenCount+next.MessageTokenCounts[1], next.TokenCount)
	assert.Equal(t, []string{"c1", "c2"}, next.CommitHashes)

	cached, ok := mgr.Get("c2")
	require.True(t, ok)
	assert.Same(t, next, cached)
}

func TestPatchForEdit_ReplacesPositionInPlace(t *testing.T) {
	mgr, s := newTestManager(t)
	ctx := context.Background()
	base := time.Now()

	c1 := seedCommit(t, s, "c1", "", "dialogue", map[string]any{"role": "assistant", "text": "draft"}, "APPEND", "", base)
	msg1, genConfig1, err := mgr.compiler.BuildMessage(ctx, c1, c1, false, false)
	require.NoError(t, err)
	tok1, err := mgr.perMessageTokens(msg1)
	require.NoError(t, err)

	snapshot := &CompileSnapshot{
		HeadHash: "c1", Messages: []capability.Message{msg1}, CommitHashes: []string{"c1"}, CommitCount: 1,
		TokenCount: tok1 + 3, TokenSource: "computed", GenerationConfigs: []map[string]any{genConfig1}, MessageTokenCounts: []int{tok1},
	}
	mgr.Put(snapshot)

	e1 := seedCommit(t, s, "e1", "c1", "dialogue", map[string]any{"role": "assistant", "text": "revised and longer"}, "EDIT", "c1", base.Add(time.Second))
	patched, ok, err := mgr.PatchForEdit(ctx, snapshot, "e1", e1)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, "e1", patched.HeadHash)
	require.Len(t, patched.Messages, 1)
	assert.Equal(t, "revised and longer", patched.Messages[0].Content)
	assert.Equal(t, []string{"c1"}, patched.CommitHashes, "commit_count/positions are unchanged by an edit patch")
}

func TestPatchForEdit_MissingTargetSignalsFullRecompile(t *testing.T) {
	mgr, s := newTestManager(t)
	ctx := context.Background()
	base := time.Now()

	snapshot := &CompileSnapshot{HeadHash: "c1", CommitHashes: []string{"c1"}}
	e1 := seedCommit(t, s, "e1", "zzz", "dialogue", map[string]any{"role": "assistant", "text": "x"}, "EDIT", "not-in-snapshot", base)

	patched, ok, err := mgr.PatchForEdit(ctx, snapshot, "e1", e1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, patched)
}

func TestPatchForAnnotate_AllFourCases(t *testing.T) {
	mgr, _ := newTestManager(t)

	base := &CompileSnapshot{
		CommitHashes:       []string{"c1", "c2"},
		Messages:           []capability.Message{{Role: "user", Content: "a"}, {Role: "user", Content: "bb"}},
		GenerationConfigs:  []map[string]any{nil, nil},
		MessageTokenCounts: []int{1, 2},
		CommitCount:        2,
		TokenCount:         6,
	}

	skipPresent, ok := mgr.PatchForAnnotate(base, "c2", content.SKIP)
	require.True(t, ok)
	assert.Len(t, skipPresent.CommitHashes, 1)
	assert.Equal(t, []string{"c1"}, skipPresent.CommitHashes)
	assert.Equal(t, 4, skipPresent.TokenCount)

	skipAbsent, ok := mgr.PatchForAnnotate(base, "not-present", content.SKIP)
	require.True(t, ok)
	assert.Same(t, base, skipAbsent)

	unchanged, ok := mgr.PatchForAnnotate(base, "c1", content.IMPORTANT)
	require.True(t, ok)
	assert.Same(t, base, unchanged)

	mustRecompile, ok := mgr.PatchForAnnotate(base, "not-present", content.IMPORTANT)
	assert.False(t, ok)
	assert.Nil(t, mustRecompile)
}

func TestRecordAPITokens_RescalesProportionally(t *testing.T) {
	mgr, _ := newTestManager(t)
	snapshot := &CompileSnapshot{
		HeadHash: "c1", TokenCount: 10, MessageTokenCounts: []int{4, 6}, TokenSource: "computed",
	}
	mgr.Put(snapshot)

	require.NoError(t, mgr.RecordAPITokens("c1", 20, 5))

	updated, ok := mgr.Get("c1")
	require.True(t, ok)
	assert.Equal(t, 20, updated.TokenCount)
	assert.Equal(t, "api:20+5", updated.TokenSource)
	assert.Equal(t, []int{8, 12}, updated.MessageTokenCounts)
}

func TestToCompiled_DeepCopiesGenerationConfigs(t *testing.T) {
	mgr, _ := newTestManager(t)
	original := map[string]any{"temperature": 0.5}
	snapshot := &CompileSnapshot{
		Messages: []capability.Message{{Role: "user", Content: "hi"}}, CommitHashes: []string{"c1"},
		GenerationConfigs: []map[string]any{original}, TokenCount: 10, CommitCount: 1, TokenSource: "computed",
	}

	compiled, err := mgr.ToCompiled(context.Background(), snapshot)
	require.NoError(t, err)
	compiled.GenerationConfigs[0]["temperature"] = 999.0

	assert.Equal(t, 0.5, original["temperature"], "mutating the compiled view must not corrupt the cached snapshot")
}
