package hashing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentHash_KeyOrderIndependent(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "c": map[string]any{"z": 1, "y": 2}}
	b := map[string]any{"c": map[string]any{"y": 2, "z": 1}, "a": 1, "b": 2}

	ha, err := ContentHash(a)
	require.NoError(t, err)
	hb, err := ContentHash(b)
	require.NoError(t, err)

	assert.Equal(t, ha, hb, "structurally identical payloads must hash identically regardless of key order")
	assert.Len(t, ha, 64, "sha256 hex digest is 64 chars")
}

func TestContentHash_DifferentPayloadsDiffer(t *testing.T) {
	h1, err := ContentHash(map[string]any{"text": "hello"})
	require.NoError(t, err)
	h2, err := ContentHash(map[string]any{"text": "world"})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestContentHash_NumbersStable(t *testing.T) {
	h1, err := ContentHash(map[string]any{"n": 1})
	require.NoError(t, err)
	h2, err := ContentHash(map[string]any{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestCommitHash_Deterministic(t *testing.T) {
	h1, err := CommitHash("ch1", "p1", "dialogue", "APPEND", "2026-01-01T00:00:00Z", "", nil)
	require.NoError(t, err)
	h2, err := CommitHash("ch1", "p1", "dialogue", "APPEND", "2026-01-01T00:00:00Z", "", nil)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestCommitHash_TimestampAffectsHash(t *testing.T) {
	h1, err := CommitHash("ch1", "p1", "dialogue", "APPEND", "2026-01-01T00:00:00Z", "", nil)
	require.NoError(t, err)
	h2, err := CommitHash("ch1", "p1", "dialogue", "APPEND", "2026-01-01T00:00:01Z", "", nil)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2, "identical content re-committed at a different time must produce a distinct commit hash")
}

func TestCommitHash_RootVsNonRootParent(t *testing.T) {
	root, err := CommitHash("ch1", "", "dialogue", "APPEND", "2026-01-01T00:00:00Z", "", nil)
	require.NoError(t, err)
	nonRoot, err := CommitHash("ch1", "somehash", "dialogue", "APPEND", "2026-01-01T00:00:00Z", "", nil)
	require.NoError(t, err)
	assert.NotEqual(t, root, nonRoot)
}

func TestCommitHash_ExtraParentsParticipate(t *testing.T) {
	without, err := CommitHash("ch1", "p1", "freeform", "APPEND", "2026-01-01T00:00:00Z", "", nil)
	require.NoError(t, err)
	withOne, err := CommitHash("ch1", "p1", "freeform", "APPEND", "2026-01-01T00:00:00Z", "", []string{"p2"})
	require.NoError(t, err)
	withTwo, err := CommitHash("ch1", "p1", "freeform", "APPEND", "2026-01-01T00:00:00Z", "", []string{"p2", "p3"})
	require.NoError(t, err)

	assert.NotEqual(t, without, withOne)
	assert.NotEqual(t, withOne, withTwo)
}
