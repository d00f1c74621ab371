package history

import (
	"context"
	"testing"
	"time"

	"github.com/WilliamJin123/tract/pkg/constants"
	"github.com/WilliamJin123/tract/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImportCommit_CreatesNewHashSameContent(t *testing.T) {
	m, s, _, engine := newTestMerger(t)
	_ = m
	base := time.Now()
	seedCommit(t, s, "main", "root", "", nil, "APPEND", "", map[string]any{"role": "user", "text": "root"}, base)
	require.NoError(t, s.UpsertRef(context.Background(), nil, storage.RefRow{TractID: "t1", RefName: constants.BranchRefPrefix + "archive", CommitHash: "root"}))
	seedCommit(t, s, "archive", "a1", "root", nil, "APPEND", "", map[string]any{"role": "assistant", "text": "an old reply"}, base.Add(time.Second))
	checkout(t, s, "main")

	importer := NewImporter(s, engine)
	result, err := importer.ImportCommit(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", result.OriginalCommitHash)
	assert.NotEqual(t, "a1", result.NewCommitHash)

	original, err := s.GetCommit(context.Background(), "a1")
	require.NoError(t, err)
	imported, err := s.GetCommit(context.Background(), result.NewCommitHash)
	require.NoError(t, err)
	assert.Equal(t, original.ContentHash, imported.ContentHash)
	assert.Equal(t, "APPEND", imported.Operation)

	mainRef, err := s.GetRef(context.Background(), "t1", constants.BranchRefPrefix+"main")
	require.NoError(t, err)
	assert.Equal(t, result.NewCommitHash, mainRef.CommitHash)
}

func TestImportCommit_UnknownSourceFails(t *testing.T) {
	_, s, _, engine := newTestMerger(t)
	seedCommit(t, s, "main", "root", "", nil, "APPEND", "", map[string]any{"role": "user", "text": "root"}, time.Now())
	checkout(t, s, "main")

	importer := NewImporter(s, engine)
	_, err := importer.ImportCommit(context.Background(), "does-not-exist")
	require.Error(t, err)
}
