package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBlob_SaveIfAbsentDedups(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	b := BlobRow{ContentHash: "h1", PayloadJSON: []byte(`{"text":"hi"}`), ByteSize: 13, TokenCount: 2, CreatedAt: time.Now()}
	require.NoError(t, s.SaveBlobIfAbsent(ctx, b))
	require.NoError(t, s.SaveBlobIfAbsent(ctx, b)) // no error on repeat

	got, err := s.GetBlob(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "h1", got.ContentHash)
	assert.Equal(t, 2, got.TokenCount)
}

func TestBlob_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetBlob(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCommit_InsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	c := CommitRow{
		CommitHash: "c1", TractID: "t1", ParentHash: "", ContentHash: "h1",
		ContentType: "instruction", Operation: "APPEND", TokenCount: 5, CreatedAt: time.Now(),
	}
	require.NoError(t, s.InsertCommit(ctx, nil, c, nil))

	got, err := s.GetCommit(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TractID)
	assert.Equal(t, "instruction", got.ContentType)
	assert.False(t, got.Archived)
}

func TestCommit_ParentChainAndExtraParents(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	root := CommitRow{CommitHash: "root", TractID: "t1", ContentHash: "h0", ContentType: "instruction", Operation: "APPEND", CreatedAt: time.Now()}
	require.NoError(t, s.InsertCommit(ctx, nil, root, nil))

	merge := CommitRow{CommitHash: "merge1", TractID: "t1", ParentHash: "root", ContentHash: "h1", ContentType: "freeform", Operation: "APPEND", CreatedAt: time.Now()}
	require.NoError(t, s.InsertCommit(ctx, nil, merge, []string{"other-branch-tip"}))

	parents, err := s.GetCommitParents(ctx, "merge1")
	require.NoError(t, err)
	assert.Equal(t, []string{"root", "other-branch-tip"}, parents)
}

func TestFindByPrefix_Ambiguous(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for _, h := range []string{"abcd1111", "abcd2222", "ffff0000"} {
		c := CommitRow{CommitHash: h, TractID: "t1", ContentHash: "h0", ContentType: "instruction", Operation: "APPEND", CreatedAt: time.Now()}
		require.NoError(t, s.InsertCommit(ctx, nil, c, nil))
	}

	matches, err := s.FindByPrefix(ctx, "t1", "abcd")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"abcd1111", "abcd2222"}, matches)

	matches, err = s.FindByPrefix(ctx, "t1", "ffff")
	require.NoError(t, err)
	assert.Equal(t, []string{"ffff0000"}, matches)
}

func TestRef_UpsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.UpsertRef(ctx, nil, RefRow{TractID: "t1", RefName: "HEAD", SymbolicTarget: "refs/heads/main"}))
	got, err := s.GetRef(ctx, "t1", "HEAD")
	require.NoError(t, err)
	assert.Equal(t, "refs/heads/main", got.SymbolicTarget)
	assert.Empty(t, got.CommitHash)

	require.NoError(t, s.UpsertRef(ctx, nil, RefRow{TractID: "t1", RefName: "refs/heads/main", CommitHash: "c1"}))
	got, err = s.GetRef(ctx, "t1", "refs/heads/main")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.CommitHash)

	// Update in place.
	require.NoError(t, s.UpsertRef(ctx, nil, RefRow{TractID: "t1", RefName: "refs/heads/main", CommitHash: "c2"}))
	got, err = s.GetRef(ctx, "t1", "refs/heads/main")
	require.NoError(t, err)
	assert.Equal(t, "c2", got.CommitHash)
}

func TestAnnotation_LatestWins(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	base := time.Now()
	_, err := s.InsertAnnotation(ctx, nil, AnnotationRow{TractID: "t1", TargetHash: "c1", Priority: "NORMAL", CreatedAt: base})
	require.NoError(t, err)
	_, err = s.InsertAnnotation(ctx, nil, AnnotationRow{TractID: "t1", TargetHash: "c1", Priority: "PINNED", CreatedAt: base.Add(time.Second)})
	require.NoError(t, err)

	got, err := s.LatestAnnotation(ctx, "t1", "c1", nil)
	require.NoError(t, err)
	assert.Equal(t, "PINNED", got.Priority)

	atEarlier := base
	got, err = s.LatestAnnotation(ctx, "t1", "c1", &atEarlier)
	require.NoError(t, err)
	assert.Equal(t, "NORMAL", got.Priority)
}

func TestDeleteCommit_ThenBlobUnreferenced(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.SaveBlobIfAbsent(ctx, BlobRow{ContentHash: "h1", PayloadJSON: []byte("{}"), CreatedAt: time.Now()}))
	c := CommitRow{CommitHash: "c1", TractID: "t1", ContentHash: "h1", ContentType: "instruction", Operation: "APPEND", CreatedAt: time.Now()}
	require.NoError(t, s.InsertCommit(ctx, nil, c, nil))

	require.NoError(t, s.DeleteCommit(ctx, nil, "c1"))
	_, err := s.GetCommit(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)

	deleted, err := s.DeleteBlobIfUnreferenced(ctx, nil, "h1")
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestMeta_SetAndGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.SetMeta(ctx, "schema_version", "5"))
	v, err := s.GetMeta(ctx, "schema_version")
	require.NoError(t, err)
	assert.Equal(t, "5", v)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, execErr := tx.ExecContext(ctx, `INSERT INTO _trace_meta (key, value) VALUES ('k', 'v')`); execErr != nil {
			return execErr
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetMeta(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound, "rolled-back write must not be visible")
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx, `INSERT INTO _trace_meta (key, value) VALUES ('k', 'v')`)
		return execErr
	})
	require.NoError(t, err)

	v, err := s.GetMeta(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

