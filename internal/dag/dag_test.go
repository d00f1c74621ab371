package dag

import (
	"context"
	"testing"
	"time"

	"github.com/WilliamJin123/tract/internal/storage"
	"github.com/WilliamJin123/tract/pkg/constants"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T) (*Resolver, *storage.Store) {
	t.Helper()
	s, err := storage.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewResolver(s, "t1"), s
}

func commit(t *testing.T, s *storage.Store, hash, parent string, extraParents []string, at time.Time) {
	t.Helper()
	c := storage.CommitRow{
		CommitHash: hash, TractID: "t1", ParentHash: parent, ContentHash: "h-" + hash,
		ContentType: "dialogue", Operation: "APPEND", TokenCount: 1, CreatedAt: at,
	}
	require.NoError(t, s.InsertCommit(context.Background(), nil, c, extraParents))
}

func TestValidateBranchName(t *testing.T) {
	assert.NoError(t, ValidateBranchName("feature/login"))
	assert.NoError(t, ValidateBranchName("release-1.2.3"))
	assert.Error(t, ValidateBranchName("/leading-slash"))
	assert.Error(t, ValidateBranchName("has..dotdot"))
	assert.Error(t, ValidateBranchName("has space"))
	assert.Error(t, ValidateBranchName(""))
}

func TestResolvePrefix(t *testing.T) {
	r, s := newTestResolver(t)
	ctx := context.Background()
	base := time.Now()
	commit(t, s, "abcd1111aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "", nil, base)
	commit(t, s, "abcd2222aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "", nil, base)
	commit(t, s, "ffff0000aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "", nil, base)

	h, err := r.ResolvePrefix(ctx, "ffff")
	require.NoError(t, err)
	assert.Equal(t, "ffff0000aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", h)

	_, err = r.ResolvePrefix(ctx, "abcd")
	require.Error(t, err)

	_, err = r.ResolvePrefix(ctx, "zzzz")
	require.Error(t, err)

	_, err = r.ResolvePrefix(ctx, "ab")
	require.Error(t, err, "below minimum prefix length")
}

func TestGetAncestors_FirstParentOnlyNewestFirst(t *testing.T) {
	r, s := newTestResolver(t)
	ctx := context.Background()
	base := time.Now()

	commit(t, s, "c1", "", nil, base)
	commit(t, s, "c2", "c1", nil, base.Add(time.Second))
	commit(t, s, "c3", "c2", nil, base.Add(2*time.Second))

	ancestors, err := r.GetAncestors(ctx, "c3", 0, "")
	require.NoError(t, err)
	require.Len(t, ancestors, 3)
	assert.Equal(t, "c3", ancestors[0].CommitHash)
	assert.Equal(t, "c1", ancestors[2].CommitHash)
}

func TestFindMergeBase(t *testing.T) {
	r, s := newTestResolver(t)
	ctx := context.Background()
	base := time.Now()

	commit(t, s, "root", "", nil, base)
	commit(t, s, "a1", "root", nil, base.Add(time.Second))
	commit(t, s, "b1", "root", nil, base.Add(2*time.Second))
	commit(t, s, "b2", "b1", nil, base.Add(3*time.Second))

	mb, err := r.FindMergeBase(ctx, "a1", "b2")
	require.NoError(t, err)
	assert.Equal(t, "root", mb)
}

func TestFindMergeBase_Disjoint(t *testing.T) {
	r, s := newTestResolver(t)
	ctx := context.Background()
	base := time.Now()

	commit(t, s, "x1", "", nil, base)
	commit(t, s, "y1", "", nil, base.Add(time.Second))

	mb, err := r.FindMergeBase(ctx, "x1", "y1")
	require.NoError(t, err)
	assert.Empty(t, mb)
}

func TestGetBranchCommits_ExcludesBase(t *testing.T) {
	r, s := newTestResolver(t)
	ctx := context.Background()
	base := time.Now()

	commit(t, s, "root", "", nil, base)
	commit(t, s, "tip1", "root", nil, base.Add(time.Second))
	commit(t, s, "tip2", "tip1", nil, base.Add(2*time.Second))

	commits, err := r.GetBranchCommits(ctx, "tip2", "root")
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, "tip1", commits[0].CommitHash)
	assert.Equal(t, "tip2", commits[1].CommitHash)
}

func TestHeadAndBranchLifecycle(t *testing.T) {
	r, s := newTestResolver(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertRef(ctx, nil, storage.RefRow{TractID: "t1", RefName: constants.HeadRefName, SymbolicTarget: constants.BranchRefPrefix + constants.DefaultBranch}))

	head, err := r.ResolveHead(ctx)
	require.NoError(t, err)
	assert.Equal(t, constants.DefaultBranch, head.Branch)
	assert.False(t, head.Detached)
	assert.Empty(t, head.CommitHash)

	commit(t, s, "c1", "", nil, time.Now())
	require.NoError(t, r.CreateBranch(ctx, nil, constants.DefaultBranch, "c1"))

	head, err = r.ResolveHead(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c1", head.CommitHash)

	err = r.CreateBranch(ctx, nil, constants.DefaultBranch, "c1")
	assert.Error(t, err, "creating an existing branch must fail")

	commit(t, s, "c2", "c1", nil, time.Now())
	require.NoError(t, r.AdvanceHead(ctx, nil, "c2"))

	head, err = r.ResolveHead(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c2", head.CommitHash)
}

func TestDeleteBranch_RequiresForceWhenUnmerged(t *testing.T) {
	r, s := newTestResolver(t)
	ctx := context.Background()
	base := time.Now()

	commit(t, s, "root", "", nil, base)
	commit(t, s, "f1", "root", nil, base.Add(time.Second))

	require.NoError(t, r.CreateBranch(ctx, nil, "main", "root"))
	require.NoError(t, r.CreateBranch(ctx, nil, "feature", "f1"))

	err := r.DeleteBranch(ctx, nil, "feature", false)
	assert.Error(t, err)

	err = r.DeleteBranch(ctx, nil, "feature", true)
	assert.NoError(t, err)
}
