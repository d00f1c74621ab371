package hooks

import (
	"context"
	"testing"
	"time"

	"github.com/WilliamJin123/tract/internal/history"
	"github.com/WilliamJin123/tract/internal/storage"
	"github.com/WilliamJin123/tract/pkg/constants"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOrphanGCDraft(t *testing.T, rig *testRig) *history.GCDraft {
	t.Helper()
	base := time.Now()
	rig.seedCommit(t, "main", "c1", "", nil, "APPEND", "", map[string]any{"role": "user", "text": "one"}, base)
	rig.seedCommit(t, "stray", "o1", "", nil, "APPEND", "", map[string]any{"role": "user", "text": "orphan"}, base)
	require.NoError(t, rig.store.DeleteRef(context.Background(), nil, "t1", constants.BranchRefPrefix+"stray"))
	rig.checkout(t, "main")

	result, draft, err := rig.collector.GC(context.Background(), history.GCOptions{
		OrphanRetentionDays: &history.RetentionDays{Days: 0}, Review: true,
	})
	require.NoError(t, err)
	require.Nil(t, result)
	require.NotNil(t, draft)
	require.Contains(t, draft.OrphanCandidates, "o1")
	return draft
}

func TestPendingGC_ApproveRemovesOrphanCandidates(t *testing.T) {
	rig := newTestRig(t)
	draft := newOrphanGCDraft(t, rig)

	p := NewPendingGC(draft, rig.collector)
	require.NoError(t, p.Approve(context.Background()))

	assert.Contains(t, p.Result().RemovedOrphans, "o1")
	_, err := rig.store.GetCommit(context.Background(), "o1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, StatusApproved, p.Status())
}

func TestPendingGC_RejectLeavesCandidatesInPlace(t *testing.T) {
	rig := newTestRig(t)
	draft := newOrphanGCDraft(t, rig)

	p := NewPendingGC(draft, rig.collector)
	require.NoError(t, p.Reject(context.Background(), "keep for now"))

	assert.Nil(t, p.Result())
	_, err := rig.store.GetCommit(context.Background(), "o1")
	require.NoError(t, err)
}

func TestPendingGC_ToDictSurfacesCandidatesAndEstimate(t *testing.T) {
	rig := newTestRig(t)
	draft := newOrphanGCDraft(t, rig)

	p := NewPendingGC(draft, rig.collector)
	d := p.ToDict()
	assert.Contains(t, d["orphan_candidates"], "o1")
	assert.Equal(t, draft.EstimatedFreed, d["estimated_freed"])
}
