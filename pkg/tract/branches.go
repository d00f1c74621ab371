package tract

import (
	"context"
	"database/sql"

	"github.com/WilliamJin123/tract/internal/dag"
	"github.com/WilliamJin123/tract/internal/storage"
	"github.com/WilliamJin123/tract/pkg/constants"
	"github.com/WilliamJin123/tract/pkg/tracterr"
)

// Head returns the current HEAD state (spec.md §4.3).
func (t *Tract) Head(ctx context.Context) (*dag.HeadState, error) {
	return t.dag.ResolveHead(ctx)
}

// ResolvePrefix resolves a hash or unambiguous prefix to a full commit hash.
func (t *Tract) ResolvePrefix(ctx context.Context, prefix string) (string, error) {
	return t.dag.ResolvePrefix(ctx, prefix)
}

// ListBranches returns every branch name in the tract.
func (t *Tract) ListBranches(ctx context.Context) ([]string, error) {
	return t.dag.ListBranches(ctx)
}

// CreateBranch creates a new branch named name pointing at atCommit, or at
// the current HEAD if atCommit is empty.
func (t *Tract) CreateBranch(ctx context.Context, name, atCommit string) error {
	if atCommit == "" {
		head, err := t.dag.ResolveHead(ctx)
		if err != nil {
			return err
		}
		atCommit = head.CommitHash
	}
	return t.store.WithTx(ctx, func(tx *sql.Tx) error {
		return t.dag.CreateBranch(ctx, tx, name, atCommit)
	})
}

// DeleteBranch removes a branch, refusing to drop one with commits
// unreachable from every other ref unless force is set.
func (t *Tract) DeleteBranch(ctx context.Context, name string, force bool) error {
	return t.store.WithTx(ctx, func(tx *sql.Tx) error {
		return t.dag.DeleteBranch(ctx, tx, name, force)
	})
}

// Checkout attaches HEAD to branch (detach=false) or detaches HEAD at a
// specific commit hash/prefix (detach=true), spec.md §4.3's checkout().
func (t *Tract) Checkout(ctx context.Context, target string, detach bool) error {
	if detach {
		hash, err := t.dag.ResolvePrefix(ctx, target)
		if err != nil {
			return err
		}
		return t.store.UpsertRef(ctx, nil, storage.RefRow{TractID: t.tractID, RefName: constants.HeadRefName, CommitHash: hash})
	}

	if _, err := t.store.GetRef(ctx, t.tractID, constants.BranchRefPrefix+target); err != nil {
		if err == storage.ErrNotFound {
			return &tracterr.BranchNotFound{Branch: target}
		}
		return err
	}
	return t.store.UpsertRef(ctx, nil, storage.RefRow{
		TractID: t.tractID, RefName: constants.HeadRefName, SymbolicTarget: constants.BranchRefPrefix + target,
	})
}
