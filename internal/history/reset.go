package history

import (
	"context"
	"fmt"
	"sort"

	"github.com/WilliamJin123/tract/internal/dag"
	"github.com/WilliamJin123/tract/internal/storage"
	"github.com/WilliamJin123/tract/pkg/constants"
)

// ResetMode selects reset()'s behavior (spec.md §4.6.4).
type ResetMode string

const (
	ResetSoft ResetMode = "soft"
	ResetHard ResetMode = "hard"
)

// ResetResult is reset()'s return value.
type ResetResult struct {
	Branch           string // empty when HEAD was detached
	OldHead          string
	NewHead          string
	Mode             ResetMode
	OrphanCandidates []string // commits left unreachable by a hard reset; GC removes them once retention expires
}

// Resetter moves a branch pointer (or a detached HEAD) to an arbitrary
// commit without creating a new commit.
type Resetter struct {
	store   *storage.Store
	tractID string
	dag     *dag.Resolver
}

// NewResetter returns a Resetter bound to one tract's storage.
func NewResetter(store *storage.Store, tractID string, resolver *dag.Resolver) *Resetter {
	return &Resetter{store: store, tractID: tractID, dag: resolver}
}

// Reset moves the current position to targetHash. hard mode requires
// force=true and additionally reports which commits become unreachable.
func (rs *Resetter) Reset(ctx context.Context, targetHash string, mode ResetMode, force bool) (*ResetResult, error) {
	if mode == ResetHard && !force {
		return nil, fmt.Errorf("history: hard reset requires force=true (it can strand commits for GC)")
	}

	if _, err := rs.store.GetCommit(ctx, targetHash); err != nil {
		return nil, fmt.Errorf("history: reset target %s: %w", targetHash, err)
	}

	head, err := rs.dag.ResolveHead(ctx)
	if err != nil {
		return nil, fmt.Errorf("history: resolve HEAD: %w", err)
	}
	oldHead := head.CommitHash

	result := &ResetResult{Branch: head.Branch, OldHead: oldHead, NewHead: targetHash, Mode: mode}

	if head.Detached {
		if err := rs.store.UpsertRef(ctx, nil, storage.RefRow{TractID: rs.tractID, RefName: constants.HeadRefName, CommitHash: targetHash}); err != nil {
			return nil, err
		}
	} else {
		if err := rs.store.UpsertRef(ctx, nil, storage.RefRow{
			TractID: rs.tractID, RefName: constants.BranchRefPrefix + head.Branch, CommitHash: targetHash,
		}); err != nil {
			return nil, err
		}
	}

	if mode == ResetHard && oldHead != "" {
		candidates, err := rs.orphanCandidates(ctx, oldHead, targetHash, head.Branch)
		if err != nil {
			return nil, err
		}
		result.OrphanCandidates = candidates
	}

	return result, nil
}

// orphanCandidates returns the commits reachable from oldHead that, after
// the reset, are reachable from no ref at all (excludingBranch is the
// branch being reset, whose ref at this point already points at target).
func (rs *Resetter) orphanCandidates(ctx context.Context, oldHead, newTarget, excludingBranch string) ([]string, error) {
	allOld, err := rs.dag.GetAllAncestors(ctx, oldHead, "")
	if err != nil {
		return nil, err
	}
	allNew, err := rs.dag.GetAllAncestors(ctx, newTarget, "")
	if err != nil {
		return nil, err
	}

	branches, err := rs.dag.ListBranches(ctx)
	if err != nil {
		return nil, err
	}
	reachableElsewhere := map[string]bool{}
	for _, b := range branches {
		if b == excludingBranch {
			continue
		}
		ref, err := rs.store.GetRef(ctx, rs.tractID, constants.BranchRefPrefix+b)
		if err != nil || ref.CommitHash == "" {
			continue
		}
		anc, err := rs.dag.GetAllAncestors(ctx, ref.CommitHash, "")
		if err != nil {
			return nil, err
		}
		for h := range anc {
			reachableElsewhere[h] = true
		}
	}

	var candidates []string
	for h := range allOld {
		if allNew[h] || reachableElsewhere[h] {
			continue
		}
		candidates = append(candidates, h)
	}
	sort.Strings(candidates)
	return candidates, nil
}
