// Package dag implements Tract's DAG, ref, branch, and HEAD layer: ancestor
// walks, merge-base computation, branch-exclusive commit enumeration,
// branch-name validation, and hash-prefix resolution, all as pure
// functions over internal/storage.
package dag

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/WilliamJin123/tract/internal/storage"
	"github.com/WilliamJin123/tract/pkg/constants"
	"github.com/WilliamJin123/tract/pkg/tracterr"
)

// branchNamePattern mirrors Git's branch naming rules as restated in
// SPEC_FULL.md: alnum plus ._-/  only, never starting with "/", never
// containing "..".
var branchNamePattern = regexp.MustCompile(`^[A-Za-z0-9._\-/]+$`)

// ValidateBranchName enforces the branch naming rules from spec.md §4.3.
func ValidateBranchName(name string) error {
	if name == "" {
		return &tracterr.InvalidBranchName{Branch: name, Reason: "branch name must not be empty"}
	}
	if !branchNamePattern.MatchString(name) {
		return &tracterr.InvalidBranchName{Branch: name, Reason: "must match [A-Za-z0-9._-/]+"}
	}
	if strings.HasPrefix(name, "/") {
		return &tracterr.InvalidBranchName{Branch: name, Reason: "must not start with '/'"}
	}
	if strings.Contains(name, "..") {
		return &tracterr.InvalidBranchName{Branch: name, Reason: "must not contain '..'"}
	}
	return nil
}

// Resolver binds DAG operations to one tract's storage.
type Resolver struct {
	store   *storage.Store
	tractID string
}

// NewResolver returns a Resolver scoped to tractID.
func NewResolver(store *storage.Store, tractID string) *Resolver {
	return &Resolver{store: store, tractID: tractID}
}

// ResolvePrefix resolves a hash or hash prefix to a single full commit
// hash. Prefixes shorter than constants.MinHashPrefixLength are rejected
// outright (too likely to be ambiguous, too expensive to scan for).
func (r *Resolver) ResolvePrefix(ctx context.Context, prefix string) (string, error) {
	if len(prefix) >= 64 {
		// Already a full hash; confirm it exists rather than scanning.
		if _, err := r.store.GetCommit(ctx, prefix); err != nil {
			return "", &tracterr.CommitNotFound{Hash: prefix}
		}
		return prefix, nil
	}
	if len(prefix) < constants.MinHashPrefixLength {
		return "", fmt.Errorf("dag: prefix %q shorter than minimum length %d", prefix, constants.MinHashPrefixLength)
	}

	matches, err := r.store.FindByPrefix(ctx, r.tractID, prefix)
	if err != nil {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", &tracterr.CommitNotFound{Hash: prefix}
	case 1:
		return matches[0], nil
	default:
		return "", &tracterr.AmbiguousPrefix{Prefix: prefix, Candidates: matches}
	}
}

// GetAncestors walks the first-parent chain from commitHash back to the
// root (or until limit commits have been collected, if limit > 0),
// optionally filtering by operation ("APPEND" or "EDIT"). Order: newest first.
func (r *Resolver) GetAncestors(ctx context.Context, commitHash string, limit int, opFilter string) ([]storage.CommitRow, error) {
	var out []storage.CommitRow
	cursor := commitHash

	for cursor != "" {
		c, err := r.store.GetCommit(ctx, cursor)
		if err != nil {
			return nil, fmt.Errorf("dag: ancestor walk at %s: %w", cursor, err)
		}
		if opFilter == "" || c.Operation == opFilter {
			out = append(out, *c)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		cursor = c.ParentHash
	}
	return out, nil
}

// GetAllAncestors returns the set of commit hashes reachable from
// commitHash via the full multi-parent DAG (i.e. including merge second
// parents), stopping a branch of the walk at stopAt without including it,
// if stopAt is non-empty. commitHash itself is included.
func (r *Resolver) GetAllAncestors(ctx context.Context, commitHash string, stopAt string) (map[string]bool, error) {
	visited := map[string]bool{}
	queue := []string{commitHash}

	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if h == "" || visited[h] || h == stopAt {
			continue
		}
		visited[h] = true

		parents, err := r.store.GetCommitParents(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("dag: get all ancestors at %s: %w", h, err)
		}
		queue = append(queue, parents...)
	}
	return visited, nil
}

// IsAncestor reports whether a is reachable from b via the multi-parent DAG.
func (r *Resolver) IsAncestor(ctx context.Context, a, b string) (bool, error) {
	if a == b {
		return true, nil
	}
	ancestors, err := r.GetAllAncestors(ctx, b, "")
	if err != nil {
		return false, err
	}
	return ancestors[a], nil
}

// FindMergeBase returns the lowest common ancestor of a and b in the
// multi-parent DAG via breadth-first search from both sides, or "" if
// their histories are disjoint.
func (r *Resolver) FindMergeBase(ctx context.Context, a, b string) (string, error) {
	seenA := map[string]bool{}
	seenB := map[string]bool{}
	queueA := []string{a}
	queueB := []string{b}

	if a == b {
		return a, nil
	}

	for len(queueA) > 0 || len(queueB) > 0 {
		if len(queueA) > 0 {
			h := queueA[0]
			queueA = queueA[1:]
			if h != "" && !seenA[h] {
				seenA[h] = true
				if seenB[h] {
					return h, nil
				}
				parents, err := r.store.GetCommitParents(ctx, h)
				if err != nil {
					return "", fmt.Errorf("dag: merge-base walk (a) at %s: %w", h, err)
				}
				queueA = append(queueA, parents...)
			}
		}
		if len(queueB) > 0 {
			h := queueB[0]
			queueB = queueB[1:]
			if h != "" && !seenB[h] {
				seenB[h] = true
				if seenA[h] {
					return h, nil
				}
				parents, err := r.store.GetCommitParents(ctx, h)
				if err != nil {
					return "", fmt.Errorf("dag: merge-base walk (b) at %s: %w", h, err)
				}
				queueB = append(queueB, parents...)
			}
		}
	}
	return "", nil
}

// GetBranchCommits returns the commits exclusive to tip since mergeBase,
// in chronological (root-first) order, excluding mergeBase itself.
func (r *Resolver) GetBranchCommits(ctx context.Context, tip, mergeBase string) ([]storage.CommitRow, error) {
	all, err := r.GetAllAncestors(ctx, tip, "")
	if err != nil {
		return nil, err
	}
	baseSet, err := r.GetAllAncestors(ctx, mergeBase, "")
	if err != nil {
		return nil, err
	}

	var exclusiveHashes []string
	for h := range all {
		if !baseSet[h] && h != mergeBase {
			exclusiveHashes = append(exclusiveHashes, h)
		}
	}

	rows := make([]storage.CommitRow, 0, len(exclusiveHashes))
	for _, h := range exclusiveHashes {
		c, err := r.store.GetCommit(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("dag: load branch commit %s: %w", h, err)
		}
		rows = append(rows, *c)
	}
	sortChronological(rows)
	return rows, nil
}

func sortChronological(rows []storage.CommitRow) {
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && rows[j].CreatedAt.Before(rows[j-1].CreatedAt); j-- {
			rows[j], rows[j-1] = rows[j-1], rows[j]
		}
	}
}

// HeadState describes the resolved position of HEAD.
type HeadState struct {
	CommitHash string
	Branch     string // empty when Detached
	Detached   bool
}

// ResolveHead reads HEAD, following it to a concrete commit hash. If HEAD
// is symbolic (attached), Branch names the target branch and CommitHash is
// that branch's tip (empty if the branch has no commits yet, e.g. a
// freshly opened tract). If HEAD is direct (detached), Branch is empty.
func (r *Resolver) ResolveHead(ctx context.Context) (*HeadState, error) {
	headRef, err := r.store.GetRef(ctx, r.tractID, constants.HeadRefName)
	if err != nil {
		return nil, fmt.Errorf("dag: resolve HEAD: %w", err)
	}

	if headRef.SymbolicTarget != "" {
		branch := strings.TrimPrefix(headRef.SymbolicTarget, constants.BranchRefPrefix)
		branchRef, err := r.store.GetRef(ctx, r.tractID, headRef.SymbolicTarget)
		if err != nil {
			if err == storage.ErrNotFound {
				return &HeadState{Branch: branch}, nil
			}
			return nil, fmt.Errorf("dag: resolve branch %s: %w", branch, err)
		}
		return &HeadState{CommitHash: branchRef.CommitHash, Branch: branch}, nil
	}

	return &HeadState{CommitHash: headRef.CommitHash, Detached: true}, nil
}

// AdvanceHead moves the current position to newCommit: if HEAD is attached
// to a branch, the branch ref is rewritten (HEAD itself never changes); if
// detached, HEAD's direct commit_hash is rewritten instead.
func (r *Resolver) AdvanceHead(ctx context.Context, tx *storage.Tx, newCommit string) error {
	head, err := r.ResolveHead(ctx)
	if err != nil {
		return err
	}
	if head.Detached {
		return r.store.UpsertRef(ctx, tx, storage.RefRow{TractID: r.tractID, RefName: constants.HeadRefName, CommitHash: newCommit})
	}
	return r.store.UpsertRef(ctx, tx, storage.RefRow{TractID: r.tractID, RefName: constants.BranchRefPrefix + head.Branch, CommitHash: newCommit})
}

// CreateBranch creates refs/heads/<name> pointing at atCommit.
func (r *Resolver) CreateBranch(ctx context.Context, tx *storage.Tx, name, atCommit string) error {
	if err := ValidateBranchName(name); err != nil {
		return err
	}
	refName := constants.BranchRefPrefix + name
	if _, err := r.store.GetRef(ctx, r.tractID, refName); err == nil {
		return &tracterr.BranchExists{Branch: name}
	} else if err != storage.ErrNotFound {
		return err
	}
	return r.store.UpsertRef(ctx, tx, storage.RefRow{TractID: r.tractID, RefName: refName, CommitHash: atCommit})
}

// DeleteBranch removes refs/heads/<name>, refusing if it has commits
// unreachable from every other ref unless force is set.
func (r *Resolver) DeleteBranch(ctx context.Context, tx *storage.Tx, name string, force bool) error {
	refName := constants.BranchRefPrefix + name
	branchRef, err := r.store.GetRef(ctx, r.tractID, refName)
	if err != nil {
		if err == storage.ErrNotFound {
			return &tracterr.BranchNotFound{Branch: name}
		}
		return err
	}

	if !force {
		unmerged, err := r.hasUnmergedCommits(ctx, name, branchRef.CommitHash)
		if err != nil {
			return err
		}
		if unmerged {
			return &tracterr.UnmergedBranch{Branch: name}
		}
	}

	return r.store.DeleteRef(ctx, tx, r.tractID, refName)
}

func (r *Resolver) hasUnmergedCommits(ctx context.Context, branchName, tip string) (bool, error) {
	if tip == "" {
		return false, nil
	}
	ownReach, err := r.GetAllAncestors(ctx, tip, "")
	if err != nil {
		return false, err
	}

	branches, err := r.store.ListBranches(ctx, r.tractID, constants.BranchRefPrefix)
	if err != nil {
		return false, err
	}

	reachableElsewhere := map[string]bool{}
	for _, other := range branches {
		if other == branchName {
			continue
		}
		otherRef, err := r.store.GetRef(ctx, r.tractID, constants.BranchRefPrefix+other)
		if err != nil || otherRef.CommitHash == "" {
			continue
		}
		others, err := r.GetAllAncestors(ctx, otherRef.CommitHash, "")
		if err != nil {
			return false, err
		}
		for h := range others {
			reachableElsewhere[h] = true
		}
	}

	for h := range ownReach {
		if !reachableElsewhere[h] {
			return true, nil
		}
	}
	return false, nil
}

// ListBranches returns every branch name in the tract.
func (r *Resolver) ListBranches(ctx context.Context) ([]string, error) {
	return r.store.ListBranches(ctx, r.tractID, constants.BranchRefPrefix)
}
