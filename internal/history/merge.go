// Package history implements Tract's history-rewriting operations: merge,
// rebase, cherry-pick import, reset, compression, and garbage collection
// (spec.md §4.6). Each operation builds on internal/dag for traversal and
// internal/commitengine for the single write path every new commit goes
// through.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/WilliamJin123/tract/internal/commitengine"
	"github.com/WilliamJin123/tract/internal/content"
	"github.com/WilliamJin123/tract/internal/dag"
	"github.com/WilliamJin123/tract/internal/storage"
	"github.com/WilliamJin123/tract/pkg/capability"
	"github.com/WilliamJin123/tract/pkg/constants"
	"github.com/WilliamJin123/tract/pkg/logger"
	"github.com/WilliamJin123/tract/pkg/stringutil"
	"github.com/WilliamJin123/tract/pkg/tracterr"
)

var log = logger.New("tract:history")

// MergeType classifies how a merge was (or would be) resolved.
type MergeType string

const (
	MergeFastForward MergeType = "fast_forward"
	MergeClean       MergeType = "clean"
	MergeConflict    MergeType = "conflict"
	MergeSemantic    MergeType = "semantic"
)

// ConflictClass is one of the three conflict shapes spec.md §4.6.1 detects.
type ConflictClass string

const (
	ConflictBothEdit       ConflictClass = "both_edit"
	ConflictSkipVsEdit     ConflictClass = "skip_vs_edit"
	ConflictEditPlusAppend ConflictClass = "edit_plus_append"
)

// Conflict describes one unresolved disagreement between the two branches
// being merged, identified by the response_to hash it concerns.
type Conflict struct {
	Class        ConflictClass
	TargetHash   string
	OurContent   string
	TheirContent string
}

// MergeResult is merge()'s return value. A merge with conflicts and no
// resolver comes back uncommitted; the facade wraps that in a PendingMerge.
type MergeResult struct {
	MergeType       MergeType
	Committed       bool
	MergeCommitHash string
	Conflicts       []Conflict
	Resolutions     map[string]string // target_hash -> resolved content text
	CurrentTip      string
	SourceTip       string
}

// MergeOptions configures Merge.
type MergeOptions struct {
	Strategy        string // "auto" | "semantic"
	NoFF            bool
	Resolver        capability.LlmResolver
	RaiseOnConflict bool
}

// Merger performs merges for one tract.
type Merger struct {
	store   *storage.Store
	tractID string
	dag     *dag.Resolver
	engine  *commitengine.Engine
}

// NewMerger returns a Merger bound to one tract's storage and engine.
func NewMerger(store *storage.Store, tractID string, resolver *dag.Resolver, engine *commitengine.Engine) *Merger {
	return &Merger{store: store, tractID: tractID, dag: resolver, engine: engine}
}

// Merge implements spec.md §4.6.1.
func (m *Merger) Merge(ctx context.Context, sourceBranch string, opts MergeOptions) (*MergeResult, error) {
	head, err := m.dag.ResolveHead(ctx)
	if err != nil {
		return nil, fmt.Errorf("history: resolve HEAD: %w", err)
	}
	if head.Detached {
		return nil, &tracterr.DetachedHead{TractID: m.tractID}
	}
	currentBranch, currentTip := head.Branch, head.CommitHash

	sourceRef, err := m.store.GetRef(ctx, m.tractID, constants.BranchRefPrefix+sourceBranch)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, &tracterr.BranchNotFound{Branch: sourceBranch}
		}
		return nil, err
	}
	sourceTip := sourceRef.CommitHash

	if currentTip == sourceTip {
		return nil, &tracterr.NothingToMerge{Source: sourceBranch, Target: currentBranch}
	}

	if currentTip != "" {
		isAncestor, err := m.dag.IsAncestor(ctx, currentTip, sourceTip)
		if err != nil {
			return nil, err
		}
		if isAncestor && !opts.NoFF {
			if err := m.store.UpsertRef(ctx, nil, storage.RefRow{
				TractID: m.tractID, RefName: constants.BranchRefPrefix + currentBranch, CommitHash: sourceTip,
			}); err != nil {
				return nil, err
			}
			log.Printf("fast-forwarded %s to %s", currentBranch, sourceTip)
			return &MergeResult{MergeType: MergeFastForward, Committed: true, MergeCommitHash: sourceTip, CurrentTip: currentTip, SourceTip: sourceTip}, nil
		}
	}

	mergeBase, err := m.dag.FindMergeBase(ctx, currentTip, sourceTip)
	if err != nil {
		return nil, err
	}
	if mergeBase == sourceTip {
		return nil, &tracterr.NothingToMerge{Source: sourceBranch, Target: currentBranch}
	}

	branchACommits, err := m.dag.GetBranchCommits(ctx, currentTip, mergeBase)
	if err != nil {
		return nil, err
	}
	branchBCommits, err := m.dag.GetBranchCommits(ctx, sourceTip, mergeBase)
	if err != nil {
		return nil, err
	}
	baseAncestors, err := m.dag.GetAllAncestors(ctx, mergeBase, "")
	if err != nil {
		return nil, err
	}

	var aTipCreated, bTipCreated, baseCreated time.Time
	if baseCommit, err := m.store.GetCommit(ctx, mergeBase); err == nil {
		baseCreated = baseCommit.CreatedAt
	} else if err != storage.ErrNotFound {
		return nil, err
	}
	if c, err := m.store.GetCommit(ctx, currentTip); err == nil {
		aTipCreated = c.CreatedAt
	}
	if c, err := m.store.GetCommit(ctx, sourceTip); err == nil {
		bTipCreated = c.CreatedAt
	}

	conflicts, err := m.detectConflicts(ctx, branchACommits, branchBCommits, baseAncestors, baseCreated, aTipCreated, bTipCreated)
	if err != nil {
		return nil, err
	}

	if len(conflicts) == 0 {
		result := &MergeResult{MergeType: MergeClean, CurrentTip: currentTip, SourceTip: sourceTip}
		if err := m.CommitMerge(ctx, result, currentBranch, sourceBranch, fmt.Sprintf("merge %s into %s", sourceBranch, currentBranch), false); err != nil {
			return nil, err
		}
		return result, nil
	}

	if opts.RaiseOnConflict && opts.Resolver == nil {
		return nil, &tracterr.MergeConflict{ConflictCount: len(conflicts)}
	}

	if opts.Resolver == nil {
		return &MergeResult{MergeType: MergeConflict, Conflicts: conflicts, CurrentTip: currentTip, SourceTip: sourceTip}, nil
	}

	resolutions := make(map[string]string, len(conflicts))
	for _, conflict := range conflicts {
		resolution, err := opts.Resolver.Resolve(ctx, capability.ConflictInfo{
			Kind: string(conflict.Class), TargetHash: conflict.TargetHash,
			OurContent: conflict.OurContent, TheirContent: conflict.TheirContent,
		})
		if err != nil {
			return nil, err
		}
		if resolution.Action == "abort" {
			return &MergeResult{MergeType: MergeConflict, Conflicts: conflicts, Resolutions: resolutions, CurrentTip: currentTip, SourceTip: sourceTip}, nil
		}
		resolutions[conflict.TargetHash] = resolution.ContentText
	}

	mergeType := MergeConflict
	if opts.Strategy == "semantic" {
		mergeType = MergeSemantic
	}
	return &MergeResult{MergeType: mergeType, Conflicts: conflicts, Resolutions: resolutions, CurrentTip: currentTip, SourceTip: sourceTip}, nil
}

// ApplyResolutions commits one EDIT per resolved conflict target (chaining
// each onto the previous, since commitengine.CreateCommit always parents
// onto the current branch's live tip) and then finalizes the merge commit.
// Every conflict in result.Conflicts must have a non-empty entry in
// result.Resolutions; the spec leaves committing a resolver-produced
// MergeResult as a caller step, and this is the shared path both Merge's
// direct callers and a hook handler's approve() use to take it.
func (m *Merger) ApplyResolutions(ctx context.Context, result *MergeResult, currentBranch, sourceBranch string) error {
	if result.Committed {
		return fmt.Errorf("history: merge already committed as %s", result.MergeCommitHash)
	}
	for _, conflict := range result.Conflicts {
		text, ok := result.Resolutions[conflict.TargetHash]
		if !ok || text == "" {
			return &tracterr.MergeConflict{ConflictCount: len(result.Conflicts)}
		}
		info, err := m.engine.CreateCommit(ctx, map[string]any{"role": "assistant", "text": text}, commitengine.CreateCommitOptions{
			ContentType: content.Freeform, Operation: commitengine.OperationEdit, ResponseTo: conflict.TargetHash,
		})
		if err != nil {
			return err
		}
		result.CurrentTip = info.CommitHash
	}
	return m.CommitMerge(ctx, result, currentBranch, sourceBranch, fmt.Sprintf("merge %s into %s", sourceBranch, currentBranch), false)
}

// CommitMerge finalizes a clean or fully-resolved merge by creating the
// merge commit (spec.md §4.6.1 point 9). Fast-forward merges never call
// this; they have no merge commit to create.
func (m *Merger) CommitMerge(ctx context.Context, result *MergeResult, currentBranch, sourceBranch, message string, deleteSourceBranch bool) error {
	if result.Committed {
		return fmt.Errorf("history: merge already committed as %s", result.MergeCommitHash)
	}

	metadata := map[string]any{"source_branch": sourceBranch}
	if len(result.Resolutions) > 0 {
		metadata["resolutions"] = result.Resolutions
	}
	payload := map[string]any{"text": mergeSummaryText(result, sourceBranch)}

	info, err := m.engine.CreateMergeCommit(ctx, payload, content.Freeform, []string{result.CurrentTip, result.SourceTip}, message, metadata)
	if err != nil {
		return err
	}

	result.MergeCommitHash = info.CommitHash
	result.Committed = true

	if deleteSourceBranch {
		if err := m.dag.DeleteBranch(ctx, nil, sourceBranch, true); err != nil {
			return err
		}
	}
	log.Printf("committed merge %s (%s <- %s)", info.CommitHash, currentBranch, sourceBranch)
	return nil
}

func mergeSummaryText(result *MergeResult, sourceBranch string) string {
	if len(result.Resolutions) == 0 {
		return fmt.Sprintf("merge %s", sourceBranch)
	}
	return fmt.Sprintf("merge %s (%d conflict(s) resolved)", sourceBranch, len(result.Resolutions))
}

func (m *Merger) detectConflicts(ctx context.Context, branchACommits, branchBCommits []storage.CommitRow, baseAncestors map[string]bool, baseCreated, aTipCreated, bTipCreated time.Time) ([]Conflict, error) {
	aEdits := collectEdits(branchACommits)
	bEdits := collectEdits(branchBCommits)
	aHasAppend := hasAppend(branchACommits)
	bHasAppend := hasAppend(branchBCommits)

	var conflicts []Conflict

	for target, aEdit := range aEdits {
		if bEdit, ok := bEdits[target]; ok {
			ourText, err := m.commitText(ctx, aEdit.CommitHash)
			if err != nil {
				return nil, err
			}
			theirText, err := m.commitText(ctx, bEdit.CommitHash)
			if err != nil {
				return nil, err
			}
			conflicts = append(conflicts, Conflict{Class: ConflictBothEdit, TargetHash: target, OurContent: ourText, TheirContent: theirText})
			continue
		}

		skipped, err := m.wasSkippedInWindow(ctx, target, baseCreated, bTipCreated)
		if err != nil {
			return nil, err
		}
		if skipped {
			ourText, err := m.commitText(ctx, aEdit.CommitHash)
			if err != nil {
				return nil, err
			}
			conflicts = append(conflicts, Conflict{Class: ConflictSkipVsEdit, TargetHash: target, OurContent: ourText, TheirContent: "SKIP"})
			continue
		}

		if baseAncestors[target] && bHasAppend {
			ourText, err := m.commitText(ctx, aEdit.CommitHash)
			if err != nil {
				return nil, err
			}
			conflicts = append(conflicts, Conflict{Class: ConflictEditPlusAppend, TargetHash: target, OurContent: ourText, TheirContent: "(branch has new appended commits)"})
		}
	}

	for target, bEdit := range bEdits {
		if _, ok := aEdits[target]; ok {
			continue // already reported as both_edit above
		}

		skipped, err := m.wasSkippedInWindow(ctx, target, baseCreated, aTipCreated)
		if err != nil {
			return nil, err
		}
		if skipped {
			theirText, err := m.commitText(ctx, bEdit.CommitHash)
			if err != nil {
				return nil, err
			}
			conflicts = append(conflicts, Conflict{Class: ConflictSkipVsEdit, TargetHash: target, OurContent: "SKIP", TheirContent: theirText})
			continue
		}

		if baseAncestors[target] && aHasAppend {
			theirText, err := m.commitText(ctx, bEdit.CommitHash)
			if err != nil {
				return nil, err
			}
			conflicts = append(conflicts, Conflict{Class: ConflictEditPlusAppend, TargetHash: target, OurContent: "(branch has new appended commits)", TheirContent: theirText})
		}
	}

	return conflicts, nil
}

func (m *Merger) commitText(ctx context.Context, commitHash string) (string, error) {
	c, err := m.store.GetCommit(ctx, commitHash)
	if err != nil {
		return "", fmt.Errorf("history: load commit %s: %w", commitHash, err)
	}
	blob, err := m.store.GetBlob(ctx, c.ContentHash)
	if err != nil {
		return "", &tracterr.BlobNotFound{ContentHash: c.ContentHash, CommitHash: commitHash}
	}
	var payload map[string]any
	if err := json.Unmarshal(blob.PayloadJSON, &payload); err != nil {
		return "", fmt.Errorf("history: unmarshal blob for %s: %w", commitHash, err)
	}
	text, err := content.ExtractText(payload)
	if err != nil {
		return "", err
	}
	// Normalize trailing whitespace in the text shown on a Conflict.
	// detectConflicts never compares texts: both branches editing the same
	// target is a both_edit conflict whatever the two texts are.
	return stringutil.NormalizeWhitespace(text), nil
}

// wasSkippedInWindow reports whether targetHash's latest annotation at or
// before at, but strictly after since, is SKIP — i.e. whether the opposite
// branch skipped it during its own development window.
func (m *Merger) wasSkippedInWindow(ctx context.Context, targetHash string, since, at time.Time) (bool, error) {
	annotation, err := m.store.LatestAnnotation(ctx, m.tractID, targetHash, &at)
	if err != nil {
		if err == storage.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	if !annotation.CreatedAt.After(since) {
		return false, nil
	}
	return annotation.Priority == "SKIP", nil
}

func collectEdits(commits []storage.CommitRow) map[string]storage.CommitRow {
	edits := make(map[string]storage.CommitRow)
	for _, c := range commits {
		if c.Operation != "EDIT" || c.ResponseTo == "" {
			continue
		}
		if existing, ok := edits[c.ResponseTo]; !ok || c.CreatedAt.After(existing.CreatedAt) {
			edits[c.ResponseTo] = c
		}
	}
	return edits
}

func hasAppend(commits []storage.CommitRow) bool {
	for _, c := range commits {
		if c.Operation == "APPEND" {
			return true
		}
	}
	return false
}
