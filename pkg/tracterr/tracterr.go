// Package tracterr defines Tract's error taxonomy: one exported struct type
// per error kind, each implementing error, so callers can errors.As into the
// specific kind to read its structured fields instead of parsing a message
// string. This mirrors the teacher's habit of returning informative, typed
// errors colocated with the code that raises them rather than funneling
// everything through a single sentinel.
package tracterr

import "fmt"

// CommitNotFound is returned when a commit hash does not resolve to any row.
type CommitNotFound struct {
	Hash string
}

func (e *CommitNotFound) Error() string {
	return fmt.Sprintf("commit not found: %s (check the hash or prefix you supplied)", e.Hash)
}

// BlobNotFound indicates a commit references a content_hash with no blob
// row — a storage corruption condition, not a user input error.
type BlobNotFound struct {
	ContentHash string
	CommitHash  string
}

func (e *BlobNotFound) Error() string {
	return fmt.Sprintf("blob %s missing for commit %s (storage inconsistency)", e.ContentHash, e.CommitHash)
}

// ContentValidation is returned when a payload fails its content-type's
// JSON schema, whether from the built-in union or a tract's custom registry.
type ContentValidation struct {
	ContentType string
	Reason      string
}

func (e *ContentValidation) Error() string {
	return fmt.Sprintf("content of type %q failed validation: %s", e.ContentType, e.Reason)
}

// BudgetExceeded is returned in REJECT mode when a commit would push the
// tract's projected token total past its configured TokenBudgetConfig.
type BudgetExceeded struct {
	CurrentTokens int
	MaxTokens     int
}

func (e *BudgetExceeded) Error() string {
	return fmt.Sprintf("token budget exceeded: %d tokens would exceed the %d token budget (raise token_budget.max_tokens or compress first)", e.CurrentTokens, e.MaxTokens)
}

// EditTarget is returned when an EDIT commit's response_to is missing or
// itself points at an EDIT commit (edits of edits are forbidden).
type EditTarget struct {
	ResponseTo string
	Reason     string
}

func (e *EditTarget) Error() string {
	return fmt.Sprintf("invalid edit target %s: %s", e.ResponseTo, e.Reason)
}

// DuplicateRef is returned when creating a ref whose name already exists.
type DuplicateRef struct {
	RefName string
}

func (e *DuplicateRef) Error() string {
	return fmt.Sprintf("ref already exists: %s", e.RefName)
}

// DetachedHead is defined for API completeness (spec §9's Open Question);
// the default CommitEngine never returns it — see DESIGN.md.
type DetachedHead struct {
	TractID string
}

func (e *DetachedHead) Error() string {
	return fmt.Sprintf("tract %s has a detached HEAD", e.TractID)
}

// BranchExists is returned by CreateBranch when the branch name is taken.
type BranchExists struct {
	Branch string
}

func (e *BranchExists) Error() string {
	return fmt.Sprintf("branch already exists: %s (choose a different name or delete it first)", e.Branch)
}

// BranchNotFound is returned when a branch name does not resolve to a ref.
type BranchNotFound struct {
	Branch string
}

func (e *BranchNotFound) Error() string {
	return fmt.Sprintf("branch not found: %s", e.Branch)
}

// InvalidBranchName is returned when a branch name fails the naming rules.
type InvalidBranchName struct {
	Branch string
	Reason string
}

func (e *InvalidBranchName) Error() string {
	return fmt.Sprintf("invalid branch name %q: %s", e.Branch, e.Reason)
}

// UnmergedBranch is returned by DeleteBranch when the branch has commits
// unreachable from every other ref, unless the caller forces the deletion.
type UnmergedBranch struct {
	Branch string
}

func (e *UnmergedBranch) Error() string {
	return fmt.Sprintf("branch %s has unmerged commits (use force=true to delete anyway)", e.Branch)
}

// AmbiguousPrefix is returned when a hash prefix resolves to more than one
// commit; Candidates lists the matching full hashes.
type AmbiguousPrefix struct {
	Prefix     string
	Candidates []string
}

func (e *AmbiguousPrefix) Error() string {
	return fmt.Sprintf("ambiguous commit prefix %q matches %d commits (supply more characters)", e.Prefix, len(e.Candidates))
}

// MergeConflict is returned only when the caller explicitly opts in via
// raise_on_conflict; by default conflicts surface as an uncommitted
// MergeResult or a PendingMerge instead of an error.
type MergeConflict struct {
	ConflictCount int
}

func (e *MergeConflict) Error() string {
	return fmt.Sprintf("merge has %d unresolved conflicts", e.ConflictCount)
}

// NothingToMerge is returned when the source branch contributes nothing new.
type NothingToMerge struct {
	Source string
	Target string
}

func (e *NothingToMerge) Error() string {
	return fmt.Sprintf("nothing to merge: %s is already up to date with %s", e.Target, e.Source)
}

// Rebase wraps a failure encountered while replaying commits during rebase.
type Rebase struct {
	Reason string
}

func (e *Rebase) Error() string { return fmt.Sprintf("rebase failed: %s", e.Reason) }

// ImportCommit wraps a failure in cherry-picking a commit onto the current branch.
type ImportCommit struct {
	SourceHash string
	Reason     string
}

func (e *ImportCommit) Error() string {
	return fmt.Sprintf("import of %s failed: %s", e.SourceHash, e.Reason)
}

// Compression wraps a non-retry-related failure during compress().
type Compression struct {
	Reason string
}

func (e *Compression) Error() string { return fmt.Sprintf("compression failed: %s", e.Reason) }

// RetryExhausted is returned when a retention-pattern retry loop (or the
// generic hooks.AutoRetry helper) exhausts its retry budget without success.
type RetryExhausted struct {
	Attempts      int
	LastDiagnosis string
	LastResult    string
}

func (e *RetryExhausted) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %s", e.Attempts, e.LastDiagnosis)
}

// GC wraps a failure encountered while reclaiming unreachable storage.
type GC struct {
	Reason string
}

func (e *GC) Error() string { return fmt.Sprintf("gc failed: %s", e.Reason) }

// Session wraps a failure opening or using a tract's storage session.
type Session struct {
	Reason string
}

func (e *Session) Error() string { return fmt.Sprintf("session error: %s", e.Reason) }

// Spawn wraps a failure opening a tract (misconfiguration, bad path, …).
type Spawn struct {
	Reason string
}

func (e *Spawn) Error() string { return fmt.Sprintf("could not open tract: %s", e.Reason) }

// TriggerExecution wraps a failure inside a registered hook handler.
type TriggerExecution struct {
	Operation string
	Reason    string
}

func (e *TriggerExecution) Error() string {
	return fmt.Sprintf("hook for %q failed: %s", e.Operation, e.Reason)
}

// TriggerConfig is returned when a hook is registered with an invalid
// operation name or action whitelist.
type TriggerConfig struct {
	Reason string
}

func (e *TriggerConfig) Error() string { return fmt.Sprintf("invalid hook configuration: %s", e.Reason) }

// Orchestrator wraps a failure in the external LLM-driven control flow a
// hook handler delegates to (e.g. an auto-merge resolver).
type Orchestrator struct {
	Reason string
}

func (e *Orchestrator) Error() string { return fmt.Sprintf("orchestrator error: %s", e.Reason) }
