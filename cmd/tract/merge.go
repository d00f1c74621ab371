package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/WilliamJin123/tract/internal/history"
	"github.com/WilliamJin123/tract/internal/hooks"
	"github.com/WilliamJin123/tract/pkg/console"
	"github.com/WilliamJin123/tract/pkg/sliceutil"
	"github.com/WilliamJin123/tract/pkg/tracterr"
)

var (
	mergeReview bool
	mergeNoFF   bool
)

var mergeCmd = &cobra.Command{
	Use:   "merge <source-branch>",
	Short: "Merge source-branch into the current HEAD",
	Long: `Merge source-branch into the current HEAD.

Without --review, any conflict aborts the merge uncommitted. With --review,
conflicts are resolved interactively: type replacement text for each, or
type "abort" to cancel the whole merge.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		tr, err := openTract(ctx)
		if err != nil {
			fail(err)
		}
		defer tr.Close()

		pending, result, err := tr.Merge(ctx, args[0], history.MergeOptions{NoFF: mergeNoFF}, mergeReview)
		if err != nil {
			fail(err)
		}

		if pending == nil {
			printMergeResult(result)
			return
		}
		if !mergeReview {
			if !result.Committed {
				fail(&tracterr.MergeConflict{ConflictCount: len(result.Conflicts)})
			}
			printMergeResult(result)
			return
		}

		if err := resolveMergeInteractively(ctx, pending); err != nil {
			fail(err)
		}
		printMergeResult(pending.Result())
	},
}

// resolveMergeInteractively prompts for replacement text for every
// conflict pending holds, then approves or rejects based on the outcome.
func resolveMergeInteractively(ctx context.Context, pending *hooks.PendingMerge) error {
	conflicts := pending.Result().Conflicts
	if len(conflicts) == 0 {
		return pending.Approve(ctx)
	}

	results := console.ValidationResults{}
	for _, c := range conflicts {
		results.Errors = append(results.Errors, console.ValidationError{
			Category: string(c.Class),
			Severity: "high",
			Message:  fmt.Sprintf("%s: ours=%q theirs=%q", c.TargetHash, c.OurContent, c.TheirContent),
		})
	}
	fmt.Println(console.FormatValidationSummary(&results, true))

	for _, c := range conflicts {
		resolution, err := console.PromptText(
			fmt.Sprintf("Resolve %s (%s)", c.TargetHash, c.Class),
			`Enter replacement text, or "abort" to cancel the merge`,
		)
		if err != nil {
			return err
		}
		if sliceutil.ContainsAny(strings.ToLower(resolution), "abort", "cancel") {
			return pending.Reject(ctx, "aborted interactively")
		}
		if err := pending.SetResolution(c.TargetHash, resolution); err != nil {
			return err
		}
	}

	confirmed, err := console.ConfirmAction("Commit the resolved merge?", "yes", "no")
	if err != nil {
		return err
	}
	if !confirmed {
		return pending.Reject(ctx, "declined at confirmation")
	}
	return pending.Approve(ctx)
}

func printMergeResult(result *history.MergeResult) {
	if result == nil {
		fmt.Println(console.FormatWarningMessage("merge left uncommitted"))
		return
	}
	if jsonOut {
		_ = console.OutputStructOrJSON(result, true)
		return
	}
	if result.Committed {
		fmt.Println(console.FormatSuccessMessage(fmt.Sprintf("%s merge -> %s", result.MergeType, result.MergeCommitHash)))
	} else {
		fmt.Println(console.FormatWarningMessage(fmt.Sprintf("merge left uncommitted (%d conflicts)", len(result.Conflicts))))
	}
}

func init() {
	mergeCmd.Flags().BoolVar(&mergeReview, "review", false, "resolve conflicts interactively instead of failing on the first one")
	mergeCmd.Flags().BoolVar(&mergeNoFF, "no-ff", false, "always create a merge commit, even when a fast-forward is possible")
}
