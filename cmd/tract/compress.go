package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/WilliamJin123/tract/internal/history"
	"github.com/WilliamJin123/tract/internal/hooks"
	"github.com/WilliamJin123/tract/pkg/console"
)

var (
	compressTargetTokens int
	compressReview       bool
	compressContent      string
)

var compressCmd = &cobra.Command{
	Use:   "compress",
	Short: "Summarize the first-parent chain down to --target-tokens",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		tr, err := openTract(ctx)
		if err != nil {
			fail(err)
		}
		defer tr.Close()

		opts := history.CompressOptions{TargetTokens: compressTargetTokens, Content: compressContent}

		spinner := console.NewSpinnerV2("summarizing...")
		spinner.Start()
		pending, result, err := tr.Compress(ctx, opts, compressReview)
		spinner.Stop()
		if err != nil {
			fail(err)
		}

		if !compressReview {
			printCompressResult(result)
			return
		}
		if err := reviewCompressDraft(ctx, pending); err != nil {
			fail(err)
		}
		printCompressResult(pending.Result())
	},
}

// reviewCompressDraft walks PendingCompress's generic ToDict() summary, lets
// the operator rewrite any group's draft summary in place, then runs the
// spec's validate-or-retry loop before approving.
func reviewCompressDraft(ctx context.Context, pending *hooks.PendingCompress) error {
	draft := pending.ToDict()
	summaries, _ := draft["summaries"].([]string)

	for i, s := range summaries {
		edited, err := console.PromptText(fmt.Sprintf("Group %d summary", i), s)
		if err != nil {
			return err
		}
		if edited != "" && edited != s {
			if err := pending.EditSummary(i, edited); err != nil {
				return err
			}
		}
	}

	result, err := pending.Validate(ctx)
	if err != nil {
		return err
	}
	if !result.Passed {
		fmt.Println(console.FormatWarningMessage(result.Diagnosis))
		confirmed, err := console.ConfirmAction("Validation failed; approve anyway?", "yes", "no")
		if err != nil {
			return err
		}
		if !confirmed {
			return pending.Reject(ctx, result.Diagnosis)
		}
	}

	confirmed, err := console.ConfirmAction("Commit this compression?", "yes", "no")
	if err != nil {
		return err
	}
	if !confirmed {
		return pending.Reject(ctx, "declined at confirmation")
	}
	return pending.Approve(ctx)
}

func printCompressResult(result *history.CompressResult) {
	if result == nil {
		fmt.Println(console.FormatWarningMessage("compression left uncommitted"))
		return
	}
	if jsonOut {
		_ = console.OutputStructOrJSON(result, true)
		return
	}
	fmt.Println(console.FormatSuccessMessage(fmt.Sprintf(
		"compressed %d commits into %d summaries (%d -> %d tokens)",
		len(result.SourceCommits), len(result.SummaryCommits), result.OriginalTokens, result.CompressedTokens,
	)))
}

func init() {
	compressCmd.Flags().IntVar(&compressTargetTokens, "target-tokens", 0, "token budget to compress down to")
	compressCmd.Flags().BoolVar(&compressReview, "review", false, "review and edit summaries interactively before committing")
	compressCmd.Flags().StringVar(&compressContent, "content", "", "manual summary text (requires exactly one compressible group)")
}
