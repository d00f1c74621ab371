package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/WilliamJin123/tract/internal/history"
	"github.com/WilliamJin123/tract/pkg/console"
)

var (
	gcReview      bool
	gcOrphanDays  int
	gcArchiveDays int
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove unreachable and superseded-archived commits past their retention window",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		tr, err := openTract(ctx)
		if err != nil {
			fail(err)
		}
		defer tr.Close()

		opts := history.GCOptions{}
		if gcOrphanDays >= 0 {
			opts.OrphanRetentionDays = &history.RetentionDays{Days: gcOrphanDays}
		}
		if gcArchiveDays >= 0 {
			opts.ArchiveRetentionDays = &history.RetentionDays{Days: gcArchiveDays}
		}

		pending, result, err := tr.GC(ctx, opts, gcReview)
		if err != nil {
			fail(err)
		}

		if pending == nil {
			printGCResult(result)
			return
		}

		draft := pending.ToDict()
		fmt.Println(console.FormatInfoMessage(fmt.Sprintf(
			"%d orphan, %d archived candidates, ~%v tokens freed",
			len(asStrings(draft["orphan_candidates"])), len(asStrings(draft["archived_candidates"])), draft["estimated_freed"],
		)))

		confirmed, err := console.ConfirmAction("Remove these commits?", "yes", "no")
		if err != nil {
			fail(err)
		}
		if !confirmed {
			if err := pending.Reject(ctx, "declined at confirmation"); err != nil {
				fail(err)
			}
			fmt.Println(console.FormatWarningMessage("gc rejected"))
			return
		}
		if err := pending.Approve(ctx); err != nil {
			fail(err)
		}
		printGCResult(pending.Result())
	},
}

func asStrings(v any) []string {
	s, _ := v.([]string)
	return s
}

func printGCResult(result *history.GCResult) {
	if result == nil {
		fmt.Println(console.FormatWarningMessage("gc left uncommitted"))
		return
	}
	if jsonOut {
		_ = console.OutputStructOrJSON(result, true)
		return
	}
	fmt.Println(console.FormatSuccessMessage(fmt.Sprintf(
		"removed %d orphans, %d archived (%d tokens freed)",
		len(result.RemovedOrphans), len(result.RemovedArchivedChain), result.FreedTokens,
	)))
}

func init() {
	gcCmd.Flags().BoolVar(&gcReview, "review", false, "review removal candidates interactively before applying")
	gcCmd.Flags().IntVar(&gcOrphanDays, "orphan-days", -1, "orphan retention window in days (-1 uses the tract default)")
	gcCmd.Flags().IntVar(&gcArchiveDays, "archive-days", -1, "archived-chain retention window in days (-1 uses the tract default)")
}
