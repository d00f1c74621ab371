package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/WilliamJin123/tract/pkg/console"
	"github.com/WilliamJin123/tract/pkg/constants"
	"github.com/WilliamJin123/tract/pkg/sliceutil"
)

var branchForceDelete bool
var branchAtCommit string

// protectedBranches can never be deleted through the CLI, --force included.
var protectedBranches = []string{constants.DefaultBranch}

var branchCmd = &cobra.Command{
	Use:   "branch",
	Short: "List, create, or delete branches",
}

var branchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every branch in the tract",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		tr, err := openTract(ctx)
		if err != nil {
			fail(err)
		}
		defer tr.Close()

		branches, err := tr.ListBranches(ctx)
		if err != nil {
			fail(err)
		}
		if jsonOut {
			if err := console.OutputStructOrJSON(branches, true); err != nil {
				fail(err)
			}
			return
		}
		for _, b := range branches {
			fmt.Println(console.FormatListItem(b))
		}
	},
}

var branchCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a branch pointing at HEAD (or --at-commit)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		tr, err := openTract(ctx)
		if err != nil {
			fail(err)
		}
		defer tr.Close()

		if err := tr.CreateBranch(ctx, args[0], branchAtCommit); err != nil {
			fail(err)
		}
		fmt.Println(console.FormatSuccessMessage(fmt.Sprintf("created branch %s", args[0])))
	},
}

var branchDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a branch",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		tr, err := openTract(ctx)
		if err != nil {
			fail(err)
		}
		defer tr.Close()

		if sliceutil.Contains(protectedBranches, args[0]) {
			fail(fmt.Errorf("refusing to delete protected branch %q", args[0]))
		}

		if err := tr.DeleteBranch(ctx, args[0], branchForceDelete); err != nil {
			fail(err)
		}
		fmt.Println(console.FormatSuccessMessage(fmt.Sprintf("deleted branch %s", args[0])))
	},
}

func init() {
	branchCreateCmd.Flags().StringVar(&branchAtCommit, "at-commit", "", "commit hash to branch from (defaults to HEAD)")
	branchDeleteCmd.Flags().BoolVar(&branchForceDelete, "force", false, "delete even if the branch has commits unreachable from every other branch")
	branchCmd.AddCommand(branchListCmd, branchCreateCmd, branchDeleteCmd)
}
