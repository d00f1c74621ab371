package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/WilliamJin123/tract/pkg/console"
)

var checkoutDetach bool

var checkoutCmd = &cobra.Command{
	Use:   "checkout <branch-or-commit>",
	Short: "Move HEAD to a branch (attached) or a commit (detached)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		tr, err := openTract(ctx)
		if err != nil {
			fail(err)
		}
		defer tr.Close()

		if err := tr.Checkout(ctx, args[0], checkoutDetach); err != nil {
			fail(err)
		}
		fmt.Println(console.FormatSuccessMessage(fmt.Sprintf("checked out %s", args[0])))
	},
}

func init() {
	checkoutCmd.Flags().BoolVar(&checkoutDetach, "detach", false, "detach HEAD at a commit instead of attaching to a branch")
}
