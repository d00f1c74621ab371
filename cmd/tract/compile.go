package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/WilliamJin123/tract/internal/compiler"
	"github.com/WilliamJin123/tract/pkg/console"
)

var compileAtCommit string

var compileCmd = &cobra.Command{
	Use:   "compile",
	Short: "Print the full compiled context, including token accounting",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		tr, err := openTract(ctx)
		if err != nil {
			fail(err)
		}
		defer tr.Close()

		compiled, err := tr.Compile(ctx, compiler.CompileOptions{AtCommit: compileAtCommit})
		if err != nil {
			fail(err)
		}

		if err := console.OutputStructOrJSON(compiled, jsonOut); err != nil {
			fail(err)
		}
		fmt.Println(console.FormatCountMessage(fmt.Sprintf("%d commits, %d tokens (%s)", compiled.CommitCount, compiled.TokenCount, compiled.TokenSource)))
	},
}

func init() {
	compileCmd.Flags().StringVar(&compileAtCommit, "at-commit", "", "compile as of this commit instead of HEAD")
}
