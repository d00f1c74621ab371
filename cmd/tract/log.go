package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/WilliamJin123/tract/internal/compiler"
	"github.com/WilliamJin123/tract/pkg/console"
	"github.com/WilliamJin123/tract/pkg/stringutil"
)

const logContentPreviewWidth = 60

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show the compiled context at HEAD, one row per surviving commit",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		tr, err := openTract(ctx)
		if err != nil {
			fail(err)
		}
		defer tr.Close()

		compiled, err := tr.Compile(ctx, compiler.CompileOptions{})
		if err != nil {
			fail(err)
		}

		if jsonOut {
			if err := console.OutputStructOrJSON(compiled, true); err != nil {
				fail(err)
			}
			return
		}

		rows := make([][]string, 0, len(compiled.Messages))
		for i, m := range compiled.Messages {
			hash := ""
			if i < len(compiled.CommitHashes) {
				hash = stringutil.Truncate(compiled.CommitHashes[i], 10)
			}
			rows = append(rows, []string{hash, m.Role, stringutil.Truncate(m.Content, logContentPreviewWidth)})
		}
		fmt.Println(console.RenderTable(console.TableConfig{
			Title:   fmt.Sprintf("HEAD (%s, %d tokens)", compiled.TokenSource, compiled.TokenCount),
			Headers: []string{"commit", "role", "content"},
			Rows:    rows,
		}))
	},
}
