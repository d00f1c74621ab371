// Command tract is a thin CLI over pkg/tract: enough to open a tract,
// commit into it, inspect its compiled context and branches, and drive the
// history-rewriting operations (merge, compress, gc) including their
// human-in-the-loop review flow.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/WilliamJin123/tract/pkg/console"
	"github.com/WilliamJin123/tract/pkg/constants"
	"github.com/WilliamJin123/tract/pkg/stringutil"
)

// version is set by the build; "dev" when built directly with `go build`.
var version = "dev"

var (
	dbPath   string
	tractID  string
	encoding string
	jsonOut  bool
)

var rootCmd = &cobra.Command{
	Use:     constants.CLIExtensionPrefix,
	Short:   "Tract: a content-addressed, Git-inspired store for LLM conversation context",
	Version: version,
	Long: `Tract is a content-addressed, Git-inspired store for LLM conversation context.

Common Tasks:
  tract commit --role user --text "hi"   # append a message
  tract log                              # show the compiled context
  tract branch create feature            # branch the conversation
  tract merge feature --review           # merge, resolving conflicts interactively
  tract compress --target-tokens 2000    # summarize older history

For detailed help on any command, use:
  tract [command] --help`,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "tract.db", "path to the tract's SQLite store")
	rootCmd.PersistentFlags().StringVar(&tractID, "tract-id", "cli", "tract ID to operate on within the store")
	rootCmd.PersistentFlags().StringVar(&encoding, "encoding", "cl100k_base", "tiktoken encoding used to count tokens")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "emit machine-readable JSON instead of console output")

	rootCmd.AddCommand(commitCmd, logCmd, compileCmd, branchCmd, checkoutCmd, mergeCmd, compressCmd, gcCmd)
}

// fail prints err and exits non-zero. The message is sanitized first since
// it may echo back commit content a user asked Tract to store, which can
// itself contain secret-shaped text.
func fail(err error) {
	fmt.Fprintln(os.Stderr, console.FormatErrorMessage(stringutil.SanitizeErrorMessage(err.Error())))
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fail(err)
	}
}
