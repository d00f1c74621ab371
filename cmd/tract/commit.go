package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/WilliamJin123/tract/internal/commitengine"
	"github.com/WilliamJin123/tract/internal/content"
	"github.com/WilliamJin123/tract/pkg/console"
)

var (
	commitRole       string
	commitText       string
	commitType       string
	commitResponseTo string
	commitEdit       bool
)

var commitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Append (or edit) a commit at HEAD",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		tr, err := openTract(ctx)
		if err != nil {
			fail(err)
		}
		defer tr.Close()

		ctype, err := contentTypeFromFlag(commitType)
		if err != nil {
			fail(err)
		}

		payload := map[string]any{"text": commitText}
		if commitRole != "" {
			payload["role"] = commitRole
		}

		opts := commitengine.CreateCommitOptions{ContentType: ctype}
		if commitEdit {
			if commitResponseTo == "" {
				fail(fmt.Errorf("--edit requires --response-to <commit-hash>"))
			}
			opts.Operation = commitengine.OperationEdit
			opts.ResponseTo = commitResponseTo
		}

		info, err := tr.CreateCommit(ctx, payload, opts, nil)
		if err != nil {
			fail(err)
		}
		fmt.Println(console.FormatSuccessMessage(fmt.Sprintf("committed %s", info.CommitHash)))
	},
}

func contentTypeFromFlag(s string) (content.Type, error) {
	switch s {
	case "", "dialogue":
		return content.Dialogue, nil
	case "instruction":
		return content.Instruction, nil
	case "tool_io":
		return content.ToolIO, nil
	case "freeform":
		return content.Freeform, nil
	default:
		return "", fmt.Errorf("unknown --type %q (want dialogue, instruction, tool_io, or freeform)", s)
	}
}

func init() {
	commitCmd.Flags().StringVar(&commitRole, "role", "user", "dialogue role (user, assistant, system)")
	commitCmd.Flags().StringVar(&commitText, "text", "", "commit content")
	commitCmd.Flags().StringVar(&commitType, "type", "dialogue", "content type: dialogue, instruction, tool_io, freeform")
	commitCmd.Flags().StringVar(&commitResponseTo, "response-to", "", "commit hash this edit supersedes")
	commitCmd.Flags().BoolVar(&commitEdit, "edit", false, "commit as an EDIT of --response-to instead of an APPEND")
	_ = commitCmd.MarkFlagRequired("text")
}
