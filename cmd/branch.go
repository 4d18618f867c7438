package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/apex/internal/branch"
	"github.com/joescharf/apex/internal/output"
)

var (
	mergeSquash  bool
	mergeMessage string
	branchForce  bool
)

var branchCmd = &cobra.Command{
	Use:     "branch",
	Aliases: []string{"br"},
	Short:   "Push, merge and delete task branches",
}

var branchPushCmd = &cobra.Command{
	Use:   "push <id>",
	Short: "Push a task branch to the remote",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return branchPushRun(cmd, args[0])
	},
}

var branchMergeCmd = &cobra.Command{
	Use:   "merge <id>",
	Short: "Merge a task branch into the base branch",
	Long: `Merge a task branch into the base branch of its repository. The main
checkout must be clean; conflicts are aborted so the repository is left
as it was.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return branchMergeRun(cmd, args[0])
	},
}

var branchDeleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a task branch",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return branchDeleteRun(cmd, args[0])
	},
}

func init() {
	branchMergeCmd.Flags().BoolVar(&mergeSquash, "squash", false, "Squash the branch into one commit")
	branchMergeCmd.Flags().StringVarP(&mergeMessage, "message", "m", "", "Commit message")
	branchDeleteCmd.Flags().BoolVarP(&branchForce, "force", "f", false, "Delete even if unmerged")

	branchCmd.AddCommand(branchPushCmd, branchMergeCmd, branchDeleteCmd)
	rootCmd.AddCommand(branchCmd)
}

func branchPushRun(cmd *cobra.Command, ref string) error {
	o, err := getOrchestrator()
	if err != nil {
		return err
	}
	t, err := o.Resolve(cmd.Context(), ref)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would push %s", t.BranchName)
		return nil
	}

	res, err := o.Push(cmd.Context(), t.ID)
	if err != nil {
		return err
	}
	if jsonOutput {
		return ui.JSON(branch.SummarizePush(res))
	}
	switch v := res.(type) {
	case branch.Pushed:
		if v.UpToDate {
			ui.Info("%s is up to date with %s", v.Branch, v.RemoteBranch)
		} else {
			ui.Success("Pushed %s to %s", v.Branch, output.Cyan(v.RemoteBranch))
		}
	case branch.PushFailed:
		return fmt.Errorf("push %s (%s): %s", t.BranchName, v.Reason, v.Message)
	}
	return nil
}

func branchMergeRun(cmd *cobra.Command, ref string) error {
	o, err := getOrchestrator()
	if err != nil {
		return err
	}
	t, err := o.Resolve(cmd.Context(), ref)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would merge %s (squash=%t)", t.BranchName, mergeSquash)
		return nil
	}

	res, err := o.Merge(cmd.Context(), t.ID, branch.MergeOptions{Squash: mergeSquash, Message: mergeMessage})
	if err != nil {
		return err
	}
	if jsonOutput {
		return ui.JSON(branch.SummarizeMerge(res))
	}
	switch v := res.(type) {
	case branch.MergeSucceeded:
		ui.Success("Merged %s (%s, %d files)", v.Branch, v.Commit, len(v.ChangedFiles))
		for _, f := range v.ChangedFiles {
			ui.VerboseLog("%s", f)
		}
	case branch.MergeConflicted:
		ui.Error("Merge of %s conflicted and was aborted", v.Branch)
		for _, f := range v.Files {
			fmt.Fprintf(ui.ErrOut, "  %s\n", output.Yellow(f))
		}
		return fmt.Errorf("merge conflict in %s", strings.Join(v.Files, ", "))
	case branch.MergeFailed:
		return fmt.Errorf("merge %s (%s): %s", t.BranchName, v.Reason, v.Message)
	}
	return nil
}

func branchDeleteRun(cmd *cobra.Command, ref string) error {
	o, err := getOrchestrator()
	if err != nil {
		return err
	}
	t, err := o.Resolve(cmd.Context(), ref)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would delete branch %s", t.BranchName)
		return nil
	}
	if err := o.DeleteBranch(cmd.Context(), t.ID, branchForce); err != nil {
		return err
	}
	ui.Success("Deleted branch %s", t.BranchName)
	return nil
}
