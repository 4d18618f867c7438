package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/apex/internal/models"
	"github.com/joescharf/apex/internal/orchestrator"
	"github.com/joescharf/apex/internal/output"
)

var trashProject string

var trashCmd = &cobra.Command{
	Use:   "trash",
	Short: "Soft-delete, restore and purge tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return trashListRun(cmd)
	},
}

var trashAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Move a task and its subtasks to the trash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskOpRun(cmd, args[0], "Trashed", func(o *orchestrator.Orchestrator) taskOp { return o.Trash })
	},
}

var trashListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List trashed tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return trashListRun(cmd)
	},
}

var trashRestoreCmd = &cobra.Command{
	Use:   "restore <id>",
	Short: "Restore a trashed task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskOpRun(cmd, args[0], "Restored", func(o *orchestrator.Orchestrator) taskOp { return o.Restore })
	},
}

var trashPurgeCmd = &cobra.Command{
	Use:   "purge <id>",
	Short: "Permanently delete one trashed task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return trashPurgeRun(cmd, args[0])
	},
}

var trashEmptyCmd = &cobra.Command{
	Use:   "empty",
	Short: "Permanently delete all trashed tasks",
	Long: `Permanently delete every trashed task together with its worktree and
branch. This cannot be undone.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return trashEmptyRun(cmd)
	},
}

func init() {
	trashListCmd.Flags().StringVarP(&trashProject, "project", "p", "", "Repository path to filter by")
	trashCmd.AddCommand(trashAddCmd, trashListCmd, trashRestoreCmd, trashPurgeCmd, trashEmptyCmd)
	rootCmd.AddCommand(trashCmd)
}

func trashListRun(cmd *cobra.Command) error {
	o, err := getOrchestrator()
	if err != nil {
		return err
	}
	tasks, err := o.ListTrashed(cmd.Context(), trashProject)
	if err != nil {
		return err
	}
	if jsonOutput {
		if tasks == nil {
			tasks = []*models.Task{}
		}
		return ui.JSON(tasks)
	}
	if len(tasks) == 0 {
		ui.Info("Trash is empty.")
		return nil
	}
	printTaskTable(tasks)
	return nil
}

func trashPurgeRun(cmd *cobra.Command, ref string) error {
	o, err := getOrchestrator()
	if err != nil {
		return err
	}
	t, err := o.Resolve(cmd.Context(), ref)
	if err != nil {
		return err
	}
	if !t.IsTrashed() {
		return fmt.Errorf("%w: %s", orchestrator.ErrNotTrashed, t.ID)
	}
	if dryRun {
		ui.DryRunMsg("Would permanently delete %s (%s)", t.ID, t.Title)
		return nil
	}
	if err := o.Purge(cmd.Context(), t.ID); err != nil {
		return err
	}
	ui.Success("Deleted %s", output.Cyan(t.ID))
	return nil
}

func trashEmptyRun(cmd *cobra.Command) error {
	o, err := getOrchestrator()
	if err != nil {
		return err
	}
	if dryRun {
		tasks, err := o.ListTrashed(cmd.Context(), "")
		if err != nil {
			return err
		}
		ui.DryRunMsg("Would permanently delete %d tasks", len(tasks))
		return nil
	}
	n, err := o.EmptyTrash(cmd.Context())
	if n > 0 {
		ui.Success("Deleted %s tasks", output.Cyan(itoa(n)))
	}
	return err
}
