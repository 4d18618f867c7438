package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/joescharf/apex/internal/models"
	"github.com/joescharf/apex/internal/output"
	"github.com/joescharf/apex/internal/worktree"
)

var worktreeCmd = &cobra.Command{
	Use:     "worktree",
	Aliases: []string{"wt"},
	Short:   "Inspect and clean up task worktrees",
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeListRun(cmd, "")
	},
}

var worktreeListCmd = &cobra.Command{
	Use:     "list [project]",
	Aliases: []string{"ls"},
	Short:   "List task worktrees",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var project string
		if len(args) > 0 {
			project = args[0]
		}
		return worktreeListRun(cmd, project)
	},
}

var worktreePathCmd = &cobra.Command{
	Use:     "path <id>",
	Aliases: []string{"switch"},
	Short:   "Print the worktree path of a task",
	Long: `Print the worktree path of a task, for use as:

  cd "$(apex worktree path <id>)"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreePathRun(cmd, args[0])
	},
}

var worktreeCleanupCmd = &cobra.Command{
	Use:   "cleanup [project]",
	Short: "Remove orphaned and stale task worktrees",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var project string
		if len(args) > 0 {
			project = args[0]
		}
		return worktreeCleanupRun(cmd, project)
	},
}

var worktreeRemoveCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"remove"},
	Short:   "Remove the worktree of a task",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeRemoveRun(cmd, args[0])
	},
}

func init() {
	worktreeCmd.AddCommand(worktreeListCmd, worktreePathCmd, worktreeCleanupCmd, worktreeRemoveCmd)
	rootCmd.AddCommand(worktreeCmd)
}

func worktreeListRun(cmd *cobra.Command, project string) error {
	o, err := getOrchestrator()
	if err != nil {
		return err
	}
	list, err := o.ListWorktrees(cmd.Context(), project)
	if err != nil {
		return err
	}
	if jsonOutput {
		if list == nil {
			list = []worktree.Info{}
		}
		return ui.JSON(list)
	}
	if len(list) == 0 {
		ui.Info("No task worktrees.")
		return nil
	}
	printWorktreeTable(list)
	return nil
}

func worktreePathRun(cmd *cobra.Command, ref string) error {
	o, err := getOrchestrator()
	if err != nil {
		return err
	}
	t, err := o.Resolve(cmd.Context(), ref)
	if err != nil {
		return err
	}
	path, err := o.SwitchWorktree(cmd.Context(), t.ID)
	if err != nil {
		return err
	}
	fmt.Fprintln(ui.Out, path)
	return nil
}

func worktreeCleanupRun(cmd *cobra.Command, project string) error {
	o, err := getOrchestrator()
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would remove orphaned and stale worktrees")
		return nil
	}
	removed, err := o.CleanupOrphaned(cmd.Context(), project)
	if err != nil {
		return err
	}
	if jsonOutput {
		if removed == nil {
			removed = []worktree.Info{}
		}
		return ui.JSON(removed)
	}
	if len(removed) == 0 {
		ui.Info("Nothing to clean up.")
		return nil
	}
	for _, wt := range removed {
		ui.VerboseLog("removed %s", wt.Path)
	}
	ui.Success("Removed %s worktrees", output.Cyan(itoa(len(removed))))
	return nil
}

func worktreeRemoveRun(cmd *cobra.Command, ref string) error {
	o, err := getOrchestrator()
	if err != nil {
		return err
	}
	t, err := o.Resolve(cmd.Context(), ref)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would remove the worktree of %s", t.ID)
		return nil
	}
	ok, err := o.CleanupTask(cmd.Context(), t.ID)
	if err != nil {
		return err
	}
	if !ok {
		ui.Info("Task %s has no worktree", t.ID)
		return nil
	}
	ui.Success("Removed worktree of %s", output.Cyan(t.ID))
	return nil
}

func printWorktreeTable(list []worktree.Info) {
	table := ui.Table([]string{"Task", "Branch", "Path"})
	for _, wt := range list {
		_ = table.Append([]string{models.ShortID(wt.TaskID), wt.Branch, wt.Path})
	}
	_ = table.Render()
}

func itoa(n int) string { return strconv.Itoa(n) }
