package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joescharf/apex/internal/models"
	"github.com/joescharf/apex/internal/output"
	"github.com/joescharf/apex/internal/subtask"
)

var (
	subtaskTitles   []string
	subtaskFile     string
	subtaskStrategy string
	subtaskContinue bool
)

var subtaskCmd = &cobra.Command{
	Use:     "subtask",
	Aliases: []string{"sub"},
	Short:   "Split tasks into subtasks and run them",
}

var subtaskDecomposeCmd = &cobra.Command{
	Use:   "decompose <id>",
	Short: "Split a task into subtasks",
	Long: `Split a task into subtasks, given either as repeated --subtask titles or as
a JSON file of [{"title": "...", "description": "..."}].

With the sequential strategy each subtask depends on the one before it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return subtaskDecomposeRun(cmd, args[0])
	},
}

var subtaskListCmd = &cobra.Command{
	Use:     "list <id>",
	Aliases: []string{"ls"},
	Short:   "List the subtasks of a task",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return subtaskListRun(cmd, args[0])
	},
}

var subtaskStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show subtask counts of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return subtaskStatusRun(cmd, args[0])
	},
}

var subtaskRunCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Run the unfinished subtasks of a task",
	Long: `Run the subtasks of a task that have not completed yet. Completed
subtasks are skipped, so this is safe to repeat after an interruption;
--continue also requeues subtasks an interrupted run left in progress.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return subtaskRunRun(cmd, args[0])
	},
}

func init() {
	subtaskDecomposeCmd.Flags().StringArrayVar(&subtaskTitles, "subtask", nil, "Subtask title (repeatable)")
	subtaskDecomposeCmd.Flags().StringVarP(&subtaskFile, "file", "f", "", "JSON file with subtask definitions")
	subtaskDecomposeCmd.Flags().StringVar(&subtaskStrategy, "strategy", string(models.SubtaskStrategySequential), "sequential or parallel")

	subtaskRunCmd.Flags().BoolVar(&subtaskContinue, "continue", false, "Requeue subtasks left in progress first")

	subtaskCmd.AddCommand(subtaskDecomposeCmd, subtaskListCmd, subtaskStatusCmd, subtaskRunCmd)
	rootCmd.AddCommand(subtaskCmd)
}

// loadDefinitions reads subtask definitions from --file or --subtask flags.
func loadDefinitions() ([]subtask.Definition, error) {
	var defs []subtask.Definition
	if subtaskFile != "" {
		data, err := os.ReadFile(subtaskFile)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", subtaskFile, err)
		}
		if err := json.Unmarshal(data, &defs); err != nil {
			return nil, fmt.Errorf("parse %s: %w", subtaskFile, err)
		}
	}
	for _, title := range subtaskTitles {
		defs = append(defs, subtask.Definition{Title: title})
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("no subtasks given: use --subtask or --file")
	}
	return defs, nil
}

func subtaskDecomposeRun(cmd *cobra.Command, ref string) error {
	o, err := getOrchestrator()
	if err != nil {
		return err
	}
	strategy := models.SubtaskStrategy(subtaskStrategy)
	if !strategy.Valid() {
		return fmt.Errorf("unknown strategy %q: use sequential or parallel", subtaskStrategy)
	}
	defs, err := loadDefinitions()
	if err != nil {
		return err
	}
	parent, err := o.Resolve(cmd.Context(), ref)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would split task %s into %d %s subtasks", parent.ID, len(defs), strategy)
		return nil
	}

	subs, err := o.Decompose(cmd.Context(), parent.ID, defs, strategy)
	if err != nil {
		return err
	}
	if jsonOutput {
		return ui.JSON(subs)
	}
	ui.Success("Split %s into %d subtasks (%s)", output.Cyan(parent.ID), len(subs), strategy)
	printTaskTable(subs)
	return nil
}

func subtaskListRun(cmd *cobra.Command, ref string) error {
	o, err := getOrchestrator()
	if err != nil {
		return err
	}
	parent, err := o.Resolve(cmd.Context(), ref)
	if err != nil {
		return err
	}
	subs, err := o.Subtasks(cmd.Context(), parent.ID)
	if err != nil {
		return err
	}
	if jsonOutput {
		if subs == nil {
			subs = []*models.Task{}
		}
		return ui.JSON(subs)
	}
	if len(subs) == 0 {
		ui.Info("Task %s has no subtasks.", parent.ID)
		return nil
	}
	printTaskTable(subs)
	return nil
}

func subtaskStatusRun(cmd *cobra.Command, ref string) error {
	o, err := getOrchestrator()
	if err != nil {
		return err
	}
	parent, err := o.Resolve(cmd.Context(), ref)
	if err != nil {
		return err
	}
	st, err := o.SubtaskStatus(cmd.Context(), parent.ID)
	if err != nil {
		return err
	}
	if jsonOutput {
		return ui.JSON(st)
	}
	printSubtaskStatus(parent, st)
	return nil
}

func subtaskRunRun(cmd *cobra.Command, ref string) error {
	o, err := getOrchestrator()
	if err != nil {
		return err
	}
	parent, err := o.Resolve(cmd.Context(), ref)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would run the subtasks of %s", parent.ID)
		return nil
	}

	run := o.ExecuteSubtasks
	if subtaskContinue {
		run = o.ContinuePending
	}
	st, err := run(cmd.Context(), parent.ID)
	if err != nil {
		return err
	}
	if jsonOutput {
		return ui.JSON(st)
	}
	if parent, err = o.Get(cmd.Context(), parent.ID); err != nil {
		return err
	}
	printSubtaskStatus(parent, st)
	return nil
}

func printSubtaskStatus(parent *models.Task, st subtask.Status) {
	fmt.Fprintf(ui.Out, "%s  %s  %s\n", output.Cyan(parent.ID), parent.Title, output.StatusColor(string(parent.Status)))
	fmt.Fprintf(ui.Out, "  %d total: %s completed, %s failed, %s cancelled, %d pending\n",
		st.Total,
		output.Green(fmt.Sprint(st.Completed)),
		output.Red(fmt.Sprint(st.Failed)),
		output.Red(fmt.Sprint(st.Cancelled)),
		st.Pending)
}
