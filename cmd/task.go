package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/apex/internal/models"
	"github.com/joescharf/apex/internal/orchestrator"
	"github.com/joescharf/apex/internal/output"
	"github.com/joescharf/apex/internal/store"
)

var (
	taskProject     string
	taskDescription string
	taskDependsOn   []string
	taskMaxRetries  int
	taskRunNow      bool
	taskStatusFlag  []string
	taskView        string
	taskAll         bool
	taskLogsLimit   int
)

var taskCmd = &cobra.Command{
	Use:     "task",
	Aliases: []string{"t"},
	Short:   "Create, run and inspect tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskListRun(cmd)
	},
}

var taskCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a task in a repository",
	Long: `Create a pending task. The task gets a branch name derived from its
title and id; the branch and worktree are created when the task runs.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskCreateRun(cmd, strings.Join(args, " "))
	},
}

var taskListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskListRun(cmd)
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskShowRun(cmd, args[0])
	},
}

var taskRunCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Run a task's agent in its worktree",
	Long: `Run a pending or queued task. The agent works inside the task's own
worktree; uncommitted changes are committed to the task branch when it
succeeds. Interrupting with Ctrl-C cancels the task.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskRunRun(cmd, args[0])
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a task and its subtasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskCancelRun(cmd, args[0])
	},
}

var taskRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Reset a failed, cancelled or stuck task to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskOpRun(cmd, args[0], "Reset", func(o *orchestrator.Orchestrator) taskOp { return o.Retry })
	},
}

var taskResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Continue a paused task from its checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskOpRun(cmd, args[0], "Resumed", func(o *orchestrator.Orchestrator) taskOp { return o.Resume })
	},
}

var taskArchiveCmd = &cobra.Command{
	Use:   "archive <id>",
	Short: "Archive a completed task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskOpRun(cmd, args[0], "Archived", func(o *orchestrator.Orchestrator) taskOp { return o.Archive })
	},
}

var taskLogsCmd = &cobra.Command{
	Use:   "logs <id>",
	Short: "Show a task's audit log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskLogsRun(cmd, args[0])
	},
}

var taskStatusCmd = &cobra.Command{
	Use:   "status <id> <status>",
	Short: "Set a task's status",
	Long: `Set a task's status directly. Only lifecycle transitions are allowed;
use 'apex task retry' to send a task back to pending.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskStatusRun(cmd, args[0], args[1])
	},
}

func init() {
	taskCreateCmd.Flags().StringVarP(&taskProject, "project", "p", "", "Repository path (default: current directory)")
	taskCreateCmd.Flags().StringVarP(&taskDescription, "description", "d", "", "What the agent should do")
	taskCreateCmd.Flags().StringSliceVar(&taskDependsOn, "depends-on", nil, "Ids of tasks that must complete first")
	taskCreateCmd.Flags().IntVar(&taskMaxRetries, "max-retries", 0, "Retry limit (default: task.max_retries)")
	taskCreateCmd.Flags().BoolVar(&taskRunNow, "run", false, "Run the task right away")

	taskListCmd.Flags().StringVarP(&taskProject, "project", "p", "", "Repository path to filter by")
	taskListCmd.Flags().StringSliceVarP(&taskStatusFlag, "status", "s", nil, "Statuses to show")
	taskListCmd.Flags().StringVar(&taskView, "view", "visible", "visible, trashed, archived or all")
	taskListCmd.Flags().BoolVarP(&taskAll, "all", "a", false, "Include subtasks")

	taskLogsCmd.Flags().IntVar(&taskLogsLimit, "limit", 0, "Show only the most recent entries")

	taskCmd.AddCommand(taskCreateCmd, taskListCmd, taskShowCmd, taskRunCmd, taskCancelCmd,
		taskRetryCmd, taskResumeCmd, taskArchiveCmd, taskLogsCmd, taskStatusCmd)
	rootCmd.AddCommand(taskCmd)
}

type taskOp func(ctx context.Context, id string) (*models.Task, error)

func taskCreateRun(cmd *cobra.Command, title string) error {
	o, err := getOrchestrator()
	if err != nil {
		return err
	}
	project, err := projectPath(taskProject)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would create task %q in %s", title, project)
		return nil
	}

	t, err := o.Create(cmd.Context(), orchestrator.TaskSpec{
		Title:       title,
		Description: taskDescription,
		ProjectPath: project,
		DependsOn:   taskDependsOn,
		MaxRetries:  taskMaxRetries,
	})
	if err != nil {
		return err
	}
	if taskRunNow {
		if t, err = o.Execute(cmd.Context(), t.ID); err != nil {
			return err
		}
	}
	if jsonOutput {
		return ui.JSON(t)
	}
	ui.Success("Created task %s (%s)", output.Cyan(t.ID), t.BranchName)
	if taskRunNow {
		reportStatus(t)
	}
	return nil
}

func taskListRun(cmd *cobra.Command) error {
	o, err := getOrchestrator()
	if err != nil {
		return err
	}

	filter := store.TaskFilter{TopLevel: !taskAll}
	if taskProject != "" {
		if filter.ProjectPath, err = projectPath(taskProject); err != nil {
			return err
		}
	}
	for _, st := range taskStatusFlag {
		status := models.TaskStatus(st)
		if !status.Valid() {
			return fmt.Errorf("unknown status %q", st)
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	if filter.Visibility, err = store.ParseVisibility(taskView); err != nil {
		return err
	}

	tasks, err := o.List(cmd.Context(), filter)
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
		ui.Info("No tasks.")
		return nil
	}
	printTaskTable(tasks)
	return nil
}

func taskShowRun(cmd *cobra.Command, ref string) error {
	o, err := getOrchestrator()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	t, err := o.Resolve(ctx, ref)
	if err != nil {
		return err
	}
	wt, err := o.Worktree(ctx, t.ID)
	if err != nil {
		ui.VerboseLog("worktree lookup failed: %v", err)
	}
	if jsonOutput {
		return ui.JSON(map[string]any{"task": t, "worktree": wt})
	}

	w := ui.Out
	fmt.Fprintf(w, "%s  %s\n", output.Cyan(t.ID), t.Title)
	fmt.Fprintf(w, "  Status:    %s\n", output.StatusColor(string(t.Status)))
	fmt.Fprintf(w, "  Project:   %s\n", t.ProjectPath)
	fmt.Fprintf(w, "  Branch:    %s\n", t.BranchName)
	if wt != nil {
		fmt.Fprintf(w, "  Worktree:  %s\n", wt.Path)
	}
	if t.Description != "" {
		fmt.Fprintf(w, "  Description:\n    %s\n", strings.ReplaceAll(t.Description, "\n", "\n    "))
	}
	fmt.Fprintf(w, "  Retries:   %d/%d\n", t.RetryCount, t.MaxRetries)
	if t.ParentTaskID != "" {
		fmt.Fprintf(w, "  Parent:    %s\n", t.ParentTaskID)
	}
	if len(t.SubtaskIDs) > 0 {
		fmt.Fprintf(w, "  Subtasks:  %d (%s)\n", len(t.SubtaskIDs), t.SubtaskStrategy)
	}
	if len(t.DependsOn) > 0 {
		fmt.Fprintf(w, "  Depends:   %s\n", strings.Join(t.DependsOn, ", "))
	}
	if len(t.BlockedBy) > 0 {
		fmt.Fprintf(w, "  Blocked:   %s\n", output.Yellow(strings.Join(t.BlockedBy, ", ")))
	}
	if t.PauseReason != "" {
		fmt.Fprintf(w, "  Paused:    %s\n", t.PauseReason)
	}
	if t.ResumeAfter != nil {
		fmt.Fprintf(w, "  Resume at: %s\n", t.ResumeAfter.Local().Format(time.DateTime))
	}
	if t.Error != "" {
		fmt.Fprintf(w, "  Error:     %s\n", output.Red(t.Error))
	}
	if t.Usage.InputTokens+t.Usage.OutputTokens > 0 {
		fmt.Fprintf(w, "  Usage:     %d in / %d out, %s\n", t.Usage.InputTokens, t.Usage.OutputTokens, output.Cost(t.Usage.CostUSD))
	}
	if t.MergedAt != nil {
		fmt.Fprintf(w, "  Merged:    %s\n", t.MergedAt.Local().Format(time.DateTime))
	}
	fmt.Fprintf(w, "  Created:   %s\n", output.Age(t.CreatedAt, time.Now()))
	return nil
}

func taskRunRun(cmd *cobra.Command, ref string) error {
	o, err := getOrchestrator()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	t, err := o.Resolve(ctx, ref)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would run task %s on %s", t.ID, t.BranchName)
		return nil
	}

	ui.Info("Running %s on %s", output.Cyan(t.ID), t.BranchName)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			// Interrupted: mark the task cancelled so the agent is stopped.
			if _, err := o.Cancel(context.WithoutCancel(ctx), t.ID); err != nil {
				ui.Warning("cancel %s: %v", t.ID, err)
			}
		case <-done:
		}
	}()

	t, err = o.Execute(ctx, t.ID)
	if err != nil {
		return err
	}
	if jsonOutput {
		return ui.JSON(t)
	}
	reportStatus(t)
	return nil
}

func taskCancelRun(cmd *cobra.Command, ref string) error {
	o, err := getOrchestrator()
	if err != nil {
		return err
	}
	t, err := o.Resolve(cmd.Context(), ref)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would cancel task %s", t.ID)
		return nil
	}
	ok, err := o.Cancel(cmd.Context(), t.ID)
	if err != nil {
		return err
	}
	if !ok {
		ui.Info("Task %s is already %s", t.ID, t.Status)
		return nil
	}
	ui.Success("Cancelled task %s", output.Cyan(t.ID))
	return nil
}

func taskOpRun(cmd *cobra.Command, ref, verb string, pick func(*orchestrator.Orchestrator) taskOp) error {
	o, err := getOrchestrator()
	if err != nil {
		return err
	}
	t, err := o.Resolve(cmd.Context(), ref)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would update task %s (%s)", t.ID, strings.ToLower(verb))
		return nil
	}
	t, err = pick(o)(cmd.Context(), t.ID)
	if err != nil {
		return err
	}
	if jsonOutput {
		return ui.JSON(t)
	}
	ui.Success("%s task %s: %s", verb, output.Cyan(t.ID), output.StatusColor(string(t.Status)))
	return nil
}

func taskLogsRun(cmd *cobra.Command, ref string) error {
	o, err := getOrchestrator()
	if err != nil {
		return err
	}
	t, err := o.Resolve(cmd.Context(), ref)
	if err != nil {
		return err
	}
	logs, err := o.Logs(cmd.Context(), t.ID, taskLogsLimit)
	if err != nil {
		return err
	}
	if jsonOutput {
		if logs == nil {
			logs = []*models.LogEntry{}
		}
		return ui.JSON(logs)
	}
	for _, e := range logs {
		level := string(e.Level)
		switch e.Level {
		case models.LogLevelWarn:
			level = output.Yellow(level)
		case models.LogLevelError:
			level = output.Red(level)
		}
		fmt.Fprintf(ui.Out, "%s  %-5s  %s\n", e.CreatedAt.Local().Format(time.DateTime), level, e.Message)
	}
	return nil
}

func taskStatusRun(cmd *cobra.Command, ref, status string) error {
	o, err := getOrchestrator()
	if err != nil {
		return err
	}
	st := models.TaskStatus(status)
	if !st.Valid() {
		return fmt.Errorf("unknown status %q", status)
	}
	t, err := o.Resolve(cmd.Context(), ref)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would set task %s to %s", t.ID, st)
		return nil
	}
	if t, err = o.UpdateStatus(cmd.Context(), t.ID, st); err != nil {
		return err
	}
	ui.Success("Task %s is now %s", output.Cyan(t.ID), output.StatusColor(string(t.Status)))
	return nil
}

// reportStatus prints the outcome of a run.
func reportStatus(t *models.Task) {
	status := output.StatusColor(string(t.Status))
	switch t.Status {
	case models.TaskStatusCompleted:
		ui.Success("Task %s %s; merge with: apex branch merge %s", output.Cyan(t.ID), status, models.ShortID(t.ID))
	case models.TaskStatusPaused:
		ui.Warning("Task %s %s: %s", t.ID, status, t.PauseReason)
	case models.TaskStatusQueued:
		if len(t.BlockedBy) > 0 {
			ui.Warning("Task %s %s: waiting for %s", t.ID, status, strings.Join(t.BlockedBy, ", "))
		} else {
			ui.Warning("Task %s %s: no worktree slot free", t.ID, status)
		}
	case models.TaskStatusFailed, models.TaskStatusCancelled:
		ui.Error("Task %s %s: %s", t.ID, status, t.Error)
	default:
		ui.Info("Task %s %s", t.ID, status)
	}
}

func printTaskTable(tasks []*models.Task) {
	now := time.Now()
	table := ui.Table([]string{"ID", "Title", "Status", "Branch", "Created"})
	for _, t := range tasks {
		title := t.Title
		if t.ParentTaskID != "" {
			title = "  " + title
		}
		_ = table.Append([]string{
			models.ShortID(t.ID),
			title,
			output.StatusColor(string(t.Status)),
			t.BranchName,
			output.Age(t.CreatedAt, now),
		})
	}
	_ = table.Render()
}

// projectPath returns path, or the working directory when empty.
func projectPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	return wd, nil
}
