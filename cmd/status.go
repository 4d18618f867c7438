package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/joescharf/apex/internal/models"
	"github.com/joescharf/apex/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task counts per repository",
	Long: `Show a cross-repository overview: how many tasks are in each status and
how many worktrees are live. Running bare 'apex' is the same.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return statusOverviewRun(cmd)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return statusOverviewRun(cmd)
	}
}

// projectSummary counts the visible tasks of one repository by status.
type projectSummary struct {
	Project   string                    `json:"project"`
	Counts    map[models.TaskStatus]int `json:"counts"`
	Worktrees int                       `json:"worktrees"`
}

// summarize groups tasks by project, in path order.
func summarize(tasks []*models.Task) []*projectSummary {
	byProject := make(map[string]*projectSummary)
	for _, t := range tasks {
		s, ok := byProject[t.ProjectPath]
		if !ok {
			s = &projectSummary{Project: t.ProjectPath, Counts: make(map[models.TaskStatus]int)}
			byProject[t.ProjectPath] = s
		}
		s.Counts[t.Status]++
	}
	out := make([]*projectSummary, 0, len(byProject))
	for _, s := range byProject {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Project < out[j].Project })
	return out
}

func statusOverviewRun(cmd *cobra.Command) error {
	o, err := getOrchestrator()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	tasks, err := o.List(ctx, store.TaskFilter{Visibility: store.VisibleOnly})
	if err != nil {
		return err
	}
	summaries := summarize(tasks)
	for _, s := range summaries {
		list, err := o.ListWorktrees(ctx, s.Project)
		if err != nil {
			ui.VerboseLog("list worktrees of %s: %v", s.Project, err)
			continue
		}
		s.Worktrees = len(list)
	}

	if jsonOutput {
		return ui.JSON(summaries)
	}
	if len(summaries) == 0 {
		ui.Info("No tasks yet. Use 'apex task create <title>' in a git repository to get started.")
		return nil
	}

	table := ui.Table([]string{"Project", "Pending", "Running", "Paused", "Completed", "Failed", "Worktrees"})
	for _, s := range summaries {
		c := s.Counts
		_ = table.Append([]string{
			s.Project,
			fmt.Sprint(c[models.TaskStatusPending] + c[models.TaskStatusQueued]),
			fmt.Sprint(c[models.TaskStatusPlanning] + c[models.TaskStatusInProgress]),
			fmt.Sprint(c[models.TaskStatusPaused]),
			fmt.Sprint(c[models.TaskStatusCompleted]),
			fmt.Sprint(c[models.TaskStatusFailed] + c[models.TaskStatusCancelled]),
			fmt.Sprint(s.Worktrees),
		})
	}
	return table.Render()
}
