package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/joescharf/apex/internal/agent"
	"github.com/joescharf/apex/internal/git"
	"github.com/joescharf/apex/internal/git/gittest"
	"github.com/joescharf/apex/internal/models"
	"github.com/joescharf/apex/internal/orchestrator"
	"github.com/joescharf/apex/internal/output"
	"github.com/joescharf/apex/internal/repo"
	"github.com/joescharf/apex/internal/store"
)

// cliEnv installs an orchestrator with an in-memory store and an agent that
// writes one file, and captures UI output.
func cliEnv(t *testing.T) (string, *bytes.Buffer) {
	t.Helper()
	testEnv(t)

	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))

	runner := agent.RunnerFunc(func(_ context.Context, req agent.Request) (agent.Result, error) {
		err := os.WriteFile(filepath.Join(req.WorktreePath, "out.txt"), []byte(req.Title), 0o644)
		return agent.Result{Outcome: agent.OutcomeSucceeded}, err
	})
	reg := repo.NewRegistry(git.NewClient(git.NewExecRunner("", 0)), repo.Options{})

	dataStore = s
	orch = orchestrator.New(s, reg, runner, orchestrator.Config{})
	logger = zap.NewNop()
	out := &bytes.Buffer{}
	ui = &output.UI{Out: out, ErrOut: &bytes.Buffer{}}
	t.Cleanup(func() {
		_ = s.Close()
		dataStore, orch = nil, nil
		jsonOutput, taskRunNow, taskProject, dryRun = false, false, "", false
		subtaskTitles, subtaskFile = nil, ""
	})
	return gittest.InitRepo(t), out
}

func testCmd() *cobra.Command {
	c := &cobra.Command{}
	c.SetContext(context.Background())
	return c
}

func TestTaskCreateAndRun(t *testing.T) {
	dir, out := cliEnv(t)
	taskProject = dir
	taskRunNow = true
	jsonOutput = true

	require.NoError(t, taskCreateRun(testCmd(), "Write output"))

	var task models.Task
	require.NoError(t, json.Unmarshal(out.Bytes(), &task))
	assert.Equal(t, models.TaskStatusCompleted, task.Status)
	assert.Equal(t, dir, task.ProjectPath)

	out.Reset()
	taskProject = ""
	require.NoError(t, taskListRun(testCmd()))
	var tasks []models.Task
	require.NoError(t, json.Unmarshal(out.Bytes(), &tasks))
	require.Len(t, tasks, 1)

	out.Reset()
	require.NoError(t, worktreeListRun(testCmd(), dir))
	assert.Contains(t, out.String(), task.BranchName)
}

func TestTaskList_Table(t *testing.T) {
	dir, out := cliEnv(t)
	taskProject = dir
	require.NoError(t, taskCreateRun(testCmd(), "Fix the thing"))
	out.Reset()

	require.NoError(t, taskListRun(testCmd()))
	assert.Contains(t, out.String(), "Fix the thing")
	assert.Contains(t, out.String(), "pending")
}

func TestTaskStatus_RejectsUnknown(t *testing.T) {
	cliEnv(t)
	err := taskStatusRun(testCmd(), "x", "done")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown status")
}

func TestSubtaskDecompose(t *testing.T) {
	dir, out := cliEnv(t)
	taskProject = dir
	jsonOutput = true
	require.NoError(t, taskCreateRun(testCmd(), "Parent"))
	var parent models.Task
	require.NoError(t, json.Unmarshal(out.Bytes(), &parent))
	out.Reset()

	subtaskTitles = []string{"one", "two"}
	subtaskStrategy = "parallel"
	require.NoError(t, subtaskDecomposeRun(testCmd(), parent.ID))
	var subs []models.Task
	require.NoError(t, json.Unmarshal(out.Bytes(), &subs))
	require.Len(t, subs, 2)
	assert.Equal(t, parent.ID, subs[1].ParentTaskID)

	subtaskStrategy = "random"
	assert.Error(t, subtaskDecomposeRun(testCmd(), parent.ID))
	subtaskStrategy = "sequential"
}

func TestTrashPurge(t *testing.T) {
	dir, out := cliEnv(t)
	taskProject = dir
	jsonOutput = true
	require.NoError(t, taskCreateRun(testCmd(), "Scratch"))
	var task models.Task
	require.NoError(t, json.Unmarshal(out.Bytes(), &task))
	jsonOutput = false

	err := trashPurgeRun(testCmd(), task.ID)
	assert.ErrorIs(t, err, orchestrator.ErrNotTrashed)

	_, err = orch.Trash(context.Background(), task.ID)
	require.NoError(t, err)

	dryRun = true
	require.NoError(t, trashPurgeRun(testCmd(), models.ShortID(task.ID)))
	_, err = orch.Get(context.Background(), task.ID)
	require.NoError(t, err, "dry run must keep the task")

	dryRun = false
	require.NoError(t, trashPurgeRun(testCmd(), models.ShortID(task.ID)))
	_, err = orch.Get(context.Background(), task.ID)
	assert.ErrorIs(t, err, orchestrator.ErrTaskNotFound)
}

func TestLoadDefinitions(t *testing.T) {
	cliEnv(t)

	_, err := loadDefinitions()
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "subtasks.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"title":"a","description":"first"}]`), 0o644))
	subtaskFile = path
	subtaskTitles = []string{"b"}

	defs, err := loadDefinitions()
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "first", defs[0].Description)
	assert.Equal(t, "b", defs[1].Title)
}

func TestSummarize(t *testing.T) {
	tasks := []*models.Task{
		{ProjectPath: "/b", Status: models.TaskStatusPending},
		{ProjectPath: "/a", Status: models.TaskStatusCompleted},
		{ProjectPath: "/b", Status: models.TaskStatusPending},
		{ProjectPath: "/b", Status: models.TaskStatusFailed},
	}
	got := summarize(tasks)
	require.Len(t, got, 2)
	assert.Equal(t, "/a", got[0].Project)
	assert.Equal(t, 2, got[1].Counts[models.TaskStatusPending])
	assert.Equal(t, 1, got[1].Counts[models.TaskStatusFailed])
}

func TestProjectPath(t *testing.T) {
	p, err := projectPath("/some/repo")
	require.NoError(t, err)
	assert.Equal(t, "/some/repo", p)

	wd, _ := os.Getwd()
	p, err = projectPath("")
	require.NoError(t, err)
	assert.Equal(t, wd, p)
}
