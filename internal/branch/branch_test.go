package branch_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/apex/internal/branch"
	"github.com/joescharf/apex/internal/git"
	"github.com/joescharf/apex/internal/git/gittest"
	"github.com/joescharf/apex/internal/repo"
)

func setup(t *testing.T, runner git.Runner) (*branch.Manager, string) {
	t.Helper()
	dir := gittest.InitRepo(t)
	if runner == nil {
		runner = git.NewExecRunner("", 0)
	}
	r, err := repo.NewRegistry(git.NewClient(runner), repo.Options{}).Open(context.Background(), dir)
	require.NoError(t, err)
	return branch.NewManager(r, nil), dir
}

// taskBranch creates branch off main with one commit writing name=content.
func taskBranch(t *testing.T, dir, name, file, content string) {
	t.Helper()
	gittest.Git(t, dir, "checkout", "-q", "-b", name, "main")
	gittest.Commit(t, dir, file, content, "work on "+file)
	gittest.Git(t, dir, "checkout", "-q", "main")
}

func mainCommits(t *testing.T, dir string) int {
	t.Helper()
	var n int
	_, err := fmt.Sscanf(gittest.Git(t, dir, "rev-list", "--count", "--first-parent", "main"), "%d", &n)
	require.NoError(t, err)
	return n
}

func assertClean(t *testing.T, dir string) {
	t.Helper()
	assert.Empty(t, gittest.Git(t, dir, "status", "--porcelain", "--untracked-files=no"))
	_, err := os.Stat(filepath.Join(dir, ".git", "MERGE_HEAD"))
	assert.True(t, os.IsNotExist(err), "MERGE_HEAD must not exist")
}

func TestMerge_Standard(t *testing.T) {
	m, dir := setup(t, nil)
	taskBranch(t, dir, "apex/t1", "a.txt", "a\n")

	res := m.Merge(context.Background(), branch.Target{TaskID: "T1", Branch: "apex/t1"}, branch.MergeOptions{})
	ok, isOK := res.(branch.MergeSucceeded)
	require.True(t, isOK, "got %#v", res)
	assert.Equal(t, []string{"a.txt"}, ok.ChangedFiles)
	assert.False(t, ok.Squashed)

	assert.Equal(t, 2, mainCommits(t, dir))
	assert.Contains(t, gittest.Git(t, dir, "log", "-1", "--format=%s", "main"), "Merge")
	// Merge commit has two parents.
	parents := strings.Fields(gittest.Git(t, dir, "log", "-1", "--format=%P", "main"))
	assert.Len(t, parents, 2)
	// Feature commits are preserved in history.
	assert.Contains(t, gittest.Git(t, dir, "log", "--format=%s", "main"), "work on a.txt")
	// Branch is untouched.
	gittest.Git(t, dir, "show-ref", "--verify", "refs/heads/apex/t1")
	assertClean(t, dir)

	sum := branch.SummarizeMerge(res)
	assert.True(t, sum.Success)
	assert.False(t, sum.Conflicted)
	assert.Equal(t, []string{"a.txt"}, sum.ChangedFiles)
}

func TestMerge_Squash(t *testing.T) {
	m, dir := setup(t, nil)
	gittest.Git(t, dir, "checkout", "-q", "-b", "apex/sq", "main")
	gittest.Commit(t, dir, "one.txt", "1\n", "feature commit one")
	gittest.Commit(t, dir, "two.txt", "2\n", "feature commit two")
	gittest.Git(t, dir, "checkout", "-q", "main")

	res := m.Merge(context.Background(),
		branch.Target{TaskID: "T9", Title: "Add numbers", Branch: "apex/sq"},
		branch.MergeOptions{Squash: true})
	ok, isOK := res.(branch.MergeSucceeded)
	require.True(t, isOK, "got %#v", res)
	assert.True(t, ok.Squashed)
	assert.ElementsMatch(t, []string{"one.txt", "two.txt"}, ok.ChangedFiles)

	assert.Equal(t, 2, mainCommits(t, dir))
	subject := gittest.Git(t, dir, "log", "-1", "--format=%s", "main")
	assert.Equal(t, "Add numbers", subject)
	assert.NotContains(t, subject, "Merge")
	assert.Contains(t, gittest.Git(t, dir, "log", "-1", "--format=%B", "main"), "Task: T9")
	parents := strings.Fields(gittest.Git(t, dir, "log", "-1", "--format=%P", "main"))
	assert.Len(t, parents, 1)

	log := gittest.Git(t, dir, "log", "--format=%s", "main")
	assert.NotContains(t, log, "feature commit one")
	assert.NotContains(t, log, "feature commit two")
	gittest.Git(t, dir, "show-ref", "--verify", "refs/heads/apex/sq")
	assertClean(t, dir)
}

func TestMerge_ConflictAbortsCleanly(t *testing.T) {
	m, dir := setup(t, nil)
	taskBranch(t, dir, "apex/t1", "conflict.txt", "from t1\n")
	taskBranch(t, dir, "apex/t2", "conflict.txt", "from t2\n")
	ctx := context.Background()

	first := m.Merge(ctx, branch.Target{TaskID: "T1", Branch: "apex/t1"}, branch.MergeOptions{})
	require.IsType(t, branch.MergeSucceeded{}, first)

	before := gittest.Head(t, dir)
	second := m.Merge(ctx, branch.Target{TaskID: "T2", Branch: "apex/t2"}, branch.MergeOptions{})
	conflict, isConflict := second.(branch.MergeConflicted)
	require.True(t, isConflict, "got %#v", second)
	assert.Equal(t, []string{"conflict.txt"}, conflict.Files)
	assert.Contains(t, conflict.Message, "conflict")

	assert.Equal(t, before, gittest.Head(t, dir))
	assertClean(t, dir)
	content, err := os.ReadFile(filepath.Join(dir, "conflict.txt"))
	require.NoError(t, err)
	assert.Equal(t, "from t1\n", string(content))

	sum := branch.SummarizeMerge(second)
	assert.False(t, sum.Success)
	assert.True(t, sum.Conflicted)
	assert.NotEmpty(t, sum.Error)

	t.Run("repository not poisoned", func(t *testing.T) {
		taskBranch(t, dir, "apex/t3", "c.txt", "c\n")
		third := m.Merge(ctx, branch.Target{TaskID: "T3", Branch: "apex/t3"}, branch.MergeOptions{})
		ok, isOK := third.(branch.MergeSucceeded)
		require.True(t, isOK, "got %#v", third)
		assert.Equal(t, []string{"c.txt"}, ok.ChangedFiles)
	})
}

func TestMerge_SquashConflictAbortsCleanly(t *testing.T) {
	m, dir := setup(t, nil)
	taskBranch(t, dir, "apex/t1", "conflict.txt", "from t1\n")
	taskBranch(t, dir, "apex/t2", "conflict.txt", "from t2\n")
	ctx := context.Background()

	require.IsType(t, branch.MergeSucceeded{}, m.Merge(ctx, branch.Target{Branch: "apex/t1"}, branch.MergeOptions{Squash: true}))
	before := gittest.Head(t, dir)

	res := m.Merge(ctx, branch.Target{Branch: "apex/t2"}, branch.MergeOptions{Squash: true})
	require.IsType(t, branch.MergeConflicted{}, res)
	assert.Equal(t, before, gittest.Head(t, dir))
	assertClean(t, dir)
}

func TestMerge_Preconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("no branch", func(t *testing.T) {
		m, _ := setup(t, nil)
		res := m.Merge(ctx, branch.Target{TaskID: "T1"}, branch.MergeOptions{})
		failed, ok := res.(branch.MergeFailed)
		require.True(t, ok)
		assert.Equal(t, branch.MergeNoBranch, failed.Reason)
		assert.Contains(t, failed.Message, "does not have a branch")
	})

	t.Run("missing branch", func(t *testing.T) {
		m, _ := setup(t, nil)
		res := m.Merge(ctx, branch.Target{TaskID: "T1", Branch: "apex/gone"}, branch.MergeOptions{})
		assert.Equal(t, branch.MergeBranchMissing, res.(branch.MergeFailed).Reason)
	})

	t.Run("dirty main checkout", func(t *testing.T) {
		m, dir := setup(t, nil)
		taskBranch(t, dir, "apex/t1", "a.txt", "a\n")
		gittest.WriteFile(t, dir, "README.md", "local edit\n")
		before := gittest.Head(t, dir)

		res := m.Merge(ctx, branch.Target{TaskID: "T1", Branch: "apex/t1"}, branch.MergeOptions{})
		assert.Equal(t, branch.MergeDirty, res.(branch.MergeFailed).Reason)
		assert.Equal(t, before, gittest.Head(t, dir))
		assert.Contains(t, gittest.Git(t, dir, "status", "--porcelain"), "README.md")
	})

	t.Run("nothing to merge", func(t *testing.T) {
		m, dir := setup(t, nil)
		gittest.Git(t, dir, "branch", "apex/empty")
		res := m.Merge(ctx, branch.Target{Branch: "apex/empty"}, branch.MergeOptions{})
		assert.Equal(t, branch.MergeNothingToMerge, res.(branch.MergeFailed).Reason)
		assertClean(t, dir)
	})
}

func TestMerge_RestoresOriginalCheckout(t *testing.T) {
	m, dir := setup(t, nil)
	taskBranch(t, dir, "apex/t1", "a.txt", "a\n")
	gittest.Git(t, dir, "checkout", "-q", "-b", "scratch")

	res := m.Merge(context.Background(), branch.Target{Branch: "apex/t1"}, branch.MergeOptions{})
	require.IsType(t, branch.MergeSucceeded{}, res)
	assert.Equal(t, "scratch", gittest.Git(t, dir, "rev-parse", "--abbrev-ref", "HEAD"))
	assert.Equal(t, 2, mainCommits(t, dir))
}

// timeoutRunner fails every invocation of one subcommand with a timeout.
type timeoutRunner struct {
	git.Runner
	sub string
}

func (r timeoutRunner) Run(ctx context.Context, dir string, args ...string) (git.Result, error) {
	if len(args) > 0 && args[0] == r.sub {
		return git.Result{ExitCode: -1}, fmt.Errorf("%w: git %s", git.ErrTimeout, strings.Join(args, " "))
	}
	return r.Runner.Run(ctx, dir, args...)
}

func TestMerge_TimeoutIsFailureNotConflict(t *testing.T) {
	m, dir := setup(t, timeoutRunner{Runner: git.NewExecRunner("", 0), sub: "merge"})
	taskBranch(t, dir, "apex/t1", "a.txt", "a\n")

	res := m.Merge(context.Background(), branch.Target{Branch: "apex/t1"}, branch.MergeOptions{})
	failed, ok := res.(branch.MergeFailed)
	require.True(t, ok, "got %#v", res)
	assert.Equal(t, branch.MergeTimeout, failed.Reason)
	assert.Equal(t, "timeout", branch.MergeOutcome(res))
	assertClean(t, dir)
}

func TestPush(t *testing.T) {
	ctx := context.Background()

	t.Run("sets upstream and is idempotent", func(t *testing.T) {
		m, dir := setup(t, nil)
		bare := gittest.InitBareRemote(t, dir)
		taskBranch(t, dir, "apex/t1", "a.txt", "a\n")

		res := m.Push(ctx, branch.Target{TaskID: "T1", Branch: "apex/t1"})
		pushed, ok := res.(branch.Pushed)
		require.True(t, ok, "got %#v", res)
		assert.Equal(t, "origin/apex/t1", pushed.RemoteBranch)
		assert.False(t, pushed.UpToDate)
		assert.Equal(t, "origin/apex/t1", gittest.Git(t, dir, "rev-parse", "--abbrev-ref", "apex/t1@{upstream}"))
		assert.Equal(t, gittest.Git(t, dir, "rev-parse", "apex/t1"), gittest.Git(t, bare, "rev-parse", "apex/t1"))

		again := m.Push(ctx, branch.Target{TaskID: "T1", Branch: "apex/t1"})
		pushed, ok = again.(branch.Pushed)
		require.True(t, ok, "got %#v", again)
		assert.True(t, pushed.UpToDate)
	})

	t.Run("no branch", func(t *testing.T) {
		m, _ := setup(t, nil)
		res := m.Push(ctx, branch.Target{TaskID: "T1"})
		assert.Equal(t, branch.PushNoBranch, res.(branch.PushFailed).Reason)
	})

	t.Run("no remote", func(t *testing.T) {
		m, dir := setup(t, nil)
		taskBranch(t, dir, "apex/t1", "a.txt", "a\n")
		res := m.Push(ctx, branch.Target{Branch: "apex/t1"})
		failed := res.(branch.PushFailed)
		assert.Equal(t, branch.PushNoRemote, failed.Reason)
		assert.Contains(t, failed.Message, "origin")
		assert.False(t, branch.SummarizePush(res).Success)
	})

	t.Run("non fast forward is rejected", func(t *testing.T) {
		m, dir := setup(t, nil)
		gittest.InitBareRemote(t, dir)
		taskBranch(t, dir, "apex/t1", "a.txt", "a\n")
		require.IsType(t, branch.Pushed{}, m.Push(ctx, branch.Target{Branch: "apex/t1"}))

		// Rewrite local history so the remote is no longer an ancestor.
		gittest.Git(t, dir, "branch", "-f", "apex/t1", "main")
		taskBranch(t, dir, "apex/other", "b.txt", "b\n")
		gittest.Git(t, dir, "branch", "-f", "apex/t1", "apex/other")

		res := m.Push(ctx, branch.Target{Branch: "apex/t1"})
		failed, ok := res.(branch.PushFailed)
		require.True(t, ok, "got %#v", res)
		assert.Equal(t, branch.PushRejected, failed.Reason)
	})
}

func TestDeleteBranch(t *testing.T) {
	m, dir := setup(t, nil)
	taskBranch(t, dir, "apex/t1", "a.txt", "a\n")
	ctx := context.Background()

	assert.Error(t, m.DeleteBranch(ctx, "apex/t1", false), "unmerged branch needs force")
	require.NoError(t, m.DeleteBranch(ctx, "apex/t1", true))
	require.NoError(t, m.DeleteBranch(ctx, "apex/t1", true), "missing branch is not an error")
	require.NoError(t, m.DeleteBranch(ctx, "", true))
}

func TestMessages(t *testing.T) {
	assert.Equal(t, "Merge branch 'apex/x' (task T1)", branch.MergeMessage(branch.Target{TaskID: "T1", Branch: "apex/x"}))
	assert.Equal(t, "Fix login\n\nTask: T1", branch.SquashMessage(branch.Target{TaskID: "T1", Title: "Fix login", Branch: "apex/x"}))
	assert.Equal(t, "Apply apex/x", branch.SquashMessage(branch.Target{Branch: "apex/x"}))
}
