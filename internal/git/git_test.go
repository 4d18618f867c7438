package git_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/joescharf/apex/internal/git"
	"github.com/joescharf/apex/internal/git/gittest"
)

func newClient() *git.Client {
	return git.NewClient(git.NewExecRunner("", 0))
}

func TestParseWorktreeListPorcelain(t *testing.T) {
	input := `worktree /Users/joe/projects/myrepo
HEAD abc123def456
branch refs/heads/main

worktree /Users/joe/projects/myrepo.worktrees/task-01
HEAD def789abc012
branch refs/heads/apex/fix-login-abc12345
locked

worktree /tmp/gone
HEAD 0123456789ab
detached
prunable gitdir file points to non-existent location

`
	worktrees := git.ParseWorktreeListPorcelain(input)
	require.Len(t, worktrees, 3)

	assert.Equal(t, "/Users/joe/projects/myrepo", worktrees[0].Path)
	assert.Equal(t, "main", worktrees[0].Branch)
	assert.Equal(t, "abc123def456", worktrees[0].HEAD)

	assert.Equal(t, "apex/fix-login-abc12345", worktrees[1].Branch)
	assert.True(t, worktrees[1].Locked)

	assert.True(t, worktrees[2].Detached)
	assert.True(t, worktrees[2].Prunable)
	assert.Empty(t, worktrees[2].Branch)
}

func TestParseWorktreeListPorcelain_Empty(t *testing.T) {
	assert.Nil(t, git.ParseWorktreeListPorcelain(""))
}

func TestParseWorktreeListPorcelain_RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		want := rapid.SliceOfN(rapid.Custom(func(t *rapid.T) git.WorktreeInfo {
			wt := git.WorktreeInfo{
				Path: "/" + rapid.StringMatching(`[a-z0-9._-]{1,12}(/[a-z0-9._-]{1,12}){0,3}`).Draw(t, "path"),
				HEAD: rapid.StringMatching(`[0-9a-f]{40}`).Draw(t, "head"),
			}
			if rapid.Bool().Draw(t, "detached") {
				wt.Detached = true
			} else {
				wt.Branch = rapid.StringMatching(`[a-z]{1,8}(/[a-z0-9-]{1,12})?`).Draw(t, "branch")
			}
			wt.Locked = rapid.Bool().Draw(t, "locked")
			wt.Prunable = rapid.Bool().Draw(t, "prunable")
			return wt
		}), 0, 6).Draw(t, "worktrees")

		var b strings.Builder
		for _, wt := range want {
			fmt.Fprintf(&b, "worktree %s\nHEAD %s\n", wt.Path, wt.HEAD)
			if wt.Detached {
				b.WriteString("detached\n")
			} else {
				fmt.Fprintf(&b, "branch refs/heads/%s\n", wt.Branch)
			}
			if wt.Locked {
				b.WriteString("locked\n")
			}
			if wt.Prunable {
				b.WriteString("prunable gitdir file points to non-existent location\n")
			}
			b.WriteString("\n")
		}

		got := git.ParseWorktreeListPorcelain(b.String())
		if len(want) == 0 {
			assert.Empty(t, got)
			return
		}
		assert.Equal(t, want, got)
	})
}

func TestClient_BasicQueries(t *testing.T) {
	ctx := context.Background()
	dir := gittest.InitRepo(t)
	c := newClient()

	root, err := c.RepoRoot(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, dir, root)

	branch, err := c.CurrentBranch(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)

	exists, err := c.BranchExists(ctx, dir, "main")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = c.BranchExists(ctx, dir, "nope")
	require.NoError(t, err)
	assert.False(t, exists)

	remotes, err := c.Remotes(ctx, dir)
	require.NoError(t, err)
	assert.Empty(t, remotes)

	inProgress, err := c.IsMergeInProgress(ctx, dir)
	require.NoError(t, err)
	assert.False(t, inProgress)
}

func TestClient_IsDirty(t *testing.T) {
	ctx := context.Background()
	dir := gittest.InitRepo(t)
	c := newClient()

	dirty, err := c.IsDirty(ctx, dir)
	require.NoError(t, err)
	assert.False(t, dirty)

	t.Run("untracked files are ignored", func(t *testing.T) {
		gittest.WriteFile(t, dir, "scratch.txt", "x")
		dirty, err := c.IsDirty(ctx, dir)
		require.NoError(t, err)
		assert.False(t, dirty)
	})

	t.Run("modified tracked file is dirty", func(t *testing.T) {
		gittest.WriteFile(t, dir, "README.md", "changed\n")
		dirty, err := c.IsDirty(ctx, dir)
		require.NoError(t, err)
		assert.True(t, dirty)
	})
}

func TestClient_WorktreeLifecycle(t *testing.T) {
	ctx := context.Background()
	dir := gittest.InitRepo(t)
	c := newClient()
	wtPath := filepath.Join(dir+".worktrees", "task-1")

	require.NoError(t, c.WorktreeAdd(ctx, dir, wtPath, "apex/one", "main", true))

	list, err := c.WorktreeList(ctx, dir)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "apex/one", list[1].Branch)

	require.NoError(t, c.WorktreeRemove(ctx, dir, wtPath, true))
	list, err = c.WorktreeList(ctx, dir)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, c.BranchDelete(ctx, dir, "apex/one", true))
	exists, err := c.BranchExists(ctx, dir, "apex/one")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestClient_DiffNameOnly(t *testing.T) {
	ctx := context.Background()
	dir := gittest.InitRepo(t)
	c := newClient()

	gittest.Git(t, dir, "checkout", "-b", "feature")
	gittest.Commit(t, dir, "README.md", "hello world\n", "edit")
	gittest.Commit(t, dir, "file2.txt", "new\n", "add")
	gittest.Git(t, dir, "checkout", "main")

	base, err := c.MergeBase(ctx, dir, "main", "feature")
	require.NoError(t, err)

	names, err := c.DiffNameOnly(ctx, dir, base, "feature")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"README.md", "file2.txt"}, names)
}

func TestClient_OutputReturnsCommandError(t *testing.T) {
	c := newClient()
	dir := gittest.InitRepo(t)

	_, err := c.Output(context.Background(), dir, "checkout", "does-not-exist")
	require.Error(t, err)

	var cmdErr *git.CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.NotZero(t, cmdErr.ExitCode)
	assert.Contains(t, cmdErr.Error(), "git checkout does-not-exist")
}

func TestExecRunner_Timeout(t *testing.T) {
	r := git.NewExecRunner("sleep", 50*time.Millisecond)
	res, err := r.Run(context.Background(), t.TempDir(), "5")
	require.Error(t, err)
	assert.ErrorIs(t, err, git.ErrTimeout)
	assert.Equal(t, -1, res.ExitCode)
}

func TestExecRunner_MissingBinary(t *testing.T) {
	r := git.NewExecRunner("/nonexistent/git-binary", 0)
	_, err := r.Run(context.Background(), t.TempDir(), "status")
	require.Error(t, err)
	assert.NotErrorIs(t, err, git.ErrTimeout)
}

func TestInspector_BranchState(t *testing.T) {
	dir := gittest.InitRepo(t)
	ins := git.NewInspector()

	head, err := ins.HeadBranch(dir)
	require.NoError(t, err)
	assert.Equal(t, "main", head)

	state, err := ins.BranchState(dir, "missing", "main")
	require.NoError(t, err)
	assert.False(t, state.Exists)

	gittest.Git(t, dir, "branch", "fresh")
	state, err = ins.BranchState(dir, "fresh", "main")
	require.NoError(t, err)
	assert.True(t, state.Exists)
	assert.True(t, state.Merged)
	assert.False(t, state.HasWork())

	gittest.Git(t, dir, "checkout", "-b", "feature")
	gittest.Commit(t, dir, "a.txt", "a\n", "feature work")
	gittest.Git(t, dir, "checkout", "main")

	state, err = ins.BranchState(dir, "feature", "main")
	require.NoError(t, err)
	assert.True(t, state.Exists)
	assert.False(t, state.Merged)
	assert.True(t, state.HasWork())

	gittest.Git(t, dir, "merge", "--no-ff", "--no-edit", "feature")
	state, err = ins.BranchState(dir, "feature", "main")
	require.NoError(t, err)
	assert.True(t, state.Merged)
}
