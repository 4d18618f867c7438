package worktree_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/apex/internal/git"
	"github.com/joescharf/apex/internal/git/gittest"
	"github.com/joescharf/apex/internal/repo"
	"github.com/joescharf/apex/internal/worktree"
)

func openRepo(t *testing.T) *repo.Repository {
	t.Helper()
	dir := gittest.InitRepo(t)
	reg := repo.NewRegistry(git.NewClient(git.NewExecRunner("", 0)), repo.Options{})
	r, err := reg.Open(context.Background(), dir)
	require.NoError(t, err)
	return r
}

func newManager(t *testing.T, cfg worktree.Config, opts ...worktree.Option) (*worktree.Manager, string) {
	t.Helper()
	r := openRepo(t)
	return worktree.NewManager(r, cfg, opts...), r.Path
}

func TestManager_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	m, dir := newManager(t, worktree.Config{})

	assert.Equal(t, dir+".worktrees", m.Root())

	path, err := m.Create(ctx, "t1", "apex/t1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir+".worktrees", "task-t1"), path)
	assert.DirExists(t, path)
	assert.Equal(t, "apex/t1", gittest.Git(t, path, "rev-parse", "--abbrev-ref", "HEAD"))

	info, err := m.Get(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "t1", info.TaskID)
	assert.Equal(t, "apex/t1", info.Branch)
	assert.False(t, info.CreatedAt.IsZero())

	t.Run("create is idempotent per task", func(t *testing.T) {
		again, err := m.Create(ctx, "t1", "apex/t1")
		require.NoError(t, err)
		assert.Equal(t, path, again)
	})

	t.Run("switch returns path", func(t *testing.T) {
		p, err := m.Switch(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, path, p)
	})

	t.Run("unknown task", func(t *testing.T) {
		info, err := m.Get(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, info)

		_, err = m.Switch(ctx, "nope")
		assert.ErrorIs(t, err, worktree.ErrNotFound)
	})
}

func TestManager_CreateReusesExistingBranch(t *testing.T) {
	ctx := context.Background()
	m, dir := newManager(t, worktree.Config{})
	gittest.Git(t, dir, "branch", "apex/existing")

	path, err := m.Create(ctx, "t1", "apex/existing")
	require.NoError(t, err)
	assert.Equal(t, "apex/existing", gittest.Git(t, path, "rev-parse", "--abbrev-ref", "HEAD"))
}

func TestManager_BranchOwnedByOtherTask(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, worktree.Config{})

	_, err := m.Create(ctx, "t1", "apex/shared")
	require.NoError(t, err)

	_, err = m.Create(ctx, "t2", "apex/shared")
	var exists *worktree.BranchExistsError
	require.True(t, errors.As(err, &exists))
	assert.Equal(t, "t1", exists.OwnerTaskID)
	assert.Equal(t, "apex/shared", exists.Branch)
}

func TestManager_InvalidBranch(t *testing.T) {
	m, _ := newManager(t, worktree.Config{})
	_, err := m.Create(context.Background(), "t1", "bad..name")
	assert.ErrorIs(t, err, worktree.ErrInvalidBranch)
}

func TestManager_Limit(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, worktree.Config{MaxWorktrees: 5})

	for i := 1; i <= 5; i++ {
		_, err := m.Create(ctx, fmt.Sprintf("t%d", i), fmt.Sprintf("apex/t%d", i))
		require.NoError(t, err)
	}

	_, err := m.Create(ctx, "t6", "apex/t6")
	require.Error(t, err)
	assert.ErrorIs(t, err, worktree.ErrLimitReached)
	var creation *worktree.CreationError
	require.True(t, errors.As(err, &creation))
	assert.Equal(t, "t6", creation.TaskID)

	deleted, err := m.Delete(ctx, "t3")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = m.Create(ctx, "t6", "apex/t6")
	require.NoError(t, err)

	list, err := m.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 5)
}

func TestManager_LimitHoldsUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, worktree.Config{MaxWorktrees: 2})

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Create(ctx, fmt.Sprintf("c%d", i), fmt.Sprintf("apex/c%d", i))
		}(i)
	}
	wg.Wait()

	ok, limited := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, worktree.ErrLimitReached):
			limited++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 2, ok)
	assert.Equal(t, 2, limited)
}

func TestManager_DeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, dir := newManager(t, worktree.Config{})

	deleted, err := m.Delete(ctx, "never")
	require.NoError(t, err)
	assert.False(t, deleted)

	path, err := m.Create(ctx, "t1", "apex/t1")
	require.NoError(t, err)

	deleted, err = m.Delete(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.NoDirExists(t, path)

	deleted, err = m.Delete(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, deleted)

	// Branch survives worktree removal.
	gittest.Git(t, dir, "show-ref", "--verify", "refs/heads/apex/t1")
}

func TestManager_DeleteExternallyRemovedDirectory(t *testing.T) {
	ctx := context.Background()
	m, dir := newManager(t, worktree.Config{})

	path, err := m.Create(ctx, "t1", "apex/t1")
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(path))

	list, err := m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = m.Delete(ctx, "t1")
	require.NoError(t, err)
	assert.NotContains(t, gittest.Git(t, dir, "worktree", "list", "--porcelain"), path)

	t.Run("recreate after external removal", func(t *testing.T) {
		again, err := m.Create(ctx, "t1", "apex/t1")
		require.NoError(t, err)
		assert.DirExists(t, again)
	})
}

func TestManager_ListIgnoresForeignWorktrees(t *testing.T) {
	ctx := context.Background()
	m, dir := newManager(t, worktree.Config{})

	foreign := filepath.Join(t.TempDir(), "mine")
	gittest.Git(t, dir, "worktree", "add", "-b", "personal", foreign)

	_, err := m.Create(ctx, "t1", "apex/t1")
	require.NoError(t, err)

	list, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "t1", list[0].TaskID)
}

func TestManager_CleanupOrphaned(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := func() time.Time { return now }
	r := openRepo(t)
	m := worktree.NewManager(r, worktree.Config{PruneStaleAfter: time.Hour}, worktree.WithClock(clock))

	for _, id := range []string{"gone", "active", "done-fresh", "done-old"} {
		_, err := m.Create(ctx, id, "apex/"+id)
		require.NoError(t, err)
	}
	oldPath := m.PathFor("done-old")
	old := now.Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(oldPath, ".git"), old, old))

	// Drop cached creation times so they are read back from disk.
	m2 := worktree.NewManager(r, worktree.Config{PruneStaleAfter: time.Hour}, worktree.WithClock(clock))

	owners := map[string]worktree.OwnerState{
		"active":     worktree.OwnerActive,
		"done-fresh": worktree.OwnerInactive,
		"done-old":   worktree.OwnerInactive,
	}
	lookup := func(_ context.Context, id string) (worktree.OwnerState, error) {
		state, ok := owners[id]
		if !ok {
			return worktree.OwnerMissing, nil
		}
		return state, nil
	}

	removed, err := m2.CleanupOrphaned(ctx, lookup)
	require.NoError(t, err)

	var ids []string
	for _, info := range removed {
		ids = append(ids, info.TaskID)
	}
	assert.ElementsMatch(t, []string{"gone", "done-old"}, ids)

	list, err := m2.List(ctx)
	require.NoError(t, err)
	var left []string
	for _, info := range list {
		left = append(left, info.TaskID)
	}
	assert.ElementsMatch(t, []string{"active", "done-fresh"}, left)
}
