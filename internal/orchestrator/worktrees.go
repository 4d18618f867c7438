package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/joescharf/apex/internal/models"
	"github.com/joescharf/apex/internal/repo"
	"github.com/joescharf/apex/internal/store"
	"github.com/joescharf/apex/internal/worktree"
)

// Worktree returns the worktree of a task, or nil when it has none.
func (o *Orchestrator) Worktree(ctx context.Context, id string) (*worktree.Info, error) {
	t, err := o.getTask(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := o.project(ctx, t.ProjectPath)
	if err != nil {
		return nil, err
	}
	return p.worktrees.Get(ctx, id)
}

// SwitchWorktree returns the path of a task's worktree.
func (o *Orchestrator) SwitchWorktree(ctx context.Context, id string) (string, error) {
	t, err := o.getTask(ctx, id)
	if err != nil {
		return "", err
	}
	p, err := o.project(ctx, t.ProjectPath)
	if err != nil {
		return "", err
	}
	return p.worktrees.Switch(ctx, id)
}

// ListWorktrees lists task worktrees of one project, or of every project
// that has tasks when projectPath is empty.
func (o *Orchestrator) ListWorktrees(ctx context.Context, projectPath string) ([]worktree.Info, error) {
	paths, err := o.projectPaths(ctx, projectPath)
	if err != nil {
		return nil, err
	}
	var out []worktree.Info
	for _, path := range paths {
		p, err := o.project(ctx, path)
		if err != nil {
			if projectPath == "" && errors.Is(err, repo.ErrNotRepository) {
				o.logger.Debug("skip project", zap.String("project", path), zap.Error(err))
				continue
			}
			return nil, err
		}
		list, err := p.worktrees.List(ctx)
		if err != nil {
			return nil, err
		}
		o.metrics.WorktreesActiveSet(p.repo.Path, len(list))
		out = append(out, list...)
	}
	return out, nil
}

// CleanupOrphaned removes worktrees whose task is gone, and stale ones
// whose task has finished, in one project or all of them.
func (o *Orchestrator) CleanupOrphaned(ctx context.Context, projectPath string) ([]worktree.Info, error) {
	paths, err := o.projectPaths(ctx, projectPath)
	if err != nil {
		return nil, err
	}
	var removed []worktree.Info
	var errs []error
	for _, path := range paths {
		p, err := o.project(ctx, path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		r, err := p.worktrees.CleanupOrphaned(ctx, o.ownerState)
		if err != nil {
			errs = append(errs, err)
		}
		for _, info := range r {
			o.addLog(ctx, info.TaskID, models.LogLevelInfo, "orphaned worktree removed")
		}
		removed = append(removed, r...)
		o.reportWorktrees(ctx, p)
	}
	return removed, errors.Join(errs...)
}

// CleanupTask removes a task's worktree. The branch is kept. It returns
// false when there was nothing to remove.
func (o *Orchestrator) CleanupTask(ctx context.Context, id string) (bool, error) {
	t, err := o.getTask(ctx, id)
	if err != nil {
		return false, err
	}
	if o.isRunning(id) {
		return false, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	p, err := o.project(ctx, t.ProjectPath)
	if err != nil {
		return false, err
	}
	ok, err := p.worktrees.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		o.addLog(ctx, id, models.LogLevelInfo, "worktree removed")
		o.reportWorktrees(ctx, p)
	}
	return ok, nil
}

// ownerState classifies the task behind a worktree for orphan cleanup.
// Trashed tasks count as inactive until the trash is emptied.
func (o *Orchestrator) ownerState(ctx context.Context, id string) (worktree.OwnerState, error) {
	t, err := o.store.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return worktree.OwnerMissing, nil
		}
		return 0, err
	}
	if t.Status.IsPending() && !t.IsTrashed() {
		return worktree.OwnerActive, nil
	}
	return worktree.OwnerInactive, nil
}

func (o *Orchestrator) projectPaths(ctx context.Context, projectPath string) ([]string, error) {
	if projectPath != "" {
		return []string{projectPath}, nil
	}
	tasks, err := o.store.ListTasks(ctx, store.TaskFilter{Visibility: store.AllTasks})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var paths []string
	for _, t := range tasks {
		if !seen[t.ProjectPath] {
			seen[t.ProjectPath] = true
			paths = append(paths, t.ProjectPath)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (o *Orchestrator) reportWorktrees(ctx context.Context, p *project) {
	list, err := p.worktrees.List(context.WithoutCancel(ctx))
	if err != nil {
		o.logger.Debug("list worktrees", zap.String("project", p.repo.Path), zap.Error(err))
		return
	}
	o.metrics.WorktreesActiveSet(p.repo.Path, len(list))
}
