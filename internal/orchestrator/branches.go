package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/joescharf/apex/internal/branch"
	"github.com/joescharf/apex/internal/git"
	"github.com/joescharf/apex/internal/models"
)

// Push publishes a task's branch with upstream tracking. Git problems are
// reported in the result; the error is only set when the task or its
// repository cannot be used at all.
func (o *Orchestrator) Push(ctx context.Context, id string) (branch.PushResult, error) {
	t, p, err := o.branchTask(ctx, id)
	if err != nil {
		return nil, err
	}

	var res branch.PushResult
	if state, ok := o.branchState(p, t); ok && state.Exists && !state.HasWork() {
		res = branch.PushFailed{
			Branch:  t.BranchName,
			Reason:  branch.PushNoCommits,
			Message: fmt.Sprintf("task %s has no commits on %s", id, t.BranchName),
		}
	} else {
		res = p.branches.Push(ctx, target(t))
	}
	o.metrics.Push(branch.PushOutcome(res))

	switch v := res.(type) {
	case branch.Pushed:
		msg := "pushed to " + v.RemoteBranch
		if v.UpToDate {
			msg += " (up to date)"
		}
		o.addLog(ctx, id, models.LogLevelInfo, msg)
	case branch.PushFailed:
		o.addLog(ctx, id, models.LogLevelWarn, "push failed: "+v.Message)
	}
	return res, nil
}

// Merge integrates a task's branch into the base branch. Conflicts are
// aborted and reported in the result; the task status is left unchanged.
// A successful merge records MergedAt.
func (o *Orchestrator) Merge(ctx context.Context, id string, opts branch.MergeOptions) (branch.MergeResult, error) {
	t, p, err := o.branchTask(ctx, id)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var res branch.MergeResult
	if state, ok := o.branchState(p, t); ok && state.Exists && state.Merged {
		msg := fmt.Sprintf("task %s has no commits to merge", id)
		if state.HasWork() {
			msg = fmt.Sprintf("branch %s is already merged into %s", t.BranchName, p.repo.BaseBranch)
		}
		res = branch.MergeFailed{Branch: t.BranchName, Reason: branch.MergeNothingToMerge, Message: msg}
	} else {
		res = p.branches.Merge(ctx, target(t), opts)
	}
	o.metrics.Merge(branch.MergeOutcome(res), time.Since(start))

	switch v := res.(type) {
	case branch.MergeSucceeded:
		_, err := o.mutate(context.WithoutCancel(ctx), id, func(t *models.Task) error {
			now := o.now().UTC()
			t.MergedAt = &now
			return nil
		})
		if err != nil {
			o.logger.Warn("record merge", zap.String("task_id", id), zap.Error(err))
		}
		o.addLog(ctx, id, models.LogLevelInfo,
			fmt.Sprintf("merged into %s at %s (%d files changed)", p.repo.BaseBranch, v.Commit, len(v.ChangedFiles)))
	case branch.MergeConflicted:
		o.addLog(ctx, id, models.LogLevelWarn, "merge conflict in "+strings.Join(v.Files, ", ")+"; merge aborted")
	case branch.MergeFailed:
		o.addLog(ctx, id, models.LogLevelWarn, "merge failed: "+v.Message)
	}
	return res, nil
}

// DeleteBranch removes a task's branch. Without force an unmerged branch is
// kept and an error returned.
func (o *Orchestrator) DeleteBranch(ctx context.Context, id string, force bool) error {
	t, p, err := o.branchTask(ctx, id)
	if err != nil {
		return err
	}
	if err := p.branches.DeleteBranch(ctx, t.BranchName, force); err != nil {
		return err
	}
	o.addLog(ctx, id, models.LogLevelInfo, "deleted branch "+t.BranchName)
	return nil
}

// branchTask loads a task for a branch operation. Trashed tasks and tasks
// whose agent is still running are rejected.
func (o *Orchestrator) branchTask(ctx context.Context, id string) (*models.Task, *project, error) {
	t, err := o.getTask(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if t.IsTrashed() {
		return nil, nil, fmt.Errorf("%w: %s", ErrTrashed, id)
	}
	if o.isRunning(id) {
		return nil, nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	p, err := o.project(ctx, t.ProjectPath)
	if err != nil {
		return nil, nil, err
	}
	return t, p, nil
}

// branchState inspects the task branch without locking the main checkout.
// ok is false when the state is unknown; the branch manager then reports the
// precise failure.
func (o *Orchestrator) branchState(p *project, t *models.Task) (state git.BranchState, ok bool) {
	if t.BranchName == "" {
		return state, false
	}
	s, err := o.inspector.BranchState(p.repo.Path, t.BranchName, p.repo.BaseBranch)
	if err != nil {
		o.logger.Debug("inspect branch", zap.String("task_id", t.ID), zap.Error(err))
		return state, false
	}
	return s, true
}

func target(t *models.Task) branch.Target {
	return branch.Target{TaskID: t.ID, Title: t.Title, Branch: t.BranchName}
}
