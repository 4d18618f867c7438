package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/apex/internal/models"
	"github.com/joescharf/apex/internal/repo"
	"github.com/joescharf/apex/internal/subtask"
)

// Decompose splits a task into subtasks. Further calls append to the
// existing subtask list.
func (o *Orchestrator) Decompose(ctx context.Context, id string, defs []subtask.Definition, strategy models.SubtaskStrategy) ([]*models.Task, error) {
	unlock := o.lockTask(id)
	defer unlock()

	t, err := o.getTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.IsTrashed() {
		return nil, fmt.Errorf("%w: %s", ErrTrashed, id)
	}
	if t.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: cannot decompose %s task", ErrInvalidTransition, t.Status)
	}

	subs, err := o.decomposer.Decompose(ctx, id, defs, strategy)
	for _, s := range subs {
		o.metrics.TaskTransition("", s.Status)
		o.addLog(ctx, s.ID, models.LogLevelInfo, "created as subtask of "+id+" on branch "+s.BranchName)
	}
	if err != nil {
		return subs, err
	}
	o.addLog(ctx, id, models.LogLevelInfo, fmt.Sprintf("decomposed into %d %s subtasks", len(subs), strategy))
	o.logger.Info("task decomposed",
		zap.String("task_id", id),
		zap.Int("subtasks", len(subs)),
		zap.String("strategy", string(strategy)))
	return subs, nil
}

// Subtasks returns a task's subtasks in order.
func (o *Orchestrator) Subtasks(ctx context.Context, id string) ([]*models.Task, error) {
	if _, err := o.getTask(ctx, id); err != nil {
		return nil, err
	}
	return o.decomposer.Subtasks(ctx, id)
}

// SubtaskStatus aggregates the current subtask statuses of a task.
func (o *Orchestrator) SubtaskStatus(ctx context.Context, id string) (subtask.Status, error) {
	if _, err := o.getTask(ctx, id); err != nil {
		return subtask.Status{}, err
	}
	return o.decomposer.Status(ctx, id)
}

// HasPendingSubtasks reports whether any subtask still has work ahead.
func (o *Orchestrator) HasPendingSubtasks(ctx context.Context, id string) (bool, error) {
	if _, err := o.getTask(ctx, id); err != nil {
		return false, err
	}
	return o.decomposer.HasPending(ctx, id)
}

// Parent returns the parent of a subtask, or nil for a top-level task.
func (o *Orchestrator) Parent(ctx context.Context, id string) (*models.Task, error) {
	t, err := o.getTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.IsSubtask() {
		return nil, nil
	}
	return o.getTask(ctx, t.ParentTaskID)
}

// IsSubtask reports whether the task belongs to a parent.
func (o *Orchestrator) IsSubtask(ctx context.Context, id string) (bool, error) {
	t, err := o.getTask(ctx, id)
	if err != nil {
		return false, err
	}
	return t.IsSubtask(), nil
}

// ExecuteSubtasks runs a parent's unfinished subtasks. Completed subtasks are
// skipped, so calling it again after an interruption continues where the
// previous call stopped. Sequential subtasks run one at a time and stop at
// the first that does not complete. Parallel subtasks run concurrently, at
// most MaxParallelSubtasks at once.
func (o *Orchestrator) ExecuteSubtasks(ctx context.Context, id string) (subtask.Status, error) {
	parent, err := o.getTask(ctx, id)
	if err != nil {
		return subtask.Status{}, err
	}
	if parent.IsTrashed() {
		return subtask.Status{}, fmt.Errorf("%w: %s", ErrTrashed, id)
	}
	if len(parent.SubtaskIDs) == 0 {
		return subtask.Status{}, fmt.Errorf("%w: %s", ErrNoSubtasks, id)
	}
	switch {
	case parent.Status == models.TaskStatusCompleted:
		return o.decomposer.Status(ctx, id)
	case parent.Status.IsTerminal():
		return subtask.Status{}, fmt.Errorf("%w: cannot execute subtasks of %s task", ErrInvalidTransition, parent.Status)
	case parent.Status != models.TaskStatusInProgress:
		if _, err := o.transition(ctx, id, models.TaskStatusInProgress); err != nil {
			return subtask.Status{}, err
		}
	}

	for ctx.Err() == nil {
		runnable, err := o.decomposer.Runnable(ctx, id)
		if err != nil {
			return subtask.Status{}, err
		}
		if len(runnable) == 0 {
			break
		}
		completed, err := o.runSubtasks(ctx, runnable)
		if err != nil {
			return subtask.Status{}, err
		}
		if completed == 0 {
			break
		}
	}

	o.rollUp(ctx, id)
	return o.decomposer.Status(ctx, id)
}

// runSubtasks executes tasks concurrently and returns how many completed.
// Only environment failures are returned; task-level problems are already
// recorded on the subtask.
func (o *Orchestrator) runSubtasks(ctx context.Context, tasks []*models.Task) (int, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxParallelSubtasks)

	var mu sync.Mutex
	completed := 0
	for _, t := range tasks {
		g.Go(func() error {
			res, err := o.Execute(gctx, t.ID)
			if err != nil {
				if errors.Is(err, repo.ErrNotRepository) {
					return err
				}
				o.logger.Warn("subtask not run", zap.String("task_id", t.ID), zap.Error(err))
				return nil
			}
			if res.Status == models.TaskStatusCompleted {
				mu.Lock()
				completed++
				mu.Unlock()
			}
			return nil
		})
	}
	err := g.Wait()
	return completed, err
}

// ContinuePending resumes a parent's subtasks after a restart. Subtasks left
// in_progress with no agent running are queued again before the pending ones
// are executed.
func (o *Orchestrator) ContinuePending(ctx context.Context, id string) (subtask.Status, error) {
	subs, err := o.Subtasks(ctx, id)
	if err != nil {
		return subtask.Status{}, err
	}
	for _, s := range subs {
		if s.Status != models.TaskStatusInProgress || o.isRunning(s.ID) {
			continue
		}
		p, err := o.project(ctx, s.ProjectPath)
		if err != nil {
			return subtask.Status{}, err
		}
		if o.detector.IsRunning(p.worktrees.PathFor(s.ID)) {
			continue
		}
		if _, err := o.transition(ctx, s.ID, models.TaskStatusQueued); err != nil {
			return subtask.Status{}, err
		}
		o.addLog(ctx, s.ID, models.LogLevelWarn, "requeued after interrupted run")
	}
	return o.ExecuteSubtasks(ctx, id)
}

func (o *Orchestrator) rollUpIfSubtask(ctx context.Context, t *models.Task) {
	if t.IsSubtask() && t.Status.IsTerminal() {
		o.rollUp(ctx, t.ParentTaskID)
	}
}

// rollUp completes a parent whose subtasks all completed, and fails one
// whose subtasks are all finished with at least one failure or cancellation.
func (o *Orchestrator) rollUp(ctx context.Context, parentID string) {
	ctx = context.WithoutCancel(ctx)
	subs, err := o.decomposer.Subtasks(ctx, parentID)
	if err != nil {
		o.logger.Warn("roll up subtasks", zap.String("task_id", parentID), zap.Error(err))
		return
	}
	st := subtask.Aggregate(subs)
	if st.Total == 0 || st.Pending > 0 {
		return
	}
	target := models.TaskStatusFailed
	if st.Completed == st.Total {
		target = models.TaskStatusCompleted
	}

	_, err = o.mutate(ctx, parentID, func(t *models.Task) error {
		if t.Status.IsTerminal() {
			return errNoop
		}
		now := o.now().UTC()
		if !CanTransition(t.Status, target) {
			if err := setStatus(t, models.TaskStatusInProgress, now); err != nil {
				return err
			}
		}
		if target == models.TaskStatusFailed {
			t.Error = fmt.Sprintf("%d of %d subtasks failed, %d cancelled", st.Failed, st.Total, st.Cancelled)
		}
		return setStatus(t, target, now)
	})
	if err != nil && !errors.Is(err, errNoop) {
		o.logger.Warn("roll up subtasks", zap.String("task_id", parentID), zap.Error(err))
	}
}
