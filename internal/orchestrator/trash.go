package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/joescharf/apex/internal/models"
	"github.com/joescharf/apex/internal/repo"
	"github.com/joescharf/apex/internal/store"
)

// Trash soft-deletes a task and its subtasks. Status is left unchanged.
func (o *Orchestrator) Trash(ctx context.Context, id string) (*models.Task, error) {
	t, err := o.mutate(ctx, id, func(t *models.Task) error {
		if t.IsTrashed() {
			return fmt.Errorf("%w: %s", ErrAlreadyTrashed, id)
		}
		if o.isRunning(id) {
			return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
		}
		now := o.now().UTC()
		t.TrashedAt = &now
		return nil
	})
	if err != nil {
		return t, err
	}
	o.addLog(ctx, id, models.LogLevelInfo, "moved to trash")
	for _, sub := range t.SubtaskIDs {
		if _, err := o.Trash(ctx, sub); err != nil && !errors.Is(err, ErrAlreadyTrashed) && !errors.Is(err, ErrTaskNotFound) {
			return t, err
		}
	}
	return t, nil
}

// Restore takes a task and its trashed subtasks out of the trash.
func (o *Orchestrator) Restore(ctx context.Context, id string) (*models.Task, error) {
	t, err := o.mutate(ctx, id, func(t *models.Task) error {
		if !t.IsTrashed() {
			return fmt.Errorf("%w: %s", ErrNotTrashed, id)
		}
		t.TrashedAt = nil
		return nil
	})
	if err != nil {
		return t, err
	}
	o.addLog(ctx, id, models.LogLevelInfo, "restored from trash")
	for _, sub := range t.SubtaskIDs {
		if _, err := o.Restore(ctx, sub); err != nil && !errors.Is(err, ErrNotTrashed) && !errors.Is(err, ErrTaskNotFound) {
			return t, err
		}
	}
	return t, nil
}

// Archive hides a completed task from normal listings. It cannot be undone.
func (o *Orchestrator) Archive(ctx context.Context, id string) (*models.Task, error) {
	t, err := o.mutate(ctx, id, func(t *models.Task) error {
		switch {
		case t.IsTrashed():
			return fmt.Errorf("%w: %s", ErrTrashed, id)
		case t.IsArchived():
			return fmt.Errorf("%w: %s", ErrAlreadyArchived, id)
		case t.Status != models.TaskStatusCompleted:
			return fmt.Errorf("%w: %s is %s", ErrNotCompleted, id, t.Status)
		}
		now := o.now().UTC()
		t.ArchivedAt = &now
		return nil
	})
	if err != nil {
		return t, err
	}
	o.addLog(ctx, id, models.LogLevelInfo, "archived")
	return t, nil
}

// ListTrashed returns trashed tasks, optionally limited to one project.
func (o *Orchestrator) ListTrashed(ctx context.Context, projectPath string) ([]*models.Task, error) {
	return o.List(ctx, store.TaskFilter{ProjectPath: projectPath, Visibility: store.TrashedOnly})
}

// ListArchived returns archived tasks, optionally limited to one project.
func (o *Orchestrator) ListArchived(ctx context.Context, projectPath string) ([]*models.Task, error) {
	return o.List(ctx, store.TaskFilter{ProjectPath: projectPath, Visibility: store.ArchivedOnly})
}

// EmptyTrash permanently deletes every trashed task together with its
// worktree and branch. It returns the number of tasks deleted.
func (o *Orchestrator) EmptyTrash(ctx context.Context) (int, error) {
	trashed, err := o.ListTrashed(ctx, "")
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, t := range trashed {
		if err := o.purge(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", t.ID, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// Purge permanently deletes one trashed task and its trashed subtasks.
func (o *Orchestrator) Purge(ctx context.Context, id string) error {
	t, err := o.getTask(ctx, id)
	if err != nil {
		return err
	}
	if !t.IsTrashed() {
		return fmt.Errorf("%w: %s", ErrNotTrashed, id)
	}
	var errs []error
	for _, subID := range t.SubtaskIDs {
		sub, err := o.getTask(ctx, subID)
		if errors.Is(err, ErrTaskNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !sub.IsTrashed() {
			continue
		}
		if err := o.purge(ctx, sub); err != nil {
			errs = append(errs, fmt.Errorf("subtask %s: %w", subID, err))
		}
	}
	if err := o.purge(ctx, t); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) purge(ctx context.Context, t *models.Task) error {
	unlock := o.lockTask(t.ID)
	defer unlock()

	p, err := o.project(ctx, t.ProjectPath)
	switch {
	case errors.Is(err, repo.ErrNotRepository):
		// Repository is gone; only the record remains.
	case err != nil:
		return err
	default:
		if _, err := p.worktrees.Delete(ctx, t.ID); err != nil {
			return err
		}
		if err := p.branches.DeleteBranch(ctx, t.BranchName, true); err != nil {
			return err
		}
		o.reportWorktrees(ctx, p)
	}
	if err := o.store.DeleteTask(ctx, t.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	o.logger.Info("task deleted", zap.String("task_id", t.ID), zap.String("branch", t.BranchName))
	return nil
}
