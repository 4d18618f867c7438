// Package subtask splits a task into subtasks and aggregates their progress.
package subtask

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/joescharf/apex/internal/models"
	"github.com/joescharf/apex/internal/store"
)

var (
	ErrNoDefinitions   = errors.New("no subtask definitions")
	ErrInvalidStrategy = errors.New("invalid subtask strategy")
	ErrNestedSubtask   = errors.New("subtasks cannot be decomposed further")
	ErrEmptyTitle      = errors.New("empty subtask title")
)

// TaskStore is the subset of store.Store the decomposer needs.
type TaskStore interface {
	CreateTask(ctx context.Context, t *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTask(ctx context.Context, t *models.Task) error
	DeleteTask(ctx context.Context, id string) error
}

// Definition describes one subtask to create.
type Definition struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Plan is a proposed decomposition of a task.
type Plan struct {
	Strategy    models.SubtaskStrategy `json:"strategy"`
	Definitions []Definition           `json:"subtasks"`
}

// Status aggregates the statuses of a parent's subtasks.
type Status struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Pending   int `json:"pending"`
}

// Decomposer creates subtasks and reports on them. It never changes the
// status of an existing task.
type Decomposer struct {
	store        TaskStore
	branchPrefix string

	mu sync.Mutex
}

// NewDecomposer returns a Decomposer. Subtask branches use branchPrefix.
func NewDecomposer(s TaskStore, branchPrefix string) *Decomposer {
	if branchPrefix == "" {
		branchPrefix = models.DefaultBranchPrefix
	}
	return &Decomposer{store: s, branchPrefix: branchPrefix}
}

// Decompose creates one pending subtask per definition and appends their ids
// to the parent. With the sequential strategy each subtask depends on the one
// before it, including the last subtask from an earlier decomposition.
// Either every subtask is created and linked to the parent or none is.
func (d *Decomposer) Decompose(ctx context.Context, parentID string, defs []Definition, strategy models.SubtaskStrategy) ([]*models.Task, error) {
	if len(defs) == 0 {
		return nil, ErrNoDefinitions
	}
	if !strategy.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy)
	}
	titles := make([]string, len(defs))
	for i, def := range defs {
		titles[i] = strings.TrimSpace(def.Title)
		if titles[i] == "" {
			return nil, fmt.Errorf("subtask %d: %w", i, ErrEmptyTitle)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	parent, err := d.store.GetTask(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.IsSubtask() {
		return nil, fmt.Errorf("task %s: %w", parentID, ErrNestedSubtask)
	}

	prev := ""
	if strategy == models.SubtaskStrategySequential && len(parent.SubtaskIDs) > 0 {
		prev = parent.SubtaskIDs[len(parent.SubtaskIDs)-1]
	}

	ids := append([]string(nil), parent.SubtaskIDs...)
	created := make([]*models.Task, 0, len(defs))
	for i, def := range defs {
		child := &models.Task{
			ID:           models.NewID(),
			ParentTaskID: parent.ID,
			Title:        titles[i],
			Description:  strings.TrimSpace(def.Description),
			ProjectPath:  parent.ProjectPath,
			Status:       models.TaskStatusPending,
			MaxRetries:   parent.MaxRetries,
		}
		child.BranchName = models.BranchName(d.branchPrefix, child.ID, child.Title)
		if prev != "" {
			child.DependsOn = []string{prev}
		}
		if err := d.store.CreateTask(ctx, child); err != nil {
			d.rollback(ctx, created)
			return nil, fmt.Errorf("create subtask %d: %w", i, err)
		}
		created = append(created, child)
		ids = append(ids, child.ID)
		if strategy == models.SubtaskStrategySequential {
			prev = child.ID
		}
	}

	parent.SubtaskIDs = ids
	parent.SubtaskStrategy = strategy
	if err := d.store.UpdateTask(ctx, parent); err != nil {
		d.rollback(ctx, created)
		return nil, fmt.Errorf("update parent %s: %w", parent.ID, err)
	}
	return created, nil
}

// rollback deletes subtasks created by a failed Decompose.
func (d *Decomposer) rollback(ctx context.Context, created []*models.Task) {
	ctx = context.WithoutCancel(ctx)
	for _, t := range created {
		_ = d.store.DeleteTask(ctx, t.ID)
	}
}

// Subtasks returns the parent's subtasks in creation order. Ids whose task
// has been deleted are skipped.
func (d *Decomposer) Subtasks(ctx context.Context, parentID string) ([]*models.Task, error) {
	parent, err := d.store.GetTask(ctx, parentID)
	if err != nil {
		return nil, err
	}
	return d.load(ctx, parent)
}

func (d *Decomposer) load(ctx context.Context, parent *models.Task) ([]*models.Task, error) {
	subtasks := make([]*models.Task, 0, len(parent.SubtaskIDs))
	for _, id := range parent.SubtaskIDs {
		t, err := d.store.GetTask(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		subtasks = append(subtasks, t)
	}
	return subtasks, nil
}

// Status recomputes the aggregate from the current subtask records.
func (d *Decomposer) Status(ctx context.Context, parentID string) (Status, error) {
	subtasks, err := d.Subtasks(ctx, parentID)
	if err != nil {
		return Status{}, err
	}
	return Aggregate(subtasks), nil
}

// Aggregate counts subtasks by outcome.
func Aggregate(subtasks []*models.Task) Status {
	s := Status{Total: len(subtasks)}
	for _, t := range subtasks {
		switch {
		case t.Status == models.TaskStatusCompleted:
			s.Completed++
		case t.Status == models.TaskStatusFailed:
			s.Failed++
		case t.Status == models.TaskStatusCancelled:
			s.Cancelled++
		case t.Status.IsPending():
			s.Pending++
		}
	}
	return s
}

// HasPending reports whether any subtask still has work ahead of it.
func (d *Decomposer) HasPending(ctx context.Context, parentID string) (bool, error) {
	s, err := d.Status(ctx, parentID)
	if err != nil {
		return false, err
	}
	return s.Pending > 0, nil
}

// Runnable returns the subtasks that should run next, skipping completed
// ones. For a sequential parent that is at most the first unfinished subtask,
// and nothing once an earlier subtask failed or was cancelled. For a parallel
// parent it is every unfinished subtask.
func (d *Decomposer) Runnable(ctx context.Context, parentID string) ([]*models.Task, error) {
	parent, err := d.store.GetTask(ctx, parentID)
	if err != nil {
		return nil, err
	}
	subtasks, err := d.load(ctx, parent)
	if err != nil {
		return nil, err
	}

	var out []*models.Task
	for _, t := range subtasks {
		if t.Status == models.TaskStatusCompleted {
			continue
		}
		if parent.SubtaskStrategy == models.SubtaskStrategySequential {
			if t.Status.IsPending() {
				out = append(out, t)
			}
			break
		}
		if t.Status.IsPending() {
			out = append(out, t)
		}
	}
	return out, nil
}
