package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/joescharf/apex/internal/models"
)

// ErrNotFound is returned when a task does not exist.
var ErrNotFound = errors.New("not found")

// Visibility selects tasks by soft-delete state.
type Visibility int

const (
	// VisibleOnly excludes trashed and archived tasks.
	VisibleOnly Visibility = iota
	// TrashedOnly returns only trashed tasks.
	TrashedOnly
	// ArchivedOnly returns only archived tasks.
	ArchivedOnly
	// AllTasks ignores soft-delete state.
	AllTasks
)

// ParseVisibility maps a view name (visible, trashed, archived, all) to a
// Visibility. The empty string means visible.
func ParseVisibility(view string) (Visibility, error) {
	switch view {
	case "", "visible":
		return VisibleOnly, nil
	case "trashed":
		return TrashedOnly, nil
	case "archived":
		return ArchivedOnly, nil
	case "all":
		return AllTasks, nil
	}
	return 0, fmt.Errorf("unknown view %q: use visible, trashed, archived or all", view)
}

// TaskFilter specifies filters for listing tasks.
type TaskFilter struct {
	ProjectPath  string
	ParentTaskID string
	// TopLevel excludes subtasks. Ignored when ParentTaskID is set.
	TopLevel   bool
	Statuses   []models.TaskStatus
	Visibility Visibility
	Limit      int
}

// Store defines the persistence interface for tasks. Writes for one task id
// are serialized by the implementation.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, t *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error)
	UpdateTask(ctx context.Context, t *models.Task) error
	UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error
	DeleteTask(ctx context.Context, id string) error

	// Logs
	AddLog(ctx context.Context, entry *models.LogEntry) error
	ListLogs(ctx context.Context, taskID string, limit int) ([]*models.LogEntry, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
