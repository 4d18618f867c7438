package models

import (
	"time"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusPlanning   TaskStatus = "planning"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusPaused     TaskStatus = "paused"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// AllTaskStatuses lists every status in lifecycle order.
var AllTaskStatuses = []TaskStatus{
	TaskStatusPending,
	TaskStatusQueued,
	TaskStatusPlanning,
	TaskStatusInProgress,
	TaskStatusPaused,
	TaskStatusCompleted,
	TaskStatusFailed,
	TaskStatusCancelled,
}

// IsTerminal reports whether no further work happens without an explicit retry.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// IsPending reports whether a task still has work ahead of it.
func (s TaskStatus) IsPending() bool {
	switch s {
	case TaskStatusPending, TaskStatusQueued, TaskStatusPlanning, TaskStatusInProgress, TaskStatusPaused:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	for _, v := range AllTaskStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// SubtaskStrategy is the intended execution ordering of a parent's subtasks.
type SubtaskStrategy string

const (
	SubtaskStrategySequential SubtaskStrategy = "sequential"
	SubtaskStrategyParallel   SubtaskStrategy = "parallel"
)

// Valid reports whether s is a known strategy.
func (s SubtaskStrategy) Valid() bool {
	return s == SubtaskStrategySequential || s == SubtaskStrategyParallel
}

// Usage accumulates model usage for a task.
type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Add returns the sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		CostUSD:      u.CostUSD + o.CostUSD,
	}
}

// Checkpoint is the saved position of a paused task. SessionID identifies the
// agent conversation to continue; Step and State are opaque to the orchestrator.
type Checkpoint struct {
	SessionID string            `json:"session_id"`
	Step      string            `json:"step,omitempty"`
	State     map[string]string `json:"state,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Task is a unit of work executed by an agent inside its own git worktree.
type Task struct {
	ID           string `json:"id"`
	ParentTaskID string `json:"parent_task_id,omitempty"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	ProjectPath  string `json:"project_path"`
	BranchName   string `json:"branch_name"`

	Status         TaskStatus  `json:"status"`
	RetryCount     int         `json:"retry_count"`
	MaxRetries     int         `json:"max_retries"`
	ResumeAttempts int         `json:"resume_attempts"`
	PauseReason    string      `json:"pause_reason,omitempty"`
	PausedAt       *time.Time  `json:"paused_at,omitempty"`
	ResumeAfter    *time.Time  `json:"resume_after,omitempty"`
	Checkpoint     *Checkpoint `json:"checkpoint,omitempty"`
	Error          string      `json:"error,omitempty"`

	SubtaskIDs      []string        `json:"subtask_ids,omitempty"`
	SubtaskStrategy SubtaskStrategy `json:"subtask_strategy,omitempty"`
	DependsOn       []string        `json:"depends_on,omitempty"`
	BlockedBy       []string        `json:"blocked_by,omitempty"`

	TrashedAt  *time.Time `json:"trashed_at,omitempty"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
	MergedAt   *time.Time `json:"merged_at,omitempty"`

	Usage     Usage    `json:"usage"`
	Artifacts []string `json:"artifacts,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsSubtask reports whether the task belongs to a decomposing parent.
func (t *Task) IsSubtask() bool { return t.ParentTaskID != "" }

// IsTrashed reports whether the task is soft-deleted.
func (t *Task) IsTrashed() bool { return t.TrashedAt != nil }

// IsArchived reports whether the task has been archived.
func (t *Task) IsArchived() bool { return t.ArchivedAt != nil }

// LogLevel classifies a task log entry.
type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogEntry is one line of a task's audit log.
type LogEntry struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
