package orchestrator

import (
	"fmt"
	"time"

	"github.com/joescharf/apex/internal/models"
)

// transitions lists the statuses reachable from each status. Retry
// (failed/cancelled/stuck in_progress -> pending) is included; it is only
// taken through Retry, which enforces the retry limit.
var transitions = map[models.TaskStatus][]models.TaskStatus{
	models.TaskStatusPending: {
		models.TaskStatusQueued,
		models.TaskStatusPlanning,
		models.TaskStatusInProgress,
		models.TaskStatusCancelled,
	},
	models.TaskStatusQueued: {
		models.TaskStatusPending,
		models.TaskStatusPlanning,
		models.TaskStatusInProgress,
		models.TaskStatusCancelled,
	},
	models.TaskStatusPlanning: {
		models.TaskStatusQueued,
		models.TaskStatusInProgress,
		models.TaskStatusFailed,
		models.TaskStatusCancelled,
	},
	models.TaskStatusInProgress: {
		models.TaskStatusQueued,
		models.TaskStatusPaused,
		models.TaskStatusCompleted,
		models.TaskStatusFailed,
		models.TaskStatusCancelled,
		models.TaskStatusPending,
	},
	models.TaskStatusPaused: {
		models.TaskStatusInProgress,
		models.TaskStatusFailed,
		models.TaskStatusCancelled,
	},
	models.TaskStatusFailed: {
		models.TaskStatusPending,
	},
	models.TaskStatusCancelled: {
		models.TaskStatusPending,
	},
	models.TaskStatusCompleted: nil,
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to models.TaskStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// setStatus moves t to status, maintaining the timestamps that depend on it.
func setStatus(t *models.Task, to models.TaskStatus, now time.Time) error {
	if t.Status == to {
		return nil
	}
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	t.Status = to
	switch {
	case to.IsTerminal():
		t.CompletedAt = &now
	case to == models.TaskStatusPending:
		t.CompletedAt = nil
	}
	if to == models.TaskStatusInProgress && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if to != models.TaskStatusPaused {
		t.PausedAt = nil
		t.ResumeAfter = nil
		t.PauseReason = ""
	}
	return nil
}
