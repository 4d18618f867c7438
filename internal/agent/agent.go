// Package agent runs the coding agent that does a task's work inside its
// worktree.
package agent

import (
	"context"
	"time"

	"github.com/joescharf/apex/internal/models"
)

// Outcome is how an agent run ended.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomePaused    Outcome = "paused"
	OutcomeFailed    Outcome = "failed"
)

// Request is one agent invocation.
type Request struct {
	TaskID       string
	Title        string
	Description  string
	WorktreePath string
	Branch       string
	// Checkpoint is set when continuing a paused run.
	Checkpoint *models.Checkpoint
}

// Result is what the agent reports back. A paused result carries the
// checkpoint needed to continue.
type Result struct {
	Outcome     Outcome
	Summary     string
	Error       string
	PauseReason string
	ResumeAfter *time.Time
	Checkpoint  *models.Checkpoint
	Usage       models.Usage
	Artifacts   []string
}

// Runner executes the agent workflow. A returned error means the agent could
// not be run at all; task-level failures are reported through Result.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req Request) (Result, error)

func (f RunnerFunc) Run(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }
