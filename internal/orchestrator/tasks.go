package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/joescharf/apex/internal/agent"
	"github.com/joescharf/apex/internal/models"
	"github.com/joescharf/apex/internal/repo"
	"github.com/joescharf/apex/internal/store"
	"github.com/joescharf/apex/internal/worktree"
)

// TaskSpec describes a task to create.
type TaskSpec struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	ProjectPath string   `json:"project_path"`
	DependsOn   []string `json:"depends_on,omitempty"`
	// MaxRetries overrides the configured default when positive.
	MaxRetries int `json:"max_retries,omitempty"`
}

// errNoop aborts a mutate without writing.
var errNoop = errors.New("no change")

// Create stores a new pending task. The branch name is derived from the id
// and title and never changes afterwards. No worktree is created.
func (o *Orchestrator) Create(ctx context.Context, spec TaskSpec) (*models.Task, error) {
	title := strings.TrimSpace(spec.Title)
	if title == "" {
		return nil, errors.New("task title is required")
	}
	r, err := o.repos.Open(ctx, spec.ProjectPath)
	if err != nil {
		return nil, err
	}
	for _, dep := range spec.DependsOn {
		if _, err := o.getTask(ctx, dep); err != nil {
			return nil, fmt.Errorf("dependency: %w", err)
		}
	}

	t := &models.Task{
		ID:          models.NewID(),
		Title:       title,
		Description: spec.Description,
		ProjectPath: r.Path,
		Status:      models.TaskStatusPending,
		MaxRetries:  o.cfg.MaxRetries,
		DependsOn:   spec.DependsOn,
	}
	if spec.MaxRetries > 0 {
		t.MaxRetries = spec.MaxRetries
	}
	t.BranchName = models.BranchName(o.cfg.BranchPrefix, t.ID, t.Title)

	if err := o.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	o.metrics.TaskTransition("", t.Status)
	o.addLog(ctx, t.ID, models.LogLevelInfo, "created on branch "+t.BranchName)
	o.logger.Info("task created",
		zap.String("task_id", t.ID),
		zap.String("branch", t.BranchName),
		zap.String("project", t.ProjectPath))
	return t, nil
}

// Get returns a task by id.
func (o *Orchestrator) Get(ctx context.Context, id string) (*models.Task, error) {
	return o.getTask(ctx, id)
}

// List returns tasks matching filter. A project path may point anywhere
// inside the repository.
func (o *Orchestrator) List(ctx context.Context, filter store.TaskFilter) ([]*models.Task, error) {
	if filter.ProjectPath != "" {
		p, err := o.project(ctx, filter.ProjectPath)
		if err != nil {
			return nil, err
		}
		filter.ProjectPath = p.repo.Path
	}
	return o.store.ListTasks(ctx, filter)
}

// Logs returns the most recent audit entries of a task, oldest first.
func (o *Orchestrator) Logs(ctx context.Context, id string, limit int) ([]*models.LogEntry, error) {
	if _, err := o.getTask(ctx, id); err != nil {
		return nil, err
	}
	return o.store.ListLogs(ctx, id, limit)
}

// UpdateStatus sets a task's status directly, subject to the transition
// table. Cancellation goes through Cancel; a return to pending must go
// through Retry so the retry limit applies.
func (o *Orchestrator) UpdateStatus(ctx context.Context, id string, status models.TaskStatus) (*models.Task, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}
	switch status {
	case models.TaskStatusCancelled:
		if _, err := o.Cancel(ctx, id); err != nil {
			return nil, err
		}
		return o.getTask(ctx, id)
	case models.TaskStatusPending:
		return nil, fmt.Errorf("%w: use retry to reset a task to pending", ErrInvalidTransition)
	}
	return o.transition(ctx, id, status)
}

// Execute runs a pending or queued task. Parents with subtasks run their
// subtasks; paused tasks are resumed. The returned task reflects the final
// state: completed, failed, paused, or queued when no worktree slot was free.
// A task with unfinished dependencies is queued and ErrBlocked returned.
func (o *Orchestrator) Execute(ctx context.Context, id string) (*models.Task, error) {
	t, err := o.getTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.IsTrashed() {
		return t, fmt.Errorf("%w: %s", ErrTrashed, id)
	}
	if t.Status == models.TaskStatusPaused {
		return o.Resume(ctx, id)
	}
	if len(t.SubtaskIDs) > 0 {
		if _, err := o.ExecuteSubtasks(ctx, id); err != nil {
			return nil, err
		}
		return o.getTask(ctx, id)
	}
	if !executable(t.Status) {
		return t, fmt.Errorf("%w: cannot execute %s task", ErrInvalidTransition, t.Status)
	}

	p, err := o.project(ctx, t.ProjectPath)
	if err != nil {
		return nil, err
	}
	if t, err = o.checkDependencies(ctx, id); err != nil {
		return t, err
	}

	if o.planner != nil && !t.IsSubtask() {
		decomposed, err := o.plan(ctx, t)
		if err != nil {
			failed, _ := o.getTask(context.WithoutCancel(ctx), id)
			return failed, err
		}
		if decomposed {
			if _, err := o.ExecuteSubtasks(ctx, id); err != nil {
				return nil, err
			}
			return o.getTask(ctx, id)
		}
	}

	return o.run(ctx, p, id, func(t *models.Task) error {
		if !executable(t.Status) && t.Status != models.TaskStatusPlanning {
			return fmt.Errorf("%w: cannot execute %s task", ErrInvalidTransition, t.Status)
		}
		return nil
	}, false)
}

func executable(s models.TaskStatus) bool {
	return s == models.TaskStatusPending || s == models.TaskStatusQueued
}

// checkDependencies refreshes BlockedBy. A blocked pending task is queued.
func (o *Orchestrator) checkDependencies(ctx context.Context, id string) (*models.Task, error) {
	t, err := o.mutate(ctx, id, func(t *models.Task) error {
		var blocked []string
		for _, dep := range t.DependsOn {
			d, err := o.store.GetTask(ctx, dep)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return err
			}
			if d.Status != models.TaskStatusCompleted {
				blocked = append(blocked, dep)
			}
		}
		t.BlockedBy = blocked
		if len(blocked) > 0 && t.Status == models.TaskStatusPending {
			return setStatus(t, models.TaskStatusQueued, o.now().UTC())
		}
		return nil
	})
	if err != nil {
		return t, err
	}
	if len(t.BlockedBy) > 0 {
		o.addLog(ctx, id, models.LogLevelInfo, "blocked by "+strings.Join(t.BlockedBy, ", "))
		return t, fmt.Errorf("%w: %s", ErrBlocked, strings.Join(t.BlockedBy, ", "))
	}
	return t, nil
}

// plan runs the planning phase. It reports whether the task was decomposed.
// Planner errors are logged and the task runs as a single unit. A plan that
// cannot be applied fails the task so it can be retried.
func (o *Orchestrator) plan(ctx context.Context, t *models.Task) (bool, error) {
	if _, err := o.transition(ctx, t.ID, models.TaskStatusPlanning); err != nil {
		return false, err
	}
	plan, err := o.planner.Plan(ctx, t)
	if err != nil {
		o.logger.Warn("planning failed", zap.String("task_id", t.ID), zap.Error(err))
		o.addLog(ctx, t.ID, models.LogLevelWarn, "planning failed: "+err.Error())
		return false, nil
	}
	if len(plan.Definitions) < 2 {
		return false, nil
	}
	if _, err := o.Decompose(ctx, t.ID, plan.Definitions, plan.Strategy); err != nil {
		cause := fmt.Errorf("decompose plan: %w", err)
		ctx = context.WithoutCancel(ctx)
		if _, ferr := o.mutate(ctx, t.ID, func(t *models.Task) error {
			t.Error = cause.Error()
			return setStatus(t, models.TaskStatusFailed, o.now().UTC())
		}); ferr != nil {
			o.logger.Warn("record planning failure", zap.String("task_id", t.ID), zap.Error(ferr))
		}
		o.addLog(ctx, t.ID, models.LogLevelError, cause.Error())
		return false, cause
	}
	return true, nil
}

// run moves a task to in_progress, allocates its worktree and runs the agent.
// check validates the stored task under its lock before anything changes.
func (o *Orchestrator) run(ctx context.Context, p *project, id string, check func(*models.Task) error, resume bool) (*models.Task, error) {
	runCtx, done, err := o.startRun(ctx, id)
	if err != nil {
		return nil, err
	}
	defer done()

	t, err := o.mutate(ctx, id, func(t *models.Task) error {
		if err := check(t); err != nil {
			return err
		}
		if resume {
			t.ResumeAttempts++
		}
		t.BlockedBy = nil
		return setStatus(t, models.TaskStatusInProgress, o.now().UTC())
	})
	if err != nil {
		return t, err
	}

	path, err := p.worktrees.Create(ctx, id, t.BranchName)
	if err != nil {
		return o.worktreeFailed(ctx, id, err)
	}
	o.reportWorktrees(ctx, p)
	o.addLog(ctx, id, models.LogLevelInfo, "worktree ready at "+path)

	req := agent.Request{
		TaskID:       t.ID,
		Title:        t.Title,
		Description:  t.Description,
		WorktreePath: path,
		Branch:       t.BranchName,
	}
	if resume {
		req.Checkpoint = t.Checkpoint
	}
	o.logger.Info("agent started",
		zap.String("task_id", id),
		zap.String("branch", t.BranchName),
		zap.Bool("resume", resume))

	res, runErr := o.agent.Run(runCtx, req)
	return o.finish(ctx, p, t, path, res, runErr)
}

// worktreeFailed records a worktree allocation failure. Hitting the limit
// queues the task without error.
func (o *Orchestrator) worktreeFailed(ctx context.Context, id string, cause error) (*models.Task, error) {
	ctx = context.WithoutCancel(ctx)
	if errors.Is(cause, worktree.ErrLimitReached) {
		o.addLog(ctx, id, models.LogLevelWarn, "worktree limit reached, task queued")
		return o.transition(ctx, id, models.TaskStatusQueued)
	}
	t, err := o.mutate(ctx, id, func(t *models.Task) error {
		t.Error = cause.Error()
		return setStatus(t, models.TaskStatusFailed, o.now().UTC())
	})
	if err != nil {
		return t, err
	}
	o.addLog(ctx, id, models.LogLevelError, cause.Error())
	if errors.Is(cause, repo.ErrNotRepository) {
		return t, cause
	}
	o.rollUpIfSubtask(ctx, t)
	return t, nil
}

// finish records the agent's outcome. A task cancelled while the agent ran
// stays cancelled.
func (o *Orchestrator) finish(ctx context.Context, p *project, started *models.Task, wtPath string, res agent.Result, runErr error) (*models.Task, error) {
	ctx = context.WithoutCancel(ctx)

	var commitErr error
	if runErr == nil && res.Outcome == agent.OutcomeSucceeded {
		commitErr = o.commitLeftovers(ctx, p, started, wtPath)
	}

	t, err := o.mutate(ctx, started.ID, func(t *models.Task) error {
		t.Usage = t.Usage.Add(res.Usage)
		t.Artifacts = append(t.Artifacts, res.Artifacts...)
		if t.Status == models.TaskStatusCancelled {
			return nil
		}
		now := o.now().UTC()
		switch {
		case runErr != nil:
			t.Error = runErr.Error()
			return setStatus(t, models.TaskStatusFailed, now)
		case commitErr != nil:
			t.Error = "commit agent changes: " + commitErr.Error()
			return setStatus(t, models.TaskStatusFailed, now)
		case res.Outcome == agent.OutcomeSucceeded:
			t.Error = ""
			t.Checkpoint = nil
			return setStatus(t, models.TaskStatusCompleted, now)
		case res.Outcome == agent.OutcomePaused:
			if err := setStatus(t, models.TaskStatusPaused, now); err != nil {
				return err
			}
			t.PausedAt = &now
			t.PauseReason = res.PauseReason
			t.ResumeAfter = res.ResumeAfter
			if res.Checkpoint != nil {
				t.Checkpoint = res.Checkpoint
			}
			return nil
		default:
			t.Error = res.Error
			if t.Error == "" {
				t.Error = "agent failed"
			}
			return setStatus(t, models.TaskStatusFailed, now)
		}
	})
	if err != nil {
		return t, err
	}

	switch t.Status {
	case models.TaskStatusFailed:
		o.addLog(ctx, t.ID, models.LogLevelError, t.Error)
	case models.TaskStatusPaused:
		o.addLog(ctx, t.ID, models.LogLevelWarn, "paused: "+t.PauseReason)
	case models.TaskStatusCompleted:
		if res.Summary != "" {
			o.addLog(ctx, t.ID, models.LogLevelInfo, res.Summary)
		}
	}
	o.logger.Info("agent finished",
		zap.String("task_id", t.ID),
		zap.String("status", string(t.Status)),
		zap.Float64("cost_usd", res.Usage.CostUSD))

	o.rollUpIfSubtask(ctx, t)
	return t, nil
}

// commitLeftovers commits anything the agent changed but did not commit.
func (o *Orchestrator) commitLeftovers(ctx context.Context, p *project, t *models.Task, wtPath string) error {
	g := p.repo.Git()
	if _, err := g.Output(ctx, wtPath, "add", "-A"); err != nil {
		return err
	}
	clean, err := g.Check(ctx, wtPath, "diff", "--cached", "--quiet")
	if err != nil || clean {
		return err
	}
	msg := fmt.Sprintf("%s\n\nTask: %s", t.Title, t.ID)
	if _, err := g.Output(ctx, wtPath, "commit", "--no-verify", "-m", msg); err != nil {
		return err
	}
	o.addLog(ctx, t.ID, models.LogLevelInfo, "committed uncommitted agent changes")
	return nil
}

// Cancel marks a non-terminal task cancelled and stops its agent run
// cooperatively. Subtasks are cancelled too. It returns false when the task
// was already terminal.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (bool, error) {
	var was models.TaskStatus
	t, err := o.mutate(ctx, id, func(t *models.Task) error {
		if t.Status.IsTerminal() {
			return errNoop
		}
		was = t.Status
		return setStatus(t, models.TaskStatusCancelled, o.now().UTC())
	})
	if errors.Is(err, errNoop) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if o.stopRun(id) {
		o.logger.Info("agent run cancelled", zap.String("task_id", id))
	} else if was == models.TaskStatusInProgress {
		o.stopForeignRun(ctx, t)
	}

	var errs []error
	for _, sub := range t.SubtaskIDs {
		if _, err := o.Cancel(ctx, sub); err != nil && !errors.Is(err, ErrTaskNotFound) {
			errs = append(errs, err)
		}
	}
	o.rollUpIfSubtask(ctx, t)
	return true, errors.Join(errs...)
}

// stopForeignRun terminates an agent that another apex process started for t.
func (o *Orchestrator) stopForeignRun(ctx context.Context, t *models.Task) {
	stopper, ok := o.detector.(agent.ProcessStopper)
	if !ok {
		return
	}
	p, err := o.project(ctx, t.ProjectPath)
	if err != nil {
		return
	}
	if err := stopper.Stop(p.worktrees.PathFor(t.ID)); err != nil {
		o.logger.Warn("stop agent", zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	o.logger.Debug("stop requested", zap.String("task_id", t.ID))
}

// Retry resets a failed, cancelled or stuck in_progress task to pending. A
// task is stuck when no agent runs for it in this process or in its
// worktree. Once RetryCount reaches MaxRetries ErrRetryLimit is returned: a
// stuck task is failed and a cancelled one keeps its status with the limit
// recorded in Error.
func (o *Orchestrator) Retry(ctx context.Context, id string) (*models.Task, error) {
	t, err := o.getTask(ctx, id)
	if err != nil {
		return nil, err
	}
	wtPath := ""
	if t.Status == models.TaskStatusInProgress {
		p, err := o.project(ctx, t.ProjectPath)
		if err != nil {
			return nil, err
		}
		wtPath = p.worktrees.PathFor(id)
	}

	limitHit := false
	t, err = o.mutate(ctx, id, func(t *models.Task) error {
		now := o.now().UTC()
		switch t.Status {
		case models.TaskStatusFailed, models.TaskStatusCancelled:
		case models.TaskStatusInProgress:
			if o.isRunning(id) || (wtPath != "" && o.detector.IsRunning(wtPath)) {
				return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
			}
		default:
			return fmt.Errorf("%w: %s task", ErrNotRetryable, t.Status)
		}
		if t.RetryCount >= t.MaxRetries {
			limitHit = true
			msg := fmt.Sprintf("retry limit of %d reached", t.MaxRetries)
			switch t.Status {
			case models.TaskStatusInProgress:
				t.Error = msg
				return setStatus(t, models.TaskStatusFailed, now)
			case models.TaskStatusCancelled:
				// Cancelled is already terminal; only the reason is recorded.
				if t.Error == msg {
					return errNoop
				}
				t.Error = msg
				return nil
			}
			return errNoop
		}
		t.RetryCount++
		t.Error = ""
		t.Checkpoint = nil
		t.ResumeAttempts = 0
		t.BlockedBy = nil
		return setStatus(t, models.TaskStatusPending, now)
	})
	if limitHit {
		return t, fmt.Errorf("%w: %d of %d", ErrRetryLimit, t.RetryCount, t.MaxRetries)
	}
	if err != nil {
		return t, err
	}
	o.addLog(ctx, id, models.LogLevelInfo, fmt.Sprintf("retry %d of %d", t.RetryCount, t.MaxRetries))
	return t, nil
}

// Resume continues a paused task from its checkpoint.
func (o *Orchestrator) Resume(ctx context.Context, id string) (*models.Task, error) {
	t, err := o.getTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.IsTrashed() {
		return t, fmt.Errorf("%w: %s", ErrTrashed, id)
	}
	p, err := o.project(ctx, t.ProjectPath)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, p, id, func(t *models.Task) error {
		if t.Status != models.TaskStatusPaused {
			return fmt.Errorf("%w: cannot resume %s task", ErrInvalidTransition, t.Status)
		}
		if t.Checkpoint == nil || t.Checkpoint.SessionID == "" {
			return fmt.Errorf("%w: %s", ErrNoCheckpoint, id)
		}
		if t.ResumeAfter != nil && o.now().Before(*t.ResumeAfter) {
			return fmt.Errorf("%w: after %s", ErrResumeTooEarly, t.ResumeAfter.Format("2006-01-02 15:04:05"))
		}
		return nil
	}, true)
}

// Resolve finds a task by full id, id prefix, or the short id used in
// branch names.
func (o *Orchestrator) Resolve(ctx context.Context, ref string) (*models.Task, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("%w: empty id", ErrTaskNotFound)
	}
	if t, err := o.store.GetTask(ctx, ref); err == nil {
		return t, nil
	}
	upper := strings.ToUpper(ref)
	tasks, err := o.store.ListTasks(ctx, store.TaskFilter{Visibility: store.AllTasks})
	if err != nil {
		return nil, err
	}
	var matches []*models.Task
	for _, t := range tasks {
		if strings.HasPrefix(t.ID, upper) || strings.HasSuffix(t.ID, upper) {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, ref)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous task id %s: matches %d tasks", ref, len(matches))
	}
}
