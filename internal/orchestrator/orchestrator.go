// Package orchestrator owns the task state machine. It coordinates worktree
// allocation, agent execution, subtask decomposition and branch integration
// for every repository it is given tasks for.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/joescharf/apex/internal/agent"
	"github.com/joescharf/apex/internal/branch"
	"github.com/joescharf/apex/internal/git"
	"github.com/joescharf/apex/internal/models"
	"github.com/joescharf/apex/internal/repo"
	"github.com/joescharf/apex/internal/store"
	"github.com/joescharf/apex/internal/subtask"
	"github.com/joescharf/apex/internal/worktree"
)

const (
	DefaultMaxRetries          = 3
	DefaultMaxParallelSubtasks = 3
)

// Config holds orchestration settings shared by all projects.
type Config struct {
	BranchPrefix        string
	MaxRetries          int
	MaxParallelSubtasks int
	Worktree            worktree.Config
}

// Metrics receives orchestration events. *metrics.Recorder implements it.
type Metrics interface {
	TaskTransition(from, to models.TaskStatus)
	Merge(outcome string, d time.Duration)
	Push(outcome string)
	WorktreesActiveSet(project string, n int)
}

// Planner proposes a decomposition for a task during the planning phase.
type Planner interface {
	Plan(ctx context.Context, t *models.Task) (subtask.Plan, error)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithPlanner enables the planning phase.
func WithPlanner(p Planner) Option {
	return func(o *Orchestrator) { o.planner = p }
}

// WithProcessDetector sets how stuck in_progress tasks are detected.
func WithProcessDetector(d agent.ProcessDetector) Option {
	return func(o *Orchestrator) { o.detector = d }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// project bundles the per-repository managers.
type project struct {
	repo      *repo.Repository
	worktrees *worktree.Manager
	branches  *branch.Manager
}

// Orchestrator is the public task lifecycle API.
type Orchestrator struct {
	store      store.Store
	repos      *repo.Registry
	agent      agent.Runner
	cfg        Config
	decomposer *subtask.Decomposer
	inspector  *git.Inspector

	logger   *zap.Logger
	metrics  Metrics
	planner  Planner
	detector agent.ProcessDetector
	now      func() time.Time

	mu       sync.Mutex
	projects map[string]*project
	running  map[string]context.CancelFunc

	taskMu    sync.Mutex
	taskLocks map[string]*sync.Mutex
}

// New returns an Orchestrator persisting tasks in s and opening repositories
// through repos.
func New(s store.Store, repos *repo.Registry, runner agent.Runner, cfg Config, opts ...Option) *Orchestrator {
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = models.DefaultBranchPrefix
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxParallelSubtasks <= 0 {
		cfg.MaxParallelSubtasks = DefaultMaxParallelSubtasks
	}
	o := &Orchestrator{
		store:      s,
		repos:      repos,
		agent:      runner,
		cfg:        cfg,
		decomposer: subtask.NewDecomposer(s, cfg.BranchPrefix),
		inspector:  git.NewInspector(),
		logger:     zap.NewNop(),
		metrics:    nopMetrics{},
		detector:   &agent.OSProcessDetector{},
		now:        time.Now,
		projects:   make(map[string]*project),
		running:    make(map[string]context.CancelFunc),
		taskLocks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// project returns the managers for path, creating them on first use. It
// fails with repo.ErrNotRepository when path is not a usable checkout.
func (o *Orchestrator) project(ctx context.Context, path string) (*project, error) {
	r, err := o.repos.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := r.Verify(); err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.projects[r.Path]; ok {
		return p, nil
	}
	p := &project{
		repo: r,
		worktrees: worktree.NewManager(r, o.cfg.Worktree,
			worktree.WithLogger(o.logger.Named("worktree")),
			worktree.WithClock(o.now)),
		branches: branch.NewManager(r, o.logger.Named("branch")),
	}
	o.projects[r.Path] = p
	return p, nil
}

func (o *Orchestrator) lockTask(id string) func() {
	o.taskMu.Lock()
	mu, ok := o.taskLocks[id]
	if !ok {
		mu = &sync.Mutex{}
		o.taskLocks[id] = mu
	}
	o.taskMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func (o *Orchestrator) getTask(ctx context.Context, id string) (*models.Task, error) {
	t, err := o.store.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return nil, err
	}
	return t, nil
}

// mutate applies fn to the stored task under its lock and persists the
// result. A status change is logged and counted. Nothing is written when fn
// fails.
func (o *Orchestrator) mutate(ctx context.Context, id string, fn func(t *models.Task) error) (*models.Task, error) {
	unlock := o.lockTask(id)
	defer unlock()

	t, err := o.getTask(ctx, id)
	if err != nil {
		return nil, err
	}
	from := t.Status
	if err := fn(t); err != nil {
		return t, err
	}
	if err := o.store.UpdateTask(ctx, t); err != nil {
		return t, fmt.Errorf("update task %s: %w", id, err)
	}
	if t.Status != from {
		o.metrics.TaskTransition(from, t.Status)
		o.addLog(ctx, id, models.LogLevelInfo, fmt.Sprintf("status %s -> %s", from, t.Status))
		o.logger.Debug("task transition",
			zap.String("task_id", id),
			zap.String("from", string(from)),
			zap.String("to", string(t.Status)))
	}
	return t, nil
}

// transition is mutate for a plain status change.
func (o *Orchestrator) transition(ctx context.Context, id string, to models.TaskStatus) (*models.Task, error) {
	return o.mutate(ctx, id, func(t *models.Task) error {
		return setStatus(t, to, o.now().UTC())
	})
}

// addLog writes an audit entry for a task. Failures are logged, not returned.
func (o *Orchestrator) addLog(ctx context.Context, taskID string, level models.LogLevel, msg string) {
	err := o.store.AddLog(context.WithoutCancel(ctx), &models.LogEntry{
		TaskID:  taskID,
		Level:   level,
		Message: msg,
	})
	if err != nil {
		o.logger.Warn("write task log", zap.String("task_id", taskID), zap.Error(err))
	}
}

func (o *Orchestrator) isRunning(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[id]
	return ok
}

// startRun registers a cancellable context for a task's agent run.
func (o *Orchestrator) startRun(ctx context.Context, id string) (context.Context, func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.running[id]; ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.running[id] = cancel
	return runCtx, func() {
		o.mu.Lock()
		delete(o.running, id)
		o.mu.Unlock()
		cancel()
	}, nil
}

// stopRun cancels a task's agent run, if any.
func (o *Orchestrator) stopRun(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cancel, ok := o.running[id]
	if ok {
		cancel()
	}
	return ok
}

type nopMetrics struct{}

func (nopMetrics) TaskTransition(models.TaskStatus, models.TaskStatus) {}
func (nopMetrics) Merge(string, time.Duration)                         {}
func (nopMetrics) Push(string)                                         {}
func (nopMetrics) WorktreesActiveSet(string, int)                      {}
