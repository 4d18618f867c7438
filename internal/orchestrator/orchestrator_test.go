package orchestrator_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/joescharf/apex/internal/agent"
	"github.com/joescharf/apex/internal/git"
	"github.com/joescharf/apex/internal/git/gittest"
	"github.com/joescharf/apex/internal/metrics"
	"github.com/joescharf/apex/internal/models"
	"github.com/joescharf/apex/internal/orchestrator"
	"github.com/joescharf/apex/internal/repo"
	"github.com/joescharf/apex/internal/store"
	"github.com/joescharf/apex/internal/subtask"
	"github.com/joescharf/apex/internal/worktree"
)

// fakeAgent records requests. Without fn it writes one file per task and
// leaves it uncommitted.
type fakeAgent struct {
	mu    sync.Mutex
	calls []agent.Request
	fn    func(ctx context.Context, req agent.Request) (agent.Result, error)
}

func (f *fakeAgent) Run(ctx context.Context, req agent.Request) (agent.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	if err := writeFile(req.WorktreePath, req.TaskID+".txt", req.Title+"\n"); err != nil {
		return agent.Result{}, err
	}
	return agent.Result{Outcome: agent.OutcomeSucceeded, Usage: models.Usage{InputTokens: 10, OutputTokens: 5, CostUSD: 0.01}}, nil
}

func (f *fakeAgent) Calls() []agent.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agent.Request(nil), f.calls...)
}

func writeFile(dir, name, content string) error {
	return os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644)
}

type fakeDetector struct{ running bool }

func (d fakeDetector) IsRunning(string) bool { return d.running }

// stoppingDetector reports every worktree as busy and records Stop calls.
type stoppingDetector struct {
	mu      sync.Mutex
	stopped []string
}

func (d *stoppingDetector) IsRunning(string) bool { return true }

func (d *stoppingDetector) Stop(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = append(d.stopped, path)
	return nil
}

type fakePlanner struct{ plan subtask.Plan }

func (p fakePlanner) Plan(context.Context, *models.Task) (subtask.Plan, error) { return p.plan, nil }

type env struct {
	o     *orchestrator.Orchestrator
	store *store.SQLiteStore
	dir   string
	agent *fakeAgent
	reg   *prometheus.Registry
	logs  *observer.ObservedLogs
}

func newEnv(t *testing.T, cfg orchestrator.Config, opts ...orchestrator.Option) *env {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	core, logs := observer.New(zapcore.DebugLevel)
	reg := prometheus.NewRegistry()
	fa := &fakeAgent{}
	reposReg := repo.NewRegistry(git.NewClient(git.NewExecRunner("", 0)), repo.Options{})

	opts = append([]orchestrator.Option{
		orchestrator.WithLogger(zap.New(core)),
		orchestrator.WithMetrics(metrics.New(reg)),
		orchestrator.WithProcessDetector(fakeDetector{}),
	}, opts...)
	return &env{
		o:     orchestrator.New(s, reposReg, fa, cfg, opts...),
		store: s,
		dir:   gittest.InitRepo(t),
		agent: fa,
		reg:   reg,
		logs:  logs,
	}
}

func (e *env) create(t *testing.T, title string, deps ...string) *models.Task {
	t.Helper()
	task, err := e.o.Create(context.Background(), orchestrator.TaskSpec{Title: title, ProjectPath: e.dir, DependsOn: deps})
	require.NoError(t, err)
	return task
}

func (e *env) execute(t *testing.T, id string) *models.Task {
	t.Helper()
	task, err := e.o.Execute(context.Background(), id)
	require.NoError(t, err)
	return task
}

func TestCreate(t *testing.T) {
	e := newEnv(t, orchestrator.Config{})
	task := e.create(t, "Fix login form")

	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Regexp(t, `^apex/fix-login-form-[0-9a-z]{8}$`, task.BranchName)
	assert.Equal(t, e.dir, task.ProjectPath)
	assert.Equal(t, orchestrator.DefaultMaxRetries, task.MaxRetries)

	wt, err := e.o.Worktree(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Nil(t, wt, "worktrees are created at execution")

	t.Run("not a repository", func(t *testing.T) {
		_, err := e.o.Create(context.Background(), orchestrator.TaskSpec{Title: "x", ProjectPath: t.TempDir()})
		assert.ErrorIs(t, err, repo.ErrNotRepository)
	})

	t.Run("empty title", func(t *testing.T) {
		_, err := e.o.Create(context.Background(), orchestrator.TaskSpec{ProjectPath: e.dir})
		assert.Error(t, err)
	})

	t.Run("unknown dependency", func(t *testing.T) {
		_, err := e.o.Create(context.Background(), orchestrator.TaskSpec{Title: "x", ProjectPath: e.dir, DependsOn: []string{"nope"}})
		assert.ErrorIs(t, err, orchestrator.ErrTaskNotFound)
	})
}

func TestGet_NotFound(t *testing.T) {
	e := newEnv(t, orchestrator.Config{})
	_, err := e.o.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, orchestrator.ErrTaskNotFound)
}

func TestExecute_Success(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, orchestrator.Config{})
	task := e.create(t, "Add readme section")

	done := e.execute(t, task.ID)
	assert.Equal(t, models.TaskStatusCompleted, done.Status)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, int64(10), done.Usage.InputTokens)

	wt, err := e.o.Worktree(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, wt)
	assert.Equal(t, task.BranchName, wt.Branch)

	// Leftover agent changes were committed on the task branch.
	assert.Empty(t, gittest.Git(t, wt.Path, "status", "--porcelain"))
	assert.Equal(t, "Add readme section", gittest.Git(t, wt.Path, "log", "-1", "--format=%s"))

	calls := e.agent.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, wt.Path, calls[0].WorktreePath)
	assert.Nil(t, calls[0].Checkpoint)

	logs, err := e.o.Logs(ctx, task.ID, 0)
	require.NoError(t, err)
	var msgs []string
	for _, l := range logs {
		msgs = append(msgs, l.Message)
	}
	assert.Contains(t, msgs, "status pending -> in_progress")
	assert.Contains(t, msgs, "status in_progress -> completed")

	series, err := testutil.GatherAndCount(e.reg, "apex_task_transitions_total")
	require.NoError(t, err)
	assert.Equal(t, 3, series, "none->pending, pending->in_progress, in_progress->completed")
	assert.NotZero(t, e.logs.FilterMessage("agent finished").Len())

	t.Run("completed task cannot run again", func(t *testing.T) {
		_, err := e.o.Execute(ctx, task.ID)
		assert.ErrorIs(t, err, orchestrator.ErrInvalidTransition)
	})
}

func TestExecute_AgentFailure(t *testing.T) {
	e := newEnv(t, orchestrator.Config{})
	e.agent.fn = func(context.Context, agent.Request) (agent.Result, error) {
		return agent.Result{Outcome: agent.OutcomeFailed, Error: "tests do not pass"}, nil
	}
	task := e.create(t, "Broken")

	done := e.execute(t, task.ID)
	assert.Equal(t, models.TaskStatusFailed, done.Status)
	assert.Equal(t, "tests do not pass", done.Error)
}

func TestExecute_RunnerError(t *testing.T) {
	e := newEnv(t, orchestrator.Config{})
	e.agent.fn = func(context.Context, agent.Request) (agent.Result, error) {
		return agent.Result{}, errors.New("exec: claude not found")
	}
	done := e.execute(t, e.create(t, "x").ID)
	assert.Equal(t, models.TaskStatusFailed, done.Status)
	assert.Contains(t, done.Error, "claude not found")
}

func TestPauseAndResume(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, orchestrator.Config{})
	e.agent.fn = func(_ context.Context, req agent.Request) (agent.Result, error) {
		if req.Checkpoint == nil {
			return agent.Result{
				Outcome:     agent.OutcomePaused,
				PauseReason: agent.PauseReasonTurnBudget,
				Checkpoint:  &models.Checkpoint{SessionID: "sess-1"},
			}, nil
		}
		if err := writeFile(req.WorktreePath, "resumed.txt", "ok\n"); err != nil {
			return agent.Result{}, err
		}
		return agent.Result{Outcome: agent.OutcomeSucceeded}, nil
	}
	task := e.create(t, "Long job")

	paused := e.execute(t, task.ID)
	assert.Equal(t, models.TaskStatusPaused, paused.Status)
	assert.Equal(t, agent.PauseReasonTurnBudget, paused.PauseReason)
	require.NotNil(t, paused.Checkpoint)
	assert.NotNil(t, paused.PausedAt)

	resumed, err := e.o.Resume(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, resumed.Status)
	assert.Equal(t, 1, resumed.ResumeAttempts)
	assert.Nil(t, resumed.Checkpoint)
	assert.Empty(t, resumed.PauseReason)

	calls := e.agent.Calls()
	require.Len(t, calls, 2)
	require.NotNil(t, calls[1].Checkpoint)
	assert.Equal(t, "sess-1", calls[1].Checkpoint.SessionID)
	assert.Equal(t, calls[0].WorktreePath, calls[1].WorktreePath)

	t.Run("not paused", func(t *testing.T) {
		_, err := e.o.Resume(ctx, task.ID)
		assert.ErrorIs(t, err, orchestrator.ErrInvalidTransition)
	})
}

func TestResume_Preconditions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Hour)

	t.Run("no checkpoint", func(t *testing.T) {
		e := newEnv(t, orchestrator.Config{})
		e.agent.fn = func(context.Context, agent.Request) (agent.Result, error) {
			return agent.Result{Outcome: agent.OutcomePaused, PauseReason: "needs input"}, nil
		}
		task := e.create(t, "x")
		e.execute(t, task.ID)
		_, err := e.o.Resume(ctx, task.ID)
		assert.ErrorIs(t, err, orchestrator.ErrNoCheckpoint)
	})

	t.Run("too early", func(t *testing.T) {
		e := newEnv(t, orchestrator.Config{}, orchestrator.WithClock(func() time.Time { return now }))
		e.agent.fn = func(context.Context, agent.Request) (agent.Result, error) {
			return agent.Result{
				Outcome:     agent.OutcomePaused,
				PauseReason: "rate limited",
				ResumeAfter: &later,
				Checkpoint:  &models.Checkpoint{SessionID: "s"},
			}, nil
		}
		task := e.create(t, "x")
		e.execute(t, task.ID)
		got, err := e.o.Resume(ctx, task.ID)
		assert.ErrorIs(t, err, orchestrator.ErrResumeTooEarly)
		assert.Equal(t, models.TaskStatusPaused, got.Status)
	})
}

func TestExecute_WorktreeLimitQueuesTask(t *testing.T) {
	e := newEnv(t, orchestrator.Config{Worktree: worktree.Config{MaxWorktrees: 1}})
	first := e.execute(t, e.create(t, "first").ID)
	require.Equal(t, models.TaskStatusCompleted, first.Status)

	second := e.execute(t, e.create(t, "second").ID)
	assert.Equal(t, models.TaskStatusQueued, second.Status)
	assert.Len(t, e.agent.Calls(), 1)

	ok, err := e.o.CleanupTask(context.Background(), first.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	second = e.execute(t, second.ID)
	assert.Equal(t, models.TaskStatusCompleted, second.Status)
}

func TestExecute_Dependencies(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, orchestrator.Config{})
	first := e.create(t, "schema")
	second := e.create(t, "api", first.ID)

	got, err := e.o.Execute(ctx, second.ID)
	assert.ErrorIs(t, err, orchestrator.ErrBlocked)
	assert.Equal(t, models.TaskStatusQueued, got.Status)
	assert.Equal(t, []string{first.ID}, got.BlockedBy)

	e.execute(t, first.ID)
	done := e.execute(t, second.ID)
	assert.Equal(t, models.TaskStatusCompleted, done.Status)
	assert.Empty(t, done.BlockedBy)
}

func TestCancel_StopsAgentOfOtherProcess(t *testing.T) {
	ctx := context.Background()
	det := &stoppingDetector{}
	e := newEnv(t, orchestrator.Config{}, orchestrator.WithProcessDetector(det))

	// A task another process is running: in_progress here, no local run.
	task := e.create(t, "elsewhere")
	_, err := e.o.UpdateStatus(ctx, task.ID, models.TaskStatusInProgress)
	require.NoError(t, err)

	ok, err := e.o.Cancel(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, det.stopped, 1)
	assert.Contains(t, det.stopped[0], task.ID)

	pending := e.create(t, "never started")
	_, err = e.o.Cancel(ctx, pending.ID)
	require.NoError(t, err)
	assert.Len(t, det.stopped, 1, "pending tasks have no agent to stop")
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, orchestrator.Config{})

	t.Run("pending", func(t *testing.T) {
		task := e.create(t, "x")
		ok, err := e.o.Cancel(ctx, task.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		got, _ := e.o.Get(ctx, task.ID)
		assert.Equal(t, models.TaskStatusCancelled, got.Status)

		ok, err = e.o.Cancel(ctx, task.ID)
		require.NoError(t, err)
		assert.False(t, ok, "terminal tasks are a no-op")
	})

	t.Run("cascades to subtasks", func(t *testing.T) {
		parent := e.create(t, "parent")
		subs, err := e.o.Decompose(ctx, parent.ID, []subtask.Definition{{Title: "a"}, {Title: "b"}}, models.SubtaskStrategyParallel)
		require.NoError(t, err)

		ok, err := e.o.Cancel(ctx, parent.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		for _, s := range subs {
			got, _ := e.o.Get(ctx, s.ID)
			assert.Equal(t, models.TaskStatusCancelled, got.Status)
		}
		got, _ := e.o.Get(ctx, parent.ID)
		assert.Equal(t, models.TaskStatusCancelled, got.Status)
	})

	t.Run("running agent", func(t *testing.T) {
		started := make(chan struct{})
		e.agent.fn = func(ctx context.Context, _ agent.Request) (agent.Result, error) {
			close(started)
			<-ctx.Done()
			return agent.Result{Usage: models.Usage{OutputTokens: 7}}, ctx.Err()
		}
		defer func() { e.agent.fn = nil }()
		task := e.create(t, "slow")

		type result struct {
			task *models.Task
			err  error
		}
		out := make(chan result, 1)
		go func() {
			got, err := e.o.Execute(ctx, task.ID)
			out <- result{got, err}
		}()
		<-started

		ok, err := e.o.Cancel(ctx, task.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		r := <-out
		require.NoError(t, r.err)
		assert.Equal(t, models.TaskStatusCancelled, r.task.Status)
		assert.Equal(t, int64(7), r.task.Usage.OutputTokens)
	})
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, orchestrator.Config{MaxRetries: 1})
	e.agent.fn = func(context.Context, agent.Request) (agent.Result, error) {
		return agent.Result{Outcome: agent.OutcomeFailed, Error: "boom"}, nil
	}
	task := e.create(t, "flaky")
	e.execute(t, task.ID)

	got, err := e.o.Retry(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.Error)

	e.execute(t, task.ID)
	got, err = e.o.Retry(ctx, task.ID)
	assert.ErrorIs(t, err, orchestrator.ErrRetryLimit)
	assert.Equal(t, models.TaskStatusFailed, got.Status)

	t.Run("pending is not retryable", func(t *testing.T) {
		_, err := e.o.Retry(ctx, e.create(t, "fresh").ID)
		assert.ErrorIs(t, err, orchestrator.ErrNotRetryable)
	})
}

func TestRetry_CancelledAtLimitRecordsFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, orchestrator.Config{MaxRetries: 1})
	task := e.create(t, "abandoned")

	ok, err := e.o.Cancel(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = e.o.Retry(ctx, task.ID)
	require.NoError(t, err)
	ok, err = e.o.Cancel(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := e.o.Retry(ctx, task.ID)
	assert.ErrorIs(t, err, orchestrator.ErrRetryLimit)
	assert.Equal(t, models.TaskStatusCancelled, got.Status)

	stored, err := e.o.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "retry limit of 1 reached", stored.Error)
	assert.Equal(t, 1, stored.RetryCount)
}

func TestRetry_StuckInProgress(t *testing.T) {
	ctx := context.Background()

	t.Run("no agent process", func(t *testing.T) {
		e := newEnv(t, orchestrator.Config{})
		task := e.create(t, "stuck")
		_, err := e.o.UpdateStatus(ctx, task.ID, models.TaskStatusInProgress)
		require.NoError(t, err)

		got, err := e.o.Retry(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusPending, got.Status)
	})

	t.Run("agent still running in worktree", func(t *testing.T) {
		e := newEnv(t, orchestrator.Config{}, orchestrator.WithProcessDetector(fakeDetector{running: true}))
		task := e.create(t, "busy")
		_, err := e.o.UpdateStatus(ctx, task.ID, models.TaskStatusInProgress)
		require.NoError(t, err)

		_, err = e.o.Retry(ctx, task.ID)
		assert.ErrorIs(t, err, orchestrator.ErrAlreadyRunning)
	})
}

func TestUpdateStatus(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, orchestrator.Config{})
	task := e.create(t, "x")

	_, err := e.o.UpdateStatus(ctx, task.ID, models.TaskStatusCompleted)
	assert.ErrorIs(t, err, orchestrator.ErrInvalidTransition)

	_, err = e.o.UpdateStatus(ctx, task.ID, "bogus")
	assert.ErrorIs(t, err, orchestrator.ErrInvalidTransition)

	_, err = e.o.UpdateStatus(ctx, task.ID, models.TaskStatusPending)
	assert.ErrorIs(t, err, orchestrator.ErrInvalidTransition)

	got, err := e.o.UpdateStatus(ctx, task.ID, models.TaskStatusQueued)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusQueued, got.Status)

	got, err = e.o.UpdateStatus(ctx, task.ID, models.TaskStatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, got.Status)
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, orchestrator.Config{})
	task := e.create(t, "resolve me")

	got, err := e.o.Resolve(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)

	got, err = e.o.Resolve(ctx, models.ShortID(task.ID))
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)

	_, err = e.o.Resolve(ctx, "zzzzzzzzzzzz")
	assert.ErrorIs(t, err, orchestrator.ErrTaskNotFound)
}
