// Package worktree maps tasks to isolated git worktrees.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/joescharf/apex/internal/git"
	"github.com/joescharf/apex/internal/repo"
)

const (
	DefaultMaxWorktrees    = 5
	DefaultPruneStaleAfter = 7 * 24 * time.Hour

	dirPrefix = "task-"
)

var (
	// ErrLimitReached is wrapped by a CreationError when the repository already
	// has the maximum number of active worktrees.
	ErrLimitReached = errors.New("worktree limit reached")
	// ErrNotFound is returned when a task has no worktree.
	ErrNotFound = errors.New("worktree not found")
	// ErrInvalidBranch is wrapped by a CreationError for unusable branch names.
	ErrInvalidBranch = errors.New("invalid branch name")
)

// CreationError reports a worktree that could not be created.
type CreationError struct {
	TaskID string
	Err    error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("create worktree for task %s: %v", e.TaskID, e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }

// BranchExistsError is returned when another task's worktree already has the
// requested branch checked out.
type BranchExistsError struct {
	Branch      string
	OwnerTaskID string
	OwnerPath   string
}

func (e *BranchExistsError) Error() string {
	owner := e.OwnerTaskID
	if owner == "" {
		owner = e.OwnerPath
	}
	return fmt.Sprintf("branch %s is already checked out by %s", e.Branch, owner)
}

// Info describes one task worktree.
type Info struct {
	TaskID    string    `json:"task_id"`
	Path      string    `json:"path"`
	Branch    string    `json:"branch"`
	CreatedAt time.Time `json:"created_at"`
}

// Config controls worktree placement and limits.
type Config struct {
	// Root holds the task worktrees. Empty means "<repo>.worktrees".
	Root            string
	MaxWorktrees    int
	PruneStaleAfter time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns the task worktrees of one repository. It is the only writer of
// worktree state; the registry is a cache reconciled against
// `git worktree list --porcelain` on every read.
type Manager struct {
	repo   *repo.Repository
	git    *git.Client
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	// mu guards registry and reserved. The limit check and slot reservation
	// happen under it; git worktree add does not.
	mu       sync.Mutex
	registry map[string]Info
	reserved map[string]bool

	taskMu    sync.Mutex
	taskLocks map[string]*sync.Mutex
}

// NewManager returns a Manager for r.
func NewManager(r *repo.Repository, cfg Config, opts ...Option) *Manager {
	if cfg.Root == "" {
		cfg.Root = r.Path + ".worktrees"
	} else if resolved, err := filepath.EvalSymlinks(cfg.Root); err == nil {
		cfg.Root = resolved
	}
	if cfg.MaxWorktrees <= 0 {
		cfg.MaxWorktrees = DefaultMaxWorktrees
	}
	if cfg.PruneStaleAfter <= 0 {
		cfg.PruneStaleAfter = DefaultPruneStaleAfter
	}
	m := &Manager{
		repo:      r,
		git:       r.Git(),
		cfg:       cfg,
		logger:    zap.NewNop(),
		now:       time.Now,
		registry:  make(map[string]Info),
		reserved:  make(map[string]bool),
		taskLocks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Root returns the directory holding task worktrees.
func (m *Manager) Root() string { return m.cfg.Root }

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// PathFor returns the deterministic worktree path for a task.
func (m *Manager) PathFor(taskID string) string {
	return filepath.Join(m.cfg.Root, dirPrefix+taskID)
}

// taskIDFromPath returns the task id for a path under Root, or "".
func (m *Manager) taskIDFromPath(path string) string {
	if filepath.Dir(filepath.Clean(path)) != filepath.Clean(m.cfg.Root) {
		return ""
	}
	base := filepath.Base(path)
	if !strings.HasPrefix(base, dirPrefix) {
		return ""
	}
	return strings.TrimPrefix(base, dirPrefix)
}

func (m *Manager) lockTask(taskID string) func() {
	m.taskMu.Lock()
	l, ok := m.taskLocks[taskID]
	if !ok {
		l = &sync.Mutex{}
		m.taskLocks[taskID] = l
	}
	m.taskMu.Unlock()
	l.Lock()
	return l.Unlock
}

// Create allocates the worktree for taskID with branch checked out, creating
// the branch from the base branch when it does not exist. Calling it again for
// a task that already has a worktree returns the existing path.
func (m *Manager) Create(ctx context.Context, taskID, branch string) (string, error) {
	if taskID == "" {
		return "", &CreationError{TaskID: taskID, Err: errors.New("empty task id")}
	}
	if branch == "" {
		return "", &CreationError{TaskID: taskID, Err: fmt.Errorf("%w: empty", ErrInvalidBranch)}
	}
	unlock := m.lockTask(taskID)
	defer unlock()

	// Git must finish once started, even if the caller gives up.
	gctx := context.WithoutCancel(ctx)
	path := m.PathFor(taskID)

	valid, err := m.git.ValidBranchName(gctx, m.repo.Path, branch)
	if err != nil {
		return "", err
	}
	if !valid {
		return "", &CreationError{TaskID: taskID, Err: fmt.Errorf("%w: %q", ErrInvalidBranch, branch)}
	}

	live, err := m.reserve(gctx, taskID, path)
	if err != nil {
		return "", err
	}
	if live != nil {
		return live.Path, nil
	}
	defer m.release(taskID)

	list, err := m.git.WorktreeList(gctx, m.repo.Path)
	if err != nil {
		return "", err
	}
	if hasStale(list, path) {
		if err := m.Prune(gctx); err != nil {
			return "", err
		}
		if list, err = m.git.WorktreeList(gctx, m.repo.Path); err != nil {
			return "", err
		}
	}
	for _, wt := range list {
		if wt.Branch == branch && filepath.Clean(wt.Path) != path {
			return "", &BranchExistsError{
				Branch:      branch,
				OwnerTaskID: m.taskIDFromPath(wt.Path),
				OwnerPath:   wt.Path,
			}
		}
	}

	// A directory left behind by an interrupted run blocks `worktree add`.
	if _, err := os.Stat(path); err == nil {
		m.logger.Warn("removing unregistered worktree directory", zap.String("task_id", taskID), zap.String("path", path))
		if err := os.RemoveAll(path); err != nil {
			return "", &CreationError{TaskID: taskID, Err: err}
		}
	}
	if err := os.MkdirAll(m.cfg.Root, 0o755); err != nil {
		return "", &CreationError{TaskID: taskID, Err: err}
	}

	exists, err := m.git.BranchExists(gctx, m.repo.Path, branch)
	if err != nil {
		return "", err
	}
	base := m.repo.BaseBranch
	if ok, _ := m.git.BranchExists(gctx, m.repo.Path, base); !ok {
		base = "HEAD"
	}
	if err := m.git.WorktreeAdd(gctx, m.repo.Path, path, branch, base, !exists); err != nil {
		return "", &CreationError{TaskID: taskID, Err: err}
	}

	info := Info{TaskID: taskID, Path: path, Branch: branch, CreatedAt: m.now()}
	m.mu.Lock()
	m.registry[taskID] = info
	m.mu.Unlock()

	m.logger.Info("worktree created",
		zap.String("task_id", taskID),
		zap.String("branch", branch),
		zap.String("path", path),
		zap.Bool("new_branch", !exists))
	return path, nil
}

// reserve checks the limit and reserves a creation slot. It returns the
// existing worktree when the task already has one.
func (m *Manager) reserve(ctx context.Context, taskID, path string) (*Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list, err := m.git.WorktreeList(ctx, m.repo.Path)
	if err != nil {
		return nil, err
	}
	active := 0
	for i, wt := range list {
		if i == 0 || wt.Bare || wt.Prunable {
			continue
		}
		if filepath.Clean(wt.Path) == path {
			if _, err := os.Stat(path); err == nil {
				info := m.infoFor(taskID, wt)
				m.registry[taskID] = info
				return &info, nil
			}
			continue
		}
		active++
	}
	active += len(m.reserved)
	if active >= m.cfg.MaxWorktrees {
		return nil, &CreationError{
			TaskID: taskID,
			Err:    fmt.Errorf("%w: %d of %d in use", ErrLimitReached, active, m.cfg.MaxWorktrees),
		}
	}
	m.reserved[taskID] = true
	return nil, nil
}

// hasStale reports registrations whose directory is gone, including one at
// path itself.
func hasStale(list []git.WorktreeInfo, path string) bool {
	for _, wt := range list {
		if wt.Prunable || filepath.Clean(wt.Path) == path {
			return true
		}
	}
	return false
}

func (m *Manager) release(taskID string) {
	m.mu.Lock()
	delete(m.reserved, taskID)
	m.mu.Unlock()
}

// infoFor builds Info for a live git worktree, keeping the cached creation
// time when known. Caller holds m.mu.
func (m *Manager) infoFor(taskID string, wt git.WorktreeInfo) Info {
	if cached, ok := m.registry[taskID]; ok && cached.Branch == wt.Branch {
		return cached
	}
	created := m.now()
	if fi, err := os.Stat(filepath.Join(wt.Path, ".git")); err == nil {
		created = fi.ModTime()
	}
	return Info{TaskID: taskID, Path: filepath.Clean(wt.Path), Branch: wt.Branch, CreatedAt: created}
}

// reconcile rebuilds the registry from git and returns the live task
// worktrees. Entries whose directory vanished are dropped.
func (m *Manager) reconcile(ctx context.Context) ([]Info, error) {
	list, err := m.git.WorktreeList(ctx, m.repo.Path)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	fresh := make(map[string]Info)
	for _, wt := range list {
		id := m.taskIDFromPath(wt.Path)
		if id == "" || wt.Prunable {
			continue
		}
		if _, err := os.Stat(wt.Path); err != nil {
			continue
		}
		fresh[id] = m.infoFor(id, wt)
	}
	m.registry = fresh

	out := make([]Info, 0, len(fresh))
	for _, info := range fresh {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

// Get returns the worktree of taskID, or nil when it has none.
func (m *Manager) Get(ctx context.Context, taskID string) (*Info, error) {
	if _, err := m.reconcile(context.WithoutCancel(ctx)); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.registry[taskID]
	if !ok {
		return nil, nil
	}
	return &info, nil
}

// Switch returns the path of taskID's worktree for navigation.
func (m *Manager) Switch(ctx context.Context, taskID string) (string, error) {
	info, err := m.Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	if info == nil {
		return "", fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return info.Path, nil
}

// List returns the live task worktrees ordered by task id.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	return m.reconcile(context.WithoutCancel(ctx))
}

// Delete removes the worktree of taskID. It reports false when there was
// nothing to delete. The task branch is kept.
func (m *Manager) Delete(ctx context.Context, taskID string) (bool, error) {
	unlock := m.lockTask(taskID)
	defer unlock()

	gctx := context.WithoutCancel(ctx)
	path := m.PathFor(taskID)

	list, err := m.git.WorktreeList(gctx, m.repo.Path)
	if err != nil {
		return false, err
	}
	registered := false
	for _, wt := range list {
		if filepath.Clean(wt.Path) == path {
			registered = true
			break
		}
	}
	_, statErr := os.Stat(path)
	onDisk := statErr == nil

	m.mu.Lock()
	delete(m.registry, taskID)
	m.mu.Unlock()

	if !registered && !onDisk {
		return false, nil
	}

	if registered {
		if err := m.git.WorktreeRemove(gctx, m.repo.Path, path, true); err != nil {
			m.logger.Warn("worktree remove failed, falling back to prune",
				zap.String("task_id", taskID), zap.Error(err))
		}
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.RemoveAll(path); err != nil {
			return false, fmt.Errorf("remove worktree directory %s: %w", path, err)
		}
	}
	if err := m.Prune(gctx); err != nil {
		return false, err
	}

	m.logger.Info("worktree deleted", zap.String("task_id", taskID), zap.String("path", path))
	return true, nil
}

// Prune clears stale worktree administrative files. It holds the repository
// lock since it touches the main checkout's git directory.
func (m *Manager) Prune(ctx context.Context) error {
	m.repo.Lock()
	defer m.repo.Unlock()
	return m.git.WorktreePrune(context.WithoutCancel(ctx), m.repo.Path)
}

// OwnerState is what CleanupOrphaned knows about a worktree's task.
type OwnerState int

const (
	// OwnerMissing means the task no longer exists.
	OwnerMissing OwnerState = iota
	// OwnerActive means the task is in a non-terminal state.
	OwnerActive
	// OwnerInactive means the task exists but is terminal.
	OwnerInactive
)

// OwnerLookup reports the state of the task owning a worktree.
type OwnerLookup func(ctx context.Context, taskID string) (OwnerState, error)

// CleanupOrphaned removes worktrees whose task is gone, and worktrees older
// than PruneStaleAfter whose task is no longer active. It finishes with
// `git worktree prune`.
func (m *Manager) CleanupOrphaned(ctx context.Context, owner OwnerLookup) ([]Info, error) {
	live, err := m.List(ctx)
	if err != nil {
		return nil, err
	}

	var removed []Info
	var errs []error
	now := m.now()
	for _, info := range live {
		state, err := owner(ctx, info.TaskID)
		if err != nil {
			errs = append(errs, fmt.Errorf("lookup task %s: %w", info.TaskID, err))
			continue
		}
		stale := now.Sub(info.CreatedAt) > m.cfg.PruneStaleAfter
		if state == OwnerActive || (state == OwnerInactive && !stale) {
			continue
		}
		ok, err := m.Delete(ctx, info.TaskID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			m.logger.Info("pruned orphaned worktree",
				zap.String("task_id", info.TaskID),
				zap.Bool("owner_missing", state == OwnerMissing))
			removed = append(removed, info)
		}
	}

	if err := m.Prune(ctx); err != nil {
		errs = append(errs, err)
	}
	return removed, errors.Join(errs...)
}
