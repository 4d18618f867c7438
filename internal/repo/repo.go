// Package repo holds per-repository state shared by the worktree and branch
// managers: the resolved checkout path and the main-checkout mutex.
package repo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/joescharf/apex/internal/git"
)

// ErrNotRepository is returned when a path is not a usable git checkout, or
// its .git entry disappeared after it was opened.
var ErrNotRepository = errors.New("not a git repository")

const (
	DefaultBaseBranch = "main"
	DefaultRemote     = "origin"
)

// Repository is one git repository being orchestrated. Operations that touch
// the main checkout (merge, pushing the base branch, worktree prune) must hold
// its lock.
type Repository struct {
	Path       string
	BaseBranch string
	Remote     string

	git *git.Client
	mu  sync.Mutex
}

// Git returns the client used for this repository.
func (r *Repository) Git() *git.Client { return r.git }

// Lock acquires the main-checkout mutex.
func (r *Repository) Lock() { r.mu.Lock() }

// Unlock releases the main-checkout mutex.
func (r *Repository) Unlock() { r.mu.Unlock() }

// Verify checks that the .git entry of the checkout still exists.
func (r *Repository) Verify() error {
	if _, err := os.Stat(filepath.Join(r.Path, ".git")); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s: .git missing", ErrNotRepository, r.Path)
		}
		return fmt.Errorf("stat %s: %w", r.Path, err)
	}
	return nil
}

// Options configure repositories opened by a Registry.
type Options struct {
	BaseBranch string
	Remote     string
}

// Registry caches opened repositories by resolved path so every caller shares
// the same mutex for a given checkout.
type Registry struct {
	git  *git.Client
	opts Options

	mu    sync.Mutex
	repos map[string]*Repository
}

// NewRegistry returns an empty registry.
func NewRegistry(client *git.Client, opts Options) *Registry {
	if opts.BaseBranch == "" {
		opts.BaseBranch = DefaultBaseBranch
	}
	if opts.Remote == "" {
		opts.Remote = DefaultRemote
	}
	return &Registry{git: client, opts: opts, repos: make(map[string]*Repository)}
}

// Open resolves path to its repository root and returns the shared
// Repository for it.
func (r *Registry) Open(ctx context.Context, path string) (*Repository, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty project path", ErrNotRepository)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	r.mu.Lock()
	if repo, ok := r.repos[abs]; ok {
		r.mu.Unlock()
		return repo, nil
	}
	r.mu.Unlock()

	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotRepository, abs)
	}

	root, err := r.git.RepoRoot(ctx, abs)
	if err != nil {
		var cmdErr *git.CommandError
		if errors.As(err, &cmdErr) {
			return nil, fmt.Errorf("%w: %s", ErrNotRepository, abs)
		}
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if repo, ok := r.repos[root]; ok {
		r.repos[abs] = repo
		return repo, nil
	}
	repo := &Repository{
		Path:       root,
		BaseBranch: r.opts.BaseBranch,
		Remote:     r.opts.Remote,
		git:        r.git,
	}
	if err := repo.Verify(); err != nil {
		return nil, err
	}
	r.repos[root] = repo
	r.repos[abs] = repo
	return repo, nil
}

// Repositories returns every distinct repository opened so far.
func (r *Registry) Repositories() []*Repository {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[*Repository]bool)
	var out []*Repository
	for _, repo := range r.repos {
		if !seen[repo] {
			seen[repo] = true
			out = append(out, repo)
		}
	}
	return out
}
