package git

import (
	"context"
	"strings"
)

// WorktreeInfo holds parsed worktree metadata from `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path     string
	Branch   string
	HEAD     string
	Bare     bool
	Detached bool
	Locked   bool
	Prunable bool
}

// Client wraps a Runner with the git operations used by apex. All methods take
// the directory to run in, since one client serves many repositories.
type Client struct {
	runner Runner
}

// NewClient returns a Client backed by runner.
func NewClient(runner Runner) *Client {
	return &Client{runner: runner}
}

// Run executes git and returns the raw result.
func (c *Client) Run(ctx context.Context, dir string, args ...string) (Result, error) {
	return c.runner.Run(ctx, dir, args...)
}

// Output executes git and returns trimmed stdout. A non-zero exit becomes a
// *CommandError.
func (c *Client) Output(ctx context.Context, dir string, args ...string) (string, error) {
	res, err := c.runner.Run(ctx, dir, args...)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", &CommandError{Args: args, ExitCode: res.ExitCode, Stderr: res.Stderr, Stdout: res.Stdout}
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Check executes git and reports only whether it exited zero.
func (c *Client) Check(ctx context.Context, dir string, args ...string) (bool, error) {
	res, err := c.runner.Run(ctx, dir, args...)
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

func (c *Client) RepoRoot(ctx context.Context, path string) (string, error) {
	return c.Output(ctx, path, "rev-parse", "--show-toplevel")
}

func (c *Client) CurrentBranch(ctx context.Context, path string) (string, error) {
	return c.Output(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
}

func (c *Client) RevParse(ctx context.Context, path, ref string) (string, error) {
	return c.Output(ctx, path, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
}

// IsDirty reports uncommitted changes to tracked files. Untracked files are
// ignored; they do not block a checkout or merge unless overwritten.
func (c *Client) IsDirty(ctx context.Context, path string) (bool, error) {
	out, err := c.Output(ctx, path, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

func (c *Client) BranchExists(ctx context.Context, path, branch string) (bool, error) {
	return c.Check(ctx, path, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
}

// ValidBranchName reports whether name is acceptable as a branch name.
func (c *Client) ValidBranchName(ctx context.Context, path, name string) (bool, error) {
	return c.Check(ctx, path, "check-ref-format", "--branch", name)
}

func (c *Client) BranchDelete(ctx context.Context, path, branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := c.Output(ctx, path, "branch", flag, branch)
	return err
}

func (c *Client) WorktreeList(ctx context.Context, path string) ([]WorktreeInfo, error) {
	out, err := c.Output(ctx, path, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return ParseWorktreeListPorcelain(out), nil
}

// WorktreeAdd creates a worktree at wtPath. With newBranch set the branch is
// created from base.
func (c *Client) WorktreeAdd(ctx context.Context, repoPath, wtPath, branch, base string, newBranch bool) error {
	var args []string
	if newBranch {
		args = []string{"worktree", "add", "-b", branch, wtPath, base}
	} else {
		args = []string{"worktree", "add", wtPath, branch}
	}
	_, err := c.Output(ctx, repoPath, args...)
	return err
}

func (c *Client) WorktreeRemove(ctx context.Context, repoPath, wtPath string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, wtPath)
	_, err := c.Output(ctx, repoPath, args...)
	return err
}

func (c *Client) WorktreePrune(ctx context.Context, repoPath string) error {
	_, err := c.Output(ctx, repoPath, "worktree", "prune")
	return err
}

func (c *Client) Remotes(ctx context.Context, path string) ([]string, error) {
	out, err := c.Output(ctx, path, "remote")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

func (c *Client) MergeBase(ctx context.Context, path, a, b string) (string, error) {
	return c.Output(ctx, path, "merge-base", a, b)
}

func (c *Client) DiffNameOnly(ctx context.Context, path, from, to string) ([]string, error) {
	out, err := c.Output(ctx, path, "diff", "--name-only", from, to)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// ConflictedFiles lists paths with unresolved merge conflicts.
func (c *Client) ConflictedFiles(ctx context.Context, path string) ([]string, error) {
	out, err := c.Output(ctx, path, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

func (c *Client) IsMergeInProgress(ctx context.Context, path string) (bool, error) {
	return c.Check(ctx, path, "rev-parse", "--verify", "--quiet", "MERGE_HEAD")
}

// ParseWorktreeListPorcelain parses the output of `git worktree list --porcelain`.
func ParseWorktreeListPorcelain(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.HEAD = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
		case line == "bare":
			current.Bare = true
		case line == "detached":
			current.Detached = true
		case line == "locked" || strings.HasPrefix(line, "locked "):
			current.Locked = true
		case line == "prunable" || strings.HasPrefix(line, "prunable "):
			current.Prunable = true
		case line == "":
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorktreeInfo{}
			}
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}

func splitLines(out string) []string {
	if out == "" {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
