// Package branch moves task branches into the base branch and publishes them
// to a remote. It reports outcomes as values and never mutates task state.
package branch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/joescharf/apex/internal/git"
	"github.com/joescharf/apex/internal/repo"
)

// Target identifies the task branch being merged or pushed.
type Target struct {
	TaskID string
	Title  string
	Branch string
}

// MergeOptions configure a merge.
type MergeOptions struct {
	Squash bool
	// Message overrides the commit message of the merge or squash commit.
	Message string
}

// Manager runs merges and pushes for one repository.
type Manager struct {
	repo   *repo.Repository
	git    *git.Client
	logger *zap.Logger
}

// NewManager returns a Manager for r. A nil logger disables logging.
func NewManager(r *repo.Repository, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{repo: r, git: r.Git(), logger: logger}
}

// Merge integrates t.Branch into the base branch of the repository. The main
// checkout is locked for the whole operation. On conflict the merge is
// aborted before returning.
func (m *Manager) Merge(ctx context.Context, t Target, opts MergeOptions) MergeResult {
	res := m.merge(ctx, t, opts)
	fields := []zap.Field{
		zap.String("task_id", t.TaskID),
		zap.String("branch", t.Branch),
		zap.String("outcome", MergeOutcome(res)),
		zap.Bool("squash", opts.Squash),
	}
	switch v := res.(type) {
	case MergeSucceeded:
		m.logger.Info("merge complete", append(fields, zap.Int("changed_files", len(v.ChangedFiles)))...)
	case MergeConflicted:
		m.logger.Warn("merge conflicted, aborted", append(fields, zap.Strings("conflicts", v.Files))...)
	case MergeFailed:
		m.logger.Warn("merge failed", append(fields, zap.String("error", v.Message))...)
	}
	return res
}

func (m *Manager) merge(ctx context.Context, t Target, opts MergeOptions) MergeResult {
	if t.Branch == "" {
		return MergeFailed{Reason: MergeNoBranch, Message: fmt.Sprintf("task %s does not have a branch", t.TaskID)}
	}
	fail := func(reason MergeFailure, format string, args ...any) MergeResult {
		return MergeFailed{Branch: t.Branch, Reason: reason, Message: fmt.Sprintf(format, args...)}
	}
	gitFail := func(what string, err error) MergeResult {
		if errors.Is(err, git.ErrTimeout) {
			return fail(MergeTimeout, "%s: %v", what, err)
		}
		return fail(MergeGitError, "%s: %v", what, err)
	}

	m.repo.Lock()
	defer m.repo.Unlock()

	// Never interrupt git mid-merge; the runner timeout still applies.
	ctx = context.WithoutCancel(ctx)
	dir := m.repo.Path
	base := m.repo.BaseBranch

	exists, err := m.git.BranchExists(ctx, dir, t.Branch)
	if err != nil {
		return gitFail("check branch", err)
	}
	if !exists {
		return fail(MergeBranchMissing, "branch %s does not exist", t.Branch)
	}
	if ok, err := m.git.BranchExists(ctx, dir, base); err != nil {
		return gitFail("check base branch", err)
	} else if !ok {
		return fail(MergeBaseUnavailable, "base branch %s does not exist", base)
	}

	inProgress, err := m.git.IsMergeInProgress(ctx, dir)
	if err != nil {
		return gitFail("check merge state", err)
	}
	if inProgress {
		return fail(MergeInProgress, "a merge is already in progress in %s", dir)
	}
	dirty, err := m.git.IsDirty(ctx, dir)
	if err != nil {
		return gitFail("check working tree", err)
	}
	if dirty {
		return fail(MergeDirty, "main checkout %s has uncommitted changes", dir)
	}

	current, err := m.git.CurrentBranch(ctx, dir)
	if err != nil {
		return gitFail("current branch", err)
	}
	if current != base {
		if _, err := m.git.Output(ctx, dir, "checkout", base); err != nil {
			return gitFail("checkout "+base, err)
		}
		defer func() {
			if _, err := m.git.Output(ctx, dir, "checkout", current); err != nil {
				m.logger.Warn("restore checkout failed", zap.String("branch", current), zap.Error(err))
			}
		}()
	}

	preHead, err := m.git.RevParse(ctx, dir, "HEAD")
	if err != nil {
		return gitFail("resolve HEAD", err)
	}
	mergeBase, err := m.git.MergeBase(ctx, dir, base, t.Branch)
	if err != nil {
		return gitFail("merge base", err)
	}

	var args []string
	if opts.Squash {
		args = []string{"merge", "--squash", t.Branch}
	} else {
		msg := opts.Message
		if msg == "" {
			msg = MergeMessage(t)
		}
		args = []string{"merge", "--no-ff", "--no-edit", "-m", msg, t.Branch}
	}
	out, err := m.git.Run(ctx, dir, args...)
	if err != nil {
		m.abort(ctx, preHead)
		return gitFail("merge", err)
	}
	if out.ExitCode != 0 {
		conflicts, _ := m.git.ConflictedFiles(ctx, dir)
		hasConflict := len(conflicts) > 0 || strings.Contains(out.Stdout, "CONFLICT")
		m.abort(ctx, preHead)
		if hasConflict {
			return MergeConflicted{
				Branch:  t.Branch,
				Files:   conflicts,
				Message: fmt.Sprintf("merge of %s into %s conflicts in %d file(s): %s", t.Branch, base, len(conflicts), strings.Join(conflicts, ", ")),
			}
		}
		return fail(MergeGitError, "%v", &git.CommandError{Args: args, ExitCode: out.ExitCode, Stderr: out.Stderr, Stdout: out.Stdout})
	}

	if opts.Squash {
		nothingStaged, err := m.git.Check(ctx, dir, "diff", "--cached", "--quiet")
		if err != nil {
			m.abort(ctx, preHead)
			return gitFail("inspect squash", err)
		}
		if nothingStaged {
			return fail(MergeNothingToMerge, "no changes to merge from %s", t.Branch)
		}
		msg := opts.Message
		if msg == "" {
			msg = SquashMessage(t)
		}
		if _, err := m.git.Output(ctx, dir, "commit", "--no-verify", "-m", msg); err != nil {
			m.abort(ctx, preHead)
			return gitFail("commit squash", err)
		}
	}

	postHead, err := m.git.RevParse(ctx, dir, "HEAD")
	if err != nil {
		return gitFail("resolve HEAD", err)
	}
	if postHead == preHead {
		return fail(MergeNothingToMerge, "no changes to merge from %s", t.Branch)
	}

	changed, err := m.git.DiffNameOnly(ctx, dir, mergeBase, t.Branch)
	if err != nil {
		return gitFail("list changed files", err)
	}
	return MergeSucceeded{Branch: t.Branch, Commit: postHead, Squashed: opts.Squash, ChangedFiles: changed}
}

// abort restores the main checkout to preHead after a failed merge. Caller
// holds the repository lock.
func (m *Manager) abort(ctx context.Context, preHead string) {
	dir := m.repo.Path
	if ok, _ := m.git.IsMergeInProgress(ctx, dir); ok {
		if _, err := m.git.Output(ctx, dir, "merge", "--abort"); err == nil {
			return
		}
	} else if _, err := m.git.Output(ctx, dir, "reset", "--merge"); err == nil {
		if dirty, _ := m.git.IsDirty(ctx, dir); !dirty {
			return
		}
	}
	// Last resort. The checkout was clean before the merge started.
	if _, err := m.git.Output(ctx, dir, "reset", "--hard", preHead); err != nil {
		m.logger.Error("failed to restore main checkout", zap.String("head", preHead), zap.Error(err))
	}
}

// Push publishes t.Branch to the configured remote and sets upstream tracking.
// Pushing the base branch holds the main-checkout lock; other branches push
// concurrently.
func (m *Manager) Push(ctx context.Context, t Target) PushResult {
	res := m.push(ctx, t)
	fields := []zap.Field{
		zap.String("task_id", t.TaskID),
		zap.String("branch", t.Branch),
		zap.String("outcome", PushOutcome(res)),
	}
	if v, ok := res.(PushFailed); ok {
		m.logger.Warn("push failed", append(fields, zap.String("error", v.Message))...)
	} else {
		m.logger.Info("push complete", fields...)
	}
	return res
}

func (m *Manager) push(ctx context.Context, t Target) PushResult {
	if t.Branch == "" {
		return PushFailed{Reason: PushNoBranch, Message: fmt.Sprintf("task %s does not have a branch", t.TaskID)}
	}
	fail := func(reason PushFailure, format string, args ...any) PushResult {
		return PushFailed{Branch: t.Branch, Reason: reason, Message: fmt.Sprintf(format, args...)}
	}
	gitFail := func(what string, err error) PushResult {
		if errors.Is(err, git.ErrTimeout) {
			return fail(PushTimeout, "%s: %v", what, err)
		}
		return fail(PushGitError, "%s: %v", what, err)
	}

	ctx = context.WithoutCancel(ctx)
	dir := m.repo.Path
	remote := m.repo.Remote

	remotes, err := m.git.Remotes(ctx, dir)
	if err != nil {
		return gitFail("list remotes", err)
	}
	found := false
	for _, r := range remotes {
		if r == remote {
			found = true
			break
		}
	}
	if !found {
		return fail(PushNoRemote, "no remote %q configured", remote)
	}

	exists, err := m.git.BranchExists(ctx, dir, t.Branch)
	if err != nil {
		return gitFail("check branch", err)
	}
	if !exists {
		return fail(PushBranchMissing, "branch %s does not exist", t.Branch)
	}

	if t.Branch == m.repo.BaseBranch {
		m.repo.Lock()
		defer m.repo.Unlock()
	}

	out, err := m.git.Run(ctx, dir, "push", "-u", remote, t.Branch)
	if err != nil {
		return gitFail("push", err)
	}
	if out.ExitCode != 0 {
		msg := strings.TrimSpace(out.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(out.Stdout)
		}
		return fail(classifyPush(msg), "push %s to %s: %s", t.Branch, remote, msg)
	}
	upToDate := strings.Contains(out.Stderr, "Everything up-to-date") || strings.Contains(out.Stdout, "Everything up-to-date")
	return Pushed{Branch: t.Branch, RemoteBranch: remote + "/" + t.Branch, UpToDate: upToDate}
}

func classifyPush(msg string) PushFailure {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "non-fast-forward"),
		strings.Contains(lower, "fetch first"),
		strings.Contains(lower, "[rejected]"),
		strings.Contains(lower, "[remote rejected]"):
		return PushRejected
	case strings.Contains(lower, "authentication failed"),
		strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "could not read username"),
		strings.Contains(lower, "403"):
		return PushAuth
	case strings.Contains(lower, "could not resolve host"),
		strings.Contains(lower, "unable to access"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "could not read from remote repository"):
		return PushNetwork
	}
	return PushGitError
}

// DeleteBranch removes a local branch. Force deletes it even if unmerged.
func (m *Manager) DeleteBranch(ctx context.Context, name string, force bool) error {
	if name == "" {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	exists, err := m.git.BranchExists(ctx, m.repo.Path, name)
	if err != nil || !exists {
		return err
	}
	if err := m.git.BranchDelete(ctx, m.repo.Path, name, force); err != nil {
		return fmt.Errorf("delete branch %s: %w", name, err)
	}
	m.logger.Info("branch deleted", zap.String("branch", name), zap.Bool("force", force))
	return nil
}

// MergeMessage is the default commit message of a standard merge.
func MergeMessage(t Target) string {
	if t.TaskID == "" {
		return fmt.Sprintf("Merge branch '%s'", t.Branch)
	}
	return fmt.Sprintf("Merge branch '%s' (task %s)", t.Branch, t.TaskID)
}

// SquashMessage is the default commit message of a squash merge: the task
// title followed by a Task trailer.
func SquashMessage(t Target) string {
	subject := strings.TrimSpace(t.Title)
	if subject == "" {
		subject = "Apply " + t.Branch
	}
	if t.TaskID == "" {
		return subject
	}
	return fmt.Sprintf("%s\n\nTask: %s", subject, t.TaskID)
}
