package git

import (
	"errors"
	"fmt"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// BranchState describes a branch relative to a base branch.
type BranchState struct {
	Branch string `json:"branch"`
	Base   string `json:"base"`
	Exists bool   `json:"exists"`

	// Merged is true when the branch tip is reachable from base.
	Merged  bool   `json:"merged"`
	Tip     string `json:"tip,omitempty"`
	BaseTip string `json:"base_tip,omitempty"`
}

// HasWork reports whether the branch points somewhere other than base.
func (s BranchState) HasWork() bool {
	return s.Exists && s.Tip != s.BaseTip
}

// Inspector answers read-only questions about commit ancestry without
// spawning git. It never mutates the repository.
type Inspector struct{}

func NewInspector() *Inspector { return &Inspector{} }

func (i *Inspector) open(repoPath string) (*gogit.Repository, error) {
	repo, err := gogit.PlainOpenWithOptions(repoPath, &gogit.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", repoPath, err)
	}
	return repo, nil
}

// HeadBranch returns the branch checked out at repoPath, or "" when HEAD is
// detached.
func (i *Inspector) HeadBranch(repoPath string) (string, error) {
	repo, err := i.open(repoPath)
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", err
	}
	if head.Name().IsBranch() {
		return head.Name().Short(), nil
	}
	return "", nil
}

// BranchState reports whether branch exists and whether it is already merged
// into base.
func (i *Inspector) BranchState(repoPath, branch, base string) (BranchState, error) {
	state := BranchState{Branch: branch, Base: base}
	repo, err := i.open(repoPath)
	if err != nil {
		return state, err
	}

	tip, err := branchCommit(repo, branch)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return state, nil
		}
		return state, err
	}
	state.Exists = true
	state.Tip = tip.Hash.String()

	baseTip, err := branchCommit(repo, base)
	if err != nil {
		return state, fmt.Errorf("resolve base %s: %w", base, err)
	}
	state.BaseTip = baseTip.Hash.String()
	merged, err := tip.IsAncestor(baseTip)
	if err != nil {
		return state, err
	}
	state.Merged = merged
	return state, nil
}

func branchCommit(repo *gogit.Repository, branch string) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return nil, err
	}
	return repo.CommitObject(ref.Hash())
}
