package branch

// MergeResult is the outcome of a merge. It is one of MergeSucceeded,
// MergeConflicted or MergeFailed.
type MergeResult interface {
	mergeResult()
}

// MergeSucceeded means the branch was integrated into the base branch.
type MergeSucceeded struct {
	Branch       string
	Commit       string
	Squashed     bool
	ChangedFiles []string
}

// MergeConflicted means the merge hit conflicts and was aborted; the main
// checkout is back at its pre-merge state.
type MergeConflicted struct {
	Branch  string
	Files   []string
	Message string
}

// MergeFailure classifies a MergeFailed.
type MergeFailure string

const (
	MergeNoBranch        MergeFailure = "no_branch"
	MergeBranchMissing   MergeFailure = "branch_missing"
	MergeDirty           MergeFailure = "dirty"
	MergeInProgress      MergeFailure = "merge_in_progress"
	MergeNothingToMerge  MergeFailure = "nothing_to_merge"
	MergeTimeout         MergeFailure = "timeout"
	MergeGitError        MergeFailure = "git_error"
	MergeBaseUnavailable MergeFailure = "base_unavailable"
)

// MergeFailed means the merge was not attempted or failed for a reason other
// than conflicts.
type MergeFailed struct {
	Branch  string
	Reason  MergeFailure
	Message string
}

func (MergeSucceeded) mergeResult()  {}
func (MergeConflicted) mergeResult() {}
func (MergeFailed) mergeResult()     {}

// MergeSummary is the flat form of a MergeResult for JSON output.
type MergeSummary struct {
	Success      bool     `json:"success"`
	Conflicted   bool     `json:"conflicted"`
	Branch       string   `json:"branch,omitempty"`
	Commit       string   `json:"commit,omitempty"`
	ChangedFiles []string `json:"changed_files,omitempty"`
	Conflicts    []string `json:"conflicts,omitempty"`
	Reason       string   `json:"reason,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// SummarizeMerge flattens r.
func SummarizeMerge(r MergeResult) MergeSummary {
	switch v := r.(type) {
	case MergeSucceeded:
		return MergeSummary{Success: true, Branch: v.Branch, Commit: v.Commit, ChangedFiles: v.ChangedFiles}
	case MergeConflicted:
		return MergeSummary{Conflicted: true, Branch: v.Branch, Conflicts: v.Files, Error: v.Message}
	case MergeFailed:
		return MergeSummary{Branch: v.Branch, Reason: string(v.Reason), Error: v.Message}
	}
	return MergeSummary{Error: "unknown merge result"}
}

// MergeOutcome returns a short label for metrics and logs.
func MergeOutcome(r MergeResult) string {
	switch v := r.(type) {
	case MergeSucceeded:
		return "success"
	case MergeConflicted:
		return "conflict"
	case MergeFailed:
		if v.Reason == MergeTimeout {
			return "timeout"
		}
		return "failed"
	}
	return "unknown"
}

// PushResult is the outcome of a push. It is either Pushed or PushFailed.
type PushResult interface {
	pushResult()
}

// Pushed means the remote accepted the branch and upstream tracking is set.
type Pushed struct {
	Branch       string
	RemoteBranch string
	UpToDate     bool
}

// PushFailure classifies a PushFailed.
type PushFailure string

const (
	PushNoBranch      PushFailure = "no_branch"
	PushNoRemote      PushFailure = "no_remote"
	PushBranchMissing PushFailure = "branch_missing"
	PushNoCommits     PushFailure = "no_commits"
	PushRejected      PushFailure = "rejected"
	PushAuth          PushFailure = "auth"
	PushNetwork       PushFailure = "network"
	PushTimeout       PushFailure = "timeout"
	PushGitError      PushFailure = "git_error"
)

// PushFailed means the push did not happen. Nothing is retried internally.
type PushFailed struct {
	Branch  string
	Reason  PushFailure
	Message string
}

func (Pushed) pushResult()     {}
func (PushFailed) pushResult() {}

// PushSummary is the flat form of a PushResult for JSON output.
type PushSummary struct {
	Success      bool   `json:"success"`
	Branch       string `json:"branch,omitempty"`
	RemoteBranch string `json:"remote_branch,omitempty"`
	UpToDate     bool   `json:"up_to_date,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Error        string `json:"error,omitempty"`
}

// SummarizePush flattens r.
func SummarizePush(r PushResult) PushSummary {
	switch v := r.(type) {
	case Pushed:
		return PushSummary{Success: true, Branch: v.Branch, RemoteBranch: v.RemoteBranch, UpToDate: v.UpToDate}
	case PushFailed:
		return PushSummary{Branch: v.Branch, Reason: string(v.Reason), Error: v.Message}
	}
	return PushSummary{Error: "unknown push result"}
}

// PushOutcome returns a short label for metrics and logs.
func PushOutcome(r PushResult) string {
	switch v := r.(type) {
	case Pushed:
		if v.UpToDate {
			return "up_to_date"
		}
		return "success"
	case PushFailed:
		return string(v.Reason)
	}
	return "unknown"
}
