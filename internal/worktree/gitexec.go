// Package worktree manages git worktrees: deterministic identity, lifecycle
// (create/archive/delete), merged detection, and per-worktree agent files.
package worktree

import (
	"errors"
	"time"
)

// Git-specific errors surfaced from stderr parsing.
var (
	// ErrBranchAlreadyCheckedOut indicates the branch is checked out in another worktree.
	ErrBranchAlreadyCheckedOut = errors.New("branch already checked out in another worktree")

	// ErrPathAlreadyExists indicates the worktree path already exists.
	ErrPathAlreadyExists = errors.New("worktree path already exists")

	// ErrWorktreeLocked indicates the worktree is locked.
	ErrWorktreeLocked = errors.New("worktree is locked")

	// ErrNotGitRepo indicates the directory is not a git repository.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrMergeConflict indicates git reported a conflict during merge.
	ErrMergeConflict = errors.New("merge conflict")
)

// WorktreeInfo is one block of `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path   string
	Branch string
	HEAD   string
	Bare   bool
}

// StatusCounts are the working-tree counts derived from `git status --porcelain`.
type StatusCounts struct {
	Modified  int
	Staged    int
	Untracked int
}

// FileChange is one changed path with its index/worktree state.
type FileChange struct {
	Path   string
	Status string // "modified", "staged", "untracked"
}

// GitExecutor defines the git operations the worktree manager and merge
// queue need. The abstraction allows mock implementations in tests.
type GitExecutor interface {
	// ListWorktrees parses `git worktree list --porcelain` for the repo.
	ListWorktrees(repoPath string) ([]WorktreeInfo, error)

	// AddWorktree runs `git worktree add [-b branch] <path> [base]`.
	AddWorktree(repoPath, path, branch string, newBranch bool, baseBranch string) error

	// RemoveWorktree runs `git worktree remove [--force] <path>`.
	RemoveWorktree(repoPath, path string, force bool) error

	// Status returns working-tree counts for the worktree at path.
	Status(path string) (StatusCounts, error)

	// AheadBehind counts commits on branch not on base and vice versa.
	AheadBehind(path, branch, base string) (ahead, behind int, err error)

	// IsAncestor reports whether branch is an ancestor of base
	// (`git merge-base --is-ancestor`).
	IsAncestor(path, branch, base string) (bool, error)

	// LastCommitDate returns the committer date of HEAD (`git log -1 --format=%cI`).
	LastCommitDate(path string) (time.Time, error)

	// FirstUniqueCommitDate returns the date of the first commit on branch
	// that is not on base. Zero time when the branch has no unique commits.
	FirstUniqueCommitDate(path, branch, base string) (time.Time, error)

	// CurrentBranch returns the checked-out branch at path.
	CurrentBranch(path string) (string, error)

	// BranchExists reports whether a local branch exists.
	BranchExists(repoPath, name string) bool

	// RemoteDefaultBranch probes `git remote show origin` for the HEAD branch.
	RemoteDefaultBranch(repoPath string) (string, error)

	// Checkout switches the worktree at path to branch.
	Checkout(path, branch string) error

	// Merge runs `git merge <branch> --no-ff -m <message>` at path.
	// Returns ErrMergeConflict when git reports a conflict.
	Merge(path, branch, message string) error

	// HasCommits reports whether `git log <base>..HEAD --oneline` at path is
	// non-empty.
	HasCommits(path, base string) (bool, error)

	// ChangedFiles lists modified, staged, and untracked paths at path.
	ChangedFiles(path string) ([]FileChange, error)
}
