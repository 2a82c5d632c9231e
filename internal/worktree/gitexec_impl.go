package worktree

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Compile-time check that RealExecutor implements GitExecutor.
var _ GitExecutor = (*RealExecutor)(nil)

// RealExecutor implements GitExecutor by executing actual git commands.
type RealExecutor struct{}

// NewRealExecutor creates a new RealExecutor.
func NewRealExecutor() *RealExecutor {
	return &RealExecutor{}
}

func (e *RealExecutor) runGit(dir string, args ...string) (string, error) {
	//nolint:gosec // G204: args come from controlled sources
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		stderrStr := strings.TrimSpace(stderr.String())
		combined := strings.TrimSpace(stdout.String() + "\n" + stderrStr)
		if combined != "" {
			return "", parseGitError(combined, err)
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}

	// Trim only line endings: porcelain output starts with a meaningful space.
	return strings.TrimRight(stdout.String(), "\r\n"), nil
}

// parseGitError converts git output to specific error types.
func parseGitError(output string, originalErr error) error {
	lower := strings.ToLower(output)

	if strings.Contains(output, "CONFLICT") || strings.Contains(output, "Automatic merge failed") {
		return fmt.Errorf("%w: %s", ErrMergeConflict, output)
	}
	if strings.Contains(lower, "is already checked out") ||
		strings.Contains(lower, "already checked out at") {
		return fmt.Errorf("%w: %s", ErrBranchAlreadyCheckedOut, output)
	}
	if strings.Contains(lower, "already exists") {
		return fmt.Errorf("%w: %s", ErrPathAlreadyExists, output)
	}
	if strings.Contains(lower, "is locked") {
		return fmt.Errorf("%w: %s", ErrWorktreeLocked, output)
	}
	if strings.Contains(lower, "not a git repository") {
		return fmt.Errorf("%w: %s", ErrNotGitRepo, output)
	}
	return fmt.Errorf("git error: %s: %w", output, originalErr)
}

// ListWorktrees parses `git worktree list --porcelain`.
func (e *RealExecutor) ListWorktrees(repoPath string) ([]WorktreeInfo, error) {
	out, err := e.runGit(repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreePorcelain(out), nil
}

// parseWorktreePorcelain splits porcelain output into per-worktree blocks.
func parseWorktreePorcelain(out string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo
	flush := func() {
		if current.Path != "" {
			worktrees = append(worktrees, current)
		}
		current = WorktreeInfo{}
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.HEAD = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = shortBranch(strings.TrimPrefix(line, "branch "))
		case line == "bare":
			current.Bare = true
		}
	}
	flush()
	return worktrees
}

func shortBranch(ref string) string {
	return strings.TrimPrefix(ref, "refs/heads/")
}

// AddWorktree runs `git worktree add`.
func (e *RealExecutor) AddWorktree(repoPath, path, branch string, newBranch bool, baseBranch string) error {
	args := []string{"worktree", "add"}
	if newBranch {
		args = append(args, "-b", branch, path)
		if baseBranch != "" {
			args = append(args, baseBranch)
		}
	} else {
		args = append(args, path, branch)
	}
	_, err := e.runGit(repoPath, args...)
	return err
}

// RemoveWorktree runs `git worktree remove`.
func (e *RealExecutor) RemoveWorktree(repoPath, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	_, err := e.runGit(repoPath, args...)
	return err
}

// Status counts modified, staged, and untracked entries from
// `git status --porcelain`.
func (e *RealExecutor) Status(path string) (StatusCounts, error) {
	out, err := e.runGit(path, "status", "--porcelain")
	if err != nil {
		return StatusCounts{}, err
	}
	return parseStatusCounts(out), nil
}

func parseStatusCounts(out string) StatusCounts {
	var counts StatusCounts
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 2 {
			continue
		}
		index, worktree := line[0], line[1]
		if index == '?' && worktree == '?' {
			counts.Untracked++
			continue
		}
		if index != ' ' && index != '?' {
			counts.Staged++
		}
		if worktree != ' ' && worktree != '?' {
			counts.Modified++
		}
	}
	return counts
}

// AheadBehind counts left/right commits between branch and base.
func (e *RealExecutor) AheadBehind(path, branch, base string) (int, int, error) {
	out, err := e.runGit(path, "rev-list", "--left-right", "--count", branch+"..."+base)
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected rev-list output: %q", out)
	}
	ahead, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, err
	}
	behind, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, err
	}
	return ahead, behind, nil
}

// IsAncestor runs `git merge-base --is-ancestor branch base`.
func (e *RealExecutor) IsAncestor(path, branch, base string) (bool, error) {
	//nolint:gosec // G204: args come from controlled sources
	cmd := exec.Command("git", "merge-base", "--is-ancestor", branch, base)
	cmd.Dir = path
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("merge-base --is-ancestor: %w", err)
}

// LastCommitDate reads the committer date of HEAD.
func (e *RealExecutor) LastCommitDate(path string) (time.Time, error) {
	out, err := e.runGit(path, "log", "-1", "--format=%cI")
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, out)
}

// FirstUniqueCommitDate reads the date of the oldest commit on branch not on
// base.
func (e *RealExecutor) FirstUniqueCommitDate(path, branch, base string) (time.Time, error) {
	out, err := e.runGit(path, "log", base+".."+branch, "--format=%cI", "--reverse")
	if err != nil {
		return time.Time{}, err
	}
	lines := strings.Split(out, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, strings.TrimSpace(lines[0]))
}

// CurrentBranch returns the checked-out branch at path.
func (e *RealExecutor) CurrentBranch(path string) (string, error) {
	return e.runGit(path, "rev-parse", "--abbrev-ref", "HEAD")
}

// BranchExists reports whether a local branch ref exists.
func (e *RealExecutor) BranchExists(repoPath, name string) bool {
	_, err := e.runGit(repoPath, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

var remoteHeadRe = regexp.MustCompile(`HEAD branch:\s*(\S+)`)

// RemoteDefaultBranch probes the remote HEAD via `git remote show origin`.
func (e *RealExecutor) RemoteDefaultBranch(repoPath string) (string, error) {
	out, err := e.runGit(repoPath, "remote", "show", "origin")
	if err != nil {
		return "", err
	}
	m := remoteHeadRe.FindStringSubmatch(out)
	if m == nil || m[1] == "(unknown)" {
		return "", fmt.Errorf("remote HEAD not found")
	}
	return m[1], nil
}

// Checkout switches the worktree at path to branch.
func (e *RealExecutor) Checkout(path, branch string) error {
	_, err := e.runGit(path, "checkout", branch)
	return err
}

// Merge runs a no-fast-forward merge at path.
func (e *RealExecutor) Merge(path, branch, message string) error {
	_, err := e.runGit(path, "merge", branch, "--no-ff", "-m", message)
	return err
}

// HasCommits reports whether base..HEAD is non-empty at path.
func (e *RealExecutor) HasCommits(path, base string) (bool, error) {
	out, err := e.runGit(path, "log", base+"..HEAD", "--oneline")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// ChangedFiles lists changed paths with their state.
func (e *RealExecutor) ChangedFiles(path string) ([]FileChange, error) {
	out, err := e.runGit(path, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseChangedFiles(out), nil
}

func parseChangedFiles(out string) []FileChange {
	var changes []FileChange
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		index, worktree := line[0], line[1]
		file := strings.TrimSpace(line[3:])
		// Renames are listed as "old -> new"; the new path is the lock.
		if idx := strings.Index(file, " -> "); idx >= 0 {
			file = file[idx+4:]
		}
		switch {
		case index == '?' && worktree == '?':
			changes = append(changes, FileChange{Path: file, Status: "untracked"})
		case index != ' ':
			changes = append(changes, FileChange{Path: file, Status: "staged"})
		default:
			changes = append(changes, FileChange{Path: file, Status: "modified"})
		}
	}
	return changes
}
