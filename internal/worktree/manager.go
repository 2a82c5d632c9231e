package worktree

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/zjrosen/orchard/internal/log"
	"github.com/zjrosen/orchard/internal/store"
)

// ErrMainWorktree is returned when deleting or archiving the main worktree.
var ErrMainWorktree = errors.New("main worktree cannot be removed")

// SessionChecker reports whether a worktree has a live agent or terminal
// session. Injected to keep merged detection honest without coupling the
// manager to the session registry.
type SessionChecker interface {
	HasActiveSession(worktreeID string) bool
}

// NoSessions is a SessionChecker for contexts with no session registry.
type NoSessions struct{}

// HasActiveSession always reports false.
func (NoSessions) HasActiveSession(string) bool { return false }

// CreateOptions configures CreateWorktree.
type CreateOptions struct {
	NewBranch  bool
	BaseBranch string
	Mode       store.WorktreeMode
}

// Manager owns worktree lifecycle for registered projects.
type Manager struct {
	repo     *store.WorktreeRepo
	git      GitExecutor
	sessions SessionChecker
}

// NewManager creates a Manager.
func NewManager(repo *store.WorktreeRepo, git GitExecutor, sessions SessionChecker) *Manager {
	if sessions == nil {
		sessions = NoSessions{}
	}
	return &Manager{repo: repo, git: git, sessions: sessions}
}

// DeterministicID derives the worktree id from projectID and path:
// hex(sha256(projectID ":" path)) truncated and formatted 8-4-4-4-12.
// The same inputs always produce the same id, so persisted references
// survive process restarts.
func DeterministicID(projectID, path string) string {
	sum := sha256.Sum256([]byte(projectID + ":" + path))
	h := hex.EncodeToString(sum[:])
	return h[0:8] + "-" + h[8:12] + "-" + h[12:16] + "-" + h[16:20] + "-" + h[20:32]
}

var branchSlugRe = regexp.MustCompile(`[^a-z0-9-]`)

// BranchNameFromTask computes the branch for a new task worktree:
// feature/<lowercased name with every other character replaced by "-">.
func BranchNameFromTask(name string) string {
	slug := branchSlugRe.ReplaceAllString(strings.ToLower(name), "-")
	return "feature/" + slug
}

// worktreePath resolves where a branch's worktree lives:
// <project>/.worktrees/<branch with "/" replaced by "-">.
func worktreePath(projectPath, branch string) string {
	return filepath.Join(projectPath, ".worktrees", strings.ReplaceAll(branch, "/", "-"))
}

// LoadWorktreesForProject shells out to git, derives status and merged state
// for every worktree of the project, re-syncs drifted agent manifests, and
// persists the refreshed records. Archived and mode flags from existing
// records are preserved.
func (m *Manager) LoadWorktreesForProject(project store.Project) ([]store.Worktree, error) {
	infos, err := m.git.ListWorktrees(project.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}
	defaultBranch := m.DefaultBranch(project)

	var worktrees []store.Worktree
	for _, info := range infos {
		if info.Bare {
			continue
		}
		w := store.Worktree{
			ID:        DeterministicID(project.ID, info.Path),
			ProjectID: project.ID,
			Path:      info.Path,
			Branch:    info.Branch,
			IsMain:    info.Path == project.Path,
			CreatedAt: time.Now(),
		}

		if existing, err := m.repo.Get(w.ID); err == nil {
			w.Archived = existing.Archived
			w.Mode = existing.Mode
			w.CreatedAt = existing.CreatedAt
		}

		counts, err := m.git.Status(info.Path)
		if err != nil {
			// Status failures are reported and swallowed; the record keeps
			// zero counts rather than blocking the listing.
			log.ErrorErr(log.CatWorktree, "status failed", err, "path", info.Path)
		}
		w.Status.Modified = counts.Modified
		w.Status.Staged = counts.Staged
		w.Status.Untracked = counts.Untracked

		if !w.IsMain && info.Branch != "" && defaultBranch != "" {
			ahead, behind, err := m.git.AheadBehind(info.Path, info.Branch, defaultBranch)
			if err != nil {
				log.ErrorErr(log.CatWorktree, "ahead/behind failed", err, "path", info.Path)
			} else {
				w.Status.Ahead = ahead
				w.Status.Behind = behind
			}
		}

		w.Merged = m.computeMerged(w, defaultBranch)

		if date, err := m.git.LastCommitDate(info.Path); err == nil && !date.IsZero() {
			d := date
			w.LastCommitDate = &d
		}
		if !w.IsMain && info.Branch != "" && defaultBranch != "" {
			if date, err := m.git.FirstUniqueCommitDate(info.Path, info.Branch, defaultBranch); err == nil && !date.IsZero() {
				w.CreatedAt = date
			} else if w.LastCommitDate != nil {
				w.CreatedAt = *w.LastCommitDate
			}
		}

		if !w.IsMain {
			if err := resyncAgentManifest(info.Path, w.ID); err != nil {
				log.ErrorErr(log.CatWorktree, "manifest resync failed", err, "path", info.Path)
			}
		}

		if err := m.repo.Upsert(w); err != nil {
			return nil, err
		}
		worktrees = append(worktrees, w)
	}
	return worktrees, nil
}

// computeMerged gates the expensive ancestor check behind the cheap
// conditions: only a clean, fully-pushed, session-free non-main worktree can
// be merged.
func (m *Manager) computeMerged(w store.Worktree, defaultBranch string) bool {
	if w.IsMain || w.Branch == "" || defaultBranch == "" {
		return false
	}
	if !w.Status.Clean() || w.Status.Ahead != 0 {
		return false
	}
	if m.sessions.HasActiveSession(w.ID) {
		return false
	}
	merged, err := m.git.IsAncestor(w.Path, w.Branch, defaultBranch)
	if err != nil {
		log.ErrorErr(log.CatWorktree, "merged detection failed", err, "worktree", w.ID)
		return false
	}
	return merged
}

// CreateWorktree adds a git worktree for the branch, writes the agent
// permission and tool-server files into it, and persists the record.
func (m *Manager) CreateWorktree(project store.Project, branch string, opts CreateOptions) (store.Worktree, error) {
	path := worktreePath(project.Path, branch)
	if _, err := os.Stat(path); err == nil {
		return store.Worktree{}, fmt.Errorf("%w: %s", ErrPathAlreadyExists, path)
	}

	if err := m.git.AddWorktree(project.Path, path, branch, opts.NewBranch, opts.BaseBranch); err != nil {
		return store.Worktree{}, err
	}

	id := DeterministicID(project.ID, path)
	if err := writeAgentFiles(project.Path, path, id); err != nil {
		return store.Worktree{}, fmt.Errorf("failed to write agent files: %w", err)
	}

	w := store.Worktree{
		ID:        id,
		ProjectID: project.ID,
		Path:      path,
		Branch:    branch,
		Mode:      opts.Mode,
		CreatedAt: time.Now(),
	}
	if err := m.repo.Upsert(w); err != nil {
		return store.Worktree{}, err
	}
	log.Info(log.CatWorktree, "worktree created", "id", id, "branch", branch, "path", path)
	return w, nil
}

// ArchiveWorktree flags the worktree archived. It does not kill sessions;
// the caller owns that.
func (m *Manager) ArchiveWorktree(id string) error {
	w, err := m.repo.Get(id)
	if err != nil {
		return err
	}
	if w.IsMain {
		return ErrMainWorktree
	}
	return m.repo.SetArchived(id, true)
}

// MarkWorktreeActive clears the merged and archived flags; the only way back
// from archived.
func (m *Manager) MarkWorktreeActive(id string) error {
	if err := m.repo.SetArchived(id, false); err != nil {
		return err
	}
	return m.repo.SetMerged(id, false)
}

// DeleteWorktree removes the git worktree and its record. Deleting the main
// worktree is rejected.
func (m *Manager) DeleteWorktree(project store.Project, id string, force bool) error {
	w, err := m.repo.Get(id)
	if err != nil {
		return err
	}
	if w.IsMain {
		return ErrMainWorktree
	}
	if err := m.git.RemoveWorktree(project.Path, w.Path, force); err != nil {
		return err
	}
	return m.repo.Delete(id)
}

// DefaultBranch resolves the project's primary branch: remote HEAD, then a
// local main/master, then the current branch, then the literal "main".
func (m *Manager) DefaultBranch(project store.Project) string {
	if branch, err := m.git.RemoteDefaultBranch(project.Path); err == nil && branch != "" {
		return branch
	}
	for _, candidate := range []string{"main", "master"} {
		if m.git.BranchExists(project.Path, candidate) {
			return candidate
		}
	}
	if branch, err := m.git.CurrentBranch(project.Path); err == nil && branch != "" && branch != "HEAD" {
		return branch
	}
	return "main"
}
