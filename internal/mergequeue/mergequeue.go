// Package mergequeue aggregates completed branches into a FIFO and performs
// the merges into the default branch.
package mergequeue

import (
	"errors"
	"fmt"

	"github.com/zjrosen/orchard/internal/log"
	"github.com/zjrosen/orchard/internal/pubsub"
	"github.com/zjrosen/orchard/internal/store"
	"github.com/zjrosen/orchard/internal/worktree"
)

// Bus event types.
const (
	EventQueued = "queue:added"
	EventMerged = "queue:merged"
)

// ErrAlreadyMerged mirrors the repo error for callers importing only this
// package.
var ErrAlreadyMerged = store.ErrAlreadyMerged

// Service owns the merge queue for one project.
type Service struct {
	repo *store.MergeQueueRepo
	git  worktree.GitExecutor
	bus  *pubsub.Broker[store.MergeQueueEntry]
}

// NewService creates a Service.
func NewService(repo *store.MergeQueueRepo, git worktree.GitExecutor) *Service {
	return &Service{repo: repo, git: git, bus: pubsub.NewBroker[store.MergeQueueEntry]()}
}

// Bus publishes queue:added and queue:merged events.
func (s *Service) Bus() *pubsub.Broker[store.MergeQueueEntry] { return s.bus }

// Enqueue upserts a completed branch. Re-enqueueing resets the entry and
// clears any previous merged mark.
func (s *Service) Enqueue(entry store.MergeQueueEntry) error {
	if err := s.repo.Upsert(entry); err != nil {
		return err
	}
	s.bus.Publish(pubsub.EventType(EventQueued), entry)
	log.Info(log.CatQueue, "branch queued for merge", "worktree", entry.WorktreeID, "branch", entry.Branch)
	return nil
}

// Queue returns the unmerged entries in FIFO order.
func (s *Service) Queue() ([]store.MergeQueueEntry, error) {
	return s.repo.List()
}

// Head returns the oldest unmerged entry without removing it.
func (s *Service) Head() (*store.MergeQueueEntry, error) {
	entries, err := s.repo.List()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// Pop removes and returns the oldest unmerged entry, or nil when empty.
func (s *Service) Pop() (*store.MergeQueueEntry, error) {
	return s.repo.Pop()
}

// PerformMerge checks out the default branch in the main worktree and merges
// the queued branch with --no-ff. Conflicts surface as
// worktree.ErrMergeConflict; success marks the entry merged.
func (s *Service) PerformMerge(project store.Project, defaultBranch, worktreeID string) error {
	entry, err := s.repo.Get(worktreeID)
	if err != nil {
		return err
	}
	if entry.Merged {
		return fmt.Errorf("%w: %s", ErrAlreadyMerged, worktreeID)
	}

	if err := s.git.Checkout(project.Path, defaultBranch); err != nil {
		return fmt.Errorf("failed to checkout %s: %w", defaultBranch, err)
	}
	if err := s.git.Merge(project.Path, entry.Branch, fmt.Sprintf("Merge branch '%s'", entry.Branch)); err != nil {
		if errors.Is(err, worktree.ErrMergeConflict) {
			log.Warn(log.CatQueue, "merge conflict", "branch", entry.Branch)
		}
		return err
	}

	if err := s.repo.MarkMerged(worktreeID); err != nil {
		return err
	}
	s.bus.Publish(pubsub.EventType(EventMerged), entry)
	log.Info(log.CatQueue, "branch merged", "branch", entry.Branch, "into", defaultBranch)
	return nil
}

// Remove drops an entry without merging (e.g. when the worktree is
// archived).
func (s *Service) Remove(worktreeID string) error {
	return s.repo.Remove(worktreeID)
}
