// Package agentsess is the session registry: the persistent record of
// interactive agents per worktree, enforcing the one-live-session-per-
// worktree invariant and handling reconnect-after-crash.
package agentsess

import (
	"context"
	"strings"
	"time"

	"github.com/zjrosen/orchard/internal/log"
	"github.com/zjrosen/orchard/internal/ptyd"
	"github.com/zjrosen/orchard/internal/ptyd/client"
	"github.com/zjrosen/orchard/internal/pubsub"
	"github.com/zjrosen/orchard/internal/store"
)

// orchestratorPrefix marks daemon sessions owned by the control plane
// itself; they are exempt from orphan reporting.
const orchestratorPrefix = "orchestrator-"

// terminatedRetention is how long terminated session rows are kept for
// audit before the purge drops them.
const terminatedRetention = 7 * 24 * time.Hour

// resumeFlag re-attaches a respawned agent to its previous conversation.
const resumeFlag = "--resume"

// DaemonAPI is the slice of the daemon client the registry needs.
type DaemonAPI interface {
	CreateSession(ctx context.Context, worktreeID, projectPath, cwd, initialCommand string) (ptyd.SessionInfo, error)
	DestroySession(ctx context.Context, sessionID string) error
	ListSessions(ctx context.Context) ([]ptyd.SessionInfo, error)
}

// Registry owns agent session lifecycle for one project.
type Registry struct {
	repo        *store.AgentSessionRepo
	daemon      DaemonAPI
	projectID   string
	projectPath string
}

// NewRegistry creates a Registry.
func NewRegistry(repo *store.AgentSessionRepo, daemon DaemonAPI, projectID, projectPath string) *Registry {
	return &Registry{repo: repo, daemon: daemon, projectID: projectID, projectPath: projectPath}
}

// RegisterSession spawns a daemon session for the worktree and records it.
// A pre-existing session for the worktree is destroyed first, keeping the
// unique-per-worktree invariant observable at the daemon too.
func (r *Registry) RegisterSession(ctx context.Context, worktreeID, command, cwd string) (store.AgentSession, error) {
	if existing, err := r.repo.GetByWorktree(worktreeID); err == nil {
		log.Info(log.CatSession, "destroying stale session before register", "worktree", worktreeID, "old", existing.ID)
		if err := r.daemon.DestroySession(ctx, existing.ID); err != nil {
			// The daemon may have already lost it; the record is what matters.
			log.Warn(log.CatSession, "stale session destroy failed", "session", existing.ID, "error", err.Error())
		}
		if err := r.repo.Delete(existing.ID); err != nil {
			return store.AgentSession{}, err
		}
	}

	info, err := r.daemon.CreateSession(ctx, worktreeID, r.projectPath, cwd, command)
	if err != nil {
		return store.AgentSession{}, err
	}

	now := time.Now()
	session := store.AgentSession{
		ID:             info.ID,
		WorktreeID:     worktreeID,
		ProjectID:      r.projectID,
		Command:        command,
		Cwd:            cwd,
		Status:         store.SessionActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := r.repo.Insert(session); err != nil {
		return store.AgentSession{}, err
	}
	return session, nil
}

// UnregisterSession destroys the daemon session and marks the record
// terminated. The row is retained for audit until the purge.
func (r *Registry) UnregisterSession(ctx context.Context, worktreeID string) error {
	session, err := r.repo.GetByWorktree(worktreeID)
	if err != nil {
		return err
	}
	if err := r.daemon.DestroySession(ctx, session.ID); err != nil {
		log.Warn(log.CatSession, "session destroy failed during unregister", "session", session.ID, "error", err.Error())
	}
	return r.repo.UpdateStatus(session.ID, store.SessionTerminated)
}

// RestoreSession re-spawns a disconnected session with the same command and
// cwd. When a conversation resume id exists and the command has no resume
// flag yet, the flag is appended so the agent re-attaches to its previous
// conversation.
func (r *Registry) RestoreSession(ctx context.Context, worktreeID string) (store.AgentSession, error) {
	session, err := r.repo.GetByWorktree(worktreeID)
	if err != nil {
		return store.AgentSession{}, err
	}

	command := session.Command
	if session.ConversationResumeID != "" && !strings.Contains(command, resumeFlag) {
		command = command + " " + resumeFlag + " " + session.ConversationResumeID
	}

	info, err := r.daemon.CreateSession(ctx, worktreeID, r.projectPath, session.Cwd, command)
	if err != nil {
		return store.AgentSession{}, err
	}
	if err := r.repo.Resume(session.ID, info.ID); err != nil {
		return store.AgentSession{}, err
	}
	log.Info(log.CatSession, "session restored", "worktree", worktreeID, "old", session.ID, "new", info.ID)
	return r.repo.Get(info.ID)
}

// HasActiveSession reports whether the worktree has a session the daemon
// still runs. Used by merged detection.
func (r *Registry) HasActiveSession(worktreeID string) bool {
	session, err := r.repo.GetByWorktree(worktreeID)
	if err != nil {
		return false
	}
	return session.Status == store.SessionActive || session.Status == store.SessionResumed
}

// HandleDaemonDisconnected bulk-marks every live session disconnected.
func (r *Registry) HandleDaemonDisconnected() {
	if err := r.repo.MarkAllDisconnected(); err != nil {
		log.ErrorErr(log.CatSession, "bulk disconnect failed", err)
	}
}

// ValidateAllSessions reconciles the registry with the daemon's live list:
// present records become active, missing ones disconnected, and daemon
// sessions unknown to the registry (except orchestrator-owned ones) are
// reported as orphans.
func (r *Registry) ValidateAllSessions(ctx context.Context) ([]ptyd.SessionInfo, error) {
	daemonSessions, err := r.daemon.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	live := make(map[string]ptyd.SessionInfo, len(daemonSessions))
	for _, s := range daemonSessions {
		live[s.ID] = s
	}

	records, err := r.repo.List(r.projectID,
		store.SessionActive, store.SessionDisconnected, store.SessionResumed)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(records))
	for _, rec := range records {
		known[rec.ID] = true
		if _, ok := live[rec.ID]; ok {
			if rec.Status != store.SessionActive {
				if err := r.repo.UpdateStatus(rec.ID, store.SessionActive); err != nil {
					log.ErrorErr(log.CatSession, "mark active failed", err, "session", rec.ID)
				}
			}
		} else if rec.Status != store.SessionDisconnected {
			if err := r.repo.UpdateStatus(rec.ID, store.SessionDisconnected); err != nil {
				log.ErrorErr(log.CatSession, "mark disconnected failed", err, "session", rec.ID)
			}
		}
	}

	var orphans []ptyd.SessionInfo
	for _, s := range daemonSessions {
		if known[s.ID] || strings.HasPrefix(s.WorktreeID, orchestratorPrefix) {
			continue
		}
		orphans = append(orphans, s)
	}
	if len(orphans) > 0 {
		log.Warn(log.CatSession, "orphaned daemon sessions found", "count", len(orphans))
	}
	return orphans, nil
}

// PurgeTerminated drops terminated rows older than the retention window.
func (r *Registry) PurgeTerminated() {
	n, err := r.repo.PurgeTerminatedBefore(time.Now().Add(-terminatedRetention))
	if err != nil {
		log.ErrorErr(log.CatSession, "terminated purge failed", err)
		return
	}
	if n > 0 {
		log.Info(log.CatSession, "purged terminated sessions", "count", n)
	}
}

// Watch reacts to daemon connection lifecycle events on the client bus.
func (r *Registry) Watch(ctx context.Context, bus *pubsub.Broker[ptyd.Frame]) {
	ch := bus.Subscribe(ctx)
	log.SafeGo("agentsess.watch", func() {
		for ev := range ch {
			switch string(ev.Type) {
			case client.EventDisconnected:
				r.HandleDaemonDisconnected()
			case client.EventConnected:
				if _, err := r.ValidateAllSessions(ctx); err != nil {
					log.ErrorErr(log.CatSession, "session validation failed", err)
				}
			}
		}
	})
}
