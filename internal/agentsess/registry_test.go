package agentsess

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/orchard/internal/ptyd"
	"github.com/zjrosen/orchard/internal/store"
)

// fakeDaemon is an in-memory DaemonAPI tracking created/destroyed sessions.
type fakeDaemon struct {
	mu       sync.Mutex
	next     int
	sessions map[string]ptyd.SessionInfo
	commands map[string]string // session id -> initial command
	failNext error
}

func newFakeDaemon() *fakeDaemon {
	return &fakeDaemon{sessions: make(map[string]ptyd.SessionInfo), commands: make(map[string]string)}
}

func (f *fakeDaemon) CreateSession(_ context.Context, worktreeID, _, cwd, initialCommand string) (ptyd.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return ptyd.SessionInfo{}, err
	}
	f.next++
	info := ptyd.SessionInfo{ID: fmt.Sprintf("sess-%d", f.next), WorktreeID: worktreeID, Cwd: cwd}
	f.sessions[info.ID] = info
	f.commands[info.ID] = initialCommand
	return info, nil
}

func (f *fakeDaemon) DestroySession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sessionID]; !ok {
		return errors.New("session not found: " + sessionID)
	}
	delete(f.sessions, sessionID)
	return nil
}

func (f *fakeDaemon) ListSessions(context.Context) ([]ptyd.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ptyd.SessionInfo
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeDaemon) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[id]
	return ok
}

func newTestRegistry(t *testing.T) (*Registry, *fakeDaemon, *store.AgentSessionRepo) {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := store.NewAgentSessionRepo(db)
	daemon := newFakeDaemon()
	return NewRegistry(repo, daemon, "p1", "/proj"), daemon, repo
}

func TestRegisterSessionCreatesRecord(t *testing.T) {
	reg, daemon, repo := newTestRegistry(t)

	session, err := reg.RegisterSession(context.Background(), "w1", "claude", "/proj/wt")
	require.NoError(t, err)
	assert.Equal(t, store.SessionActive, session.Status)
	assert.True(t, daemon.has(session.ID))

	stored, err := repo.GetByWorktree("w1")
	require.NoError(t, err)
	assert.Equal(t, session.ID, stored.ID)
}

func TestRegisterSessionDestroysPredecessor(t *testing.T) {
	reg, daemon, _ := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.RegisterSession(ctx, "w1", "claude", "/proj/wt")
	require.NoError(t, err)

	second, err := reg.RegisterSession(ctx, "w1", "claude", "/proj/wt")
	require.NoError(t, err)

	assert.False(t, daemon.has(first.ID), "old session is gone from the daemon after re-register")
	assert.True(t, daemon.has(second.ID))
}

func TestUnregisterKeepsTerminatedRecordForAudit(t *testing.T) {
	reg, daemon, repo := newTestRegistry(t)
	ctx := context.Background()

	session, err := reg.RegisterSession(ctx, "w1", "claude", "/proj/wt")
	require.NoError(t, err)
	require.NoError(t, reg.UnregisterSession(ctx, "w1"))

	assert.False(t, daemon.has(session.ID))
	stored, err := repo.GetByWorktree("w1")
	require.NoError(t, err)
	assert.Equal(t, store.SessionTerminated, stored.Status)
}

func TestRestoreSessionAppendsResumeFlag(t *testing.T) {
	reg, daemon, repo := newTestRegistry(t)
	ctx := context.Background()

	session, err := reg.RegisterSession(ctx, "w1", "claude", "/proj/wt")
	require.NoError(t, err)
	require.NoError(t, repo.SetConversationResumeID(session.ID, "conv-42"))
	reg.HandleDaemonDisconnected()

	restored, err := reg.RestoreSession(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, store.SessionResumed, restored.Status)
	assert.Equal(t, 1, restored.ResumeCount)
	assert.NotEqual(t, session.ID, restored.ID, "id is replaced on resume")

	daemon.mu.Lock()
	command := daemon.commands[restored.ID]
	daemon.mu.Unlock()
	assert.Equal(t, "claude --resume conv-42", command)
}

func TestRestoreSessionKeepsExistingResumeFlag(t *testing.T) {
	reg, daemon, repo := newTestRegistry(t)
	ctx := context.Background()

	session, err := reg.RegisterSession(ctx, "w1", "claude --resume conv-1", "/proj/wt")
	require.NoError(t, err)
	require.NoError(t, repo.SetConversationResumeID(session.ID, "conv-2"))

	restored, err := reg.RestoreSession(ctx, "w1")
	require.NoError(t, err)

	daemon.mu.Lock()
	command := daemon.commands[restored.ID]
	daemon.mu.Unlock()
	assert.Equal(t, "claude --resume conv-1", command, "no second resume flag is appended")
}

func TestValidateAllSessionsReconciles(t *testing.T) {
	reg, daemon, repo := newTestRegistry(t)
	ctx := context.Background()

	alive, err := reg.RegisterSession(ctx, "w1", "claude", "/proj/a")
	require.NoError(t, err)
	dead, err := reg.RegisterSession(ctx, "w2", "claude", "/proj/b")
	require.NoError(t, err)

	// Simulate daemon restart losing w2 and gaining an unknown session plus
	// an orchestrator-owned one.
	require.NoError(t, daemon.DestroySession(ctx, dead.ID))
	daemon.mu.Lock()
	daemon.sessions["ghost"] = ptyd.SessionInfo{ID: "ghost", WorktreeID: "w9"}
	daemon.sessions["own"] = ptyd.SessionInfo{ID: "own", WorktreeID: "orchestrator-main"}
	daemon.mu.Unlock()

	reg.HandleDaemonDisconnected()
	orphans, err := reg.ValidateAllSessions(ctx)
	require.NoError(t, err)

	require.Len(t, orphans, 1, "orchestrator-prefixed sessions are not orphans")
	assert.Equal(t, "ghost", orphans[0].ID)

	stored, err := repo.Get(alive.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionActive, stored.Status)

	stored, err = repo.Get(dead.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionDisconnected, stored.Status)
}

func TestHasActiveSession(t *testing.T) {
	reg, _, repo := newTestRegistry(t)
	ctx := context.Background()

	assert.False(t, reg.HasActiveSession("w1"))

	session, err := reg.RegisterSession(ctx, "w1", "claude", "/proj/wt")
	require.NoError(t, err)
	assert.True(t, reg.HasActiveSession("w1"))

	require.NoError(t, repo.UpdateStatus(session.ID, store.SessionDisconnected))
	assert.False(t, reg.HasActiveSession("w1"), "disconnected sessions do not block merges")
}
