package ptyd

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/zjrosen/orchard/internal/log"
)

// DefaultMaxSessions caps live PTY sessions; creating one past the cap
// destroys the oldest session first.
const DefaultMaxSessions = 20

// initialCommandDelay is how long the shell gets to print its prompt before
// the initial command is typed in.
const initialCommandDelay = 100 * time.Millisecond

// SpawnFunc starts a shell subprocess with a controlling terminal. Swappable
// in tests.
type SpawnFunc func(cwd string) (io.ReadWriteCloser, *os.Process, func(cols, rows int) error, error)

// Daemon owns all PTY sessions. Session records are mutated only here; every
// other component goes through the wire protocol.
type Daemon struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	maxSessions int
	spawn       SpawnFunc

	// eventSubs receive unsolicited agent:* frames regardless of which
	// sessions they subscribe to.
	eventSubs map[Subscriber]struct{}
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithMaxSessions overrides the live session cap.
func WithMaxSessions(n int) Option {
	return func(d *Daemon) {
		if n > 0 {
			d.maxSessions = n
		}
	}
}

// WithSpawnFunc overrides the shell spawner. Tests use this to avoid real
// PTYs.
func WithSpawnFunc(fn SpawnFunc) Option {
	return func(d *Daemon) {
		d.spawn = fn
	}
}

// NewDaemon creates a Daemon with the default spawner and session cap.
func NewDaemon(opts ...Option) *Daemon {
	d := &Daemon{
		sessions:    make(map[string]*Session),
		maxSessions: DefaultMaxSessions,
		spawn:       spawnShell,
		eventSubs:   make(map[Subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// spawnShell starts the user's shell (fallback /bin/sh) under a PTY sized
// DefaultCols x DefaultRows with a truecolor terminal environment.
func spawnShell(cwd string) (io.ReadWriteCloser, *os.Process, func(cols, rows int) error, error) {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.Command(shell) //nolint:gosec // G204: shell comes from the environment
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), "TERM=xterm-256color", "COLORTERM=truecolor")

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: DefaultRows, Cols: DefaultCols})
	if err != nil {
		return nil, nil, nil, err
	}
	resize := func(cols, rows int) error {
		return pty.Setsize(f, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}) //nolint:gosec // G115: terminal sizes are small
	}
	return f, cmd.Process, resize, nil
}

// Create spawns a new session. When the session cap is reached, the oldest
// session by creation time is destroyed first. The optional initial command
// is written with a trailing carriage return after a short settling delay.
func (d *Daemon) Create(worktreeID, projectPath, cwd string, initialCommand string) (SessionInfo, error) {
	d.evictOldestIfFull()

	if cwd == "" {
		cwd = projectPath
	}
	tty, proc, resize, err := d.spawn(cwd)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("failed to spawn shell: %w", err)
	}

	s := newSession(uuid.NewString(), worktreeID, cwd, tty, proc, resize, d.removeOnExit)

	d.mu.Lock()
	d.sessions[s.ID] = s
	d.mu.Unlock()

	go s.readLoop()

	if initialCommand != "" {
		time.AfterFunc(initialCommandDelay, func() {
			s.Write(initialCommand + "\r")
		})
	}

	log.Info(log.CatPtyd, "session created", "session", s.ID, "worktree", worktreeID, "cwd", cwd)
	return s.Info(), nil
}

func (d *Daemon) evictOldestIfFull() {
	d.mu.Lock()
	var victim *Session
	if len(d.sessions) >= d.maxSessions {
		all := make([]*Session, 0, len(d.sessions))
		for _, s := range d.sessions {
			all = append(all, s)
		}
		sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
		victim = all[0]
	}
	d.mu.Unlock()

	if victim != nil {
		log.Warn(log.CatPtyd, "session cap reached, evicting oldest", "session", victim.ID)
		d.Destroy(victim.ID)
	}
}

func (d *Daemon) removeOnExit(s *Session, _ int) {
	d.mu.Lock()
	delete(d.sessions, s.ID)
	d.mu.Unlock()
}

// Destroy kills a session's process group and evicts the record.
// Unknown ids are a no-op returning false.
func (d *Daemon) Destroy(sessionID string) bool {
	d.mu.Lock()
	s, ok := d.sessions[sessionID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	s.destroy()
	return true
}

// Get returns a live session.
func (d *Daemon) Get(sessionID string) (*Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[sessionID]
	return s, ok
}

// List returns all live sessions ordered by creation time.
func (d *Daemon) List() []SessionInfo {
	d.mu.Lock()
	all := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		all = append(all, s)
	}
	d.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	infos := make([]SessionInfo, len(all))
	for i, s := range all {
		infos[i] = s.Info()
	}
	return infos
}

// Write sends input to a session. Unknown ids return false, no throw.
func (d *Daemon) Write(sessionID, data string) bool {
	s, ok := d.Get(sessionID)
	if !ok {
		return false
	}
	return s.Write(data)
}

// Resize changes a session's terminal size. Unknown ids return false.
func (d *Daemon) Resize(sessionID string, cols, rows int) bool {
	s, ok := d.Get(sessionID)
	if !ok {
		return false
	}
	return s.Resize(cols, rows)
}

// Ack acknowledges delivered chunks for flow control. Stale acks for dead
// sessions are dropped.
func (d *Daemon) Ack(sessionID string, count int) {
	if s, ok := d.Get(sessionID); ok {
		s.Ack(count)
	}
}

// Subscribe attaches a subscriber to a session and returns its scrollback.
func (d *Daemon) Subscribe(sessionID string, sub Subscriber) ([]string, bool) {
	s, ok := d.Get(sessionID)
	if !ok {
		return nil, false
	}
	return s.Subscribe(sub), true
}

// Unsubscribe detaches a subscriber from a session.
func (d *Daemon) Unsubscribe(sessionID string, sub Subscriber) {
	if s, ok := d.Get(sessionID); ok {
		s.Unsubscribe(sub)
	}
}

// AddEventSubscriber registers a subscriber for unsolicited agent events.
func (d *Daemon) AddEventSubscriber(sub Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.eventSubs[sub] = struct{}{}
}

// RemoveEventSubscriber drops an event subscriber.
func (d *Daemon) RemoveEventSubscriber(sub Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.eventSubs, sub)
}

// PublishAgentEventForWorktree routes a tool-server notification by
// worktree id. Tool servers only know their WORKTREE_ID; the daemon resolves
// the owning session.
func (d *Daemon) PublishAgentEventForWorktree(worktreeID, event string) bool {
	d.mu.Lock()
	var sessionID string
	for _, s := range d.sessions {
		if s.WorktreeID == worktreeID {
			sessionID = s.ID
			break
		}
	}
	d.mu.Unlock()
	if sessionID == "" {
		return false
	}
	return d.PublishAgentEvent(sessionID, event)
}

// PublishAgentEvent fans an agent tool-server notification out to every
// event subscriber. The session's worktree id is attached for routing.
func (d *Daemon) PublishAgentEvent(sessionID, event string) bool {
	s, ok := d.Get(sessionID)
	if !ok {
		return false
	}

	frame := Frame{Type: event, SessionID: sessionID, WorktreeID: s.WorktreeID}
	if event == MsgAgentRateLimited {
		frame.RateLimit = &RateLimitInfo{SessionID: sessionID, WorktreeID: s.WorktreeID}
	}

	d.mu.Lock()
	subs := make([]Subscriber, 0, len(d.eventSubs))
	for sub := range d.eventSubs {
		subs = append(subs, sub)
	}
	d.mu.Unlock()

	for _, sub := range subs {
		sub.Deliver(frame)
	}
	return true
}

// Shutdown destroys every session.
func (d *Daemon) Shutdown() {
	for _, info := range d.List() {
		d.Destroy(info.ID)
	}
}
