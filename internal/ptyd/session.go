package ptyd

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/zjrosen/orchard/internal/log"
)

const (
	// DefaultCols and DefaultRows size new PTYs.
	DefaultCols = 120
	DefaultRows = 30

	// ScrollbackCapacity bounds the per-session scrollback.
	ScrollbackCapacity = 10000

	// pauseThreshold and resumeThreshold drive flow control: the PTY read
	// side pauses above pauseThreshold unacked chunks and resumes once acks
	// bring the count below resumeThreshold.
	pauseThreshold  = 100
	resumeThreshold = 50

	readBufferSize = 32 * 1024
)

// Subscriber receives session frames. Delivery must not block; slow
// consumers are expected to buffer or drop.
type Subscriber interface {
	Deliver(frame Frame)
}

// Session is one PTY subprocess owned by the daemon. All mutation goes
// through the daemon; other components interact via RPC.
type Session struct {
	ID         string
	WorktreeID string
	Cwd        string
	CreatedAt  time.Time

	tty    io.ReadWriteCloser
	proc   *os.Process
	resize func(cols, rows int) error
	onExit func(s *Session, code int)

	mu          sync.Mutex
	cond        *sync.Cond
	subscribers map[Subscriber]struct{}
	scrollback  *ScrollbackBuffer
	seq         int64
	unacked     int
	paused      bool
	closed      bool
	exitOnce    sync.Once
}

func newSession(id, worktreeID, cwd string, tty io.ReadWriteCloser, proc *os.Process, resize func(cols, rows int) error, onExit func(*Session, int)) *Session {
	s := &Session{
		ID:          id,
		WorktreeID:  worktreeID,
		Cwd:         cwd,
		CreatedAt:   time.Now(),
		tty:         tty,
		proc:        proc,
		resize:      resize,
		onExit:      onExit,
		subscribers: make(map[Subscriber]struct{}),
		scrollback:  NewScrollbackBuffer(ScrollbackCapacity),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Info returns the wire description of the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	pid := -1
	if s.proc != nil {
		pid = s.proc.Pid
	}
	return SessionInfo{
		ID:         s.ID,
		WorktreeID: s.WorktreeID,
		Cwd:        s.Cwd,
		CreatedAt:  s.CreatedAt,
		PID:        pid,
		Seq:        s.seq,
	}
}

// readLoop pumps PTY output to subscribers until the process exits. Reads
// stall while flow control has the session paused.
func (s *Session) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		s.mu.Lock()
		for s.paused && !s.closed {
			s.cond.Wait()
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}

		n, err := s.tty.Read(buf)
		if n > 0 {
			s.emitData(string(buf[:n]))
		}
		if err != nil {
			break
		}
	}

	code := 0
	if s.proc != nil {
		if state, err := s.proc.Wait(); err == nil && state != nil {
			code = state.ExitCode()
		}
	}
	s.exit(code)
}

// emitData stamps the chunk with the next sequence number, records it in
// scrollback, bumps the unacked counter, and fans the frame out.
func (s *Session) emitData(data string) {
	s.mu.Lock()
	s.seq++
	frame := Frame{Type: MsgTerminalData, SessionID: s.ID, Data: data, Seq: s.seq}
	s.scrollback.Append(data)
	s.unacked++
	if s.unacked > pauseThreshold && !s.paused {
		s.paused = true
		log.Debug(log.CatPtyd, "flow control paused", "session", s.ID, "unacked", s.unacked)
	}
	subs := s.snapshotSubscribers()
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Deliver(frame)
	}
}

func (s *Session) snapshotSubscribers() []Subscriber {
	subs := make([]Subscriber, 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}
	return subs
}

// Ack decrements the unacked counter by count (floored at zero) and resumes
// reads when the count drops below the resume threshold.
func (s *Session) Ack(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unacked -= count
	if s.unacked < 0 {
		s.unacked = 0
	}
	if s.paused && s.unacked < resumeThreshold {
		s.paused = false
		s.cond.Broadcast()
		log.Debug(log.CatPtyd, "flow control resumed", "session", s.ID, "unacked", s.unacked)
	}
}

// Write sends input to the PTY. Returns false once the session is closed.
func (s *Session) Write(data string) bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}
	_, err := s.tty.Write([]byte(data))
	return err == nil
}

// Resize applies a terminal size change.
func (s *Session) Resize(cols, rows int) bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || s.resize == nil {
		return false
	}
	return s.resize(cols, rows) == nil
}

// Subscribe registers a subscriber and returns the current scrollback.
func (s *Session) Subscribe(sub Subscriber) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[sub] = struct{}{}
	return s.scrollback.Lines()
}

// Unsubscribe removes a subscriber.
func (s *Session) Unsubscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, sub)
}

// exit closes the session exactly once: subscribers get terminal:exit and
// the daemon evicts the record.
func (s *Session) exit(code int) {
	s.exitOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.cond.Broadcast()
		subs := s.snapshotSubscribers()
		s.subscribers = make(map[Subscriber]struct{})
		s.mu.Unlock()

		_ = s.tty.Close()

		frame := Frame{Type: MsgTerminalExit, SessionID: s.ID, ExitCode: &code}
		for _, sub := range subs {
			sub.Deliver(frame)
		}
		if s.onExit != nil {
			s.onExit(s, code)
		}
		log.Info(log.CatPtyd, "session exited", "session", s.ID, "exitCode", code)
	})
}

// destroy kills the process group and reports exit code -1 to subscribers.
func (s *Session) destroy() {
	if s.proc != nil {
		killProcessGroup(s.proc.Pid)
	}
	s.exit(-1)
}

// flowState exposes the flow-control counters for the daemon and tests.
func (s *Session) flowState() (unacked int, paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unacked, s.paused
}
