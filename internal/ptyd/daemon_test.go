package ptyd

import (
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTTY stands in for a PTY: the "process side" emits bytes through out,
// input from the daemon accumulates in writes.
type fakeTTY struct {
	out chan []byte

	mu     sync.Mutex
	writes []string
	done   chan struct{}
	once   sync.Once
}

func newFakeTTY() *fakeTTY {
	return &fakeTTY{out: make(chan []byte, 256), done: make(chan struct{})}
}

func (f *fakeTTY) Read(p []byte) (int, error) {
	select {
	case data, ok := <-f.out:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, data), nil
	case <-f.done:
		return 0, io.EOF
	}
}

func (f *fakeTTY) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, string(p))
	return len(p), nil
}

func (f *fakeTTY) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeTTY) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

// recordingSub collects delivered frames.
type recordingSub struct {
	mu     sync.Mutex
	frames []Frame
}

func (r *recordingSub) Deliver(frame Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

func (r *recordingSub) all() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Frame(nil), r.frames...)
}

func (r *recordingSub) byType(t string) []Frame {
	var out []Frame
	for _, f := range r.all() {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

func newTestDaemon(opts ...Option) (*Daemon, map[string]*fakeTTY) {
	ttys := make(map[string]*fakeTTY)
	var mu sync.Mutex
	spawn := func(cwd string) (io.ReadWriteCloser, *os.Process, func(cols, rows int) error, error) {
		tty := newFakeTTY()
		mu.Lock()
		ttys[cwd] = tty
		mu.Unlock()
		return tty, nil, func(int, int) error { return nil }, nil
	}
	d := NewDaemon(append([]Option{WithSpawnFunc(spawn)}, opts...)...)
	return d, ttys
}

func TestCreateAndSubscribeDeliversSequencedData(t *testing.T) {
	d, ttys := newTestDaemon()

	info, err := d.Create("w1", "/proj", "/proj/wt", "")
	require.NoError(t, err)

	sub := &recordingSub{}
	scrollback, ok := d.Subscribe(info.ID, sub)
	require.True(t, ok)
	assert.Empty(t, scrollback)

	tty := ttys["/proj/wt"]
	tty.out <- []byte("one\n")
	tty.out <- []byte("two\n")

	require.Eventually(t, func() bool {
		return len(sub.byType(MsgTerminalData)) == 2
	}, time.Second, 5*time.Millisecond)

	frames := sub.byType(MsgTerminalData)
	assert.Equal(t, "one\n", frames[0].Data)
	assert.EqualValues(t, 1, frames[0].Seq)
	assert.EqualValues(t, 2, frames[1].Seq, "seq increases monotonically per session")
}

func TestCreateWritesInitialCommandAfterDelay(t *testing.T) {
	d, ttys := newTestDaemon()

	_, err := d.Create("w1", "/proj", "/proj/wt", "claude --continue")
	require.NoError(t, err)

	tty := ttys["/proj/wt"]
	require.Eventually(t, func() bool {
		return len(tty.written()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "claude --continue\r", tty.written()[0])
}

func TestDestroyEmitsExitAndEvicts(t *testing.T) {
	d, _ := newTestDaemon()

	info, err := d.Create("w1", "/proj", "/proj/wt", "")
	require.NoError(t, err)

	sub := &recordingSub{}
	_, ok := d.Subscribe(info.ID, sub)
	require.True(t, ok)

	require.True(t, d.Destroy(info.ID))

	require.Eventually(t, func() bool {
		return len(sub.byType(MsgTerminalExit)) == 1
	}, time.Second, 5*time.Millisecond)
	exit := sub.byType(MsgTerminalExit)[0]
	require.NotNil(t, exit.ExitCode)
	assert.Equal(t, -1, *exit.ExitCode)

	_, found := d.Get(info.ID)
	assert.False(t, found, "destroyed session is evicted")
	assert.False(t, d.Write(info.ID, "x"), "destroyed session cannot receive writes")
}

func TestWriteToUnknownSessionReturnsFalse(t *testing.T) {
	d, _ := newTestDaemon()
	assert.False(t, d.Write("nope", "data"))
	assert.False(t, d.Resize("nope", 80, 24))
	assert.False(t, d.Destroy("nope"))
}

func TestSessionCapEvictsOldest(t *testing.T) {
	d, _ := newTestDaemon(WithMaxSessions(2))

	first, err := d.Create("w1", "/proj", "/proj/a", "")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = d.Create("w2", "/proj", "/proj/b", "")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = d.Create("w3", "/proj", "/proj/c", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(d.List()) == 2
	}, time.Second, 5*time.Millisecond)
	_, found := d.Get(first.ID)
	assert.False(t, found, "oldest session is evicted at the cap")
}

func TestFlowControlPausesAndResumes(t *testing.T) {
	d, ttys := newTestDaemon()

	info, err := d.Create("w1", "/proj", "/proj/wt", "")
	require.NoError(t, err)
	s, _ := d.Get(info.ID)
	tty := ttys["/proj/wt"]

	for i := 0; i < pauseThreshold+1; i++ {
		tty.out <- []byte(fmt.Sprintf("chunk-%d\n", i))
	}

	require.Eventually(t, func() bool {
		unacked, paused := s.flowState()
		return paused && unacked == pauseThreshold+1
	}, time.Second, 5*time.Millisecond, "reads pause above the unacked threshold")

	// Acks below the resume threshold restart the reader.
	d.Ack(info.ID, 60)
	unacked, paused := s.flowState()
	assert.False(t, paused)
	assert.Equal(t, 41, unacked)

	// The reader drains further output after resume.
	tty.out <- []byte("after-resume\n")
	require.Eventually(t, func() bool {
		unacked, _ := s.flowState()
		return unacked == 42
	}, time.Second, 5*time.Millisecond)
}

func TestAckFloorsAtZero(t *testing.T) {
	d, ttys := newTestDaemon()
	info, err := d.Create("w1", "/proj", "/proj/wt", "")
	require.NoError(t, err)
	s, _ := d.Get(info.ID)

	ttys["/proj/wt"].out <- []byte("x\n")
	require.Eventually(t, func() bool {
		unacked, _ := s.flowState()
		return unacked == 1
	}, time.Second, 5*time.Millisecond)

	d.Ack(info.ID, 10)
	unacked, _ := s.flowState()
	assert.Equal(t, 0, unacked)
}

func TestScrollbackReplayedOnSubscribe(t *testing.T) {
	d, ttys := newTestDaemon()
	info, err := d.Create("w1", "/proj", "/proj/wt", "")
	require.NoError(t, err)

	ttys["/proj/wt"].out <- []byte("early output\n")
	s, _ := d.Get(info.ID)
	require.Eventually(t, func() bool {
		unacked, _ := s.flowState()
		return unacked == 1
	}, time.Second, 5*time.Millisecond)

	sub := &recordingSub{}
	scrollback, ok := d.Subscribe(info.ID, sub)
	require.True(t, ok)
	assert.Equal(t, []string{"early output"}, scrollback)
}

func TestProcessExitNotifiesSubscribers(t *testing.T) {
	d, ttys := newTestDaemon()
	info, err := d.Create("w1", "/proj", "/proj/wt", "")
	require.NoError(t, err)

	sub := &recordingSub{}
	_, ok := d.Subscribe(info.ID, sub)
	require.True(t, ok)

	close(ttys["/proj/wt"].out) // process dies

	require.Eventually(t, func() bool {
		return len(sub.byType(MsgTerminalExit)) == 1
	}, time.Second, 5*time.Millisecond)
	_, found := d.Get(info.ID)
	assert.False(t, found)
}

func TestPublishAgentEventReachesEventSubscribers(t *testing.T) {
	d, _ := newTestDaemon()
	info, err := d.Create("w1", "/proj", "/proj/wt", "")
	require.NoError(t, err)

	sub := &recordingSub{}
	d.AddEventSubscriber(sub)

	require.True(t, d.PublishAgentEvent(info.ID, MsgAgentReady))
	require.True(t, d.PublishAgentEvent(info.ID, MsgAgentRateLimited))

	ready := sub.byType(MsgAgentReady)
	require.Len(t, ready, 1)
	assert.Equal(t, "w1", ready[0].WorktreeID)

	limited := sub.byType(MsgAgentRateLimited)
	require.Len(t, limited, 1)
	require.NotNil(t, limited[0].RateLimit)
	assert.Equal(t, info.ID, limited[0].RateLimit.SessionID)
}
