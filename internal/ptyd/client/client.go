// Package client provides the reconnecting WebSocket client for the PTY
// daemon: an RPC plexer with request-id correlation, a circuit breaker, and
// an event bus for unsolicited frames.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zjrosen/orchard/internal/log"
	"github.com/zjrosen/orchard/internal/ptyd"
	"github.com/zjrosen/orchard/internal/pubsub"
	"github.com/zjrosen/orchard/internal/retry"
)

// Synthetic bus events for connection lifecycle.
const (
	EventConnected    = "daemon:connected"
	EventDisconnected = "daemon:disconnected"
)

// Errors surfaced by requests.
var (
	ErrNotConnected   = errors.New("daemon not connected")
	ErrRequestTimeout = errors.New("Request timeout")
)

const (
	requestTimeout    = 10 * time.Second
	reconnectBase     = time.Second
	reconnectCap      = 30 * time.Second
	agentReadyTimeout = 30 * time.Second
)

// replyTypes is the reply family routed to pending requests by requestId.
var replyTypes = map[string]bool{
	ptyd.MsgSessionCreated:     true,
	ptyd.MsgSessionDestroyed:   true,
	ptyd.MsgSessionListReply:   true,
	ptyd.MsgSessionInfo:        true,
	ptyd.MsgSessionError:       true,
	ptyd.MsgTerminalScrollback: true,
}

// Subscriber receives forwarded terminal frames for one session.
type Subscriber interface {
	Deliver(frame ptyd.Frame)
}

type pendingRequest struct {
	ch chan ptyd.Frame
}

// Client is the daemon RPC/event plexer. Requests multiplex over one
// WebSocket connection; unsolicited frames fan out to the event bus and to
// per-session subscribers.
type Client struct {
	url     string
	breaker *retry.CircuitBreaker
	bus     *pubsub.Broker[ptyd.Frame]

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	subsMu sync.Mutex
	subs   map[string]map[Subscriber]struct{}
}

// NewClient creates a Client for the daemon at url (e.g.
// ws://localhost:4923/ws). Call Start to begin connecting.
func NewClient(url string) *Client {
	return &Client{
		url: url,
		breaker: retry.NewCircuitBreaker(retry.BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
			SuccessThreshold: 1,
		}),
		bus:     pubsub.NewBroker[ptyd.Frame](),
		pending: make(map[string]*pendingRequest),
		subs:    make(map[string]map[Subscriber]struct{}),
	}
}

// Breaker exposes the circuit breaker for status reporting.
func (c *Client) Breaker() *retry.CircuitBreaker { return c.breaker }

// Bus returns the event broker carrying unsolicited frames plus the
// synthetic daemon:connected / daemon:disconnected events.
func (c *Client) Bus() *pubsub.Broker[ptyd.Frame] { return c.bus }

// Start runs the connect/reconnect loop until ctx is cancelled.
func (c *Client) Start(ctx context.Context) {
	log.SafeGo("ptyd.client.run", func() { c.run(ctx) })
}

func (c *Client) run(ctx context.Context) {
	attempt := 0
	for ctx.Err() == nil {
		if err := c.breaker.Allow(); err != nil {
			// Breaker open: no dials until the reset timeout expires.
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.breaker.RecordFailure()
			delay := retry.BackoffDelay(attempt, reconnectBase, reconnectCap, 2)
			attempt++
			log.Warn(log.CatClient, "daemon dial failed", "error", err.Error(), "retryIn", delay.String())
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		c.breaker.RecordSuccess()
		attempt = 0
		c.onOpen(conn)
		c.readLoop(ctx, conn)
		c.onClose(conn)

		if ctx.Err() == nil {
			c.breaker.RecordFailure()
			delay := retry.BackoffDelay(attempt, reconnectBase, reconnectCap, 2)
			attempt++
			if !sleep(ctx, delay) {
				return
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Client) onOpen(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	log.Info(log.CatClient, "daemon connected", "url", c.url)
	c.bus.Publish(pubsub.EventType(EventConnected), ptyd.Frame{Type: EventConnected})

	// Re-subscribe every session that still has live client subscribers.
	c.subsMu.Lock()
	sessionIDs := make([]string, 0, len(c.subs))
	for id, set := range c.subs {
		if len(set) > 0 {
			sessionIDs = append(sessionIDs, id)
		}
	}
	c.subsMu.Unlock()

	for _, id := range sessionIDs {
		if err := c.writeFrame(ptyd.Frame{Type: ptyd.MsgTerminalSubscribe, SessionID: id, RequestID: uuid.NewString()}); err != nil {
			log.ErrorErr(log.CatClient, "resubscribe failed", err, "session", id)
		}
	}
}

func (c *Client) onClose(conn *websocket.Conn) {
	_ = conn.Close()
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()

	// Fail every in-flight request.
	c.pendingMu.Lock()
	for id, p := range c.pending {
		close(p.ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	log.Warn(log.CatClient, "daemon disconnected", "url", c.url)
	c.bus.Publish(pubsub.EventType(EventDisconnected), ptyd.Frame{Type: EventDisconnected})
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		if ctx.Err() != nil {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
		var frame ptyd.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame ptyd.Frame) {
	if frame.RequestID != "" && replyTypes[frame.Type] {
		c.pendingMu.Lock()
		p, ok := c.pending[frame.RequestID]
		if ok {
			delete(c.pending, frame.RequestID)
		}
		c.pendingMu.Unlock()
		if ok {
			p.ch <- frame
			return
		}
		// Replies with no waiter (e.g. resubscribe scrollback) fall through
		// to the event path.
	}

	c.bus.Publish(pubsub.EventType(frame.Type), frame)

	if frame.SessionID != "" {
		c.subsMu.Lock()
		subs := make([]Subscriber, 0)
		for sub := range c.subs[frame.SessionID] {
			subs = append(subs, sub)
		}
		c.subsMu.Unlock()
		for _, sub := range subs {
			sub.Deliver(frame)
		}
	}
}

// IsConnected reports whether a connection is currently active.
func (c *Client) IsConnected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

func (c *Client) writeFrame(frame ptyd.Frame) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(frame)
}

// requestOnce issues one request and waits up to the request timeout for the
// matching reply. Rejects immediately when disconnected or the breaker is
// open; a timeout records a breaker failure.
func (c *Client) requestOnce(frame ptyd.Frame) (ptyd.Frame, error) {
	if err := c.breaker.Allow(); err != nil {
		return ptyd.Frame{}, err
	}
	if !c.IsConnected() {
		return ptyd.Frame{}, ErrNotConnected
	}

	frame.RequestID = uuid.NewString()
	p := &pendingRequest{ch: make(chan ptyd.Frame, 1)}
	c.pendingMu.Lock()
	c.pending[frame.RequestID] = p
	c.pendingMu.Unlock()

	cleanup := func() {
		c.pendingMu.Lock()
		delete(c.pending, frame.RequestID)
		c.pendingMu.Unlock()
	}

	if err := c.writeFrame(frame); err != nil {
		cleanup()
		return ptyd.Frame{}, err
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case reply, ok := <-p.ch:
		if !ok {
			return ptyd.Frame{}, fmt.Errorf("%w: connection lost", ErrNotConnected)
		}
		if reply.Type == ptyd.MsgSessionError {
			return ptyd.Frame{}, errors.New(reply.Error)
		}
		return reply, nil
	case <-timer.C:
		cleanup()
		c.breaker.RecordFailure()
		return ptyd.Frame{}, ErrRequestTimeout
	}
}

// isRetryable classifies request errors: transient connection trouble is
// retried, an open circuit breaker is not.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "circuit breaker") {
		return false
	}
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "not connected") ||
		strings.Contains(msg, "connection")
}

// request wraps requestOnce in the retry policy: 3 attempts, 500ms base,
// 5s cap.
func (c *Client) request(ctx context.Context, frame ptyd.Frame) (ptyd.Frame, error) {
	policy := retry.DefaultPolicy()
	policy.IsRetryable = isRetryable
	policy.OnRetry = func(attempt int, err error) {
		log.Debug(log.CatClient, "retrying daemon request", "type", frame.Type, "attempt", attempt, "error", err.Error())
	}
	return retry.Retry(ctx, func() (ptyd.Frame, error) {
		return c.requestOnce(frame)
	}, policy)
}

// CreateSession asks the daemon to spawn a PTY session.
func (c *Client) CreateSession(ctx context.Context, worktreeID, projectPath, cwd, initialCommand string) (ptyd.SessionInfo, error) {
	reply, err := c.request(ctx, ptyd.Frame{
		Type:           ptyd.MsgSessionCreate,
		WorktreeID:     worktreeID,
		ProjectPath:    projectPath,
		Cwd:            cwd,
		InitialCommand: initialCommand,
	})
	if err != nil {
		return ptyd.SessionInfo{}, err
	}
	if reply.Session == nil {
		return ptyd.SessionInfo{}, errors.New("malformed session:created reply")
	}
	return *reply.Session, nil
}

// DestroySession kills a session.
func (c *Client) DestroySession(ctx context.Context, sessionID string) error {
	_, err := c.request(ctx, ptyd.Frame{Type: ptyd.MsgSessionDestroy, SessionID: sessionID})
	return err
}

// ListSessions returns the daemon's live sessions.
func (c *Client) ListSessions(ctx context.Context) ([]ptyd.SessionInfo, error) {
	reply, err := c.request(ctx, ptyd.Frame{Type: ptyd.MsgSessionList})
	if err != nil {
		return nil, err
	}
	return reply.Sessions, nil
}

// GetSession returns one session's info.
func (c *Client) GetSession(ctx context.Context, sessionID string) (ptyd.SessionInfo, error) {
	reply, err := c.request(ctx, ptyd.Frame{Type: ptyd.MsgSessionGet, SessionID: sessionID})
	if err != nil {
		return ptyd.SessionInfo{}, err
	}
	if reply.Session == nil {
		return ptyd.SessionInfo{}, errors.New("malformed session:info reply")
	}
	return *reply.Session, nil
}

// Subscribe attaches a local subscriber to a session's terminal stream and
// returns the scrollback replay.
func (c *Client) Subscribe(ctx context.Context, sessionID string, sub Subscriber) ([]string, error) {
	c.subsMu.Lock()
	if c.subs[sessionID] == nil {
		c.subs[sessionID] = make(map[Subscriber]struct{})
	}
	c.subs[sessionID][sub] = struct{}{}
	c.subsMu.Unlock()

	reply, err := c.request(ctx, ptyd.Frame{Type: ptyd.MsgTerminalSubscribe, SessionID: sessionID})
	if err != nil {
		c.Unsubscribe(sessionID, sub)
		return nil, err
	}
	return reply.Scrollback, nil
}

// Unsubscribe detaches a local subscriber. The daemon-side subscription is
// released once no local subscribers remain.
func (c *Client) Unsubscribe(sessionID string, sub Subscriber) {
	c.subsMu.Lock()
	delete(c.subs[sessionID], sub)
	empty := len(c.subs[sessionID]) == 0
	if empty {
		delete(c.subs, sessionID)
	}
	c.subsMu.Unlock()

	if empty && c.IsConnected() {
		_ = c.writeFrame(ptyd.Frame{Type: ptyd.MsgTerminalUnsubscribe, SessionID: sessionID, RequestID: uuid.NewString()})
	}
}

// SendInput writes keystrokes to a session.
func (c *Client) SendInput(sessionID, data string) error {
	return c.writeFrame(ptyd.Frame{Type: ptyd.MsgTerminalInput, SessionID: sessionID, Data: data})
}

// Resize changes a session's terminal size.
func (c *Client) Resize(sessionID string, cols, rows int) error {
	return c.writeFrame(ptyd.Frame{Type: ptyd.MsgTerminalResize, SessionID: sessionID, Cols: cols, Rows: rows})
}

// Ack acknowledges received chunks for flow control.
func (c *Client) Ack(sessionID string, count int) error {
	return c.writeFrame(ptyd.Frame{Type: ptyd.MsgTerminalAck, SessionID: sessionID, Count: count})
}

// WaitForAgentReady resolves on the next agent:ready event for the session,
// or rejects after the timeout.
func (c *Client) WaitForAgentReady(ctx context.Context, sessionID string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = agentReadyTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := c.bus.Subscribe(waitCtx)
	for {
		select {
		case <-waitCtx.Done():
			return fmt.Errorf("timed out waiting for agent ready on session %s", sessionID)
		case ev, ok := <-ch:
			if !ok {
				return fmt.Errorf("event bus closed")
			}
			if ev.Payload.Type == ptyd.MsgAgentReady && ev.Payload.SessionID == sessionID {
				return nil
			}
		}
	}
}
