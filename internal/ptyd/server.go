package ptyd

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zjrosen/orchard/internal/log"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// The daemon binds to localhost; cross-origin checks are not useful.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Server exposes the daemon's frame protocol over a WebSocket endpoint.
type Server struct {
	daemon *Daemon
	server *http.Server
}

// NewServer wraps a daemon with the WebSocket transport.
func NewServer(daemon *Daemon, addr string) *Server {
	s := &Server{daemon: daemon}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Handler returns the HTTP handler serving the WebSocket endpoint. Exposed
// for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// ListenAndServe blocks serving connections until Shutdown.
func (s *Server) ListenAndServe() error {
	log.Info(log.CatPtyd, "daemon listening", "addr", s.server.Addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server and destroys every session.
func (s *Server) Shutdown(ctx context.Context) error {
	s.daemon.Shutdown()
	return s.server.Shutdown(ctx)
}

// conn is one connected client: a write pump plus the set of sessions it
// subscribed to. It implements Subscriber so sessions can fan frames to it.
type conn struct {
	ws   *websocket.Conn
	send chan Frame

	mu            sync.Mutex
	subscriptions map[string]struct{}
	closed        bool
}

// Deliver queues a frame for the client. Slow clients drop frames instead of
// stalling the PTY reader; flow control acks keep the well-behaved path loss
// free.
func (c *conn) Deliver(frame Frame) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	select {
	case c.send <- frame:
	default:
		log.Warn(log.CatPtyd, "subscriber buffer full, dropping frame", "type", frame.Type, "session", frame.SessionID)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.ErrorErr(log.CatPtyd, "websocket upgrade failed", err)
		return
	}

	c := &conn{
		ws:            ws,
		send:          make(chan Frame, sendBufferSize),
		subscriptions: make(map[string]struct{}),
	}
	s.daemon.AddEventSubscriber(c)

	go c.writePump()
	s.readPump(c)
}

func (c *conn) writePump() {
	for frame := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteJSON(frame); err != nil {
			return
		}
	}
}

// readPump handles requests until the socket closes, then silently drops
// the connection's subscriptions.
func (s *Server) readPump(c *conn) {
	defer func() {
		c.mu.Lock()
		c.closed = true
		subs := make([]string, 0, len(c.subscriptions))
		for id := range c.subscriptions {
			subs = append(subs, id)
		}
		c.mu.Unlock()

		for _, id := range subs {
			s.daemon.Unsubscribe(id, c)
		}
		s.daemon.RemoveEventSubscriber(c)
		close(c.send)
		_ = c.ws.Close()
	}()

	for {
		var frame Frame
		if err := c.ws.ReadJSON(&frame); err != nil {
			return
		}
		s.dispatch(c, frame)
	}
}

func (s *Server) dispatch(c *conn, req Frame) {
	reply := func(f Frame) {
		f.RequestID = req.RequestID
		c.Deliver(f)
	}

	switch req.Type {
	case MsgSessionCreate:
		info, err := s.daemon.Create(req.WorktreeID, req.ProjectPath, req.Cwd, req.InitialCommand)
		if err != nil {
			reply(Frame{Type: MsgSessionError, Error: err.Error()})
			return
		}
		reply(Frame{Type: MsgSessionCreated, Session: &info})

	case MsgSessionDestroy:
		if !s.daemon.Destroy(req.SessionID) {
			reply(Frame{Type: MsgSessionError, Error: "session not found: " + req.SessionID})
			return
		}
		reply(Frame{Type: MsgSessionDestroyed, SessionID: req.SessionID})

	case MsgSessionList:
		reply(Frame{Type: MsgSessionListReply, Sessions: s.daemon.List()})

	case MsgSessionGet:
		session, ok := s.daemon.Get(req.SessionID)
		if !ok {
			reply(Frame{Type: MsgSessionError, Error: "session not found: " + req.SessionID})
			return
		}
		info := session.Info()
		reply(Frame{Type: MsgSessionInfo, Session: &info})

	case MsgTerminalSubscribe:
		scrollback, ok := s.daemon.Subscribe(req.SessionID, c)
		if !ok {
			reply(Frame{Type: MsgSessionError, Error: "session not found: " + req.SessionID})
			return
		}
		c.mu.Lock()
		c.subscriptions[req.SessionID] = struct{}{}
		c.mu.Unlock()
		reply(Frame{Type: MsgTerminalScrollback, SessionID: req.SessionID, Scrollback: scrollback})

	case MsgTerminalUnsubscribe:
		s.daemon.Unsubscribe(req.SessionID, c)
		c.mu.Lock()
		delete(c.subscriptions, req.SessionID)
		c.mu.Unlock()

	case MsgTerminalInput:
		s.daemon.Write(req.SessionID, req.Data)

	case MsgTerminalResize:
		s.daemon.Resize(req.SessionID, req.Cols, req.Rows)

	case MsgTerminalAck:
		s.daemon.Ack(req.SessionID, req.Count)

	case MsgAgentEvent:
		if req.SessionID != "" {
			s.daemon.PublishAgentEvent(req.SessionID, req.Event)
		} else if req.WorktreeID != "" {
			s.daemon.PublishAgentEventForWorktree(req.WorktreeID, req.Event)
		}

	default:
		reply(Frame{Type: MsgSessionError, Error: "unknown request type: " + req.Type})
	}
}
