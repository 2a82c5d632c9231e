package agenttools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/zjrosen/orchard/internal/log"
)

// ToolHandler executes one tool call.
type ToolHandler func(ctx context.Context, args json.RawMessage) (*ToolResult, error)

// Server is a JSON-RPC 2.0 stdio tool server.
type Server struct {
	name    string
	version string

	mu       sync.Mutex
	tools    []ToolSpec
	handlers map[string]ToolHandler
	out      io.Writer
}

// NewServer creates a Server.
func NewServer(name, version string) *Server {
	return &Server{name: name, version: version, handlers: make(map[string]ToolHandler)}
}

// RegisterTool advertises a tool and binds its handler.
func (s *Server) RegisterTool(spec ToolSpec, handler ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = append(s.tools, spec)
	s.handlers[spec.Name] = handler
}

// Serve reads newline-delimited JSON-RPC requests from stdin and writes
// responses to stdout until EOF.
func (s *Server) Serve(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	s.mu.Lock()
	s.out = stdout
	s.mu.Unlock()

	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.send(&Response{JSONRPC: JSONRPCVersion, Error: &RPCError{Code: ErrCodeParseError, Message: "Parse error"}})
			continue
		}
		s.handleRequest(ctx, &req)
	}
	return scanner.Err()
}

func (s *Server) handleRequest(ctx context.Context, req *Request) {
	// Notifications carry no id and get no response.
	if len(req.ID) == 0 {
		return
	}

	switch req.Method {
	case "initialize":
		s.sendResult(req.ID, map[string]any{
			"protocolVersion": ProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": s.name, "version": s.version},
		})
	case "tools/list":
		s.mu.Lock()
		tools := append([]ToolSpec(nil), s.tools...)
		s.mu.Unlock()
		s.sendResult(req.ID, map[string]any{"tools": tools})
	case "tools/call":
		s.handleToolCall(ctx, req)
	case "ping":
		s.sendResult(req.ID, map[string]any{})
	default:
		s.sendError(req.ID, &RPCError{Code: ErrCodeMethodNotFound, Message: "Method not found", Data: req.Method})
	}
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *Server) handleToolCall(ctx context.Context, req *Request) {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.sendError(req.ID, &RPCError{Code: ErrCodeInvalidParams, Message: "Invalid params"})
		return
	}

	s.mu.Lock()
	handler, ok := s.handlers[params.Name]
	s.mu.Unlock()
	if !ok {
		s.sendError(req.ID, &RPCError{Code: ErrCodeToolNotFound, Message: fmt.Sprintf("Unknown tool: %s", params.Name)})
		return
	}

	result, err := handler(ctx, params.Arguments)
	if err != nil {
		log.ErrorErr(log.CatSession, "tool call failed", err, "tool", params.Name)
		s.sendResult(req.ID, &ToolResult{
			Content: []ContentItem{{Type: "text", Text: err.Error()}},
			IsError: true,
		})
		return
	}
	s.sendResult(req.ID, result)
}

func (s *Server) sendResult(id json.RawMessage, result any) {
	s.send(&Response{JSONRPC: JSONRPCVersion, ID: id, Result: result})
}

func (s *Server) sendError(id json.RawMessage, rpcErr *RPCError) {
	s.send(&Response{JSONRPC: JSONRPCVersion, ID: id, Error: rpcErr})
}

func (s *Server) send(resp *Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_, _ = s.out.Write(append(data, '\n'))
}
