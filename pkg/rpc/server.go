package rpc

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rs/zerolog"

	"github.com/cuemby/warren-tasks/pkg/log"
)

// ToolFunc handles one operator tool call and returns its result payload
// (marshaled into the response's result field) or an error.
type ToolFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Server dispatches JSON-RPC requests read from in to ToolFuncs, writing
// responses to out. It is the operator surface boundary: mutations
// execute synchronously and return the resulting state.
type Server struct {
	tools  map[string]ToolFunc
	logger zerolog.Logger
}

// NewServer creates an empty Server; register tools with RegisterTool.
func NewServer() *Server {
	return &Server{
		tools:  make(map[string]ToolFunc),
		logger: log.WithComponent("rpc"),
	}
}

// RegisterTool binds name to fn. Re-registering a name replaces it.
func (s *Server) RegisterTool(name string, fn ToolFunc) {
	s.tools[name] = fn
}

// Serve reads framed JSON-RPC requests from in until EOF or ctx is done,
// dispatching each to its registered tool and writing a framed response to
// out. One request is handled at a time, matching the stdio transport's
// inherent single-reader ordering.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	c := newConn(in, out)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		payload, err := c.readMessage()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		resp := s.dispatch(ctx, payload)
		if resp == nil {
			continue
		}
		if err := c.writeResponse(resp); err != nil {
			return err
		}
	}
}

func (s *Server) dispatch(ctx context.Context, payload []byte) *Response {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return newError(nil, codeParseError, "invalid JSON")
	}
	if req.Method == "" {
		return newError(req.ID, codeInvalidRequest, "missing method")
	}

	tool, ok := s.tools[req.Method]
	if !ok {
		return newError(req.ID, codeMethodNotFound, "unknown tool: "+req.Method)
	}

	result, err := tool(ctx, req.Params)
	if err != nil {
		s.logger.Warn().Err(err).Str("tool", req.Method).Msg("tool call failed")
		return newResult(req.ID, map[string]any{"success": false, "error": err.Error()})
	}
	return newResult(req.ID, result)
}
