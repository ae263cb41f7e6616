// Package mcp exposes rexec jobs as Model Context Protocol tools over
// newline-delimited JSON-RPC on stdin/stdout.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

const ProtocolVersion = "2024-11-05"

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// Largest accepted request line.
const maxMessageSize = 16 << 20

type Server struct {
	tools   *ToolRegistry
	version string
	scanner *bufio.Scanner
	enc     *json.Encoder
}

func NewServer(tools *ToolRegistry, version string, in io.Reader, out io.Writer) *Server {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), maxMessageSize)
	return &Server{
		tools:   tools,
		version: version,
		scanner: sc,
		enc:     json.NewEncoder(out),
	}
}

// message is a request or, without ID, a notification.
type message struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type reply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Message, e.Code, e.Data)
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      serverInfo     `json:"serverInfo"`
}

type toolsListResult struct {
	Tools []ToolDef `json:"tools"`
}

type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func textResult(text string) *CallToolResult {
	return &CallToolResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}

// Run serves messages until the input ends or ctx is cancelled. Tool calls
// are handled one at a time, in order.
func (s *Server) Run(ctx context.Context) error {
	for s.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		var msg message
		if err := json.Unmarshal(s.scanner.Bytes(), &msg); err != nil {
			if err := s.write(reply{Error: &rpcError{Code: codeParseError, Message: "Parse error", Data: err.Error()}}); err != nil {
				return err
			}
			continue
		}

		result, rerr := s.dispatch(ctx, msg)
		if len(msg.ID) == 0 {
			continue
		}
		if err := s.write(reply{ID: msg.ID, Result: result, Error: rerr}); err != nil {
			return err
		}
	}
	if err := s.scanner.Err(); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, msg message) (any, *rpcError) {
	switch msg.Method {
	case "initialize":
		return initializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    map[string]any{"tools": map[string]any{}},
			ServerInfo:      serverInfo{Name: "rexec", Version: s.version},
		}, nil
	case "notifications/initialized":
		return nil, nil
	case "ping":
		return struct{}{}, nil
	case "tools/list":
		return toolsListResult{Tools: s.tools.List()}, nil
	case "tools/call":
		var params callToolParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: "Invalid params", Data: err.Error()}
		}
		result, err := s.tools.Call(ctx, params.Name, params.Arguments)
		if err != nil {
			// Tool failures are results the model should see, not protocol errors.
			result = textResult(err.Error())
			result.IsError = true
		}
		return result, nil
	}
	return nil, &rpcError{Code: codeMethodNotFound, Message: "Method not found", Data: msg.Method}
}

func (s *Server) write(r reply) error {
	r.JSONRPC = "2.0"
	if err := s.enc.Encode(r); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}
