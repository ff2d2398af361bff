package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-ingest/internal/tools"
)

// JSON-RPC error codes
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInternalError  = -32603
)

// Server represents the MCP server
type Server struct {
	logger  *logrus.Logger
	tools   *tools.Registry
	version string
}

// NewServer creates a new MCP server instance
func NewServer(registry *tools.Registry, version string, logger *logrus.Logger) *Server {
	return &Server{
		logger:  logger,
		tools:   registry,
		version: version,
	}
}

// Run serves MCP over stdio until ctx is done or stdin closes
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting MCP server with stdio transport")
	return s.Serve(ctx, os.Stdin, os.Stdout)
}

// Serve reads one JSON-RPC request per JSON value from r and writes the
// responses to w. Notifications get no response.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	decoder := json.NewDecoder(r)
	encoder := json.NewEncoder(w)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		var req map[string]interface{}
		if err := decoder.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			s.logger.WithError(err).Error("Failed to decode request")
			// the decoder cannot resync after a syntax error
			_ = encoder.Encode(errorResponse(nil, codeParseError, "Parse error"))
			return fmt.Errorf("failed to decode request: %w", err)
		}

		resp := s.handleRequest(ctx, req)
		if resp == nil {
			continue
		}
		if err := encoder.Encode(resp); err != nil {
			s.logger.WithError(err).Error("Failed to encode response")
			continue
		}
	}
}

// handleRequest processes an MCP request. It returns nil for notifications.
func (s *Server) handleRequest(ctx context.Context, req map[string]interface{}) map[string]interface{} {
	method, _ := req["method"].(string)
	id, hasID := req["id"]
	if !hasID {
		s.logger.WithField("method", method).Debug("Received notification")
		return nil
	}

	switch method {
	case "initialize":
		return map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      id,
			"result": map[string]interface{}{
				"protocolVersion": "2024-11-05",
				"capabilities": map[string]interface{}{
					"tools": map[string]interface{}{},
				},
				"serverInfo": map[string]interface{}{
					"name":    "mail-ingest",
					"version": s.version,
				},
			},
		}

	case "ping":
		return map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      id,
			"result":  map[string]interface{}{},
		}

	case "tools/list":
		return map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      id,
			"result": map[string]interface{}{
				"tools": s.tools.GetToolDefinitions(),
			},
		}

	case "tools/call":
		params, _ := req["params"].(map[string]interface{})
		toolName, _ := params["name"].(string)
		arguments, _ := params["arguments"].(map[string]interface{})
		if arguments == nil {
			arguments = map[string]interface{}{}
		}

		tool, exists := s.tools.GetTool(toolName)
		if !exists {
			return errorResponse(id, codeMethodNotFound, fmt.Sprintf("Tool not found: %s", toolName))
		}

		log := s.logger.WithField("tool", toolName)
		result, err := tool.Execute(ctx, arguments)
		if err != nil {
			log.WithError(err).Warn("Tool call failed")
			return errorResponse(id, codeInternalError, err.Error())
		}
		log.Debug("Tool call succeeded")

		// Serialize result to JSON string for text content
		resultJSON, err := json.Marshal(result)
		if err != nil {
			resultJSON = []byte(fmt.Sprintf("%v", result))
		}

		return map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      id,
			"result": map[string]interface{}{
				"content": []map[string]interface{}{
					{
						"type": "text",
						"text": string(resultJSON),
					},
				},
			},
		}
	}

	return errorResponse(id, codeMethodNotFound, fmt.Sprintf("Method not found: %s", method))
}

func errorResponse(id interface{}, code int, message string) map[string]interface{} {
	return map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	}
}
