// Package mcp exposes the studio's network, draft storage and planning
// helpers as Model Context Protocol tools, so agents can drive them directly.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/bizmatters/contract-studio/internal/models"
	"github.com/bizmatters/contract-studio/internal/store"
)

// ServerName is reported to MCP clients during initialization
const ServerName = "Contract Studio MCP Server"

// Network is the part of the agent backend the network tools use
type Network interface {
	NetworkStatus(ctx context.Context) (*models.NetworkStatus, error)
	SimulateDeploy(ctx context.Context, req models.DeployRequest) (*models.DeployResult, error)
}

type toolHandler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)

type toolAdder func(name string, tool mcp.Tool, h toolHandler)

// Config wires the tool server
type Config struct {
	Version       string
	Network       Network
	Conversations store.ConversationStore
	Logger        *slog.Logger
	// CallTimeout bounds every tool call that reaches the backend
	CallTimeout time.Duration
}

// Server holds the registered tools
type Server struct {
	mcp    *server.MCPServer
	logger *slog.Logger
	tools  []string
}

// NewServer registers every tool on a fresh MCP server
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}

	s := server.NewMCPServer(
		ServerName,
		cfg.Version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
	)

	srv := &Server{mcp: s, logger: logger}
	addTool := func(name string, tool mcp.Tool, h toolHandler) {
		srv.tools = append(srv.tools, name)
		s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			ctx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
			defer cancel()

			start := time.Now()
			resp, err := h(ctx, request)
			if err != nil {
				logger.Warn("tool call failed", "tool", name, "error", err)
				return mcp.NewToolResultError(err.Error()), nil
			}
			logger.Debug("tool call", "tool", name, "is_error", resp.IsError, "duration", time.Since(start))
			return resp, nil
		})
	}

	registerNetworkTools(addTool, cfg.Network)
	registerDraftTools(addTool, cfg.Conversations)
	registerPlanningTools(addTool)

	return srv
}

// Tools returns the registered tool names in registration order
func (s *Server) Tools() []string {
	return append([]string(nil), s.tools...)
}

// ServeStdio serves the tools over stdin and stdout until the client
// disconnects
func (s *Server) ServeStdio() error {
	s.logger.Info("serving MCP over stdio")
	if err := server.ServeStdio(s.mcp); err != nil {
		return fmt.Errorf("mcp stdio server: %w", err)
	}
	return nil
}

// jsonResult renders v as the text content of a tool result
func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

// decodeArgument re-decodes a structured argument into out. A missing
// argument leaves out untouched and reports false.
func decodeArgument(request mcp.CallToolRequest, name string, out any) (bool, error) {
	raw, ok := request.GetArguments()[name]
	if !ok || raw == nil {
		return false, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", name, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return false, fmt.Errorf("invalid %s: %w", name, err)
	}
	return true, nil
}
