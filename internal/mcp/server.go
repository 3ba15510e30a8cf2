// Package mcp exposes a live writing session to agents over the Model
// Context Protocol.
package mcp

import (
	"context"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/impetus/internal/engine"
	"github.com/ppiankov/impetus/internal/guard"
	"github.com/ppiankov/impetus/internal/model"
)

// Session is the part of the engine the MCP tools drive.
type Session interface {
	Status() engine.Status
	Locks() []engine.LockInfo
	CheckEdit(m model.Mutation) guard.Verdict
	Trigger() error
	Intervene(ctx context.Context) (*engine.Outcome, error)
	Pause(reason string)
	Resume() error
}

// Server wraps the MCP SDK server around one session.
type Server struct {
	mcpServer *mcpsdk.Server
	session   Session
	logger    *slog.Logger
}

// New creates an MCP server for session.
func New(session Session, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{session: session, logger: logger}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "impetus",
			Version: version,
		},
		nil,
	)
	s.registerTools()
	return s
}

// Run serves MCP on stdio. Blocks until ctx is cancelled or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// registerTools adds all impetus tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "impetus_status",
		Description: "Report the writing session: mode, pause state, activity state, lock count and next chaos fire.",
	}, s.handleStatus)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "impetus_check_edit",
		Description: "Check whether a user edit would be accepted without applying it. Edits touching locked text are rejected.",
	}, s.handleCheckEdit)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "impetus_trigger",
		Description: "Fire the session's trigger now. With wait=true the intervention runs synchronously and its result is returned.",
	}, s.handleTrigger)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "impetus_locks",
		Description: "List the locked regions with their current text.",
	}, s.handleLocks)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "impetus_pause",
		Description: "Pause both triggers, or resume them with resume=true. Resuming also clears the decision failure count.",
	}, s.handlePause)
}
