// Package mcp exposes the watcher to AI assistants over the Model Context
// Protocol: read-only status tools plus a tool that requests a sync.
package mcp

import (
	"context"
	"log"
	"os"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/sekia-ai/mailwatch/internal/config"
)

// MCPServer serves mailwatch tools on stdio.
type MCPServer struct {
	api     WatcherAPI
	nc      *nats.Conn
	version string
	logger  zerolog.Logger

	// Overridable for testing.
	natsOpts []nats.Option
}

// New creates an MCPServer. Call Run() to start serving on stdio.
func New(cfg config.Config, version string, logger zerolog.Logger) *MCPServer {
	s := &MCPServer{
		api:     NewAPIClient(cfg.HTTP.Listen),
		version: version,
		logger:  logger.With().Str("component", "mcp").Logger(),
	}
	if cfg.NATS.Token != "" {
		s.natsOpts = append(s.natsOpts, nats.Token(cfg.NATS.Token))
	}
	return s
}

// SetWatcherAPI overrides the API client. Intended for testing with a mock.
func (s *MCPServer) SetWatcherAPI(api WatcherAPI) {
	s.api = api
}

// SetNATSOpts sets NATS connection options. Must be called before Run().
func (s *MCPServer) SetNATSOpts(opts []nats.Option) {
	s.natsOpts = opts
}

// Run connects to NATS, registers MCP tools, and serves on stdio.
// It blocks until stdin is closed or the context is cancelled.
func (s *MCPServer) Run(ctx context.Context, natsURL string) error {
	// trigger_sync publishes over NATS.
	nc, err := nats.Connect(natsURL, append([]nats.Option{nats.Name("mailwatch-mcp")}, s.natsOpts...)...)
	if err != nil {
		return err
	}
	defer nc.Close()
	s.nc = nc

	srv := mcpserver.NewMCPServer(
		"mailwatch",
		s.version,
		mcpserver.WithRecovery(),
	)

	s.registerTools(srv)

	stdio := mcpserver.NewStdioServer(srv)
	stdio.SetErrorLogger(log.New(os.Stderr, "", log.LstdFlags))

	s.logger.Info().Msg("MCP server starting on stdio")
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

func (s *MCPServer) registerTools(srv *mcpserver.MCPServer) {
	srv.AddTool(
		mcplib.NewTool("get_status",
			mcplib.WithDescription("Get mailwatch watcher status: uptime, watched mailboxes, and published/error counters"),
			mcplib.WithReadOnlyHintAnnotation(true),
		),
		s.handleGetStatus,
	)

	srv.AddTool(
		mcplib.NewTool("list_services",
			mcplib.WithDescription("List mailwatch services (watcher, responder) seen on NATS with their heartbeat counters"),
			mcplib.WithReadOnlyHintAnnotation(true),
		),
		s.handleListServices,
	)

	srv.AddTool(
		mcplib.NewTool("trigger_sync",
			mcplib.WithDescription("Ask the watcher to reconcile a mailbox now and publish any new messages. The stored checkpoint takes precedence over history_id."),
			mcplib.WithString("user", mcplib.Required(), mcplib.Description("Mailbox address, e.g. \"alice@example.com\"")),
			mcplib.WithNumber("history_id", mcplib.Required(), mcplib.Description("Starting Gmail history id, used only when no checkpoint is stored")),
		),
		s.handleTriggerSync,
	)
}
