package cmd

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/TalG1018/PsyCounselor/pkg/session"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run as an MCP server over stdio",
	Long: `Expose the session buffers to an agent as Model Context Protocol tools:

  add_turn         record a user/counselor exchange
  get_context      render recent turns for the next prompt
  get_statistics   report token usage for a session
  get_turns        list the turns a session holds
  clear_context    drop every turn of a session

Logs go to stderr; stdout carries the protocol.

Examples:
  counsel mcp
  counsel mcp --storage memory`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

// MCPServer exposes a session registry as MCP tools.
type MCPServer struct {
	registry     *session.Registry
	contextTurns int
	server       *server.MCPServer
}

func newMCPServer(registry *session.Registry, contextTurns int) *MCPServer {
	m := &MCPServer{
		registry:     registry,
		contextTurns: contextTurns,
		server: server.NewMCPServer("counsel", version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
	}

	m.server.AddTool(mcp.NewTool("add_turn",
		mcp.WithDescription("Record one user/counselor exchange. Over-budget sessions evict low-importance turns and then compact early history."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Conversation identifier")),
		mcp.WithString("user_text", mcp.Description("What the user said")),
		mcp.WithString("agent_text", mcp.Description("The counselor's reply")),
		mcp.WithNumber("emotion_intensity", mcp.Description("Emotional intensity of the exchange, 0 to 1"), mcp.Min(0), mcp.Max(1), mcp.DefaultNumber(0)),
		mcp.WithArray("keywords", mcp.Description("Topic tags for the exchange"), mcp.WithStringItems()),
	), m.handleAddTurn)

	m.server.AddTool(mcp.NewTool("get_context",
		mcp.WithDescription("Render the most recent turns of a session as prompt context."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Conversation identifier")),
		mcp.WithNumber("max_turns", mcp.Description("Number of trailing turns to render, 0 for all"), mcp.Min(0)),
	), m.handleGetContext)

	m.server.AddTool(mcp.NewTool("get_statistics",
		mcp.WithDescription("Report turn count, token usage and budget utilization for a session."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Conversation identifier")),
	), m.handleGetStatistics)

	m.server.AddTool(mcp.NewTool("get_turns",
		mcp.WithDescription("List the turns a session holds, summary first, with their scores and keywords."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Conversation identifier")),
	), m.handleGetTurns)

	m.server.AddTool(mcp.NewTool("clear_context",
		mcp.WithDescription("Drop every turn of a session, summary included."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Conversation identifier")),
	), m.handleClearContext)

	return m
}

func runMCP(cmd *cobra.Command, _ []string) error {
	cfg, err := loadSettings(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	registry, err := newRegistry(cmd.Context(), cfg,
		session.WithLogger(logger.With(zap.String("component", "session"))),
	)
	if err != nil {
		return err
	}
	defer func() { _ = registry.Close() }()

	sweeper := session.NewSweeper(registry)
	sweeper.Start()
	defer sweeper.Stop()

	logger.Info("serving MCP over stdio", zap.String("storage", cfg.Storage.Backend))
	return server.ServeStdio(newMCPServer(registry, cfg.Session.ContextTurns).server)
}
