package cli

import (
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/bizmatters/contract-studio/internal/mcp"
	"github.com/bizmatters/contract-studio/internal/orchestration"
)

// serveMCP is replaced in tests
var serveMCP = func(s *mcp.Server) error {
	return s.ServeStdio()
}

func createMCPCmd() *cobra.Command {
	var (
		timeout time.Duration
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the studio tools to MCP clients over stdio",
		Long: `Serve network status, deployment simulation, draft storage, code analysis and
task planning as Model Context Protocol tools. Drafts are stored by the agent backend.
Logs go to stderr; stdout carries the protocol.

EXAMPLES:
  studioctl mcp
  studioctl --agent-url http://agent:8000 mcp --timeout 2m
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

			server := mcp.NewServer(mcp.Config{
				Version:       cmd.Root().Version,
				Network:       orchestration.NewAgentClient(getAgentURL(), logger),
				Conversations: newStore(cmd),
				Logger:        logger,
				CallTimeout:   timeout,
			})
			return serveMCP(server)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "timeout for each tool call")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log every tool call")

	return cmd
}
