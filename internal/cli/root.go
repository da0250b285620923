// Package cli implements studioctl, the operator tool for contract studio.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var agentURL string

// Execute runs the CLI
func Execute(version string) error {
	return NewRootCmd(version).Execute()
}

// NewRootCmd builds the command tree
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "studioctl",
		Short:         "Contract studio operator tool",
		Long:          `studioctl inspects contract documents offline, manages operator credentials, browses stored conversations and serves the studio tools over MCP.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&agentURL, "agent-url", "", "agent backend URL (default $AGENT_URL or http://localhost:8000)")

	rootCmd.AddCommand(createExtractCmd())
	rootCmd.AddCommand(createLayoutCmd())
	rootCmd.AddCommand(createNormalizeCmd())
	rootCmd.AddCommand(createExportCmd())
	rootCmd.AddCommand(createDraftCmd())
	rootCmd.AddCommand(createHashPasswordCmd())
	rootCmd.AddCommand(createTokenCmd())
	rootCmd.AddCommand(createConversationsCmd())
	rootCmd.AddCommand(createMCPCmd())

	return rootCmd
}

// getAgentURL returns the backend URL from flag, env, or the default
func getAgentURL() string {
	if agentURL != "" {
		return agentURL
	}
	if env := os.Getenv("AGENT_URL"); env != "" {
		return env
	}
	return "http://localhost:8000"
}

// readInput reads the named file, or stdin when name is empty or "-"
func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	return data, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
