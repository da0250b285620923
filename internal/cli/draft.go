package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bizmatters/contract-studio/internal/contract"
	"github.com/bizmatters/contract-studio/internal/models"
	"github.com/bizmatters/contract-studio/internal/orchestration"
)

// generator is the part of the agent backend the one-shot draft flow uses
type generator interface {
	GenerateSpec(ctx context.Context, req models.SpecRequest) (*models.SpecResponse, error)
	GenerateCode(ctx context.Context, req models.CodeRequest) (*models.CodeResponse, error)
}

// newGenerator is replaced in tests
var newGenerator = func(cmd *cobra.Command) generator {
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
	return orchestration.NewAgentClient(getAgentURL(), logger)
}

func createDraftCmd() *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "draft <prompt>",
		Short: "Generate a specification and its code in one shot",
		Long: `Ask the agent backend for a specification from a prompt, then generate code for it.
Without --out the specification and code are printed to stdout.

EXAMPLES:
  studioctl draft "a fungible token with a capped supply"
  studioctl draft --out ./token "a fungible token with a capped supply"
`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			backend := newGenerator(cmd)

			specResp, err := backend.GenerateSpec(ctx, models.SpecRequest{UserPrompt: strings.Join(args, " ")})
			if err != nil {
				return err
			}
			if specResp.Spec == nil {
				return errors.New("backend returned no spec")
			}
			doc := specResp.Spec
			if msg := strings.TrimSpace(specResp.AgentMessage); msg != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), msg)
			}

			codeResp, err := backend.GenerateCode(ctx, models.CodeRequest{Spec: contract.Normalize(doc)})
			if err != nil {
				return err
			}
			lang := codeResp.Language
			if lang == "" {
				lang = doc.Language
			}

			if outDir == "" {
				if err := printJSON(cmd.OutOrStdout(), doc); err != nil {
					return err
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), codeResp.Code)
				return err
			}

			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", outDir, err)
			}
			var spec strings.Builder
			if err := printJSON(&spec, doc); err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(outDir, "spec.json"), []byte(spec.String()), 0o644); err != nil {
				return fmt.Errorf("failed to write spec: %w", err)
			}
			codePath := filepath.Join(outDir, contract.ExportFileName(doc, lang))
			if err := os.WriteFile(codePath, []byte(codeResp.Code), 0o644); err != nil {
				return fmt.Errorf("failed to write code: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s and %s\n", filepath.Join(outDir, "spec.json"), codePath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", "", "directory to write spec.json and the code file into")

	return cmd
}

func createExportCmd() *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "export <conversation-id>",
		Short: "Write the generated code of a stored conversation to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := newStore(cmd).Load(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("failed to load conversation: %w", err)
			}
			if rec.Code == "" {
				return fmt.Errorf("conversation %s has no generated code", args[0])
			}

			// a malformed spec only costs us the file name
			doc, _ := rec.Document()
			lang := contract.Language(rec.Language)
			if lang == "" && doc != nil {
				lang = doc.Language
			}

			path := filepath.Join(outDir, contract.ExportFileName(doc, lang))
			if err := os.WriteFile(path, []byte(rec.Code), 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "directory to write the code file into")

	return cmd
}
