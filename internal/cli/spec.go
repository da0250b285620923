package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bizmatters/contract-studio/internal/contract"
	"github.com/bizmatters/contract-studio/internal/extract"
	"github.com/bizmatters/contract-studio/internal/layout"
)

func createExtractCmd() *cobra.Command {
	var proseOnly bool

	cmd := &cobra.Command{
		Use:   "extract [file]",
		Short: "Find a contract document inside an agent reply",
		Long: `Scan free-form text for an embedded contract document, the way sessions recover
documents from chat history.

EXAMPLES:
  # Extract from a saved reply
  studioctl extract reply.txt

  # Extract from stdin and print only the prose before the document
  pbpaste | studioctl extract --prose
`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			res, ok := extract.FromText(string(data))
			if !ok {
				return errors.New("no contract document found")
			}
			if proseOnly {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), res.Prose)
				return err
			}
			return printJSON(cmd.OutOrStdout(), res.Document)
		},
	}

	cmd.Flags().BoolVar(&proseOnly, "prose", false, "print the text before the document instead of the document")

	return cmd
}

func createLayoutCmd() *cobra.Command {
	var selected string

	cmd := &cobra.Command{
		Use:   "layout [spec.json]",
		Short: "Print the diagram graph of a contract document",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(cmd, args)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), layout.Build(doc).Select(selected))
		},
	}

	cmd.Flags().StringVar(&selected, "selected", "", "node id to highlight")

	return cmd
}

func createNormalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "normalize [spec.json]",
		Short: "Print a contract document in the shape the agent backend accepts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(cmd, args)
			if err != nil {
				return err
			}
			if err := doc.Validate(); err != nil {
				return fmt.Errorf("invalid document: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), contract.Normalize(doc))
		},
	}
}

func readDocument(cmd *cobra.Command, args []string) (*contract.Document, error) {
	data, err := readInput(cmd, args)
	if err != nil {
		return nil, err
	}
	var doc contract.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return &doc, nil
}
