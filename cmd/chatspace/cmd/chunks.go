package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newChunksCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "chunks <workspace> <document-id>",
		Short: "List a document's stored chunks",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := buildEngine(cfg)
			if err != nil {
				return err
			}
			defer engine.Close()

			chunks, err := engine.DocumentChunks(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}

			if format == "json" {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(chunks)
			}
			if len(chunks) == 0 {
				fmt.Printf("No chunks for document %q in workspace %q.\n", args[1], args[0])
				return nil
			}
			for _, c := range chunks {
				fmt.Printf("chunk %d/%d [%s] %d chars",
					c.Meta.Index+1, c.TotalChunks, c.Meta.ContentType, c.Meta.CharCount)
				if c.Meta.SectionTitle != "" {
					fmt.Printf("  (%s)", c.Meta.SectionTitle)
				}
				fmt.Println()
				fmt.Printf("  %s\n\n", excerpt(c.Content, 160))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: text, json")
	return cmd
}
