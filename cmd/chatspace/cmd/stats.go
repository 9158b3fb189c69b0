package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	var (
		format     string
		documentID string
	)

	cmd := &cobra.Command{
		Use:   "stats <workspace>",
		Short: "Show workspace or document statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := buildEngine(cfg)
			if err != nil {
				return err
			}
			defer engine.Close()

			if documentID != "" {
				stats, err := engine.DocumentStats(cmd.Context(), args[0], documentID)
				if err != nil {
					return err
				}
				if format == "json" {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(stats)
				}
				fmt.Printf("Document:    %s\n", documentID)
				fmt.Printf("Chunks:      %d\n", stats.ChunkCount)
				fmt.Printf("Words:       %d\n", stats.WordCount)
				fmt.Printf("Characters:  %d\n", stats.CharCount)
				fmt.Printf("Tables:      %d\n", stats.Tables)
				fmt.Printf("Code blocks: %d\n", stats.CodeBlocks)
				fmt.Printf("Lists:       %d\n", stats.Lists)
				return nil
			}

			stats, err := engine.Stats(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if format == "json" {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}
			fmt.Printf("Workspace: %s\n", args[0])
			fmt.Printf("Backend:   %s\n", engine.Store().Name())
			fmt.Printf("Vectors:   %d\n", stats.VectorCount)
			fmt.Printf("Documents: %d\n", stats.DocumentCount)
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: text, json")
	cmd.Flags().StringVarP(&documentID, "document", "d", "", "Aggregate stats for one document instead")
	return cmd
}
