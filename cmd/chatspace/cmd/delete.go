package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDeleteCmd() *cobra.Command {
	var wholeWorkspace bool

	cmd := &cobra.Command{
		Use:   "delete <workspace> [document-id]",
		Short: "Delete a document or an entire workspace",
		Long: `Delete removes one document's chunks from a workspace, or with
--workspace, drops the whole collection.

Examples:
  chatspace delete support-docs manual.md
  chatspace delete support-docs --workspace`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := buildEngine(cfg)
			if err != nil {
				return err
			}
			defer engine.Close()

			if wholeWorkspace {
				if len(args) != 1 {
					return fmt.Errorf("--workspace takes no document id")
				}
				if err := engine.DeleteWorkspace(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted workspace %q\n", args[0])
				return nil
			}

			if len(args) != 2 {
				return fmt.Errorf("document id required (or pass --workspace)")
			}
			if err := engine.DeleteDocument(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Deleted document %q from workspace %q\n", args[1], args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&wholeWorkspace, "workspace", false, "Delete the entire workspace")
	return cmd
}
