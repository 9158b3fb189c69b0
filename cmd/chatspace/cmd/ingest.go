package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// ingestOptions holds CLI flags for ingest.
type ingestOptions struct {
	documentID string
	metadata   []string
}

func newIngestCmd() *cobra.Command {
	var opts ingestOptions

	cmd := &cobra.Command{
		Use:   "ingest <workspace> <file>...",
		Short: "Chunk, embed, and index documents into a workspace",
		Long: `Ingest reads each file, splits it into structure-aware chunks,
embeds the chunks, and stores them in the workspace's collection.

Each file becomes one document. The document id defaults to the file
name; --document-id overrides it (single file only).

Examples:
  chatspace ingest support-docs manual.md
  chatspace ingest support-docs docs/*.md --meta source=handbook
  chatspace ingest support-docs notes.md --document-id onboarding`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), args[0], args[1:], opts)
		},
	}

	cmd.Flags().StringVar(&opts.documentID, "document-id", "", "Document id (single file only; defaults to file name)")
	cmd.Flags().StringSliceVar(&opts.metadata, "meta", nil, "Document metadata as key=value (repeatable)")

	return cmd
}

func runIngest(ctx context.Context, workspaceID string, paths []string, opts ingestOptions) error {
	if opts.documentID != "" && len(paths) > 1 {
		return fmt.Errorf("--document-id requires exactly one file")
	}

	metadata, err := parseMetadata(opts.metadata)
	if err != nil {
		return err
	}

	engine, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	bar := progressbar.NewOptions(len(paths),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription("Ingesting"),
		progressbar.OptionOnCompletion(func() { fmt.Println() }),
	)

	var totalChunks int
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		documentID := opts.documentID
		if documentID == "" {
			documentID = filepath.Base(path)
		}

		n, err := engine.IngestDocument(ctx, workspaceID, documentID, string(data), metadata)
		if err != nil {
			return fmt.Errorf("ingest %s: %w", path, err)
		}
		totalChunks += n
		bar.Add(1)
	}

	fmt.Printf("Indexed %d document(s), %d chunk(s) into workspace %q\n",
		len(paths), totalChunks, workspaceID)
	return nil
}

func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --meta %q (want key=value)", pair)
		}
		out[key] = value
	}
	return out, nil
}
