package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/magnusfroste/privateai-chatspace/pkg/retriever"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	limit     int
	threshold float64
	hybrid    bool
	expand    bool
	rerank    bool
	format    string
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <workspace> <query>...",
		Short: "Search a workspace",
		Long: `Search runs the retrieval pipeline against one workspace.

Hybrid search fuses dense and keyword results with Reciprocal Rank
Fusion on backends that support it; the local backend always searches
dense-only. Expansion and reranking are optional pipeline stages.

Examples:
  chatspace search support-docs "how do I reset my password"
  chatspace search support-docs "refund policy" --hybrid --limit 10
  chatspace search support-docs "pricing tiers" --expand --rerank
  chatspace search support-docs "billing" --format json`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args[1:], " ")
			return runSearch(cmd.Context(), args[0], query, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 0, "Maximum number of results (default from config)")
	cmd.Flags().Float64Var(&opts.threshold, "threshold", -1, "Minimum cosine similarity, dense mode only (default from config)")
	cmd.Flags().BoolVar(&opts.hybrid, "hybrid", false, "Fuse dense and keyword search (qdrant backend only)")
	cmd.Flags().BoolVar(&opts.expand, "expand", false, "Expand the query with LLM-generated variants")
	cmd.Flags().BoolVar(&opts.rerank, "rerank", false, "Rerank results with the cross-encoder")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")

	return cmd
}

func runSearch(ctx context.Context, workspaceID, query string, opts searchOptions) error {
	engine, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	limit := opts.limit
	if limit <= 0 {
		limit = cfg.Search.Limit
	}
	threshold := opts.threshold
	if threshold < 0 {
		threshold = cfg.Search.ScoreThreshold
	}

	results, err := engine.Retrieve(ctx, workspaceID, query, retriever.Options{
		Limit:             limit,
		ScoreThreshold:    threshold,
		Hybrid:            opts.hybrid,
		UseQueryExpansion: opts.expand,
		UseReranking:      opts.rerank,
		RerankTopK:        cfg.Search.RerankTopK,
	})
	if err != nil {
		return err
	}

	if opts.format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	if len(results) == 0 {
		fmt.Println("No results.")
		return nil
	}
	for i, r := range results {
		fmt.Printf("%d. [%.4f] %s (chunk %d)\n", i+1, r.Score, r.DocumentID, r.ChunkIndex)
		if r.RerankScore != nil {
			fmt.Printf("   rerank: %.4f\n", *r.RerankScore)
		}
		fmt.Printf("   %s\n\n", excerpt(r.Content, 200))
	}
	return nil
}

func excerpt(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= max {
		return text
	}
	return text[:max] + "..."
}
