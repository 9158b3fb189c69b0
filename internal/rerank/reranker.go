package rerank

import (
	"context"
	"log/slog"
	"sort"

	"github.com/magnusfroste/privateai-chatspace/internal/store"
)

// Reranker reorders candidates by cross-encoder relevance. When the
// scoring collaborator fails or is absent, the input ordering is returned
// truncated to top-k, never an error.
type Reranker struct {
	scorer Scorer
	logger *slog.Logger
}

// NewReranker creates a reranker over the given scorer. A nil scorer is
// allowed and disables reranking.
func NewReranker(scorer Scorer, logger *slog.Logger) *Reranker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reranker{scorer: scorer, logger: logger}
}

// Available reports whether reranking can be attempted.
func (r *Reranker) Available(ctx context.Context) bool {
	return r.scorer != nil && r.scorer.Available(ctx)
}

// Rerank scores every (query, candidate content) pair in one batched call,
// attaches the score as RerankScore, sorts by it descending, and truncates
// to topK. The result always has min(topK, len(candidates)) items.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []store.SearchCandidate, topK int) []store.SearchCandidate {
	if topK <= 0 || len(candidates) == 0 {
		return nil
	}
	if topK > len(candidates) {
		topK = len(candidates)
	}

	if r.scorer == nil {
		return candidates[:topK]
	}

	passages := make([]string, len(candidates))
	for i, c := range candidates {
		passages[i] = c.Content
	}

	scores, err := r.scorer.ScorePairs(ctx, query, passages)
	if err != nil {
		r.logger.Warn("reranking failed, keeping original order",
			slog.String("error", err.Error()),
			slog.Int("candidates", len(candidates)))
		return candidates[:topK]
	}

	scored := make([]store.SearchCandidate, len(candidates))
	for i, c := range candidates {
		s := scores[i]
		c.RerankScore = &s
		scored[i] = c
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return *scored[i].RerankScore > *scored[j].RerankScore
	})

	return scored[:topK]
}
