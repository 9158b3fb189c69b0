package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/magnusfroste/privateai-chatspace/internal/llm"
)

const (
	// maxVariants bounds LLM-generated rephrasings, excluding the original.
	maxVariants = 3

	expansionTemperature = 0.3
	expansionMaxTokens   = 150
)

// QueryExpander generates alternative phrasings of a query with an LLM
// to widen recall. Expansion is strictly best-effort: any failure
// degrades to the original query alone.
type QueryExpander struct {
	client llm.Client
	logger *slog.Logger
}

// NewQueryExpander returns an expander. A nil client disables expansion.
func NewQueryExpander(client llm.Client, logger *slog.Logger) *QueryExpander {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryExpander{client: client, logger: logger}
}

// Expand returns the original query followed by up to maxVariants
// rephrasings. The original is always first and always present.
func (e *QueryExpander) Expand(ctx context.Context, query string) []string {
	if e.client == nil {
		return []string{query}
	}

	prompt := fmt.Sprintf(`Generate %d alternative phrasings of the following search query. Keep the same intent and language. Output only the rephrased queries, one per line, with no numbering, bullets, or explanations.

Query: %s`, maxVariants, query)

	response, err := e.client.Generate(ctx, prompt, expansionTemperature, expansionMaxTokens)
	if err != nil {
		e.logger.Warn("query expansion failed, using original query only",
			slog.String("error", err.Error()))
		return []string{query}
	}

	queries := []string{query}
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == query {
			continue
		}
		// Models sometimes number or bullet their output despite
		// instructions; drop those lines rather than mangle them.
		if isNumberedOrBulleted(line) {
			continue
		}
		queries = append(queries, line)
		if len(queries) == maxVariants+1 {
			break
		}
	}

	e.logger.Debug("query expanded",
		slog.String("query", query),
		slog.Int("variants", len(queries)-1))
	return queries
}

func isNumberedOrBulleted(line string) bool {
	if strings.HasPrefix(line, "-") || strings.HasPrefix(line, "*") || strings.HasPrefix(line, "•") {
		return true
	}
	if len(line) > 1 && line[0] >= '0' && line[0] <= '9' {
		rest := strings.TrimLeft(line, "0123456789")
		return strings.HasPrefix(rest, ".") || strings.HasPrefix(rest, ")")
	}
	return false
}
