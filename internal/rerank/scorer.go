// Package rerank reorders search candidates with a cross-encoder scoring
// collaborator. Reranking is best-effort: any collaborator failure leaves
// the input ordering untouched.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds one scoring request.
const DefaultTimeout = 30 * time.Second

// Scorer computes relevance scores for (query, passage) pairs.
type Scorer interface {
	// ScorePairs returns one relevance score per passage, in input order.
	ScorePairs(ctx context.Context, query string, passages []string) ([]float64, error)

	// Available reports whether the scoring collaborator is reachable.
	Available(ctx context.Context) bool
}

// HTTPScorerConfig configures the HTTP cross-encoder client.
type HTTPScorerConfig struct {
	BaseURL string
	Timeout time.Duration
}

// HTTPScorer calls a cross-encoder scoring service over HTTP. The service
// accepts a query plus passages and returns per-passage relevance scores
// with their input indices.
type HTTPScorer struct {
	client *http.Client
	config HTTPScorerConfig
}

// Verify interface implementation at compile time.
var _ Scorer = (*HTTPScorer)(nil)

// Wire types for the rerank endpoint.
type rerankRequest struct {
	Query string   `json:"query"`
	Texts []string `json:"texts"`
}

type rerankResult struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// NewHTTPScorer creates a cross-encoder scoring client.
func NewHTTPScorer(cfg HTTPScorerConfig) (*HTTPScorer, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("rerank base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &HTTPScorer{
		client: &http.Client{},
		config: cfg,
	}, nil
}

// ScorePairs scores every (query, passage) pair in one batched call and
// returns the scores in input order.
func (s *HTTPScorer) ScorePairs(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return nil, nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	body, err := json.Marshal(rerankRequest{Query: query, Texts: passages})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.config.BaseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("rerank status %d: %s", resp.StatusCode, string(msg))
	}

	var results []rerankResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(results) != len(passages) {
		return nil, fmt.Errorf("score count mismatch: sent %d, got %d", len(passages), len(results))
	}

	// The service returns results sorted by score; remap to input order.
	scores := make([]float64, len(passages))
	seen := make([]bool, len(passages))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(passages) || seen[r.Index] {
			return nil, fmt.Errorf("invalid result index %d", r.Index)
		}
		scores[r.Index] = r.Score
		seen[r.Index] = true
	}

	return scores, nil
}

// Available probes the service with a one-pair scoring request.
func (s *HTTPScorer) Available(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.ScorePairs(probeCtx, "ping", []string{"ping"})
	return err == nil
}
