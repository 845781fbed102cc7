package retriever

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	"docsearch/config"
	"docsearch/internal/adapter/analyzer"
	"docsearch/internal/port"
)

// HTTPReranker scores query/passage pairs with a hosted cross-encoder
// behind a Cohere-compatible rerank endpoint.
type HTTPReranker struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Model     string   `json:"model"`
}

type rerankResponse struct {
	Results []rerankResult `json:"results"`
}

type rerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

func NewHTTPReranker(cfg config.RerankConfig) (*HTTPReranker, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("API key not found in environment variable: %s", cfg.APIKeyEnv)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.cohere.ai/v1"
	}
	model := cfg.Model
	if model == "" {
		model = "rerank-english-v3.0"
	}

	return &HTTPReranker{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (r *HTTPReranker) Rerank(ctx context.Context, query string, passages []string) ([]port.RerankedResult, error) {
	if len(passages) == 0 {
		return nil, nil
	}

	jsonData, err := json.Marshal(rerankRequest{
		Query:     query,
		Documents: passages,
		Model:     r.model,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", r.baseURL+"/rerank", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rerank API returned status %d: %s", resp.StatusCode, string(body))
	}

	var rr rerankResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	results := make([]port.RerankedResult, len(rr.Results))
	for i, res := range rr.Results {
		results[i] = port.RerankedResult{Index: res.Index, Score: res.RelevanceScore}
	}
	sortReranked(results)
	return results, nil
}

func (r *HTTPReranker) ModelName() string {
	return r.model
}

// LexicalReranker is the offline fallback cross-encoder: it orders
// passages by query term overlap. Deterministic, no network.
type LexicalReranker struct {
	tokenizer *analyzer.Tokenizer
}

func NewLexicalReranker(tokenizer *analyzer.Tokenizer) *LexicalReranker {
	return &LexicalReranker{tokenizer: tokenizer}
}

func (r *LexicalReranker) Rerank(_ context.Context, query string, passages []string) ([]port.RerankedResult, error) {
	queryTerms := make(map[string]struct{})
	for _, t := range r.tokenizer.Tokenize(query) {
		queryTerms[t] = struct{}{}
	}

	results := make([]port.RerankedResult, len(passages))
	for i, passage := range passages {
		results[i] = port.RerankedResult{Index: i, Score: r.overlap(queryTerms, passage)}
	}
	sortReranked(results)
	return results, nil
}

func (r *LexicalReranker) overlap(queryTerms map[string]struct{}, passage string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	seen := make(map[string]struct{})
	for _, t := range r.tokenizer.Tokenize(passage) {
		seen[t] = struct{}{}
	}
	matches := 0
	for term := range queryTerms {
		if _, ok := seen[term]; ok {
			matches++
		}
	}
	return float64(matches) / float64(len(queryTerms))
}

func (r *LexicalReranker) ModelName() string {
	return "lexical-overlap"
}

// sortReranked orders by score descending with the original candidate
// position as a stable tie-break.
func sortReranked(results []port.RerankedResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Index < results[j].Index
	})
}
