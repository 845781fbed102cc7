package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"docsearch/config"
	"docsearch/internal/adapter/analyzer"
	"docsearch/internal/adapter/embedding"
	"docsearch/internal/adapter/retriever"
	"docsearch/internal/adapter/store"
	"docsearch/internal/domain"
	"docsearch/internal/logging"
	"docsearch/internal/port"
	"docsearch/internal/usecase"
)

var (
	searchQuery string
	searchTopK  int
	searchType  string
	searchSince string
	searchJSON  bool
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search the crawled index",
	Long: `Search indexed pages with hybrid retrieval: BM25 and embedding
rankings fused with reciprocal rank fusion, the head re-ranked by a
cross-encoder when enabled.

Examples:
  docsearch search -q "connection pooling"
  docsearch search -q "transactions" -k 5 --type markdown --json
  docsearch search -q "eviction policy" --since 168h`,
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().StringVarP(&searchQuery, "query", "q", "", "search query (required)")
	searchCmd.Flags().IntVarP(&searchTopK, "top-k", "k", 0, "number of results (default from config)")
	searchCmd.Flags().StringVar(&searchType, "type", "", "restrict to a source type (html or markdown)")
	searchCmd.Flags().StringVar(&searchSince, "since", "", "restrict to pages fetched within a duration, e.g. 72h")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output as JSON")
	searchCmd.MarkFlagRequired("query")
}

// searchResult is the JSON output shape for one hit.
type searchResult struct {
	URL     string  `json:"url"`
	Score   float64 `json:"score"`
	Text    string  `json:"text"`
	Section string  `json:"section,omitempty"`
}

func runSearch(cmd *cobra.Command, args []string) error {
	dbPath := config.IndexDBPath(dataDir)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return fmt.Errorf("no index found, run 'docsearch crawl' or 'docsearch index' first")
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open index: %w", err)
	}
	defer st.Close()

	embedder, err := embedding.New(cfg.Embedding)
	if err != nil {
		return err
	}

	tokenizer := analyzer.NewTokenizer()
	sparse := retriever.NewSparseRetriever(st, tokenizer, cfg.Index.K1, cfg.Index.B)
	hybrid := retriever.NewHybridRetriever(sparse, st, embedder,
		cfg.Search.RRFK, cfg.Search.WidthMultiplier, logging.WithComponent("retriever"))

	var reranker port.Reranker
	if cfg.Search.RerankEnabled {
		switch cfg.Rerank.Provider {
		case "http":
			reranker, err = retriever.NewHTTPReranker(cfg.Rerank)
			if err != nil {
				return err
			}
		default:
			reranker = retriever.NewLexicalReranker(tokenizer)
		}
	}

	searcher := usecase.NewSearcher(st, hybrid, reranker, embedder,
		cfg.Search.RerankTopN, cfg.Search.ExpandParents, logging.WithComponent("search"))

	filter, err := buildFilter()
	if err != nil {
		return err
	}

	topK := cfg.Search.TopK
	if searchTopK > 0 {
		topK = searchTopK
	}

	results, err := searcher.Search(cmd.Context(), searchQuery, topK, filter)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if searchJSON {
		out := make([]searchResult, len(results))
		for i, r := range results {
			out[i] = searchResult{
				URL:     r.URL,
				Score:   r.Score,
				Text:    r.Chunk.Text,
				Section: sectionHeading(r.ParentText),
			}
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	if len(results) == 0 {
		fmt.Println("No results found.")
		return nil
	}

	fmt.Printf("Found %d results for: %s\n\n", len(results), searchQuery)
	for i, r := range results {
		fmt.Printf("--- [%d] %s (score: %.4f) ---\n", i+1, r.URL, r.Score)
		if heading := sectionHeading(r.ParentText); heading != "" {
			fmt.Printf("    %s\n", heading)
		}
		text := r.Chunk.Text
		if len(text) > 500 {
			text = text[:500] + "..."
		}
		fmt.Println(text)
		fmt.Println()
	}
	return nil
}

func buildFilter() (domain.SearchFilter, error) {
	var filter domain.SearchFilter

	switch searchType {
	case "":
	case "html":
		filter.Type = domain.DocTypeHTML
	case "markdown":
		filter.Type = domain.DocTypeMarkdown
	default:
		return filter, fmt.Errorf("unknown type %q, want html or markdown", searchType)
	}

	if searchSince != "" {
		d, err := time.ParseDuration(searchSince)
		if err != nil {
			return filter, fmt.Errorf("invalid --since duration: %w", err)
		}
		filter.FetchedAfter = time.Now().Add(-d)
	}
	return filter, nil
}

// sectionHeading extracts the first heading line of a parent section.
func sectionHeading(parentText string) string {
	for _, line := range splitLines(parentText, 5) {
		if len(line) > 0 && line[0] == '#' {
			return line
		}
	}
	return ""
}

func splitLines(text string, limit int) []string {
	var lines []string
	start := 0
	for i := 0; i < len(text) && len(lines) < limit; i++ {
		if text[i] == '\n' {
			lines = append(lines, text[start:i])
			start = i + 1
		}
	}
	if start < len(text) && len(lines) < limit {
		lines = append(lines, text[start:])
	}
	return lines
}
