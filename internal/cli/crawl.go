package cli

import (
	"fmt"
	"sync"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"docsearch/config"
	"docsearch/internal/adapter/analyzer"
	"docsearch/internal/adapter/chunker"
	"docsearch/internal/adapter/crawler"
	"docsearch/internal/adapter/embedding"
	"docsearch/internal/adapter/llm"
	"docsearch/internal/adapter/store"
	"docsearch/internal/domain"
	"docsearch/internal/logging"
	"docsearch/internal/port"
	"docsearch/internal/usecase"
)

var crawlPrune bool

var crawlCmd = &cobra.Command{
	Use:   "crawl [seed-urls...]",
	Short: "Crawl documentation sites and index the fetched pages",
	Long: `Crawl the given seed URLs, staying on their domains, and index every
fetched page. Re-crawling is incremental: unchanged pages are detected
via conditional requests and content hashes, and their chunks keep
their stored embeddings.

Examples:
  docsearch crawl https://docs.example.com
  docsearch crawl https://docs.example.com/guide --prune`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCrawl,
}

func init() {
	rootCmd.AddCommand(crawlCmd)
	crawlCmd.Flags().BoolVar(&crawlPrune, "prune", false, "tombstone indexed pages the crawl no longer reaches")
}

func runCrawl(cmd *cobra.Command, args []string) error {
	if err := config.EnsureDataDir(dataDir); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	st, err := store.Open(config.IndexDBPath(dataDir))
	if err != nil {
		return fmt.Errorf("failed to open index: %w", err)
	}
	defer st.Close()

	cache, err := crawler.OpenContentCache(config.CacheDBPath(dataDir))
	if err != nil {
		return fmt.Errorf("failed to open content cache: %w", err)
	}
	defer cache.Close()

	embedder, err := embedding.New(cfg.Embedding)
	if err != nil {
		return err
	}

	tokenizer := analyzer.NewTokenizer()
	chk := chunker.NewHierarchicalChunker(
		cfg.Chunk.ChildTokens, cfg.Chunk.ChildOverlap, cfg.Chunk.MinChars,
		cfg.Chunk.SentenceTolerance, cfg.Chunk.StripSelectors, tokenizer)

	var contextualizer *usecase.Contextualizer
	if cfg.Contextual.Enabled {
		client := llm.NewOllamaClient(cfg.Contextual.Model, cfg.Contextual.BaseURL, cfg.Contextual.Timeout())
		contextualizer = usecase.NewContextualizer(client, st, cfg.Contextual.Workers, logging.WithComponent("contextualizer"))
	}

	ingestor := usecase.NewIngestor(st, chk, embedder, contextualizer, cfg.Index.EmbedWorkers, logging.WithComponent("ingest"))

	fetcher := crawler.NewHTTPFetcher(cfg.Crawl.Timeout(), cfg.Crawl.UserAgent)
	c := crawler.New(fetcher, cache, port.SystemClock{}, cfg.Crawl, logging.WithComponent("crawler"))

	bar := progressbar.NewOptions(cfg.Crawl.MaxPages,
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetDescription("[cyan]Crawling[reset]"),
		progressbar.OptionOnCompletion(func() {
			fmt.Println()
		}),
	)
	var barMu sync.Mutex

	summary, err := c.Run(cmd.Context(), args, func(page domain.Page) error {
		barMu.Lock()
		bar.Add(1)
		barMu.Unlock()
		return ingestor.IngestPage(cmd.Context(), page)
	})
	bar.Finish()
	if err != nil {
		return fmt.Errorf("crawl failed: %w", err)
	}

	if crawlPrune {
		if _, err := ingestor.PruneMissing("http"); err != nil {
			return fmt.Errorf("prune failed: %w", err)
		}
	}

	ingest := ingestor.Summary()
	fmt.Printf("\nCrawl complete:\n")
	fmt.Printf("  Pages fetched:    %d\n", summary.Fetched)
	fmt.Printf("  Not modified:     %d\n", summary.NotModified)
	fmt.Printf("  Skipped:          %d\n", summary.Skipped)
	fmt.Printf("  Deferred:         %d\n", summary.Deferred)
	fmt.Printf("  Failed:           %d\n", summary.Failed)
	fmt.Printf("\nIndex update:\n")
	fmt.Printf("  Docs indexed:     %d\n", ingest.DocsIndexed)
	fmt.Printf("  Docs unchanged:   %d\n", ingest.DocsUnchanged)
	fmt.Printf("  Chunks written:   %d\n", ingest.ChunksWritten)
	fmt.Printf("  Chunks reused:    %d\n", ingest.ChunksReused)
	fmt.Printf("  Tombstoned:       %d\n", ingest.Tombstoned)

	if ingest.ChunksFailed > 0 {
		fmt.Printf("  Chunks failed:    %d\n", ingest.ChunksFailed)
	}
	for _, url := range summary.FailedURLs {
		fmt.Printf("  failed: %s\n", url)
	}
	for _, msg := range ingest.Errors {
		fmt.Printf("  error: %s\n", msg)
	}
	return nil
}
