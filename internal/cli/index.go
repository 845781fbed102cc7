package cli

import (
	"fmt"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"docsearch/config"
	"docsearch/internal/adapter/analyzer"
	"docsearch/internal/adapter/chunker"
	"docsearch/internal/adapter/embedding"
	"docsearch/internal/adapter/fs"
	"docsearch/internal/adapter/llm"
	"docsearch/internal/adapter/store"
	"docsearch/internal/logging"
	"docsearch/internal/usecase"
)

var (
	indexIncludes []string
	indexExcludes []string
	indexPrune    bool
)

var indexCmd = &cobra.Command{
	Use:   "index [directory]",
	Short: "Index local Markdown and HTML documentation files",
	Long: `Index documentation files from a local directory tree instead of
crawling a site. Files are matched by include/exclude glob patterns
relative to the root and indexed with the same incremental pipeline
as crawled pages.

Examples:
  docsearch index ./docs
  docsearch index ./site --include '**/*.html' --exclude 'drafts/**'`,
	Args: cobra.ExactArgs(1),
	RunE: runIndex,
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.Flags().StringSliceVar(&indexIncludes, "include", nil, "glob patterns of files to index (default: Markdown and HTML)")
	indexCmd.Flags().StringSliceVar(&indexExcludes, "exclude", nil, "glob patterns of files to skip")
	indexCmd.Flags().BoolVar(&indexPrune, "prune", false, "tombstone indexed files this run no longer finds")
}

func runIndex(cmd *cobra.Command, args []string) error {
	if err := config.EnsureDataDir(dataDir); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	st, err := store.Open(config.IndexDBPath(dataDir))
	if err != nil {
		return fmt.Errorf("failed to open index: %w", err)
	}
	defer st.Close()

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

	files, err := fs.NewWalker(indexIncludes, indexExcludes).Walk(args[0])
	if err != nil {
		return fmt.Errorf("failed to walk %s: %w", args[0], err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no documentation files found under %s", args[0])
	}

	bar := progressbar.NewOptions(len(files),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetDescription("[cyan]Indexing[reset]"),
		progressbar.OptionOnCompletion(func() {
			fmt.Println()
		}),
	)

	var readErrors []string
	for _, file := range files {
		bar.Add(1)
		page, err := fs.ReadPage(file)
		if err != nil {
			readErrors = append(readErrors, fmt.Sprintf("%s: %v", file.RelPath, err))
			continue
		}
		if err := ingestor.IngestPage(cmd.Context(), page); err != nil {
			return fmt.Errorf("failed to index %s: %w", file.RelPath, err)
		}
	}
	bar.Finish()

	if indexPrune {
		if _, err := ingestor.PruneMissing("file://"); err != nil {
			return fmt.Errorf("prune failed: %w", err)
		}
	}

	ingest := ingestor.Summary()
	fmt.Printf("\nIndex update:\n")
	fmt.Printf("  Files found:      %d\n", len(files))
	fmt.Printf("  Docs indexed:     %d\n", ingest.DocsIndexed)
	fmt.Printf("  Docs unchanged:   %d\n", ingest.DocsUnchanged)
	fmt.Printf("  Docs skipped:     %d\n", ingest.DocsSkipped)
	fmt.Printf("  Chunks written:   %d\n", ingest.ChunksWritten)
	fmt.Printf("  Chunks reused:    %d\n", ingest.ChunksReused)
	fmt.Printf("  Tombstoned:       %d\n", ingest.Tombstoned)

	if ingest.ChunksFailed > 0 {
		fmt.Printf("  Chunks failed:    %d\n", ingest.ChunksFailed)
	}
	for _, msg := range readErrors {
		fmt.Printf("  error: %s\n", msg)
	}
	for _, msg := range ingest.Errors {
		fmt.Printf("  error: %s\n", msg)
	}
	return nil
}
