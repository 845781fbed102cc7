package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"docsearch/config"
	"docsearch/internal/logging"
)

var (
	cfgFile string
	cfg     *config.Config
	dataDir string
)

var rootCmd = &cobra.Command{
	Use:   "docsearch",
	Short: "Crawl documentation sites and search them with hybrid retrieval",
	Long: `docsearch crawls documentation sites into a local index and answers
queries with hybrid BM25 plus embedding retrieval, fused with
reciprocal rank fusion and optionally re-ranked by a cross-encoder.

Example usage:
  docsearch crawl https://docs.example.com   # Crawl and index a site
  docsearch index ./docs                     # Index local documentation files
  docsearch search -q "connection pooling"   # Query the index
  docsearch rebuild                          # Compact tombstones away
  docsearch health                           # Inspect index health`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error

		if dataDir == "" {
			dataDir, err = os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to get working directory: %w", err)
			}
		}

		if cfgFile != "" {
			cfg, err = config.Load(cfgFile)
		} else {
			cfg, err = config.LoadFromDir(dataDir)
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./docsearch.yaml)")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "data directory (default is current directory)")
}
