package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"docsearch/config"
	"docsearch/internal/adapter/store"
	"docsearch/internal/domain"
	"docsearch/internal/usecase"
)

var healthJSON bool

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Report index health and consistency",
	Long: `Inspect the index without modifying it: staleness, tombstone load,
embedding model agreement and a sampled content checksum. Exits
non-zero when the index is unhealthy.`,
	RunE: runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().BoolVar(&healthJSON, "json", false, "output as JSON")
}

func runHealth(cmd *cobra.Command, args []string) error {
	dbPath := config.IndexDBPath(dataDir)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return fmt.Errorf("no index found, run 'docsearch crawl' first")
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open index: %w", err)
	}
	defer st.Close()

	checker := usecase.NewHealthChecker(st, cfg.Embedding.Model, cfg.Index.TombstoneThreshold)
	report, err := checker.Check()
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	if healthJSON {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(data))
	} else {
		fmt.Printf("Status:           %s\n", report.Status)
		fmt.Printf("Index age:        %s\n", orDash(report.IndexAge))
		fmt.Printf("Documents:        %d\n", report.DocCount)
		fmt.Printf("Chunks:           %d\n", report.ChunkCount)
		fmt.Printf("Tombstone ratio:  %.2f\n", report.TombstoneRatio)
		fmt.Printf("Compaction due:   %t\n", report.CompactionDue)
		fmt.Printf("Model configured: %s\n", orDash(report.ModelConfigured))
		fmt.Printf("Model indexed:    %s\n", orDash(report.ModelIndexed))
		fmt.Printf("Corrupt chunks:   %d\n", report.CorruptChunks)
		if report.LastError != "" {
			fmt.Printf("Last error:       %s\n", report.LastError)
		}
	}

	if report.Status == domain.HealthUnhealthy {
		return fmt.Errorf("index is unhealthy")
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
