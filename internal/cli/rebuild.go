package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"docsearch/config"
	"docsearch/internal/adapter/store"
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Compact the index, dropping tombstoned data",
	Long: `Rewrite the index without tombstoned documents and chunks. The new
index is built in a sibling file and atomically swapped in, so a crash
mid-rebuild leaves the old index intact.`,
	RunE: runRebuild,
}

func init() {
	rootCmd.AddCommand(rebuildCmd)
}

func runRebuild(cmd *cobra.Command, args []string) error {
	dbPath := config.IndexDBPath(dataDir)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return fmt.Errorf("no index found, run 'docsearch crawl' first")
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open index: %w", err)
	}
	defer st.Close()

	before, err := st.Metadata()
	if err != nil {
		return fmt.Errorf("failed to read index metadata: %w", err)
	}

	fmt.Printf("Compacting index (%d live chunks, %d tombstones)...\n",
		before.ChunkCount, before.TombstoneCount)

	if err := st.Compact(); err != nil {
		st.SetLastError(err.Error())
		return fmt.Errorf("rebuild failed: %w", err)
	}

	after, err := st.Metadata()
	if err != nil {
		return fmt.Errorf("failed to read index metadata: %w", err)
	}
	fmt.Printf("Done: %d docs, %d chunks, 0 tombstones.\n", after.DocCount, after.ChunkCount)
	return nil
}
