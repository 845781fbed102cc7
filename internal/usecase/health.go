package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"docsearch/internal/adapter/store"
	"docsearch/internal/domain"
)

// HealthChecker inspects the persisted index and reports whether it
// is safe to serve queries from.
type HealthChecker struct {
	store              *store.BoltStore
	configuredModel    string
	tombstoneThreshold float64
	sampleSize         int
}

func NewHealthChecker(st *store.BoltStore, configuredModel string, tombstoneThreshold float64) *HealthChecker {
	if tombstoneThreshold <= 0 {
		tombstoneThreshold = 0.3
	}
	return &HealthChecker{
		store:              st,
		configuredModel:    configuredModel,
		tombstoneThreshold: tombstoneThreshold,
		sampleSize:         32,
	}
}

// Check never mutates the index. A report is produced even for an
// empty index, which is degraded rather than broken.
func (u *HealthChecker) Check() (domain.HealthReport, error) {
	meta, err := u.store.Metadata()
	if err != nil {
		return domain.HealthReport{}, fmt.Errorf("failed to read index metadata: %w", err)
	}

	report := domain.HealthReport{
		DocCount:        meta.DocCount,
		ChunkCount:      meta.ChunkCount,
		TombstoneRatio:  meta.TombstoneRatio(),
		CompactionDue:   meta.TombstoneRatio() > u.tombstoneThreshold,
		ModelConfigured: u.configuredModel,
		ModelIndexed:    meta.EmbeddingModel,
		ModelMatch:      meta.EmbeddingModel == "" || meta.EmbeddingModel == u.configuredModel,
		LastError:       meta.LastError,
	}
	if !meta.LastBuild.IsZero() {
		report.IndexAge = time.Since(meta.LastBuild).Round(time.Second).String()
	}

	report.CorruptChunks, err = u.verifySample()
	if err != nil {
		return domain.HealthReport{}, err
	}

	report.Status = verdict(report)
	return report, nil
}

// verifySample re-hashes a sample of stored chunk texts against their
// recorded content hashes.
func (u *HealthChecker) verifySample() (int, error) {
	chunks, err := u.store.SampleChunks(u.sampleSize)
	if err != nil {
		return 0, fmt.Errorf("failed to sample chunks: %w", err)
	}

	corrupt := 0
	for _, chunk := range chunks {
		if chunk.ContentHash == "" {
			continue
		}
		sum := sha256.Sum256([]byte(chunk.Text))
		if hex.EncodeToString(sum[:]) != chunk.ContentHash {
			corrupt++
		}
	}
	return corrupt, nil
}

func verdict(r domain.HealthReport) domain.HealthStatus {
	if !r.ModelMatch || r.CorruptChunks > 0 {
		return domain.HealthUnhealthy
	}
	if r.ChunkCount == 0 || r.CompactionDue || r.LastError != "" {
		return domain.HealthDegraded
	}
	return domain.HealthOK
}
