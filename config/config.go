package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the docsearch engine.
type Config struct {
	Crawl      CrawlConfig      `yaml:"crawl"`
	Chunk      ChunkConfig      `yaml:"chunk"`
	Index      IndexConfig      `yaml:"index"`
	Search     SearchConfig     `yaml:"search"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Rerank     RerankConfig     `yaml:"rerank"`
	Contextual ContextualConfig `yaml:"contextual"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// CrawlConfig holds crawler politeness and scope configuration.
type CrawlConfig struct {
	MaxPages          int      `yaml:"max_pages"`
	Concurrency       int      `yaml:"concurrency"`
	RequestsPerSecond float64  `yaml:"requests_per_second"` // per domain
	MaxRetries        int      `yaml:"max_retries"`
	RetryBaseMs       int      `yaml:"retry_base_ms"`
	RetryMaxMs        int      `yaml:"retry_max_ms"`
	FailureThreshold  int      `yaml:"failure_threshold"` // circuit breaker trip count
	FailureWindowSec  int      `yaml:"failure_window_sec"`
	CooldownSec       int      `yaml:"cooldown_sec"`
	TimeoutSec        int      `yaml:"timeout_sec"`
	UserAgent         string   `yaml:"user_agent"`
	Includes          []string `yaml:"includes"` // URL path glob patterns
	Excludes          []string `yaml:"excludes"`
}

func (c CrawlConfig) RetryBase() time.Duration     { return time.Duration(c.RetryBaseMs) * time.Millisecond }
func (c CrawlConfig) RetryMax() time.Duration      { return time.Duration(c.RetryMaxMs) * time.Millisecond }
func (c CrawlConfig) FailureWindow() time.Duration { return time.Duration(c.FailureWindowSec) * time.Second }
func (c CrawlConfig) Cooldown() time.Duration      { return time.Duration(c.CooldownSec) * time.Second }
func (c CrawlConfig) Timeout() time.Duration       { return time.Duration(c.TimeoutSec) * time.Second }

// ChunkConfig holds hierarchical chunking configuration.
type ChunkConfig struct {
	ChildTokens       int      `yaml:"child_tokens"`
	ChildOverlap      int      `yaml:"child_overlap"`
	MinChars          int      `yaml:"min_chars"`
	SentenceTolerance int      `yaml:"sentence_tolerance"`
	StripSelectors    []string `yaml:"strip_selectors"` // HTML elements removed as boilerplate
}

// IndexConfig holds index maintenance configuration.
type IndexConfig struct {
	EmbedWorkers       int     `yaml:"embed_workers"`
	K1                 float64 `yaml:"k1"`
	B                  float64 `yaml:"b"`
	TombstoneThreshold float64 `yaml:"tombstone_threshold"` // compaction recommended past this ratio
}

// SearchConfig holds hybrid search configuration.
type SearchConfig struct {
	TopK            int  `yaml:"top_k"`
	RRFK            int  `yaml:"rrf_k"`
	WidthMultiplier int  `yaml:"width_multiplier"` // retrieval width = top_k * multiplier
	RerankEnabled   bool `yaml:"rerank_enabled"`
	RerankTopN      int  `yaml:"rerank_top_n"`
	ExpandParents   bool `yaml:"expand_parents"`
}

// EmbeddingConfig holds embedding capability configuration.
type EmbeddingConfig struct {
	Provider  string `yaml:"provider"` // "openai", "ollama", "mock"
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
	Dimension int    `yaml:"dimension"`
	BatchSize int    `yaml:"batch_size"`
}

// RerankConfig holds cross-encoder capability configuration.
type RerankConfig struct {
	Provider  string `yaml:"provider"` // "http", "lexical"
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// ContextualConfig holds chunk contextualization configuration.
type ContextualConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Model      string `yaml:"model"`
	BaseURL    string `yaml:"base_url"`
	Workers    int    `yaml:"workers"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

func (c ContextualConfig) Timeout() time.Duration { return time.Duration(c.TimeoutSec) * time.Second }

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Crawl: CrawlConfig{
			MaxPages:          500,
			Concurrency:       4,
			RequestsPerSecond: 2,
			MaxRetries:        3,
			RetryBaseMs:       500,
			RetryMaxMs:        30000,
			FailureThreshold:  5,
			FailureWindowSec:  60,
			CooldownSec:       120,
			TimeoutSec:        30,
			UserAgent:         "docsearch/1.0",
			Excludes:          []string{"**/login*", "**/signup*", "**/*.pdf"},
		},
		Chunk: ChunkConfig{
			ChildTokens:       256,
			ChildOverlap:      32,
			MinChars:          40,
			SentenceTolerance: 48,
			StripSelectors:    []string{"nav", "footer", "aside", "header", "form"},
		},
		Index: IndexConfig{
			EmbedWorkers:       4,
			K1:                 1.2,
			B:                  0.75,
			TombstoneThreshold: 0.3,
		},
		Search: SearchConfig{
			TopK:            10,
			RRFK:            60,
			WidthMultiplier: 4,
			RerankEnabled:   false,
			RerankTopN:      30,
			ExpandParents:   true,
		},
		Embedding: EmbeddingConfig{
			Provider:  "ollama",
			Model:     "nomic-embed-text",
			BaseURL:   "http://localhost:11434/v1",
			APIKeyEnv: "OPENAI_API_KEY",
			Dimension: 768,
			BatchSize: 64,
		},
		Rerank: RerankConfig{
			Provider:  "lexical",
			Model:     "rerank-english-v3.0",
			APIKeyEnv: "COHERE_API_KEY",
		},
		Contextual: ContextualConfig{
			Enabled:    false,
			Model:      "llama3.2",
			BaseURL:    "http://localhost:11434",
			Workers:    4,
			TimeoutSec: 60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults
// when the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromDir loads configuration from a directory (looks for
// docsearch.yaml, then .docsearch/config.yaml).
func LoadFromDir(dir string) (*Config, error) {
	path := filepath.Join(dir, "docsearch.yaml")
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}

	path = filepath.Join(dir, ".docsearch", "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}

	return DefaultConfig(), nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// IndexDBPath returns the path to the index database.
func IndexDBPath(dir string) string {
	return filepath.Join(dir, ".docsearch", "index.db")
}

// CacheDBPath returns the path to the crawler content cache.
func CacheDBPath(dir string) string {
	return filepath.Join(dir, ".docsearch", "cache.db")
}

// EnsureDataDir ensures the .docsearch directory exists.
func EnsureDataDir(dir string) error {
	return os.MkdirAll(filepath.Join(dir, ".docsearch"), 0755)
}
