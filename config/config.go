package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the evidence cache.
type Config struct {
	Matching    MatchingConfig    `yaml:"matching"`
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Classifier  ClassifierConfig  `yaml:"classifier"`
	Scorer      ScorerConfig      `yaml:"scorer"`
	Search      SearchConfig      `yaml:"search"`
	Store       StoreConfig       `yaml:"store"`
	Seed        SeedConfig        `yaml:"seed"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// MatchingConfig holds the two similarity thresholds of the matching engine.
type MatchingConfig struct {
	KeywordThreshold   float64 `yaml:"keyword_threshold"`
	ViewpointThreshold float64 `yaml:"viewpoint_threshold"`
	DefaultEvidence    int     `yaml:"default_evidence"` // evidence returned when the caller asks for 0
}

// AcquisitionConfig holds evidence search and scoring limits.
type AcquisitionConfig struct {
	MaxSearchResults int           `yaml:"max_search_results"`
	MaxEvidence      int           `yaml:"max_evidence"`
	ScoreConcurrency int           `yaml:"score_concurrency"`
	Timeout          time.Duration `yaml:"timeout"`
	ScoreTimeout     time.Duration `yaml:"score_timeout"`
}

// EmbeddingConfig holds embedding configuration.
type EmbeddingConfig struct {
	Provider  string        `yaml:"provider"` // "hash", "openai", "ollama"
	Model     string        `yaml:"model"`
	APIKeyEnv string        `yaml:"api_key_env"`
	BaseURL   string        `yaml:"base_url"`
	Dimension int           `yaml:"dimension"`
	CacheSize int           `yaml:"cache_size"` // 0 disables the in-process cache
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// ClassifierConfig selects the topic/keyword extractor.
type ClassifierConfig struct {
	Provider  string `yaml:"provider"` // "keyword", "openai"
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
	BaseURL   string `yaml:"base_url"`
}

// ScorerConfig selects the evidence scorer.
type ScorerConfig struct {
	Provider  string `yaml:"provider"` // "lexical", "openai", "cohere"
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
	BaseURL   string `yaml:"base_url"`
}

// SearchConfig selects the external evidence source.
type SearchConfig struct {
	Provider      string  `yaml:"provider"` // "wikipedia", "static"
	Endpoint      string  `yaml:"endpoint"`
	Language      string  `yaml:"language"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	PassageTokens int     `yaml:"passage_tokens"`
	StaticFile    string  `yaml:"static_file"`
}

// StoreConfig holds on-disk locations.
type StoreConfig struct {
	DataDir string `yaml:"data_dir"`
}

// SeedConfig holds the file patterns used by the seed command.
type SeedConfig struct {
	Includes []string `yaml:"includes"`
	Excludes []string `yaml:"excludes"`
	Workers  int      `yaml:"workers"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json", "console"
}

// MetricsConfig holds the prometheus exporter settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Matching: MatchingConfig{
			KeywordThreshold:   0.7,
			ViewpointThreshold: 0.8,
			DefaultEvidence:    5,
		},
		Acquisition: AcquisitionConfig{
			MaxSearchResults: 15,
			MaxEvidence:      5,
			ScoreConcurrency: 4,
			Timeout:          60 * time.Second,
			ScoreTimeout:     20 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Provider:  "hash",
			Model:     "text-embedding-3-small",
			APIKeyEnv: "OPENAI_API_KEY",
			Dimension: 256,
			CacheSize: 1024,
			CacheTTL:  30 * time.Minute,
		},
		Classifier: ClassifierConfig{
			Provider:  "keyword",
			Model:     "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
		},
		Scorer: ScorerConfig{
			Provider:  "lexical",
			Model:     "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
		},
		Search: SearchConfig{
			Provider:      "wikipedia",
			Language:      "en",
			RatePerSecond: 2,
			PassageTokens: 120,
		},
		Store: StoreConfig{
			DataDir: ".evcache",
		},
		Seed: SeedConfig{
			Includes: []string{"**/*.txt"},
			Excludes: []string{"**/.git/**", "**/.evcache/**"},
			Workers:  1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  ":9464",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Return defaults if no config file
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromDir loads configuration from a directory (looks for evcache.yaml).
func LoadFromDir(dir string) (*Config, error) {
	path := filepath.Join(dir, "evcache.yaml")
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}

	path = filepath.Join(dir, ".evcache", "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}

	return DefaultConfig(), nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Matching.KeywordThreshold < -1 || c.Matching.KeywordThreshold > 1 {
		return fmt.Errorf("matching.keyword_threshold must be within [-1, 1], got %v", c.Matching.KeywordThreshold)
	}
	if c.Matching.ViewpointThreshold < -1 || c.Matching.ViewpointThreshold > 1 {
		return fmt.Errorf("matching.viewpoint_threshold must be within [-1, 1], got %v", c.Matching.ViewpointThreshold)
	}
	if c.Acquisition.MaxSearchResults <= 0 {
		return fmt.Errorf("acquisition.max_search_results must be positive")
	}
	if c.Acquisition.MaxEvidence <= 0 {
		return fmt.Errorf("acquisition.max_evidence must be positive")
	}
	if c.Embedding.Provider == "hash" && c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive for the hash provider")
	}
	if c.Store.DataDir == "" {
		return fmt.Errorf("store.data_dir is required")
	}
	return nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// DataDir resolves the data directory against root when it is relative.
func (c *Config) DataDir(root string) string {
	if filepath.IsAbs(c.Store.DataDir) {
		return c.Store.DataDir
	}
	return filepath.Join(root, c.Store.DataDir)
}

// DBPath returns the path to the relational store.
func (c *Config) DBPath(root string) string {
	return filepath.Join(c.DataDir(root), "evcache.db")
}

// IndexDir returns the directory holding vector index files.
func (c *Config) IndexDir(root string) string {
	return filepath.Join(c.DataDir(root), "index")
}

// EnsureDataDir ensures the data and index directories exist.
func (c *Config) EnsureDataDir(root string) error {
	return os.MkdirAll(c.IndexDir(root), 0755)
}

// IndexFingerprint hashes the embedding settings that shape vectors.
// It is recorded in index metadata so operators can tell which
// configuration built an index.
func IndexFingerprint(cfg EmbeddingConfig) string {
	relevant := struct {
		Provider  string `json:"provider"`
		Model     string `json:"model"`
		Dimension int    `json:"dimension"`
	}{
		Provider:  cfg.Provider,
		Model:     cfg.Model,
		Dimension: cfg.Dimension,
	}

	data, _ := json.Marshal(relevant)
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:8])
}
