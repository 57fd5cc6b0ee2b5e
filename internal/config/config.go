// Package config loads support-memory settings from defaults, a YAML file,
// a .env file and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	DBPath          string           `yaml:"db_path"`
	LogMode         string           `yaml:"log_mode"`
	LogLevel        string           `yaml:"log_level"`
	MonitorChannels []string         `yaml:"monitor_channels"`
	Closure         ClosureConfig    `yaml:"closure"`
	Extractor       ExtractorConfig  `yaml:"extractor"`
	Memory          MemoryConfig     `yaml:"memory"`
	Retrieval       RetrievalConfig  `yaml:"retrieval"`
	Proactive       ProactiveConfig  `yaml:"proactive"`
	Embedding       EmbeddingConfig  `yaml:"embedding"`
	Summarizer      SummarizerConfig `yaml:"summarizer"`
	Lock            LockConfig       `yaml:"lock"`
}

// ClosureConfig tunes idle detection and finalization.
type ClosureConfig struct {
	IdleThreshold       time.Duration `yaml:"idle_threshold"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	MaxAttempts         int           `yaml:"max_attempts"`
	ArchiveAfter        time.Duration `yaml:"archive_after"`
	FinalizeConcurrency int           `yaml:"finalize_concurrency"`
}

// ExtractorConfig bounds transcripts and drafts.
type ExtractorConfig struct {
	HeadMessages     int           `yaml:"head_messages"`
	TailMessages     int           `yaml:"tail_messages"`
	MinMessages      int           `yaml:"min_messages"`
	MaxProblemChars  int           `yaml:"max_problem_chars"`
	MaxSolutionChars int           `yaml:"max_solution_chars"`
	ExcerptChars     int           `yaml:"excerpt_chars"`
	Timeout          time.Duration `yaml:"timeout"`
	RetryAttempts    int           `yaml:"retry_attempts"`
	RetryInitial     time.Duration `yaml:"retry_initial"`
}

// MemoryConfig tunes deduplication.
type MemoryConfig struct {
	DedupThreshold float64 `yaml:"dedup_threshold"`
}

// RetrievalConfig tunes interactive search.
type RetrievalConfig struct {
	MaxResults        int           `yaml:"max_results"`
	MinSimilarity     float64       `yaml:"min_similarity"`
	RecencyHalfLife   time.Duration `yaml:"recency_half_life"`
	RecencyWeight     float64       `yaml:"recency_weight"`
	SeverityWeight    float64       `yaml:"severity_weight"`
	FeedbackWeight    float64       `yaml:"feedback_weight"`
	FetchTailMessages int           `yaml:"fetch_tail_messages"`
}

// ProactiveConfig tunes unsolicited suggestions.
type ProactiveConfig struct {
	Enabled       bool                `yaml:"enabled"`
	SettlePeriod  time.Duration       `yaml:"settle_period"`
	MinSimilarity float64             `yaml:"min_similarity"`
	ExpertRouting bool                `yaml:"expert_routing"`
	Experts       map[string][]string `yaml:"experts"`
	MaxExperts    int                 `yaml:"max_experts"`
}

// EmbeddingConfig selects the embedding provider.
type EmbeddingConfig struct {
	Provider  string `yaml:"provider"` // lexical | ollama | openai
	Model     string `yaml:"model"`
	URL       string `yaml:"url"`
	Dims      int    `yaml:"dims"`
	CacheSize int64  `yaml:"cache_size"`
	APIKey    string `yaml:"-"`
}

// SummarizerConfig selects the summarization model.
type SummarizerConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	MaxTokens int64  `yaml:"max_tokens"`
	APIKey    string `yaml:"-"`
}

// LockConfig selects the lock backend. An empty RedisURL means in-process locks.
type LockConfig struct {
	RedisURL string        `yaml:"redis_url"`
	TTL      time.Duration `yaml:"ttl"`
}

// Cutoffs holds the similarity cutoffs an embedder is calibrated for.
type Cutoffs struct {
	Interactive float64
	Proactive   float64
}

// calibrated cutoffs per embedding provider. Hashed bag-of-words vectors score
// paraphrases far lower than model embeddings do.
var calibrated = map[string]Cutoffs{
	"lexical": {Interactive: 0.3, Proactive: 0.6},
	"ollama":  {Interactive: 0.75, Proactive: 0.85},
	"openai":  {Interactive: 0.75, Proactive: 0.85},
}

// CalibratedCutoffs returns the default cutoffs for an embedding provider.
func CalibratedCutoffs(provider string) Cutoffs {
	if c, ok := calibrated[provider]; ok {
		return c
	}
	return calibrated["openai"]
}

// calibrate fills unset similarity cutoffs from the embedding provider.
func (c *Config) calibrate() {
	cut := CalibratedCutoffs(c.Embedding.Provider)
	if c.Retrieval.MinSimilarity == 0 {
		c.Retrieval.MinSimilarity = cut.Interactive
	}
	if c.Proactive.MinSimilarity == 0 {
		c.Proactive.MinSimilarity = cut.Proactive
	}
}

// Default returns the default configuration with cutoffs calibrated for the
// default embedder.
func Default() *Config {
	cfg := defaults()
	cfg.calibrate()
	return cfg
}

func defaults() *Config {
	return &Config{
		LogMode:  "dev",
		LogLevel: "info",
		Closure: ClosureConfig{
			IdleThreshold:       12 * time.Hour,
			SweepInterval:       5 * time.Minute,
			MaxAttempts:         3,
			ArchiveAfter:        30 * 24 * time.Hour,
			FinalizeConcurrency: 4,
		},
		Extractor: ExtractorConfig{
			HeadMessages:     5,
			TailMessages:     15,
			MinMessages:      2,
			MaxProblemChars:  2000,
			MaxSolutionChars: 4000,
			ExcerptChars:     500,
			Timeout:          60 * time.Second,
			RetryAttempts:    3,
			RetryInitial:     time.Second,
		},
		Memory: MemoryConfig{DedupThreshold: 0.92},
		Retrieval: RetrievalConfig{
			MaxResults:        3,
			RecencyHalfLife:   180 * 24 * time.Hour,
			RecencyWeight:     0.1,
			SeverityWeight:    0.05,
			FeedbackWeight:    0.05,
			FetchTailMessages: 10,
		},
		Proactive: ProactiveConfig{
			Enabled:      true,
			SettlePeriod: 30 * time.Second,
			MaxExperts:   3,
		},
		Embedding: EmbeddingConfig{
			Provider:  "lexical",
			CacheSize: 10000,
		},
		Summarizer: SummarizerConfig{
			Provider:  "anthropic",
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 1024,
		},
		Lock: LockConfig{TTL: 2 * time.Minute},
	}
}

// Load builds the configuration. path may be empty; a missing file is an error
// only when path was given explicitly.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaults()
	if path == "" {
		path = os.Getenv("SUPPORT_MEMORY_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, err
	}
	if cfg.DBPath == "" {
		cfg.DBPath = defaultDBPath()
	}
	cfg.calibrate()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFromEnv(cfg *Config) error {
	if v := os.Getenv("SUPPORT_MEMORY_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SUPPORT_MEMORY_LOG_MODE"); v != "" {
		cfg.LogMode = v
	}
	if v := os.Getenv("SUPPORT_MEMORY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SUPPORT_MEMORY_REDIS_URL"); v != "" {
		cfg.Lock.RedisURL = v
	}
	if v := os.Getenv("SUPPORT_MEMORY_MONITOR_CHANNELS"); v != "" {
		cfg.MonitorChannels = splitList(v)
	}
	if v := os.Getenv("SUPPORT_MEMORY_IDLE_THRESHOLD"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SUPPORT_MEMORY_IDLE_THRESHOLD: %w", err)
		}
		cfg.Closure.IdleThreshold = d
	}
	if v := os.Getenv("SUPPORT_MEMORY_DEDUP_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("SUPPORT_MEMORY_DEDUP_THRESHOLD: %w", err)
		}
		cfg.Memory.DedupThreshold = f
	}
	if v := os.Getenv("SUPPORT_MEMORY_EMBEDDER"); v != "" {
		cfg.Embedding.Provider = v
	}

	cfg.Summarizer.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	if v := os.Getenv("ANTHROPIC_BASE_URL"); v != "" {
		cfg.Summarizer.BaseURL = v
	}
	switch cfg.Embedding.Provider {
	case "openai":
		cfg.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
		if cfg.Embedding.URL == "" {
			cfg.Embedding.URL = os.Getenv("OPENAI_BASE_URL")
		}
	case "ollama":
		if v := os.Getenv("OLLAMA_HOST"); v != "" && cfg.Embedding.URL == "" {
			cfg.Embedding.URL = v
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "support-memory.db"
	}
	return filepath.Join(home, ".support-memory", "memory.db")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Closure.IdleThreshold <= 0 {
		return fmt.Errorf("closure idle threshold must be positive")
	}
	if c.Closure.SweepInterval <= 0 {
		return fmt.Errorf("closure sweep interval must be positive")
	}
	if c.Closure.MaxAttempts < 1 {
		return fmt.Errorf("closure max attempts must be at least 1")
	}
	if c.Closure.FinalizeConcurrency < 1 {
		return fmt.Errorf("finalize concurrency must be at least 1")
	}
	if c.Extractor.HeadMessages < 1 || c.Extractor.TailMessages < 1 {
		return fmt.Errorf("extractor head and tail must be at least 1")
	}
	if c.Extractor.RetryAttempts < 1 {
		return fmt.Errorf("extractor retry attempts must be at least 1")
	}
	for name, v := range map[string]float64{
		"memory dedup threshold":    c.Memory.DedupThreshold,
		"retrieval min similarity":  c.Retrieval.MinSimilarity,
		"proactive min similarity":  c.Proactive.MinSimilarity,
		"retrieval recency weight":  c.Retrieval.RecencyWeight,
		"retrieval severity weight": c.Retrieval.SeverityWeight,
		"retrieval feedback weight": c.Retrieval.FeedbackWeight,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be between 0 and 1", name)
		}
	}
	if c.Proactive.MinSimilarity < c.Retrieval.MinSimilarity {
		return fmt.Errorf("proactive min similarity must not be below the interactive cutoff")
	}
	if c.Proactive.MaxExperts < 0 {
		return fmt.Errorf("proactive max experts must not be negative")
	}
	if c.Retrieval.RecencyHalfLife <= 0 {
		return fmt.Errorf("retrieval recency half life must be positive")
	}
	switch c.Embedding.Provider {
	case "lexical", "ollama", "openai":
	default:
		return fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider)
	}
	if c.Embedding.Provider == "openai" && c.Embedding.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required for the openai embedder")
	}
	return nil
}

// Monitored reports whether proactive matching applies to a channel.
// An empty list monitors every channel.
func (c *Config) Monitored(channelID string) bool {
	if len(c.MonitorChannels) == 0 {
		return true
	}
	for _, ch := range c.MonitorChannels {
		if ch == channelID {
			return true
		}
	}
	return false
}
