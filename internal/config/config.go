package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// OpenAIEmbedderConfig holds configuration for the OpenAI-compatible embedder.
type OpenAIEmbedderConfig struct {
	BaseURL     string `yaml:"base_url"`
	APIKeyEnv   string `yaml:"api_key_env"`
	Model       string `yaml:"model"`
	TimeoutSecs int    `yaml:"timeout_secs"`
	MaxRetries  int    `yaml:"max_retries"`
}

// EmbedderConfig selects and configures the text embedder implementation.
// Dimension must match the vector index for both implementations.
type EmbedderConfig struct {
	Type      string                `yaml:"type"`
	Dimension int                   `yaml:"dimension"`
	OpenAI    *OpenAIEmbedderConfig `yaml:"openai,omitempty"`
}

// JudgeConfig configures the judgment service used for requirement
// decomposition and coverage evaluation. Type "none" disables it and every
// judgment falls back to its conservative default.
type JudgeConfig struct {
	Type        string  `yaml:"type"`
	BaseURL     string  `yaml:"base_url"`
	APIKeyEnv   string  `yaml:"api_key_env"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	TimeoutSecs int     `yaml:"timeout_secs"`
	MaxRetries  int     `yaml:"max_retries"`
}

// ChunkerConfig configures how documents are split into chunks.
type ChunkerConfig struct {
	ChunkSize int `yaml:"chunk_size"`
	Overlap   int `yaml:"overlap"`
}

// VectorStoreConfig selects and configures the vector store implementation.
type VectorStoreConfig struct {
	Type   string        `yaml:"type"`
	Qdrant *QdrantConfig `yaml:"qdrant,omitempty"`
}

// QdrantConfig contains connection details for a Qdrant vector store.
type QdrantConfig struct {
	URL         string `yaml:"url"`
	APIKey      string `yaml:"api_key"`
	APIKeyEnv   string `yaml:"api_key_env"`
	Collection  string `yaml:"collection"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// RetrievalConfig holds similarity thresholds and result sizes per retrieval use.
type RetrievalConfig struct {
	PolicyThreshold float64 `yaml:"policy_threshold"`
	KBThreshold     float64 `yaml:"kb_threshold"`
	ChatThreshold   float64 `yaml:"chat_threshold"`
	PolicyTopK      int     `yaml:"policy_top_k"`
	KBTopK          int     `yaml:"kb_top_k"`
	ChatTopK        int     `yaml:"chat_top_k"`
	CallTimeoutSecs int     `yaml:"call_timeout_secs"`
}

// DecisionConfig holds the decision engine thresholds.
type DecisionConfig struct {
	SimilarityMin float64 `yaml:"similarity_min"`
	AutoCompliant float64 `yaml:"auto_compliant"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

// EventsConfig configures verdict publishing. An empty URL disables it.
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	Embedder    EmbedderConfig    `yaml:"embedder"`
	Judge       JudgeConfig       `yaml:"judge"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	Chunker     ChunkerConfig     `yaml:"chunker"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Decision    DecisionConfig    `yaml:"decision"`
	Store       StoreConfig       `yaml:"store"`
	Events      EventsConfig      `yaml:"events"`
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
}

// Load reads a config from a specified path. If the file does not exist, returns defaults.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaultConfig(), nil
		}
		return nil, err
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyConfigDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadDefault tries ./gapeval.yaml first, then ~/.config/gapeval/config.yaml.
// If neither exists, it writes defaults to ~/.config/gapeval/config.yaml and returns them.
func LoadDefault() (*AppConfig, string, error) {
	cwdPath := "gapeval.yaml"
	if _, err := os.Stat(cwdPath); err == nil {
		cfg, err := Load(cwdPath)
		return cfg, cwdPath, err
	}
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	cfg := defaultConfig()
	if err := Save(userPath, cfg); err != nil {
		return nil, "", err
	}
	return cfg, userPath, nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate rejects settings no component can run with.
func (c *AppConfig) Validate() error {
	var errs []error
	if c.Chunker.ChunkSize <= 0 {
		errs = append(errs, errors.New("chunker.chunk_size must be positive"))
	}
	if c.Chunker.Overlap < 0 {
		errs = append(errs, errors.New("chunker.overlap must not be negative"))
	}
	for name, v := range map[string]float64{
		"retrieval.policy_threshold": c.Retrieval.PolicyThreshold,
		"retrieval.kb_threshold":     c.Retrieval.KBThreshold,
		"retrieval.chat_threshold":   c.Retrieval.ChatThreshold,
		"decision.similarity_min":    c.Decision.SimilarityMin,
		"decision.auto_compliant":    c.Decision.AutoCompliant,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0,1], got %g", name, v))
		}
	}
	if c.Decision.AutoCompliant < c.Decision.SimilarityMin {
		errs = append(errs, fmt.Errorf("decision.auto_compliant (%g) is below decision.similarity_min (%g)",
			c.Decision.AutoCompliant, c.Decision.SimilarityMin))
	}
	switch c.Embedder.Type {
	case "hashing", "openai":
	default:
		errs = append(errs, fmt.Errorf("unknown embedder.type %q", c.Embedder.Type))
	}
	switch c.Judge.Type {
	case "openai", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown judge.type %q", c.Judge.Type))
	}
	switch c.VectorStore.Type {
	case "memory":
	case "qdrant":
		if c.VectorStore.Qdrant == nil || c.VectorStore.Qdrant.URL == "" {
			errs = append(errs, errors.New("vector_store.qdrant.url is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown vector_store.type %q", c.VectorStore.Type))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// CallTimeout is the per-call budget for embedding and index queries.
func (c *AppConfig) CallTimeout() time.Duration {
	return time.Duration(c.Retrieval.CallTimeoutSecs) * time.Second
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "gapeval", "config.yaml"), nil
}

func defaultConfig() *AppConfig {
	cfg := &AppConfig{
		Embedder:    EmbedderConfig{Type: "hashing"},
		Judge:       JudgeConfig{Type: "openai"},
		VectorStore: VectorStoreConfig{Type: "memory"},
	}
	applyConfigDefaults(cfg)
	return cfg
}

func applyConfigDefaults(cfg *AppConfig) {
	if cfg.Embedder.Type == "" {
		cfg.Embedder.Type = "hashing"
	}
	if cfg.Embedder.Dimension == 0 {
		if cfg.Embedder.Type == "openai" {
			cfg.Embedder.Dimension = 1536
		} else {
			cfg.Embedder.Dimension = 512
		}
	}
	if cfg.Embedder.Type == "openai" {
		if cfg.Embedder.OpenAI == nil {
			cfg.Embedder.OpenAI = &OpenAIEmbedderConfig{}
		}
		o := cfg.Embedder.OpenAI
		if o.BaseURL == "" {
			o.BaseURL = "https://api.openai.com/v1"
		}
		if o.APIKeyEnv == "" {
			o.APIKeyEnv = "OPENAI_API_KEY"
		}
		if o.Model == "" {
			o.Model = "text-embedding-3-small"
		}
		if o.TimeoutSecs == 0 {
			o.TimeoutSecs = 30
		}
	}

	if cfg.Judge.Type == "" {
		cfg.Judge.Type = "openai"
	}
	if cfg.Judge.APIKeyEnv == "" {
		cfg.Judge.APIKeyEnv = "OPENAI_API_KEY"
	}
	if cfg.Judge.Model == "" {
		cfg.Judge.Model = "gpt-4o-mini"
	}
	if cfg.Judge.MaxTokens == 0 {
		cfg.Judge.MaxTokens = 1500
	}
	if cfg.Judge.TimeoutSecs == 0 {
		cfg.Judge.TimeoutSecs = 30
	}

	if cfg.VectorStore.Type == "" {
		cfg.VectorStore.Type = "memory"
	}
	if q := cfg.VectorStore.Qdrant; q != nil {
		if q.Collection == "" {
			q.Collection = "gapeval_chunks"
		}
		if q.TimeoutSecs == 0 {
			q.TimeoutSecs = 10
		}
		if q.APIKey == "" && q.APIKeyEnv != "" {
			q.APIKey = os.Getenv(q.APIKeyEnv)
		}
	}

	if cfg.Chunker.ChunkSize == 0 {
		cfg.Chunker.ChunkSize = 900
	}
	if cfg.Chunker.Overlap == 0 {
		cfg.Chunker.Overlap = 150
	}

	r := &cfg.Retrieval
	if r.PolicyThreshold == 0 {
		r.PolicyThreshold = 0.72
	}
	if r.KBThreshold == 0 {
		r.KBThreshold = 0.70
	}
	if r.ChatThreshold == 0 {
		r.ChatThreshold = 0.60
	}
	if r.PolicyTopK == 0 {
		r.PolicyTopK = 8
	}
	if r.KBTopK == 0 {
		r.KBTopK = 5
	}
	if r.ChatTopK == 0 {
		r.ChatTopK = 5
	}
	if r.CallTimeoutSecs == 0 {
		r.CallTimeoutSecs = 8
	}

	if cfg.Decision.SimilarityMin == 0 {
		cfg.Decision.SimilarityMin = 0.72
	}
	if cfg.Decision.AutoCompliant == 0 {
		cfg.Decision.AutoCompliant = 0.85
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "gapeval.db"
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "gapeval"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
