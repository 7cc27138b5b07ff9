package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Defaults for options the distilled behavior depends on. All of them are
// overridable through the config file or CELLAGENT_* environment variables.
const (
	DefaultModel               = "qwen3"
	DefaultEmbeddingModel      = "nomic-embed-text"
	DefaultOllamaBaseURL       = "http://127.0.0.1:11434"
	DefaultStepLimit           = 8
	DefaultRetrievalTopK       = 3
	DefaultSimilarityThreshold = 0.0
	DefaultToolTimeout         = 30 * time.Second
	DefaultCheckpointDSN       = "sqlite:./.cellagent/state.db"
	DefaultVectorPath          = "./.cellagent/vectors.json"
)

type Config struct {
	Model               string        `yaml:"model"`
	EmbeddingModel      string        `yaml:"embeddingModel"`
	OllamaBaseURL       string        `yaml:"ollamaBaseURL"`
	VectorPath          string        `yaml:"vectorPath"`
	StepLimit           int           `yaml:"stepLimit"`
	RetrievalTopK       int           `yaml:"retrievalTopK"`
	SimilarityThreshold float64       `yaml:"similarityThreshold"`
	ToolTimeout         time.Duration `yaml:"toolTimeout"`
	CheckpointDSN       string        `yaml:"checkpointDSN"`
	SystemPrompt        string        `yaml:"systemPrompt"`

	// QueueAddr enables the Redis Streams turn queue when set; empty
	// means turns run inline.
	QueueAddr string `yaml:"queueAddr"`
}

func Default() Config {
	return Config{
		Model:               DefaultModel,
		EmbeddingModel:      DefaultEmbeddingModel,
		OllamaBaseURL:       DefaultOllamaBaseURL,
		VectorPath:          DefaultVectorPath,
		StepLimit:           DefaultStepLimit,
		RetrievalTopK:       DefaultRetrievalTopK,
		SimilarityThreshold: DefaultSimilarityThreshold,
		ToolTimeout:         DefaultToolTimeout,
		CheckpointDSN:       DefaultCheckpointDSN,
	}
}

// Load builds the effective configuration: defaults, then the optional YAML
// file, then environment overrides. An empty path skips the file layer.
func Load(path string) (Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to decode config file %q: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg.normalize()
}

// FromEnv builds the configuration from defaults plus environment only.
func FromEnv() (Config, error) {
	cfg := Default()
	cfg.applyEnv()
	return cfg.normalize()
}

func (c *Config) applyEnv() {
	c.Model = getenv("CELLAGENT_MODEL", c.Model)
	c.EmbeddingModel = getenv("CELLAGENT_EMBEDDING_MODEL", c.EmbeddingModel)
	c.OllamaBaseURL = getenv("CELLAGENT_OLLAMA_BASE_URL", c.OllamaBaseURL)
	c.VectorPath = getenv("CELLAGENT_VECTOR_PATH", c.VectorPath)
	c.StepLimit = getenvInt("CELLAGENT_STEP_LIMIT", c.StepLimit)
	c.RetrievalTopK = getenvInt("CELLAGENT_RETRIEVAL_TOP_K", c.RetrievalTopK)
	c.SimilarityThreshold = getenvFloat("CELLAGENT_SIMILARITY_THRESHOLD", c.SimilarityThreshold)
	c.ToolTimeout = getenvDuration("CELLAGENT_TOOL_TIMEOUT", c.ToolTimeout)
	c.CheckpointDSN = getenv("CELLAGENT_CHECKPOINT_DSN", c.CheckpointDSN)
	c.SystemPrompt = getenv("CELLAGENT_SYSTEM_PROMPT", c.SystemPrompt)
	c.QueueAddr = getenv("CELLAGENT_QUEUE_ADDR", c.QueueAddr)
}

func (c Config) normalize() (Config, error) {
	if c.StepLimit <= 0 {
		return Config{}, fmt.Errorf("step limit must be positive, got %d", c.StepLimit)
	}
	if c.RetrievalTopK <= 0 {
		return Config{}, fmt.Errorf("retrieval top-k must be positive, got %d", c.RetrievalTopK)
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return Config{}, fmt.Errorf("similarity threshold must be in [0,1], got %g", c.SimilarityThreshold)
	}
	if c.ToolTimeout < 0 {
		return Config{}, fmt.Errorf("tool timeout must not be negative, got %s", c.ToolTimeout)
	}
	if strings.TrimSpace(c.CheckpointDSN) == "" {
		return Config{}, fmt.Errorf("checkpoint DSN is required")
	}
	return c, nil
}
