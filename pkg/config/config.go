package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Provider    ProviderConfig    `json:"provider"`
	VectorStore VectorStoreConfig `json:"vector_store"`
	Retrieval   RetrievalConfig   `json:"retrieval"`
	Storage     StorageConfig     `json:"storage"`
	Gateway     GatewayConfig     `json:"gateway"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	mu          sync.RWMutex
}

type ProviderConfig struct {
	APIKey      string  `json:"api_key" env:"THREADLINE_PROVIDER_API_KEY"`
	APIBase     string  `json:"api_base" env:"THREADLINE_PROVIDER_API_BASE"`
	Model       string  `json:"model" env:"THREADLINE_PROVIDER_MODEL"`
	Proxy       string  `json:"proxy,omitempty" env:"THREADLINE_PROVIDER_PROXY"`
	MaxTokens   int     `json:"max_tokens" env:"THREADLINE_PROVIDER_MAX_TOKENS"`
	Temperature float64 `json:"temperature" env:"THREADLINE_PROVIDER_TEMPERATURE"`
}

type VectorStoreConfig struct {
	Host           string `json:"host" env:"THREADLINE_VECTOR_HOST"`
	Port           int    `json:"port" env:"THREADLINE_VECTOR_PORT"`
	Collection     string `json:"collection" env:"THREADLINE_VECTOR_COLLECTION"`
	Embedder       string `json:"embedder" env:"THREADLINE_VECTOR_EMBEDDER"`
	TimeoutSeconds int    `json:"timeout_seconds" env:"THREADLINE_VECTOR_TIMEOUT_SECONDS"`
}

type RetrievalConfig struct {
	TopK          int     `json:"top_k" env:"THREADLINE_RETRIEVAL_TOP_K"`
	Oversample    int     `json:"oversample" env:"THREADLINE_RETRIEVAL_OVERSAMPLE"`
	MMRLambda     float64 `json:"mmr_lambda" env:"THREADLINE_RETRIEVAL_MMR_LAMBDA"`
	SummaryTokens int     `json:"summary_tokens" env:"THREADLINE_RETRIEVAL_SUMMARY_TOKENS"`
	DecisionModel string  `json:"decision_model" env:"THREADLINE_RETRIEVAL_DECISION_MODEL"`
}

type StorageConfig struct {
	CheckpointPath string `json:"checkpoint_path" env:"THREADLINE_STORAGE_CHECKPOINT_PATH"`
	TranscriptPath string `json:"transcript_path" env:"THREADLINE_STORAGE_TRANSCRIPT_PATH"`
	PersistWorkers int    `json:"persist_workers" env:"THREADLINE_STORAGE_PERSIST_WORKERS"`
}

type GatewayConfig struct {
	Host      string `json:"host" env:"THREADLINE_GATEWAY_HOST"`
	Port      int    `json:"port" env:"THREADLINE_GATEWAY_PORT"`
	AuthToken string `json:"auth_token,omitempty" env:"THREADLINE_GATEWAY_AUTH_TOKEN"`
}

type MaintenanceConfig struct {
	SweepCron     string `json:"sweep_cron" env:"THREADLINE_MAINTENANCE_SWEEP_CRON"`
	RetentionDays int    `json:"retention_days" env:"THREADLINE_MAINTENANCE_RETENTION_DAYS"`
}

func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			APIBase:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			MaxTokens:   2048,
			Temperature: 0.2,
		},
		VectorStore: VectorStoreConfig{
			Host:           "localhost",
			Port:           8001,
			Collection:     "threads_memory",
			TimeoutSeconds: 10,
		},
		Retrieval: RetrievalConfig{
			TopK:          8,
			Oversample:    4,
			MMRLambda:     0.5,
			SummaryTokens: 150,
			DecisionModel: "",
		},
		Storage: StorageConfig{
			CheckpointPath: "~/.threadline/checkpoints.db",
			TranscriptPath: "~/.threadline/transcript.db",
			PersistWorkers: 4,
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18790,
		},
		Maintenance: MaintenanceConfig{
			SweepCron:     "",
			RetentionDays: 0,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) CheckpointPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Storage.CheckpointPath)
}

func (c *Config) TranscriptPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Storage.TranscriptPath)
}

func (c *Config) DecisionModel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Retrieval.DecisionModel != "" {
		return c.Retrieval.DecisionModel
	}
	return c.Provider.Model
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
