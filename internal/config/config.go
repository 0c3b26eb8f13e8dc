// Package config loads pipeline settings from a YAML file, an optional .env file,
// and environment variables (highest precedence).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration
type Config struct {
	StatePath string `yaml:"state_path"`
	LogLevel  string `yaml:"log_level"`

	Graph     GraphConfig     `yaml:"graph"`
	Queue     QueueConfig     `yaml:"queue"`
	Provider  ProviderConfig  `yaml:"provider"`
	Cache     CacheConfig     `yaml:"cache"`
	NATS      NATSConfig      `yaml:"nats"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Budget    BudgetConfig    `yaml:"budget"`
}

// GraphConfig selects the graph store backend
type GraphConfig struct {
	Backend       string `yaml:"backend"` // "sqlite" or "neo4j"
	Neo4jURI      string `yaml:"neo4j_uri"`
	Neo4jUser     string `yaml:"neo4j_user"`
	Neo4jPassword string `yaml:"neo4j_password"`
	Neo4jDatabase string `yaml:"neo4j_database"`
}

// QueueConfig controls the durable work queues and consumers
type QueueConfig struct {
	Backend           string        `yaml:"backend"` // "sqlite" or "postgres"
	DSN               string        `yaml:"dsn"`
	BatchSize         int           `yaml:"batch_size"`
	Workers           int           `yaml:"workers"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	MaxRetries        int           `yaml:"max_retries"`
	RetentionPeriod   time.Duration `yaml:"retention_period"`
}

// ProviderConfig configures the embedding and LLM providers
type ProviderConfig struct {
	Kind           string        `yaml:"kind"` // "ollama" or "openai"
	OllamaURL      string        `yaml:"ollama_url"`
	OpenAIKey      string        `yaml:"openai_key"`
	OpenAIBaseURL  string        `yaml:"openai_base_url"`
	EmbeddingModel string        `yaml:"embedding_model"`
	ChatModel      string        `yaml:"chat_model"`
	MaxInputChars  int           `yaml:"max_input_chars"`
	Timeout        time.Duration `yaml:"timeout"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
	Burst          int           `yaml:"burst"`
}

// CacheConfig configures the optional Redis embedding cache
type CacheConfig struct {
	RedisURL string        `yaml:"redis_url"`
	TTL      time.Duration `yaml:"ttl"`
}

// NATSConfig configures detection trigger messaging
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// SchedulerConfig holds cron specs for periodic work
type SchedulerConfig struct {
	Realtime string `yaml:"realtime"`
	Sweep    string `yaml:"sweep"`
	Cleanup  string `yaml:"cleanup"`
	Requeue  string `yaml:"requeue"`
}

// BudgetConfig bounds host load from consumers
type BudgetConfig struct {
	MaxCPUPercent float64 `yaml:"max_cpu_percent"` // 0 disables the guard
}

// Default returns settings that run locally with no external services
// beyond an Ollama instance.
func Default() *Config {
	return &Config{
		StatePath: "state",
		LogLevel:  "info",
		Graph: GraphConfig{
			Backend:       "sqlite",
			Neo4jDatabase: "neo4j",
		},
		Queue: QueueConfig{
			Backend:           "sqlite",
			BatchSize:         10,
			Workers:           4,
			VisibilityTimeout: 5 * time.Minute,
			PollInterval:      10 * time.Second,
			MaxRetries:        3,
			RetentionPeriod:   24 * time.Hour,
		},
		Provider: ProviderConfig{
			Kind:          "ollama",
			OllamaURL:     "http://localhost:11434",
			MaxInputChars: 8000,
			Timeout:       60 * time.Second,
			RatePerSecond: 5,
			Burst:         5,
		},
		Cache: CacheConfig{
			TTL: 7 * 24 * time.Hour,
		},
		NATS: NATSConfig{
			SubjectPrefix: "patterns.detect",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		Scheduler: SchedulerConfig{
			Realtime: "*/15 * * * *",
			Sweep:    "5 * * * *",
			Cleanup:  "30 3 * * *",
			Requeue:  "*/5 * * * *",
		},
	}
}

// Load reads the YAML file at path (if non-empty), loads .env if present,
// then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// .env is optional
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.StatePath, "STATE_PATH")
	setString(&c.LogLevel, "LOG_LEVEL")

	setString(&c.Graph.Backend, "GRAPH_BACKEND")
	setString(&c.Graph.Neo4jURI, "NEO4J_URI")
	setString(&c.Graph.Neo4jUser, "NEO4J_USER")
	setString(&c.Graph.Neo4jPassword, "NEO4J_PASSWORD")
	setString(&c.Graph.Neo4jDatabase, "NEO4J_DATABASE")

	setString(&c.Queue.Backend, "QUEUE_BACKEND")
	setString(&c.Queue.DSN, "QUEUE_DSN")
	if err := setInt(&c.Queue.BatchSize, "QUEUE_BATCH_SIZE"); err != nil {
		return err
	}
	if err := setInt(&c.Queue.MaxRetries, "QUEUE_MAX_RETRIES"); err != nil {
		return err
	}
	if err := setDuration(&c.Queue.VisibilityTimeout, "QUEUE_VISIBILITY_TIMEOUT"); err != nil {
		return err
	}

	setString(&c.Provider.Kind, "PROVIDER")
	setString(&c.Provider.OllamaURL, "OLLAMA_URL")
	setString(&c.Provider.OpenAIKey, "OPENAI_API_KEY")
	setString(&c.Provider.OpenAIBaseURL, "OPENAI_BASE_URL")
	setString(&c.Provider.EmbeddingModel, "EMBEDDING_MODEL")
	setString(&c.Provider.ChatModel, "CHAT_MODEL")

	setString(&c.Cache.RedisURL, "REDIS_URL")
	setString(&c.NATS.URL, "NATS_URL")
	setString(&c.Metrics.Addr, "METRICS_ADDR")
	return nil
}

// Validate rejects settings the pipeline cannot start with
func (c *Config) Validate() error {
	switch c.Graph.Backend {
	case "sqlite":
	case "neo4j":
		if c.Graph.Neo4jURI == "" {
			return fmt.Errorf("graph backend neo4j requires NEO4J_URI")
		}
	default:
		return fmt.Errorf("unknown graph backend %q", c.Graph.Backend)
	}

	switch c.Queue.Backend {
	case "sqlite":
	case "postgres":
		if c.Queue.DSN == "" {
			return fmt.Errorf("queue backend postgres requires QUEUE_DSN")
		}
	default:
		return fmt.Errorf("unknown queue backend %q", c.Queue.Backend)
	}

	switch c.Provider.Kind {
	case "ollama":
	case "openai":
		if c.Provider.OpenAIKey == "" {
			return fmt.Errorf("provider openai requires OPENAI_API_KEY")
		}
	default:
		return fmt.Errorf("unknown provider %q", c.Provider.Kind)
	}

	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("queue batch_size must be positive")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
