package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Neo4j    Neo4jConfig
	Zilliz   ZillizConfig
	SQLite   SQLiteConfig
	Redis    RedisConfig
	LLM      LLMConfig
	Linking  LinkingConfig
	Pipeline PipelineConfig
	Timeouts TimeoutConfig
	Seed     SeedConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
	// RateLimitPerMinute is per client; zero disables limiting.
	RateLimitPerMinute int
	Development        bool
}

type Neo4jConfig struct {
	URI         string
	Username    string
	Password    string
	Database    string
	MaxPoolSize int
}

type ZillizConfig struct {
	Enabled        bool
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled         bool
	Host            string
	Port            int
	Password        string
	DB              int
	EmbeddingTTLMin int
}

type LLMConfig struct {
	BaseURL        string
	Model          string
	APIKey         string
	Temperature    float32
	MaxTokens      int
	EmbeddingModel string
}

// LinkingConfig holds the entity linking acceptance thresholds.
type LinkingConfig struct {
	FuzzyRatio        float64
	SemanticThreshold float64
}

type PipelineConfig struct {
	RetrievalDomain    string
	TopK               int
	MaxConcurrency     int
	MaxCasesInEvidence int
}

// TimeoutConfig values are in seconds.
type TimeoutConfig struct {
	LLM        int
	Embedding  int
	GraphWrite int
	GraphRead  int
}

type SeedConfig struct {
	Path string
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func (t TimeoutConfig) LLMTimeout() time.Duration        { return time.Duration(t.LLM) * time.Second }
func (t TimeoutConfig) EmbeddingTimeout() time.Duration  { return time.Duration(t.Embedding) * time.Second }
func (t TimeoutConfig) GraphWriteTimeout() time.Duration { return time.Duration(t.GraphWrite) * time.Second }
func (t TimeoutConfig) GraphReadTimeout() time.Duration  { return time.Duration(t.GraphRead) * time.Second }

func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads the given config file, or searches the default paths when path is empty.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/emergency-agent")
	}

	v.SetEnvPrefix("EMERGENCY_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Linking.SemanticThreshold <= 0 || c.Linking.SemanticThreshold > 1 {
		return fmt.Errorf("invalid config: linking.semanticThreshold must be in (0,1], got %v", c.Linking.SemanticThreshold)
	}
	if c.Linking.FuzzyRatio <= 0 || c.Linking.FuzzyRatio >= 1 {
		return fmt.Errorf("invalid config: linking.fuzzyRatio must be in (0,1), got %v", c.Linking.FuzzyRatio)
	}
	if c.Pipeline.TopK <= 0 {
		return fmt.Errorf("invalid config: pipeline.topK must be positive, got %d", c.Pipeline.TopK)
	}
	if c.Pipeline.MaxConcurrency <= 0 {
		return fmt.Errorf("invalid config: pipeline.maxConcurrency must be positive, got %d", c.Pipeline.MaxConcurrency)
	}
	if c.Pipeline.MaxCasesInEvidence <= 0 {
		return fmt.Errorf("invalid config: pipeline.maxCasesInEvidence must be positive, got %d", c.Pipeline.MaxCasesInEvidence)
	}
	if c.Timeouts.LLM <= 0 || c.Timeouts.Embedding <= 0 || c.Timeouts.GraphWrite <= 0 || c.Timeouts.GraphRead <= 0 {
		return errors.New("invalid config: all timeouts must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 120)
	v.SetDefault("server.bodyLimit", 1048576)
	v.SetDefault("server.rateLimitPerMinute", 120)
	v.SetDefault("server.development", false)

	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "password")
	v.SetDefault("neo4j.database", "neo4j")
	v.SetDefault("neo4j.maxPoolSize", 50)

	v.SetDefault("zilliz.enabled", true)
	v.SetDefault("zilliz.endpoint", "localhost:19530")
	v.SetDefault("zilliz.collectionName", "emergency_cases")
	v.SetDefault("zilliz.vectorDim", 1536)

	v.SetDefault("sqlite.path", "./data/audit.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.embeddingTTLMin", 1440)

	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.maxTokens", 1024)
	v.SetDefault("llm.embeddingModel", "text-embedding-3-small")

	v.SetDefault("linking.fuzzyRatio", 0.7)
	v.SetDefault("linking.semanticThreshold", 0.85)

	v.SetDefault("pipeline.retrievalDomain", "case")
	v.SetDefault("pipeline.topK", 10)
	v.SetDefault("pipeline.maxConcurrency", 4)
	v.SetDefault("pipeline.maxCasesInEvidence", 5)

	v.SetDefault("timeouts.llm", 30)
	v.SetDefault("timeouts.embedding", 15)
	v.SetDefault("timeouts.graphWrite", 10)
	v.SetDefault("timeouts.graphRead", 10)

	v.SetDefault("seed.path", "./config/regulations.yaml")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
