package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the Trellis service
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Databases DatabasesConfig `mapstructure:"databases"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Index     IndexConfig     `mapstructure:"index"`
	Search    SearchConfig    `mapstructure:"search"`
}

// GeneralConfig contains server and auth settings
type GeneralConfig struct {
	Listen    string `mapstructure:"listen"`
	JWTSecret string `mapstructure:"jwt_secret"`
	Env       string `mapstructure:"env"`
}

type DatabasesConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN builds a Postgres connection string from either the URL or parts.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", errors.New("postgres not configured (databases.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

type RedisConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
	Pass string `mapstructure:"pass"`
	DB   int    `mapstructure:"db"`
}

// Enabled reports whether redis is configured. Without redis the queue drain
// runs unlocked, matching the single-consumer deployment.
func (r RedisConfig) Enabled() bool { return r.Host != "" && r.Port != "" }

func (r RedisConfig) Addr() string { return fmt.Sprintf("%s:%s", r.Host, r.Port) }

// EmbeddingConfig configures the external embedding provider.
type EmbeddingConfig struct {
	APIKey     string        `mapstructure:"api_key"`
	Model      string        `mapstructure:"model"`
	Dimensions int           `mapstructure:"dimensions"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// IndexConfig tunes the chunking pipeline and queue drain.
type IndexConfig struct {
	MaxChars     int    `mapstructure:"max_chars"`
	OverlapChars int    `mapstructure:"overlap_chars"`
	BatchSize    int    `mapstructure:"batch_size"`
	MaxAttempts  int    `mapstructure:"max_attempts"`
	DrainCron    string `mapstructure:"drain_cron"`
}

// SearchConfig tunes retrieval.
type SearchConfig struct {
	TopK           int `mapstructure:"top_k"`
	MaxTopK        int `mapstructure:"max_top_k"`
	CandidateLimit int `mapstructure:"candidate_limit"`
	SnippetChars   int `mapstructure:"snippet_chars"`
}

// LoadConfig reads config from file (optional) and TRELLIS_* environment
// variables, applying defaults for everything tunable.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetDefault("general.listen", ":8080")
	v.SetDefault("general.env", "dev")
	v.SetDefault("general.jwt_secret", "")
	v.SetDefault("databases.postgres.url", "")
	v.SetDefault("databases.postgres.host", "")
	v.SetDefault("databases.postgres.port", "")
	v.SetDefault("databases.postgres.user", "")
	v.SetDefault("databases.postgres.password", "")
	v.SetDefault("databases.postgres.dbname", "")
	v.SetDefault("databases.postgres.sslmode", "disable")
	v.SetDefault("databases.redis.host", "")
	v.SetDefault("databases.redis.port", "")
	v.SetDefault("databases.redis.pass", "")
	v.SetDefault("databases.redis.db", 0)
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("embedding.timeout", 30*time.Second)
	v.SetDefault("index.max_chars", 8000)
	v.SetDefault("index.overlap_chars", 1200)
	v.SetDefault("index.batch_size", 50)
	v.SetDefault("index.max_attempts", 5)
	v.SetDefault("index.drain_cron", "")
	v.SetDefault("search.top_k", 8)
	v.SetDefault("search.max_top_k", 20)
	v.SetDefault("search.candidate_limit", 500)
	v.SetDefault("search.snippet_chars", 600)

	if path == "" {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("TRELLIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
