// Package config assembles the application configuration value from defaults,
// an optional config file, and the environment. It is built once at startup
// and passed explicitly to component constructors; nothing here is read from
// a process-wide global after Load returns.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every component's settings, one nested struct per component.
type Config struct {
	App        App        `mapstructure:"app"`
	Store      Store      `mapstructure:"store"`
	LLM        LLM        `mapstructure:"llm"`
	Fetcher    Fetcher    `mapstructure:"fetcher"`
	Summarizer Summarizer `mapstructure:"summarizer"`
	Clustering Clustering `mapstructure:"clustering"`
	Scheduler  Scheduler  `mapstructure:"scheduler"`
	Server     Server     `mapstructure:"server"`
}

// App holds general process configuration.
type App struct {
	LogLevel string `mapstructure:"log_level"`
	DataDir  string `mapstructure:"data_dir"`
}

// Store configures the durable SQLite-backed store (C1).
type Store struct {
	Path string `mapstructure:"path"`
}

// LLM configures the local text-generation endpoint (C2).
type LLM struct {
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	StoryModel     string        `mapstructure:"story_model"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
}

// Fetcher configures feed polling caps and concurrency (C4).
type Fetcher struct {
	MaxItemsPerRefresh int           `mapstructure:"max_items_per_refresh"`
	MaxItemsPerFeed    int           `mapstructure:"max_items_per_feed"`
	MaxRefreshTime     time.Duration `mapstructure:"max_refresh_time"`
	WorkerPoolSize     int           `mapstructure:"worker_pool_size"`
	FailureThreshold   int           `mapstructure:"failure_threshold"`
}

// Summarizer configures the chunking thresholds used by C6.
type Summarizer struct {
	ChunkingThreshold int `mapstructure:"chunking_threshold"`
	ChunkSize         int `mapstructure:"chunk_size"`
	MaxChunkSize      int `mapstructure:"max_chunk_size"`
	ChunkOverlap      int `mapstructure:"chunk_overlap"`
	Concurrency       int `mapstructure:"concurrency"`
}

// Clustering configures C8's similarity weights and windowing.
type Clustering struct {
	KeywordWeight       float64       `mapstructure:"keyword_weight"`
	EntityWeight        float64       `mapstructure:"entity_weight"`
	TopicWeight         float64       `mapstructure:"topic_weight"`
	TimeWindow          time.Duration `mapstructure:"time_window"`
	MinArticlesPerStory int           `mapstructure:"min_articles_per_story"`
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
	ArchiveAfter        time.Duration `mapstructure:"archive_after"`
	SynthesisPoolSize   int           `mapstructure:"synthesis_pool_size"`
}

// Scheduler configures the two cron jobs owned by C11.
type Scheduler struct {
	Timezone                string `mapstructure:"timezone"`
	FeedRefreshSchedule     string `mapstructure:"feed_refresh_schedule"`
	StoryGenerationSchedule string `mapstructure:"story_generation_schedule"`
	DecoupleJobOrdering     bool   `mapstructure:"decouple_job_ordering"`
}

// Server configures the HTTP surface.
type Server struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Load builds a Config from defaults, an optional file at configFile, and the
// environment (NEWSBRIEF_-prefixed, dot keys become underscores).
func Load(configFile string) (*Config, error) {
	_ = godotenv.Load(".env")

	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("newsbrief")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
	}

	v.SetEnvPrefix("NEWSBRIEF")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate fails fast on configuration errors: a clustering weight sum that
// is not 1.0 or an empty scheduler timezone. Cron expressions are not checked
// here; scheduler.New rejects an invalid one when the scheduler is built.
func (c *Config) Validate() error {
	sum := c.Clustering.KeywordWeight + c.Clustering.EntityWeight + c.Clustering.TopicWeight
	if sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("clustering weights must sum to 1.0, got %.3f", sum)
	}
	if c.Scheduler.Timezone == "" {
		return fmt.Errorf("scheduler.timezone must not be empty")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.data_dir", "./data")

	v.SetDefault("store.path", "./data/newsbrief.db")

	v.SetDefault("llm.base_url", "http://localhost:11434")
	v.SetDefault("llm.model", "llama3.1")
	v.SetDefault("llm.story_model", "llama3.1")
	v.SetDefault("llm.request_timeout", "120s")
	v.SetDefault("llm.max_retries", 3)

	v.SetDefault("fetcher.max_items_per_refresh", 150)
	v.SetDefault("fetcher.max_items_per_feed", 50)
	v.SetDefault("fetcher.max_refresh_time", "300s")
	v.SetDefault("fetcher.worker_pool_size", 3)
	v.SetDefault("fetcher.failure_threshold", 10)

	v.SetDefault("summarizer.chunking_threshold", 3000)
	v.SetDefault("summarizer.chunk_size", 1500)
	v.SetDefault("summarizer.max_chunk_size", 2000)
	v.SetDefault("summarizer.chunk_overlap", 200)
	v.SetDefault("summarizer.concurrency", 2)

	v.SetDefault("clustering.keyword_weight", 0.3)
	v.SetDefault("clustering.entity_weight", 0.5)
	v.SetDefault("clustering.topic_weight", 0.2)
	v.SetDefault("clustering.time_window", "24h")
	v.SetDefault("clustering.min_articles_per_story", 2)
	v.SetDefault("clustering.similarity_threshold", 0.25)
	v.SetDefault("clustering.archive_after", "168h")
	v.SetDefault("clustering.synthesis_pool_size", 3)

	v.SetDefault("scheduler.timezone", "Local")
	v.SetDefault("scheduler.feed_refresh_schedule", "30 5 * * *")
	v.SetDefault("scheduler.story_generation_schedule", "0 6 * * *")
	v.SetDefault("scheduler.decouple_job_ordering", false)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
}
