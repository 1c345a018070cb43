package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SessionWindow is one UTC trading session [start_hour, end_hour).
type SessionWindow struct {
	Name      string `yaml:"name"`
	StartHour int    `yaml:"start_hour"`
	EndHour   int    `yaml:"end_hour"`
}

// PopularPair is one pair the background refresher keeps warm. Lower
// priority numbers run first and gate pre-warming. Interval is a cron
// spec; empty falls back to refresh.cron. BackfillDays of zero falls
// back to refresh.backfill_days.
type PopularPair struct {
	Ticker       string `yaml:"ticker"`
	Priority     int    `yaml:"priority"`
	Interval     string `yaml:"interval"`
	BackfillDays int    `yaml:"backfill_days"`
}

type Config struct {
	Environment string `yaml:"environment"`
	Logging     struct {
		Level   string `yaml:"level"`
		Format  string `yaml:"format"` // json or console
		Output  string `yaml:"output"` // stdout, stderr, or a file path
		Collect struct {
			Enabled       bool          `yaml:"enabled"`
			Topic         string        `yaml:"topic"`
			FlushInterval time.Duration `yaml:"flush_interval"`
			MaxEntries    int           `yaml:"max_entries"`
		} `yaml:"collect"`
	} `yaml:"logging"`
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		RateLimit       struct {
			Enabled bool    `yaml:"enabled"`
			RPS     float64 `yaml:"rps"`
			Burst   int     `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
	Audit struct {
		Backend      string        `yaml:"backend"` // clickhouse, kafka, or none
		BatchSize    int           `yaml:"batch_size"`
		BatchTimeout time.Duration `yaml:"batch_timeout"`
	} `yaml:"audit"`
	Kafka struct {
		Brokers      []string `yaml:"brokers"`
		Topic        string   `yaml:"topic"`
		RequiredAcks int      `yaml:"required_acks"`
		Compression  string   `yaml:"compression"`
		Producer     struct {
			MaxAttempts  int           `yaml:"max_attempts"`
			Linger       time.Duration `yaml:"linger"`
			BatchBytes   int           `yaml:"batch_bytes"`
			BatchSize    int           `yaml:"batch_size"`
			WriteTimeout time.Duration `yaml:"write_timeout"`
			ReadTimeout  time.Duration `yaml:"read_timeout"`
			Async        bool          `yaml:"async"`
		} `yaml:"producer"`
		Consumer struct {
			GroupID     string        `yaml:"group_id"`
			StartOffset string        `yaml:"start_offset"` // earliest or latest
			Workers     int           `yaml:"workers"`
			RetryMax    int           `yaml:"retry_max"`
			BackoffMin  time.Duration `yaml:"backoff_min"`
			BackoffMax  time.Duration `yaml:"backoff_max"`
			DLQTopic    string        `yaml:"dlq_topic"`
			MinBytes    int           `yaml:"min_bytes"`
			MaxBytes    int           `yaml:"max_bytes"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	ClickHouse struct {
		Host             string        `yaml:"host"`
		Port             int           `yaml:"port"`
		Database         string        `yaml:"database"`
		User             string        `yaml:"user"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		AsyncInsert      bool          `yaml:"async_insert"`
		WaitForAsync     bool          `yaml:"wait_for_async_insert"`
		DialTimeout      time.Duration `yaml:"dial_timeout"`
		ReadTimeout      time.Duration `yaml:"read_timeout"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time"`
	} `yaml:"clickhouse"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Bybit struct {
		BaseURL    string        `yaml:"base_url"`
		Category   string        `yaml:"category"`
		Timeout    time.Duration `yaml:"timeout"`
		PageLimit  int           `yaml:"page_limit"`
		MaxRetries int           `yaml:"max_retries"`
		RateRPS    float64       `yaml:"rate_rps"`
		RateBurst  int           `yaml:"rate_burst"`
	} `yaml:"bybit"`
	Analysis struct {
		ProximityPct  float64         `yaml:"proximity_pct"`
		MaxRangeDays  int             `yaml:"max_range_days"`
		MemoryEntries int             `yaml:"memory_entries"`
		MemoryTTL     time.Duration   `yaml:"memory_ttl"`
		Sessions      []SessionWindow `yaml:"sessions"`
	} `yaml:"analysis"`
	Refresh struct {
		Enabled        bool     `yaml:"enabled"`
		Cron           string   `yaml:"cron"`
		Days           int      `yaml:"days"`
		BackfillDays   int      `yaml:"backfill_days"`
		WarmTimeframes []string `yaml:"warm_timeframes"`
		WarmPriority   int      `yaml:"warm_priority"`
		Queue          struct {
			Workers    int           `yaml:"workers"`
			QueueSize  int           `yaml:"queue_size"`
			RetryLimit int           `yaml:"retry_limit"`
			RetryDelay time.Duration `yaml:"retry_delay"`
		} `yaml:"queue"`
	} `yaml:"refresh"`
	PopularPairs []PopularPair `yaml:"popular_pairs"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	c.applyDefaults()

	// Validate required fields
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("BYBIT_BASE_URL"); v != "" {
		c.Bybit.BaseURL = v
	}
	if v := os.Getenv("PAIRS"); v != "" {
		c.PopularPairs = c.PopularPairs[:0]
		for _, t := range strings.Split(v, ",") {
			c.PopularPairs = append(c.PopularPairs, PopularPair{Ticker: strings.TrimSpace(t)})
		}
		c.applyDefaults()
	}
	if v := os.Getenv("AUDIT_BACKEND"); v != "" {
		c.Audit.Backend = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		c.Kafka.Topic = v
	}
	if v := os.Getenv("CLICKHOUSE_HOST"); v != "" {
		c.ClickHouse.Host = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		c.ClickHouse.Password = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}

	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Logging.Collect.Topic == "" {
		c.Logging.Collect.Topic = "pivot.logs"
	}
	if c.Logging.Collect.FlushInterval <= 0 {
		c.Logging.Collect.FlushInterval = 30 * time.Second
	}
	if c.Logging.Collect.MaxEntries <= 0 {
		c.Logging.Collect.MaxEntries = 1000
	}
	if c.Server.Port <= 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Audit.BatchSize <= 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.BatchTimeout <= 0 {
		c.Audit.BatchTimeout = 5 * time.Second
	}
	if c.Kafka.Consumer.StartOffset == "" {
		c.Kafka.Consumer.StartOffset = "earliest"
	}
	if c.Kafka.Consumer.Workers <= 0 {
		c.Kafka.Consumer.Workers = 2
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Refresh.Queue.Workers <= 0 {
		c.Refresh.Queue.Workers = 4
	}
	if c.Refresh.Queue.QueueSize <= 0 {
		c.Refresh.Queue.QueueSize = 256
	}
	if c.Refresh.Queue.RetryLimit <= 0 {
		c.Refresh.Queue.RetryLimit = 3
	}
	if c.Refresh.Queue.RetryDelay <= 0 {
		c.Refresh.Queue.RetryDelay = 30 * time.Second
	}
	if c.Bybit.BaseURL == "" {
		c.Bybit.BaseURL = "https://api.bybit.com"
	}
	if c.Bybit.Category == "" {
		c.Bybit.Category = "linear"
	}
	if c.Bybit.PageLimit <= 0 || c.Bybit.PageLimit > 1000 {
		c.Bybit.PageLimit = 1000
	}
	if c.Bybit.Timeout <= 0 {
		c.Bybit.Timeout = 10 * time.Second
	}
	if c.Analysis.ProximityPct <= 0 {
		c.Analysis.ProximityPct = 0.5
	}
	if c.Analysis.MaxRangeDays <= 0 {
		c.Analysis.MaxRangeDays = 730
	}
	if c.Analysis.MemoryEntries <= 0 {
		c.Analysis.MemoryEntries = 512
	}
	if c.Analysis.MemoryTTL <= 0 {
		c.Analysis.MemoryTTL = 5 * time.Minute
	}
	if c.Refresh.Cron == "" {
		c.Refresh.Cron = "*/15 * * * *"
	}
	if c.Refresh.Days <= 0 {
		c.Refresh.Days = 30
	}
	if c.Refresh.BackfillDays <= 0 {
		c.Refresh.BackfillDays = 730
	}
	if len(c.Refresh.WarmTimeframes) == 0 {
		c.Refresh.WarmTimeframes = []string{"daily", "weekly"}
	}
	if c.Refresh.WarmPriority <= 0 {
		c.Refresh.WarmPriority = 1
	}
	for i := range c.PopularPairs {
		p := &c.PopularPairs[i]
		p.Ticker = strings.ToUpper(strings.TrimSpace(p.Ticker))
		if p.Priority <= 0 {
			p.Priority = 100
		}
		if p.BackfillDays <= 0 {
			p.BackfillDays = c.Refresh.BackfillDays
		}
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Environment == "" {
		return fmt.Errorf("environment is required")
	}
	if c.Audit.Backend == "" {
		return fmt.Errorf("audit.backend is required")
	}
	if c.Audit.Backend != "kafka" && c.Audit.Backend != "clickhouse" && c.Audit.Backend != "none" {
		return fmt.Errorf("audit.backend must be 'kafka', 'clickhouse' or 'none', got '%s'", c.Audit.Backend)
	}
	if c.Audit.Backend == "kafka" {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("audit.backend 'kafka' requires kafka.brokers")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("audit.backend 'kafka' requires kafka.topic")
		}
	}
	if so := c.Kafka.Consumer.StartOffset; so != "" && so != "earliest" && so != "latest" {
		return fmt.Errorf("kafka.consumer.start_offset must be 'earliest' or 'latest', got '%s'", so)
	}
	if c.Refresh.Enabled && len(c.PopularPairs) == 0 {
		return fmt.Errorf("refresh.enabled requires at least one popular_pairs entry")
	}
	for _, p := range c.PopularPairs {
		if strings.TrimSpace(p.Ticker) == "" {
			return fmt.Errorf("popular_pairs entries need a ticker")
		}
	}
	for _, s := range c.Analysis.Sessions {
		if s.Name == "" {
			return fmt.Errorf("analysis.sessions entries need a name")
		}
	}
	return nil
}
