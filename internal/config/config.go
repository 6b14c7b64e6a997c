package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Redis       RedisConfig       `yaml:"redis"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Game        GameConfig        `yaml:"game"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Consistency ConsistencyConfig `yaml:"consistency"`
	Leaderboard LeaderboardConfig `yaml:"leaderboard"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConnections  int           `yaml:"max_connections"`
	MinConnections  int           `yaml:"min_connections"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

// KafkaConfig holds Kafka connection configuration for claim ingestion
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	GroupID      string        `yaml:"group_id"`
	Enabled      bool          `yaml:"enabled"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// GameConfig holds game creation bounds and timing
type GameConfig struct {
	DefaultBoardSize  int           `yaml:"default_board_size"`
	DefaultMaxPlayers int           `yaml:"default_max_players"`
	MinPlayers        int           `yaml:"min_players"`
	DefaultDuration   time.Duration `yaml:"default_duration"`
	InviteTTL         time.Duration `yaml:"invite_ttl"`
}

// RateLimitConfig holds per-action token bucket rates
type RateLimitConfig struct {
	CellClaimsPerSecond float64 `yaml:"cell_claims_per_second"`
	APIRequestsPerMin   float64 `yaml:"api_requests_per_min"`
	WSMessagesPerSecond float64 `yaml:"ws_messages_per_second"`
}

// ConsistencyConfig holds the background reconcile worker configuration
type ConsistencyConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
	Enabled   bool          `yaml:"enabled"`
}

// LeaderboardConfig holds leaderboard read limits
type LeaderboardConfig struct {
	DefaultLimit int `yaml:"default_limit"`
	MaxLimit     int `yaml:"max_limit"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply defaults
	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 100
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 10
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}

	// PostgreSQL defaults
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 50
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 5
	}
	if c.Postgres.MaxConnLifetime == 0 {
		c.Postgres.MaxConnLifetime = 1 * time.Hour
	}
	if c.Postgres.MaxConnIdleTime == 0 {
		c.Postgres.MaxConnIdleTime = 30 * time.Minute
	}

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "claim-attempts"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "gridclaim-consumer"
	}
	if c.Kafka.BatchSize == 0 {
		c.Kafka.BatchSize = 100
	}
	if c.Kafka.BatchTimeout == 0 {
		c.Kafka.BatchTimeout = 1 * time.Second
	}

	// Game defaults
	if c.Game.DefaultBoardSize == 0 {
		c.Game.DefaultBoardSize = 8
	}
	if c.Game.DefaultMaxPlayers == 0 {
		c.Game.DefaultMaxPlayers = 4
	}
	if c.Game.MinPlayers == 0 {
		c.Game.MinPlayers = 2
	}
	if c.Game.InviteTTL == 0 {
		c.Game.InviteTTL = 10 * time.Minute
	}

	// Rate limit defaults
	if c.RateLimit.CellClaimsPerSecond == 0 {
		c.RateLimit.CellClaimsPerSecond = 10
	}
	if c.RateLimit.APIRequestsPerMin == 0 {
		c.RateLimit.APIRequestsPerMin = 100
	}
	if c.RateLimit.WSMessagesPerSecond == 0 {
		c.RateLimit.WSMessagesPerSecond = 50
	}

	// Consistency worker defaults
	if c.Consistency.Interval == 0 {
		c.Consistency.Interval = 5 * time.Minute
	}
	if c.Consistency.BatchSize == 0 {
		c.Consistency.BatchSize = 1000
	}

	// Leaderboard defaults
	if c.Leaderboard.DefaultLimit == 0 {
		c.Leaderboard.DefaultLimit = 100
	}
	if c.Leaderboard.MaxLimit == 0 {
		c.Leaderboard.MaxLimit = 1000
	}
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Consistency.Enabled = true
	return cfg
}
