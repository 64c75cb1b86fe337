package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dashboard service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	MISP      MISPConfig      `yaml:"misp"`
	Feed      FeedConfig      `yaml:"feed"`
	Exercise  ExerciseConfig  `yaml:"exercise"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Predicate PredicateConfig `yaml:"predicate"`
	Engine    EngineConfig    `yaml:"engine"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// MISPConfig holds the monitored MISP instance connection settings.
type MISPConfig struct {
	URL       string `yaml:"url"`
	APIKey    string `yaml:"api_key"`
	SkipSSL   bool   `yaml:"skip_ssl"`
	UserAgent string `yaml:"user_agent"`
}

// FeedConfig holds the live audit-event subscription settings.
type FeedConfig struct {
	RedisAddress  string   `yaml:"redis_address"`
	RedisPassword string   `yaml:"redis_password"`
	RedisDB       int      `yaml:"redis_db"`
	Topics        []string `yaml:"topics"`
}

// ExerciseConfig holds the exercise definition source.
type ExerciseConfig struct {
	Dir string `yaml:"dir"`
}

// SnapshotConfig selects and configures the progress persistence backend.
type SnapshotConfig struct {
	Backend  string        `yaml:"backend"` // "file" or "postgres"
	Path     string        `yaml:"path"`
	DSN      string        `yaml:"dsn"`
	Interval time.Duration `yaml:"interval"`
}

// PredicateConfig holds the remote sandboxed-script evaluator endpoint.
type PredicateConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// EngineConfig holds evaluation engine tunables.
type EngineConfig struct {
	DebounceSeconds   int           `yaml:"debounce_seconds"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	HistoryInterval   time.Duration `yaml:"history_interval"`
	ActivityInterval  time.Duration `yaml:"activity_interval"`
}

// Load builds the configuration from environment variables with defaults,
// optionally overlaid by the YAML file named in SKILLAEGIS_CONFIG.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnvAsInt("SERVER_PORT", 4001),
		},
		MISP: MISPConfig{
			URL:       getEnv("MISP_URL", "https://localhost"),
			APIKey:    getEnv("MISP_APIKEY", ""),
			SkipSSL:   getEnvAsBool("MISP_SKIP_SSL", true),
			UserAgent: getEnv("MISP_USER_AGENT", "SkillAegis"),
		},
		Feed: FeedConfig{
			RedisAddress:  getEnv("FEED_REDIS_ADDRESS", "localhost:6379"),
			RedisPassword: getEnv("FEED_REDIS_PASSWORD", ""),
			RedisDB:       getEnvAsInt("FEED_REDIS_DB", 0),
			Topics:        []string{"misp_json_audit", "misp_json", "misp_json_self"},
		},
		Exercise: ExerciseConfig{
			Dir: getEnv("EXERCISE_DIR", "./exercises"),
		},
		Snapshot: SnapshotConfig{
			Backend:  getEnv("SNAPSHOT_BACKEND", "file"),
			Path:     getEnv("SNAPSHOT_PATH", "backup.json"),
			DSN:      getEnv("SNAPSHOT_DSN", ""),
			Interval: getEnvAsDuration("SNAPSHOT_INTERVAL", 5*time.Second),
		},
		Predicate: PredicateConfig{
			URL:     getEnv("PREDICATE_URL", "http://localhost:9573"),
			Timeout: getEnvAsDuration("PREDICATE_TIMEOUT", 30*time.Second),
		},
		Engine: EngineConfig{
			DebounceSeconds:   getEnvAsInt("ENGINE_DEBOUNCE_SECONDS", 2),
			KeepaliveInterval: getEnvAsDuration("ENGINE_KEEPALIVE_INTERVAL", 5*time.Second),
			HistoryInterval:   getEnvAsDuration("ENGINE_HISTORY_INTERVAL", 5*time.Second),
			ActivityInterval:  getEnvAsDuration("ENGINE_ACTIVITY_INTERVAL", 30*time.Second),
		},
	}

	if path := os.Getenv("SKILLAEGIS_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Exercise.Dir == "" {
		return fmt.Errorf("exercise directory is required")
	}
	switch c.Snapshot.Backend {
	case "file":
		if c.Snapshot.Path == "" {
			return fmt.Errorf("snapshot path is required for the file backend")
		}
	case "postgres":
		if c.Snapshot.DSN == "" {
			return fmt.Errorf("snapshot DSN is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown snapshot backend: %s", c.Snapshot.Backend)
	}
	if c.Engine.DebounceSeconds < 0 {
		return fmt.Errorf("debounce seconds must not be negative")
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
