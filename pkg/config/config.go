package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database  DatabaseConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Generator GeneratorConfig
	Sync      SyncConfig
	Log       LogConfig
	Metrics   MetricsConfig
}

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	AutoMigrate bool
}

func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// RedisConfig is optional; an empty Addr disables the pass status store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// KafkaConfig is optional; no brokers disables summary publishing.
type KafkaConfig struct {
	Brokers        []string
	TopicSummaries string
}

func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

type GeneratorConfig struct {
	Interval     time.Duration
	BatchSize    int
	StationCount int
}

type SyncConfig struct {
	Interval        time.Duration
	PassTimeout     time.Duration
	ChangeRetention time.Duration
	CleanupInterval time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type MetricsConfig struct {
	Addr string
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	config := &Config{
		Database: DatabaseConfig{
			Host:        getEnv("DB_HOST", "localhost"),
			Port:        getEnvAsInt("DB_PORT", 5432),
			User:        getEnv("DB_USER", "airquality"),
			Password:    getEnv("DB_PASSWORD", "airquality"),
			DBName:      getEnv("DB_NAME", "airquality"),
			SSLMode:     getEnv("DB_SSLMODE", "disable"),
			AutoMigrate: getEnvAsBool("DB_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers:        splitList(getEnv("KAFKA_BROKERS", "")),
			TopicSummaries: getEnv("KAFKA_TOPIC_SUMMARIES", "airquality.summaries"),
		},
		Generator: GeneratorConfig{
			Interval:     getEnvAsDuration("GENERATOR_INTERVAL", 10*time.Second),
			BatchSize:    getEnvAsInt("BATCH_SIZE", 20),
			StationCount: getEnvAsInt("STATION_COUNT", 8),
		},
		Sync: SyncConfig{
			Interval:        getEnvAsDuration("SYNC_INTERVAL", time.Minute),
			PassTimeout:     getEnvAsDuration("SYNC_PASS_TIMEOUT", 30*time.Second),
			ChangeRetention: getEnvAsDuration("CHANGE_RETENTION", 48*time.Hour),
			CleanupInterval: getEnvAsDuration("CHANGE_CLEANUP_INTERVAL", time.Hour),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Addr: getEnv("METRICS_ADDR", ":9102"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate rejects settings that would make a scheduled task spin or a
// generated batch empty.
func (c *Config) Validate() error {
	durations := []struct {
		key   string
		value time.Duration
	}{
		{"GENERATOR_INTERVAL", c.Generator.Interval},
		{"SYNC_INTERVAL", c.Sync.Interval},
		{"SYNC_PASS_TIMEOUT", c.Sync.PassTimeout},
		{"CHANGE_RETENTION", c.Sync.ChangeRetention},
		{"CHANGE_CLEANUP_INTERVAL", c.Sync.CleanupInterval},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.key, d.value)
		}
	}
	if c.Generator.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.Generator.BatchSize)
	}
	if c.Generator.StationCount <= 0 {
		return fmt.Errorf("STATION_COUNT must be positive, got %d", c.Generator.StationCount)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.Log.Format)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
