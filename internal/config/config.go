package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
)

// Stations is the fixed set of weather stations served by this deployment.
var Stations = []string{"mythenquai", "tiefenbrunnen"}

// Config is the process configuration. It is built once by LoadConfig and
// treated as read-only afterwards.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Logging   LoggingConfig
	Remote    RemoteConfig
	Ingestion IngestionConfig
	Stations  []string
	Timezone  string
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds store connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	Schema          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level string
}

// RemoteConfig holds upstream API settings
type RemoteConfig struct {
	BaseURL        string
	CSVBaseURL     string
	RequestTimeout time.Duration
	RetryDelay     time.Duration
}

// IngestionConfig holds catch-up and seed settings
type IngestionConfig struct {
	PollInterval        time.Duration
	RestartDelay        time.Duration
	HealthInterval      time.Duration
	ForceQueryLastEntry bool
	// EmptyStationStart is the first day fetched for a station without data.
	// Zero means today.
	EmptyStationStart time.Time
	CSVDir            string
	CSVChunkSize      int
	SeedOnStart       bool
	DownloadCSV       bool
}

// LoadConfig reads configuration from the environment, optionally from a .env
// file, falling back to fixed defaults.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load(".env")

	var errs []error

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 6540, &errs),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second, &errs),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second, &errs),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second, &errs),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432, &errs),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", "postgres"),
			Database:        getEnv("DB_NAME", "postgres"),
			Schema:          getEnv("DB_SCHEMA", "meteorology"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 10, &errs),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5, &errs),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute, &errs),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute, &errs),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Remote: RemoteConfig{
			BaseURL:        strings.TrimRight(getEnv("REMOTE_BASE_URL", "https://tecdottir.herokuapp.com"), "/"),
			CSVBaseURL:     strings.TrimRight(getEnv("REMOTE_CSV_BASE_URL", "https://data.stadt-zuerich.ch/dataset/sid_wapo_wetterstationen/download"), "/"),
			RequestTimeout: getEnvDuration("REMOTE_REQUEST_TIMEOUT", 60*time.Second, &errs),
			RetryDelay:     getEnvDuration("REMOTE_RETRY_DELAY", 10*time.Second, &errs),
		},
		Ingestion: IngestionConfig{
			PollInterval:        getEnvDuration("POLL_INTERVAL", 10*time.Minute, &errs),
			RestartDelay:        getEnvDuration("RESTART_DELAY", 3*time.Second, &errs),
			HealthInterval:      getEnvDuration("HEALTH_INTERVAL", 60*time.Second, &errs),
			ForceQueryLastEntry: getEnvBool("FORCE_QUERY_LAST_ENTRY", false),
			CSVDir:              getEnv("CSV_DIR", "./csv"),
			CSVChunkSize:        getEnvInt("CSV_CHUNK_SIZE", 10000, &errs),
			SeedOnStart:         getEnvBool("SEED_ON_START", true),
			DownloadCSV:         getEnvBool("DOWNLOAD_CSV", true),
		},
		Stations: append([]string(nil), Stations...),
		Timezone: getEnv("TIMEZONE", "Europe/Zurich"),
	}

	if v := strings.TrimSpace(os.Getenv("BACKFILL_START")); v != "" {
		start, err := time.Parse("2006-01-02", v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid BACKFILL_START: %w", err))
		} else {
			cfg.Ingestion.EmptyStationStart = start
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// Validate checks the configuration for values the service cannot run with
func (c *Config) Validate() error {
	if len(c.Stations) == 0 {
		return errors.New("at least one station is required")
	}
	if c.Database.Host == "" {
		return errors.New("database host is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("invalid database port %d", c.Database.Port)
	}
	if c.Database.Schema == "" {
		return errors.New("database schema is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Remote.BaseURL == "" {
		return errors.New("remote base url is required")
	}
	if c.Remote.RetryDelay <= 0 {
		return errors.New("remote retry delay must be positive")
	}
	if c.Ingestion.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if c.Ingestion.RestartDelay <= 0 {
		return errors.New("restart delay must be positive")
	}
	if c.Ingestion.CSVChunkSize <= 0 {
		return errors.New("csv chunk size must be positive")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// HasStation reports whether station is configured.
func (c *Config) HasStation(station string) bool {
	for _, s := range c.Stations {
		if s == station {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int, errs *[]error) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return defaultValue
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return defaultValue
	}
	return d
}

func getEnvBool(key string, defaultValue bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
}
