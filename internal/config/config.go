package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the pdfarchive server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Storage   StorageConfig
	Intake    IntakeConfig
	Worker    WorkerConfig
	Converter ConverterConfig
	Auth      AuthConfig
}

type ServerConfig struct {
	Port     int
	Env      string
	LogLevel string
}

type DatabaseConfig struct {
	Driver          string
	URL             string
	SQLitePath      string
	MigrationsDir   string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type StorageConfig struct {
	UploadDir    string
	ConvertedDir string
}

type IntakeConfig struct {
	MaxFileSize    int64
	MaxFilesPerJob int
}

type WorkerConfig struct {
	Concurrency       int
	QueueSize         int
	ConvertTimeout    time.Duration
	TrackingRetention time.Duration
	FileRetention     time.Duration
	JanitorInterval   time.Duration
}

type ConverterConfig struct {
	Engine         string
	GhostscriptBin string
	OCRMyPDFBin    string
	VeraPDFBin     string
	// PDFADefinition is a Ghostscript PDFA_def.ps declaring the OutputIntent
	// ICC profile. Empty leaves gs to its built-in defaults.
	PDFADefinition string
}

type AuthConfig struct {
	APIKeyHashes            []string
	RequestsPerMinute       int
	UploadRequestsPerMinute int
}

var validDrivers = map[string]bool{
	"memory":   true,
	"postgres": true,
	"sqlite":   true,
}

var validEngines = map[string]bool{
	"ghostscript": true,
	"mock":        true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:     envInt("PDFA_PORT", 8080),
			Env:      envString("PDFA_ENV", "development"),
			LogLevel: strings.ToLower(envString("PDFA_LOG_LEVEL", "info")),
		},
		Database: DatabaseConfig{
			Driver:          envString("STORE_DRIVER", "memory"),
			URL:             os.Getenv("DATABASE_URL"),
			SQLitePath:      envString("SQLITE_PATH", "data/pdfarchive.db"),
			MigrationsDir:   envString("MIGRATIONS_DIR", "migrations"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Storage: StorageConfig{
			UploadDir:    envString("UPLOAD_DIR", "data/uploads"),
			ConvertedDir: envString("CONVERTED_DIR", "data/converted"),
		},
		Intake: IntakeConfig{
			MaxFileSize:    int64(envInt("MAX_FILE_SIZE_BYTES", 20*1024*1024)),
			MaxFilesPerJob: envInt("MAX_FILES_PER_JOB", 20),
		},
		Worker: WorkerConfig{
			Concurrency:       envInt("WORKER_CONCURRENCY", 4),
			QueueSize:         envInt("QUEUE_SIZE", 100),
			ConvertTimeout:    envDuration("CONVERT_TIMEOUT", 10*time.Minute),
			TrackingRetention: envDuration("TRACKING_RETENTION", 5*time.Minute),
			FileRetention:     envDuration("FILE_RETENTION", 24*time.Hour),
			JanitorInterval:   envDuration("JANITOR_INTERVAL", time.Minute),
		},
		Converter: ConverterConfig{
			Engine:         envString("CONVERTER_ENGINE", "ghostscript"),
			GhostscriptBin: envString("GHOSTSCRIPT_BIN", "gs"),
			OCRMyPDFBin:    envString("OCRMYPDF_BIN", "ocrmypdf"),
			VeraPDFBin:     envString("VERAPDF_BIN", "verapdf"),
			PDFADefinition: os.Getenv("PDFA_DEF_PS"),
		},
		Auth: AuthConfig{
			APIKeyHashes:            envList("API_KEY_HASHES"),
			RequestsPerMinute:       envInt("RATE_LIMIT_PER_MINUTE", 60),
			UploadRequestsPerMinute: envInt("UPLOAD_RATE_LIMIT_PER_MINUTE", 10),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("PDFA_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if !validLogLevels[c.Server.LogLevel] {
		return fmt.Errorf("PDFA_LOG_LEVEL must be one of debug, info, warn, error; got %q", c.Server.LogLevel)
	}

	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("STORE_DRIVER must be one of memory, postgres, sqlite; got %q", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is postgres")
	}
	if c.Database.Driver == "sqlite" && c.Database.SQLitePath == "" {
		return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is sqlite")
	}

	if c.Redis.URL != "" && !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	if c.Storage.UploadDir == "" || c.Storage.ConvertedDir == "" {
		return fmt.Errorf("UPLOAD_DIR and CONVERTED_DIR are required")
	}
	if c.Storage.UploadDir == c.Storage.ConvertedDir {
		return fmt.Errorf("UPLOAD_DIR and CONVERTED_DIR must be different directories")
	}

	if c.Intake.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE_BYTES must be positive")
	}
	if c.Intake.MaxFilesPerJob <= 0 {
		return fmt.Errorf("MAX_FILES_PER_JOB must be positive")
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	if c.Worker.QueueSize <= 0 {
		return fmt.Errorf("QUEUE_SIZE must be positive")
	}
	if c.Worker.ConvertTimeout < 0 {
		return fmt.Errorf("CONVERT_TIMEOUT must not be negative")
	}
	if c.Worker.JanitorInterval <= 0 {
		return fmt.Errorf("JANITOR_INTERVAL must be positive")
	}

	if !validEngines[c.Converter.Engine] {
		return fmt.Errorf("CONVERTER_ENGINE must be one of ghostscript, mock; got %q", c.Converter.Engine)
	}
	if def := c.Converter.PDFADefinition; def != "" {
		if _, err := os.Stat(def); err != nil {
			return fmt.Errorf("PDFA_DEF_PS is not readable: %w", err)
		}
	}

	for _, h := range c.Auth.APIKeyHashes {
		if !strings.HasPrefix(h, "$2") {
			return fmt.Errorf("API_KEY_HASHES must contain bcrypt hashes")
		}
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
