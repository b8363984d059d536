package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the configuration for the upload gateway
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Storage  StorageConfig  `yaml:"storage"`
	Auth     AuthConfig     `yaml:"auth"`
	Upload   UploadConfig   `yaml:"upload"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StorageConfig holds blob storage configuration
type StorageConfig struct {
	Type      string `yaml:"type"` // local, s3
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	LocalPath string `yaml:"local_path"`
}

// AuthConfig holds token verification settings
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	JWTExpiration time.Duration `yaml:"jwt_expiration"`
}

// CategoryConfig is one row of the upload category table: which content
// types are allowed, the maximum declared size, and the chunk size the
// client must split with.
type CategoryConfig struct {
	Name                string   `yaml:"name"`
	AllowedContentTypes []string `yaml:"allowed_content_types"`
	MaxSize             int64    `yaml:"max_size"`
	ChunkSize           int64    `yaml:"chunk_size"`
}

// Allows reports whether the category accepts the given content type
func (c *CategoryConfig) Allows(contentType string) bool {
	for _, allowed := range c.AllowedContentTypes {
		if allowed == "*" || strings.EqualFold(allowed, contentType) {
			return true
		}
	}
	return false
}

// UploadConfig holds per-category limits, tier connection ceilings and
// the stale-session sweep settings
type UploadConfig struct {
	Categories       map[string]CategoryConfig `yaml:"categories"`
	TierCeilings     map[string]int            `yaml:"tier_ceilings"`
	SweepInterval    time.Duration             `yaml:"sweep_interval"`
	InactivityWindow time.Duration             `yaml:"inactivity_window"`
	EventBuffer      int                       `yaml:"event_buffer"`
}

// Category looks up a category by name
func (u *UploadConfig) Category(name string) (CategoryConfig, bool) {
	cat, ok := u.Categories[name]
	return cat, ok
}

// CeilingFor returns the connection ceiling for a tier, falling back to
// the free tier's ceiling for unknown tiers
func (u *UploadConfig) CeilingFor(tier string) int {
	if n, ok := u.TierCeilings[tier]; ok {
		return n
	}
	return u.TierCeilings["free"]
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "chunkrelay"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "chunkrelay"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Storage: StorageConfig{
			Type:      getEnv("STORAGE_TYPE", "local"),
			Bucket:    getEnv("STORAGE_BUCKET", "chunkrelay-uploads"),
			Region:    getEnv("STORAGE_REGION", "us-east-1"),
			Endpoint:  getEnv("STORAGE_ENDPOINT", ""),
			AccessKey: getEnv("STORAGE_ACCESS_KEY", ""),
			SecretKey: getEnv("STORAGE_SECRET_KEY", ""),
			LocalPath: getEnv("STORAGE_LOCAL_PATH", "./uploads"),
		},
		Auth: AuthConfig{
			JWTSecret:     getEnv("JWT_SECRET", "your-secret-key"),
			JWTExpiration: getEnvDuration("JWT_EXPIRATION", 24*time.Hour),
		},
		Upload: UploadConfig{
			Categories:       getEnvCategories("UPLOAD_CATEGORIES", defaultCategories()),
			TierCeilings:     getEnvCeilings("TIER_CEILINGS", defaultCeilings()),
			SweepInterval:    getEnvDuration("UPLOAD_SWEEP_INTERVAL", 5*time.Minute),
			InactivityWindow: getEnvDuration("UPLOAD_INACTIVITY_WINDOW", 24*time.Hour),
			EventBuffer:      getEnvInt("UPLOAD_EVENT_BUFFER", 16),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

// DatabaseURL returns a PostgreSQL connection string
func (d *DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// RedisAddr returns the Redis address
func (r *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

func defaultCategories() map[string]CategoryConfig {
	return map[string]CategoryConfig{
		"document": {
			Name:                "document",
			AllowedContentTypes: []string{"application/pdf", "text/plain", "application/msword"},
			MaxSize:             64 << 20,
			ChunkSize:           1 << 20,
		},
		"image": {
			Name:                "image",
			AllowedContentTypes: []string{"image/png", "image/jpeg", "image/gif", "image/webp"},
			MaxSize:             32 << 20,
			ChunkSize:           1 << 20,
		},
		"video": {
			Name:                "video",
			AllowedContentTypes: []string{"video/mp4", "video/webm", "video/quicktime"},
			MaxSize:             4 << 30,
			ChunkSize:           8 << 20,
		},
		"archive": {
			Name:                "archive",
			AllowedContentTypes: []string{"application/zip", "application/gzip", "application/x-tar"},
			MaxSize:             1 << 30,
			ChunkSize:           8 << 20,
		},
	}
}

func defaultCeilings() map[string]int {
	return map[string]int{
		"free":       2,
		"pro":        8,
		"enterprise": 32,
	}
}

// getEnvCategories parses UPLOAD_CATEGORIES, a semicolon-separated list of
// name:type1|type2:maxSize:chunkSize entries, e.g.
// "image:image/png|image/jpeg:33554432:1048576;video:video/mp4:4294967296:8388608"
func getEnvCategories(key string, defaultValue map[string]CategoryConfig) map[string]CategoryConfig {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	categories := make(map[string]CategoryConfig)
	for _, entry := range strings.Split(value, ";") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 4 {
			continue
		}
		maxSize, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			continue
		}
		chunkSize, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil || chunkSize <= 0 {
			continue
		}
		categories[parts[0]] = CategoryConfig{
			Name:                parts[0],
			AllowedContentTypes: strings.Split(parts[1], "|"),
			MaxSize:             maxSize,
			ChunkSize:           chunkSize,
		}
	}

	if len(categories) == 0 {
		return defaultValue
	}
	return categories
}

// getEnvCeilings parses TIER_CEILINGS, e.g. "free=2,pro=8,enterprise=32"
func getEnvCeilings(key string, defaultValue map[string]int) map[string]int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	ceilings := make(map[string]int)
	for _, entry := range strings.Split(value, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), "=", 2)
		if len(parts) != 2 {
			continue
		}
		n, err := strconv.Atoi(parts[1])
		if err != nil || n < 0 {
			continue
		}
		ceilings[parts[0]] = n
	}

	if len(ceilings) == 0 {
		return defaultValue
	}
	return ceilings
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
