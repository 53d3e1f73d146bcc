package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	DBSchema    string `mapstructure:"DB_SCHEMA"`
	SQLitePath  string `mapstructure:"SQLITE_PATH"`

	DataDir       string `mapstructure:"DATA_DIR"`
	FileExt       string `mapstructure:"FILE_EXT"`
	OutputDir     string `mapstructure:"OUTPUT_DIR"`
	ThumbnailSize int    `mapstructure:"THUMBNAIL_SIZE"`
	JPEGQuality   int    `mapstructure:"JPEG_QUALITY"`
	AtomicUpsert  bool   `mapstructure:"ATOMIC_UPSERT"`
	ResolverCache bool   `mapstructure:"RESOLVER_CACHE"`

	ThumbnailStore string `mapstructure:"THUMBNAIL_STORE"`
	S3Bucket       string `mapstructure:"S3_BUCKET"`
	S3Region       string `mapstructure:"S3_REGION"`
	S3Endpoint     string `mapstructure:"S3_ENDPOINT"`
	S3Prefix       string `mapstructure:"S3_PREFIX"`
	S3PathStyle    bool   `mapstructure:"S3_PATH_STYLE"`

	MetricsTextfile string `mapstructure:"METRICS_TEXTFILE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA", "SQLITE_PATH",
	"DATA_DIR", "FILE_EXT", "OUTPUT_DIR", "THUMBNAIL_SIZE", "JPEG_QUALITY", "ATOMIC_UPSERT", "RESOLVER_CACHE",
	"THUMBNAIL_STORE", "S3_BUCKET", "S3_REGION", "S3_ENDPOINT", "S3_PREFIX", "S3_PATH_STYLE",
	"METRICS_TEXTFILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", "postgres")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("DB_SCHEMA", "dicom_dw")
	v.SetDefault("SQLITE_PATH", "data/dicom_dw.db")
	v.SetDefault("DATA_DIR", "data/dicom_dir")
	v.SetDefault("FILE_EXT", ".dcm")
	v.SetDefault("OUTPUT_DIR", "data/jpeg_images")
	v.SetDefault("THUMBNAIL_SIZE", 256)
	v.SetDefault("JPEG_QUALITY", 90)
	v.SetDefault("ATOMIC_UPSERT", false)
	v.SetDefault("RESOLVER_CACHE", true)
	v.SetDefault("THUMBNAIL_STORE", "local")
	v.SetDefault("S3_REGION", "us-east-1")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.ThumbnailStore = strings.ToLower(strings.TrimSpace(cfg.ThumbnailStore))
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is usable for the selected store
// and thumbnail backends.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is \"postgres\"")
		}
		if c.DBMaxConns < 1 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) and DB_MAX_CONNS (%d) must satisfy 0 <= min <= max, max >= 1", c.DBMinConns, c.DBMaxConns)
		}
		if c.DBSchema == "" {
			return fmt.Errorf("DB_SCHEMA must not be empty")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is \"sqlite\"")
		}
	case "memory":
	default:
		return fmt.Errorf("STORE_DRIVER must be \"postgres\", \"sqlite\", or \"memory\", got %q", c.StoreDriver)
	}

	switch c.ThumbnailStore {
	case "local":
		if c.OutputDir == "" {
			return fmt.Errorf("OUTPUT_DIR is required when THUMBNAIL_STORE is \"local\"")
		}
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when THUMBNAIL_STORE is \"s3\"")
		}
	default:
		return fmt.Errorf("THUMBNAIL_STORE must be \"local\" or \"s3\", got %q", c.ThumbnailStore)
	}

	if c.ThumbnailSize < 1 {
		return fmt.Errorf("THUMBNAIL_SIZE must be positive, got %d", c.ThumbnailSize)
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("JPEG_QUALITY must be between 1 and 100, got %d", c.JPEGQuality)
	}
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR must not be empty")
	}
	return nil
}
