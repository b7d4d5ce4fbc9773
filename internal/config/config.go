package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"entregas/internal/core"
)

type Config struct {
	// HTTP Server
	Port string

	// Storage
	SQLiteDBPath string
	FlatStoreDir string

	// Earnings rules
	FortnightQuota  int
	UnitBonus       string
	RetentionMonths int
	Timezone        string

	// Storage usage
	StoragePollInterval time.Duration
	StorageQuotaMB      int

	// AMQP (empty URL disables signaling)
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Edge
	EdgePort            string
	OriginURL           string
	ManifestFile        string
	OfflineCacheEntries int

	LogLevel string
}

func Load() *Config {
	cfg := &Config{
		Port:         getEnv("PORT", "8081"),
		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/entregas.db"),
		FlatStoreDir: getEnv("FLAT_STORE_DIR", "./data/flat"),

		FortnightQuota:  getEnvInt("FORTNIGHT_QUOTA", 200),
		UnitBonus:       getEnv("UNIT_BONUS", "5.50"),
		RetentionMonths: getEnvInt("RETENTION_MONTHS", 6),
		Timezone:        getEnv("TIMEZONE", "Local"),

		StoragePollInterval: getEnvDuration("STORAGE_POLL_INTERVAL", 30*time.Second),
		StorageQuotaMB:      getEnvInt("STORAGE_QUOTA_MB", 50),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "entregas"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "worker_signals"),

		EdgePort:            getEnv("EDGE_PORT", "8082"),
		OriginURL:           getEnv("ORIGIN_URL", "http://localhost:8081"),
		ManifestFile:        getEnv("MANIFEST_FILE", ""),
		OfflineCacheEntries: getEnvInt("OFFLINE_CACHE_ENTRIES", 256),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return cfg
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	for name, port := range map[string]string{"port": c.Port, "edge port": c.EdgePort} {
		if p, err := strconv.Atoi(port); err != nil {
			errors = append(errors, fmt.Sprintf("invalid %s '%s': must be a number", name, port))
		} else if p < 1 || p > 65535 {
			errors = append(errors, fmt.Sprintf("invalid %s %d: must be between 1 and 65535", name, p))
		}
	}

	if c.SQLiteDBPath == "" {
		errors = append(errors, "SQLite database path cannot be empty")
	} else {
		dir := filepath.Dir(c.SQLiteDBPath)
		if dir != "." && dir != "" {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0755); err != nil {
					errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
				}
			}
		}
	}

	if c.FlatStoreDir == "" {
		errors = append(errors, "flat store directory cannot be empty")
	}

	if c.FortnightQuota < 1 {
		errors = append(errors, fmt.Sprintf("invalid fortnight quota %d: must be at least 1", c.FortnightQuota))
	}

	if _, err := core.ParseMoney(c.UnitBonus); err != nil {
		errors = append(errors, fmt.Sprintf("invalid unit bonus '%s': must be a positive amount", c.UnitBonus))
	}

	if c.RetentionMonths < 1 {
		errors = append(errors, fmt.Sprintf("invalid retention %d months: must be at least 1", c.RetentionMonths))
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errors = append(errors, fmt.Sprintf("invalid timezone '%s': %v", c.Timezone, err))
	}

	if c.StoragePollInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid storage poll interval %v: must be at least 1 second", c.StoragePollInterval))
	} else if c.StoragePollInterval > 24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid storage poll interval %v: must be at most 24 hours", c.StoragePollInterval))
	}

	if c.StorageQuotaMB < 1 {
		errors = append(errors, fmt.Sprintf("invalid storage quota %d MB: must be at least 1", c.StorageQuotaMB))
	}

	// Validate AMQP URL if provided
	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	if parsedURL, err := url.Parse(c.OriginURL); err != nil || parsedURL.Host == "" {
		errors = append(errors, fmt.Sprintf("invalid origin URL '%s': must be an absolute URL", c.OriginURL))
	} else if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		errors = append(errors, fmt.Sprintf("invalid origin URL scheme '%s': must be 'http' or 'https'", parsedURL.Scheme))
	}

	if c.ManifestFile != "" {
		if _, err := os.Stat(c.ManifestFile); os.IsNotExist(err) {
			errors = append(errors, fmt.Sprintf("manifest file does not exist: %s", c.ManifestFile))
		}
	}

	if c.OfflineCacheEntries < 1 {
		errors = append(errors, fmt.Sprintf("invalid offline cache entries %d: must be at least 1", c.OfflineCacheEntries))
	}

	// Return combined errors
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// Location resolves Timezone, falling back to the local zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// UnitBonusMoney returns the parsed unit bonus. Call after Validate.
func (c *Config) UnitBonusMoney() core.Money {
	m, _ := core.ParseMoney(c.UnitBonus)
	return m
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
