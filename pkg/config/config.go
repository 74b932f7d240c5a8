// Package config loads node settings from the environment and deployment
// descriptions from YAML.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// Config holds server configuration.
type Config struct {
	Port           string
	HealthPort     string
	LogLevel       string
	DatabaseURL    string
	DataDir        string
	ChainID        uint64
	DeploymentFile string
	DevSeed        string
	JWTSecret      string
	RedisAddr      string
	RateLimitRPS   float64
	RateLimitBurst int
	OTelEnabled    bool
	OTelEndpoint   string
	Export         ExportConfig

	invalid []error
}

// ExportConfig selects the blob store receipt bundles are exported to.
type ExportConfig struct {
	StorageType string
	Bucket      string
	Region      string
	Endpoint    string
	Prefix      string
}

// Load loads configuration from environment variables. Malformed numeric
// values are reported by Validate.
func Load() *Config {
	c := &Config{
		Port:           getenv("PORT", "8080"),
		HealthPort:     getenv("HEALTH_PORT", "8081"),
		LogLevel:       strings.ToUpper(getenv("LOG_LEVEL", "INFO")),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		DataDir:        getenv("DATA_DIR", "data"),
		DeploymentFile: os.Getenv("DEPLOYMENT_FILE"),
		DevSeed:        os.Getenv("DEV_SEED"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		OTelEnabled:    os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint:   getenv("OTEL_ENDPOINT", "localhost:4317"),
		Export: ExportConfig{
			StorageType: getenv("EXPORT_STORAGE_TYPE", "fs"),
			Bucket:      os.Getenv("EXPORT_BUCKET"),
			Region:      getenv("EXPORT_REGION", os.Getenv("AWS_REGION")),
			Endpoint:    os.Getenv("EXPORT_ENDPOINT"),
			Prefix:      os.Getenv("EXPORT_PREFIX"),
		},
	}
	c.ChainID = c.uintEnv("CHAIN_ID", 31337)
	c.RateLimitRPS = c.floatEnv("RATE_LIMIT_RPS", 50)
	c.RateLimitBurst = int(c.uintEnv("RATE_LIMIT_BURST", 100))
	return c
}

// Validate reports every problem with the loaded configuration.
func (c *Config) Validate() error {
	var result *multierror.Error
	for _, err := range c.invalid {
		result = multierror.Append(result, err)
	}
	switch c.LogLevel {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		result = multierror.Append(result, fmt.Errorf("LOG_LEVEL: unknown level %q", c.LogLevel))
	}
	if c.ChainID == 0 {
		result = multierror.Append(result, fmt.Errorf("CHAIN_ID: must be positive"))
	}
	if c.RateLimitRPS <= 0 {
		result = multierror.Append(result, fmt.Errorf("RATE_LIMIT_RPS: must be positive"))
	}
	if c.Export.StorageType != "fs" && c.Export.Bucket == "" {
		result = multierror.Append(result, fmt.Errorf("EXPORT_BUCKET: required for %s storage", c.Export.StorageType))
	}
	return result.ErrorOrNil()
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (c *Config) uintEnv(key string, def uint64) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		c.invalid = append(c.invalid, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (c *Config) floatEnv(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		c.invalid = append(c.invalid, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}
