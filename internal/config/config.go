package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from an optional YAML file and applies environment
// variable overrides. A missing file is not an error; env-only deployments are
// the common case.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// fall through to env-only configuration
		default:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration{15 * time.Second},
			WriteTimeout: Duration{60 * time.Second},
			IdleTimeout:  Duration{90 * time.Second},
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Environment: "production",
		},
		BusinessDB: BusinessDBConfig{
			Port:         3306,
			MaxOpenConns: 20,
			MaxIdleConns: 5,
			ConnLifetime: Duration{30 * time.Minute},
		},
		RefundStore: RefundStoreConfig{
			Backend:   "postgres",
			TableName: "refund_logs",
		},
		Aggregator: AggregatorConfig{
			SignType: "RSA2",
		},
		Refund: RefundConfig{
			DefaultFeeBps:   500,
			ProviderTimeout: Duration{30 * time.Second},
		},
		Estimate: EstimateConfig{
			Workers: 5,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 300,
		},
	}
}

func (c *Config) validate() error {
	if c.BusinessDB.Host == "" || c.BusinessDB.Database == "" {
		return fmt.Errorf("config: business database host and database are required")
	}
	switch c.RefundStore.Backend {
	case "postgres":
		if c.RefundStore.PostgresURL == "" {
			return fmt.Errorf("config: refund store postgres_url required for postgres backend")
		}
	case "mongodb":
		if c.RefundStore.MongoURL == "" || c.RefundStore.MongoDatabase == "" {
			return fmt.Errorf("config: refund store mongo_url and mongo_database required for mongodb backend")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown refund store backend %q", c.RefundStore.Backend)
	}
	if c.Auth.AdminAPIKey == "" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("config: at least one of admin_api_key or jwt_secret must be set")
	}
	if c.Refund.DefaultFeeBps < 0 || c.Refund.DefaultFeeBps > 10000 {
		return fmt.Errorf("config: default_fee_bps must be within [0, 10000]")
	}
	if c.Estimate.Workers <= 0 {
		c.Estimate.Workers = 5
	}
	return nil
}
