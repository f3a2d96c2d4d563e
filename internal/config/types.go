package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	BusinessDB  BusinessDBConfig  `yaml:"business_db"`
	RefundStore RefundStoreConfig `yaml:"refund_store"`
	Aggregator  AggregatorConfig  `yaml:"aggregator"`
	Card        CardConfig        `yaml:"card"`
	Auth        AuthConfig        `yaml:"auth"`
	Refund      RefundConfig      `yaml:"refund"`
	Estimate    EstimateConfig    `yaml:"estimate"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"` // json | console
	Environment string `yaml:"environment"`
}

// BusinessDBConfig holds the MySQL business database connection parameters.
// The business DB owns users and top-up records.
type BusinessDBConfig struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	User         string   `yaml:"user"`
	Password     string   `yaml:"password"`
	Database     string   `yaml:"database"`
	MaxOpenConns int      `yaml:"max_open_conns"`
	MaxIdleConns int      `yaml:"max_idle_conns"`
	ConnLifetime Duration `yaml:"conn_lifetime"`
}

// DSN renders the MySQL connection string.
func (b BusinessDBConfig) DSN() string {
	port := b.Port
	if port == 0 {
		port = 3306
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4", b.User, b.Password, b.Host, port, b.Database)
}

// RefundStoreConfig holds the refund audit store configuration.
type RefundStoreConfig struct {
	Backend       string `yaml:"backend"` // postgres | mongodb | memory
	PostgresURL   string `yaml:"postgres_url"`
	MongoURL      string `yaml:"mongo_url"`
	MongoDatabase string `yaml:"mongo_database"`
	TableName     string `yaml:"table_name"` // default "refund_logs"
}

// AggregatorConfig holds the Alipay/WeChat aggregator gateway configuration.
type AggregatorConfig struct {
	BaseURL string `yaml:"base_url"`
	PID     string `yaml:"pid"`
	// PrivateKey accepts PEM, base64-wrapped PEM, or base64 DER
	// (PKCS#8, PKCS#1, or SPKI for the public key).
	PrivateKey string `yaml:"private_key"`
	PublicKey  string `yaml:"public_key"`
	SignType   string `yaml:"sign_type"` // RSA2 (SHA-256, default) | RSA (SHA-1)
}

// CardConfig holds the card processor configuration.
type CardConfig struct {
	SecretKey string `yaml:"secret_key"`
}

// AuthConfig holds administrator authentication configuration.
type AuthConfig struct {
	// AdminAPIKey is an optional shared secret accepted as a bearer token.
	AdminAPIKey string `yaml:"admin_api_key"`
	// JWTSecret verifies HS256 admin tokens.
	JWTSecret string `yaml:"jwt_secret"`
	// AdminEmails is the allowlist checked against the token subject/email.
	AdminEmails []string `yaml:"admin_emails"`
}

// RefundConfig holds execution engine defaults.
type RefundConfig struct {
	DefaultFeeBps  int64  `yaml:"default_fee_bps"`
	MinRefundYuan  string `yaml:"min_refund_yuan"`
	MaxRefundYuan  string `yaml:"max_refund_yuan"`
	ProviderTimeout Duration `yaml:"provider_timeout"`
}

// EstimateConfig holds fleet estimate job configuration.
type EstimateConfig struct {
	Workers int `yaml:"workers"` // card listing pool width, default 5
}

// RateLimitConfig bounds admin API request rates.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
}
