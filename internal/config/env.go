package config

import (
	"os"
	"strconv"
	"strings"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use the ZELO_ prefix for namespace isolation, except
// ADMIN_API_KEY and PORT, which are also honored without prefix for operator
// convenience; PORT sets the listen address to ":<PORT>".
func (c *Config) applyEnvOverrides() {
	// Server
	setIfEnv(&c.Server.Address, "ZELO_SERVER_ADDRESS")
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Address = ":" + port
	}
	setSliceIfEnv(&c.Server.CORSAllowedOrigins, "ZELO_ADMIN_CORS_ORIGIN")

	// Logging
	setIfEnv(&c.Logging.Level, "ZELO_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "ZELO_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "ZELO_ENVIRONMENT")

	// Business database
	setIfEnv(&c.BusinessDB.Host, "ZELO_MYSQL_HOST")
	setIntIfEnv(&c.BusinessDB.Port, "ZELO_MYSQL_PORT")
	setIfEnv(&c.BusinessDB.User, "ZELO_MYSQL_USER")
	setIfEnv(&c.BusinessDB.Password, "ZELO_MYSQL_PASSWORD")
	setIfEnv(&c.BusinessDB.Database, "ZELO_MYSQL_DATABASE")

	// Refund audit store
	setIfEnv(&c.RefundStore.Backend, "ZELO_REFUND_STORE_BACKEND")
	setIfEnv(&c.RefundStore.PostgresURL, "ZELO_REFUND_STORE_URL")
	setIfEnv(&c.RefundStore.MongoURL, "ZELO_REFUND_STORE_MONGO_URL")
	setIfEnv(&c.RefundStore.MongoDatabase, "ZELO_REFUND_STORE_MONGO_DATABASE")
	setIfEnv(&c.RefundStore.TableName, "ZELO_REFUND_STORE_TABLE")

	// Aggregator gateway
	setIfEnv(&c.Aggregator.BaseURL, "ZELO_AGGREGATOR_BASE_URL")
	setIfEnv(&c.Aggregator.PID, "ZELO_AGGREGATOR_PID")
	setIfEnv(&c.Aggregator.PrivateKey, "ZELO_AGGREGATOR_PRIVATE_KEY")
	setIfEnv(&c.Aggregator.PublicKey, "ZELO_AGGREGATOR_PUBLIC_KEY")
	setIfEnv(&c.Aggregator.SignType, "ZELO_AGGREGATOR_SIGN_TYPE")

	// Card processor
	setIfEnv(&c.Card.SecretKey, "ZELO_STRIPE_SECRET_KEY")

	// Auth
	setIfEnv(&c.Auth.AdminAPIKey, "ZELO_ADMIN_API_KEY")
	setIfEnv(&c.Auth.AdminAPIKey, "ADMIN_API_KEY")
	setIfEnv(&c.Auth.JWTSecret, "ZELO_ADMIN_JWT_SECRET")
	setSliceIfEnv(&c.Auth.AdminEmails, "ZELO_ADMIN_EMAILS")

	// Refund engine
	setInt64IfEnv(&c.Refund.DefaultFeeBps, "ZELO_DEFAULT_FEE_BPS")
	setIfEnv(&c.Refund.MinRefundYuan, "ZELO_MIN_REFUND_YUAN")
	setIfEnv(&c.Refund.MaxRefundYuan, "ZELO_MAX_REFUND_YUAN")

	// Estimate job
	setIntIfEnv(&c.Estimate.Workers, "ZELO_ESTIMATE_WORKERS")

	// Rate limiting
	setIntIfEnv(&c.RateLimit.RequestsPerMinute, "ZELO_RATE_LIMIT_PER_MINUTE")
}

func setIfEnv(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func setInt64IfEnv(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = n
		}
	}
}

func setSliceIfEnv(target *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		*target = out
	}
}
