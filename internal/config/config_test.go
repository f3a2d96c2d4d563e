package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalYAML = `
business_db:
  host: db.internal
  user: refunds
  password: secret
  database: billing
refund_store:
  backend: memory
auth:
  admin_api_key: key123
`

func TestLoadMinimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Errorf("default address = %q", cfg.Server.Address)
	}
	if cfg.Refund.DefaultFeeBps != 500 {
		t.Errorf("default fee bps = %d", cfg.Refund.DefaultFeeBps)
	}
	if cfg.Estimate.Workers != 5 {
		t.Errorf("default workers = %d", cfg.Estimate.Workers)
	}
	if got := cfg.BusinessDB.DSN(); got != "refunds:secret@tcp(db.internal:3306)/billing?parseTime=true&charset=utf8mb4" {
		t.Errorf("dsn = %q", got)
	}
}

func TestLoadMissingFileUsesEnv(t *testing.T) {
	t.Setenv("ZELO_MYSQL_HOST", "envhost")
	t.Setenv("ZELO_MYSQL_DATABASE", "envdb")
	t.Setenv("ZELO_REFUND_STORE_BACKEND", "memory")
	t.Setenv("ADMIN_API_KEY", "envkey")
	t.Setenv("ZELO_ADMIN_CORS_ORIGIN", "https://admin.example.com, https://ops.example.com")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BusinessDB.Host != "envhost" {
		t.Errorf("host = %q", cfg.BusinessDB.Host)
	}
	if cfg.Auth.AdminAPIKey != "envkey" {
		t.Errorf("admin key = %q", cfg.Auth.AdminAPIKey)
	}
	if len(cfg.Server.CORSAllowedOrigins) != 2 || cfg.Server.CORSAllowedOrigins[1] != "https://ops.example.com" {
		t.Errorf("cors = %v", cfg.Server.CORSAllowedOrigins)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("ZELO_MYSQL_HOST", "override.internal")

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BusinessDB.Host != "override.internal" {
		t.Errorf("host = %q, want env override", cfg.BusinessDB.Host)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing business db", `
refund_store:
  backend: memory
auth:
  admin_api_key: k
`},
		{"postgres backend without url", `
business_db:
  host: h
  database: d
refund_store:
  backend: postgres
auth:
  admin_api_key: k
`},
		{"no auth configured", `
business_db:
  host: h
  database: d
refund_store:
  backend: memory
`},
		{"unknown store backend", `
business_db:
  host: h
  database: d
refund_store:
  backend: sqlite
auth:
  admin_api_key: k
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.yaml)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
