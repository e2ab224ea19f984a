package config

import (
	"strings"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Database: DatabaseConfig{URL: "postgres://localhost/dispatch"},
		Auth: AuthConfig{
			AccessSecret:  strings.Repeat("a", 32),
			RefreshSecret: strings.Repeat("b", 32),
		},
	}
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
}

func TestValidateRequiresDatabaseURL(t *testing.T) {
	cfg := validConfig()
	cfg.Database.URL = "  "
	if err := cfg.Validate(); err == nil {
		t.Fatal("empty DATABASE_URL must fail validation")
	}
}

func TestValidateRequiresLongSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Auth.AccessSecret = "short"
	if err := cfg.Validate(); err == nil {
		t.Fatal("short access secret must fail validation")
	}

	cfg = validConfig()
	cfg.Auth.RefreshSecret = "short"
	if err := cfg.Validate(); err == nil {
		t.Fatal("short refresh secret must fail validation")
	}
}

func TestValidateRejectsSharedSecret(t *testing.T) {
	cfg := validConfig()
	cfg.Auth.RefreshSecret = cfg.Auth.AccessSecret
	if err := cfg.Validate(); err == nil {
		t.Fatal("access and refresh secrets must differ")
	}
}

func TestAddr(t *testing.T) {
	cfg := validConfig()
	cfg.Server = ServerConfig{Host: "127.0.0.1", Port: 9090}
	if got := cfg.Addr(); got != "127.0.0.1:9090" {
		t.Fatalf("Addr() = %q", got)
	}
}
