// Package config loads the IDIS_* environment and the optional deployment
// profile.
//
// Loading never invents security posture: a missing IDIS_SERVICE_REGION
// leaves residency in its fail-closed deny state, and a missing
// IDIS_BREAK_GLASS_SECRET disables break-glass issuance entirely. Only
// operational conveniences (port, log level, artifact directory) default.
package config

import (
	"fmt"
	"os"
	"strings"
)

// Config is the process configuration read from the environment.
type Config struct {
	Port        string
	LogLevel    string
	Environment string

	// DatabaseURL empty selects lite mode: in-memory repositories with a
	// sqlite audit archive. DatabaseAdminURL is used only by migrations.
	DatabaseURL      string
	DatabaseAdminURL string

	// APIKeysJSON is the IDIS_API_KEYS_JSON document mapping API keys to
	// tenant principals. Empty means no key authenticates.
	APIKeysJSON string

	// AuditLogPath is the append-only JSON-lines audit sink. Required: a
	// deployment without a durable audit path cannot accept mutations.
	AuditLogPath string

	// BreakGlassSecret signs override tokens. Empty disables issuance;
	// verification against an empty secret always fails.
	BreakGlassSecret string

	// ServiceRegion pins this deployment's residency region. Empty keeps
	// the residency gate denying every /v1 request.
	ServiceRegion string

	// ProfilePath points at the optional deployment profile YAML.
	ProfilePath string

	OTELEnabled  bool
	RequireOTEL  bool
	OTLPEndpoint string

	Neo4jURI      string
	Neo4jUsername string
	Neo4jPassword string
}

// Load reads the environment. It never fails: absent security settings load
// as absent and the perimeter denies accordingly. Validate reports what a
// production deployment is missing.
func Load() *Config {
	c := &Config{
		Port:        envOr("IDIS_PORT", "8080"),
		LogLevel:    envOr("IDIS_LOG_LEVEL", "INFO"),
		Environment: envOr("IDIS_ENV", "development"),

		DatabaseURL:      os.Getenv("IDIS_DATABASE_URL"),
		DatabaseAdminURL: os.Getenv("IDIS_DATABASE_ADMIN_URL"),
		APIKeysJSON:      os.Getenv("IDIS_API_KEYS_JSON"),
		AuditLogPath:     os.Getenv("IDIS_AUDIT_LOG_PATH"),
		BreakGlassSecret: os.Getenv("IDIS_BREAK_GLASS_SECRET"),
		ServiceRegion:    strings.TrimSpace(os.Getenv("IDIS_SERVICE_REGION")),
		ProfilePath:      os.Getenv("IDIS_PROFILE_PATH"),

		OTELEnabled:  boolEnv("IDIS_OTEL_ENABLED"),
		RequireOTEL:  boolEnv("IDIS_REQUIRE_OTEL"),
		OTLPEndpoint: envOr("IDIS_OTLP_ENDPOINT", "localhost:4317"),

		Neo4jURI:      os.Getenv("NEO4J_URI"),
		Neo4jUsername: os.Getenv("NEO4J_USERNAME"),
		Neo4jPassword: os.Getenv("NEO4J_PASSWORD"),
	}
	return c
}

// LiteMode reports whether the deployment runs without Postgres.
func (c *Config) LiteMode() bool { return c.DatabaseURL == "" }

// Production reports whether IDIS_ENV names a production deployment.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

// BreakGlassEnabled reports whether override tokens can be issued.
func (c *Config) BreakGlassEnabled() bool { return c.BreakGlassSecret != "" }

// GraphConfigured reports whether a Neo4j projection target is set.
func (c *Config) GraphConfigured() bool { return c.Neo4jURI != "" }

// Validate enforces the settings a production deployment must carry.
// Development deployments may run degraded; production may not.
func (c *Config) Validate() error {
	if !c.Production() {
		return nil
	}
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "IDIS_DATABASE_URL")
	}
	if c.APIKeysJSON == "" {
		missing = append(missing, "IDIS_API_KEYS_JSON")
	}
	if c.AuditLogPath == "" {
		missing = append(missing, "IDIS_AUDIT_LOG_PATH")
	}
	if c.ServiceRegion == "" {
		missing = append(missing, "IDIS_SERVICE_REGION")
	}
	if c.BreakGlassSecret == "" {
		missing = append(missing, "IDIS_BREAK_GLASS_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: production requires %s", strings.Join(missing, ", "))
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func boolEnv(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
