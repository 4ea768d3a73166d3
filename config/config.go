// Package config loads server configuration from an optional TOML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/oneagent/transportcore/protocol"
	"github.com/oneagent/transportcore/server"
)

// Environment variable names.
const (
	EnvPort                  = "ONEAGENT_MCP_PORT"
	EnvHost                  = "ONEAGENT_HOST"
	EnvDisableAutoMonitoring = "ONEAGENT_DISABLE_AUTO_MONITORING"
	EnvOAuthAuthorizationURL = "ONEAGENT_OAUTH_AUTHORIZATION_URL"
	EnvOAuthTokenURL         = "ONEAGENT_OAUTH_TOKEN_URL"
	EnvOAuthScopes           = "ONEAGENT_OAUTH_SCOPES"
)

type ServerConfig struct {
	Host                  string `toml:"host"`
	Port                  int    `toml:"port"`
	Name                  string `toml:"name"`
	Version               string `toml:"version"`
	Instructions          string `toml:"instructions"`
	SamplingEnabled       bool   `toml:"sampling_enabled"`
	DisableAutoMonitoring bool   `toml:"disable_auto_monitoring"`
}

type SessionConfig struct {
	TTLMinutes          int `toml:"ttl_minutes"`
	MaxEventsPerSession int `toml:"max_events_per_session"`
	EventMaxAgeMinutes  int `toml:"event_max_age_minutes"`
}

type OAuthConfig struct {
	AuthorizationURL string   `toml:"authorization_url"`
	TokenURL         string   `toml:"token_url"`
	Scopes           []string `toml:"scopes"`
}

type Config struct {
	Server  ServerConfig        `toml:"server"`
	Session SessionConfig       `toml:"session"`
	Origin  server.OriginConfig `toml:"origin"`
	OAuth   OAuthConfig         `toml:"oauth"`
}

// Default returns the baseline configuration before file and env
// overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "127.0.0.1",
			Port:    8700,
			Name:    "oneagent-transport-core",
			Version: "1.0.0",
		},
		Session: SessionConfig{
			TTLMinutes:          30,
			MaxEventsPerSession: 1000,
			EventMaxAgeMinutes:  60,
		},
		Origin: server.OriginConfig{
			AllowLocalhost:          true,
			AllowFileProtocol:       true,
			AllowVSCodeWebview:      true,
			LogUnauthorizedAttempts: true,
		},
	}
}

// Load reads the TOML file at path (optional) and applies environment
// overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Server.Port)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv(EnvHost); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv(EnvDisableAutoMonitoring); v != "" {
		c.Server.DisableAutoMonitoring = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv(EnvOAuthAuthorizationURL); v != "" {
		c.OAuth.AuthorizationURL = v
	}
	if v := os.Getenv(EnvOAuthTokenURL); v != "" {
		c.OAuth.TokenURL = v
	}
	if v := os.Getenv(EnvOAuthScopes); v != "" {
		c.OAuth.Scopes = strings.Split(v, ",")
	}
}

// Addr is the HTTP bind address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// SessionTTL returns the configured session lifetime.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.TTLMinutes) * time.Minute
}

// EventMaxAge returns the retention window for the event log.
func (c *Config) EventMaxAge() time.Duration {
	return time.Duration(c.Session.EventMaxAgeMinutes) * time.Minute
}

// OAuth2 returns the capability advertisement, or nil when OAuth is not
// configured.
func (c *Config) OAuth2() *protocol.OAuth2Capability {
	if c.OAuth.AuthorizationURL == "" || c.OAuth.TokenURL == "" {
		return nil
	}
	return &protocol.OAuth2Capability{
		AuthorizationURL: c.OAuth.AuthorizationURL,
		TokenURL:         c.OAuth.TokenURL,
		Scopes:           c.OAuth.Scopes,
	}
}
