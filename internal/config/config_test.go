package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("APP_ENV", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.API.Timeout)
	assert.Equal(t, 150, cfg.API.RecursionLimit)
	assert.Equal(t, 120*time.Second, cfg.UI.Timeout)
	assert.Equal(t, 50, cfg.UI.RecursionLimit)
	assert.Equal(t, 10, cfg.UI.HistoryLimit)
	assert.Equal(t, "ew", cfg.Voice.DefaultDevice)
	assert.Equal(t, 3, cfg.Delivery.MaxRetries)
	assert.Equal(t, time.Second, cfg.Delivery.RetryDelay)
	assert.Equal(t, 16, cfg.TurnBuffer)
	assert.False(t, cfg.IsLocal())
	assert.True(t, cfg.APIDebug)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "redis")
	t.Setenv("REDIS_URL", "redis://cache:6379/2")
	t.Setenv("UI_TIMEOUT", "90")
	t.Setenv("API_TIMEOUT", "5s")
	t.Setenv("DELIVERY_RETRY_DELAY", "250ms")
	t.Setenv("CONTACT_API_URL", "https://contacts.example.com/")
	t.Setenv("UI_RECURSION_LIMIT", "not-a-number")
	t.Setenv("API_DEBUG", "off")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis://cache:6379/2", cfg.Store.RedisURL)
	assert.Equal(t, 90*time.Second, cfg.UI.Timeout)
	assert.Equal(t, 5*time.Second, cfg.API.Timeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Delivery.RetryDelay)
	assert.Equal(t, "https://contacts.example.com", cfg.Contact.BaseURL)
	assert.Equal(t, 50, cfg.UI.RecursionLimit)
	assert.False(t, cfg.APIDebug)
}

func TestLoadLocalRequiresIdentity(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("APP_ENV", "local")
	t.Setenv("USER_SESSION_ID", "")
	t.Setenv("SMB_ID", "")

	_, err := Load()
	require.Error(t, err)

	t.Setenv("USER_SESSION_ID", "local-session")
	t.Setenv("SMB_ID", "smb-local")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsLocal())
	assert.Equal(t, "local-session", cfg.Local.SessionID)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("APP_ENV", "")

	base, err := Load()
	require.NoError(t, err)

	cases := map[string]func(c *Config){
		"empty port":       func(c *Config) { c.Port = "" },
		"unknown backend":  func(c *Config) { c.Store.Backend = "etcd" },
		"sqlite no path":   func(c *Config) { c.Store.Backend = "sqlite"; c.Store.DBPath = "" },
		"zero api timeout": func(c *Config) { c.API.Timeout = 0 },
		"negative history": func(c *Config) { c.UI.HistoryLimit = -1 },
		"zero delay":       func(c *Config) { c.Delivery.RetryDelay = 0 },
		"no workers":       func(c *Config) { c.Delivery.Workers = 0 },
		"no turn buffer":   func(c *Config) { c.TurnBuffer = 0 },
		"no rate window":   func(c *Config) { c.RateLimit.Window = 0 },
	}
	for name, mutate := range cases {
		c := *base
		mutate(&c)
		assert.Error(t, c.Validate(), name)
	}
}

func TestIsDevelopment(t *testing.T) {
	t.Parallel()

	assert.True(t, (&Config{}).IsDevelopment())
	assert.True(t, (&Config{FrontendURL: "http://localhost:5173"}).IsDevelopment())
	assert.False(t, (&Config{FrontendURL: "https://ama.example.com"}).IsDevelopment())
}
