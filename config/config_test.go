package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/beer-garden/beer-garden/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "default", cfg.GardenName)
	assert.Equal(t, 2337, cfg.HTTP.Port)
	assert.Equal(t, "nats://localhost:4222", cfg.Broker.URL)
	assert.Equal(t, 10*time.Second, cfg.Plugin.HeartbeatInterval.Std())
	assert.Equal(t, 60*time.Second, cfg.Parent.SyncInterval.Std())
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", `
garden_name: east
namespaces: [prod, dev]
http:
  host: 127.0.0.1
  port: 8080
broker:
  url: nats://broker:4222
  connect_timeout: 5s
plugin:
  heartbeat_interval: 30
parent:
  sync_interval: 2m
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "east", cfg.GardenName)
	assert.Equal(t, []string{"prod", "dev"}, cfg.Namespaces)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 5*time.Second, cfg.Broker.ConnectTimeout.Std())

	// Integer durations are seconds, strings use Go syntax.
	assert.Equal(t, 30*time.Second, cfg.Plugin.HeartbeatInterval.Std())
	assert.Equal(t, 2*time.Minute, cfg.Parent.SyncInterval.Std())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BG_GARDEN_NAME", "from-env")
	t.Setenv("BG_HTTP_PORT", "9999")
	t.Setenv("BG_AUTH_ENABLED", "true")
	t.Setenv("BG_AUTH_SECRET", "hunter2")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.GardenName)
	assert.Equal(t, 9999, cfg.HTTP.Port)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, "hunter2", cfg.Auth.Secret)
}

func TestLoadRejectsBadFile(t *testing.T) {
	dir := t.TempDir()

	_, err := config.Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := writeFile(t, dir, "bad.yaml", "garden_name: [not: a: string")
	_, err = config.Load(bad)
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*config.Config)
		expectError bool
	}{
		{"defaults are valid", func(c *config.Config) {}, false},
		{"empty garden name", func(c *config.Config) { c.GardenName = "" }, true},
		{"port out of range", func(c *config.Config) { c.HTTP.Port = 70000 }, true},
		{"zero port", func(c *config.Config) { c.HTTP.Port = 0 }, true},
		{"empty broker url", func(c *config.Config) { c.Broker.URL = "" }, true},
		{"auth enabled without secret", func(c *config.Config) { c.Auth.Enabled = true }, true},
		{"auth enabled with secret", func(c *config.Config) {
			c.Auth.Enabled = true
			c.Auth.Secret = "s"
		}, false},
		{"cert without key", func(c *config.Config) { c.HTTP.SSLCert = "cert.pem" }, true},
		{"zero heartbeat", func(c *config.Config) { c.Plugin.HeartbeatInterval = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAuthSecret(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.Secret = "inline"
	secret, err := cfg.AuthSecret()
	require.NoError(t, err)
	assert.Equal(t, []byte("inline"), secret)

	cfg = config.Default()
	cfg.Auth.SecretFile = writeFile(t, t.TempDir(), "secret", "from-file")
	secret, err = cfg.AuthSecret()
	require.NoError(t, err)
	assert.Equal(t, []byte("from-file"), secret)

	cfg = config.Default()
	secret, err = cfg.AuthSecret()
	require.NoError(t, err)
	assert.Nil(t, secret)
}

func TestSafeConfigGetReturnsCopy(t *testing.T) {
	safe := config.NewSafeConfig(config.Default())

	got := safe.Get()
	got.GardenName = "mutated"

	assert.Equal(t, "default", safe.Get().GardenName)
}

func TestSafeConfigUpdateValidates(t *testing.T) {
	safe := config.NewSafeConfig(config.Default())

	bad := config.Default()
	bad.GardenName = ""
	assert.Error(t, safe.Update(bad))
	assert.Equal(t, "default", safe.Get().GardenName)

	good := config.Default()
	good.GardenName = "updated"
	require.NoError(t, safe.Update(good))
	assert.Equal(t, "updated", safe.Get().GardenName)

	assert.Error(t, safe.Update(nil))
}

func TestSafeConfigConcurrentAccess(t *testing.T) {
	safe := config.NewSafeConfig(config.Default())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = safe.Get()
		}()
		go func() {
			defer wg.Done()
			cfg := config.Default()
			cfg.GardenName = "writer"
			_ = safe.Update(cfg)
		}()
	}
	wg.Wait()

	assert.Equal(t, "writer", safe.Get().GardenName)
}
