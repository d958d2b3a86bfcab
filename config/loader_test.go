package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 30, cfg.Gate.RateLimit)
	assert.Equal(t, time.Minute, cfg.Gate.RateWindow)
	assert.Equal(t, 3, cfg.Gate.MaxConcurrent)
	assert.Equal(t, 90, cfg.Quality.MinCompareLength)
	assert.Equal(t, 180, cfg.Quality.PrefixWindow)
	assert.Len(t, cfg.Panel.Agents, 3)
	assert.False(t, cfg.Gate.Strict)
	assert.False(t, cfg.Telemetry.Enabled)

	assert.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromFile(t *testing.T) {
	content := `
server:
  http_port: 9000
gate:
  strict: true
  rate_limit: 5
  rate_window: 30s
panel:
  agents:
    - id: a1
      name: Atlas
      model: gpt-4o
      provider: openai
    - id: a2
      name: Birch
      model: claude-sonnet-4-5
      provider: anthropic
quality:
  min_compare_length: 60
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.True(t, cfg.Gate.Strict)
	assert.Equal(t, 5, cfg.Gate.RateLimit)
	assert.Equal(t, 30*time.Second, cfg.Gate.RateWindow)
	assert.Equal(t, 60, cfg.Quality.MinCompareLength)
	// 未覆盖的字段保持默认值
	assert.Equal(t, 180, cfg.Quality.PrefixWindow)
	assert.Equal(t, 9090, cfg.Server.MetricsPort)

	require.Len(t, cfg.Panel.Agents, 2)
	assert.Equal(t, "Atlas", cfg.Panel.Agents[0].Name)
	assert.Equal(t, "anthropic", cfg.Panel.Agents[1].Provider)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o600))

	_, err := NewLoader().WithConfigPath(path).Load()
	assert.Error(t, err)
}

func TestLoader_EnvOverride(t *testing.T) {
	t.Setenv("COUNCILFLOW_SERVER_HTTP_PORT", "7070")
	t.Setenv("COUNCILFLOW_GATE_STRICT", "true")
	t.Setenv("COUNCILFLOW_GATE_IDEMPOTENCY_TTL", "5m")
	t.Setenv("COUNCILFLOW_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("COUNCILFLOW_LOG_OUTPUT_PATHS", "stdout, /var/log/councilflow.log")
	t.Setenv("COUNCILFLOW_TELEMETRY_SAMPLE_RATE", "0.5")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.HTTPPort)
	assert.True(t, cfg.Gate.Strict)
	assert.Equal(t, 5*time.Minute, cfg.Gate.IdempotencyTTL)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, []string{"stdout", "/var/log/councilflow.log"}, cfg.Log.OutputPaths)
	assert.InDelta(t, 0.5, cfg.Telemetry.SampleRate, 1e-9)
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	content := "server:\n  http_port: 9000\n"
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("COUNCILFLOW_SERVER_HTTP_PORT", "9100")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.HTTPPort)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("CF_SERVER_HTTP_PORT", "6060")

	cfg, err := NewLoader().WithEnvPrefix("CF").Load()
	require.NoError(t, err)
	assert.Equal(t, 6060, cfg.Server.HTTPPort)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("COUNCILFLOW_SERVER_HTTP_PORT", "not-a-number")

	_, err := NewLoader().Load()
	assert.Error(t, err)
}

func TestLoader_Validator(t *testing.T) {
	wantErr := errors.New("nope")
	_, err := NewLoader().
		WithValidator(func(c *Config) error { return wantErr }).
		Load()
	assert.ErrorIs(t, err, wantErr)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults valid", func(c *Config) {}, false},
		{"bad port", func(c *Config) { c.Server.HTTPPort = 0 }, true},
		{"bad rate limit", func(c *Config) { c.Gate.RateLimit = -1 }, true},
		{"bad concurrency", func(c *Config) { c.Gate.MaxConcurrent = 0 }, true},
		{"bad quality threshold", func(c *Config) { c.Quality.PrefixWindow = 0 }, true},
		{"empty agent id", func(c *Config) { c.Panel.Agents[0].ID = "" }, true},
		{"duplicate agent id", func(c *Config) { c.Panel.Agents[1].ID = c.Panel.Agents[0].ID }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "council", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=council sslmode=disable", pg.DSN())

	my := DatabaseConfig{Driver: "mysql", Host: "db", Port: 3306, User: "u", Password: "p", Name: "council"}
	assert.Equal(t, "u:p@tcp(db:3306)/council?parseTime=true", my.DSN())

	lite := DatabaseConfig{Driver: "sqlite", Name: "council.db"}
	assert.Equal(t, "council.db", lite.DSN())

	unknown := DatabaseConfig{Driver: "oracle"}
	assert.Empty(t, unknown.DSN())
}

func TestMustLoad_PanicsOnBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [broken"), 0o600))

	assert.Panics(t, func() { MustLoad(path) })
}
