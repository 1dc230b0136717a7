package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "workflow-engine", cfg.Name)
	assert.Equal(t, "memory", cfg.Checkpoint.Backend)
	assert.Equal(t, 7*24*time.Hour, cfg.Checkpoint.TTL)
	assert.Equal(t, 30*time.Second, cfg.Checkpoint.LeaseTTL)

	assert.Equal(t, 512, cfg.Quota.GlobalMaxInFlightSteps)
	assert.Equal(t, 32, cfg.Quota.TenantMaxConcurrentSteps)
	assert.Equal(t, 8, cfg.Quota.TenantMaxConcurrentRuns)

	assert.Equal(t, 8, cfg.Execution.DefaultConcurrencyLimit)
	assert.Equal(t, 60*time.Second, cfg.Execution.DefaultStepTimeout)

	assert.Equal(t, 3, cfg.Resilience.RetryMaxAttempts)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromEnv(t *testing.T) {
	testEnv := map[string]string{
		"ENGINE_NAME":               "test-engine",
		"ENGINE_CHECKPOINT_BACKEND": "redis",
		"ENGINE_REDIS_URL":          "redis://test-redis:6379",
		"ENGINE_GLOBAL_MAX_STEPS":   "128",
		"ENGINE_TENANT_MAX_STEPS":   "16",
		"ENGINE_TENANT_MAX_RUNS":    "4",
		"ENGINE_DEFAULT_CONCURRENCY": "12",
		"ENGINE_LOG_LEVEL":          "debug",
		"ENGINE_DEV_MODE":           "true",
	}

	for k, v := range testEnv {
		_ = os.Setenv(k, v)
		defer func(k string) { _ = os.Unsetenv(k) }(k)
	}

	cfg := DefaultConfig()
	err := cfg.LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "test-engine", cfg.Name)
	assert.Equal(t, "redis", cfg.Checkpoint.Backend)
	assert.Equal(t, "redis://test-redis:6379", cfg.Checkpoint.RedisURL)
	assert.Equal(t, 128, cfg.Quota.GlobalMaxInFlightSteps)
	assert.Equal(t, 16, cfg.Quota.TenantMaxConcurrentSteps)
	assert.Equal(t, 4, cfg.Quota.TenantMaxConcurrentRuns)
	assert.Equal(t, 12, cfg.Execution.DefaultConcurrencyLimit)
	assert.Equal(t, "text", cfg.Logging.Format) // dev mode forces text
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Development.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.json")

	configData := map[string]interface{}{
		"name": "file-engine",
		"checkpoint": map[string]interface{}{
			"backend": "memory",
		},
		"logging": map[string]interface{}{
			"level":  "warn",
			"format": "text",
		},
	}

	jsonData, err := json.MarshalIndent(configData, "", "  ")
	require.NoError(t, err)

	err = os.WriteFile(configFile, jsonData, 0644)
	require.NoError(t, err)

	cfg := DefaultConfig()
	err = cfg.LoadFromFile(configFile)
	require.NoError(t, err)

	assert.Equal(t, "file-engine", cfg.Name)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*Config)
		wantErr string
	}{
		{
			name:    "valid configuration",
			setup:   func(cfg *Config) {},
			wantErr: "",
		},
		{
			name: "missing engine name",
			setup: func(cfg *Config) {
				cfg.Name = ""
			},
			wantErr: "engine name is required",
		},
		{
			name: "redis backend without URL",
			setup: func(cfg *Config) {
				cfg.Checkpoint.Backend = "redis"
				cfg.Checkpoint.RedisURL = ""
			},
			wantErr: "redis URL is required",
		},
		{
			name: "postgres backend without DSN",
			setup: func(cfg *Config) {
				cfg.Checkpoint.Backend = "postgres"
				cfg.Checkpoint.PostgresDSN = ""
			},
			wantErr: "postgres DSN is required",
		},
		{
			name: "unknown backend",
			setup: func(cfg *Config) {
				cfg.Checkpoint.Backend = "sqlite"
			},
			wantErr: "unknown checkpoint backend",
		},
		{
			name: "invalid global max steps",
			setup: func(cfg *Config) {
				cfg.Quota.GlobalMaxInFlightSteps = 0
			},
			wantErr: "global_max_in_flight_steps",
		},
		{
			name: "invalid default concurrency",
			setup: func(cfg *Config) {
				cfg.Execution.DefaultConcurrencyLimit = 0
			},
			wantErr: "default_concurrency_limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.setup(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestFunctionalOptions(t *testing.T) {
	t.Run("WithEngineName", func(t *testing.T) {
		cfg, err := NewConfig(WithEngineName("custom-engine"))
		require.NoError(t, err)
		assert.Equal(t, "custom-engine", cfg.Name)
	})

	t.Run("WithRedisCheckpoint", func(t *testing.T) {
		cfg, err := NewConfig(WithRedisCheckpoint("redis://localhost:6379"))
		require.NoError(t, err)
		assert.Equal(t, "redis", cfg.Checkpoint.Backend)
		assert.Equal(t, "redis://localhost:6379", cfg.Checkpoint.RedisURL)
	})

	t.Run("WithPostgresCheckpoint", func(t *testing.T) {
		cfg, err := NewConfig(WithPostgresCheckpoint("postgres://localhost/engine"))
		require.NoError(t, err)
		assert.Equal(t, "postgres", cfg.Checkpoint.Backend)
		assert.Equal(t, "postgres://localhost/engine", cfg.Checkpoint.PostgresDSN)
	})

	t.Run("WithGlobalMaxInFlightSteps", func(t *testing.T) {
		cfg, err := NewConfig(WithGlobalMaxInFlightSteps(64))
		require.NoError(t, err)
		assert.Equal(t, 64, cfg.Quota.GlobalMaxInFlightSteps)

		_, err = NewConfig(WithGlobalMaxInFlightSteps(0))
		assert.Error(t, err)
	})

	t.Run("WithTenantQuota", func(t *testing.T) {
		cfg, err := NewConfig(WithTenantQuota(10, 3))
		require.NoError(t, err)
		assert.Equal(t, 10, cfg.Quota.TenantMaxConcurrentSteps)
		assert.Equal(t, 3, cfg.Quota.TenantMaxConcurrentRuns)
	})

	t.Run("WithDefaultConcurrencyLimit", func(t *testing.T) {
		cfg, err := NewConfig(WithDefaultConcurrencyLimit(20))
		require.NoError(t, err)
		assert.Equal(t, 20, cfg.Execution.DefaultConcurrencyLimit)
	})

	t.Run("WithLogLevel", func(t *testing.T) {
		cfg, err := NewConfig(WithLogLevel("debug"))
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("WithLogFormat", func(t *testing.T) {
		cfg, err := NewConfig(WithLogFormat("text"))
		require.NoError(t, err)
		assert.Equal(t, "text", cfg.Logging.Format)
	})

	t.Run("WithDevelopmentMode", func(t *testing.T) {
		cfg, err := NewConfig(WithDevelopmentMode(true))
		require.NoError(t, err)
		assert.True(t, cfg.Development.Enabled)
		assert.Equal(t, "text", cfg.Logging.Format)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})
}

func TestConfigPriority(t *testing.T) {
	_ = os.Setenv("ENGINE_GLOBAL_MAX_STEPS", "777")
	defer func() { _ = os.Unsetenv("ENGINE_GLOBAL_MAX_STEPS") }()

	cfg, err := NewConfig(WithGlobalMaxInFlightSteps(888))
	require.NoError(t, err)

	assert.Equal(t, 888, cfg.Quota.GlobalMaxInFlightSteps)
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{"true", true},
		{"True", true},
		{"TRUE", true},
		{"1", true},
		{"yes", true},
		{"on", true},
		{"false", false},
		{"0", false},
		{"no", false},
		{"", false},
		{"invalid", false},
	}

	for _, tt := range tests {
		result := parseBool(tt.input)
		assert.Equal(t, tt.expected, result, "input: %s", tt.input)
	}
}

func TestConfigWithConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "test-config.json")

	configData := map[string]interface{}{
		"name": "file-loaded-engine",
	}

	jsonData, err := json.MarshalIndent(configData, "", "  ")
	require.NoError(t, err)

	err = os.WriteFile(configFile, jsonData, 0644)
	require.NoError(t, err)

	cfg, err := NewConfig(
		WithConfigFile(configFile),
		WithEngineName("option-wins"),
	)
	require.NoError(t, err)

	assert.Equal(t, "option-wins", cfg.Name)
}

func BenchmarkNewConfig(b *testing.B) {
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = NewConfig(
			WithEngineName("bench-engine"),
			WithGlobalMaxInFlightSteps(256),
		)
	}
}

func BenchmarkLoadFromEnv(b *testing.B) {
	_ = os.Setenv("ENGINE_NAME", "bench-engine")
	_ = os.Setenv("ENGINE_GLOBAL_MAX_STEPS", "256")
	defer func() {
		_ = os.Unsetenv("ENGINE_NAME")
		_ = os.Unsetenv("ENGINE_GLOBAL_MAX_STEPS")
	}()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cfg := DefaultConfig()
		_ = cfg.LoadFromEnv()
	}
}

func BenchmarkValidate(b *testing.B) {
	cfg := DefaultConfig()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = cfg.Validate()
	}
}

func ExampleNewConfig() {
	cfg, err := NewConfig(
		WithEngineName("example-engine"),
		WithGlobalMaxInFlightSteps(100),
	)
	if err != nil {
		panic(err)
	}

	fmt.Printf("Engine: %s, max in-flight steps: %d\n", cfg.Name, cfg.Quota.GlobalMaxInFlightSteps)
	// Output: Engine: example-engine, max in-flight steps: 100
}

func ExampleNewConfig_development() {
	cfg, err := NewConfig(
		WithEngineName("dev-engine"),
		WithDevelopmentMode(true),
	)
	if err != nil {
		panic(err)
	}

	fmt.Printf("Development mode: %v, log level: %s\n", cfg.Development.Enabled, cfg.Logging.Level)
	// Output: Development mode: true, log level: debug
}

func ExampleNewConfig_production() {
	cfg, err := NewConfig(
		WithEngineName("prod-engine"),
		WithRedisCheckpoint("redis://redis:6379"),
		WithGlobalMaxInFlightSteps(1000),
		WithTenantQuota(64, 16),
	)
	if err != nil {
		panic(err)
	}

	fmt.Printf("Production config: %s with redis checkpoint backend\n", cfg.Name)
	// Output: Production config: prod-engine with redis checkpoint backend
}
