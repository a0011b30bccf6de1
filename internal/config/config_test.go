package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_DevelopmentDefaults(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "PORT", "9090")
	setEnv(t, "CORS_ORIGINS", "http://localhost:3000, https://app.example.com ,")
	setEnv(t, "RESET_INTERVAL", "30m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultAIModel, cfg.AIModel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 30*time.Minute, cfg.ResetInterval)
	assert.Equal(t, DefaultUploadHoldTTL, cfg.UploadHoldTTL)
	assert.Equal(t, []string{"http://localhost:3000", "https://app.example.com"}, cfg.CORSOrigins)
	assert.True(t, cfg.MigrateOnStartup)
}

func TestLoad_ProductionRequiresIdentityProvider(t *testing.T) {
	setEnv(t, "ENV", "production")
	setEnv(t, "SUPABASE_URL", "")
	setEnv(t, "SUPABASE_ANON_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SUPABASE_URL")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Port:            "8080",
			Env:             "production",
			DatabaseURL:     "postgres://localhost/papermind",
			SupabaseURL:     "https://abc.supabase.co",
			SupabaseAnonKey: "anon",
			AIBackendURL:    DefaultAIBackendURL,
			ResetInterval:   time.Hour,
			UploadHoldTTL:   time.Hour,
			DBMaxOpenConns:  25,
			DBMaxIdleConns:  10,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{
			name:    "missing database outside development",
			mutate:  func(c *Config) { c.DatabaseURL = "" },
			wantErr: "DATABASE_URL is required",
		},
		{
			name:    "missing anon key",
			mutate:  func(c *Config) { c.SupabaseAnonKey = "" },
			wantErr: "SUPABASE_ANON_KEY",
		},
		{
			name:    "relative supabase url",
			mutate:  func(c *Config) { c.SupabaseURL = "abc.supabase.co" },
			wantErr: "SUPABASE_URL must be an absolute URL",
		},
		{
			name:    "reset interval too short",
			mutate:  func(c *Config) { c.ResetInterval = time.Second },
			wantErr: "RESET_INTERVAL",
		},
		{
			name:    "upload hold ttl too short",
			mutate:  func(c *Config) { c.UploadHoldTTL = 10 * time.Second },
			wantErr: "UPLOAD_HOLD_TTL",
		},
		{
			name:    "idle above open",
			mutate:  func(c *Config) { c.DBMaxIdleConns = 50 },
			wantErr: "DB_MAX_IDLE_CONNS",
		},
		{
			name: "development needs nothing external",
			mutate: func(c *Config) {
				c.Env = "development"
				c.DatabaseURL = ""
				c.SupabaseURL = ""
				c.SupabaseAnonKey = ""
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGetEnvHelpers(t *testing.T) {
	setEnv(t, "TEST_DURATION", "bogus")
	assert.Equal(t, time.Minute, getEnvDuration("TEST_DURATION", time.Minute))

	setEnv(t, "TEST_BOOL", "false")
	assert.False(t, getEnvBool("TEST_BOOL", true))

	setEnv(t, "TEST_INT", "42")
	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 1))

	assert.Nil(t, getEnvList("TEST_UNSET_LIST_KEY"))
}
