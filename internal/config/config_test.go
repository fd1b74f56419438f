package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walletscope/walletscope/internal/config"
	"github.com/walletscope/walletscope/internal/domain"
)

// validConfig returns a Config that passes validation, for mutation in tests.
func validConfig() config.Config {
	return config.Config{
		Redis:    config.RedisConfig{URL: "redis://localhost:6379"},
		Database: config.DatabaseConfig{URL: "postgres://localhost/walletscope"},
		Provider: config.ProviderConfig{RPS: 10, DetailWorkers: 3},
		Queues: config.QueuesConfig{
			WalletWorkers:     4,
			AnalysisWorkers:   4,
			SimilarityWorkers: 2,
			EnrichmentWorkers: 2,
		},
		Scopes: config.ScopesConfig{
			Flash:   config.ScopeConfig{WindowDays: 7, SignatureTarget: 250, Freshness: 30 * time.Minute},
			Working: config.ScopeConfig{WindowDays: 30, SignatureTarget: 1000, Freshness: 6 * time.Hour},
			Deep:    config.ScopeConfig{SignatureTarget: 5000, Freshness: 24 * time.Hour},
		},
		Classifier: config.ClassifierConfig{HighFrequencyTxPerDay: 500, HighFrequencyCap: 1000},
		Locks:      config.LockConfig{TTL: 20 * time.Minute},
	}
}

func TestValidate_OK(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   error
	}{
		{"missing redis", func(c *config.Config) { c.Redis.URL = "" }, config.ErrMissingRedisURL},
		{"missing database", func(c *config.Config) { c.Database.URL = "" }, config.ErrMissingDatabaseURL},
		{"zero rps", func(c *config.Config) { c.Provider.RPS = 0 }, config.ErrInvalidProviderRPS},
		{"zero detail workers", func(c *config.Config) { c.Provider.DetailWorkers = 0 }, config.ErrInvalidDetailWorkers},
		{"zero queue workers", func(c *config.Config) { c.Queues.AnalysisWorkers = 0 }, config.ErrInvalidQueueWorkers},
		{"zero scope target", func(c *config.Config) { c.Scopes.Flash.SignatureTarget = 0 }, config.ErrInvalidScopeTarget},
		{"zero freshness", func(c *config.Config) { c.Scopes.Deep.Freshness = 0 }, config.ErrInvalidScopeFreshness},
		{"zero hf threshold", func(c *config.Config) { c.Classifier.HighFrequencyTxPerDay = 0 }, config.ErrInvalidClassifierThreshold},
		{"zero lock ttl", func(c *config.Config) { c.Locks.TTL = 0 }, config.ErrInvalidLockTTL},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tc.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), tc.want)
		})
	}
}

func TestLoadConfig_DefaultsAndEnv(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://env:6379")
	t.Setenv("DATABASE_URL", "postgres://env/walletscope")
	t.Setenv("EXTERNAL_API_KEY", "test-key")
	t.Setenv("DEMO_WALLETS", "W1, W2")

	cfg, err := config.LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "redis://env:6379", cfg.Redis.URL)
	assert.Equal(t, "postgres://env/walletscope", cfg.Database.URL)
	assert.Equal(t, "test-key", cfg.Provider.APIKey)
	assert.InDelta(t, config.DefaultProviderRPS, cfg.Provider.RPS, 0.001)
	assert.Equal(t, config.DefaultDetailWorkers, cfg.Provider.DetailWorkers)

	demo := cfg.Server.DemoWalletSet()
	assert.Contains(t, demo, "W1")
	assert.Contains(t, demo, "W2")
	assert.Len(t, demo, 2)
}

func TestLoadConfig_File(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://env:6379")
	t.Setenv("DATABASE_URL", "postgres://env/walletscope")

	dir := t.TempDir()
	path := filepath.Join(dir, "walletscope.yaml")
	content := []byte("scopes:\n  flash:\n    signature_target: 123\nprovider:\n  rps: 25\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 123, cfg.Scopes.Flash.SignatureTarget)
	assert.InDelta(t, 25.0, cfg.Provider.RPS, 0.001)

	// Untouched keys keep their defaults.
	params := cfg.Scopes.Params(domain.ScopeWorking)
	assert.Equal(t, domain.DefaultWorkingTarget, params.SignatureTarget)
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://env:6379")
	t.Setenv("DATABASE_URL", "postgres://env/walletscope")

	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, config.DefaultListenAddr, cfg.Server.ListenAddr)
}
