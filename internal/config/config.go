// Package config defines the walletscope configuration surface and its
// validation rules. Field tags use mapstructure for viper unmarshalling.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/walletscope/walletscope/internal/domain"
)

// Config is the top-level configuration struct for walletscope.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	Queues     QueuesConfig     `mapstructure:"queues"`
	Scopes     ScopesConfig     `mapstructure:"scopes"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Locks      LockConfig       `mapstructure:"locks"`
	Log        LogConfig        `mapstructure:"log"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	FrontendURL string `mapstructure:"frontend_url"`
	// DemoWallets is the comma-separated allow-list for demo principals,
	// loaded once at startup. Empty disables demo restrictions.
	DemoWallets string `mapstructure:"demo_wallets"`
}

// DemoWalletSet parses DemoWallets into a lookup set.
func (s ServerConfig) DemoWalletSet() map[string]struct{} {
	set := make(map[string]struct{})

	for _, addr := range strings.Split(s.DemoWallets, ",") {
		addr = strings.TrimSpace(addr)
		if addr != "" {
			set[addr] = struct{}{}
		}
	}

	return set
}

// RedisConfig holds broker/queue connection settings.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
	// MaxOpenConns caps the sqlx pool. Zero uses the driver default.
	MaxOpenConns int `mapstructure:"max_open_conns"`
}

// ProviderConfig holds the external Solana enrichment provider settings.
type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	// RPS is the token-bucket rate toward the provider.
	RPS float64 `mapstructure:"rps"`
	// DetailWorkers is the fan-out for parsed-detail fetches.
	DetailWorkers int `mapstructure:"detail_workers"`
	// MaxRetries bounds internal retries per provider call.
	MaxRetries int `mapstructure:"max_retries"`
	// PageSize is the signature page size requested from the provider.
	PageSize int `mapstructure:"page_size"`
	// DetailCacheSize is the in-process parsed-detail LRU capacity.
	DetailCacheSize int `mapstructure:"detail_cache_size"`
}

// QueuesConfig holds per-queue worker concurrency caps.
type QueuesConfig struct {
	WalletWorkers     int `mapstructure:"wallet_workers"`
	AnalysisWorkers   int `mapstructure:"analysis_workers"`
	SimilarityWorkers int `mapstructure:"similarity_workers"`
	EnrichmentWorkers int `mapstructure:"enrichment_workers"`
}

// ScopeConfig holds tunables for one analysis scope.
type ScopeConfig struct {
	WindowDays      int           `mapstructure:"window_days"`
	SignatureTarget int           `mapstructure:"signature_target"`
	Freshness       time.Duration `mapstructure:"freshness"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// ScopesConfig holds the three-scope ladder parameters.
type ScopesConfig struct {
	Flash   ScopeConfig `mapstructure:"flash"`
	Working ScopeConfig `mapstructure:"working"`
	Deep    ScopeConfig `mapstructure:"deep"`
}

// Params resolves the ScopeParams for a scope.
func (s ScopesConfig) Params(scope domain.Scope) domain.ScopeParams {
	var c ScopeConfig

	switch scope {
	case domain.ScopeFlash:
		c = s.Flash
	case domain.ScopeWorking:
		c = s.Working
	default:
		c = s.Deep
	}

	return domain.ScopeParams{
		WindowDays:      c.WindowDays,
		SignatureTarget: c.SignatureTarget,
		Freshness:       c.Freshness,
		Timeout:         c.Timeout,
	}
}

// ClassifierConfig holds wallet-classification tunables.
type ClassifierConfig struct {
	// HighFrequencyTxPerDay is the average daily transaction density above
	// which a wallet is classified high_frequency. The exact threshold is a
	// tuning knob; 500/day cleanly separates bot-operated wallets in
	// observed data.
	HighFrequencyTxPerDay float64 `mapstructure:"high_frequency_tx_per_day"`
	// HighFrequencyCap caps the effective signature target for
	// high_frequency wallets.
	HighFrequencyCap int `mapstructure:"high_frequency_cap"`
	// MinObservedTx is the minimum stored history before density
	// classification is attempted.
	MinObservedTx int `mapstructure:"min_observed_tx"`
}

// LockConfig holds distributed-lock tunables.
type LockConfig struct {
	// TTL bounds worst-case lock leakage if a worker dies. Must cover the
	// longest job runtime unless holders refresh.
	TTL time.Duration `mapstructure:"ttl"`
	// PollInterval is the base interval for jittered acquisition polling.
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// LogConfig holds structured-logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// Sentinel errors for configuration validation.
var (
	// ErrMissingRedisURL indicates no broker URL was configured.
	ErrMissingRedisURL = errors.New("redis.url is required")
	// ErrMissingDatabaseURL indicates no database URL was configured.
	ErrMissingDatabaseURL = errors.New("database.url is required")
	// ErrInvalidProviderRPS indicates the provider RPS is not positive.
	ErrInvalidProviderRPS = errors.New("provider.rps must be positive")
	// ErrInvalidDetailWorkers indicates the detail fan-out is not positive.
	ErrInvalidDetailWorkers = errors.New("provider.detail_workers must be positive")
	// ErrInvalidQueueWorkers indicates a queue concurrency cap is not positive.
	ErrInvalidQueueWorkers = errors.New("queue worker counts must be positive")
	// ErrInvalidScopeTarget indicates a scope signature target is not positive.
	ErrInvalidScopeTarget = errors.New("scope signature targets must be positive")
	// ErrInvalidScopeFreshness indicates a scope freshness window is not positive.
	ErrInvalidScopeFreshness = errors.New("scope freshness windows must be positive")
	// ErrInvalidClassifierThreshold indicates the density threshold is not positive.
	ErrInvalidClassifierThreshold = errors.New("classifier.high_frequency_tx_per_day must be positive")
	// ErrInvalidLockTTL indicates the lock TTL is not positive.
	ErrInvalidLockTTL = errors.New("locks.ttl must be positive")
)

// Validate checks Config invariants and returns the first error found.
func (c *Config) Validate() error {
	if c.Redis.URL == "" {
		return ErrMissingRedisURL
	}

	if c.Database.URL == "" {
		return ErrMissingDatabaseURL
	}

	if c.Provider.RPS <= 0 {
		return ErrInvalidProviderRPS
	}

	if c.Provider.DetailWorkers <= 0 {
		return ErrInvalidDetailWorkers
	}

	queuesErr := c.validateQueues()
	if queuesErr != nil {
		return queuesErr
	}

	scopesErr := c.validateScopes()
	if scopesErr != nil {
		return scopesErr
	}

	if c.Classifier.HighFrequencyTxPerDay <= 0 {
		return ErrInvalidClassifierThreshold
	}

	if c.Locks.TTL <= 0 {
		return ErrInvalidLockTTL
	}

	return nil
}

func (c *Config) validateQueues() error {
	workers := []int{
		c.Queues.WalletWorkers,
		c.Queues.AnalysisWorkers,
		c.Queues.SimilarityWorkers,
		c.Queues.EnrichmentWorkers,
	}

	for _, n := range workers {
		if n <= 0 {
			return ErrInvalidQueueWorkers
		}
	}

	return nil
}

func (c *Config) validateScopes() error {
	for _, sc := range []ScopeConfig{c.Scopes.Flash, c.Scopes.Working, c.Scopes.Deep} {
		if sc.SignatureTarget <= 0 {
			return ErrInvalidScopeTarget
		}

		if sc.Freshness <= 0 {
			return ErrInvalidScopeFreshness
		}
	}

	return nil
}
