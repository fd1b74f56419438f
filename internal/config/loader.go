package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/walletscope/walletscope/internal/domain"
)

// configName is the config file name without extension.
const configName = ".walletscope"

// configType is the config file format.
const configType = "yaml"

// envPrefix is the environment variable prefix for walletscope settings.
const envPrefix = "WALLETSCOPE"

// envKeySeparator is the nested key separator in environment variable names.
const envKeySeparator = "_"

// Default values applied before file and environment overrides.
const (
	DefaultListenAddr       = ":8080"
	DefaultProviderRPS      = 10.0
	DefaultDetailWorkers    = 3
	DefaultProviderRetries  = 3
	DefaultProviderPageSize = 100
	DefaultDetailCacheSize  = 4096

	DefaultWalletWorkers     = 4
	DefaultAnalysisWorkers   = 4
	DefaultSimilarityWorkers = 2
	DefaultEnrichmentWorkers = 2

	DefaultHighFrequencyTxPerDay = 500.0
	DefaultHighFrequencyCap      = 1000
	DefaultMinObservedTx         = 50

	DefaultLockTTL      = 20 * time.Minute
	DefaultLockPoll     = 2 * time.Second
	DefaultMaxOpenConns = 16
)

// LoadConfig loads configuration from file, env vars, and defaults.
// A .env file in the working directory is loaded first (without overriding
// already-set variables), then viper binds WALLETSCOPE_* variables plus the
// conventional unprefixed names (REDIS_URL, DATABASE_URL, EXTERNAL_API_KEY,
// EXTERNAL_API_RPS, DEMO_WALLETS, FRONTEND_URL). Missing config file is not
// an error; defaults are used.
func LoadConfig(configPath string) (*Config, error) {
	// Ignore a missing .env; system environment still applies.
	_ = godotenv.Load()

	viperCfg := viper.New()

	applyDefaults(viperCfg)

	viperCfg.SetConfigType(configType)
	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	viperCfg.AutomaticEnv()

	bindConventionalEnv(viperCfg)

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName(configName)
		viperCfg.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viperCfg.AddConfigPath(home)
		}
	}

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFound) {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
	}

	var cfg Config

	unmarshalErr := viperCfg.Unmarshal(&cfg)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal config: %w", unmarshalErr)
	}

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("validate config: %w", validateErr)
	}

	return &cfg, nil
}

// bindConventionalEnv maps the deployment-conventional variable names onto
// their config keys so both WALLETSCOPE_REDIS_URL and REDIS_URL work.
func bindConventionalEnv(viperCfg *viper.Viper) {
	_ = viperCfg.BindEnv("redis.url", "WALLETSCOPE_REDIS_URL", "REDIS_URL")
	_ = viperCfg.BindEnv("database.url", "WALLETSCOPE_DATABASE_URL", "DATABASE_URL")
	_ = viperCfg.BindEnv("provider.api_key", "WALLETSCOPE_PROVIDER_API_KEY", "EXTERNAL_API_KEY")
	_ = viperCfg.BindEnv("provider.rps", "WALLETSCOPE_PROVIDER_RPS", "EXTERNAL_API_RPS")
	_ = viperCfg.BindEnv("server.demo_wallets", "WALLETSCOPE_SERVER_DEMO_WALLETS", "DEMO_WALLETS")
	_ = viperCfg.BindEnv("server.frontend_url", "WALLETSCOPE_SERVER_FRONTEND_URL", "FRONTEND_URL")
}

func applyDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("server.listen_addr", DefaultListenAddr)
	viperCfg.SetDefault("server.frontend_url", "")
	viperCfg.SetDefault("server.demo_wallets", "")

	viperCfg.SetDefault("database.max_open_conns", DefaultMaxOpenConns)

	viperCfg.SetDefault("provider.base_url", "https://api.helius.xyz")
	viperCfg.SetDefault("provider.rps", DefaultProviderRPS)
	viperCfg.SetDefault("provider.detail_workers", DefaultDetailWorkers)
	viperCfg.SetDefault("provider.max_retries", DefaultProviderRetries)
	viperCfg.SetDefault("provider.page_size", DefaultProviderPageSize)
	viperCfg.SetDefault("provider.detail_cache_size", DefaultDetailCacheSize)

	viperCfg.SetDefault("queues.wallet_workers", DefaultWalletWorkers)
	viperCfg.SetDefault("queues.analysis_workers", DefaultAnalysisWorkers)
	viperCfg.SetDefault("queues.similarity_workers", DefaultSimilarityWorkers)
	viperCfg.SetDefault("queues.enrichment_workers", DefaultEnrichmentWorkers)

	viperCfg.SetDefault("scopes.flash.window_days", domain.DefaultFlashWindowDays)
	viperCfg.SetDefault("scopes.flash.signature_target", domain.DefaultFlashTarget)
	viperCfg.SetDefault("scopes.flash.freshness", domain.DefaultFlashFreshness)
	viperCfg.SetDefault("scopes.flash.timeout", domain.DefaultFlashTimeout)

	viperCfg.SetDefault("scopes.working.window_days", domain.DefaultWorkingWindowDays)
	viperCfg.SetDefault("scopes.working.signature_target", domain.DefaultWorkingTarget)
	viperCfg.SetDefault("scopes.working.freshness", domain.DefaultWorkingFreshness)
	viperCfg.SetDefault("scopes.working.timeout", domain.DefaultWorkingTimeout)

	viperCfg.SetDefault("scopes.deep.window_days", 0)
	viperCfg.SetDefault("scopes.deep.signature_target", domain.DefaultDeepTarget)
	viperCfg.SetDefault("scopes.deep.freshness", domain.DefaultDeepFreshness)
	viperCfg.SetDefault("scopes.deep.timeout", domain.DefaultDeepTimeout)

	viperCfg.SetDefault("classifier.high_frequency_tx_per_day", DefaultHighFrequencyTxPerDay)
	viperCfg.SetDefault("classifier.high_frequency_cap", DefaultHighFrequencyCap)
	viperCfg.SetDefault("classifier.min_observed_tx", DefaultMinObservedTx)

	viperCfg.SetDefault("locks.ttl", DefaultLockTTL)
	viperCfg.SetDefault("locks.poll_interval", DefaultLockPoll)

	viperCfg.SetDefault("log.level", "info")
	viperCfg.SetDefault("log.json", false)
}
