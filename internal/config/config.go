package config

import (
	"time"

	"github.com/spf13/viper"
)

// Endpoint describes one remote provider backend.
type Endpoint struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
}

// Config holds all configuration for the control plane. The mapstructure
// tags are used by Viper to unmarshal the data.
type Config struct {
	EtcdEndpoints     []string      `mapstructure:"etcd_endpoints"`
	EtcdTimeout       time.Duration `mapstructure:"etcd_timeout"`
	RedisAddr         string        `mapstructure:"redis_addr"`
	HttpListenAddr    string        `mapstructure:"http_listen_addr"`
	LeaderElectionTTL time.Duration `mapstructure:"leader_election_ttl"`

	// Provider endpoints keyed by provider name, as referenced by routes.
	Providers map[string]Endpoint `mapstructure:"providers"`
	// ShellProviders maps locally hosted provider names to the command line
	// that serves them. A name listed here overrides any HTTP endpoint.
	ShellProviders map[string]string `mapstructure:"shell_providers"`
	// ProviderTimeout bounds a single provider call.
	ProviderTimeout time.Duration `mapstructure:"provider_timeout"`

	// Rate limiter token bucket per tenant.
	RateLimitCapacity float64 `mapstructure:"rate_limit_capacity"`
	RateLimitRefill   float64 `mapstructure:"rate_limit_refill"`

	// DailyBudgetUSD enables budget alert events when positive.
	DailyBudgetUSD float64 `mapstructure:"daily_budget_usd"`

	// DispatchPollInterval is how often the dispatch loop drains the queue.
	DispatchPollInterval time.Duration `mapstructure:"dispatch_poll_interval"`
	// WebhookDrainInterval is how often due webhook deliveries are pushed.
	WebhookDrainInterval time.Duration `mapstructure:"webhook_drain_interval"`
	// WebhookTimeout bounds a single webhook POST.
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
}

// Load loads configuration from file and environment variables.
func Load() (*Config, error) {
	viper.SetDefault("etcd_timeout", "5s")
	viper.SetDefault("http_listen_addr", ":8080")
	viper.SetDefault("leader_election_ttl", "10s")
	viper.SetDefault("redis_addr", "localhost:6379")
	viper.SetDefault("provider_timeout", "30s")
	viper.SetDefault("rate_limit_capacity", 100)
	viper.SetDefault("rate_limit_refill", 10)
	viper.SetDefault("dispatch_poll_interval", "100ms")
	viper.SetDefault("webhook_drain_interval", "1s")
	viper.SetDefault("webhook_timeout", "10s")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// No config file; defaults and env vars apply.
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
