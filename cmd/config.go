package cmd

import (
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/kfsoftware/hlf-privsync/pkg/fetch"
	"github.com/kfsoftware/hlf-privsync/pkg/pool"
)

type BackoffConfig struct {
	InitialMS  int     `mapstructure:"initialMS"`
	MaxMS      int     `mapstructure:"maxMS"`
	Multiplier float64 `mapstructure:"multiplier"`
}

func (b BackoffConfig) policy() pool.Backoff {
	policy := pool.DefaultBackoff
	if b.InitialMS > 0 {
		policy.Initial = time.Duration(b.InitialMS) * time.Millisecond
	}
	if b.MaxMS > 0 {
		policy.Max = time.Duration(b.MaxMS) * time.Millisecond
	}
	if b.Multiplier >= 1 {
		policy.Multiplier = b.Multiplier
	}
	return policy
}

type DatabaseConfig struct {
	Type       string   `mapstructure:"type"`
	Driver     string   `mapstructure:"driver"`
	DataSource string   `mapstructure:"dataSource"`
	URL        string   `mapstructure:"url"`
	URLs       []string `mapstructure:"urls"`
	User       string   `mapstructure:"user"`
	Password   string   `mapstructure:"password"`
	APIKey     string   `mapstructure:"apiKey"`
}

type MetricsConfig struct {
	ListenAddress string `mapstructure:"listenAddress"`
}

type Config struct {
	Chaincode            string                   `mapstructure:"chaincode"`
	Collections          []fetch.CollectionConfig `mapstructure:"collections"`
	FilterExpression     string                   `mapstructure:"filterExpression"`
	QueryFunction        string                   `mapstructure:"queryFunction"`
	Workers              int                      `mapstructure:"workers"`
	QueueSize            int                      `mapstructure:"queueSize"`
	LeaseDurationSeconds int                      `mapstructure:"leaseDurationSeconds"`
	RetryBudget          int                      `mapstructure:"retryBudget"`
	Backoff              BackoffConfig            `mapstructure:"backoff"`
	ReconnectAttempts    int                      `mapstructure:"reconnectAttempts"`
	Database             DatabaseConfig           `mapstructure:"database"`
	Metrics              MetricsConfig            `mapstructure:"metrics"`
}

func loadConfig() (*Config, error) {
	cfg := &Config{
		Workers:              4,
		QueueSize:            256,
		LeaseDurationSeconds: 30,
		RetryBudget:          3,
		ReconnectAttempts:    5,
	}
	err := viper.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal configuration failed")
	}
	if cfg.Chaincode == "" {
		return nil, errors.New("chaincode is required in the configuration")
	}
	if len(cfg.Collections) == 0 {
		return nil, errors.New("at least one collection must be configured")
	}
	return cfg, nil
}

func (c *Config) collectionNames() []string {
	var names []string
	for _, collection := range c.Collections {
		names = append(names, collection.Name)
	}
	return names
}

func (c *Config) lease() time.Duration {
	return time.Duration(c.LeaseDurationSeconds) * time.Second
}
