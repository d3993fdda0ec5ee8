// Package config loads process configuration and strategy files.
package config

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"signal-pipelinev1/pkg/errors"
)

// Config holds all process configuration. Every field can be set from the
// environment variable of the upper-cased key (REDIS_ADDR, SQLITE_PATH, ...)
// or from config.yaml.
type Config struct {
	// Infrastructure
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" validate:"gte=0"`
	SQLitePath    string `mapstructure:"sqlite_path" validate:"required"`
	MetricsAddr   string `mapstructure:"metrics_addr" validate:"required"`
	APIAddr       string `mapstructure:"api_addr"`
	CORSOrigins   string `mapstructure:"cors_origins"`

	// Feed
	FeedURL     string `mapstructure:"feed_url"`
	FeedSymbols string `mapstructure:"feed_symbols"`

	// Trading
	Mode            string  `mapstructure:"mode" validate:"oneof=backtest paper live"`
	StrategyFile    string  `mapstructure:"strategy_file"`
	GlobalBudgetCap string  `mapstructure:"global_budget_cap" validate:"required"`
	SlippageBps     float64 `mapstructure:"slippage_bps" validate:"gte=0"`
	Shards          int     `mapstructure:"shards" validate:"gte=1,lte=256"`

	// Alerts
	WebhookURL       string `mapstructure:"webhook_url" validate:"omitempty,url"`
	TelegramBotToken string `mapstructure:"telegram_bot_token"`
	TelegramChatID   string `mapstructure:"telegram_chat_id" validate:"required_with=TelegramBotToken"`

	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
}

var defaults = map[string]any{
	"redis_addr":         "",
	"redis_password":     "",
	"redis_db":           0,
	"sqlite_path":        "data/pipeline.db",
	"metrics_addr":       ":9090",
	"api_addr":           ":8080",
	"cors_origins":       "*",
	"feed_url":           "ws://localhost:9001/ws",
	"feed_symbols":       "",
	"mode":               "paper",
	"strategy_file":      "config/strategies.yaml",
	"global_budget_cap":  "10000",
	"slippage_bps":       5.0,
	"shards":             4,
	"webhook_url":        "",
	"telegram_bot_token": "",
	"telegram_chat_id":   "",
	"log_level":          "info",
}

// Load reads configuration from path (or ./config.yaml when path is empty
// and the file exists) and the environment, then validates it. Errors carry
// ErrCodeConfig.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(errors.ErrCodeConfig, "read config "+path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, errors.Wrap(errors.ErrCodeConfig, "read config", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfig, "decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the budget cap.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeConfig, "invalid config", err)
	}
	budget, err := decimal.NewFromString(c.GlobalBudgetCap)
	if err != nil || !budget.IsPositive() {
		return errors.Newf(errors.ErrCodeConfig, "invalid config: global_budget_cap %q must be a positive number", c.GlobalBudgetCap)
	}
	return nil
}

// BudgetCap returns the global budget cap. Only valid after Validate.
func (c *Config) BudgetCap() decimal.Decimal {
	return decimal.RequireFromString(c.GlobalBudgetCap)
}

// Symbols parses the comma-separated FeedSymbols, upper-cased.
func (c *Config) Symbols() []string {
	var out []string
	for _, s := range strings.Split(c.FeedSymbols, ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Origins parses the comma-separated CORSOrigins.
func (c *Config) Origins() []string {
	var out []string
	for _, s := range strings.Split(c.CORSOrigins, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
