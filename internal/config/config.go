// Package config provides configuration loading, validation, and management
// for the telegpt relay. It reads defaults, an optional config.yaml, and
// BOT_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// TelegramConfig holds the Telegram side of the relay: the bot identities
// served by this process and the group chat behavior flags.
type TelegramConfig struct {
	// Tokens lists every bot token served by this process. The webhook
	// path decides which one a request belongs to.
	Tokens []string `mapstructure:"tokens" validate:"required,min=1,dive,required"`

	// BotNames pairs with Tokens by index. A bot without a name cannot be
	// addressed in group chats.
	BotNames []string `mapstructure:"bot_names"`

	GroupEnable    bool `mapstructure:"group_enable"`
	GroupShareMode bool `mapstructure:"group_share_mode"`

	// AllowAll bypasses both whitelists.
	AllowAll       bool     `mapstructure:"allow_all"`
	ChatWhitelist  []string `mapstructure:"chat_whitelist"`
	GroupWhitelist []string `mapstructure:"group_whitelist"`

	AdminCacheTTL time.Duration `mapstructure:"admin_cache_ttl" validate:"min=1s"`
}

// CompletionConfig selects and configures the completion backend.
type CompletionConfig struct {
	Provider string        `mapstructure:"provider" validate:"oneof=openai gemini"`
	APIKey   string        `mapstructure:"api_key"`
	BaseURL  string        `mapstructure:"base_url" validate:"omitempty,url"`
	Model    string        `mapstructure:"model"    validate:"required"`
	Timeout  time.Duration `mapstructure:"timeout"  validate:"min=1s,max=10m"`
}

// HistoryConfig controls conversation history trimming.
type HistoryConfig struct {
	AutoTrim   bool `mapstructure:"auto_trim"`
	MaxEntries int  `mapstructure:"max_entries" validate:"min=0"`
	// MaxChars is the character-count proxy for the token budget of a
	// conversation sent to the completion service.
	MaxChars int `mapstructure:"max_chars" validate:"min=0"`

	InitMessage string `mapstructure:"init_message" validate:"required"`
}

// ServerConfig holds the HTTP webhook server settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
	// PublicURL is the externally reachable base URL used when binding
	// webhooks, e.g. https://bot.example.com.
	PublicURL string `mapstructure:"public_url" validate:"omitempty,url"`
}

// StoreConfig holds the persistence store settings.
type StoreConfig struct {
	Path string `mapstructure:"path" validate:"required"`
	// CleanupInterval is how often expired keys are swept.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" validate:"min=10s"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// Config is the root configuration object.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Completion CompletionConfig `mapstructure:"completion"`
	History    HistoryConfig    `mapstructure:"history"`
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`

	// Debug persists the raw inbound message of every request alongside
	// its history key.
	Debug bool `mapstructure:"debug"`
}

// BotName returns the configured display name for the bot at the given
// token index, or "" when none was configured.
func (c *TelegramConfig) BotName(index int) string {
	if index < 0 || index >= len(c.BotNames) {
		return ""
	}
	return c.BotNames[index]
}

// Load reads configuration from defaults, the given config file, and BOT_*
// environment variables, then validates it. A missing config file is not an
// error; defaults and environment variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("BOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if len(cfg.Telegram.BotNames) > 0 && len(cfg.Telegram.BotNames) != len(cfg.Telegram.Tokens) {
		return nil, fmt.Errorf("telegram.bot_names must be empty or match telegram.tokens in length (%d != %d)",
			len(cfg.Telegram.BotNames), len(cfg.Telegram.Tokens))
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("telegram.group_enable", true)
	v.SetDefault("telegram.group_share_mode", false)
	v.SetDefault("telegram.allow_all", false)
	v.SetDefault("telegram.admin_cache_ttl", 120*time.Second)

	v.SetDefault("completion.provider", "openai")
	v.SetDefault("completion.base_url", "https://api.openai.com/v1")
	v.SetDefault("completion.model", "gpt-3.5-turbo")
	v.SetDefault("completion.timeout", 2*time.Minute)

	v.SetDefault("history.auto_trim", true)
	v.SetDefault("history.max_entries", 20)
	v.SetDefault("history.max_chars", 2048)
	v.SetDefault("history.init_message", "You are a helpful assistant.")

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("store.path", "storage.db")
	v.SetDefault("store.cleanup_interval", 5*time.Minute)
}
