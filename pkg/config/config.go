// Copyright (C) 2026 Kelpie Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads and validates the Kelpie process configuration.
//
// Configuration is layered: a YAML file (default config/config.yaml,
// overridable with --config) is merged with environment variables using
// the KELPIE_ prefix (KELPIE_BOT_TOKEN overrides bot.token). The loaded
// struct is constructed once at process start and passed by reference to
// every component constructor; nothing in this package is global.
//
// Any missing required credential or an unknown api.type is a fatal
// startup error.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Backend type constants accepted in api.type.
const (
	BackendOfficial   = "official"
	BackendUnofficial = "unofficial"
	BackendBrowser    = "browser"
	BackendBing       = "bing"
)

// BotConfig configures the Telegram side of the bridge.
type BotConfig struct {
	// Token is the Telegram bot token. Required.
	Token string `mapstructure:"token" validate:"required"`

	// AdminUserIDs may invoke privileged commands such as /reload.
	AdminUserIDs []int64 `mapstructure:"admin_user_ids"`

	// AllowedUserIDs restricts private chats when non-empty.
	AllowedUserIDs []int64 `mapstructure:"allowed_user_ids"`

	// AllowedGroupIDs restricts group chats when non-empty.
	AllowedGroupIDs []int64 `mapstructure:"allowed_group_ids"`

	// ChatCommand is an optional explicit chat command (default /chat)
	// that is routed to the conversation handler rather than the
	// command router.
	ChatCommand string `mapstructure:"chat_command"`

	// Voice enables voice replies rendered through the speech service.
	Voice bool `mapstructure:"voice"`
}

// OfficialConfig configures the official OpenAI chat-completions backend.
type OfficialConfig struct {
	APIKey           string  `mapstructure:"api_key"`
	BaseURL          string  `mapstructure:"base_url"`
	Model            string  `mapstructure:"model"`
	SystemMessage    string  `mapstructure:"system_message"`
	Temperature      float32 `mapstructure:"temperature"`
	MaxContextRunes  int     `mapstructure:"max_context_runes"`
	MaxResponseToken int     `mapstructure:"max_response_tokens"`
	TimeoutMs        int     `mapstructure:"timeout_ms"`
}

// UnofficialConfig configures the reverse-proxy backend.
type UnofficialConfig struct {
	AccessToken     string `mapstructure:"access_token"`
	ReverseProxyURL string `mapstructure:"reverse_proxy_url"`
	Model           string `mapstructure:"model"`
	TimeoutMs       int    `mapstructure:"timeout_ms"`
}

// BrowserConfig configures the browser-automated web session backend.
type BrowserConfig struct {
	Email       string `mapstructure:"email"`
	Password    string `mapstructure:"password"`
	BinPath     string `mapstructure:"bin_path"`
	UserDataDir string `mapstructure:"user_data_dir"`
	ProxyServer string `mapstructure:"proxy_server"`
	Headless    bool   `mapstructure:"headless"`
	TimeoutMs   int    `mapstructure:"timeout_ms"`
}

// BingConfig configures the search-assistant backend.
type BingConfig struct {
	Host      string `mapstructure:"host"`
	UserToken string `mapstructure:"user_token"`
	Cookies   string `mapstructure:"cookies"`
	Proxy     string `mapstructure:"proxy"`

	// MaxTurnsPerSession recreates the per-chat session after this many
	// turns. Disabled when <= 0.
	MaxTurnsPerSession int `mapstructure:"max_turns_per_session"`
}

// APIConfig selects and configures the active backend variant.
type APIConfig struct {
	Type       string           `mapstructure:"type" validate:"required,oneof=official unofficial browser bing"`
	Official   OfficialConfig   `mapstructure:"official"`
	Unofficial UnofficialConfig `mapstructure:"unofficial"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Bing       BingConfig       `mapstructure:"bing"`
}

// DatabaseConfig configures persistence.
type DatabaseConfig struct {
	// Path is the badger directory for cursors, records and turn chains.
	Path string `mapstructure:"path" validate:"required"`

	// WeaviateURL enables the vector index for daily summaries when set.
	// Empty runs the bot in lightweight mode without embeddings.
	WeaviateURL string `mapstructure:"weaviate_url"`
}

// ServerConfig configures the metrics/health HTTP listener.
type ServerConfig struct {
	// Addr is the listen address for /metrics and /healthz.
	// Empty disables the listener.
	Addr string `mapstructure:"addr"`
}

// Config is the root configuration for the process.
type Config struct {
	Debug    int            `mapstructure:"debug"`
	Bot      BotConfig      `mapstructure:"bot" validate:"required"`
	API      APIConfig      `mapstructure:"api" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Server   ServerConfig   `mapstructure:"server"`
	LogDir   string         `mapstructure:"log_dir"`

	// Proxy is an optional HTTP(S) proxy applied to the Telegram client
	// and to backend HTTP calls.
	Proxy string `mapstructure:"proxy"`
}

// Load reads, merges and validates configuration.
//
// Description:
//
//	Reads the YAML file at path (when non-empty), overlays KELPIE_*
//	environment variables, applies defaults, and validates the result.
//
// Inputs:
//
//	path - Config file path. Empty falls back to config/config.yaml
//	       if present; a missing default file is not an error as long
//	       as the environment supplies the required values.
//
// Outputs:
//
//	*Config - Validated configuration.
//	error - Non-nil on unreadable file, malformed YAML or failed
//	        validation. Callers treat this as fatal.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("KELPIE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key gets a registered default, including zero values:
	// viper only surfaces environment variables to Unmarshal for keys
	// it already knows about, and the environment must be able to
	// supply a complete configuration on its own.
	defaults := map[string]any{
		"debug":   1,
		"log_dir": "",
		"proxy":   "",

		"bot.token":             "",
		"bot.admin_user_ids":    []int64(nil),
		"bot.allowed_user_ids":  []int64(nil),
		"bot.allowed_group_ids": []int64(nil),
		"bot.chat_command":      "/chat",
		"bot.voice":             false,

		"api.type":                         BackendOfficial,
		"api.official.api_key":             "",
		"api.official.base_url":            "",
		"api.official.model":               "gpt-4o-mini",
		"api.official.system_message":      "",
		"api.official.temperature":         float32(0),
		"api.official.max_context_runes":   24000,
		"api.official.max_response_tokens": 0,
		"api.official.timeout_ms":          0,
		"api.unofficial.access_token":      "",
		"api.unofficial.reverse_proxy_url": "",
		"api.unofficial.model":             "",
		"api.unofficial.timeout_ms":        0,
		"api.browser.email":                "",
		"api.browser.password":             "",
		"api.browser.bin_path":             "",
		"api.browser.user_data_dir":        "",
		"api.browser.proxy_server":         "",
		"api.browser.headless":             false,
		"api.browser.timeout_ms":           0,
		"api.bing.host":                    "",
		"api.bing.user_token":              "",
		"api.bing.cookies":                 "",
		"api.bing.proxy":                   "",
		"api.bing.max_turns_per_session":   -1,

		"database.path":         "data/kelpie",
		"database.weaviate_url": "",

		"server.addr": "",
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural constraints plus the per-backend required
// credentials that struct tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	switch c.API.Type {
	case BackendOfficial:
		if c.API.Official.APIKey == "" {
			return fmt.Errorf("invalid config: api.official.api_key is required for type %q", c.API.Type)
		}
	case BackendUnofficial:
		if c.API.Unofficial.AccessToken == "" {
			return fmt.Errorf("invalid config: api.unofficial.access_token is required for type %q", c.API.Type)
		}
	case BackendBrowser:
		if c.API.Browser.Email == "" || c.API.Browser.Password == "" {
			return fmt.Errorf("invalid config: api.browser.email and api.browser.password are required for type %q", c.API.Type)
		}
	case BackendBing:
		if c.API.Bing.UserToken == "" && c.API.Bing.Cookies == "" {
			return fmt.Errorf("invalid config: api.bing.user_token or api.bing.cookies is required for type %q", c.API.Type)
		}
	default:
		return fmt.Errorf("invalid config: unknown api.type %q", c.API.Type)
	}

	// The summarizer, translator and embedder always speak to the
	// official API regardless of the active chat backend.
	if c.Database.WeaviateURL != "" && c.API.Official.APIKey == "" {
		return fmt.Errorf("invalid config: api.official.api_key is required when database.weaviate_url is set")
	}
	return nil
}

// IsAdmin reports whether the user may invoke privileged commands.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.Bot.AdminUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}
