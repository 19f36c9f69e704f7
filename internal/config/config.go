// Package config loads and validates the imgate configuration file.
//
// Configuration is a YAML document with ${VAR} environment expansion:
//
//	channels:
//	  feishu:
//	    app_id: "cli_xxx"
//	    app_secret: "${FEISHU_APP_SECRET}"
//	    allowed_users: ["ou_xxx"]
//	    receive_mode: websocket
//	  telegram:
//	    token: "${TELEGRAM_BOT_TOKEN}"
//	    allowed_users: ["*"]
//	logging:
//	  level: info
//	metrics:
//	  listen: ":9090"
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultLogLevel      = "info"
	DefaultLogMaxSize    = 100 // MB
	DefaultLogMaxBackups = 5
	DefaultLogMaxAge     = 30 // days

	DefaultReceiveMode = ReceiveModeWebsocket
)

// LoadConfig loads configuration from file and expands environment variables
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses raw YAML, expands environment variables and validates the result
func ParseConfig(data []byte) (*Config, error) {
	expandedData, err := expandEnv(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to expand environment variables: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// expandEnv replaces ${VAR_NAME} patterns with environment variable values
func expandEnv(input string) (string, error) {
	var missingVars []string

	result := os.Expand(input, func(key string) string {
		if val := os.Getenv(key); val != "" {
			return val
		}
		missingVars = append(missingVars, key)
		return ""
	})

	if len(missingVars) > 0 {
		return "", fmt.Errorf("missing required environment variables: %s",
			strings.Join(missingVars, ", "))
	}

	return result, nil
}

// validateConfig applies defaults and rejects configurations that cannot start
func validateConfig(config *Config) error {
	if config.Logging.Level == "" {
		config.Logging.Level = DefaultLogLevel
	}
	if config.Logging.MaxSize == 0 {
		config.Logging.MaxSize = DefaultLogMaxSize
	}
	if config.Logging.MaxBackups == 0 {
		config.Logging.MaxBackups = DefaultLogMaxBackups
	}
	if config.Logging.MaxAge == 0 {
		config.Logging.MaxAge = DefaultLogMaxAge
	}
	// Without a file, the console is the only place logs can go
	if config.Logging.File == "" {
		config.Logging.EnableConsole = true
	}

	ch := &config.Channels
	if ch.Count() == 0 {
		return fmt.Errorf("at least one channel must be configured")
	}

	if ch.Feishu != nil {
		if err := validateLarkFamily("feishu", ch.Feishu.AppID, ch.Feishu.AppSecret, &ch.Feishu.ReceiveMode, ch.Feishu.Port); err != nil {
			return err
		}
	}
	if ch.Lark != nil {
		if err := validateLarkFamily("lark", ch.Lark.AppID, ch.Lark.AppSecret, &ch.Lark.ReceiveMode, ch.Lark.Port); err != nil {
			return err
		}
	}
	if ch.Telegram != nil && ch.Telegram.Token == "" {
		return fmt.Errorf("channels.telegram.token is required")
	}
	if ch.Discord != nil && ch.Discord.Token == "" {
		return fmt.Errorf("channels.discord.token is required")
	}
	if ch.DingTalk != nil {
		if ch.DingTalk.ClientID == "" || ch.DingTalk.ClientSecret == "" {
			return fmt.Errorf("channels.dingtalk.client_id and client_secret are required")
		}
	}

	return nil
}

func validateLarkFamily(name, appID, appSecret string, mode *LarkReceiveMode, port *int) error {
	if appID == "" {
		return fmt.Errorf("channels.%s.app_id is required", name)
	}
	if appSecret == "" {
		return fmt.Errorf("channels.%s.app_secret is required", name)
	}

	if *mode == "" {
		*mode = DefaultReceiveMode
	}
	switch *mode {
	case ReceiveModeWebsocket:
	case ReceiveModeWebhook:
		if port == nil {
			return fmt.Errorf("channels.%s.port is required when receive_mode is webhook", name)
		}
		if *port < 1 || *port > 65535 {
			return fmt.Errorf("channels.%s.port must be 1-65535, got %d", name, *port)
		}
	default:
		return fmt.Errorf("channels.%s.receive_mode %q is invalid (must be websocket or webhook)", name, *mode)
	}
	return nil
}

// Count returns how many channel sections are configured
func (c ChannelsConfig) Count() int {
	n := 0
	if c.Feishu != nil {
		n++
	}
	if c.Lark != nil {
		n++
	}
	if c.Telegram != nil {
		n++
	}
	if c.Discord != nil {
		n++
	}
	if c.DingTalk != nil {
		n++
	}
	return n
}

// Names returns the names of the configured channels in a stable order
func (c ChannelsConfig) Names() []string {
	var names []string
	if c.Feishu != nil {
		names = append(names, "feishu")
	}
	if c.Lark != nil {
		names = append(names, "lark")
	}
	if c.Telegram != nil {
		names = append(names, "telegram")
	}
	if c.Discord != nil {
		names = append(names, "discord")
	}
	if c.DingTalk != nil {
		names = append(names, "dingtalk")
	}
	return names
}

// AllowedUsers returns the allow-list configured for the named channel
func (c ChannelsConfig) AllowedUsers(name string) []string {
	switch name {
	case "feishu":
		if c.Feishu != nil {
			return c.Feishu.AllowedUsers
		}
	case "lark":
		if c.Lark != nil {
			return c.Lark.AllowedUsers
		}
	case "telegram":
		if c.Telegram != nil {
			return c.Telegram.AllowedUsers
		}
	case "discord":
		if c.Discord != nil {
			return c.Discord.AllowedUsers
		}
	case "dingtalk":
		if c.DingTalk != nil {
			return c.DingTalk.AllowedUsers
		}
	}
	return nil
}
