package config

// LarkReceiveMode selects how a Lark-family channel receives inbound events
type LarkReceiveMode string

const (
	ReceiveModeWebsocket LarkReceiveMode = "websocket" // SDK long connection, no public endpoint needed
	ReceiveModeWebhook   LarkReceiveMode = "webhook"   // HTTP event subscription, needs a port
)

// Config represents the complete imgate configuration structure
type Config struct {
	Channels ChannelsConfig `yaml:"channels"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ChannelsConfig holds one optional section per supported platform.
// A nil section means the channel is not configured.
type ChannelsConfig struct {
	Feishu   *FeishuConfig   `yaml:"feishu"`
	Lark     *LarkConfig     `yaml:"lark"`
	Telegram *TelegramConfig `yaml:"telegram"`
	Discord  *DiscordConfig  `yaml:"discord"`
	DingTalk *DingTalkConfig `yaml:"dingtalk"`
}

// FeishuConfig represents the Feishu (China) channel configuration.
// It deliberately has no use_feishu field: the endpoint family is fixed.
type FeishuConfig struct {
	AppID             string          `yaml:"app_id"`
	AppSecret         string          `yaml:"app_secret"`
	EncryptKey        *string         `yaml:"encrypt_key"`        // Optional, for encrypted events
	VerificationToken *string         `yaml:"verification_token"` // Optional, for event verification
	AllowedUsers      []string        `yaml:"allowed_users"`      // open_ids, or "*" for everyone
	ReceiveMode       LarkReceiveMode `yaml:"receive_mode"`       // websocket (default) or webhook
	Port              *int            `yaml:"port"`               // Required iff receive_mode is webhook
}

// LarkConfig represents the Lark channel configuration
type LarkConfig struct {
	AppID             string          `yaml:"app_id"`
	AppSecret         string          `yaml:"app_secret"`
	EncryptKey        *string         `yaml:"encrypt_key"`
	VerificationToken *string         `yaml:"verification_token"`
	AllowedUsers      []string        `yaml:"allowed_users"`
	UseFeishu         bool            `yaml:"use_feishu"` // Use open.feishu.cn instead of open.larksuite.com
	ReceiveMode       LarkReceiveMode `yaml:"receive_mode"`
	Port              *int            `yaml:"port"`
}

// TelegramConfig represents the Telegram channel configuration
type TelegramConfig struct {
	Token        string   `yaml:"token"`
	AllowedUsers []string `yaml:"allowed_users"`
}

// DiscordConfig represents the Discord channel configuration
type DiscordConfig struct {
	Token        string   `yaml:"token"`
	AllowedUsers []string `yaml:"allowed_users"`
}

// DingTalkConfig represents the DingTalk channel configuration
type DingTalkConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	AllowedUsers []string `yaml:"allowed_users"` // staff ids, or "*"
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level         string `yaml:"level"`          // debug, info, warn, error
	File          string `yaml:"file"`           // Log file path
	MaxSize       int    `yaml:"max_size"`       // Single file max size in MB (default: 100)
	MaxBackups    int    `yaml:"max_backups"`    // Number of backups to keep (default: 5)
	MaxAge        int    `yaml:"max_age"`        // Maximum days to retain (default: 30)
	Compress      bool   `yaml:"compress"`       // Whether to compress old logs
	EnableConsole bool   `yaml:"enable_console"` // Also output to stderr (forced on when file is empty)
}

// MetricsConfig represents the Prometheus endpoint configuration
type MetricsConfig struct {
	Listen string `yaml:"listen"` // e.g. ":9090"; empty disables the endpoint
}
