package constants

import "time"

// Message length limits for different platforms
const (
	// MaxDiscordMessageLength is Discord's message character limit
	MaxDiscordMessageLength = 2000
	// MaxTelegramMessageLength is Telegram's message character limit
	MaxTelegramMessageLength = 4096
	// MaxLarkMessageLength is the Lark/Feishu text message limit
	MaxLarkMessageLength = 20000
	// MaxDingTalkMessageLength is DingTalk's message character limit
	MaxDingTalkMessageLength = 20000
)

// Platform endpoints
const (
	// LarkWebhookPath is where webhook-mode Lark channels accept events
	LarkWebhookPath = "/lark"
	// DingTalkAPIBaseURL is the DingTalk OpenAPI host
	DingTalkAPIBaseURL = "https://api.dingtalk.com"
)

// Timeouts and delays
const (
	// DefaultPollTimeout is the timeout for long polling operations
	DefaultPollTimeout = 60 * time.Second
	// WebhookReadHeaderTimeout bounds header reads on webhook servers
	WebhookReadHeaderTimeout = 10 * time.Second
	// ShutdownTimeout bounds graceful HTTP server shutdown
	ShutdownTimeout = 5 * time.Second
	// HealthCheckTimeout bounds a single channel health check
	HealthCheckTimeout = 10 * time.Second
	// TelegramHTTPTimeout bounds Telegram API calls; it must outlast a long poll
	TelegramHTTPTimeout = DefaultPollTimeout + HealthCheckTimeout
	// DingTalkSessionWebhookTTL applies when a message omits its session webhook expiry
	DingTalkSessionWebhookTTL = 90 * time.Minute
)

// Message buffer sizes
const (
	// MessageQueueBufferSize is the buffer size for the inbound message queue
	MessageQueueBufferSize = 100
)

// Secret masking
const (
	// MinSecretLengthForMasking is the minimum secret length to show any characters
	MinSecretLengthForMasking = 10
	// SecretMaskPrefixLength is the length of prefix to show before masking
	SecretMaskPrefixLength = 4
	// SecretMaskSuffixLength is the length of suffix to show after masking
	SecretMaskSuffixLength = 4
)

// AppID masking
const (
	// MinAppIDLengthForMasking is the minimum app ID length to apply masking
	MinAppIDLengthForMasking = 8
	// AppIDMaskPrefixLength is the length of prefix to show before masking
	AppIDMaskPrefixLength = 4
	// AppIDMaskSuffixLength is the length of suffix to show after masking
	AppIDMaskSuffixLength = 4
)

// Logging defaults
const (
	// DefaultLogMaxSize is the default maximum log file size in MB
	DefaultLogMaxSize = 100
	// DefaultLogMaxAge is the default maximum number of days to retain old logs
	DefaultLogMaxAge = 30
)
