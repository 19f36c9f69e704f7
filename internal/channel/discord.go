package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/keepmind9/imgate/internal/config"
	"github.com/keepmind9/imgate/internal/logger"
	"github.com/keepmind9/imgate/pkg/constants"
	"github.com/sirupsen/logrus"
)

const discordChannelName = "discord"

// discordSession defines the interface we need from discordgo.Session
// This allows us to mock it in tests without depending on concrete types
type discordSession interface {
	AddHandler(handler interface{}) func()
	Open() error
	Close() error
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
}

// DiscordChannel implements Channel for Discord over the gateway websocket
type DiscordChannel struct {
	token     string
	allowList AllowList
	session   discordSession
}

var _ Channel = (*DiscordChannel)(nil)

// NewDiscordChannel creates a Discord channel. The session is created here but
// the gateway connection is only opened by Listen.
func NewDiscordChannel(token string, allowedUsers []string) (*DiscordChannel, error) {
	if token == "" {
		return nil, &ConfigError{Channel: discordChannelName, Field: "token", Reason: "is required"}
	}

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	return &DiscordChannel{
		token:     token,
		allowList: NewAllowList(allowedUsers),
		session:   session,
	}, nil
}

// NewDiscordChannelFromConfig creates a Discord channel from its configuration section
func NewDiscordChannelFromConfig(cfg config.DiscordConfig) (*DiscordChannel, error) {
	return NewDiscordChannel(cfg.Token, cfg.AllowedUsers)
}

func (d *DiscordChannel) Name() string {
	return discordChannelName
}

func (d *DiscordChannel) Send(_ context.Context, msg SendMessage) error {
	text := msg.Content
	if len(text) > constants.MaxDiscordMessageLength {
		logger.WithFields(logrus.Fields{
			"original_length": len(text),
			"max_length":      constants.MaxDiscordMessageLength,
		}).Info("truncating-message-for-discord-limit")
		text = truncate(text, constants.MaxDiscordMessageLength)
	}

	if _, err := d.session.ChannelMessageSend(msg.Recipient, text); err != nil {
		sendErrors.WithLabelValues(discordChannelName).Inc()
		logger.WithFields(logrus.Fields{
			"channel_id": msg.Recipient,
			"error":      err,
		}).Error("failed-to-send-message-to-discord")
		return transportErr(discordChannelName, "send", err)
	}

	messagesSent.WithLabelValues(discordChannelName).Inc()
	logger.WithField("channel_id", msg.Recipient).Debug("message-sent-to-discord")
	return nil
}

// Listen opens the gateway connection and blocks until ctx is cancelled
func (d *DiscordChannel) Listen(ctx context.Context, queue chan<- Message) error {
	logger.WithField("token", maskSecret(d.token)).Info("starting-discord-gateway-connection")

	remove := d.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		d.handleMessageCreate(ctx, m, queue)
	})
	defer remove()

	if err := d.session.Open(); err != nil {
		return transportErr(discordChannelName, "listen", fmt.Errorf("failed to open discord connection: %w", err))
	}

	<-ctx.Done()

	if err := d.session.Close(); err != nil {
		logger.WithField("error", err).Warn("failed-to-close-discord-session")
	}
	logger.Info("discord-gateway-connection-stopped")
	return nil
}

func (d *DiscordChannel) handleMessageCreate(ctx context.Context, m *discordgo.MessageCreate, queue chan<- Message) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot {
		return
	}

	if !d.allowList.IsAllowed(m.Author.ID) {
		messagesDropped.WithLabelValues(discordChannelName, dropNotAllowed).Inc()
		logger.WithFields(logrus.Fields{
			"user_id":  m.Author.ID,
			"username": m.Author.Username,
		}).Debug("discord-message-dropped-not-allowed")
		return
	}

	if m.Content == "" {
		messagesDropped.WithLabelValues(discordChannelName, dropEmpty).Inc()
		return
	}

	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	msg := Message{
		ID:          m.ID,
		Sender:      m.Author.ID,
		ReplyTarget: m.ChannelID,
		Content:     m.Content,
		Channel:     discordChannelName,
		Timestamp:   ts,
	}

	logger.WithFields(logrus.Fields{
		"user_id":     m.Author.ID,
		"channel_id":  m.ChannelID,
		"message_id":  m.ID,
		"content_len": len(m.Content),
	}).Info("received-discord-message")

	select {
	case queue <- msg:
		messagesReceived.WithLabelValues(discordChannelName).Inc()
	case <-ctx.Done():
	}
}

func (d *DiscordChannel) HealthCheck(_ context.Context) bool {
	if _, err := d.session.User("@me"); err != nil {
		logger.WithField("error", err).Debug("discord-health-check-failed")
		return false
	}
	return true
}

// StartTyping triggers the typing indicator, which Discord clears after ~10s
func (d *DiscordChannel) StartTyping(_ context.Context, recipient string) error {
	if err := d.session.ChannelTyping(recipient); err != nil {
		return transportErr(discordChannelName, "typing", err)
	}
	return nil
}

// StopTyping is a no-op: the indicator expires or clears on the next message
func (d *DiscordChannel) StopTyping(_ context.Context, _ string) error {
	return nil
}
