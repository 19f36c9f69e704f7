package channel

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/keepmind9/imgate/internal/config"
	"github.com/keepmind9/imgate/internal/logger"
	"github.com/keepmind9/imgate/pkg/constants"
	"github.com/sirupsen/logrus"
)

const telegramChannelName = "telegram"

// telegramAPI is the subset of *tgbotapi.BotAPI the channel uses
type telegramAPI interface {
	GetMe() (tgbotapi.User, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// TelegramChannel implements Channel for Telegram using long polling
type TelegramChannel struct {
	token      string
	endpoint   string
	allowList  AllowList
	httpClient *http.Client

	mu  sync.Mutex
	api telegramAPI
}

var _ Channel = (*TelegramChannel)(nil)

// NewTelegramChannel creates a Telegram channel. No network call happens until
// the first operation.
func NewTelegramChannel(token string, allowedUsers []string) (*TelegramChannel, error) {
	if token == "" {
		return nil, &ConfigError{Channel: telegramChannelName, Field: "token", Reason: "is required"}
	}
	return &TelegramChannel{
		token:      token,
		endpoint:   tgbotapi.APIEndpoint,
		allowList:  NewAllowList(allowedUsers),
		httpClient: &http.Client{Timeout: constants.TelegramHTTPTimeout},
	}, nil
}

// NewTelegramChannelFromConfig creates a Telegram channel from its configuration section
func NewTelegramChannelFromConfig(cfg config.TelegramConfig) (*TelegramChannel, error) {
	return NewTelegramChannel(cfg.Token, cfg.AllowedUsers)
}

func (t *TelegramChannel) Name() string {
	return telegramChannelName
}

// client returns the bot API, authenticating with getMe on first use.
// fresh reports whether that getMe happened during this call.
func (t *TelegramChannel) client() (api telegramAPI, fresh bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.api != nil {
		return t.api, false, nil
	}

	bot, err := tgbotapi.NewBotAPIWithClient(t.token, t.endpoint, t.httpClient)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"token": maskSecret(t.token),
			"error": err,
		}).Error("failed-to-initialize-telegram-bot")
		return nil, false, fmt.Errorf("failed to initialize Telegram bot: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"bot_username": bot.Self.UserName,
		"bot_id":       bot.Self.ID,
	}).Info("telegram-bot-initialized-successfully")

	t.api = bot
	return bot, true, nil
}

func (t *TelegramChannel) Send(_ context.Context, msg SendMessage) error {
	chatID, err := strconv.ParseInt(msg.Recipient, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid Telegram chat ID %q: %w", msg.Recipient, err)
	}

	api, _, err := t.client()
	if err != nil {
		sendErrors.WithLabelValues(telegramChannelName).Inc()
		return transportErr(telegramChannelName, "send", err)
	}

	text := msg.Content
	if len(text) > constants.MaxTelegramMessageLength {
		logger.WithFields(logrus.Fields{
			"original_length": len(text),
			"max_length":      constants.MaxTelegramMessageLength,
		}).Info("truncating-message-for-telegram-limit")
		text = truncate(text, constants.MaxTelegramMessageLength)
	}

	if _, err := api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		sendErrors.WithLabelValues(telegramChannelName).Inc()
		logger.WithFields(logrus.Fields{
			"chat_id": chatID,
			"error":   err,
		}).Error("failed-to-send-message-to-telegram")
		return transportErr(telegramChannelName, "send", err)
	}

	messagesSent.WithLabelValues(telegramChannelName).Inc()
	logger.WithField("chat_id", chatID).Debug("message-sent-to-telegram")
	return nil
}

// Listen long-polls for updates until ctx is cancelled
func (t *TelegramChannel) Listen(ctx context.Context, queue chan<- Message) error {
	api, _, err := t.client()
	if err != nil {
		return transportErr(telegramChannelName, "listen", err)
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = int(constants.DefaultPollTimeout.Seconds())
	updates := api.GetUpdatesChan(u)
	defer api.StopReceivingUpdates()

	logger.Info("telegram-long-polling-started")
	for {
		select {
		case <-ctx.Done():
			logger.Info("telegram-long-polling-stopped")
			return nil
		case update, ok := <-updates:
			if !ok {
				return transportErr(telegramChannelName, "listen", fmt.Errorf("updates channel closed"))
			}
			if update.Message != nil {
				t.handleMessage(ctx, update.Message, queue)
			}
		}
	}
}

// handleMessage queues a text message from an allowed sender
func (t *TelegramChannel) handleMessage(ctx context.Context, message *tgbotapi.Message, queue chan<- Message) {
	if message == nil || message.From == nil || message.Chat == nil {
		return
	}

	userID := strconv.FormatInt(message.From.ID, 10)
	if !t.allowList.IsAllowed(userID) {
		messagesDropped.WithLabelValues(telegramChannelName, dropNotAllowed).Inc()
		logger.WithFields(logrus.Fields{
			"user_id":  userID,
			"username": message.From.UserName,
		}).Debug("telegram-message-dropped-not-allowed")
		return
	}

	if message.Text == "" {
		messagesDropped.WithLabelValues(telegramChannelName, dropUnsupportedType).Inc()
		return
	}

	msg := Message{
		ID:          strconv.Itoa(message.MessageID),
		Sender:      userID,
		ReplyTarget: strconv.FormatInt(message.Chat.ID, 10),
		Content:     message.Text,
		Channel:     telegramChannelName,
		Timestamp:   time.Unix(int64(message.Date), 0),
	}

	logger.WithFields(logrus.Fields{
		"user_id":     userID,
		"chat_id":     msg.ReplyTarget,
		"chat_type":   message.Chat.Type,
		"message_id":  message.MessageID,
		"content_len": len(message.Text),
	}).Info("received-telegram-message-parsed")

	select {
	case queue <- msg:
		messagesReceived.WithLabelValues(telegramChannelName).Inc()
	case <-ctx.Done():
	}
}

// HealthCheck calls getMe. The bot library takes no context, so the call runs
// in its own goroutine and an expired ctx reports false without waiting for it.
func (t *TelegramChannel) HealthCheck(ctx context.Context) bool {
	result := make(chan bool, 1)
	go func() {
		api, fresh, err := t.client()
		if err != nil {
			result <- false
			return
		}
		// A fresh client has just passed getMe
		if fresh {
			result <- true
			return
		}
		if _, err := api.GetMe(); err != nil {
			logger.WithField("error", err).Debug("telegram-health-check-failed")
			result <- false
			return
		}
		result <- true
	}()

	select {
	case ok := <-result:
		return ok
	case <-ctx.Done():
		logger.WithField("error", ctx.Err()).Debug("telegram-health-check-timed-out")
		return false
	}
}

// StartTyping sends the "typing" chat action, which Telegram shows for ~5s
func (t *TelegramChannel) StartTyping(_ context.Context, recipient string) error {
	chatID, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid Telegram chat ID %q: %w", recipient, err)
	}
	api, _, err := t.client()
	if err != nil {
		return transportErr(telegramChannelName, "typing", err)
	}
	if _, err := api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		return transportErr(telegramChannelName, "typing", err)
	}
	return nil
}

// StopTyping is a no-op: chat actions expire on their own
func (t *TelegramChannel) StopTyping(_ context.Context, _ string) error {
	return nil
}
