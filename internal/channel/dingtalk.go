package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/keepmind9/imgate/internal/config"
	"github.com/keepmind9/imgate/internal/logger"
	"github.com/keepmind9/imgate/pkg/constants"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/client"
	"github.com/sirupsen/logrus"
)

const dingTalkChannelName = "dingtalk"

// dingTalkReplier posts a reply through a conversation's session webhook
type dingTalkReplier interface {
	SimpleReplyText(ctx context.Context, sessionWebhook string, content []byte) error
}

// sessionWebhook is a reply URL DingTalk issued for one conversation
type sessionWebhook struct {
	url     string
	expires time.Time
}

func (w sessionWebhook) expired(now time.Time) bool {
	return !now.Before(w.expires)
}

// DingTalkChannel implements Channel for DingTalk using the Stream long connection.
// Replies go through the session webhook DingTalk attaches to every inbound
// message, so Send only reaches conversations that have spoken since Listen began.
type DingTalkChannel struct {
	clientID     string
	clientSecret string
	allowList    AllowList
	apiBase      string
	httpClient   *http.Client
	replier      dingTalkReplier

	mu       sync.Mutex
	webhooks map[string]sessionWebhook // conversation id -> latest session webhook
}

var _ Channel = (*DingTalkChannel)(nil)

// NewDingTalkChannel creates a DingTalk channel
func NewDingTalkChannel(clientID, clientSecret string, allowedUsers []string) (*DingTalkChannel, error) {
	if clientID == "" {
		return nil, &ConfigError{Channel: dingTalkChannelName, Field: "client_id", Reason: "is required"}
	}
	if clientSecret == "" {
		return nil, &ConfigError{Channel: dingTalkChannelName, Field: "client_secret", Reason: "is required"}
	}
	return &DingTalkChannel{
		clientID:     clientID,
		clientSecret: clientSecret,
		allowList:    NewAllowList(allowedUsers),
		apiBase:      constants.DingTalkAPIBaseURL,
		httpClient:   &http.Client{Timeout: constants.HealthCheckTimeout},
		replier:      chatbot.NewChatbotReplier(),
		webhooks:     make(map[string]sessionWebhook),
	}, nil
}

// NewDingTalkChannelFromConfig creates a DingTalk channel from its configuration section
func NewDingTalkChannelFromConfig(cfg config.DingTalkConfig) (*DingTalkChannel, error) {
	return NewDingTalkChannel(cfg.ClientID, cfg.ClientSecret, cfg.AllowedUsers)
}

func (d *DingTalkChannel) Name() string {
	return dingTalkChannelName
}

// Send replies to a conversation id previously seen by Listen whose session
// webhook has not yet expired
func (d *DingTalkChannel) Send(ctx context.Context, msg SendMessage) error {
	if msg.Recipient == "" {
		return fmt.Errorf("conversation ID is required for DingTalk")
	}

	webhook, ok := d.liveWebhook(msg.Recipient, time.Now())
	if !ok {
		sendErrors.WithLabelValues(dingTalkChannelName).Inc()
		return transportErr(dingTalkChannelName, "send",
			fmt.Errorf("no live session webhook for conversation %s: %w", msg.Recipient, ErrNotStarted))
	}

	text := msg.Content
	if len(text) > constants.MaxDingTalkMessageLength {
		logger.WithFields(logrus.Fields{
			"original_length": len(text),
			"max_length":      constants.MaxDingTalkMessageLength,
		}).Info("truncating-message-for-dingtalk-limit")
		text = truncate(text, constants.MaxDingTalkMessageLength)
	}

	if err := d.replier.SimpleReplyText(ctx, webhook, []byte(text)); err != nil {
		sendErrors.WithLabelValues(dingTalkChannelName).Inc()
		logger.WithFields(logrus.Fields{
			"conversation_id": msg.Recipient,
			"error":           err,
		}).Error("failed-to-send-message-to-dingtalk")
		return transportErr(dingTalkChannelName, "send", err)
	}

	messagesSent.WithLabelValues(dingTalkChannelName).Inc()
	logger.WithField("conversation_id", msg.Recipient).Debug("message-sent-to-dingtalk")
	return nil
}

// Listen holds the stream connection open until ctx is cancelled
func (d *DingTalkChannel) Listen(ctx context.Context, queue chan<- Message) error {
	logger.WithField("client_id", maskAppID(d.clientID)).Info("starting-dingtalk-stream-connection")

	credential := client.NewAppCredentialConfig(d.clientID, d.clientSecret)
	stream := client.NewStreamClient(client.WithAppCredential(credential))
	stream.RegisterChatBotCallbackRouter(func(_ context.Context, data *chatbot.BotCallbackDataModel) ([]byte, error) {
		d.handleMessageReceive(ctx, data, queue)
		return []byte(""), nil
	})

	if err := stream.Start(ctx); err != nil {
		return transportErr(dingTalkChannelName, "listen", err)
	}
	logger.Info("dingtalk-stream-connection-started")

	<-ctx.Done()
	stream.Close()
	logger.Info("dingtalk-stream-connection-stopped")
	return nil
}

func (d *DingTalkChannel) handleMessageReceive(ctx context.Context, data *chatbot.BotCallbackDataModel, queue chan<- Message) {
	if data == nil {
		return
	}

	if data.ConversationId != "" && data.SessionWebhook != "" {
		d.rememberWebhook(data, time.Now())
	}

	sender := data.SenderStaffId
	if sender == "" {
		sender = data.SenderId
	}
	if !d.allowList.IsAllowed(sender) {
		messagesDropped.WithLabelValues(dingTalkChannelName, dropNotAllowed).Inc()
		logger.WithFields(logrus.Fields{
			"sender_id":   sender,
			"sender_nick": data.SenderNick,
		}).Debug("dingtalk-message-dropped-not-allowed")
		return
	}

	if data.Msgtype != "text" {
		messagesDropped.WithLabelValues(dingTalkChannelName, dropUnsupportedType).Inc()
		logger.WithField("msg_type", data.Msgtype).Debug("dingtalk-message-dropped-unsupported-type")
		return
	}

	content := strings.TrimSpace(data.Text.Content)
	if content == "" {
		messagesDropped.WithLabelValues(dingTalkChannelName, dropEmpty).Inc()
		return
	}

	ts := time.Now()
	if data.CreateAt > 0 {
		ts = time.UnixMilli(data.CreateAt)
	}
	msg := Message{
		ID:          data.MsgId,
		Sender:      sender,
		ReplyTarget: data.ConversationId,
		Content:     content,
		Channel:     dingTalkChannelName,
		Timestamp:   ts,
	}

	logger.WithFields(logrus.Fields{
		"conversation_id":   data.ConversationId,
		"conversation_type": data.ConversationType,
		"sender_id":         sender,
		"msg_id":            data.MsgId,
		"content_len":       len(content),
	}).Info("received-dingtalk-message-event-parsed")

	select {
	case queue <- msg:
		messagesReceived.WithLabelValues(dingTalkChannelName).Inc()
	case <-ctx.Done():
	}
}

// rememberWebhook stores the conversation's session webhook and evicts every
// expired entry, so the map only holds conversations that can still be answered
func (d *DingTalkChannel) rememberWebhook(data *chatbot.BotCallbackDataModel, now time.Time) {
	expires := now.Add(constants.DingTalkSessionWebhookTTL)
	if data.SessionWebhookExpiredTime > 0 {
		expires = time.UnixMilli(data.SessionWebhookExpiredTime)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for id, w := range d.webhooks {
		if w.expired(now) {
			delete(d.webhooks, id)
		}
	}
	d.webhooks[data.ConversationId] = sessionWebhook{url: data.SessionWebhook, expires: expires}
}

// liveWebhook returns the webhook for a conversation. Expired entries
// are removed and reported as missing.
func (d *DingTalkChannel) liveWebhook(conversationID string, now time.Time) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.webhooks[conversationID]
	if !ok {
		return "", false
	}
	if w.expired(now) {
		delete(d.webhooks, conversationID)
		logger.WithFields(logrus.Fields{
			"conversation_id": conversationID,
			"expired_at":      w.expires,
		}).Debug("dingtalk-session-webhook-expired")
		return "", false
	}
	return w.url, true
}

type dingTalkTokenRequest struct {
	AppKey    string `json:"appKey"`
	AppSecret string `json:"appSecret"`
}

type dingTalkTokenResponse struct {
	AccessToken string `json:"accessToken"`
	ExpireIn    int    `json:"expireIn"`
}

// HealthCheck exchanges the app credentials for an access token
func (d *DingTalkChannel) HealthCheck(ctx context.Context) bool {
	body, err := json.Marshal(dingTalkTokenRequest{AppKey: d.clientID, AppSecret: d.clientSecret})
	if err != nil {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.apiBase+"/v1.0/oauth2/accessToken", bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		logger.WithField("error", err).Debug("dingtalk-health-check-failed")
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.WithField("status", resp.StatusCode).Debug("dingtalk-health-check-rejected")
		return false
	}

	var token dingTalkTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return false
	}
	return token.AccessToken != ""
}

// StartTyping is a no-op: DingTalk bots have no typing indicator
func (d *DingTalkChannel) StartTyping(_ context.Context, _ string) error {
	return nil
}

func (d *DingTalkChannel) StopTyping(_ context.Context, _ string) error {
	return nil
}
