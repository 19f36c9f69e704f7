package channel

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/keepmind9/imgate/internal/config"
	"github.com/keepmind9/imgate/internal/logger"
	"github.com/keepmind9/imgate/pkg/constants"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/larksuite/oapi-sdk-go/v3/core/httpserverext"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"
	"github.com/sirupsen/logrus"
)

const larkChannelName = "lark"

// Receive id types accepted by im/v1/messages
const (
	receiveIDOpenID  = "open_id"
	receiveIDUnionID = "union_id"
	receiveIDEmail   = "email"
	receiveIDChatID  = "chat_id"
)

// mentionPlaceholder matches the tokens Lark substitutes for @mentions in text content
var mentionPlaceholder = regexp.MustCompile(`@_(user_\d+|all)`)

// wsClient is the part of the Lark long-connection client Listen needs
type wsClient interface {
	Start(ctx context.Context) error
}

type wsFactory func(appID, appSecret, domain string, handler *dispatcher.EventDispatcher, log larkcore.Logger) wsClient

func defaultWSFactory(appID, appSecret, domain string, handler *dispatcher.EventDispatcher, log larkcore.Logger) wsClient {
	return larkws.NewClient(appID, appSecret,
		larkws.WithEventHandler(handler),
		larkws.WithDomain(domain),
		larkws.WithAutoReconnect(true),
		larkws.WithLogger(log),
		larkws.WithLogLevel(larkcore.LogLevelInfo),
	)
}

// LarkOption configures a LarkChannel at construction time.
// There are no setters: once built, a channel's settings never change.
type LarkOption func(*larkSettings)

type larkSettings struct {
	useFeishu   bool
	receiveMode config.LarkReceiveMode
	encryptKey  string
	label       string
	baseURL     string
	newWS       wsFactory
}

// WithFeishu selects the Feishu (open.feishu.cn) endpoint family instead of Lark
func WithFeishu(useFeishu bool) LarkOption {
	return func(s *larkSettings) { s.useFeishu = useFeishu }
}

// WithReceiveMode overrides the default webhook receive mode
func WithReceiveMode(mode config.LarkReceiveMode) LarkOption {
	return func(s *larkSettings) { s.receiveMode = mode }
}

// WithEncryptKey sets the event encryption key used to decrypt pushed events
func WithEncryptKey(key string) LarkOption {
	return func(s *larkSettings) { s.encryptKey = key }
}

// withMessageLabel sets the name used in logs, metrics and Message.Channel
func withMessageLabel(label string) LarkOption {
	return func(s *larkSettings) { s.label = label }
}

// withBaseURL points the REST client and long connection at another host
func withBaseURL(url string) LarkOption {
	return func(s *larkSettings) { s.baseURL = url }
}

func withWSFactory(f wsFactory) LarkOption {
	return func(s *larkSettings) { s.newWS = f }
}

// LarkChannel implements Channel for the Lark platform family. One instance
// talks to either Lark (international) or Feishu (China); the choice is made
// at construction and cannot change afterwards.
type LarkChannel struct {
	appID             string
	appSecret         string
	verificationToken string
	encryptKey        string
	port              int
	allowList         AllowList
	useFeishu         bool
	receiveMode       config.LarkReceiveMode
	apiBase           string
	label             string
	client            *lark.Client
	newWS             wsFactory
}

var _ Channel = (*LarkChannel)(nil)

// NewLarkChannel creates a Lark channel. Without options it targets the
// international endpoints and receives events through a webhook on port.
// A port of 0 means unset, which is only valid for the websocket receive mode.
func NewLarkChannel(appID, appSecret, verificationToken string, port int, allowedUsers []string, opts ...LarkOption) (*LarkChannel, error) {
	s := larkSettings{
		receiveMode: config.ReceiveModeWebhook,
		label:       larkChannelName,
		newWS:       defaultWSFactory,
	}
	for _, opt := range opts {
		opt(&s)
	}

	if appID == "" {
		return nil, &ConfigError{Channel: s.label, Field: "app_id", Reason: "is required"}
	}
	if appSecret == "" {
		return nil, &ConfigError{Channel: s.label, Field: "app_secret", Reason: "is required"}
	}
	if port < 0 || port > 65535 {
		return nil, &ConfigError{Channel: s.label, Field: "port", Reason: fmt.Sprintf("must be 1-65535, got %d", port)}
	}
	switch s.receiveMode {
	case config.ReceiveModeWebsocket:
	case config.ReceiveModeWebhook:
		if port == 0 {
			return nil, &ConfigError{Channel: s.label, Field: "port", Reason: "is required for webhook receive mode"}
		}
	default:
		return nil, &ConfigError{Channel: s.label, Field: "receive_mode", Reason: fmt.Sprintf("unknown mode %q", s.receiveMode)}
	}

	apiBase := s.baseURL
	if apiBase == "" {
		apiBase = lark.LarkBaseUrl
		if s.useFeishu {
			apiBase = lark.FeishuBaseUrl
		}
	}

	l := &LarkChannel{
		appID:             appID,
		appSecret:         appSecret,
		verificationToken: verificationToken,
		encryptKey:        s.encryptKey,
		port:              port,
		allowList:         NewAllowList(allowedUsers),
		useFeishu:         s.useFeishu,
		receiveMode:       s.receiveMode,
		apiBase:           apiBase,
		label:             s.label,
		newWS:             s.newWS,
	}
	l.client = lark.NewClient(appID, appSecret,
		lark.WithOpenBaseUrl(apiBase),
		lark.WithLogger(newLarkLogger(s.label)),
		lark.WithLogLevel(larkcore.LogLevelWarn),
	)

	logger.WithFields(logrus.Fields{
		"channel":       l.label,
		"app_id":        maskAppID(appID),
		"api_base":      apiBase,
		"receive_mode":  l.receiveMode,
		"allowed_users": l.allowList.Len(),
	}).Debug("lark-channel-created")

	return l, nil
}

// NewLarkChannelFromConfig creates a Lark channel from its configuration section
func NewLarkChannelFromConfig(cfg config.LarkConfig) (*LarkChannel, error) {
	mode := cfg.ReceiveMode
	if mode == "" {
		mode = config.DefaultReceiveMode
	}
	opts := []LarkOption{WithFeishu(cfg.UseFeishu), WithReceiveMode(mode)}
	if cfg.EncryptKey != nil {
		opts = append(opts, WithEncryptKey(*cfg.EncryptKey))
	}
	return NewLarkChannel(cfg.AppID, cfg.AppSecret, stringValue(cfg.VerificationToken), intValue(cfg.Port), cfg.AllowedUsers, opts...)
}

// Name returns "lark"
func (l *LarkChannel) Name() string {
	return larkChannelName
}

// UsesFeishu reports whether the channel targets the Feishu endpoint family
func (l *LarkChannel) UsesFeishu() bool {
	return l.useFeishu
}

// APIBase returns the open platform host the channel talks to
func (l *LarkChannel) APIBase() string {
	return l.apiBase
}

// ReceiveMode returns how the channel receives inbound events
func (l *LarkChannel) ReceiveMode() config.LarkReceiveMode {
	return l.receiveMode
}

// Port returns the webhook port, 0 when unset
func (l *LarkChannel) Port() int {
	return l.port
}

// IsUserAllowed reports whether an open_id passes the allow-list
func (l *LarkChannel) IsUserAllowed(openID string) bool {
	return l.allowList.IsAllowed(openID)
}

// Send sends a text message. The recipient may be a chat id (oc_), an open_id
// (ou_), a union_id (on_) or an email address.
func (l *LarkChannel) Send(ctx context.Context, msg SendMessage) error {
	text := msg.Content
	if len(text) > constants.MaxLarkMessageLength {
		logger.WithFields(logrus.Fields{
			"channel":         l.label,
			"original_length": len(text),
			"max_length":      constants.MaxLarkMessageLength,
		}).Info("truncating-message-for-lark-limit")
		text = truncate(text, constants.MaxLarkMessageLength)
	}

	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("failed to encode message content: %w", err)
	}

	body := larkim.NewCreateMessageReqBodyBuilder().
		ReceiveId(msg.Recipient).
		MsgType(larkim.MsgTypeText).
		Content(string(content)).
		Build()

	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(receiveIDType(msg.Recipient)).
		Body(body).
		Build()

	resp, err := l.client.Im.Message.Create(ctx, req)
	if err != nil {
		sendErrors.WithLabelValues(l.label).Inc()
		logger.WithFields(logrus.Fields{
			"channel":   l.label,
			"recipient": msg.Recipient,
			"error":     err,
		}).Error("failed-to-send-message-to-lark")
		return transportErr(l.label, "send", err)
	}

	if !resp.Success() {
		sendErrors.WithLabelValues(l.label).Inc()
		logger.WithFields(logrus.Fields{
			"channel":    l.label,
			"recipient":  msg.Recipient,
			"code":       resp.Code,
			"msg":        resp.Msg,
			"request_id": resp.RequestId(),
		}).Error("failed-to-send-message-to-lark-api-error")
		return transportErr(l.label, "send", fmt.Errorf("API error: code=%d, msg=%s", resp.Code, resp.Msg))
	}

	messagesSent.WithLabelValues(l.label).Inc()
	logger.WithFields(logrus.Fields{
		"channel":   l.label,
		"recipient": msg.Recipient,
	}).Debug("message-sent-to-lark")
	return nil
}

// Listen receives events until ctx is cancelled, through an HTTP webhook
// server or the SDK long connection depending on the receive mode.
func (l *LarkChannel) Listen(ctx context.Context, queue chan<- Message) error {
	if l.receiveMode == config.ReceiveModeWebhook {
		return l.listenWebhook(ctx, queue)
	}
	return l.listenWebsocket(ctx, queue)
}

// eventDispatcher routes im.message.receive_v1 events to handleMessageReceive.
// With checkToken set, events whose header token differs from the configured
// verification token are rejected.
func (l *LarkChannel) eventDispatcher(ctx context.Context, queue chan<- Message, checkToken bool) *dispatcher.EventDispatcher {
	return dispatcher.NewEventDispatcher(l.verificationToken, l.encryptKey).
		OnP2MessageReceiveV1(func(_ context.Context, event *larkim.P2MessageReceiveV1) error {
			if checkToken && !l.tokenMatches(event) {
				messagesDropped.WithLabelValues(l.label, dropBadToken).Inc()
				logger.WithField("channel", l.label).Warn("lark-event-rejected-bad-verification-token")
				return errBadVerificationToken
			}
			l.handleMessageReceive(ctx, event, queue)
			return nil
		})
}

var errBadVerificationToken = errors.New("event verification token mismatch")

// tokenMatches reports whether an event carries the configured verification
// token. An empty configured token accepts every event.
func (l *LarkChannel) tokenMatches(event *larkim.P2MessageReceiveV1) bool {
	if l.verificationToken == "" {
		return true
	}
	if event == nil || event.EventV2Base == nil || event.EventV2Base.Header == nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(event.EventV2Base.Header.Token), []byte(l.verificationToken)) == 1
}

func (l *LarkChannel) listenWebsocket(ctx context.Context, queue chan<- Message) error {
	logger.WithFields(logrus.Fields{
		"channel": l.label,
		"app_id":  maskAppID(l.appID),
		"domain":  l.apiBase,
	}).Info("starting-lark-websocket-long-connection")

	client := l.newWS(l.appID, l.appSecret, l.apiBase, l.eventDispatcher(ctx, queue, false), newLarkLogger(l.label))

	// Start blocks forever and ignores ctx, so it gets its own goroutine
	errCh := make(chan error, 1)
	go func() {
		errCh <- client.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.WithFields(logrus.Fields{
				"channel": l.label,
				"error":   err,
			}).Error("lark-websocket-connection-failed")
			return transportErr(l.label, "listen", err)
		}
		return nil
	case <-ctx.Done():
		logger.WithField("channel", l.label).Info("lark-websocket-listener-stopped")
		return nil
	}
}

func (l *LarkChannel) listenWebhook(ctx context.Context, queue chan<- Message) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", l.port),
		Handler:           l.webhookRouter(ctx, queue),
		ReadHeaderTimeout: constants.WebhookReadHeaderTimeout,
	}

	logger.WithFields(logrus.Fields{
		"channel": l.label,
		"addr":    srv.Addr,
		"path":    constants.LarkWebhookPath,
	}).Info("starting-lark-webhook-server")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return transportErr(l.label, "listen", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithFields(logrus.Fields{
				"channel": l.label,
				"error":   err,
			}).Warn("lark-webhook-server-shutdown-failed")
		}
		logger.WithField("channel", l.label).Info("lark-webhook-server-stopped")
		return nil
	}
}

// webhookRouter serves event callbacks (URL verification included) on
// LarkWebhookPath and a liveness check on /healthz
func (l *LarkChannel) webhookRouter(ctx context.Context, queue chan<- Message) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Post(constants.LarkWebhookPath, httpserverext.NewEventHandlerFunc(l.eventDispatcher(ctx, queue, true)))
	return r
}

// handleMessageReceive turns an im.message.receive_v1 event into a Message
// and queues it if the sender is allowed
func (l *LarkChannel) handleMessageReceive(ctx context.Context, event *larkim.P2MessageReceiveV1, queue chan<- Message) {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return
	}
	ev := event.Event

	var openID string
	if ev.Sender != nil && ev.Sender.SenderId != nil && ev.Sender.SenderId.OpenId != nil {
		openID = *ev.Sender.SenderId.OpenId
	}

	if !l.allowList.IsAllowed(openID) {
		messagesDropped.WithLabelValues(l.label, dropNotAllowed).Inc()
		logger.WithFields(logrus.Fields{
			"channel": l.label,
			"sender":  openID,
		}).Debug("lark-message-dropped-not-allowed")
		return
	}

	m := ev.Message
	if stringValue(m.MessageType) != larkim.MsgTypeText {
		messagesDropped.WithLabelValues(l.label, dropUnsupportedType).Inc()
		logger.WithFields(logrus.Fields{
			"channel":      l.label,
			"message_type": stringValue(m.MessageType),
		}).Debug("lark-message-dropped-unsupported-type")
		return
	}

	text := extractTextContent(stringValue(m.Content))
	if text == "" {
		messagesDropped.WithLabelValues(l.label, dropEmpty).Inc()
		return
	}

	id := stringValue(m.MessageId)
	if id == "" {
		id = uuid.NewString()
	}

	msg := Message{
		ID:          id,
		Sender:      openID,
		ReplyTarget: stringValue(m.ChatId),
		Content:     text,
		Channel:     l.label,
		Timestamp:   parseMillis(stringValue(m.CreateTime)),
	}

	logger.WithFields(logrus.Fields{
		"channel":     l.label,
		"sender":      openID,
		"chat_id":     msg.ReplyTarget,
		"chat_type":   stringValue(m.ChatType),
		"message_id":  id,
		"content_len": len(text),
	}).Info("received-lark-message-event-parsed")

	select {
	case queue <- msg:
		messagesReceived.WithLabelValues(l.label).Inc()
	case <-ctx.Done():
	}
}

// HealthCheck verifies the credentials by requesting a tenant access token
func (l *LarkChannel) HealthCheck(ctx context.Context) bool {
	resp, err := l.client.GetTenantAccessTokenBySelfBuiltApp(ctx, &larkcore.SelfBuiltTenantAccessTokenReq{
		AppID:     l.appID,
		AppSecret: l.appSecret,
	})
	if err != nil {
		logger.WithFields(logrus.Fields{
			"channel": l.label,
			"error":   err,
		}).Debug("lark-health-check-failed")
		return false
	}
	if resp.Code != 0 || resp.TenantAccessToken == "" {
		logger.WithFields(logrus.Fields{
			"channel": l.label,
			"code":    resp.Code,
			"msg":     resp.Msg,
		}).Debug("lark-health-check-rejected")
		return false
	}
	return true
}

// StartTyping is a no-op: the Lark open platform has no typing indicator
func (l *LarkChannel) StartTyping(_ context.Context, recipient string) error {
	logger.WithFields(logrus.Fields{
		"channel":   l.label,
		"recipient": recipient,
	}).Debug("lark-typing-not-supported")
	return nil
}

// StopTyping is a no-op, see StartTyping
func (l *LarkChannel) StopTyping(_ context.Context, _ string) error {
	return nil
}

// receiveIDType infers the im/v1 receive_id_type from the id's shape
func receiveIDType(recipient string) string {
	switch {
	case strings.HasPrefix(recipient, "ou_"):
		return receiveIDOpenID
	case strings.HasPrefix(recipient, "on_"):
		return receiveIDUnionID
	case strings.Contains(recipient, "@"):
		return receiveIDEmail
	default:
		return receiveIDChatID
	}
}

// extractTextContent decodes a text message body ({"text":"..."}) and strips
// @mention placeholders. Malformed content yields "".
func extractTextContent(content string) string {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(content), &body); err != nil {
		return ""
	}
	return strings.TrimSpace(mentionPlaceholder.ReplaceAllString(body.Text, ""))
}

// parseMillis parses a millisecond epoch string, falling back to now
func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}

func stringValue(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func intValue(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
