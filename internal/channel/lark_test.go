package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/keepmind9/imgate/internal/config"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkevent "github.com/larksuite/oapi-sdk-go/v3/event"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLark(t *testing.T, allowed []string, opts ...LarkOption) *LarkChannel {
	t.Helper()
	opts = append([]LarkOption{WithReceiveMode(config.ReceiveModeWebsocket)}, opts...)
	l, err := NewLarkChannel("cli_test_"+t.Name(), "secret", "vtoken", 0, allowed, opts...)
	require.NoError(t, err)
	return l
}

func messageEvent(openID, msgType, content string) *larkim.P2MessageReceiveV1 {
	return &larkim.P2MessageReceiveV1{
		Event: &larkim.P2MessageReceiveV1Data{
			Sender: &larkim.EventSender{
				SenderId: &larkim.UserId{OpenId: strPtr(openID)},
			},
			Message: &larkim.EventMessage{
				MessageId:   strPtr("om_123"),
				ChatId:      strPtr("oc_456"),
				ChatType:    strPtr("p2p"),
				MessageType: strPtr(msgType),
				Content:     strPtr(content),
				CreateTime:  strPtr("1700000000000"),
			},
		},
	}
}

func TestLarkChannel_HandleMessageReceive(t *testing.T) {
	l := newTestLark(t, []string{"ou_alice"})
	queue := make(chan Message, 1)

	l.handleMessageReceive(context.Background(), messageEvent("ou_alice", "text", `{"text":"@_user_1 hello bot"}`), queue)

	require.Len(t, queue, 1)
	msg := <-queue
	assert.Equal(t, "om_123", msg.ID)
	assert.Equal(t, "ou_alice", msg.Sender)
	assert.Equal(t, "oc_456", msg.ReplyTarget)
	assert.Equal(t, "hello bot", msg.Content)
	assert.Equal(t, "lark", msg.Channel)
	assert.Equal(t, time.UnixMilli(1700000000000), msg.Timestamp)
}

func TestLarkChannel_HandleMessageReceive_Drops(t *testing.T) {
	tests := []struct {
		name  string
		event *larkim.P2MessageReceiveV1
	}{
		{"nil event", nil},
		{"nil event body", &larkim.P2MessageReceiveV1{}},
		{"sender not allowed", messageEvent("ou_mallory", "text", `{"text":"hi"}`)},
		{"non-text message", messageEvent("ou_alice", "image", `{"image_key":"img_1"}`)},
		{"mention only", messageEvent("ou_alice", "text", `{"text":"@_user_1 "}`)},
		{"malformed content", messageEvent("ou_alice", "text", `{not json`)},
	}

	l := newTestLark(t, []string{"ou_alice"})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := make(chan Message, 1)
			l.handleMessageReceive(context.Background(), tt.event, queue)
			assert.Empty(t, queue)
		})
	}
}

func TestLarkChannel_HandleMessageReceive_MissingIDGetsUUID(t *testing.T) {
	l := newTestLark(t, []string{"*"})
	event := messageEvent("ou_anyone", "text", `{"text":"hi"}`)
	event.Event.Message.MessageId = nil
	queue := make(chan Message, 1)

	l.handleMessageReceive(context.Background(), event, queue)

	msg := <-queue
	assert.Len(t, msg.ID, 36)
}

func TestFeishuChannel_MessagesLabelledFeishu(t *testing.T) {
	f, err := NewFeishuChannel("cli_feishu_label", "secret", "", 0, []string{"*"}, WithReceiveMode(config.ReceiveModeWebsocket))
	require.NoError(t, err)
	queue := make(chan Message, 1)

	f.inner.handleMessageReceive(context.Background(), messageEvent("ou_alice", "text", `{"text":"hi"}`), queue)

	msg := <-queue
	assert.Equal(t, "feishu", msg.Channel)
}

func TestLarkChannel_HandleMessageReceive_CancelledContext(t *testing.T) {
	l := newTestLark(t, []string{"*"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		l.handleMessageReceive(ctx, messageEvent("ou_alice", "text", `{"text":"hi"}`), make(chan Message))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handleMessageReceive blocked on a full queue after cancellation")
	}
}

func TestReceiveIDType(t *testing.T) {
	tests := []struct {
		recipient string
		expected  string
	}{
		{"ou_abc", "open_id"},
		{"on_abc", "union_id"},
		{"alice@example.com", "email"},
		{"oc_abc", "chat_id"},
		{"", "chat_id"},
	}
	for _, tt := range tests {
		t.Run(tt.recipient, func(t *testing.T) {
			assert.Equal(t, tt.expected, receiveIDType(tt.recipient))
		})
	}
}

func TestExtractTextContent(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected string
	}{
		{"normal text message", `{"text":"hello world"}`, "hello world"},
		{"text with newline", `{"text":"hello\nworld"}`, "hello\nworld"},
		{"mention stripped", `{"text":"@_user_1 run tests"}`, "run tests"},
		{"at all stripped", `{"text":"@_all standup"}`, "standup"},
		{"empty JSON", `{}`, ""},
		{"invalid JSON", `{invalid}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, extractTextContent(tt.content))
		})
	}
}

// fakeLarkAPI serves the two open platform endpoints the channel calls
type fakeLarkAPI struct {
	mu          sync.Mutex
	tokenCode   int
	sendCode    int
	receiveType string
	body        map[string]interface{}
}

func (f *fakeLarkAPI) handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/open-apis/auth/v3/tenant_access_token/internal", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		code := f.tokenCode
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if code != 0 {
			_, _ = w.Write([]byte(`{"code":10014,"msg":"app secret invalid"}`))
			return
		}
		_, _ = w.Write([]byte(`{"code":0,"msg":"ok","tenant_access_token":"t-test","expire":7200}`))
	})
	r.Post("/open-apis/im/v1/messages", func(w http.ResponseWriter, req *http.Request) {
		raw, _ := io.ReadAll(req.Body)
		f.mu.Lock()
		f.receiveType = req.URL.Query().Get("receive_id_type")
		_ = json.Unmarshal(raw, &f.body)
		code := f.sendCode
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if code != 0 {
			_, _ = w.Write([]byte(`{"code":230001,"msg":"invalid receive_id"}`))
			return
		}
		_, _ = w.Write([]byte(`{"code":0,"msg":"success","data":{"message_id":"om_sent"}}`))
	})
	return r
}

func TestLarkChannel_Send(t *testing.T) {
	api := &fakeLarkAPI{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	l := newTestLark(t, nil, withBaseURL(srv.URL))
	err := l.Send(context.Background(), SendMessage{Recipient: "ou_alice", Content: `say "hi"`})
	require.NoError(t, err)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, "open_id", api.receiveType)
	assert.Equal(t, "ou_alice", api.body["receive_id"])
	assert.Equal(t, "text", api.body["msg_type"])
	assert.JSONEq(t, `{"text":"say \"hi\""}`, api.body["content"].(string))
}

func TestLarkChannel_Send_APIError(t *testing.T) {
	api := &fakeLarkAPI{sendCode: 230001}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	l := newTestLark(t, nil, withBaseURL(srv.URL))
	err := l.Send(context.Background(), SendMessage{Recipient: "oc_chat", Content: "hi"})

	var tErr *TransportError
	require.True(t, errors.As(err, &tErr))
	assert.Equal(t, "lark", tErr.Channel)
	assert.Equal(t, "send", tErr.Op)
	assert.Contains(t, err.Error(), "230001")
}

func TestLarkChannel_Send_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	l := newTestLark(t, nil, withBaseURL(srv.URL))
	err := l.Send(context.Background(), SendMessage{Recipient: "oc_chat", Content: "hi"})

	var tErr *TransportError
	assert.True(t, errors.As(err, &tErr))
}

func TestLarkChannel_HealthCheck(t *testing.T) {
	t.Run("valid credentials", func(t *testing.T) {
		srv := httptest.NewServer((&fakeLarkAPI{}).handler())
		defer srv.Close()
		l := newTestLark(t, nil, withBaseURL(srv.URL))
		assert.True(t, l.HealthCheck(context.Background()))
	})

	t.Run("rejected credentials", func(t *testing.T) {
		srv := httptest.NewServer((&fakeLarkAPI{tokenCode: 10014}).handler())
		defer srv.Close()
		l := newTestLark(t, nil, withBaseURL(srv.URL))
		assert.False(t, l.HealthCheck(context.Background()))
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		l := newTestLark(t, nil, withBaseURL(srv.URL))
		assert.False(t, l.HealthCheck(context.Background()))
	})
}

func TestLarkChannel_WebhookRouter(t *testing.T) {
	l, err := NewLarkChannel("cli_webhook_app", "secret", "vtoken", 8080, []string{"ou_alice"})
	require.NoError(t, err)
	queue := make(chan Message, 1)
	router := l.webhookRouter(context.Background(), queue)

	t.Run("healthz", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ok", rec.Body.String())
	})

	t.Run("url verification", func(t *testing.T) {
		body := `{"challenge":"ch_abc","token":"vtoken","type":"url_verification"}`
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/lark", strings.NewReader(body)))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "ch_abc")
	})

	t.Run("message event", func(t *testing.T) {
		body := webhookEventBody("vtoken")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/lark", strings.NewReader(body)))
		assert.Equal(t, http.StatusOK, rec.Code)

		require.Len(t, queue, 1)
		msg := <-queue
		assert.Equal(t, "om_hook", msg.ID)
		assert.Equal(t, "from webhook", msg.Content)
	})

	t.Run("forged verification token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/lark", strings.NewReader(webhookEventBody("forged"))))
		assert.Empty(t, queue)
	})

	t.Run("get on event path", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/lark", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func webhookEventBody(token string) string {
	return `{
		"schema": "2.0",
		"header": {"event_id": "ev_1", "event_type": "im.message.receive_v1", "token": "` + token + `", "app_id": "cli_webhook_app"},
		"event": {
			"sender": {"sender_id": {"open_id": "ou_alice"}, "sender_type": "user"},
			"message": {
				"message_id": "om_hook",
				"chat_id": "oc_hook",
				"chat_type": "group",
				"message_type": "text",
				"content": "{\"text\":\"from webhook\"}",
				"create_time": "1700000000000"
			}
		}
	}`
}

func TestLarkChannel_TokenMatches(t *testing.T) {
	withToken := func(token string) *larkim.P2MessageReceiveV1 {
		return &larkim.P2MessageReceiveV1{EventV2Base: &larkevent.EventV2Base{Header: &larkevent.EventHeader{Token: token}}}
	}

	l, err := NewLarkChannel("cli_token_app", "secret", "vtoken", 8080, nil)
	require.NoError(t, err)
	assert.True(t, l.tokenMatches(withToken("vtoken")))
	assert.False(t, l.tokenMatches(withToken("forged")))
	assert.False(t, l.tokenMatches(withToken("")))
	assert.False(t, l.tokenMatches(&larkim.P2MessageReceiveV1{}))

	noToken, err := NewLarkChannel("cli_token_app", "secret", "", 8080, nil)
	require.NoError(t, err)
	assert.True(t, noToken.tokenMatches(withToken("anything")))
}

func TestFeishuChannel_WebhookRejectsForgedToken(t *testing.T) {
	f, err := NewFeishuChannel("cli_forged_app", "s", "vtoken", 8080, []string{"*"})
	require.NoError(t, err)
	queue := make(chan Message, 1)
	router := f.inner.webhookRouter(context.Background(), queue)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/lark", strings.NewReader(webhookEventBody("forged"))))

	assert.Empty(t, queue)
}

type fakeWSClient struct {
	startErr error
}

func (f *fakeWSClient) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	<-ctx.Done()
	return nil
}

func fakeWSFactory(c wsClient) wsFactory {
	return func(_, _, _ string, _ *dispatcher.EventDispatcher, _ larkcore.Logger) wsClient {
		return c
	}
}

func TestLarkChannel_ListenWebsocket(t *testing.T) {
	t.Run("returns nil on cancel", func(t *testing.T) {
		l := newTestLark(t, nil, withWSFactory(fakeWSFactory(&fakeWSClient{})))
		ctx, cancel := context.WithCancel(context.Background())

		errCh := make(chan error, 1)
		go func() { errCh <- l.Listen(ctx, make(chan Message)) }()
		cancel()

		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Listen did not return after cancellation")
		}
	})

	t.Run("start failure is a transport error", func(t *testing.T) {
		l := newTestLark(t, nil, withWSFactory(fakeWSFactory(&fakeWSClient{startErr: errors.New("dial refused")})))

		err := l.Listen(context.Background(), make(chan Message))

		var tErr *TransportError
		require.True(t, errors.As(err, &tErr))
		assert.Equal(t, "listen", tErr.Op)
	})

	t.Run("factory receives the feishu domain", func(t *testing.T) {
		var gotDomain string
		factory := func(_, _, domain string, _ *dispatcher.EventDispatcher, _ larkcore.Logger) wsClient {
			gotDomain = domain
			return &fakeWSClient{startErr: errors.New("stop")}
		}
		f, err := NewFeishuChannel("cli_ws_feishu", "secret", "", 0, nil,
			WithReceiveMode(config.ReceiveModeWebsocket), withWSFactory(factory))
		require.NoError(t, err)

		_ = f.Listen(context.Background(), make(chan Message))
		assert.Equal(t, "https://open.feishu.cn", gotDomain)
	})
}

func TestLarkChannel_TypingIsNoop(t *testing.T) {
	l := newTestLark(t, nil)
	assert.NoError(t, l.StartTyping(context.Background(), "oc_chat"))
	assert.NoError(t, l.StopTyping(context.Background(), "oc_chat"))
}
