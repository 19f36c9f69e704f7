package channel

import (
	"errors"
	"testing"

	"github.com/keepmind9/imgate/internal/config"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func TestFeishuChannel_Name(t *testing.T) {
	f, err := NewFeishuChannel("cli_feishu_app", "secret", "", 0, nil, WithReceiveMode(config.ReceiveModeWebsocket))
	require.NoError(t, err)
	assert.Equal(t, "feishu", f.Name())
}

func TestFeishuChannel_AlwaysUsesFeishu(t *testing.T) {
	f, err := NewFeishuChannel("cli_feishu_app", "secret", "", 8080, nil)
	require.NoError(t, err)
	assert.True(t, f.UsesFeishu())
	assert.Equal(t, lark.FeishuBaseUrl, f.inner.APIBase())
}

func TestFeishuChannel_CannotBeUnpinned(t *testing.T) {
	f, err := NewFeishuChannel("cli_feishu_app", "secret", "", 8080, nil, WithFeishu(false))
	require.NoError(t, err)
	assert.True(t, f.UsesFeishu())
	assert.Equal(t, lark.FeishuBaseUrl, f.inner.APIBase())
}

func TestFeishuChannel_ExactAllowList(t *testing.T) {
	f, err := NewFeishuChannel("cli_feishu_app", "secret", "", 8080, []string{"ou_alice", "ou_bob"})
	require.NoError(t, err)

	assert.True(t, f.IsUserAllowed("ou_alice"))
	assert.True(t, f.IsUserAllowed("ou_bob"))
	assert.False(t, f.IsUserAllowed("ou_carol"))
	assert.False(t, f.IsUserAllowed(""))
}

func TestFeishuChannel_WildcardAllowList(t *testing.T) {
	f, err := NewFeishuChannel("cli_feishu_app", "secret", "", 8080, []string{"*"})
	require.NoError(t, err)

	assert.True(t, f.IsUserAllowed("ou_anyone"))
	assert.True(t, f.IsUserAllowed("ou_someone_else"))
}

func TestFeishuChannel_EmptyAllowListDeniesAll(t *testing.T) {
	f, err := NewFeishuChannel("cli_feishu_app", "secret", "", 8080, nil)
	require.NoError(t, err)
	assert.False(t, f.IsUserAllowed("ou_alice"))
}

func TestFeishuChannel_DirectConstructionDefaultsToWebhook(t *testing.T) {
	f, err := NewFeishuChannel("cli_feishu_app", "secret", "", 9000, nil)
	require.NoError(t, err)
	assert.Equal(t, config.ReceiveModeWebhook, f.inner.ReceiveMode())
	assert.Equal(t, 9000, f.inner.Port())
}

func TestNewFeishuChannelFromConfig(t *testing.T) {
	t.Run("websocket by default", func(t *testing.T) {
		f, err := NewFeishuChannelFromConfig(config.FeishuConfig{
			AppID:        "cli_feishu_app",
			AppSecret:    "secret",
			AllowedUsers: []string{"ou_alice"},
		})
		require.NoError(t, err)
		assert.Equal(t, "feishu", f.Name())
		assert.Equal(t, config.ReceiveModeWebsocket, f.inner.ReceiveMode())
		assert.True(t, f.UsesFeishu())
		assert.True(t, f.IsUserAllowed("ou_alice"))
	})

	t.Run("webhook with port and keys", func(t *testing.T) {
		f, err := NewFeishuChannelFromConfig(config.FeishuConfig{
			AppID:             "cli_feishu_app",
			AppSecret:         "secret",
			EncryptKey:        strPtr("enc"),
			VerificationToken: strPtr("vtoken"),
			ReceiveMode:       config.ReceiveModeWebhook,
			Port:              intPtr(9001),
		})
		require.NoError(t, err)
		assert.Equal(t, config.ReceiveModeWebhook, f.inner.ReceiveMode())
		assert.Equal(t, 9001, f.inner.Port())
		assert.Equal(t, "enc", f.inner.encryptKey)
		assert.Equal(t, "vtoken", f.inner.verificationToken)
	})

	t.Run("nil token matches direct construction with empty token", func(t *testing.T) {
		allowed := []string{"ou_alice", "ou_bob"}
		fromConfig, err := NewFeishuChannelFromConfig(config.FeishuConfig{
			AppID:        "cli_feishu_app",
			AppSecret:    "secret",
			AllowedUsers: allowed,
			ReceiveMode:  config.ReceiveModeWebhook,
			Port:         intPtr(9000),
		})
		require.NoError(t, err)
		direct, err := NewFeishuChannel("cli_feishu_app", "secret", "", 9000, allowed)
		require.NoError(t, err)

		assert.Empty(t, fromConfig.inner.verificationToken)
		assert.Equal(t, direct.inner.verificationToken, fromConfig.inner.verificationToken)
		assert.Equal(t, direct.inner.allowList, fromConfig.inner.allowList)
		assert.Equal(t, direct.inner.ReceiveMode(), fromConfig.inner.ReceiveMode())
		assert.Equal(t, direct.inner.Port(), fromConfig.inner.Port())

		for _, id := range append(allowed, "ou_stranger") {
			assert.Equal(t, direct.IsUserAllowed(id), fromConfig.IsUserAllowed(id), id)
		}
		assert.False(t, fromConfig.IsUserAllowed("ou_stranger"))
	})

	t.Run("webhook without port", func(t *testing.T) {
		_, err := NewFeishuChannelFromConfig(config.FeishuConfig{
			AppID:       "cli_feishu_app",
			AppSecret:   "secret",
			ReceiveMode: config.ReceiveModeWebhook,
		})
		var cfgErr *ConfigError
		require.True(t, errors.As(err, &cfgErr))
		assert.Equal(t, "feishu", cfgErr.Channel)
		assert.Equal(t, "port", cfgErr.Field)
	})
}

func TestNewLarkChannel_ConfigErrors(t *testing.T) {
	tests := []struct {
		name      string
		appID     string
		appSecret string
		port      int
		opts      []LarkOption
		field     string
	}{
		{"missing app id", "", "secret", 8080, nil, "app_id"},
		{"missing app secret", "cli_app", "", 8080, nil, "app_secret"},
		{"negative port", "cli_app", "secret", -1, nil, "port"},
		{"port too large", "cli_app", "secret", 70000, nil, "port"},
		{"webhook without port", "cli_app", "secret", 0, nil, "port"},
		{"unknown receive mode", "cli_app", "secret", 8080, []LarkOption{WithReceiveMode("carrier-pigeon")}, "receive_mode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch, err := NewLarkChannel(tt.appID, tt.appSecret, "", tt.port, nil, tt.opts...)
			assert.Nil(t, ch)
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, "lark", cfgErr.Channel)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestNewLarkChannel_Defaults(t *testing.T) {
	l, err := NewLarkChannel("cli_lark_app", "secret", "", 8080, nil)
	require.NoError(t, err)

	assert.Equal(t, "lark", l.Name())
	assert.False(t, l.UsesFeishu())
	assert.Equal(t, lark.LarkBaseUrl, l.APIBase())
	assert.Equal(t, config.ReceiveModeWebhook, l.ReceiveMode())
}

func TestNewLarkChannel_WithFeishu(t *testing.T) {
	l, err := NewLarkChannel("cli_lark_app", "secret", "", 0, nil,
		WithFeishu(true), WithReceiveMode(config.ReceiveModeWebsocket))
	require.NoError(t, err)

	assert.Equal(t, "lark", l.Name())
	assert.True(t, l.UsesFeishu())
	assert.Equal(t, lark.FeishuBaseUrl, l.APIBase())
	assert.Equal(t, 0, l.Port())
}

func TestNewLarkChannelFromConfig(t *testing.T) {
	l, err := NewLarkChannelFromConfig(config.LarkConfig{
		AppID:        "cli_lark_app",
		AppSecret:    "secret",
		AllowedUsers: []string{"*"},
		UseFeishu:    true,
	})
	require.NoError(t, err)

	assert.Equal(t, "lark", l.Name())
	assert.True(t, l.UsesFeishu())
	assert.Equal(t, config.ReceiveModeWebsocket, l.ReceiveMode())
	assert.True(t, l.IsUserAllowed("ou_anyone"))
}
