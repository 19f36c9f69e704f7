package channel

import (
	"context"

	"github.com/keepmind9/imgate/internal/config"
)

const feishuChannelName = "feishu"

// FeishuChannel is the Feishu (China) flavour of Lark. It owns a LarkChannel
// whose endpoint family is pinned to Feishu and forwards every operation to it.
type FeishuChannel struct {
	inner *LarkChannel
}

var _ Channel = (*FeishuChannel)(nil)

// NewFeishuChannel creates a Feishu channel. It takes the same arguments as
// NewLarkChannel; options may set the receive mode or encrypt key, but the
// endpoint family is always Feishu whatever WithFeishu value they carry.
func NewFeishuChannel(appID, appSecret, verificationToken string, port int, allowedUsers []string, opts ...LarkOption) (*FeishuChannel, error) {
	all := make([]LarkOption, 0, len(opts)+2)
	all = append(all, withMessageLabel(feishuChannelName))
	all = append(all, opts...)
	all = append(all, WithFeishu(true))

	inner, err := NewLarkChannel(appID, appSecret, verificationToken, port, allowedUsers, all...)
	if err != nil {
		return nil, err
	}
	return &FeishuChannel{inner: inner}, nil
}

// NewFeishuChannelFromConfig creates a Feishu channel from its configuration
// section. A missing verification token is treated as empty.
func NewFeishuChannelFromConfig(cfg config.FeishuConfig) (*FeishuChannel, error) {
	mode := cfg.ReceiveMode
	if mode == "" {
		mode = config.DefaultReceiveMode
	}
	opts := []LarkOption{WithReceiveMode(mode)}
	if cfg.EncryptKey != nil {
		opts = append(opts, WithEncryptKey(*cfg.EncryptKey))
	}
	return NewFeishuChannel(cfg.AppID, cfg.AppSecret, stringValue(cfg.VerificationToken), intValue(cfg.Port), cfg.AllowedUsers, opts...)
}

// Name returns "feishu"
func (f *FeishuChannel) Name() string {
	return feishuChannelName
}

func (f *FeishuChannel) Send(ctx context.Context, msg SendMessage) error {
	return f.inner.Send(ctx, msg)
}

func (f *FeishuChannel) Listen(ctx context.Context, queue chan<- Message) error {
	return f.inner.Listen(ctx, queue)
}

func (f *FeishuChannel) HealthCheck(ctx context.Context) bool {
	return f.inner.HealthCheck(ctx)
}

func (f *FeishuChannel) StartTyping(ctx context.Context, recipient string) error {
	return f.inner.StartTyping(ctx, recipient)
}

func (f *FeishuChannel) StopTyping(ctx context.Context, recipient string) error {
	return f.inner.StopTyping(ctx, recipient)
}

// IsUserAllowed reports whether an open_id passes the allow-list
func (f *FeishuChannel) IsUserAllowed(openID string) bool {
	return f.inner.IsUserAllowed(openID)
}

// UsesFeishu always reports true
func (f *FeishuChannel) UsesFeishu() bool {
	return f.inner.UsesFeishu()
}
