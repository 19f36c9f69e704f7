package channel

import (
	"fmt"

	"github.com/keepmind9/imgate/internal/config"
)

// NewChannelsFromConfig builds every configured channel in the order given by
// ChannelsConfig.Names. The first construction failure aborts the whole set.
func NewChannelsFromConfig(cfg config.ChannelsConfig) ([]Channel, error) {
	var channels []Channel
	for _, name := range cfg.Names() {
		ch, err := newChannel(name, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s channel: %w", name, err)
		}
		channels = append(channels, ch)
	}
	return channels, nil
}

func newChannel(name string, cfg config.ChannelsConfig) (Channel, error) {
	switch name {
	case feishuChannelName:
		return NewFeishuChannelFromConfig(*cfg.Feishu)
	case larkChannelName:
		return NewLarkChannelFromConfig(*cfg.Lark)
	case telegramChannelName:
		return NewTelegramChannelFromConfig(*cfg.Telegram)
	case discordChannelName:
		return NewDiscordChannelFromConfig(*cfg.Discord)
	case dingTalkChannelName:
		return NewDingTalkChannelFromConfig(*cfg.DingTalk)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
}
