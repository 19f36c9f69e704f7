package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/keepmind9/imgate/internal/channel"
	"github.com/keepmind9/imgate/internal/core"
	"github.com/spf13/cobra"
)

var (
	sendChannel string
	sendTo      string
)

var sendCmd = &cobra.Command{
	Use:   "send [flags] <text>",
	Short: "Send a one-off message through a channel",
	Long: `Send a text message through one configured channel and exit.

Examples:
  imgate send --channel feishu --to oc_5ad11d72b830411d72b836c20 "deploy finished"
  imgate send --channel telegram --to 123456789 "backup done"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadRuntime()
		if err != nil {
			return err
		}

		channels, err := channel.NewChannelsFromConfig(cfg.Channels)
		if err != nil {
			return err
		}

		engine, err := core.NewEngine(channels, func(_ context.Context, _ channel.Message) {})
		if err != nil {
			return err
		}

		msg := channel.SendMessage{Recipient: sendTo, Content: strings.Join(args, " ")}
		if err := engine.Send(cmd.Context(), sendChannel, msg); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "✓ Message sent via %s to %s\n", sendChannel, sendTo)
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendChannel, "channel", "", "Channel name (feishu, lark, telegram, discord, dingtalk)")
	sendCmd.Flags().StringVar(&sendTo, "to", "", "Recipient id (chat, user or conversation id)")
	_ = sendCmd.MarkFlagRequired("channel")
	_ = sendCmd.MarkFlagRequired("to")
}
