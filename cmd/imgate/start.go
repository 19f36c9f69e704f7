package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/keepmind9/imgate/internal/channel"
	"github.com/keepmind9/imgate/internal/core"
	"github.com/keepmind9/imgate/internal/logger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	startEcho      bool
	startQueueSize int
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway",
	Long: `Start every configured channel and print each accepted inbound message
to stdout as one JSON object per line. Logs go to stderr or the log file.

With --echo, every message is answered with its own text in the same
conversation, which is handy for checking a new channel end to end.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadRuntime()
		if err != nil {
			return err
		}

		channels, err := channel.NewChannelsFromConfig(cfg.Channels)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var engine *core.Engine
		printer := newMessagePrinter(cmd.OutOrStdout())
		handler := func(ctx context.Context, msg channel.Message) {
			if err := printer.Print(msg); err != nil {
				logger.WithField("error", err).Error("failed-to-print-message")
			}
			if startEcho {
				echoReply(ctx, engine, msg)
			}
		}

		engine, err = core.NewEngine(channels, handler,
			core.WithMetricsListen(cfg.Metrics.Listen),
			core.WithQueueSize(startQueueSize),
		)
		if err != nil {
			return err
		}

		logger.WithFields(logrus.Fields{
			"channels": engine.Names(),
			"echo":     startEcho,
			"metrics":  cfg.Metrics.Listen,
		}).Info("imgate-starting")

		if err := engine.Run(ctx); err != nil {
			return fmt.Errorf("engine stopped: %w", err)
		}
		logger.Info("imgate-stopped")
		return nil
	},
}

// inboundRecord is the JSON line written for each inbound message
type inboundRecord struct {
	ID          string    `json:"id"`
	Channel     string    `json:"channel"`
	Sender      string    `json:"sender"`
	ReplyTarget string    `json:"reply_target"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
}

// messagePrinter writes inbound messages as JSON lines
type messagePrinter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newMessagePrinter(w io.Writer) *messagePrinter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &messagePrinter{enc: enc}
}

func (p *messagePrinter) Print(msg channel.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(inboundRecord{
		ID:          msg.ID,
		Channel:     msg.Channel,
		Sender:      msg.Sender,
		ReplyTarget: msg.ReplyTarget,
		Content:     msg.Content,
		Timestamp:   msg.Timestamp,
	})
}

// echoReply sends msg's content back to where it came from, with a typing
// indicator shown while the reply is in flight
func echoReply(ctx context.Context, engine *core.Engine, msg channel.Message) {
	ch, ok := engine.Channel(msg.Channel)
	if !ok {
		return
	}
	err := core.WithTyping(ctx, ch, msg.ReplyTarget, func() error {
		return engine.Reply(ctx, msg, msg.Content)
	})
	if err != nil {
		logger.WithFields(logrus.Fields{
			"channel":    msg.Channel,
			"message_id": msg.ID,
			"error":      err,
		}).Error("failed-to-echo-message")
	}
}

func init() {
	startCmd.Flags().BoolVar(&startEcho, "echo", false, "Reply to every message with its own text")
	startCmd.Flags().IntVar(&startQueueSize, "queue-size", 0, "Inbound queue capacity (default 100)")
}
