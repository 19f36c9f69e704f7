// Package channel provides chat-platform adapters behind one Channel contract.
//
// Every adapter (Lark, Feishu, Telegram, Discord, DingTalk) sends outbound
// messages, listens for inbound ones, reports health and drives a typing
// indicator. Inbound messages pass through the adapter's AllowList before they
// are pushed onto the queue handed to Listen; senders that are not allowed are
// dropped silently.
//
// # Adapter composition
//
// FeishuChannel is not a separate implementation. It owns one LarkChannel
// built with the Feishu endpoint family pinned and forwards every operation to
// it, overriding only Name:
//
//	ch, err := channel.NewFeishuChannel(appID, appSecret, "", 0, []string{"ou_xxx"},
//	    channel.WithReceiveMode(config.ReceiveModeWebsocket))
//	if err != nil {
//	    return err
//	}
//	queue := make(chan channel.Message, constants.MessageQueueBufferSize)
//	go ch.Listen(ctx, queue)
//	for msg := range queue {
//	    _ = ch.Send(ctx, channel.SendMessage{Recipient: msg.ReplyTarget, Content: "ack"})
//	}
//
// # Thread Safety
//
// Send, HealthCheck and the typing operations may run concurrently with an
// active Listen. Lark and Feishu adapters only read configuration fixed at
// construction; adapters that track connection state guard it with a mutex.
package channel

import (
	"context"
	"time"
)

// Channel defines the contract every chat-platform adapter satisfies
type Channel interface {
	// Name returns the stable platform identifier, e.g. "feishu"
	Name() string

	// Send transmits one outbound message. Platform or network failures are
	// returned as *TransportError; there is no retry at this layer.
	Send(ctx context.Context, msg SendMessage) error

	// Listen receives inbound messages and pushes every allowed one onto queue
	// in arrival order. It blocks until ctx is cancelled or the transport
	// fails unrecoverably.
	Listen(ctx context.Context, queue chan<- Message) error

	// HealthCheck reports whether the platform is reachable. It never fails; problems report false.
	HealthCheck(ctx context.Context) bool

	// StartTyping and StopTyping signal presence to a recipient.
	// Errors are advisory and must not block message delivery.
	StartTyping(ctx context.Context, recipient string) error
	StopTyping(ctx context.Context, recipient string) error
}

// Message is an inbound chat message accepted by a channel
type Message struct {
	ID          string    // Platform message id (or a generated uuid)
	Sender      string    // Sender identity checked against the allow-list
	ReplyTarget string    // Where replies go: chat/conversation id
	Content     string    // Plain text content
	Channel     string    // Name() of the receiving channel
	Timestamp   time.Time // Arrival time
}

// SendMessage is an outbound chat message
type SendMessage struct {
	Recipient string // Chat/conversation id, platform-specific
	Content   string
}
