package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownChannel indicates a lookup by name found no configured channel
	ErrUnknownChannel = errors.New("channel: unknown channel")

	// ErrNotStarted indicates an operation needs a connection opened by Listen
	ErrNotStarted = errors.New("channel: transport not started")
)

// TransportError wraps a platform API or network failure
type TransportError struct {
	Channel string // channel name
	Op      string // send, listen, typing
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s failed: %v", e.Channel, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func transportErr(channel, op string, err error) error {
	return &TransportError{Channel: channel, Op: op, Err: err}
}

// ConfigError reports a missing or invalid field detected at construction
type ConfigError struct {
	Channel string
	Field   string
	Reason  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: invalid %s: %s", e.Channel, e.Field, e.Reason)
}
