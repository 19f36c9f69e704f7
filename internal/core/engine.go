package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/keepmind9/imgate/internal/channel"
	"github.com/keepmind9/imgate/internal/logger"
	"github.com/keepmind9/imgate/pkg/constants"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrAllListenersStopped is returned by Run when every channel listener has
// exited while its context was still live
var ErrAllListenersStopped = errors.New("core: every channel listener stopped")

var (
	listenerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imgate_listener_failures_total",
		Help: "Channel listeners that returned an error or panicked.",
	}, []string{"channel"})

	messagesHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imgate_engine_messages_handled_total",
		Help: "Inbound messages passed to the handler.",
	}, []string{"channel"})
)

// MessageHandler processes one inbound message. Calls are serialized in
// arrival order across all channels.
type MessageHandler func(ctx context.Context, msg channel.Message)

// Option configures an Engine
type Option func(*Engine)

// WithMetricsListen serves /metrics on addr while Run is active
func WithMetricsListen(addr string) Option {
	return func(e *Engine) { e.metricsListen = addr }
}

// WithQueueSize sets the capacity of the shared inbound queue
func WithQueueSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

// Engine fans in messages from every configured channel and routes outbound
// messages back to them by name
type Engine struct {
	channels      map[string]channel.Channel // channel name -> channel
	order         []string                   // names in registration order
	handler       MessageHandler
	queueSize     int
	metricsListen string
}

// NewEngine creates an Engine over channels. Channel names must be unique.
func NewEngine(channels []channel.Channel, handler MessageHandler, opts ...Option) (*Engine, error) {
	if handler == nil {
		return nil, fmt.Errorf("message handler is required")
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("at least one channel is required")
	}

	e := &Engine{
		channels:  make(map[string]channel.Channel, len(channels)),
		handler:   handler,
		queueSize: constants.MessageQueueBufferSize,
	}
	for _, ch := range channels {
		name := ch.Name()
		if _, exists := e.channels[name]; exists {
			return nil, fmt.Errorf("duplicate channel name: %s", name)
		}
		e.channels[name] = ch
		e.order = append(e.order, name)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Names returns the channel names in registration order
func (e *Engine) Names() []string {
	names := make([]string, len(e.order))
	copy(names, e.order)
	return names
}

// Channel looks up a channel by name
func (e *Engine) Channel(name string) (channel.Channel, bool) {
	ch, ok := e.channels[name]
	return ch, ok
}

// Run starts every channel listener and feeds their messages to the handler
// until ctx is cancelled. It returns once all listeners have returned.
func (e *Engine) Run(ctx context.Context) error {
	logger.WithFields(logrus.Fields{
		"channels":   e.order,
		"queue_size": e.queueSize,
	}).Info("starting-imgate-engine")

	queue := make(chan channel.Message, e.queueSize)

	// A plain Group: one failing listener must not cancel its siblings
	var listeners errgroup.Group
	for _, name := range e.order {
		ch := e.channels[name]
		listeners.Go(func() error {
			e.runListener(ctx, ch, queue)
			return nil
		})
	}

	var aux errgroup.Group
	if e.metricsListen != "" {
		aux.Go(func() error {
			return e.serveMetrics(ctx)
		})
	}

	done := make(chan struct{})
	go func() {
		_ = listeners.Wait()
		close(done)
	}()

	err := e.consume(ctx, queue, done)
	<-done
	if auxErr := aux.Wait(); auxErr != nil {
		logger.WithField("error", auxErr).Error("metrics-server-failed")
	}

	logger.Info("engine-stopped")
	return err
}

// runListener runs one channel's Listen, containing panics and errors so the
// other channels keep running
func (e *Engine) runListener(ctx context.Context, ch channel.Channel, queue chan<- channel.Message) {
	name := ch.Name()
	defer func() {
		if r := recover(); r != nil {
			listenerFailures.WithLabelValues(name).Inc()
			logger.WithFields(logrus.Fields{
				"channel": name,
				"panic":   r,
			}).Error("channel-listener-panic-recovered")
		}
	}()

	logger.WithChannel(name).Info("starting-channel-listener")
	if err := ch.Listen(ctx, queue); err != nil {
		listenerFailures.WithLabelValues(name).Inc()
		logger.WithFields(logrus.Fields{
			"channel": name,
			"error":   err,
		}).Error("channel-listener-failed")
		return
	}
	logger.WithChannel(name).Info("channel-listener-stopped")
}

// consume is the single consumer of the shared queue
func (e *Engine) consume(ctx context.Context, queue <-chan channel.Message, done <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-queue:
			e.dispatch(ctx, msg)
		case <-done:
			// Listeners are gone; drain what they left behind
			for {
				select {
				case msg := <-queue:
					e.dispatch(ctx, msg)
				default:
					if ctx.Err() != nil {
						return nil
					}
					return ErrAllListenersStopped
				}
			}
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, msg channel.Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(logrus.Fields{
				"channel":    msg.Channel,
				"message_id": msg.ID,
				"panic":      r,
			}).Error("message-handler-panic-recovered")
		}
	}()

	logger.WithFields(logrus.Fields{
		"channel":    msg.Channel,
		"sender":     msg.Sender,
		"message_id": msg.ID,
	}).Debug("dispatching-message")

	messagesHandled.WithLabelValues(msg.Channel).Inc()
	e.handler(ctx, msg)
}

// Send delivers msg through the named channel
func (e *Engine) Send(ctx context.Context, name string, msg channel.SendMessage) error {
	ch, ok := e.channels[name]
	if !ok {
		return fmt.Errorf("%w: %s", channel.ErrUnknownChannel, name)
	}
	return ch.Send(ctx, msg)
}

// Reply answers an inbound message in the conversation it came from
func (e *Engine) Reply(ctx context.Context, msg channel.Message, content string) error {
	return e.Send(ctx, msg.Channel, channel.SendMessage{Recipient: msg.ReplyTarget, Content: content})
}

// Health checks every channel concurrently, each bounded by HealthCheckTimeout,
// and records the results on the imgate_channel_up gauge
func (e *Engine) Health(ctx context.Context) map[string]bool {
	var (
		mu      sync.Mutex
		results = make(map[string]bool, len(e.channels))
		g       errgroup.Group
	)

	for name, ch := range e.channels {
		g.Go(func() error {
			hctx, cancel := context.WithTimeout(ctx, constants.HealthCheckTimeout)
			defer cancel()

			ok := ch.HealthCheck(hctx)
			channel.RecordHealth(name, ok)

			mu.Lock()
			results[name] = ok
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	logger.WithField("results", results).Debug("channel-health-checked")
	return results
}

// WithTyping shows a typing indicator on ch while fn runs. Indicator failures
// are logged and never affect fn's result.
func WithTyping(ctx context.Context, ch channel.Channel, recipient string, fn func() error) error {
	if err := ch.StartTyping(ctx, recipient); err != nil {
		logger.WithFields(logrus.Fields{
			"channel":   ch.Name(),
			"recipient": recipient,
			"error":     err,
		}).Warn("failed-to-start-typing")
	}
	defer func() {
		if err := ch.StopTyping(ctx, recipient); err != nil {
			logger.WithFields(logrus.Fields{
				"channel":   ch.Name(),
				"recipient": recipient,
				"error":     err,
			}).Warn("failed-to-stop-typing")
		}
	}()
	return fn()
}

// metricsRouter exposes Prometheus metrics and a liveness endpoint
func (e *Engine) metricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", channel.MetricsHandler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

func (e *Engine) serveMetrics(ctx context.Context) error {
	srv := &http.Server{
		Addr:              e.metricsListen,
		Handler:           e.metricsRouter(),
		ReadHeaderTimeout: constants.WebhookReadHeaderTimeout,
	}

	logger.WithField("addr", e.metricsListen).Info("starting-metrics-server")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server on %s: %w", e.metricsListen, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithField("error", err).Warn("metrics-server-shutdown-failed")
		}
		return nil
	}
}

// SortedNames returns the names of a health result in lexical order
func SortedNames(results map[string]bool) []string {
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
