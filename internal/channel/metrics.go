package channel

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons recorded on imgate_channel_messages_dropped_total
const (
	dropNotAllowed      = "not_allowed"
	dropUnsupportedType = "unsupported_type"
	dropEmpty           = "empty"
	dropBadToken        = "bad_token"
)

var (
	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imgate_channel_messages_received_total",
		Help: "Inbound messages accepted onto the queue.",
	}, []string{"channel"})

	messagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imgate_channel_messages_dropped_total",
		Help: "Inbound messages discarded before the queue.",
	}, []string{"channel", "reason"})

	messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imgate_channel_messages_sent_total",
		Help: "Outbound messages delivered to the platform.",
	}, []string{"channel"})

	sendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imgate_channel_send_errors_total",
		Help: "Outbound messages the platform or network rejected.",
	}, []string{"channel"})

	channelUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "imgate_channel_up",
		Help: "1 if the last health check of the channel succeeded.",
	}, []string{"channel"})
)

// RecordHealth stores the result of a health check on the up gauge
func RecordHealth(name string, ok bool) {
	v := 0.0
	if ok {
		v = 1
	}
	channelUp.WithLabelValues(name).Set(v)
}

// MetricsHandler exposes channel metrics in the Prometheus text format
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
