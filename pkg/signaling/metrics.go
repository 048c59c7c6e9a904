package signaling

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons reported on the envelopes_dropped_total counter.
const (
	dropMalformed  = "malformed"
	dropNoTarget   = "no_target"
	dropBufferFull = "buffer_full"
)

var (
	connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dreammall",
		Subsystem: "relay",
		Name:      "connections",
		Help:      "Live websocket connections on this relay.",
	})
	envelopesForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dreammall",
		Subsystem: "relay",
		Name:      "envelopes_forwarded_total",
		Help:      "Signaling envelopes delivered to their target.",
	}, []string{"kind"})
	envelopesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dreammall",
		Subsystem: "relay",
		Name:      "envelopes_dropped_total",
		Help:      "Signaling envelopes that were not delivered.",
	}, []string{"reason"})
	chatMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dreammall",
		Subsystem: "relay",
		Name:      "chat_messages_total",
		Help:      "Chat messages broadcast by the relay.",
	})
)
