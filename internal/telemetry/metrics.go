package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "codeduel"

var (
	framesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "frames_received_total",
		Help:      "Inbound channel frames by decoded event name.",
	}, []string{"event"})

	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "frames_dropped_total",
		Help:      "Inbound frames that were not applied, by reason.",
	}, []string{"reason"})

	reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "reconnects_total",
		Help:      "Reconnect attempts after a lost channel, by outcome.",
	}, []string{"outcome"})

	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "transitions_total",
		Help:      "Session status transitions.",
	}, []string{"from", "to"})

	restRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rest",
		Name:      "requests_total",
		Help:      "REST calls to the session service, by operation and response status.",
	}, []string{"op", "status"})

	restLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "rest",
		Name:      "request_duration_seconds",
		Help:      "REST call latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	relayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "notifications_total",
		Help:      "Session events mirrored to Redis, by event name and outcome.",
	}, []string{"event", "outcome"})
)

func ObserveFrame(event string) {
	framesReceived.WithLabelValues(event).Inc()
}

func ObserveDroppedFrame(reason string) {
	framesDropped.WithLabelValues(reason).Inc()
}

func ObserveReconnect(ok bool) {
	outcome := "failed"
	if ok {
		outcome = "ok"
	}
	reconnects.WithLabelValues(outcome).Inc()
}

func ObserveTransition(from, to string) {
	transitions.WithLabelValues(from, to).Inc()
}

// ObserveRESTRequest records one call. A zero status means no response was received.
func ObserveRESTRequest(op string, status int, took time.Duration) {
	s := "none"
	if status != 0 {
		s = strconv.Itoa(status)
	}
	restRequests.WithLabelValues(op, s).Inc()
	restLatency.WithLabelValues(op).Observe(took.Seconds())
}

// ObserveRelay records one mirrored event. outcome is "ok", "failed" or "dropped".
func ObserveRelay(event, outcome string) {
	relayed.WithLabelValues(event, outcome).Inc()
}
