package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "clustermsg",
		Subsystem: "transport",
		Name:      "frames_sent_total",
		Help:      "Frames written to peer channels.",
	})
	framesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "clustermsg",
		Subsystem: "transport",
		Name:      "frames_received_total",
		Help:      "Frames decoded from peer channels.",
	})
	requestTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "clustermsg",
		Subsystem: "transport",
		Name:      "request_timeouts_total",
		Help:      "Pending requests failed by the timeout sweeper.",
	})
	openChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "clustermsg",
		Subsystem: "transport",
		Name:      "open_channels",
		Help:      "Currently open peer channels.",
	})
)
