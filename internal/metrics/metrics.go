// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "camrelay"

var (
	ForwardedPackets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "forwarded_packets_total",
		Help:      "Raw packets forwarded to a local transcoder or camera sink.",
	}, []string{"stream"})

	ForwardedBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "forwarded_bytes_total",
		Help:      "Raw bytes forwarded to a local transcoder or camera sink.",
	}, []string{"stream"})

	DroppedPackets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dropped_packets_total",
		Help:      "Packets dropped because they could not be framed or sent.",
	}, []string{"stream", "reason"})

	TranscoderSpawns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transcoder_spawns_total",
		Help:      "Transcoder processes started.",
	}, []string{"stream"})

	TranscoderExits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transcoder_unexpected_exits_total",
		Help:      "Transcoder processes that exited without being stopped.",
	}, []string{"stream"})

	SignalMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signal_messages_total",
		Help:      "Inbound signaling messages by type.",
	}, []string{"type"})

	ConnectedPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connected_peers",
		Help:      "Currently connected signaling peers.",
	})
)

// Register adds every collector to reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		ForwardedPackets,
		ForwardedBytes,
		DroppedPackets,
		TranscoderSpawns,
		TranscoderExits,
		SignalMessages,
		ConnectedPeers,
	)
}
