// Package metrics exposes the node's Prometheus counters, grounded
// directly on internal/decoy/decoy.go's packetsDropped/ignoredPKIDocs/
// pkiDocs idiom: package-level prometheus.Collector vars, named under the
// shared constants.Namespace. Nothing is registered at init time; callers
// register the collectors explicitly with Register.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hashcloak/mixnode/internal/constants"
)

const subsystem = "node"

var (
	// PacketsDecoded counts packets successfully decoded by C4/C7, labeled
	// by their outcome classification.
	PacketsDecoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: subsystem,
			Name:      "packets_decoded_total",
			Help:      "Number of packets decoded, by outcome (final, forwarded, acknowledgement).",
		},
		[]string{"outcome"},
	)

	// PacketsDropped counts packets rejected before or during decode.
	PacketsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: subsystem,
			Name:      "packets_dropped_total",
			Help:      "Number of packets dropped, by reason.",
		},
		[]string{"reason"},
	)

	// TicketsValidated counts incoming tickets, by validation result.
	TicketsValidated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: subsystem,
			Name:      "tickets_validated_total",
			Help:      "Number of incoming tickets validated, by result.",
		},
		[]string{"result"},
	)

	// ActionsSubmitted counts on-chain actions submitted by C11, by kind.
	ActionsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: subsystem,
			Name:      "actions_submitted_total",
			Help:      "Number of on-chain actions submitted, by kind.",
		},
		[]string{"kind"},
	)

	// SessionsActive is a live gauge of open Session sockets.
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: constants.Namespace,
			Subsystem: subsystem,
			Name:      "sessions_active",
			Help:      "Number of currently open Session sockets.",
		},
	)

	// FramesDiscarded counts Session frames discarded after their
	// completion deadline elapsed (spec §4.9).
	FramesDiscarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: subsystem,
			Name:      "session_frames_discarded_total",
			Help:      "Number of Session frames discarded without completing.",
		},
	)
)

// Register installs every collector with the given registerer. Tests and
// multiple node instances in one process should pass a fresh
// prometheus.NewRegistry() rather than the global default, since
// MustRegister panics on duplicate registration.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		PacketsDecoded,
		PacketsDropped,
		TicketsValidated,
		ActionsSubmitted,
		SessionsActive,
		FramesDiscarded,
	)
}
