package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Consensus metrics
var (
	// ProposalsTotal counts proposals submitted on this node
	ProposalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetfs",
		Subsystem: "raft",
		Name:      "proposals_total",
		Help:      "Total number of proposals submitted by this node",
	})

	// AppliedEntriesTotal counts committed log entries applied locally
	AppliedEntriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetfs",
		Subsystem: "raft",
		Name:      "applied_entries_total",
		Help:      "Total number of committed log entries applied to the storage facade",
	})

	// ApplyDuration tracks how long applying one committed entry takes
	ApplyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fleetfs",
		Subsystem: "raft",
		Name:      "apply_duration_seconds",
		Help:      "Time spent applying one committed entry",
		Buckets:   prometheus.DefBuckets,
	})
)

// Request metrics
var (
	// RequestsTotal counts wire requests by kind and outcome
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetfs",
		Subsystem: "router",
		Name:      "requests_total",
		Help:      "Total number of requests handled, by kind and outcome",
	}, []string{"kind", "outcome"})

	// RequestDuration tracks request handling time by kind
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fleetfs",
		Subsystem: "router",
		Name:      "request_duration_seconds",
		Help:      "Time spent handling one request",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})

	// PeerSendFailures counts consensus messages dropped on the floor
	PeerSendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetfs",
		Subsystem: "transport",
		Name:      "peer_send_failures_total",
		Help:      "Total number of peer sends that failed and were dropped",
	})
)
