package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Label values shared by the membership and routing collectors.
const (
	ResultAck     = "ack"
	ResultNoAck   = "no_ack"
	ResultError   = "error"
	ResultOK      = "ok"
	OutcomeVetoed = "vetoed"
	OutcomeFailed = "confirmed"
	DestLocal     = "local"
	DestRemote    = "remote"
)

var (
	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "membership",
			Name:      "probes_total",
			Help:      "Direct failure-detection probes by result.",
		},
		[]string{"result"},
	)

	SuspectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "membership",
			Name:      "suspects_total",
			Help:      "Peers placed under suspicion.",
		},
	)

	InvestigationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "membership",
			Name:      "investigations_total",
			Help:      "Completed investigations by outcome.",
		},
		[]string{"outcome"},
	)

	GossipExchangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "membership",
			Name:      "gossip_exchanges_total",
			Help:      "Outbound state exchanges by result.",
		},
		[]string{"result"},
	)

	Members = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "membership",
			Name:      "members",
			Help:      "Live members in the routing table, self included.",
		},
	)

	RouteTableRebuildsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "membership",
			Name:      "route_table_rebuilds_total",
			Help:      "Routing table rebuilds after live-set changes.",
		},
	)

	RouterRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "requests_total",
			Help:      "Routed batches by destination and result.",
		},
		[]string{"destination", "result"},
	)
)
