package metrics

import (
	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Registry = prometheus.NewRegistry()

	GRPCMetrics = grpcprometheus.NewServerMetrics(
		func(c *prometheus.CounterOpts) {
			c.Namespace = "lattice"
		},
	)

	QuorumWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lattice",
		Subsystem: "table",
		Name:      "quorum_writes_total",
		Help:      "Coordinator write outcomes by table and result.",
	}, []string{"table", "result"})

	QuorumReads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lattice",
		Subsystem: "table",
		Name:      "quorum_reads_total",
		Help:      "Coordinator read outcomes by table and result.",
	}, []string{"table", "result"})

	ReadRepairs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lattice",
		Subsystem: "table",
		Name:      "read_repairs_total",
		Help:      "Async read-repair writes issued to lagging replicas.",
	}, []string{"table"})

	ReadRepairsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lattice",
		Subsystem: "table",
		Name:      "read_repairs_dropped_total",
		Help:      "Read-repairs skipped because their partition's in-flight repair bound was full.",
	}, []string{"table"})

	MerkleMismatches = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lattice",
		Subsystem: "merkle",
		Name:      "partition_mismatch_leaves",
		Help:      "Leaves that differed in the most recent sync round, by partition.",
	}, []string{"partition", "peer"})

	LayoutVersion = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lattice",
		Subsystem: "layout",
		Name:      "version",
		Help:      "Currently active layout version on this node.",
	})
)

func init() {
	Registry.MustRegister(
		GRPCMetrics,
		QuorumWrites,
		QuorumReads,
		ReadRepairs,
		ReadRepairsDropped,
		MerkleMismatches,
		LayoutVersion,
	)
	GRPCMetrics.EnableHandlingTimeHistogram(
		func(h *prometheus.HistogramOpts) {
			h.Namespace = "lattice"
		},
	)
}
