// Package metrics registers the prometheus collectors shared across the
// vendor, mirror and client processes. Exposing an operational metrics
// endpoint is an ambient concern: the deployment's own operator is not
// the adversary a PIR protocol defends against.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// DatastoreXORBytes observes the total size, in bytes, of the output
	// of every ProduceXOR/ProduceXORMultiple call.
	DatastoreXORBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "raidpir",
		Subsystem: "datastore",
		Name:      "xor_output_bytes",
		Help:      "Size in bytes of blocks produced by the XOR kernel.",
		Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
	})

	// MirrorActiveSessions tracks the number of live client sessions.
	MirrorActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "raidpir",
		Subsystem: "mirror",
		Name:      "active_sessions",
		Help:      "Number of currently open client sessions.",
	})

	// MirrorBatchSize observes how many requests were folded into a single
	// batch-answer XOR pass.
	MirrorBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "raidpir",
		Subsystem: "mirror",
		Name:      "batch_size",
		Help:      "Number of requests amortised into one batched XOR pass.",
		Buckets:   prometheus.LinearBuckets(1, 4, 8),
	})

	// VendorRegistrySize tracks the number of live mirrors known to a
	// vendor.
	VendorRegistrySize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "raidpir",
		Subsystem: "vendor",
		Name:      "registry_size",
		Help:      "Number of mirrors currently considered live.",
	})
)

func init() {
	prometheus.MustRegister(
		DatastoreXORBytes,
		MirrorActiveSessions,
		MirrorBatchSize,
		VendorRegistrySize,
	)
}
