// Package metrics exposes Prometheus collectors for fee settlement and
// batch processing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "klingfees"

// Metrics holds the engine's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	feesCollected    *prometheus.CounterVec
	feeTxns          *prometheus.CounterVec
	batchesCommitted prometheus.Counter
	batchesRejected  prometheus.Counter
	feeTxnMismatches prometheus.Counter
	requestsRejected *prometheus.CounterVec
	tokenSupply      prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		feesCollected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fees",
			Name:      "collected_total",
			Help:      "Total fee amount committed, by txn type",
		}, []string{"txn_type"}),
		feeTxns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fees",
			Name:      "txns_total",
			Help:      "Number of committed fee-paying requests, by txn type",
		}, []string{"txn_type"}),
		batchesCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "committed_total",
			Help:      "Number of committed batches",
		}),
		batchesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "rejected_total",
			Help:      "Number of rejected batches",
		}),
		feeTxnMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "threepc",
			Name:      "fee_txn_mismatch_total",
			Help:      "Number of received PrePrepares whose fee txn did not match the local derivation",
		}),
		requestsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "rejected_total",
			Help:      "Number of rejected client requests, by stage",
		}, []string{"stage"}),
		tokenSupply: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "utxo",
			Name:      "supply",
			Help:      "Sum of committed unspent output values",
		}),
	}
	m.registry.MustRegister(
		m.feesCollected,
		m.feeTxns,
		m.batchesCommitted,
		m.batchesRejected,
		m.feeTxnMismatches,
		m.requestsRejected,
		m.tokenSupply,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// FeeCollected records a committed fee.
func (m *Metrics) FeeCollected(txnType string, amount uint64) {
	m.feesCollected.WithLabelValues(txnType).Add(float64(amount))
	m.feeTxns.WithLabelValues(txnType).Inc()
}

// BatchCommitted counts a committed batch.
func (m *Metrics) BatchCommitted() {
	m.batchesCommitted.Inc()
}

// BatchRejected counts a rejected batch.
func (m *Metrics) BatchRejected() {
	m.batchesRejected.Inc()
}

// FeeTxnMismatch counts a PrePrepare refused for its fee txn.
func (m *Metrics) FeeTxnMismatch() {
	m.feeTxnMismatches.Inc()
}

// RequestRejected counts a request refused at stage.
func (m *Metrics) RequestRejected(stage string) {
	m.requestsRejected.WithLabelValues(stage).Inc()
}

// SetTokenSupply records the committed token supply.
func (m *Metrics) SetTokenSupply(supply uint64) {
	m.tokenSupply.Set(float64(supply))
}
