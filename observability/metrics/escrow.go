package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type EscrowMetrics struct {
	agreementsCreated prometheus.Counter
	releasesSettled   prometheus.Counter
	disputesOpened    prometheus.Counter
	disputesResolved  prometheus.Counter
	cancellations     prometheus.Counter
	custodyPool       prometheus.Gauge
}

var (
	escrowOnce     sync.Once
	escrowRegistry *EscrowMetrics
)

// Escrow returns the process-wide escrow metrics registry.
func Escrow() *EscrowMetrics {
	escrowOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			agreementsCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_agreements_created_total",
				Help: "Count of agreements created.",
			}),
			releasesSettled: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_releases_settled_total",
				Help: "Count of unanimous release settlements.",
			}),
			disputesOpened: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_disputes_opened_total",
				Help: "Count of disputes initiated.",
			}),
			disputesResolved: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_disputes_resolved_total",
				Help: "Count of disputes resolved by the administrator.",
			}),
			cancellations: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_cancellations_total",
				Help: "Count of agreements cancelled.",
			}),
			custodyPool: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "escrow_custody_pool",
				Help: "Custody units currently held by the module vault.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.agreementsCreated,
			escrowRegistry.releasesSettled,
			escrowRegistry.disputesOpened,
			escrowRegistry.disputesResolved,
			escrowRegistry.cancellations,
			escrowRegistry.custodyPool,
		)
	})
	return escrowRegistry
}

func (m *EscrowMetrics) RecordAgreementCreated() {
	if m == nil {
		return
	}
	m.agreementsCreated.Inc()
}

func (m *EscrowMetrics) RecordReleaseSettled() {
	if m == nil {
		return
	}
	m.releasesSettled.Inc()
}

func (m *EscrowMetrics) RecordDisputeOpened() {
	if m == nil {
		return
	}
	m.disputesOpened.Inc()
}

func (m *EscrowMetrics) RecordDisputeResolved() {
	if m == nil {
		return
	}
	m.disputesResolved.Inc()
}

func (m *EscrowMetrics) RecordCancellation() {
	if m == nil {
		return
	}
	m.cancellations.Inc()
}

// SetCustodyPool publishes the current vault balance. Balances outside the
// float64 range are clamped by the conversion; the gauge is indicative, the
// ledger is authoritative.
func (m *EscrowMetrics) SetCustodyPool(units float64) {
	if m == nil {
		return
	}
	m.custodyPool.Set(units)
}
