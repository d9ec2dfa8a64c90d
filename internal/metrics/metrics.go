// Package metrics holds the Prometheus collectors of one analysis run.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pcap_analyzer"

// Run is a per-run registry, so concurrent analyses never share counters.
type Run struct {
	Registry *prometheus.Registry

	Frames          prometheus.Counter
	DecodeErrors    *prometheus.CounterVec
	DNSErrors       prometheus.Counter
	OrphanResponses prometheus.Counter
	Unanswered      prometheus.Counter
	DNSDropped      prometheus.Counter
	Connections     *prometheus.CounterVec
	DNSTransactions prometheus.Counter
	Alerts          *prometheus.CounterVec
	Deliveries      *prometheus.CounterVec
	PeakOpenFlows   prometheus.Gauge
	Duration        prometheus.Gauge
}

// NewRun registers a fresh set of collectors.
func NewRun() *Run {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Run{
		Registry: reg,
		Frames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames read from the capture.",
		}),
		DecodeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Frames that could not be decoded, by reason.",
		}, []string{"reason"}),
		DNSErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_decode_errors_total",
			Help:      "Port 53 payloads that were not valid DNS messages.",
		}),
		OrphanResponses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_orphan_responses_total",
			Help:      "DNS responses without a pending query.",
		}),
		Unanswered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_unanswered_total",
			Help:      "DNS queries finalized without a response.",
		}),
		DNSDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_dropped_transactions_total",
			Help:      "DNS queries dropped because their response could not be decoded.",
		}),
		Connections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Reconstructed connections, by protocol and final state.",
		}, []string{"protocol", "state"}),
		DNSTransactions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_transactions_total",
			Help:      "Reconstructed DNS transactions.",
		}),
		Alerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts raised, by type.",
		}, []string{"type"}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_deliveries_total",
			Help:      "Alert deliveries, by outcome.",
		}, []string{"outcome"}),
		PeakOpenFlows: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peak_open_flows",
			Help:      "Largest number of flows held open at once.",
		}),
		Duration: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of the analysis.",
		}),
	}
}

// WriteFile writes the registry in the text exposition format.
func (r *Run) WriteFile(path string) error {
	return prometheus.WriteToTextfile(path, r.Registry)
}
