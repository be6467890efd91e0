// Package metric contains the daemon's prometheus instrumentation.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all daemon-level metrics.
type Metrics struct {
	EventsProcessed     *prometheus.CounterVec
	TargetsApplied      *prometheus.CounterVec
	EnforcementFailures prometheus.Counter
	ExceptionsEmitted   prometheus.Counter
	DevicesPresent      prometheus.Gauge
	RulesLoaded         prometheus.Gauge
}

// NewMetrics creates all daemon metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "usbwarden",
				Subsystem: "events",
				Name:      "processed_total",
				Help:      "Total number of device events processed",
			},
			[]string{"event"},
		),

		TargetsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "usbwarden",
				Subsystem: "policy",
				Name:      "targets_applied_total",
				Help:      "Total number of authorization targets applied",
			},
			[]string{"target"},
		),

		EnforcementFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "usbwarden",
				Subsystem: "policy",
				Name:      "enforcement_failures_total",
				Help:      "Total number of failed device manager enforcement calls",
			},
		),

		ExceptionsEmitted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "usbwarden",
				Subsystem: "engine",
				Name:      "exceptions_total",
				Help:      "Total number of ExceptionMessage notifications emitted",
			},
		),

		DevicesPresent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "usbwarden",
				Subsystem: "devices",
				Name:      "present",
				Help:      "Number of live device records",
			},
		),

		RulesLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "usbwarden",
				Subsystem: "policy",
				Name:      "rules",
				Help:      "Number of live rules in the rule set",
			},
		),
	}

	reg.MustRegister(
		m.EventsProcessed,
		m.TargetsApplied,
		m.EnforcementFailures,
		m.ExceptionsEmitted,
		m.DevicesPresent,
		m.RulesLoaded,
	)
	return m
}
