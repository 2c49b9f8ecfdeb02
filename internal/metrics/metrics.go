// Package metrics exposes Prometheus counters and gauges for the
// control engine, grounded in other_examples/automatedhome-solar's
// cmd/main.go promauto usage.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TriggerInvocations counts executed decision-procedure runs, by
	// whether they were forced.
	TriggerInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solarflow_control_trigger_invocations_total",
		Help: "Number of times limitHomeInput actually ran.",
	}, []string{"forced"})

	// TriggerSkipped counts rate-limited trigger requests that did not
	// run the decision procedure.
	TriggerSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "solarflow_control_trigger_skipped_total",
		Help: "Number of trigger calls skipped by the steering-interval rate limit.",
	})

	// RapidChangeDetected counts smart-meter rapid-change events.
	RapidChangeDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "solarflow_control_rapid_change_total",
		Help: "Number of smart-meter rapid demand changes detected.",
	})

	// BypassTransitions counts hub bypass on/off transitions.
	BypassTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solarflow_control_bypass_transitions_total",
		Help: "Number of hub bypass state transitions.",
	}, []string{"state"})

	// ChargeThroughTransitions counts charge-through entries/exits.
	ChargeThroughTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solarflow_control_charge_through_transitions_total",
		Help: "Number of charge-through policy entries and exits.",
	}, []string{"stage"})

	// HubLimit is the last commanded hub output limit, watts.
	HubLimit = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "solarflow_control_hub_output_limit_watts",
		Help: "Last commanded hub output limit, in watts.",
	})

	// InverterLimit is the last commanded inverter limit, watts.
	InverterLimit = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "solarflow_control_inverter_limit_watts",
		Help: "Last commanded inverter absolute limit, in watts.",
	})

	// BatterySoC is the hub's last reported state of charge, percent.
	BatterySoC = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "solarflow_control_battery_soc_percent",
		Help: "Last reported hub battery state of charge, percent.",
	})
)

// Serve starts a blocking HTTP server exposing /metrics on addr.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
