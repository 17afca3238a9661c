package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics are the daemon's own counters. Per-interface statistics come
// from netdev.Collector.
type metrics struct {
	devices      *prometheus.CounterVec
	modeSwitches *prometheus.CounterVec
	bridges      prometheus.Gauge
}

func newMetrics(r prometheus.Registerer) *metrics {
	m := &metrics{
		devices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idevncm_devices_total",
			Help: "USB devices enumerated, by whether the NCM driver bound to them.",
		}, []string{"bound"}),
		modeSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idevncm_mode_switches_total",
			Help: "Mode switch requests sent to Apple devices, by result.",
		}, []string{"result"}),
		bridges: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "idevncm_tap_bridges",
			Help: "TAP bridges currently running.",
		}),
	}
	r.MustRegister(m.devices, m.modeSwitches, m.bridges)
	return m
}
