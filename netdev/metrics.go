package netdev

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports the statistics of every device in a Registry.
type Collector struct {
	registry *Registry
	events   *prometheus.CounterVec
	cancel   func()

	rxPackets, txPackets *prometheus.Desc
	rxBytes, txBytes     *prometheus.Desc
	rxErrors, txErrors   *prometheus.Desc
	rxDropped, txDropped *prometheus.Desc
	txTimeouts           *prometheus.Desc
	up, carrier, mtu     *prometheus.Desc
}

// NewCollector creates a collector over r and registers it with reg.
func NewCollector(r *Registry, reg prometheus.Registerer) *Collector {
	labels := []string{"device", "driver"}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("netdev_"+name, help, labels, nil)
	}
	c := &Collector{
		registry: r,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netdev_events_total",
			Help: "Network device events by type.",
		}, []string{"event"}),
		rxPackets:  desc("rx_packets_total", "Packets received."),
		txPackets:  desc("tx_packets_total", "Packets transmitted."),
		rxBytes:    desc("rx_bytes_total", "Bytes received."),
		txBytes:    desc("tx_bytes_total", "Bytes transmitted."),
		rxErrors:   desc("rx_errors_total", "Receive errors."),
		txErrors:   desc("tx_errors_total", "Transmit errors."),
		rxDropped:  desc("rx_dropped_total", "Received packets dropped."),
		txDropped:  desc("tx_dropped_total", "Transmit packets dropped."),
		txTimeouts: desc("tx_timeouts_total", "Transmit queue timeouts."),
		up:         desc("up", "Whether the interface is administratively up."),
		carrier:    desc("carrier", "Whether the interface has carrier."),
		mtu:        desc("mtu_bytes", "Interface MTU."),
	}
	c.cancel = r.Watch(func(ev Event) {
		c.events.WithLabelValues(ev.Type.String()).Inc()
	})
	if reg != nil {
		reg.MustRegister(c, c.events)
	}
	return c
}

// Close stops counting events.
func (c *Collector) Close() {
	c.cancel()
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.rxPackets, c.txPackets, c.rxBytes, c.txBytes,
		c.rxErrors, c.txErrors, c.rxDropped, c.txDropped,
		c.txTimeouts, c.up, c.carrier, c.mtu,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, d := range c.registry.Devices() {
		s := d.Stats()
		name, driver := d.Name(), d.Description()
		counter := func(desc *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), name, driver)
		}
		gauge := func(desc *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, name, driver)
		}
		counter(c.rxPackets, s.RxPackets)
		counter(c.txPackets, s.TxPackets)
		counter(c.rxBytes, s.RxBytes)
		counter(c.txBytes, s.TxBytes)
		counter(c.rxErrors, s.RxErrors)
		counter(c.txErrors, s.TxErrors)
		counter(c.rxDropped, s.RxDropped)
		counter(c.txDropped, s.TxDropped)
		counter(c.txTimeouts, s.TxTimeouts)
		gauge(c.up, boolFloat(d.IsUp()))
		gauge(c.carrier, boolFloat(d.Carrier()))
		gauge(c.mtu, float64(d.MTU()))
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

var _ prometheus.Collector = (*Collector)(nil)
