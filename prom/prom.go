// Package prom adapts the runtime's Observer to prometheus collectors, so a
// process can export cycle and session statistics without the core depending
// on a metrics registry.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	reactor "github.com/behrlich/go-reactor"
)

// Collector implements reactor.Observer on top of prometheus metrics. It is
// itself a prometheus.Collector; register it with your registry and pass it
// to cycles via reactor.WithObserver.
type Collector struct {
	loopIterations   prometheus.Counter
	eventsDispatched prometheus.Counter
	tasksRun         prometheus.Counter
	timersFired      prometheus.Counter
	accepted         prometheus.Counter
	activeSessions   prometheus.Gauge
	readBytes        prometheus.Counter
	writeBytes       prometheus.Counter
}

// NewCollector creates a collector under the given metric namespace.
func NewCollector(namespace string) *Collector {
	return &Collector{
		loopIterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cycle", Name: "loop_iterations_total",
			Help: "Completed event-loop iterations.",
		}),
		eventsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cycle", Name: "events_dispatched_total",
			Help: "Readiness events dispatched to handlers.",
		}),
		tasksRun: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cycle", Name: "tasks_run_total",
			Help: "Cross-thread tasks executed.",
		}),
		timersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cycle", Name: "timers_fired_total",
			Help: "Timer events fired.",
		}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "serve", Name: "accepted_total",
			Help: "Connections accepted.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "serve", Name: "active_sessions",
			Help: "Sessions currently connected.",
		}),
		readBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "read_bytes_total",
			Help: "Payload bytes read from sockets.",
		}),
		writeBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "write_bytes_total",
			Help: "Payload bytes written to sockets.",
		}),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics() {
		m.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.metrics() {
		m.Collect(ch)
	}
}

func (c *Collector) metrics() []prometheus.Collector {
	return []prometheus.Collector{
		c.loopIterations, c.eventsDispatched, c.tasksRun, c.timersFired,
		c.accepted, c.activeSessions, c.readBytes, c.writeBytes,
	}
}

func (c *Collector) ObserveLoop(events int) {
	c.loopIterations.Inc()
	c.eventsDispatched.Add(float64(events))
}

func (c *Collector) ObserveTasks(n int)          { c.tasksRun.Add(float64(n)) }
func (c *Collector) ObserveTimer()               { c.timersFired.Inc() }
func (c *Collector) ObserveAccept()              { c.accepted.Inc() }
func (c *Collector) ObserveSessionOpen()         { c.activeSessions.Inc() }
func (c *Collector) ObserveSessionClose()        { c.activeSessions.Dec() }
func (c *Collector) ObserveReadBytes(n uint64)   { c.readBytes.Add(float64(n)) }
func (c *Collector) ObserveWriteBytes(n uint64)  { c.writeBytes.Add(float64(n)) }

var _ reactor.Observer = (*Collector)(nil)
var _ prometheus.Collector = (*Collector)(nil)
