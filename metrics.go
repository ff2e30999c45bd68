package reactor

import "sync/atomic"

// Observer receives operational signals from cycles, sessions and acceptors.
// Implementations must be safe for concurrent use; methods are called from
// every cycle thread.
type Observer interface {
	// ObserveLoop is called once per cycle iteration with the number of
	// readiness events dispatched.
	ObserveLoop(events int)

	// ObserveTasks is called with the number of cross-thread tasks run in one
	// iteration.
	ObserveTasks(n int)

	// ObserveTimer is called for each timer firing.
	ObserveTimer()

	// ObserveAccept is called for each accepted connection.
	ObserveAccept()

	// ObserveSessionOpen / ObserveSessionClose track session lifetime.
	ObserveSessionOpen()
	ObserveSessionClose()

	// ObserveReadBytes / ObserveWriteBytes count socket payload traffic.
	ObserveReadBytes(n uint64)
	ObserveWriteBytes(n uint64)
}

// NoOpObserver discards every signal.
type NoOpObserver struct{}

func (NoOpObserver) ObserveLoop(int)          {}
func (NoOpObserver) ObserveTasks(int)         {}
func (NoOpObserver) ObserveTimer()            {}
func (NoOpObserver) ObserveAccept()           {}
func (NoOpObserver) ObserveSessionOpen()      {}
func (NoOpObserver) ObserveSessionClose()     {}
func (NoOpObserver) ObserveReadBytes(uint64)  {}
func (NoOpObserver) ObserveWriteBytes(uint64) {}

// Metrics tracks runtime statistics with atomic counters.
type Metrics struct {
	LoopIterations  atomic.Uint64
	EventsDispatched atomic.Uint64
	TasksRun        atomic.Uint64
	TimersFired     atomic.Uint64
	Accepted        atomic.Uint64
	ActiveSessions  atomic.Int64
	TotalSessions   atomic.Uint64
	ReadBytes       atomic.Uint64
	WriteBytes      atomic.Uint64
}

// NewMetrics creates a zeroed metrics instance.
func NewMetrics() *Metrics { return &Metrics{} }

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	LoopIterations   uint64
	EventsDispatched uint64
	TasksRun         uint64
	TimersFired      uint64
	Accepted         uint64
	ActiveSessions   int64
	TotalSessions    uint64
	ReadBytes        uint64
	WriteBytes       uint64
}

// Snapshot copies the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		LoopIterations:   m.LoopIterations.Load(),
		EventsDispatched: m.EventsDispatched.Load(),
		TasksRun:         m.TasksRun.Load(),
		TimersFired:      m.TimersFired.Load(),
		Accepted:         m.Accepted.Load(),
		ActiveSessions:   m.ActiveSessions.Load(),
		TotalSessions:    m.TotalSessions.Load(),
		ReadBytes:        m.ReadBytes.Load(),
		WriteBytes:       m.WriteBytes.Load(),
	}
}

// MetricsObserver records signals into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer backed by m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveLoop(events int) {
	o.metrics.LoopIterations.Add(1)
	o.metrics.EventsDispatched.Add(uint64(events))
}

func (o *MetricsObserver) ObserveTasks(n int) { o.metrics.TasksRun.Add(uint64(n)) }
func (o *MetricsObserver) ObserveTimer()      { o.metrics.TimersFired.Add(1) }
func (o *MetricsObserver) ObserveAccept()     { o.metrics.Accepted.Add(1) }

func (o *MetricsObserver) ObserveSessionOpen() {
	o.metrics.ActiveSessions.Add(1)
	o.metrics.TotalSessions.Add(1)
}

func (o *MetricsObserver) ObserveSessionClose()     { o.metrics.ActiveSessions.Add(-1) }
func (o *MetricsObserver) ObserveReadBytes(n uint64)  { o.metrics.ReadBytes.Add(n) }
func (o *MetricsObserver) ObserveWriteBytes(n uint64) { o.metrics.WriteBytes.Add(n) }

var (
	_ Observer = NoOpObserver{}
	_ Observer = (*MetricsObserver)(nil)
)
