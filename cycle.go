package reactor

import (
	"container/heap"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-reactor/internal/poller"
)

// DefaultPollTimeout caps one reactor wait when no timer is due sooner.
const DefaultPollTimeout = 10 * time.Millisecond

// Task is a unit of work runnable on a cycle thread.
type Task func()

// threadCycles records the cycle hosted by each OS thread. A thread hosts at
// most one running cycle.
var threadCycles sync.Map // int64 tid -> *Cycle

// Cycle is a single-threaded event loop: a readiness-polling backend, a timer
// queue and a cross-thread task queue. Exec pins the calling goroutine to its
// OS thread and runs until Exit; everything the cycle owns (events, timers,
// reactor state) is mutated only on that thread. Off-thread requests are
// funneled through the pending queue and wake the loop via the notifier.
type Cycle struct {
	reactor poller.Poller
	notify  *notifier

	tid           atomic.Int64
	running       atomic.Bool
	quit          atomic.Bool
	eventHandling bool

	events      map[uint64]*Event
	timers      timerHeap
	nextEventID atomic.Uint64

	mu      sync.Mutex
	pending []Task

	reactorTime int64
	pollTimeout int64 // microseconds
	observer    Observer
}

// CycleOption tweaks a cycle at construction.
type CycleOption func(*Cycle)

// WithPollTimeout overrides the default reactor wait cap.
func WithPollTimeout(d time.Duration) CycleOption {
	return func(c *Cycle) {
		if micros := d.Microseconds(); micros > 0 {
			c.pollTimeout = micros
		}
	}
}

// WithObserver installs a metrics observer on the cycle.
func WithObserver(o Observer) CycleOption {
	return func(c *Cycle) {
		if o != nil {
			c.observer = o
		}
	}
}

// NewCycle creates a cycle with the given reactor backend.
func NewCycle(t ReactorType, opts ...CycleOption) (*Cycle, error) {
	backend, err := poller.New(t)
	if err != nil {
		return nil, err
	}
	n, err := newNotifier()
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	c := &Cycle{
		reactor:     backend,
		notify:      n,
		events:      make(map[uint64]*Event),
		pollTimeout: DefaultPollTimeout.Microseconds(),
		observer:    NoOpObserver{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Type returns the reactor backend type.
func (c *Cycle) Type() ReactorType { return c.reactor.Type() }

// Running reports whether Exec is between start and exit.
func (c *Cycle) Running() bool { return c.running.Load() }

// EventHandling reports whether the cycle is in the dispatch phase of an
// iteration. Cycle thread only.
func (c *Cycle) EventHandling() bool { return c.eventHandling }

// ReactorReturnTime returns the timestamp of the last reactor wake-up in
// microseconds since the epoch. Cycle thread only.
func (c *Cycle) ReactorReturnTime() int64 { return c.reactorTime }

// InCycleThread reports whether the caller runs on the cycle thread.
func (c *Cycle) InCycleThread() bool {
	tid := c.tid.Load()
	return tid != 0 && int64(unix.Gettid()) == tid
}

// AssertInCycleThread panics when called off the cycle thread.
func (c *Cycle) AssertInCycleThread() {
	if !c.InCycleThread() {
		panic(fmt.Sprintf("reactor: cycle[%p] owned by thread %#x, called from thread %#x",
			c, c.tid.Load(), unix.Gettid()))
	}
}

// Exec runs the event loop until Exit is called. It pins the calling
// goroutine to its OS thread for the whole run; a thread hosts at most one
// running cycle.
func (c *Cycle) Exec() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	tid := int64(unix.Gettid())
	if prev, loaded := threadCycles.LoadOrStore(tid, c); loaded {
		panic(fmt.Sprintf("reactor: another cycle[%p] exists in thread %#x", prev, tid))
	}
	defer threadCycles.Delete(tid)
	c.tid.Store(tid)
	defer c.tid.Store(0)

	if c.running.Swap(true) {
		panic("reactor: cycle is already running")
	}
	c.quit.Store(false)

	// Only the notifier is active before the loop starts.
	if err := c.updateInCycle(c.notify.event); err != nil {
		panic(fmt.Sprintf("reactor: cannot activate notifier: %v", err))
	}

	tracef("cycle[%p] start running", c)

	ready := make([]poller.Ready, 0, 16)
	for !c.quit.Load() {
		ready = ready[:0]
		c.reactorTime = c.reactor.Poll(c.waitTime(), &ready)

		c.eventHandling = true
		for _, r := range ready {
			ev, ok := c.events[r.ID]
			if !ok {
				continue
			}
			ev.HandleEvent(r.Flags, c.reactorTime)
			if !ev.flags.Has(EventPersist) {
				c.removeInCycle(ev)
			}
		}
		c.eventHandling = false
		c.observer.ObserveLoop(len(ready))

		c.fireTimers()
		c.doPending()
	}

	c.removeInCycle(c.notify.event)
	c.running.Store(false)

	for _, ev := range c.events {
		if ev.fd >= 0 {
			_ = c.reactor.Del(ev.fd)
		}
		ev.reset()
	}
	c.events = make(map[uint64]*Event)
	c.timers = nil

	tracef("cycle[%p] stop running", c)
}

// Exit asks the loop to stop after the current iteration. Safe from any
// thread.
func (c *Cycle) Exit() {
	c.quit.Store(true)
	if !c.InCycleThread() {
		c.Notify()
	}
}

// Close releases the reactor and notifier descriptors. Call only after Exec
// has returned.
func (c *Cycle) Close() error {
	if c.running.Load() {
		return NewError("close", ErrCodeAlreadyActive, "cycle still running")
	}
	c.mu.Lock()
	c.pending = nil // dropped without execution
	c.mu.Unlock()
	c.notify.close()
	return c.reactor.Close()
}

// Notify wakes the cycle out of an in-flight poll.
func (c *Cycle) Notify() { c.notify.sendNotify() }

// RunInCycle invokes task inline when called on the cycle thread, else
// enqueues it and wakes the loop.
func (c *Cycle) RunInCycle(task Task) {
	if c.InCycleThread() {
		task()
		return
	}
	c.QueueInCycle(task)
}

// QueueInCycle always enqueues; the loop runs queued tasks in FIFO order at
// the end of an iteration.
func (c *Cycle) QueueInCycle(task Task) {
	c.mu.Lock()
	c.pending = append(c.pending, task)
	c.mu.Unlock()

	if !c.InCycleThread() {
		c.Notify()
	}
}

// QueueSize returns the number of queued tasks.
func (c *Cycle) QueueSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// RunAfter schedules task once after delay, returning the timer's event id,
// zero when the cycle is not running.
func (c *Cycle) RunAfter(task Task, delay time.Duration) uint64 {
	return c.scheduleTimer(task, delay, false)
}

// RunEvery schedules task periodically at the given interval, returning the
// timer's event id, zero when the cycle is not running.
func (c *Cycle) RunEvery(task Task, interval time.Duration) uint64 {
	return c.scheduleTimer(task, interval, true)
}

func (c *Cycle) scheduleTimer(task Task, d time.Duration, periodic bool) uint64 {
	if !c.running.Load() {
		return 0
	}
	flags := EventTimeout
	if periodic {
		flags = EventPersist
	}
	ev := NewEvent(-1, func(*Event, EventFlag, int64) { task() }, flags, d.Microseconds())
	id := c.nextEventID.Add(1)
	c.RunInCycle(func() {
		ev.activate(c, id)
		c.events[id] = ev
		heap.Push(&c.timers, timerEntry{deadline: time.Now().UnixMicro() + ev.timeval, id: id})
	})
	return id
}

// Cancel removes the timer with the given id; a timer that already fired is
// quietly ignored.
func (c *Cycle) Cancel(id uint64) {
	if !c.running.Load() || id == 0 {
		return
	}
	done := make(chan struct{})
	c.RunInCycle(func() {
		defer close(done)
		ev, ok := c.events[id]
		if !ok {
			tracef("event[%d] already finished or cancelled", id)
			return
		}
		if ev.fd >= 0 {
			errorf("cannot cancel an event with a file descriptor")
			return
		}
		ev.reset()
		delete(c.events, id)
	})
	if !c.InCycleThread() {
		<-done
	}
}

// EventUpdate activates ev on this cycle or refreshes its reactor interest
// set. Off-thread callers block until the change is applied.
func (c *Cycle) EventUpdate(ev *Event) error {
	if ev.cycle != nil && ev.cycle != c {
		errorf("cycle[%p]: cannot add event from cycle[%p]", c, ev.cycle)
		return NewFDError("event_update", ev.fd, ErrCodeWrongCycle, "event owned by another cycle")
	}
	var err error
	done := make(chan struct{})
	c.RunInCycle(func() {
		err = c.updateInCycle(ev)
		close(done)
	})
	if !c.InCycleThread() {
		<-done
	}
	return err
}

// EventRemove deactivates ev: clears its id and drops it from the reactor.
// Off-thread callers block until the removal is applied.
func (c *Cycle) EventRemove(ev *Event) error {
	if ev.cycle != c || ev.id == 0 {
		return NewFDError("event_remove", ev.fd, ErrCodeNotAttached, "the event is not part of this cycle")
	}
	done := make(chan struct{})
	c.RunInCycle(func() {
		c.removeInCycle(ev)
		close(done)
	})
	if !c.InCycleThread() {
		<-done
	}
	return nil
}

// Check reports whether ev is active on this cycle. Cycle thread only.
func (c *Cycle) Check(ev *Event) bool {
	if ev.id == 0 {
		return false
	}
	c.AssertInCycleThread()
	registered, ok := c.events[ev.id]
	if !ok || registered != ev {
		return false
	}
	return ev.fd < 0 || c.reactor.Check(ev.fd)
}

func (c *Cycle) updateInCycle(ev *Event) error {
	fresh := ev.id == 0
	if fresh {
		ev.activate(c, c.nextEventID.Add(1))
	}
	if ev.fd >= 0 {
		var err error
		if c.reactor.Check(ev.fd) {
			err = c.reactor.Mod(ev.fd, ev.id, ev.flags)
		} else {
			err = c.reactor.Add(ev.fd, ev.id, ev.flags)
		}
		if err != nil {
			if fresh {
				ev.reset()
			}
			errorf("cycle[%p]: reactor update of fd=%d failed: %v", c, ev.fd, err)
			return WrapError("event_update", ev.fd, err)
		}
	}
	c.events[ev.id] = ev
	if fresh && ev.fd < 0 && ev.timeval > 0 {
		heap.Push(&c.timers, timerEntry{deadline: time.Now().UnixMicro() + ev.timeval, id: ev.id})
	}
	return nil
}

func (c *Cycle) removeInCycle(ev *Event) {
	if ev.id == 0 {
		return
	}
	if _, ok := c.events[ev.id]; !ok {
		errorf("cycle[%p]: cannot find event[%d]", c, ev.id)
		return
	}
	delete(c.events, ev.id)
	if ev.fd >= 0 {
		if err := c.reactor.Del(ev.fd); err != nil {
			errorf("cycle[%p]: reactor removal of fd=%d failed: %v", c, ev.fd, err)
		}
	}
	ev.reset()
}

// waitTime derives the next poll timeout in microseconds from the timer heap.
func (c *Cycle) waitTime() int64 {
	if len(c.timers) == 0 {
		return c.pollTimeout
	}
	diff := c.timers[0].deadline - time.Now().UnixMicro()
	if diff <= 0 {
		return 1
	}
	if diff > c.pollTimeout {
		return c.pollTimeout
	}
	return diff
}

// fireTimers pops and dispatches every timer due at or before the last
// reactor return; persistent timers are re-armed relative to that time.
func (c *Cycle) fireTimers() {
	now := time.Now().UnixMicro()
	for len(c.timers) > 0 {
		top := c.timers[0]
		if top.deadline > c.reactorTime {
			break
		}
		heap.Pop(&c.timers)
		ev, ok := c.events[top.id]
		if !ok {
			tracef("timer[%d] already finished", top.id)
			continue
		}
		ev.HandleEvent(EventTimeout, now)
		c.observer.ObserveTimer()
		if ev.flags.Has(EventPersist) {
			heap.Push(&c.timers, timerEntry{deadline: c.reactorTime + ev.timeval, id: ev.id})
		} else {
			c.removeInCycle(ev)
		}
	}
}

func (c *Cycle) doPending() {
	c.mu.Lock()
	tasks := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, task := range tasks {
		task()
	}
	if len(tasks) > 0 {
		c.observer.ObserveTasks(len(tasks))
	}
}
