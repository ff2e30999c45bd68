package reactor

import (
	"fmt"
	"strings"
)

// Callback is invoked when an event fires: the event itself, the readiness
// flags observed and the reactor wake-up time in microseconds since the
// epoch.
type Callback func(ev *Event, revents EventFlag, receiveTime int64)

// Event binds a file descriptor (or a timer when fd is negative) to a
// callback on one Cycle. An Event is attached to at most one Cycle for its
// entire active lifetime; all methods must be called from that cycle's
// thread or before activation.
type Event struct {
	fd      int
	flags   EventFlag
	timeval int64 // microsecond timeout, timer events only
	cb      Callback

	cycle *Cycle
	id    uint64

	tied  bool
	alive func() bool
}

// NewEvent creates an unattached event. timevalMicros is only meaningful for
// timer events (fd < 0). PERSIST and TIMEOUT are mutually exclusive; TIMEOUT
// loses.
func NewEvent(fd int, cb Callback, flags EventFlag, timevalMicros int64) *Event {
	ev := &Event{fd: fd, flags: flags, timeval: timevalMicros, cb: cb}
	if flags.Has(EventTimeout) && flags.Has(EventPersist) {
		ev.flags &^= EventTimeout
		ev.timeval = 0
		errorf("event: cannot set PERSIST and TIMEOUT at the same time")
	}
	return ev
}

// FD returns the descriptor, negative for timer events.
func (ev *Event) FD() int { return ev.fd }

// Flags returns the current interest set.
func (ev *Event) Flags() EventFlag { return ev.flags }

// Timeval returns the microsecond timeout of a timer event.
func (ev *Event) Timeval() int64 { return ev.timeval }

// Cycle returns the owning cycle, nil when unattached.
func (ev *Event) Cycle() *Cycle { return ev.cycle }

// ID returns the cycle-assigned identifier, zero when inactive.
func (ev *Event) ID() uint64 { return ev.id }

// Reading reports whether READ is in the interest set.
func (ev *Event) Reading() bool { return ev.flags.Has(EventRead) }

// Writing reports whether WRITE is in the interest set.
func (ev *Event) Writing() bool { return ev.flags.Has(EventWrite) }

// EnableRead adds READ to the interest set and pushes the change to the
// owning cycle's reactor.
func (ev *Event) EnableRead() { ev.updateFlags(ev.flags | EventRead) }

// DisableRead removes READ from the interest set.
func (ev *Event) DisableRead() { ev.updateFlags(ev.flags &^ EventRead) }

// EnableWrite adds WRITE to the interest set.
func (ev *Event) EnableWrite() { ev.updateFlags(ev.flags | EventWrite) }

// DisableWrite removes WRITE from the interest set.
func (ev *Event) DisableWrite() { ev.updateFlags(ev.flags &^ EventWrite) }

func (ev *Event) updateFlags(flags EventFlag) {
	ev.flags = flags
	if ev.cycle == nil {
		errorf("event[fd=%d]: flag change on an unattached event", ev.fd)
		return
	}
	if err := ev.cycle.EventUpdate(ev); err != nil {
		errorf("event[fd=%d]: %v", ev.fd, err)
	}
}

// Deactivate removes the event from its cycle.
func (ev *Event) Deactivate() {
	if ev.cycle == nil || ev.id == 0 {
		return
	}
	if err := ev.cycle.EventRemove(ev); err != nil {
		errorf("event[fd=%d]: %v", ev.fd, err)
	}
}

// Tie guards dispatch on the liveness of the event's logical owner: once
// tied, the callback runs only while alive reports true. Sessions tie their
// event to themselves so a dropped session fires no further callbacks.
func (ev *Event) Tie(alive func() bool) {
	ev.tied = alive != nil
	ev.alive = alive
}

// HandleEvent dispatches one firing, honoring the tie.
func (ev *Event) HandleEvent(revents EventFlag, receiveTime int64) {
	if ev.tied && !ev.alive() {
		return
	}
	if ev.cb != nil {
		ev.cb(ev, revents, receiveTime)
	}
}

// activate attaches the event to a cycle under a fresh id. Cycle thread only.
func (ev *Event) activate(c *Cycle, id uint64) {
	ev.cycle = c
	ev.id = id
}

// reset detaches the event. Cycle thread only.
func (ev *Event) reset() {
	ev.cycle = nil
	ev.id = 0
}

func (ev *Event) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "event[fd=%d id=%d %s]", ev.fd, ev.id, ev.flags)
	return b.String()
}
