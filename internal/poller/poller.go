// Package poller wraps the kernel readiness primitives (epoll, poll) behind a
// uniform event-flag encoding. A Poller maintains the kernel interest set for
// a group of file descriptors and reports readiness as (event-id, flags)
// pairs; it knows nothing about callbacks, timers or sessions.
package poller

import (
	"fmt"
	"strings"
	"time"
)

// Flag is the runtime readiness-flag set. READ/WRITE/CLOSED/ET describe the
// kernel readiness an event cares about, PERSIST keeps an event armed after
// firing, TIMEOUT marks timer expiry. CLOSED is reported but never requested.
type Flag uint8

const (
	FlagRead Flag = 1 << iota
	FlagWrite
	FlagClosed
	FlagET
	FlagPersist
	FlagTimeout
)

// Has reports whether all bits of other are set in f.
func (f Flag) Has(other Flag) bool { return f&other == other }

func (f Flag) String() string {
	if f == 0 {
		return "NONE"
	}
	var parts []string
	for _, fl := range []struct {
		bit  Flag
		name string
	}{
		{FlagRead, "READ"},
		{FlagWrite, "WRITE"},
		{FlagClosed, "CLOSED"},
		{FlagET, "ET"},
		{FlagPersist, "PERSIST"},
		{FlagTimeout, "TIMEOUT"},
	} {
		if f&fl.bit != 0 {
			parts = append(parts, fl.name)
		}
	}
	return strings.Join(parts, "|")
}

// Type selects the backing readiness primitive.
type Type int32

const (
	TypeEpoll Type = iota
	TypePoll
)

func (t Type) String() string {
	switch t {
	case TypeEpoll:
		return "epoll"
	case TypePoll:
		return "poll"
	default:
		return fmt.Sprintf("type(%d)", int32(t))
	}
}

// Ready is one readiness report from a Poll call.
type Ready struct {
	ID    uint64
	Flags Flag
}

// Poller is the readiness-polling backend owned by a cycle. All methods must
// be called from the cycle thread.
type Poller interface {
	// Poll blocks up to timeout microseconds, appends readiness reports to
	// ready and returns the wake-up timestamp in microseconds since the
	// epoch. Interruption by signal is absorbed silently.
	Poll(timeoutMicros int64, ready *[]Ready) int64

	// Add registers a fresh descriptor under the given event id.
	Add(fd int, id uint64, flags Flag) error

	// Mod updates the interest set of a registered descriptor.
	Mod(fd int, id uint64, flags Flag) error

	// Del drops a registered descriptor.
	Del(fd int) error

	// Check reports whether the descriptor is currently registered.
	Check(fd int) bool

	Type() Type
	Close() error
}

// New creates a poller of the given type.
func New(t Type) (Poller, error) {
	switch t {
	case TypeEpoll:
		return NewEpoll()
	case TypePoll:
		return NewPoll()
	default:
		return nil, fmt.Errorf("poller: unknown type %d", t)
	}
}

func nowMicros() int64 { return time.Now().UnixMicro() }
