package reactor

import "github.com/behrlich/go-reactor/internal/poller"

// EventFlag is the readiness-flag set events are registered with. The same
// encoding travels through the poller backends.
type EventFlag = poller.Flag

const (
	// EventRead requests read readiness.
	EventRead = poller.FlagRead
	// EventWrite requests write readiness.
	EventWrite = poller.FlagWrite
	// EventClosed reports peer shutdown. It is reported, never requested.
	EventClosed = poller.FlagClosed
	// EventET requests edge-triggered semantics where the backend supports
	// them; the poll backend ignores it.
	EventET = poller.FlagET
	// EventPersist keeps the event armed after firing.
	EventPersist = poller.FlagPersist
	// EventTimeout marks timer expiry in a callback's revents.
	EventTimeout = poller.FlagTimeout
)

// ReactorType selects the readiness backend of a cycle.
type ReactorType = poller.Type

const (
	ReactorEpoll = poller.TypeEpoll
	ReactorPoll  = poller.TypePoll
)

// DefaultReactorType returns the preferred backend for this platform.
func DefaultReactorType() ReactorType { return ReactorEpoll }
