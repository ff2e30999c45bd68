package reactor

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-reactor/buffer"
	"github.com/behrlich/go-reactor/internal/sockop"
)

// DefaultHighWaterMark is the outbound-buffer threshold past which a session
// signals back-pressure.
const DefaultHighWaterMark = 64 * 1024 * 1024

// SessionState is the lifecycle phase of a session. Disconnected is terminal.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// SessionEvent is the reason a connect callback fires.
type SessionEvent uint8

const (
	SessionConnected SessionEvent = iota
	SessionClosed
	SessionError
)

// Session callbacks. All run on the session's cycle thread.
type (
	ReadCallback      func(s *Session, in *buffer.Buffer, receiveTime int64)
	WriteCallback     func(s *Session)
	ConnectCallback   func(s *Session, what SessionEvent)
	HighWaterCallback func(s *Session)
	DestroyCallback   func()
)

// Session is the state machine over a connected TCP socket: it translates
// readiness into read/write/close callbacks and owns the in/out buffers. A
// session belongs to exactly one cycle for its lifetime; Append and Send may
// be called from any thread, everything else from the cycle thread.
type Session struct {
	name   string
	cycle  *Cycle
	event  *Event
	fd     int
	family int

	localAddr HostAddress
	peerAddr  HostAddress

	state   atomic.Int32
	reading bool

	inBuf  *buffer.Buffer
	outBuf *buffer.Buffer

	highWaterMark int

	readCB      ReadCallback
	writeCB     WriteCallback
	connectCB   ConnectCallback
	highWaterCB HighWaterCallback
	destroy     DestroyCallback
	destroyOnce sync.Once

	alive atomic.Bool

	context  any
	observer Observer
}

// NewSession wraps an already connected non-blocking socket. The session
// starts in Connecting; call ConnectEstablished on the cycle thread to arm
// it.
func NewSession(cycle *Cycle, name string, family, fd int, localAddr, peerAddr HostAddress) *Session {
	s := &Session{
		name:          name,
		cycle:         cycle,
		fd:            fd,
		family:        family,
		localAddr:     localAddr,
		peerAddr:      peerAddr,
		inBuf:         buffer.New(),
		outBuf:        buffer.New(),
		highWaterMark: DefaultHighWaterMark,
		observer:      cycle.observer,
	}
	s.state.Store(int32(StateConnecting))
	s.alive.Store(true)
	s.event = NewEvent(fd, s.handleEvent, EventPersist, 0)
	return s
}

// Name returns the session's display name.
func (s *Session) Name() string { return s.name }

// FD returns the underlying descriptor.
func (s *Session) FD() int { return s.fd }

// OwnerCycle returns the cycle the session is affined to.
func (s *Session) OwnerCycle() *Cycle { return s.cycle }

// LocalAddress returns the local endpoint.
func (s *Session) LocalAddress() HostAddress { return s.localAddr }

// PeerAddress returns the remote endpoint.
func (s *Session) PeerAddress() HostAddress { return s.peerAddr }

// State returns the current lifecycle phase.
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// Connected reports whether the session is in the Connected state.
func (s *Session) Connected() bool { return s.State() == StateConnected }

func (s *Session) setState(state SessionState) { s.state.Store(int32(state)) }

// SetHighWaterMark adjusts the outbound back-pressure threshold; zero
// disables the callback.
func (s *Session) SetHighWaterMark(n int) { s.highWaterMark = n }

// SetReadCallback installs the inbound-data callback.
func (s *Session) SetReadCallback(cb ReadCallback) { s.readCB = cb }

// SetWriteCallback installs the outbound-drained callback.
func (s *Session) SetWriteCallback(cb WriteCallback) { s.writeCB = cb }

// SetConnectCallback installs the state-change callback.
func (s *Session) SetConnectCallback(cb ConnectCallback) { s.connectCB = cb }

// SetHighWaterCallback installs the back-pressure callback.
func (s *Session) SetHighWaterCallback(cb HighWaterCallback) { s.highWaterCB = cb }

// SetDestroy installs the hook run exactly once when the session reaches
// Disconnected, letting the owner drop its reference.
func (s *Session) SetDestroy(cb DestroyCallback) { s.destroy = cb }

// SetContext attaches opaque user state.
func (s *Session) SetContext(ctx any) { s.context = ctx }

// Context returns the attached user state.
func (s *Session) Context() any { return s.context }

// ConnectEstablished arms the session: Connected state, event tied and
// registered, READ enabled. Cycle thread only.
func (s *Session) ConnectEstablished() {
	s.cycle.AssertInCycleThread()
	if s.State() != StateConnecting {
		errorf("session[%s]: connect established in state %s", s.name, s.State())
		return
	}
	s.setState(StateConnected)
	if s.connectCB != nil {
		s.connectCB(s, SessionConnected)
	}
	s.event.Tie(s.alive.Load)
	if err := s.cycle.EventUpdate(s.event); err != nil {
		errorf("session[%s]: %v", s.name, err)
		return
	}
	s.event.EnableRead()
	s.reading = true
	s.observer.ObserveSessionOpen()
}

// Shutdown half-closes the write side. When a write is in flight the
// shutdown is deferred until the out buffer drains.
func (s *Session) Shutdown() error {
	if s.State() != StateConnected {
		return NewFDError("shutdown", s.fd, ErrCodeAlreadyClosed, "session is not connected")
	}
	s.setState(StateDisconnecting)
	s.cycle.RunInCycle(func() {
		if !s.alive.Load() {
			return
		}
		if !s.event.Writing() {
			if err := sockop.ShutdownWrite(s.fd); err != nil {
				errorf("session[%s]: %v", s.name, err)
			}
		}
	})
	return nil
}

// ForceClose tears the session down immediately.
func (s *Session) ForceClose() error {
	state := s.State()
	if state != StateConnected && state != StateDisconnecting {
		return NewFDError("force_close", s.fd, ErrCodeAlreadyClosed, "session already disconnected")
	}
	s.cycle.RunInCycle(s.handleClose)
	return nil
}

// StartRead re-enables READ after a StopRead. Idempotent.
func (s *Session) StartRead() {
	s.cycle.RunInCycle(func() {
		if !s.reading || !s.event.Reading() {
			s.event.EnableRead()
			s.reading = true
		}
	})
}

// StopRead drops READ from the interest set, pausing inbound callbacks.
// Idempotent.
func (s *Session) StopRead() {
	s.cycle.RunInCycle(func() {
		if s.reading || s.event.Reading() {
			s.event.DisableRead()
			s.reading = false
		}
	})
}

// Send stages p and queues it for writing. Safe from any thread.
func (s *Session) Send(p []byte) bool {
	if s.State() != StateConnected {
		return false
	}
	staged := buffer.New()
	if !staged.Add(p) {
		return false
	}
	s.queueOutput(staged)
	return true
}

// Append splices b's content onto the session's out buffer, leaving b empty.
// Safe from any thread.
func (s *Session) Append(b *buffer.Buffer) bool {
	if s.State() != StateConnected {
		return false
	}
	staged := buffer.New()
	staged.Append(b)
	s.queueOutput(staged)
	return true
}

// queueOutput marshals staged bytes onto the owning cycle: splice, kick a
// write when the out buffer was idle, and signal the high-water crossing.
func (s *Session) queueOutput(staged *buffer.Buffer) {
	s.cycle.QueueInCycle(func() {
		if !s.alive.Load() || s.State() == StateDisconnected {
			return
		}
		before := s.outBuf.Len()
		s.outBuf.Append(staged)
		if s.highWaterMark > 0 && before <= s.highWaterMark && s.outBuf.Len() > s.highWaterMark {
			if s.highWaterCB != nil {
				s.highWaterCB(s)
			} else {
				errorf("session[%s]: high-water callback has not been set", s.name)
			}
		}
		if before == 0 {
			s.event.EnableWrite()
			s.handleWrite()
		}
	})
}

// handleEvent fans one readiness report out to the read/write/close paths.
func (s *Session) handleEvent(_ *Event, revents EventFlag, receiveTime int64) {
	s.cycle.AssertInCycleThread()
	tracef("session[%s] revents: %s", s.name, revents)
	if revents.Has(EventRead) {
		s.handleRead(receiveTime)
	}
	if revents.Has(EventWrite) {
		s.handleWrite()
	}
	if revents.Has(EventClosed) {
		s.handleClose()
	}
}

func (s *Session) handleRead(receiveTime int64) {
	if s.State() == StateDisconnected {
		return
	}
	n, err := s.inBuf.Read(s.fd, -1)
	switch {
	case n == 0:
		s.handleClose()
	case n > 0:
		s.observer.ObserveReadBytes(uint64(n))
		if s.readCB != nil {
			s.readCB(s, s.inBuf, receiveTime)
		} else {
			errorf("session[%s]: read callback has not been set", s.name)
		}
	default:
		if IsErrno(err, unix.EAGAIN) || IsErrno(err, unix.EINTR) {
			return
		}
		s.handleError()
	}
}

func (s *Session) handleWrite() {
	if !s.event.Writing() {
		tracef("session[%s] is down, no more writing", s.name)
		return
	}
	n, err := s.outBuf.Write(s.fd, -1)
	if err != nil && !IsErrno(err, unix.EAGAIN) && !IsErrno(err, unix.EINTR) {
		errorf("session[%s]: error while writing the socket: %v (SO_ERROR: %v)",
			s.name, err, sockop.SocketError(s.fd))
		return
	}
	if n > 0 {
		s.observer.ObserveWriteBytes(uint64(n))
	}
	if s.outBuf.Len() == 0 {
		s.event.DisableWrite()
		if s.writeCB != nil {
			cb := s.writeCB
			s.cycle.QueueInCycle(func() {
				if s.alive.Load() {
					cb(s)
				}
			})
		}
		if s.State() == StateDisconnecting {
			if err := sockop.ShutdownWrite(s.fd); err != nil {
				errorf("session[%s]: %v", s.name, err)
			}
			s.handleClose()
		}
	}
}

func (s *Session) handleClose() {
	state := s.State()
	if state == StateDisconnected {
		return
	}
	tracef("session[%s] fd=%d state=%s closing", s.name, s.fd, state)
	s.setState(StateDisconnected)
	s.reading = false
	s.event.DisableRead()
	s.event.DisableWrite()
	if s.connectCB != nil {
		s.connectCB(s, SessionClosed)
	} else {
		errorf("session[%s]: connect callback has not been set, session is closed", s.name)
	}
	s.event.Deactivate()
	s.alive.Store(false)
	s.observer.ObserveSessionClose()
	s.destroyOnce.Do(func() {
		if s.destroy != nil {
			s.destroy()
		}
		_ = sockop.Close(s.fd)
	})
}

func (s *Session) handleError() {
	if s.connectCB != nil {
		s.connectCB(s, SessionError)
	} else {
		errorf("session[%s]: error occurred: %v", s.name, sockop.SocketError(s.fd))
	}
}
