package reactor

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-reactor/internal/sockop"
)

// NewConnectionHook receives each accepted descriptor along with the peer
// address and the reactor receive time.
type NewConnectionHook func(connFD int, peer HostAddress, receiveTime int64, a *Acceptor)

// Acceptor is an event wrapping a listening socket. On READ readiness it
// accepts until the backlog drains, handing each connection to the
// server-supplied hook. It holds a reserve descriptor against /dev/null so
// accept keeps making progress under EMFILE pressure.
type Acceptor struct {
	event  *Event
	fd     int
	family int
	port   uint16
	idleFD int

	newConn NewConnectionHook
	alive   atomic.Bool

	observer Observer
}

// NewAcceptor creates a non-blocking listening socket of the given family
// with SO_REUSEADDR set and SO_REUSEPORT as requested. The socket is not
// bound until Listen.
func NewAcceptor(family int, port uint16, reusePort bool) *Acceptor {
	fd := sockop.CreateNonblockingOrDie(family)
	idleFD, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		idleFD = -1
		errorf("acceptor[fd=%d]: cannot reserve idle descriptor: %v", fd, err)
	}
	a := &Acceptor{
		fd:       fd,
		family:   family,
		port:     port,
		idleFD:   idleFD,
		observer: NoOpObserver{},
	}
	a.alive.Store(true)
	if err := sockop.SetReuseAddr(fd, true); err != nil {
		errorf("acceptor[fd=%d]: %v", fd, err)
	}
	if reusePort {
		if err := sockop.SetReusePort(fd, true); err != nil {
			errorf("acceptor[fd=%d]: %v", fd, err)
		}
	}
	a.event = NewEvent(fd, a.onEvent, EventPersist, 0)
	return a
}

// Event returns the acceptor's event for registration on a cycle.
func (a *Acceptor) Event() *Event { return a.event }

// FD returns the listening descriptor.
func (a *Acceptor) FD() int { return a.fd }

// Port returns the configured listening port.
func (a *Acceptor) Port() uint16 { return a.port }

// Family returns the socket family.
func (a *Acceptor) Family() int { return a.family }

// SetNewConnection installs the hook invoked for each accepted connection.
func (a *Acceptor) SetNewConnection(hook NewConnectionHook) { a.newConn = hook }

// Listen binds the wildcard address of the configured family, starts
// listening and enables READ. The acceptor's event must already be attached
// to a cycle.
func (a *Acceptor) Listen() error {
	if a.event.Cycle() == nil {
		errorf("acceptor[fd=%d] has not been added to any cycle", a.fd)
		return NewFDError("listen", a.fd, ErrCodeNotAttached, "acceptor not on a cycle")
	}
	addr := AnyAddress(a.port, false, a.family == unix.AF_INET6)
	if err := sockop.Bind(a.fd, addr.Sockaddr()); err != nil {
		return WrapError("bind", a.fd, err)
	}
	if err := sockop.Listen(a.fd); err != nil {
		return WrapError("listen", a.fd, err)
	}
	a.event.Tie(a.alive.Load)
	a.event.EnableRead()
	return nil
}

// Close deactivates the acceptor and releases its descriptors.
func (a *Acceptor) Close() {
	if !a.alive.Swap(false) {
		return
	}
	a.event.Deactivate()
	_ = sockop.Close(a.fd)
	if a.idleFD >= 0 {
		_ = sockop.Close(a.idleFD)
		a.idleFD = -1
	}
}

func (a *Acceptor) onEvent(_ *Event, revents EventFlag, receiveTime int64) {
	if !revents.Has(EventRead) {
		errorf("acceptor[fd=%d]: unexpected revents %s", a.fd, revents)
		return
	}

	accepted := false
	for {
		connFD, sa, err := sockop.Accept(a.fd)
		if connFD < 0 {
			if err == unix.EMFILE {
				a.drainOverflow()
			} else if !accepted && err != unix.EAGAIN {
				errorf("acceptor[fd=%d]: cannot accept new connection: %v", a.fd, err)
			}
			return
		}
		accepted = true
		a.observer.ObserveAccept()
		peer := HostAddress{sa: sa}
		tracef("acceptor[fd=%d]: accepted tcp connection from %s", a.fd, peer)
		if a.newConn != nil {
			a.newConn(connFD, peer, receiveTime, a)
		} else {
			_ = sockop.Close(connFD)
		}
	}
}

// drainOverflow handles accept under descriptor exhaustion: release the
// reserve descriptor, accept and drop the pending connection, re-arm the
// reserve. See "the special problem of accept()ing when you can't" in
// libev's documentation.
func (a *Acceptor) drainOverflow() {
	if a.idleFD < 0 {
		return
	}
	_ = sockop.Close(a.idleFD)
	overflowFD, _, err := unix.Accept(a.fd)
	if err == nil {
		_ = sockop.Close(overflowFD)
	}
	a.idleFD, err = unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		a.idleFD = -1
		errorf("acceptor[fd=%d]: cannot re-arm idle descriptor: %v", a.fd, err)
	}
}
