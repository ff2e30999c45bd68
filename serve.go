package reactor

import (
	"fmt"
	"sync/atomic"

	"github.com/behrlich/go-reactor/internal/sockop"
)

// NewSessionHook is invoked on the owning worker's cycle thread for each new
// session, before ConnectEstablished runs. Install session callbacks here.
type NewSessionHook func(s *Session, receiveTime int64, a *Acceptor)

// Serve owns an accept cycle and an I/O pool, distributing accepted
// connections round-robin across worker cycles.
type Serve struct {
	name  string
	cycle *Cycle
	pool  *ioPool

	sessionID  atomic.Uint64
	started    atomic.Bool
	newSession NewSessionHook
}

// NewServe creates a server around the given accept cycle.
func NewServe(cycle *Cycle, name string) *Serve {
	return &Serve{name: name, cycle: cycle}
}

// MainCycle returns the accept cycle.
func (s *Serve) MainCycle() *Cycle { return s.cycle }

// Running reports whether Exec is active.
func (s *Serve) Running() bool { return s.started.Load() }

// SetNewSession installs the per-session setup hook.
func (s *Serve) SetNewSession(hook NewSessionHook) { s.newSession = hook }

// AddAcceptor registers the acceptor's event on the accept cycle, wires its
// connection hook to the server and starts listening. Safe from any thread;
// off-thread callers block until the acceptor is live.
func (s *Serve) AddAcceptor(a *Acceptor) bool {
	added := false
	done := make(chan struct{})
	s.cycle.RunInCycle(func() {
		defer close(done)
		if err := s.cycle.EventUpdate(a.event); err != nil {
			errorf("serve[%s]: cannot register acceptor fd=%d: %v", s.name, a.fd, err)
			return
		}
		a.observer = s.cycle.observer
		a.SetNewConnection(s.handleNewConnection)
		if err := a.Listen(); err != nil {
			errorf("serve[%s]: acceptor fd=%d cannot listen: %v", s.name, a.fd, err)
			return
		}
		tracef("serve[%s]: added acceptor fd=%d port=%d", s.name, a.fd, a.port)
		added = true
	})
	if !s.cycle.InCycleThread() {
		<-done
	}
	return added
}

// Exec starts the I/O pool with the given worker count and runs the accept
// cycle until Exit; on return the pool is stopped and every session closed.
func (s *Serve) Exec(threadCount int) error {
	pool := newIOPool(s.name + "-worker")
	if !pool.start(s.cycle.Type(), threadCount, WithObserver(s.cycle.observer)) {
		return NewError("serve_exec", ErrCodeNotRunning, "cannot start io pool")
	}
	s.pool = pool

	s.started.Store(true)
	s.cycle.Exec()
	s.started.Store(false)

	tracef("serve[%s]: cleaning io pool", s.name)
	pool.stop()
	s.pool = nil
	return nil
}

// Exit stops the accept cycle; Exec unwinds from there.
func (s *Serve) Exit() { s.cycle.Exit() }

// handleNewConnection runs on the accept cycle: pick a worker, build the
// session and marshal its installation onto the worker cycle.
func (s *Serve) handleNewConnection(connFD int, peer HostAddress, receiveTime int64, a *Acceptor) {
	s.cycle.AssertInCycleThread()
	if !s.started.Load() {
		_ = sockop.Close(connFD)
		return
	}

	item := s.pool.getNext()
	if item == nil {
		errorf("serve[%s]: no worker available, dropping connection from %s", s.name, peer)
		_ = sockop.Close(connFD)
		return
	}

	local := LocalAddressOf(connFD)
	name := fmt.Sprintf("%s-%s#tcp%d", s.name, local.ToIPPort(), s.sessionID.Add(1)-1)
	tracef("serve[%s]: new session[%s] from %s", s.name, name, peer)

	session := NewSession(item.cycle, name, a.Family(), connFD, local, peer)
	session.SetDestroy(func() {
		item.cycle.RunInCycle(func() {
			delete(item.sessions, connFD)
		})
	})

	item.cycle.RunInCycle(func() {
		if s.newSession == nil {
			errorf("serve[%s]: new-session hook has not been set", s.name)
			_ = sockop.Close(connFD)
			return
		}
		item.sessions[connFD] = session
		s.newSession(session, receiveTime, a)
		session.ConnectEstablished()
	})
}
