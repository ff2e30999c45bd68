package reactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-reactor/buffer"
	"github.com/behrlich/go-reactor/internal/sockop"
)

// Client drives outbound connections on a cycle, mirroring Serve for the
// connect direction: classify the connect errno, retry the retriable cases
// with a delay, build a session on success.
type Client struct {
	name  string
	cycle *Cycle

	connectCB ConnectCallback

	// cycle-thread state
	session *Session
	retryID uint64
}

// NewClient creates a client around the given cycle.
func NewClient(cycle *Cycle, name string) *Client {
	return &Client{name: name, cycle: cycle}
}

// MainCycle returns the owning cycle.
func (c *Client) MainCycle() *Cycle { return c.cycle }

// SetConnectCallback installs the callback fired once per successful
// connection attempt, before the session is armed. Install the session's own
// callbacks (read, connect for CLOSED/ERROR) inside it.
func (c *Client) SetConnectCallback(cb ConnectCallback) { c.connectCB = cb }

// Connected reports whether the client currently holds a connected session.
// Off-thread callers block for the answer; false when the cycle is idle.
func (c *Client) Connected() bool {
	if !c.cycle.Running() {
		return false
	}
	connected := false
	done := make(chan struct{})
	c.cycle.RunInCycle(func() {
		if c.session != nil {
			connected = c.session.Connected()
		}
		close(done)
	})
	if !c.cycle.InCycleThread() {
		<-done
	}
	return connected
}

// ConnectTo starts a connection attempt to addr. Retriable failures
// (ECONNREFUSED, ENETUNREACH, ...) are retried up to retryTimes with the
// given delay between attempts; terminal errnos stop with a log line.
func (c *Client) ConnectTo(addr HostAddress, retry bool, retryTimes int, delay time.Duration) {
	if c.Connected() {
		errorf("client[%s]: already connected, reconnect after disconnecting", c.name)
		return
	}
	c.cycle.QueueInCycle(func() {
		c.connectInCycle(addr, retry, retryTimes, delay)
	})
}

func (c *Client) connectInCycle(addr HostAddress, retry bool, retryTimes int, delay time.Duration) {
	fd := sockop.CreateNonblockingOrDie(addr.Family())
	err := sockop.Connect(fd, addr.Sockaddr())

	switch err {
	case nil, unix.EINPROGRESS, unix.EINTR, unix.EISCONN:
		name := fmt.Sprintf("%s-%s#tcp", c.name, addr.ToIPPort())
		session := NewSession(c.cycle, name, addr.Family(), fd, LocalAddressOf(fd), addr)
		session.SetDestroy(func() {
			c.cycle.AssertInCycleThread()
			c.session = nil
		})
		c.session = session
		c.retryID = 0
		if c.connectCB != nil {
			c.connectCB(session, SessionConnected)
		}
		session.ConnectEstablished()

	case unix.EAGAIN, unix.EADDRINUSE, unix.EADDRNOTAVAIL, unix.ECONNREFUSED, unix.ENETUNREACH:
		_ = sockop.Close(fd)
		if retry && retryTimes > 0 {
			tracef("client[%s]: retrying %s in %s, %d attempts left", c.name, addr, delay, retryTimes)
			c.retryID = c.cycle.RunAfter(func() {
				c.connectInCycle(addr, retry, retryTimes-1, delay)
			}, delay)
		} else {
			errorf("client[%s]: cannot connect to %s: %v", c.name, addr, err)
			c.retryID = 0
		}

	case unix.EACCES, unix.EPERM, unix.EAFNOSUPPORT, unix.EALREADY, unix.EBADF, unix.EFAULT, unix.ENOTSOCK:
		_ = sockop.Close(fd)
		errorf("client[%s]: connection error %v while connecting to %s", c.name, err, addr)
		c.retryID = 0

	default:
		_ = sockop.Close(fd)
		errorf("client[%s]: unexpected error %v while connecting to %s", c.name, err, addr)
		c.retryID = 0
	}
}

// Close force-closes the current session, if any, and cancels a pending
// retry. Off-thread callers block until done.
func (c *Client) Close() {
	done := make(chan struct{})
	c.cycle.RunInCycle(func() {
		if c.retryID != 0 {
			c.cycle.Cancel(c.retryID)
			c.retryID = 0
		}
		if c.session != nil {
			if err := c.session.ForceClose(); err != nil {
				tracef("client[%s]: %v", c.name, err)
			}
		}
		close(done)
	})
	if !c.cycle.InCycleThread() {
		<-done
	}
}

// Send stages p onto the current session. Safe from any thread; false when
// no session is connected.
func (c *Client) Send(p []byte) bool {
	if !c.Connected() {
		return false
	}
	ok := false
	done := make(chan struct{})
	c.cycle.RunInCycle(func() {
		if c.session != nil {
			ok = c.session.Send(p)
		}
		close(done)
	})
	if !c.cycle.InCycleThread() {
		<-done
	}
	return ok
}

// Append splices b onto the current session's out buffer, leaving b empty.
// Safe from any thread.
func (c *Client) Append(b *buffer.Buffer) bool {
	if !c.Connected() {
		return false
	}
	ok := false
	done := make(chan struct{})
	c.cycle.RunInCycle(func() {
		if c.session != nil {
			ok = c.session.Append(b)
		}
		close(done)
	})
	if !c.cycle.InCycleThread() {
		<-done
	}
	return ok
}
