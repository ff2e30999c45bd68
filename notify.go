package reactor

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-reactor/internal/sockop"
)

// notifier wakes a sleeping cycle out of its poll. On Linux it is an eventfd;
// where eventfd is unavailable it falls back to a connected socket pair with
// the write side retained and the read side registered with the reactor.
type notifier struct {
	event   *Event
	readFD  int
	writeFD int
}

func newNotifier() (*notifier, error) {
	n := &notifier{}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err == nil {
		n.readFD = efd
		n.writeFD = efd
	} else {
		fds, spErr := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
		if spErr != nil {
			return nil, WrapError("notifier", -1, spErr)
		}
		n.writeFD = fds[0]
		n.readFD = fds[1]
	}
	n.event = NewEvent(n.readFD, n.onEvent, EventRead|EventPersist, 0)
	return n, nil
}

// sendNotify writes an 8-byte one. Safe from any thread.
func (n *notifier) sendNotify() {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	if wn, err := sockop.Write(n.writeFD, one[:]); err != nil || wn != len(one) {
		errorf("notifier[fd=%d]: wrote %d bytes instead of %d: %v", n.writeFD, wn, len(one), err)
	}
}

// onEvent drains the pending wake-up token.
func (n *notifier) onEvent(ev *Event, revents EventFlag, _ int64) {
	if !revents.Has(EventRead) {
		errorf("notifier[fd=%d]: unexpected revents %s", ev.FD(), revents)
		return
	}
	var buf [8]byte
	if rn, err := sockop.Read(n.readFD, buf[:]); err != nil || rn != len(buf) {
		errorf("notifier[fd=%d]: read %d bytes instead of %d: %v", n.readFD, rn, len(buf), err)
	}
}

func (n *notifier) close() {
	if n.writeFD != n.readFD {
		_ = sockop.Close(n.writeFD)
	}
	_ = sockop.Close(n.readFD)
}
