//go:build linux

package poller

import (
	"os"

	"golang.org/x/sys/unix"
)

const initEventCount = 16

// Epoll is the epoll(7) backend. The output event array starts at
// initEventCount entries and doubles whenever a single wait fills it.
type Epoll struct {
	fd        int
	eventBuf  []unix.EpollEvent
	registered map[int]uint64 // fd -> event id
}

// NewEpoll opens an epoll instance with CLOEXEC set.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &Epoll{
		fd:         fd,
		eventBuf:   make([]unix.EpollEvent, initEventCount),
		registered: make(map[int]uint64),
	}, nil
}

// decodeEpoll translates runtime flags into the kernel interest set. CLOSED
// is always watched via EPOLLRDHUP so peer shutdown is distinguishable from
// plain readability.
func decodeEpoll(flags Flag) uint32 {
	var ev uint32 = unix.EPOLLRDHUP
	if flags.Has(FlagRead) {
		ev |= unix.EPOLLIN | unix.EPOLLPRI
	}
	if flags.Has(FlagWrite) {
		ev |= unix.EPOLLOUT
	}
	if flags.Has(FlagET) {
		ev |= unix.EPOLLET
	}
	return ev
}

// encodeEpoll translates a kernel report back into runtime flags. An error
// condition (EPOLLERR, or EPOLLHUP without EPOLLRDHUP) is synthesized as
// READ|WRITE so the handler observes readiness and discovers the error via a
// zero-length read or SO_ERROR.
func encodeEpoll(ev uint32) Flag {
	if ev&unix.EPOLLERR != 0 || (ev&unix.EPOLLHUP != 0 && ev&unix.EPOLLRDHUP == 0) {
		return FlagRead | FlagWrite
	}
	var flags Flag
	if ev&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		flags |= FlagRead
	}
	if ev&unix.EPOLLOUT != 0 {
		flags |= FlagWrite
	}
	if ev&unix.EPOLLRDHUP != 0 {
		flags |= FlagClosed
	}
	return flags
}

func (p *Epoll) Poll(timeoutMicros int64, ready *[]Ready) int64 {
	msec := int(timeoutMicros / 1000)
	n, err := unix.EpollWait(p.fd, p.eventBuf, msec)
	now := nowMicros()
	if err != nil {
		// EINTR wakes are absorbed; the next iteration retries.
		return now
	}
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		id, ok := p.registered[fd]
		if !ok {
			continue
		}
		*ready = append(*ready, Ready{ID: id, Flags: encodeEpoll(p.eventBuf[i].Events)})
	}
	if n == len(p.eventBuf) {
		p.eventBuf = make([]unix.EpollEvent, len(p.eventBuf)*2)
	}
	return now
}

func (p *Epoll) Add(fd int, id uint64, flags Flag) error {
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: decodeEpoll(flags),
		Fd:     int32(fd),
	})
	if err != nil {
		return os.NewSyscallError("epoll_ctl add", err)
	}
	p.registered[fd] = id
	return nil
}

func (p *Epoll) Mod(fd int, id uint64, flags Flag) error {
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: decodeEpoll(flags),
		Fd:     int32(fd),
	})
	if err != nil {
		return os.NewSyscallError("epoll_ctl mod", err)
	}
	p.registered[fd] = id
	return nil
}

func (p *Epoll) Del(fd int) error {
	delete(p.registered, fd)
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return os.NewSyscallError("epoll_ctl del", err)
	}
	return nil
}

func (p *Epoll) Check(fd int) bool {
	_, ok := p.registered[fd]
	return ok
}

func (p *Epoll) Type() Type { return TypeEpoll }

func (p *Epoll) Close() error {
	return unix.Close(p.fd)
}
