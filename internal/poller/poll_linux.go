//go:build linux

package poller

import (
	"os"

	"golang.org/x/sys/unix"
)

// Poll is the poll(2) backend. It keeps a compact pollfd vector with a side
// map fd -> (event id, index); removal swaps the last entry into the freed
// slot. Edge-triggered semantics are not representable and are ignored.
type Poll struct {
	fds     []unix.PollFd
	entries map[int]pollEntry
}

type pollEntry struct {
	id    uint64
	index int
}

// NewPoll creates a poll backend.
func NewPoll() (*Poll, error) {
	return &Poll{entries: make(map[int]pollEntry)}, nil
}

func decodePoll(flags Flag) int16 {
	var ev int16 = unix.POLLRDHUP
	if flags.Has(FlagRead) {
		ev |= unix.POLLIN
	}
	if flags.Has(FlagWrite) {
		ev |= unix.POLLOUT
	}
	return ev
}

func encodePoll(ev int16) Flag {
	if ev&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
		ev |= unix.POLLIN | unix.POLLOUT
	}
	var flags Flag
	if ev&unix.POLLIN != 0 {
		flags |= FlagRead
	}
	if ev&unix.POLLOUT != 0 {
		flags |= FlagWrite
	}
	if ev&unix.POLLRDHUP != 0 {
		flags |= FlagClosed
	}
	return flags
}

func (p *Poll) Poll(timeoutMicros int64, ready *[]Ready) int64 {
	msec := int(timeoutMicros / 1000)
	n, err := unix.Poll(p.fds, msec)
	now := nowMicros()
	if err != nil || n <= 0 {
		return now
	}
	for i := range p.fds {
		if p.fds[i].Revents == 0 {
			continue
		}
		entry, ok := p.entries[int(p.fds[i].Fd)]
		if !ok {
			continue
		}
		*ready = append(*ready, Ready{ID: entry.id, Flags: encodePoll(p.fds[i].Revents)})
		p.fds[i].Revents = 0
		if n--; n == 0 {
			break
		}
	}
	return now
}

func (p *Poll) Add(fd int, id uint64, flags Flag) error {
	if _, exists := p.entries[fd]; exists {
		return os.NewSyscallError("poll add", unix.EEXIST)
	}
	p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: decodePoll(flags)})
	p.entries[fd] = pollEntry{id: id, index: len(p.fds) - 1}
	return nil
}

func (p *Poll) Mod(fd int, id uint64, flags Flag) error {
	entry, ok := p.entries[fd]
	if !ok {
		return os.NewSyscallError("poll mod", unix.ENOENT)
	}
	entry.id = id
	p.entries[fd] = entry
	p.fds[entry.index].Events = decodePoll(flags)
	p.fds[entry.index].Revents = 0
	return nil
}

func (p *Poll) Del(fd int) error {
	entry, ok := p.entries[fd]
	if !ok {
		return os.NewSyscallError("poll del", unix.ENOENT)
	}
	delete(p.entries, fd)
	last := len(p.fds) - 1
	if entry.index != last {
		p.fds[entry.index] = p.fds[last]
		moved := p.entries[int(p.fds[entry.index].Fd)]
		moved.index = entry.index
		p.entries[int(p.fds[entry.index].Fd)] = moved
	}
	p.fds = p.fds[:last]
	return nil
}

func (p *Poll) Check(fd int) bool {
	_, ok := p.entries[fd]
	return ok
}

func (p *Poll) Type() Type { return TypePoll }

func (p *Poll) Close() error { return nil }
