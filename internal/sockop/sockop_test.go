package sockop

import (
	"testing"

	"golang.org/x/sys/unix"
)

func listeningSocket(t *testing.T) int {
	t.Helper()
	fd := CreateNonblockingOrDie(unix.AF_INET)
	t.Cleanup(func() { Close(fd) })
	if err := SetReuseAddr(fd, true); err != nil {
		t.Fatalf("SetReuseAddr: %v", err)
	}
	if err := Bind(fd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := Listen(fd); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	return fd
}

func TestCreateNonblocking(t *testing.T) {
	fd := CreateNonblockingOrDie(unix.AF_INET)
	defer Close(fd)

	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		t.Fatalf("fcntl: %v", err)
	}
	if flags&unix.O_NONBLOCK == 0 {
		t.Error("socket is not non-blocking")
	}
}

func TestAcceptEmptyBacklog(t *testing.T) {
	fd := listeningSocket(t)
	connFD, _, err := Accept(fd)
	if connFD != -1 {
		t.Fatalf("Accept on empty backlog returned fd %d", connFD)
	}
	if err != unix.EAGAIN {
		t.Fatalf("expected EAGAIN, got %v", err)
	}
}

func TestAcceptConnection(t *testing.T) {
	fd := listeningSocket(t)
	sa, err := LocalSockaddr(fd)
	if err != nil {
		t.Fatalf("LocalSockaddr: %v", err)
	}

	peer := CreateNonblockingOrDie(unix.AF_INET)
	defer Close(peer)
	err = Connect(peer, sa)
	if err != nil && err != unix.EINPROGRESS {
		t.Fatalf("Connect: %v", err)
	}

	var connFD int
	for i := 0; i < 100; i++ {
		connFD, _, err = Accept(fd)
		if connFD >= 0 {
			break
		}
		if err != unix.EAGAIN {
			t.Fatalf("Accept: %v", err)
		}
	}
	if connFD < 0 {
		t.Fatal("connection never arrived")
	}
	defer Close(connFD)

	if got := peerFamily(t, connFD); got != unix.AF_INET {
		t.Fatalf("peer family = %d", got)
	}
}

func peerFamily(t *testing.T, fd int) int {
	t.Helper()
	sa, err := PeerSockaddr(fd)
	if err != nil {
		t.Fatalf("PeerSockaddr: %v", err)
	}
	switch sa.(type) {
	case *unix.SockaddrInet4:
		return unix.AF_INET
	case *unix.SockaddrInet6:
		return unix.AF_INET6
	}
	return unix.AF_UNSPEC
}

func TestBytesReadable(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer Close(fds[0])
	defer Close(fds[1])

	if n := BytesReadable(fds[0]); n != 0 {
		t.Errorf("BytesReadable on idle socket = %d, want 0", n)
	}
	if _, err := Write(fds[1], []byte("12345")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n := BytesReadable(fds[0]); n != 5 {
		t.Errorf("BytesReadable = %d, want 5", n)
	}
}

func TestSocketErrorClean(t *testing.T) {
	fd := CreateNonblockingOrDie(unix.AF_INET)
	defer Close(fd)
	if err := SocketError(fd); err != nil {
		t.Errorf("fresh socket reports SO_ERROR %v", err)
	}
}

func TestShutdownWrite(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer Close(fds[0])
	defer Close(fds[1])

	if err := ShutdownWrite(fds[0]); err != nil {
		t.Fatalf("ShutdownWrite: %v", err)
	}
	// The peer must observe EOF.
	buf := make([]byte, 1)
	n, err := Read(fds[1], buf)
	if n != 0 || err != nil {
		t.Errorf("peer read after shutdown = (%d, %v), want EOF", n, err)
	}
}
