// Package sockop provides thin wrappers over the BSD socket syscalls used by
// the runtime: non-blocking socket creation, accept with errno triage, byte
// I/O and the small pile of getsockopt/ioctl helpers sessions rely on.
package sockop

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// fallbackReadable is reported when FIONREAD is unavailable.
const fallbackReadable = 4096

// CreateNonblockingOrDie opens a non-blocking close-on-exec TCP socket of the
// given family. Failure to create a socket is unrecoverable.
func CreateNonblockingOrDie(family int) int {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		panic(fmt.Sprintf("sockop: cannot create non-blocking socket: %v", err))
	}
	return fd
}

// Accept accepts one connection on fd, returning the connected descriptor and
// peer address. Expected transient failures (EAGAIN, ECONNABORTED, EINTR,
// EPROTO, EPERM, EMFILE) are returned as (-1, nil, errno); errnos that signal
// a broken process state abort.
func Accept(fd int) (int, unix.Sockaddr, error) {
	connFD, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err == nil {
		return connFD, sa, nil
	}
	switch err {
	case unix.EAGAIN, unix.ECONNABORTED, unix.EINTR, unix.EPROTO, unix.EPERM, unix.EMFILE:
		return -1, nil, err
	case unix.EBADF, unix.EFAULT, unix.EINVAL, unix.ENFILE, unix.ENOBUFS,
		unix.ENOMEM, unix.ENOTSOCK, unix.EOPNOTSUPP:
		panic(fmt.Sprintf("sockop: unexpected error of accept: %v", err))
	default:
		panic(fmt.Sprintf("sockop: unknown error of accept: %v", err))
	}
}

// Bind binds fd to the given address.
func Bind(fd int, sa unix.Sockaddr) error {
	return os.NewSyscallError("bind", unix.Bind(fd, sa))
}

// Listen puts fd into listening state with the maximum backlog.
func Listen(fd int) error {
	return os.NewSyscallError("listen", unix.Listen(fd, unix.SOMAXCONN))
}

// Connect starts a connection attempt on a non-blocking socket. The raw errno
// is returned for the caller to classify; nil means immediate success.
func Connect(fd int, sa unix.Sockaddr) error {
	return unix.Connect(fd, sa)
}

// Close releases the descriptor.
func Close(fd int) error {
	return os.NewSyscallError("close", unix.Close(fd))
}

// ShutdownWrite half-closes the write side of fd.
func ShutdownWrite(fd int) error {
	return os.NewSyscallError("shutdown", unix.Shutdown(fd, unix.SHUT_WR))
}

// Read reads into p.
func Read(fd int, p []byte) (int, error) {
	return unix.Read(fd, p)
}

// Write writes p.
func Write(fd int, p []byte) (int, error) {
	return unix.Write(fd, p)
}

// BytesReadable returns the number of bytes queued on the socket's receive
// side, or a conservative default when the kernel cannot say.
func BytesReadable(fd int) int {
	n, err := unix.IoctlGetInt(fd, unix.FIONREAD)
	if err != nil || n < 0 {
		return fallbackReadable
	}
	return n
}

// SocketError drains and returns the pending SO_ERROR on fd, or nil.
func SocketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return os.NewSyscallError("getsockopt", err)
	}
	if errno == 0 {
		return nil
	}
	return unix.Errno(errno)
}

// SetReuseAddr toggles SO_REUSEADDR.
func SetReuseAddr(fd int, on bool) error {
	return os.NewSyscallError("setsockopt",
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, boolToInt(on)))
}

// SetReusePort toggles SO_REUSEPORT.
func SetReusePort(fd int, on bool) error {
	return os.NewSyscallError("setsockopt",
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, boolToInt(on)))
}

// SetNoDelay toggles TCP_NODELAY.
func SetNoDelay(fd int, on bool) error {
	return os.NewSyscallError("setsockopt",
		unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolToInt(on)))
}

// SetKeepAlive toggles SO_KEEPALIVE.
func SetKeepAlive(fd int, on bool) error {
	return os.NewSyscallError("setsockopt",
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, boolToInt(on)))
}

// LocalSockaddr returns the local address bound to fd.
func LocalSockaddr(fd int) (unix.Sockaddr, error) {
	sa, err := unix.Getsockname(fd)
	return sa, os.NewSyscallError("getsockname", err)
}

// PeerSockaddr returns the remote address connected to fd.
func PeerSockaddr(fd int) (unix.Sockaddr, error) {
	sa, err := unix.Getpeername(fd)
	return sa, os.NewSyscallError("getpeername", err)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
