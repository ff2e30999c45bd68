package reactor

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-reactor/internal/sockop"
)

// HostAddress wraps a socket address with string conversions. The zero value
// is an unspecified address.
type HostAddress struct {
	sa unix.Sockaddr
}

// NewHostAddress parses "ip" + port into an address. IPv6 literals may be
// given with or without brackets.
func NewHostAddress(ip string, port uint16) (HostAddress, error) {
	if len(ip) >= 2 && ip[0] == '[' && ip[len(ip)-1] == ']' {
		ip = ip[1 : len(ip)-1]
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return HostAddress{}, NewError("parse_addr", ErrCodeIOError, fmt.Sprintf("invalid address %q", ip))
	}
	if addr.Is4() {
		return HostAddress{sa: &unix.SockaddrInet4{Port: int(port), Addr: addr.As4()}}, nil
	}
	return HostAddress{sa: &unix.SockaddrInet6{Port: int(port), Addr: addr.As16()}}, nil
}

// AnyAddress returns the wildcard (or loopback) address of the given family.
func AnyAddress(port uint16, loopback, ipv6 bool) HostAddress {
	if ipv6 {
		sa := &unix.SockaddrInet6{Port: int(port)}
		if loopback {
			sa.Addr = netip.IPv6Loopback().As16()
		}
		return HostAddress{sa: sa}
	}
	sa := &unix.SockaddrInet4{Port: int(port)}
	if loopback {
		sa.Addr = [4]byte{127, 0, 0, 1}
	}
	return HostAddress{sa: sa}
}

// LocalAddressOf reads the local address bound to fd.
func LocalAddressOf(fd int) HostAddress {
	sa, err := sockop.LocalSockaddr(fd)
	if err != nil {
		errorf("cannot get local address of fd=%d: %v", fd, err)
		return HostAddress{}
	}
	return HostAddress{sa: sa}
}

// PeerAddressOf reads the remote address connected to fd.
func PeerAddressOf(fd int) HostAddress {
	sa, err := sockop.PeerSockaddr(fd)
	if err != nil {
		errorf("cannot get peer address of fd=%d: %v", fd, err)
		return HostAddress{}
	}
	return HostAddress{sa: sa}
}

// Sockaddr exposes the wrapped kernel address.
func (a HostAddress) Sockaddr() unix.Sockaddr { return a.sa }

// Family returns the address family (unix.AF_INET / unix.AF_INET6), or
// unix.AF_UNSPEC for the zero value.
func (a HostAddress) Family() int {
	switch a.sa.(type) {
	case *unix.SockaddrInet4:
		return unix.AF_INET
	case *unix.SockaddrInet6:
		return unix.AF_INET6
	default:
		return unix.AF_UNSPEC
	}
}

// Port returns the port number, zero for the zero value.
func (a HostAddress) Port() uint16 {
	switch sa := a.sa.(type) {
	case *unix.SockaddrInet4:
		return uint16(sa.Port)
	case *unix.SockaddrInet6:
		return uint16(sa.Port)
	default:
		return 0
	}
}

// ToIP renders the bare address without the port.
func (a HostAddress) ToIP() string {
	switch sa := a.sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrFrom4(sa.Addr).String()
	case *unix.SockaddrInet6:
		return netip.AddrFrom16(sa.Addr).String()
	default:
		return "<unspecified>"
	}
}

// ToIPPort renders "ip:port"; IPv6 addresses are bracket-wrapped.
func (a HostAddress) ToIPPort() string {
	switch sa := a.sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%s:%d", netip.AddrFrom4(sa.Addr), sa.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%s]:%d", netip.AddrFrom16(sa.Addr), sa.Port)
	default:
		return "<unspecified>"
	}
}

func (a HostAddress) String() string { return a.ToIPPort() }

// Byte-order helpers for protocol consumers.

// HostToNetwork16 converts v to network byte order.
func HostToNetwork16(v uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return binary.NativeEndian.Uint16(b[:])
}

// HostToNetwork32 converts v to network byte order.
func HostToNetwork32(v uint32) uint32 {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return binary.NativeEndian.Uint32(b[:])
}

// HostToNetwork64 converts v to network byte order.
func HostToNetwork64(v uint64) uint64 {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return binary.NativeEndian.Uint64(b[:])
}

// NetworkToHost16 converts v from network byte order.
func NetworkToHost16(v uint16) uint16 { return HostToNetwork16(v) }

// NetworkToHost32 converts v from network byte order.
func NetworkToHost32(v uint32) uint32 { return HostToNetwork32(v) }

// NetworkToHost64 converts v from network byte order.
func NetworkToHost64(v uint64) uint64 { return HostToNetwork64(v) }
