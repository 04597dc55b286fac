//go:build linux

// Package rawsock wraps a non-blocking ICMPv6 raw socket behind a narrow
// interface so the stream state machines can be driven against an
// in-memory fake in tests, and so the syscall surface stays in one place.
package rawsock

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by RecvFrom when no packet is currently
// available on a non-blocking socket.
var ErrWouldBlock = errors.New("rawsock: would block")

// Conn is the narrow send/receive/close surface the state machines depend
// on. The real implementation wraps a non-blocking AF_INET6 SOCK_RAW
// socket bound to IPPROTO_ICMPV6; tests substitute an in-memory fake.
type Conn interface {
	// SendTo writes buf to dst. dst's zone, if any, selects the egress
	// interface for link-local addresses.
	SendTo(buf []byte, dst net.IP) error
	// RecvFrom returns the next available datagram and its source
	// address, or ErrWouldBlock if none is queued right now.
	RecvFrom(buf []byte) (n int, src net.IP, err error)
	Close() error
}

type conn struct {
	fd      int
	ifIndex int
}

// Open binds a non-blocking ICMPv6 raw socket to the named interface (or
// to no interface in particular, if ifaceName is empty).
func Open(ifaceName string) (Conn, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_RAW, unix.IPPROTO_ICMPV6)
	if err != nil {
		return nil, fmt.Errorf("rawsock: socket: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			_ = unix.Close(fd)
		}
	}()

	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("rawsock: set nonblock: %w", err)
	}

	var ifIndex int
	if ifaceName != "" {
		ifi, err := net.InterfaceByName(ifaceName)
		if err != nil {
			return nil, fmt.Errorf("rawsock: lookup interface %q: %w", ifaceName, err)
		}
		ifIndex = ifi.Index
		if err := unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, ifaceName); err != nil {
			return nil, fmt.Errorf("rawsock: bind to device %q: %w", ifaceName, err)
		}
	}

	ok = true
	return &conn{fd: fd, ifIndex: ifIndex}, nil
}

func (c *conn) SendTo(buf []byte, dst net.IP) error {
	addr16, err := toSockaddr(dst, c.ifIndex)
	if err != nil {
		return err
	}
	return unix.Sendto(c.fd, buf, 0, addr16)
}

func (c *conn) RecvFrom(buf []byte) (int, net.IP, error) {
	n, from, err := unix.Recvfrom(c.fd, buf, 0)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return 0, nil, ErrWouldBlock
		}
		if errors.Is(err, unix.EINTR) {
			return 0, nil, ErrWouldBlock
		}
		return 0, nil, fmt.Errorf("rawsock: recvfrom: %w", err)
	}
	sa6, ok := from.(*unix.SockaddrInet6)
	if !ok {
		return 0, nil, fmt.Errorf("rawsock: unexpected sockaddr type %T", from)
	}
	src := make(net.IP, net.IPv6len)
	copy(src, sa6.Addr[:])
	return n, src, nil
}

func (c *conn) Close() error {
	return unix.Close(c.fd)
}

func toSockaddr(ip net.IP, ifIndex int) (*unix.SockaddrInet6, error) {
	ip16 := ip.To16()
	if ip16 == nil {
		return nil, fmt.Errorf("rawsock: %s is not an IPv6 address", ip)
	}
	sa := &unix.SockaddrInet6{ZoneId: uint32(ifIndex)}
	copy(sa.Addr[:], ip16)
	return sa, nil
}

// InterfaceMTU looks up the link MTU of the named interface.
func InterfaceMTU(ifaceName string) (int, error) {
	ifi, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return 0, fmt.Errorf("rawsock: lookup interface %q: %w", ifaceName, err)
	}
	return ifi.MTU, nil
}
