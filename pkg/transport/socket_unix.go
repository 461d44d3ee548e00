//go:build unix

package transport

import (
	"errors"
	"net"
	"net/netip"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func enableBroadcast(network, address string, c syscall.RawConn) error {
	var optErr error
	if err := c.Control(func(fd uintptr) {
		optErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	}); err != nil {
		return &sockoptError{err}
	}
	if optErr != nil {
		return &sockoptError{os.NewSyscallError("setsockopt", optErr)}
	}
	return nil
}

// newUDPSocket receives through the raw descriptor with MSG_DONTWAIT so an
// empty socket reports EAGAIN instead of parking the caller.
func newUDPSocket(conn *net.UDPConn) (*udpSocket, error) {
	rc, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}

	recv := func(buf []byte) (int, netip.AddrPort, error) {
		var (
			n       int
			from    unix.Sockaddr
			recvErr error
		)
		if err := rc.Read(func(fd uintptr) bool {
			n, from, recvErr = unix.Recvfrom(int(fd), buf, unix.MSG_DONTWAIT)
			return true
		}); err != nil {
			return 0, netip.AddrPort{}, err
		}

		if recvErr != nil {
			if errors.Is(recvErr, unix.EAGAIN) || errors.Is(recvErr, unix.EWOULDBLOCK) {
				return 0, netip.AddrPort{}, ErrWouldBlock
			}
			return 0, netip.AddrPort{}, os.NewSyscallError("recvfrom", recvErr)
		}
		return n, sockaddrToAddrPort(from), nil
	}

	return &udpSocket{conn: conn, recv: recv}, nil
}

func sockaddrToAddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}
