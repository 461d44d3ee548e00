//go:build !unix

package transport

import (
	"errors"
	"net"
	"net/netip"
	"os"
	"syscall"
	"time"
)

// pollWindow bounds how long a receive attempt may wait on platforms without
// MSG_DONTWAIT.
const pollWindow = time.Millisecond

// enableBroadcast is a no-op: the runtime already sets SO_BROADCAST on
// datagram sockets here.
func enableBroadcast(network, address string, c syscall.RawConn) error {
	return nil
}

func newUDPSocket(conn *net.UDPConn) (*udpSocket, error) {
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}

	recv := func(buf []byte) (int, netip.AddrPort, error) {
		if err := conn.SetReadDeadline(time.Now().Add(pollWindow)); err != nil {
			return 0, netip.AddrPort{}, err
		}
		n, addr, err := conn.ReadFromUDPAddrPort(buf)
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return 0, netip.AddrPort{}, ErrWouldBlock
		}
		return n, addr, err
	}

	return &udpSocket{conn: conn, recv: recv}, nil
}
