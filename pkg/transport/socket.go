package transport

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
)

// Socket is a bound, broadcast-enabled UDP endpoint.
type Socket interface {
	// Recv performs one receive attempt without blocking. It returns
	// ErrWouldBlock when no datagram is pending.
	Recv(buf []byte) (int, netip.AddrPort, error)
	// SendTo writes one datagram to addr and returns the bytes written.
	SendTo(buf []byte, addr netip.AddrPort) (int, error)
	LocalAddr() netip.AddrPort
	Close() error
}

// SocketProvider opens sockets bound to all IPv4 interfaces on a port.
// Open failures should wrap ErrSockAssign, ErrSockBind or ErrSockNonblocking.
type SocketProvider interface {
	Open(port uint16) (Socket, error)
}

// UDPProvider opens real UDP sockets.
type UDPProvider struct{}

func (UDPProvider) Open(port uint16) (Socket, error) {
	lc := net.ListenConfig{Control: enableBroadcast}

	pc, err := lc.ListenPacket(context.Background(), "udp4", netip.AddrPortFrom(netip.IPv4Unspecified(), port).String())
	if err != nil {
		var soErr *sockoptError
		var sysErr *os.SyscallError
		if errors.As(err, &soErr) || (errors.As(err, &sysErr) && sysErr.Syscall == "socket") {
			return nil, wrap(ErrSockAssign, err)
		}
		return nil, wrap(ErrSockBind, err)
	}

	conn := pc.(*net.UDPConn)
	sock, err := newUDPSocket(conn)
	if err != nil {
		conn.Close()
		return nil, wrap(ErrSockNonblocking, err)
	}
	return sock, nil
}

// sockoptError marks a failure to configure the socket before bind.
type sockoptError struct {
	err error
}

func (e *sockoptError) Error() string { return "configure socket: " + e.err.Error() }

func (e *sockoptError) Unwrap() error { return e.err }

// udpSocket adapts *net.UDPConn to Socket.
type udpSocket struct {
	conn *net.UDPConn
	recv func(buf []byte) (int, netip.AddrPort, error)
}

func (s *udpSocket) Recv(buf []byte) (int, netip.AddrPort, error) {
	n, addr, err := s.recv(buf)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	return n, canonical(addr), nil
}

func (s *udpSocket) SendTo(buf []byte, addr netip.AddrPort) (int, error) {
	return s.conn.WriteToUDPAddrPort(buf, addr)
}

func (s *udpSocket) LocalAddr() netip.AddrPort {
	if addr, ok := s.conn.LocalAddr().(*net.UDPAddr); ok {
		return canonical(addr.AddrPort())
	}
	return netip.AddrPort{}
}

func (s *udpSocket) Close() error {
	return s.conn.Close()
}
