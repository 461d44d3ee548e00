package transport

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/appnet-org/fleetnet/pkg/packet"
)

// ==================== Mock Clock ====================

// mockClock allows controlling time in tests
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock() *mockClock {
	return &mockClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ==================== Fake Sockets ====================

type datagram struct {
	addr netip.AddrPort
	data []byte
}

// fakeSocket is an in-memory Socket. Delivered datagrams are returned by Recv
// in order; sent datagrams are recorded.
type fakeSocket struct {
	mu       sync.Mutex
	local    netip.AddrPort
	inbound  []datagram
	sent     []datagram
	recvErr  error
	sendErr  error
	shortBy  int
	closed   bool
	closeErr error
}

func (s *fakeSocket) Recv(buf []byte) (int, netip.AddrPort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.recvErr != nil {
		return 0, netip.AddrPort{}, s.recvErr
	}
	if len(s.inbound) == 0 {
		return 0, netip.AddrPort{}, ErrWouldBlock
	}
	d := s.inbound[0]
	s.inbound = s.inbound[1:]
	return copy(buf, d.data), d.addr, nil
}

func (s *fakeSocket) SendTo(buf []byte, addr netip.AddrPort) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sendErr != nil {
		return 0, s.sendErr
	}
	n := len(buf) - s.shortBy
	s.sent = append(s.sent, datagram{addr: addr, data: append([]byte(nil), buf[:n]...)})
	return n, nil
}

func (s *fakeSocket) LocalAddr() netip.AddrPort { return s.local }

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.closeErr
}

// Deliver queues a datagram from addr for the next Recv.
func (s *fakeSocket) Deliver(addr netip.AddrPort, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbound = append(s.inbound, datagram{addr: addr, data: data})
}

// Sent returns the datagrams written so far.
func (s *fakeSocket) Sent() []datagram {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]datagram(nil), s.sent...)
}

func (s *fakeSocket) ClearSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = nil
}

func (s *fakeSocket) SetRecvErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recvErr = err
}

func (s *fakeSocket) SetSendErr(err error, shortBy int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
	s.shortBy = shortBy
}

func (s *fakeSocket) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeProvider hands out fakeSockets and remembers every one it opened.
type fakeProvider struct {
	mu      sync.Mutex
	sockets []*fakeSocket
	openErr error
}

func (p *fakeProvider) Open(port uint16) (Socket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.openErr != nil {
		return nil, p.openErr
	}
	s := &fakeSocket{local: netip.AddrPortFrom(netip.IPv4Unspecified(), port)}
	p.sockets = append(p.sockets, s)
	return s, nil
}

func (p *fakeProvider) Last() *fakeSocket {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sockets) == 0 {
		return nil
	}
	return p.sockets[len(p.sockets)-1]
}

func (p *fakeProvider) Opened() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sockets)
}

// ==================== Transport Helper ====================

const (
	testVersion = uint16(5)
	testPort    = uint16(9000)
)

var (
	peerA = netip.MustParseAddrPort("10.0.0.2:9000")
	peerB = netip.MustParseAddrPort("10.0.0.3:9000")
)

type transportTestHelper struct {
	transport *UDPTransport
	provider  *fakeProvider
	clock     *mockClock
}

func newTransportTestHelper(t *testing.T, mutate func(*Config)) *transportTestHelper {
	t.Helper()

	clock := newMockClock()
	cfg := DefaultConfig()
	cfg.Clock = clock.Now
	if mutate != nil {
		mutate(&cfg)
	}

	provider := &fakeProvider{}
	tr, err := NewUDPTransport(cfg, provider)
	if err != nil {
		t.Fatalf("NewUDPTransport: %v", err)
	}
	if err := tr.Init(testVersion, testPort, packet.NodeRover); err != nil {
		t.Fatalf("Init: %v", err)
	}

	return &transportTestHelper{transport: tr, provider: provider, clock: clock}
}

func (h *transportTestHelper) Socket() *fakeSocket {
	return h.provider.Last()
}

// DeliverControl queues a header-only control frame from addr.
func (h *transportTestHelper) DeliverControl(addr netip.AddrPort, req packet.Request, nodeType packet.NodeType) {
	h.Socket().Deliver(addr, packet.NewHeader(nodeType, req, testVersion).Marshal())
}

// DeliverData queues an unfragmented PUSH frame from addr.
func (h *transportTestHelper) DeliverData(addr netip.AddrPort, version uint16, payload []byte) {
	frame, err := packet.EncodeFrame(packet.NewHeader(packet.NodeDrone, packet.RequestPush, version), payload)
	if err != nil {
		panic(err)
	}
	h.Socket().Deliver(addr, frame)
}

// Subscribe registers addr as a subscriber through a CONNECT frame.
func (h *transportTestHelper) Subscribe(addr netip.AddrPort) {
	h.DeliverControl(addr, packet.RequestConnect, packet.NodeGroundStation)
	if err := h.transport.Recv(); err != nil {
		panic(err)
	}
}

func sentTo(sent []datagram, addr netip.AddrPort) [][]byte {
	var frames [][]byte
	for _, d := range sent {
		if d.addr == addr {
			frames = append(frames, d.data)
		}
	}
	return frames
}

func mustHeader(data []byte) packet.Header {
	h, err := packet.ParseHeader(data)
	if err != nil {
		panic(err)
	}
	return h
}
