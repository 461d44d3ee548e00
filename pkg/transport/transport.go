package transport

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/appnet-org/fleetnet/pkg/logging"
	"github.com/appnet-org/fleetnet/pkg/packet"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// UDPTransport is a connectionless fleet messaging endpoint. It never spawns
// goroutines: callers drive Recv and Flush on their own cadence.
//
// The socket, the inbound queue, the outbound buffer, the registry and the
// status flags are each guarded independently, and no operation holds two of
// those locks at once. Push and GetPackets may therefore run concurrently with
// Recv and Flush. Init, Reset and Shutdown must be serialized by the owner.
type UDPTransport struct {
	cfg      Config
	provider SocketProvider

	sockMu sync.Mutex
	sock   Socket

	inMu  sync.Mutex
	inbox []packet.ReceivedPacket

	outMu  sync.Mutex
	outbox []byte

	registry    *Registry
	fragmenter  *Fragmenter
	reassembler *Reassembler

	flagMu      sync.Mutex
	initialized bool
	needReset   bool
}

// NewUDPTransport creates an uninitialized transport. A nil provider opens
// real UDP sockets.
func NewUDPTransport(cfg Config, provider SocketProvider) (*UDPTransport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if provider == nil {
		provider = UDPProvider{}
	}

	return &UDPTransport{
		cfg:         cfg,
		provider:    provider,
		registry:    NewRegistry(),
		fragmenter:  NewFragmenter(cfg.FragSize),
		reassembler: NewReassembler(cfg.FragStaleTimeout, cfg.Clock),
	}, nil
}

// Init opens the socket on port and stamps outgoing frames with version and nodeType.
func (t *UDPTransport) Init(version uint16, port uint16, nodeType packet.NodeType) error {
	if t.IsInitialized() {
		return ErrAlreadyInitialized
	}

	t.fragmenter.SetIdentity(version, nodeType)

	sock, err := t.provider.Open(port)
	if err != nil {
		if CodeOf(err) == CodeUnknown {
			err = wrap(ErrSockAssign, err)
		}
		logging.Error("Failed to open socket", zap.Uint16("port", port), zap.Error(err))
		return err
	}

	t.sockMu.Lock()
	t.sock = sock
	t.sockMu.Unlock()

	t.flagMu.Lock()
	t.initialized = true
	t.flagMu.Unlock()

	logging.Info("Transport initialized",
		zap.Stringer("local", sock.LocalAddr()),
		zap.Uint16("version", version),
		zap.Stringer("type", nodeType))
	return nil
}

// Shutdown sends DISCONNECT to every subscriber and releases the socket.
// Queued packets and buffered output are dropped; the registry is kept so a
// later Init resumes with the same peers.
func (t *UDPTransport) Shutdown() error {
	if !t.IsInitialized() {
		return ErrUninitialized
	}

	var errs error
	disconnect := t.fragmenter.ControlFrame(packet.RequestDisconnect)
	for _, sub := range t.registry.Subscribers() {
		if err := t.sendFrame(disconnect, sub.Addr); err != nil {
			logging.Warn("Failed to send DISCONNECT", zap.Stringer("peer", sub.Addr), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}

	t.sockMu.Lock()
	sock := t.sock
	t.sock = nil
	t.sockMu.Unlock()

	if sock != nil {
		if err := sock.Close(); err != nil {
			errs = multierr.Append(errs, wrap(ErrCantClose, err))
		}
	}

	t.inMu.Lock()
	t.inbox = nil
	t.inMu.Unlock()

	t.outMu.Lock()
	t.outbox = nil
	t.outMu.Unlock()

	t.flagMu.Lock()
	t.initialized = false
	t.flagMu.Unlock()

	logging.Info("Transport shut down")
	return errs
}

// Reset shuts the transport down, initializes it again with the given
// parameters and clears the needs-reset flag. Shutdown failures are logged
// and do not prevent re-initialization.
func (t *UDPTransport) Reset(version uint16, port uint16, nodeType packet.NodeType) error {
	if err := t.Shutdown(); err != nil && !errors.Is(err, ErrUninitialized) {
		logging.Warn("Shutdown during reset failed", zap.Error(err))
	}

	err := t.Init(version, port, nodeType)

	t.flagMu.Lock()
	t.needReset = false
	t.flagMu.Unlock()

	return err
}

// Recv drains every pending datagram from the socket. Unfragmented frames are
// queued, fragments go to the reassembler. Registry transitions and stale
// group eviction then run once for the whole cycle. A receive failure other
// than would-block marks the transport as needing reset.
func (t *UDPTransport) Recv() error {
	if !t.IsInitialized() {
		return ErrUninitialized
	}

	buf := make([]byte, t.cfg.ReadBufferSize)
	var cycle []packet.ReceivedPacket
	var recvErr error

	for {
		t.sockMu.Lock()
		sock := t.sock
		if sock == nil {
			t.sockMu.Unlock()
			recvErr = ErrUninitialized
			break
		}
		n, addr, err := sock.Recv(buf)
		t.sockMu.Unlock()

		if errors.Is(err, ErrWouldBlock) {
			break
		}
		if err != nil {
			t.markNeedReset()
			recvErr = wrap(ErrRecvFailed, err)
			logging.Error("Socket receive failed", zap.Error(err))
			break
		}

		pkt, ok := t.parse(buf[:n], addr)
		if !ok {
			continue
		}
		if !pkt.Header.IsFragment() {
			cycle = append(cycle, pkt)
			continue
		}
		if full, done := t.reassembler.Add(pkt); done {
			cycle = append(cycle, full)
		}
	}

	t.process(cycle)
	t.reassembler.EvictStale()

	return recvErr
}

// parse decodes a datagram and applies the protocol version policy.
func (t *UDPTransport) parse(data []byte, addr netip.AddrPort) (packet.ReceivedPacket, bool) {
	head, payload, err := packet.DecodeFrame(data)
	if err != nil {
		logging.Debug("Discarded frame", zap.Stringer("peer", addr), zap.Int("size", len(data)), zap.Error(err))
		return packet.ReceivedPacket{}, false
	}

	if version, _ := t.fragmenter.Identity(); head.ProtocolVersion != version {
		switch t.cfg.VersionPolicy {
		case VersionReject:
			logging.Debug("Discarded frame with foreign protocol version",
				zap.Stringer("peer", addr), zap.Uint16("version", head.ProtocolVersion))
			return packet.ReceivedPacket{}, false
		case VersionLog:
			logging.Warn("Frame with foreign protocol version",
				zap.Stringer("peer", addr), zap.Uint16("version", head.ProtocolVersion), zap.Uint16("expected", version))
		}
	}

	return packet.ReceivedPacket{Addr: addr, Header: head, Payload: payload}, true
}

// process applies registry transitions for one receive cycle and queues the
// packets that carry data.
func (t *UDPTransport) process(cycle []packet.ReceivedPacket) {
	if len(cycle) == 0 {
		return
	}

	deliver := make([]packet.ReceivedPacket, 0, len(cycle))
	var acks []netip.AddrPort

	for _, pkt := range cycle {
		if pkt.Header.Req == packet.RequestPush {
			if t.cfg.RequirePublisher && !t.registry.IsPublisher(pkt.Addr) {
				logging.Debug("Dropped data from non-publisher", zap.Stringer("peer", pkt.Addr))
				continue
			}
		} else {
			t.registry.Apply(pkt.Addr, pkt.Header)
			if pkt.Header.Req == packet.RequestConnect && t.cfg.AutoAck {
				acks = append(acks, pkt.Addr)
			}
		}

		// Empty frames are keepalives or pure control.
		if len(pkt.Payload) == 0 {
			continue
		}
		deliver = append(deliver, pkt)
	}

	if len(deliver) > 0 {
		t.inMu.Lock()
		t.inbox = append(t.inbox, deliver...)
		t.inMu.Unlock()
	}

	for _, addr := range acks {
		if err := t.Accept(addr); err != nil {
			logging.Warn("Failed to acknowledge CONNECT", zap.Stringer("peer", addr), zap.Error(err))
		}
	}
}

// GetPackets appends every queued packet to dst and empties the queue. When
// nothing is queued it returns dst unchanged with ErrNoUpdate.
func (t *UDPTransport) GetPackets(dst []packet.ReceivedPacket) ([]packet.ReceivedPacket, error) {
	t.inMu.Lock()
	defer t.inMu.Unlock()

	if len(t.inbox) == 0 {
		return dst, ErrNoUpdate
	}
	dst = append(dst, t.inbox...)
	t.inbox = nil
	return dst, nil
}

// Push appends message to the outbound buffer sent by the next Flush.
func (t *UDPTransport) Push(message []byte) error {
	t.outMu.Lock()
	t.outbox = append(t.outbox, message...)
	t.outMu.Unlock()
	return nil
}

// Flush fragments the outbound buffer and sends every frame to every subscriber.
func (t *UDPTransport) Flush() error {
	if !t.IsInitialized() {
		return ErrUninitialized
	}

	t.outMu.Lock()
	data := t.outbox
	t.outbox = nil
	t.outMu.Unlock()

	return t.broadcast(data)
}

// Send fragments data and sends it to every subscriber, bypassing the outbound buffer.
func (t *UDPTransport) Send(data []byte) error {
	if !t.IsInitialized() {
		return ErrUninitialized
	}
	return t.broadcast(data)
}

// SendTo fragments data and sends it to addr only.
func (t *UDPTransport) SendTo(data []byte, addr netip.AddrPort) error {
	if !t.IsInitialized() {
		return ErrUninitialized
	}

	addr, err := destination(addr)
	if err != nil {
		return err
	}
	frames, err := t.fragmenter.PrepareFrag(data)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		if err := t.sendFrame(frame, addr); err != nil {
			return err
		}
	}
	return nil
}

func (t *UDPTransport) broadcast(data []byte) error {
	frames, err := t.fragmenter.PrepareFrag(data)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		return nil
	}

	for _, sub := range t.registry.Subscribers() {
		for _, frame := range frames {
			if err := t.sendFrame(frame, sub.Addr); err != nil {
				return err
			}
		}
	}
	return nil
}

// Connect asks addr to push its data to us. addr becomes a pending publisher
// until it replies ACK.
func (t *UDPTransport) Connect(addr netip.AddrPort) error {
	if !t.IsInitialized() {
		return ErrUninitialized
	}
	addr, err := destination(addr)
	if err != nil {
		return err
	}
	t.registry.AddPending(addr)
	return t.sendFrame(t.fragmenter.ControlFrame(packet.RequestConnect), addr)
}

// Accept confirms a CONNECT from addr.
func (t *UDPTransport) Accept(addr netip.AddrPort) error {
	if !t.IsInitialized() {
		return ErrUninitialized
	}
	addr, err := destination(addr)
	if err != nil {
		return err
	}
	return t.sendFrame(t.fragmenter.ControlFrame(packet.RequestAck), addr)
}

// Disconnect tells addr we are leaving and forgets it locally.
func (t *UDPTransport) Disconnect(addr netip.AddrPort) error {
	if !t.IsInitialized() {
		return ErrUninitialized
	}
	addr, err := destination(addr)
	if err != nil {
		return err
	}
	err = t.sendFrame(t.fragmenter.ControlFrame(packet.RequestDisconnect), addr)
	t.registry.Remove(addr)
	return err
}

// destination canonicalizes addr and rejects anything the IPv4 socket cannot
// reach. The caller's argument is at fault, so the transport stays healthy.
func destination(addr netip.AddrPort) (netip.AddrPort, error) {
	addr = canonical(addr)
	if !addr.Addr().Is4() || addr.Port() == 0 {
		return netip.AddrPort{}, fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
	}
	return addr, nil
}

// sendFrame writes one frame. A short write is reported as ErrPartialMessage;
// any send error marks the transport as needing reset.
func (t *UDPTransport) sendFrame(frame []byte, addr netip.AddrPort) error {
	t.sockMu.Lock()
	sock := t.sock
	if sock == nil {
		t.sockMu.Unlock()
		return ErrUninitialized
	}
	n, err := sock.SendTo(frame, addr)
	t.sockMu.Unlock()

	if err != nil {
		t.markNeedReset()
		logging.Error("Socket send failed", zap.Stringer("peer", addr), zap.Error(err))
		return wrap(ErrSendFailed, err)
	}
	if n < len(frame) {
		logging.Warn("Partial frame sent", zap.Stringer("peer", addr), zap.Int("sent", n), zap.Int("size", len(frame)))
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrPartialMessage, n, len(frame))
	}
	return nil
}

func (t *UDPTransport) markNeedReset() {
	t.flagMu.Lock()
	t.needReset = true
	t.flagMu.Unlock()
}

// IsInitialized reports whether the socket is open.
func (t *UDPTransport) IsInitialized() bool {
	t.flagMu.Lock()
	defer t.flagMu.Unlock()
	return t.initialized
}

// NeedsReset reports whether a fatal socket error occurred since the last Reset.
func (t *UDPTransport) NeedsReset() bool {
	t.flagMu.Lock()
	defer t.flagMu.Unlock()
	return t.needReset
}

// HasSubscribers reports whether any peer is subscribed to our data.
func (t *UDPTransport) HasSubscribers() bool {
	return t.registry.HasSubscribers()
}

// Subscribers returns the peers Flush sends to.
func (t *UDPTransport) Subscribers() []Peer {
	return t.registry.Subscribers()
}

// Publishers returns the peers that acknowledged our CONNECT.
func (t *UDPTransport) Publishers() []Peer {
	return t.registry.Publishers()
}

// PendingPublishers returns the peers we sent CONNECT to that have not ACKed.
func (t *UDPTransport) PendingPublishers() []netip.AddrPort {
	return t.registry.Pending()
}

// PendingFragments returns the number of incomplete fragment groups.
func (t *UDPTransport) PendingFragments() int {
	return t.reassembler.Pending()
}

// LocalAddr returns the bound address, or the zero value when not initialized.
func (t *UDPTransport) LocalAddr() netip.AddrPort {
	t.sockMu.Lock()
	defer t.sockMu.Unlock()
	if t.sock == nil {
		return netip.AddrPort{}
	}
	return t.sock.LocalAddr()
}

// Config returns the transport configuration.
func (t *UDPTransport) Config() Config {
	return t.cfg
}

// BroadcastAddr returns the limited broadcast address on port.
func BroadcastAddr(port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{255, 255, 255, 255}), port)
}
