package transport

import (
	"net/netip"
	"slices"
	"sync"

	"github.com/appnet-org/fleetnet/pkg/logging"
	"github.com/appnet-org/fleetnet/pkg/packet"
	"go.uber.org/zap"
)

// Peer is a registered remote node.
type Peer struct {
	Addr netip.AddrPort
	Type packet.NodeType
}

// Registry tracks subscribers (peers we push to), publishers (peers we accept
// data from) and publishers we have sent CONNECT to but that have not ACKed.
// Addresses are compared by IP and port.
type Registry struct {
	mu          sync.Mutex
	subscribers map[netip.AddrPort]packet.NodeType
	publishers  map[netip.AddrPort]packet.NodeType
	pending     map[netip.AddrPort]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		subscribers: make(map[netip.AddrPort]packet.NodeType),
		publishers:  make(map[netip.AddrPort]packet.NodeType),
		pending:     make(map[netip.AddrPort]struct{}),
	}
}

// canonical strips IPv4-in-IPv6 mapping so the same peer always has one key.
func canonical(addr netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}

// Apply performs the registry transition for a control frame received from
// addr. PUSH frames leave the registry untouched.
func (r *Registry) Apply(addr netip.AddrPort, head packet.Header) {
	addr = canonical(addr)

	r.mu.Lock()
	defer r.mu.Unlock()

	switch head.Req {
	case packet.RequestConnect:
		r.subscribers[addr] = head.Type
		logging.Info("Subscriber connected", zap.Stringer("peer", addr), zap.Stringer("type", head.Type))

	case packet.RequestAck:
		if _, ok := r.pending[addr]; ok {
			delete(r.pending, addr)
		} else {
			logging.Debug("Unsolicited ACK accepted", zap.Stringer("peer", addr))
		}
		r.publishers[addr] = head.Type
		logging.Info("Publisher confirmed", zap.Stringer("peer", addr), zap.Stringer("type", head.Type))

	case packet.RequestDisconnect:
		delete(r.publishers, addr)
		delete(r.subscribers, addr)
		delete(r.pending, addr)
		logging.Info("Peer disconnected", zap.Stringer("peer", addr))
	}
}

// AddPending marks addr as awaiting an ACK.
func (r *Registry) AddPending(addr netip.AddrPort) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[canonical(addr)] = struct{}{}
}

// Remove drops addr from every set.
func (r *Registry) Remove(addr netip.AddrPort) {
	addr = canonical(addr)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscribers, addr)
	delete(r.publishers, addr)
	delete(r.pending, addr)
}

// IsPublisher reports whether data from addr is accepted.
func (r *Registry) IsPublisher(addr netip.AddrPort) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.publishers[canonical(addr)]
	return ok
}

// HasSubscribers reports whether any subscriber is registered.
func (r *Registry) HasSubscribers() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers) > 0
}

// Subscribers returns a snapshot of the subscriber set ordered by address.
func (r *Registry) Subscribers() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshot(r.subscribers)
}

// Publishers returns a snapshot of the publisher set ordered by address.
func (r *Registry) Publishers() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshot(r.publishers)
}

// Pending returns the addresses still awaiting an ACK, ordered by address.
func (r *Registry) Pending() []netip.AddrPort {
	r.mu.Lock()
	defer r.mu.Unlock()

	addrs := make([]netip.AddrPort, 0, len(r.pending))
	for addr := range r.pending {
		addrs = append(addrs, addr)
	}
	slices.SortFunc(addrs, netip.AddrPort.Compare)
	return addrs
}

func snapshot(set map[netip.AddrPort]packet.NodeType) []Peer {
	peers := make([]Peer, 0, len(set))
	for addr, nodeType := range set {
		peers = append(peers, Peer{Addr: addr, Type: nodeType})
	}
	slices.SortFunc(peers, func(a, b Peer) int { return a.Addr.Compare(b.Addr) })
	return peers
}
