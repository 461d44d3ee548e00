package transport

import (
	"net/netip"
	"sync"
	"time"

	"github.com/appnet-org/fleetnet/pkg/logging"
	"github.com/appnet-org/fleetnet/pkg/packet"
	"go.uber.org/zap"
)

const headerSize = packet.HeaderSize

// Fragmenter splits outbound payloads into frames stamped with this node's
// identity. It owns the frag_ref counter, which cycles through 1..255.
type Fragmenter struct {
	mu       sync.Mutex
	fragSize int
	version  uint16
	nodeType packet.NodeType
	lastRef  uint8
}

// NewFragmenter creates a fragmenter producing frames of at most fragSize
// payload bytes. A non-positive size selects DefaultFragSize; sizes above what
// payload_length can carry are clamped.
func NewFragmenter(fragSize int) *Fragmenter {
	switch {
	case fragSize < 1:
		fragSize = DefaultFragSize
	case fragSize > 0xFFFF:
		fragSize = 0xFFFF
	}
	return &Fragmenter{fragSize: fragSize}
}

// SetIdentity sets the protocol version and node type stamped on every frame.
func (f *Fragmenter) SetIdentity(version uint16, nodeType packet.NodeType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.version = version
	f.nodeType = nodeType
}

// Identity returns the protocol version and node type stamped on frames.
func (f *Fragmenter) Identity() (uint16, packet.NodeType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.version, f.nodeType
}

// nextFragRef advances the counter, skipping 0. Callers hold f.mu.
func (f *Fragmenter) nextFragRef() uint8 {
	f.lastRef++
	if f.lastRef == 0 {
		f.lastRef = 1
	}
	return f.lastRef
}

// PrepareFrag splits data into ceil(len(data)/fragSize) PUSH frames sharing
// one frag_ref. Every frame but the last has more_frag set. An empty payload
// produces no frames.
func (f *Fragmenter) PrepareFrag(data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}

	total := (len(data) + f.fragSize - 1) / f.fragSize
	if total > MaxFragments {
		return nil, wrap(ErrPayloadTooLarge, nil)
	}

	f.mu.Lock()
	head := packet.NewHeader(f.nodeType, packet.RequestPush, f.version)
	head.FragRef = f.nextFragRef()
	f.mu.Unlock()

	frames := make([][]byte, total)
	for i := range total {
		start := i * f.fragSize
		end := min(start+f.fragSize, len(data))

		head.FragIndex = uint8(i)
		head.MoreFrag = i != total-1

		frame, err := packet.EncodeFrame(head, data[start:end])
		if err != nil {
			return nil, err
		}
		frames[i] = frame
	}

	return frames, nil
}

// ControlFrame builds a header-only, unfragmented frame for req.
func (f *Fragmenter) ControlFrame(req packet.Request) []byte {
	version, nodeType := f.Identity()
	return packet.NewHeader(nodeType, req, version).Marshal()
}

type groupKey struct {
	addr netip.AddrPort
	ref  uint8
}

// fragmentGroup holds the fragments of one message ordered by frag_index.
type fragmentGroup struct {
	frags      []packet.ReceivedPacket
	lastIndex  int // frag_index of the terminal fragment, -1 until it arrives
	lastUpdate time.Time
}

// insert places pkt by frag_index. Arrival order is usually close to sorted,
// so a single insertion-sort pass from the tail is enough. Duplicates are dropped.
func (g *fragmentGroup) insert(pkt packet.ReceivedPacket) bool {
	i := len(g.frags)
	for i > 0 && g.frags[i-1].Header.FragIndex > pkt.Header.FragIndex {
		i--
	}
	if i > 0 && g.frags[i-1].Header.FragIndex == pkt.Header.FragIndex {
		return false
	}

	g.frags = append(g.frags, packet.ReceivedPacket{})
	copy(g.frags[i+1:], g.frags[i:])
	g.frags[i] = pkt

	if !pkt.Header.MoreFrag {
		g.lastIndex = int(pkt.Header.FragIndex)
	}
	return true
}

func (g *fragmentGroup) complete() bool {
	n := len(g.frags)
	return g.lastIndex >= 0 && n == g.lastIndex+1 &&
		int(g.frags[n-1].Header.FragIndex) == g.lastIndex
}

// Reassembler rebuilds fragmented messages. Groups that stop receiving
// fragments for longer than the stale timeout are dropped by EvictStale.
type Reassembler struct {
	mu      sync.Mutex
	groups  map[groupKey]*fragmentGroup
	timeout time.Duration
	clock   func() time.Time
}

// NewReassembler creates a reassembler using clock for group timestamps.
func NewReassembler(timeout time.Duration, clock func() time.Time) *Reassembler {
	if clock == nil {
		clock = time.Now
	}
	return &Reassembler{
		groups:  make(map[groupKey]*fragmentGroup),
		timeout: timeout,
		clock:   clock,
	}
}

// ProcessFrag decodes a raw fragment received from addr and feeds it to the
// matching group. It returns the reassembled packet once the group completes.
func (r *Reassembler) ProcessFrag(raw []byte, addr netip.AddrPort) (packet.ReceivedPacket, bool, error) {
	head, payload, err := packet.DecodeFrame(raw)
	if err != nil {
		return packet.ReceivedPacket{}, false, err
	}
	full, ok := r.Add(packet.ReceivedPacket{Addr: addr, Header: head, Payload: payload})
	return full, ok, nil
}

// Add feeds an already decoded fragment to its group.
func (r *Reassembler) Add(pkt packet.ReceivedPacket) (packet.ReceivedPacket, bool) {
	key := groupKey{addr: pkt.Addr, ref: pkt.Header.FragRef}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	group, exists := r.groups[key]
	if exists {
		// A stale group is dead even if no eviction pass has run yet; a
		// fragment sharing its key starts a new message.
		if age := now.Sub(group.lastUpdate); age > r.timeout {
			logging.Debug("Replaced stale fragment group",
				zap.Stringer("peer", key.addr),
				zap.Uint8("fragRef", key.ref),
				zap.Int("received", len(group.frags)),
				zap.Duration("age", age))
			exists = false
		}
	}
	if !exists {
		group = &fragmentGroup{lastIndex: -1}
		r.groups[key] = group
	}
	if !group.insert(pkt) {
		logging.Debug("Dropped duplicate fragment",
			zap.Stringer("peer", pkt.Addr),
			zap.Uint8("fragRef", pkt.Header.FragRef),
			zap.Uint8("fragIndex", pkt.Header.FragIndex))
	}
	group.lastUpdate = now

	if !group.complete() {
		return packet.ReceivedPacket{}, false
	}

	var totalSize int
	for _, frag := range group.frags {
		totalSize += len(frag.Payload)
	}
	payload := make([]byte, 0, totalSize)
	for _, frag := range group.frags {
		payload = append(payload, frag.Payload...)
	}

	delete(r.groups, key)

	logging.Debug("Reassembled message",
		zap.Stringer("peer", pkt.Addr),
		zap.Uint8("fragRef", pkt.Header.FragRef),
		zap.Int("fragments", len(group.frags)),
		zap.Int("size", totalSize))

	return packet.ReceivedPacket{
		Addr:    pkt.Addr,
		Header:  group.frags[len(group.frags)-1].Header,
		Payload: payload,
	}, true
}

// EvictStale drops every group whose last fragment arrived more than the
// stale timeout ago and returns how many were dropped.
func (r *Reassembler) EvictStale() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	evicted := 0
	for key, group := range r.groups {
		if age := now.Sub(group.lastUpdate); age > r.timeout {
			delete(r.groups, key)
			evicted++

			logging.Debug("Evicted stale fragment group",
				zap.Stringer("peer", key.addr),
				zap.Uint8("fragRef", key.ref),
				zap.Int("received", len(group.frags)),
				zap.Duration("age", age))
		}
	}
	return evicted
}

// Pending returns the number of incomplete groups.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups)
}
