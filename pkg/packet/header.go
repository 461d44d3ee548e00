// Package packet defines the fleet frame header and its wire codec.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the encoded size of a Header in bytes.
// Layout: [flags(1B)][PayloadLength(2B)][FragIndex(1B)][FragRef(1B)][ProtocolVersion(2B)]
const HeaderSize = 7

// Bit layout of the flags byte.
const (
	typeMask     = 0x03 // bits 0-1
	reqMask      = 0x0C // bits 2-3
	reqShift     = 2
	moreFragBit  = 0x10 // bit 4
	paddingMask  = 0xE0 // bits 5-7
	paddingShift = 5

	// Padding is the fixed 3-bit signature (bit5=1, bit6=0, bit7=1).
	Padding uint8 = 0x05
)

// NodeType identifies the kind of node that produced a frame.
type NodeType uint8

const (
	NodeRover NodeType = iota
	NodeDrone
	NodeRemote
	NodeGroundStation
)

var nodeTypeNames = [...]string{"rover", "drone", "remote", "gs"}

func (t NodeType) String() string {
	if int(t) < len(nodeTypeNames) {
		return nodeTypeNames[t]
	}
	return fmt.Sprintf("NodeType(%d)", uint8(t))
}

// ParseNodeType maps a name ("rover", "drone", "remote", "gs") to its NodeType.
func ParseNodeType(s string) (NodeType, error) {
	for i, name := range nodeTypeNames {
		if name == s {
			return NodeType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown node type %q", s)
}

// Request is the control meaning of a frame.
type Request uint8

const (
	RequestPush Request = iota
	RequestConnect
	RequestAck
	RequestDisconnect
)

func (r Request) String() string {
	switch r {
	case RequestPush:
		return "PUSH"
	case RequestConnect:
		return "CONNECT"
	case RequestAck:
		return "ACK"
	case RequestDisconnect:
		return "DISCONNECT"
	default:
		return fmt.Sprintf("Request(%d)", uint8(r))
	}
}

var ErrShortHeader = errors.New("data too short for frame header")

// Header is the fixed-size frame header carried by every datagram.
type Header struct {
	Type            NodeType
	Req             Request
	MoreFrag        bool
	Padding         uint8 // 3-bit signature, Padding for well-formed frames
	PayloadLength   uint16
	FragIndex       uint8
	FragRef         uint8 // 0 means the frame is not a fragment
	ProtocolVersion uint16
}

// NewHeader returns a header with the fixed padding signature set.
func NewHeader(nodeType NodeType, req Request, version uint16) Header {
	return Header{
		Type:            nodeType,
		Req:             req,
		Padding:         Padding,
		ProtocolVersion: version,
	}
}

// Valid reports whether the header may be processed further. A PUSH must carry
// a payload, a frame announcing more fragments must carry a nonzero frag_ref,
// and the padding signature must match exactly.
func (h Header) Valid() bool {
	pushValid := h.Req != RequestPush || h.PayloadLength != 0
	fragValid := !h.MoreFrag || h.FragRef != 0
	return pushValid && fragValid && h.Padding == Padding
}

// LastFrag reports whether this is the terminal fragment of a fragmented message.
func (h Header) LastFrag() bool {
	return !h.MoreFrag && h.FragRef != 0
}

// IsFragment reports whether the frame belongs to a fragment group.
func (h Header) IsFragment() bool {
	return h.FragRef != 0
}

// Put encodes h into the first HeaderSize bytes of buf.
func (h Header) Put(buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrShortHeader
	}

	flags := uint8(h.Type)&typeMask |
		(uint8(h.Req)<<reqShift)&reqMask |
		(h.Padding<<paddingShift)&paddingMask
	if h.MoreFrag {
		flags |= moreFragBit
	}

	buf[0] = flags
	binary.LittleEndian.PutUint16(buf[1:3], h.PayloadLength)
	buf[3] = h.FragIndex
	buf[4] = h.FragRef
	binary.LittleEndian.PutUint16(buf[5:7], h.ProtocolVersion)
	return nil
}

// Marshal returns the encoded header.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	_ = h.Put(buf)
	return buf
}

// ParseHeader decodes a header from the start of data. It does not check
// validity; callers use Valid for that.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes (need at least %d)", ErrShortHeader, len(data), HeaderSize)
	}

	flags := data[0]
	return Header{
		Type:            NodeType(flags & typeMask),
		Req:             Request((flags & reqMask) >> reqShift),
		MoreFrag:        flags&moreFragBit != 0,
		Padding:         (flags & paddingMask) >> paddingShift,
		PayloadLength:   binary.LittleEndian.Uint16(data[1:3]),
		FragIndex:       data[3],
		FragRef:         data[4],
		ProtocolVersion: binary.LittleEndian.Uint16(data[5:7]),
	}, nil
}
