package packet

import (
	"errors"
	"fmt"
	"net/netip"
)

var (
	ErrInvalidHeader  = errors.New("invalid frame header")
	ErrTruncatedFrame = errors.New("data too short for declared payload length")
)

// ReceivedPacket is a parsed inbound frame, or a reassembled message when the
// frame was part of a fragment group.
type ReceivedPacket struct {
	Addr    netip.AddrPort
	Header  Header
	Payload []byte
}

// EncodeFrame serializes a header followed by payload. The header's
// PayloadLength is taken from len(payload).
func EncodeFrame(h Header, payload []byte) ([]byte, error) {
	if len(payload) > 0xFFFF {
		return nil, fmt.Errorf("payload of %d bytes exceeds frame limit", len(payload))
	}
	h.PayloadLength = uint16(len(payload))

	buf := make([]byte, HeaderSize+len(payload))
	if err := h.Put(buf); err != nil {
		return nil, err
	}
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// DecodeFrame parses a datagram into its header and payload. Frames with an
// invalid header or a payload shorter than declared are rejected. The returned
// payload is a copy and does not alias data.
func DecodeFrame(data []byte) (Header, []byte, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return Header{}, nil, err
	}
	if !h.Valid() {
		return h, nil, ErrInvalidHeader
	}

	end := HeaderSize + int(h.PayloadLength)
	if len(data) < end {
		return h, nil, fmt.Errorf("%w: have %d, need %d", ErrTruncatedFrame, len(data), end)
	}

	payload := make([]byte, h.PayloadLength)
	copy(payload, data[HeaderSize:end])
	return h, payload, nil
}
