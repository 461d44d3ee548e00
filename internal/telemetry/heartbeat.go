// Package telemetry defines the heartbeat payload fleetnode nodes push to
// their subscribers.
package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/appnet-org/fleetnet/pkg/packet"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const kindHeartbeat = "fleetnet.heartbeat"

// ErrNotHeartbeat is returned by Decode for payloads that are not heartbeats.
var ErrNotHeartbeat = errors.New("payload is not a heartbeat")

// Heartbeat reports a node's liveness and registry state.
type Heartbeat struct {
	Node        string
	Type        packet.NodeType
	Seq         uint64
	Sent        time.Time
	Subscribers int
	Publishers  int
}

// Encode serializes h as a protobuf Struct.
func (h *Heartbeat) Encode() ([]byte, error) {
	s, err := structpb.NewStruct(map[string]any{
		"kind":        kindHeartbeat,
		"node":        h.Node,
		"type":        h.Type.String(),
		"seq":         float64(h.Seq),
		"sent":        h.Sent.UTC().Format(time.RFC3339Nano),
		"subscribers": h.Subscribers,
		"publishers":  h.Publishers,
	})
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

// Decode parses a heartbeat payload.
func Decode(data []byte) (*Heartbeat, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotHeartbeat, err)
	}

	fields := s.GetFields()
	if fields["kind"].GetStringValue() != kindHeartbeat {
		return nil, ErrNotHeartbeat
	}

	nodeType, err := packet.ParseNodeType(fields["type"].GetStringValue())
	if err != nil {
		return nil, err
	}
	sent, err := time.Parse(time.RFC3339Nano, fields["sent"].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("heartbeat timestamp: %w", err)
	}

	return &Heartbeat{
		Node:        fields["node"].GetStringValue(),
		Type:        nodeType,
		Seq:         uint64(fields["seq"].GetNumberValue()),
		Sent:        sent,
		Subscribers: int(fields["subscribers"].GetNumberValue()),
		Publishers:  int(fields["publishers"].GetNumberValue()),
	}, nil
}
