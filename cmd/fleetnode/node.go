package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/appnet-org/fleetnet/internal/config"
	"github.com/appnet-org/fleetnet/internal/telemetry"
	"github.com/appnet-org/fleetnet/pkg/logging"
	"github.com/appnet-org/fleetnet/pkg/packet"
	"github.com/appnet-org/fleetnet/pkg/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// node drives one transport with three cooperative loops.
type node struct {
	cfg      *config.Config
	nodeType packet.NodeType
	name     string
	tr       *transport.UDPTransport
}

func runNode(ctx context.Context, cfg *config.Config) error {
	nodeType, err := cfg.NodeType()
	if err != nil {
		return err
	}
	tr, err := transport.NewUDPTransport(cfg.TransportConfig(), nil)
	if err != nil {
		return err
	}
	name, err := os.Hostname()
	if err != nil {
		name = nodeType.String()
	}

	n := &node{cfg: cfg, nodeType: nodeType, name: name, tr: tr}
	if err := tr.Init(cfg.Version, cfg.Port, nodeType); err != nil {
		return err
	}
	defer func() {
		if err := tr.Shutdown(); err != nil && !errors.Is(err, transport.ErrUninitialized) {
			logging.Warn("Shutdown failed", zap.Error(err))
		}
	}()

	n.connectPeers()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.recvLoop(ctx) })
	g.Go(func() error { return n.flushLoop(ctx) })
	g.Go(func() error { return n.heartbeatLoop(ctx) })

	logging.Info("Node running",
		zap.Stringer("type", nodeType),
		zap.Uint16("port", cfg.Port),
		zap.Uint16("version", cfg.Version),
		zap.Strings("peers", cfg.Peers))

	err = g.Wait()
	logging.Info("Node stopping")
	return err
}

func (n *node) connectPeers() {
	peers, _ := n.cfg.PeerAddrs()
	if n.cfg.Discover {
		peers = append(peers, transport.BroadcastAddr(n.cfg.Port))
	}
	for _, addr := range peers {
		if err := n.tr.Connect(addr); err != nil {
			logging.Warn("Failed to send CONNECT", zap.Stringer("peer", addr), zap.Error(err))
		}
	}
}

func (n *node) recvLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.PollInterval)
	defer ticker.Stop()

	var packets []packet.ReceivedPacket
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if n.tr.NeedsReset() || !n.tr.IsInitialized() {
			n.reset()
			continue
		}
		if err := n.tr.Recv(); err != nil && !n.tr.NeedsReset() {
			logging.Warn("Receive cycle failed", zap.Error(err))
		}

		var err error
		packets, err = n.tr.GetPackets(packets[:0])
		if errors.Is(err, transport.ErrNoUpdate) {
			continue
		}
		for _, pkt := range packets {
			n.handle(pkt)
		}
	}
}

func (n *node) reset() {
	logging.Warn("Resetting transport after socket failure")
	if err := n.tr.Reset(n.cfg.Version, n.cfg.Port, n.nodeType); err != nil {
		logging.Error("Reset failed", zap.Error(err))
		return
	}
	n.connectPeers()
}

func (n *node) handle(pkt packet.ReceivedPacket) {
	hb, err := telemetry.Decode(pkt.Payload)
	if err != nil {
		logging.Info("Received packet",
			zap.Stringer("peer", pkt.Addr),
			zap.Stringer("type", pkt.Header.Type),
			zap.Int("size", len(pkt.Payload)))
		return
	}
	logging.Info("Heartbeat",
		zap.Stringer("peer", pkt.Addr),
		zap.String("node", hb.Node),
		zap.Stringer("type", hb.Type),
		zap.Uint64("seq", hb.Seq),
		zap.Duration("age", time.Since(hb.Sent)),
		zap.Int("subscribers", hb.Subscribers),
		zap.Int("publishers", hb.Publishers))
}

func (n *node) flushLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if !n.tr.HasSubscribers() || n.tr.NeedsReset() {
			continue
		}
		if err := n.tr.Flush(); err != nil && !errors.Is(err, transport.ErrUninitialized) {
			logging.Warn("Flush failed", zap.Error(err))
		}
	}
}

func (n *node) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if !n.tr.HasSubscribers() {
			continue
		}
		seq++
		hb := &telemetry.Heartbeat{
			Node:        n.name,
			Type:        n.nodeType,
			Seq:         seq,
			Sent:        time.Now(),
			Subscribers: len(n.tr.Subscribers()),
			Publishers:  len(n.tr.Publishers()),
		}
		data, err := hb.Encode()
		if err != nil {
			return err
		}
		if err := n.tr.Push(data); err != nil {
			logging.Warn("Failed to queue heartbeat", zap.Error(err))
		}
	}
}
