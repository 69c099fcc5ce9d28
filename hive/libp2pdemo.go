// SPDX-License-Identifier: Apache-2.0
// Demo host adapter (C10): a LightningHost implementation over libp2p
// gossipsub and mDNS discovery, so the coordination layer can run and be
// tested end to end without a real Lightning client attached.
package hive

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
)

var demoHostLogger = log.New(io.Discard, "[demohost] ", log.LstdFlags)

// SetDemoHostLogger overrides the package-level logger.
func SetDemoHostLogger(l *log.Logger) { demoHostLogger = l }

const demoTopic = "hive-custom-message"

// DemoHost is a standalone LightningHost implementation over libp2p. It
// carries no real channels; OpenChannel/CloseChannel/SetFee/Rebalance return
// synthetic identifiers so the coordination core can be exercised end to end
// without a production Lightning node.
type DemoHost struct {
	h      host.Host
	ps     *pubsub.PubSub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	nat    *NATManager
	cancel context.CancelFunc

	mu       sync.RWMutex
	peers    map[NodeID]struct{}
	handler  func(peer NodeID, payload []byte)
	chanSeq  uint64
	channels map[string]ChannelInfo
	sink     HostEventSink

	dialer *Dialer
	pool   *ConnPool
}

// SetEventSink installs the HostEventSink notified of peer and channel
// lifecycle events; typically a *ContributionSink wired by the coordinator.
func (d *DemoHost) SetEventSink(sink HostEventSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = sink
}

// PeerForChannel implements ChannelPeerResolver over the synthetic channel
// table.
func (d *DemoHost) PeerForChannel(channelID string) (NodeID, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.channels[channelID]
	if !ok {
		return "", false
	}
	return c.Peer, true
}

// NewDemoHost starts a libp2p host on listenAddr, joins the shared gossipsub
// topic, launches mDNS discovery tagged discoveryTag, and dials every
// address in bootstrapPeers (best-effort: a dead seed is logged and
// skipped, never fatal — mDNS can still find everyone on the local segment).
func NewDemoHost(listenAddr, discoveryTag string, bootstrapPeers []string) (*DemoHost, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(listenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("hive: create libp2p host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("hive: create gossipsub: %w", err)
	}
	topic, err := ps.Join(demoTopic)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("hive: join topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("hive: subscribe topic: %w", err)
	}

	dialer := NewDialer(5*time.Second, 30*time.Second)
	d := &DemoHost{
		h: h, ps: ps, topic: topic, sub: sub, cancel: cancel,
		peers: map[NodeID]struct{}{}, channels: map[string]ChannelInfo{},
		dialer: dialer, pool: NewConnPool(dialer, 4, time.Minute),
	}

	if natMgr, err := NewNATManager(); err == nil {
		d.nat = natMgr
	} else {
		demoHostLogger.Printf("NAT discovery unavailable: %v", err)
	}

	mdns.NewMdnsService(h, discoveryTag, d)
	go d.readLoop(ctx)
	for _, addr := range bootstrapPeers {
		go d.dialBootstrapPeer(ctx, addr)
	}
	return d, nil
}

// dialBootstrapPeer pre-checks addr's TCP reachability through the pool
// before asking libp2p to establish the real, encrypted connection —
// catching a dead or firewalled seed with a cheap probe instead of letting
// it stall the full libp2p handshake.
func (d *DemoHost) dialBootstrapPeer(ctx context.Context, addr string) {
	tcpAddr, err := tcpAddrOf(addr)
	if err != nil {
		demoHostLogger.Printf("bootstrap peer %s: %v", addr, err)
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	conn, err := d.pool.Acquire(probeCtx, tcpAddr)
	cancel()
	if err != nil {
		demoHostLogger.Printf("bootstrap peer %s unreachable: %v", addr, err)
		return
	}
	d.pool.Release(conn)

	info, err := peer.AddrInfoFromString(addr)
	if err != nil {
		demoHostLogger.Printf("bootstrap peer %s: bad multiaddr: %v", addr, err)
		return
	}
	if err := d.h.Connect(ctx, *info); err != nil {
		demoHostLogger.Printf("bootstrap peer %s: connect failed: %v", addr, err)
		return
	}
	d.mu.Lock()
	d.peers[NodeID(info.ID.String())] = struct{}{}
	sink := d.sink
	d.mu.Unlock()
	demoHostLogger.Printf("connected to bootstrap peer %s", addr)
	if sink != nil {
		sink.OnPeerConnected(NodeID(info.ID.String()))
	}
}

// tcpAddrOf extracts a host:port suitable for net.Dial from a libp2p
// multiaddress of the form /ip4|ip6/<addr>/tcp/<port>/...
func tcpAddrOf(addr string) (string, error) {
	parts := strings.Split(addr, "/")
	var ip, port string
	for i := 0; i < len(parts)-1; i++ {
		switch parts[i] {
		case "ip4", "ip6", "dns4", "dns6":
			ip = parts[i+1]
		case "tcp":
			port = parts[i+1]
		}
	}
	if ip == "" || port == "" {
		return "", fmt.Errorf("no tcp ip/port in %s", addr)
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("invalid tcp port in %s: %w", addr, err)
	}
	return net.JoinHostPort(ip, port), nil
}

// HandlePeerFound implements mdns.Notifee: connect to a discovered peer.
func (d *DemoHost) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == d.h.ID() {
		return
	}
	id := NodeID(info.ID.String())
	d.mu.RLock()
	_, known := d.peers[id]
	d.mu.RUnlock()
	if known {
		return
	}
	if err := d.h.Connect(context.Background(), info); err != nil {
		demoHostLogger.Printf("connect to discovered peer %s: %v", id, err)
		return
	}
	d.mu.Lock()
	d.peers[id] = struct{}{}
	sink := d.sink
	d.mu.Unlock()
	demoHostLogger.Printf("connected to peer %s via mDNS", id)
	if sink != nil {
		sink.OnPeerConnected(id)
	}
}

func (d *DemoHost) readLoop(ctx context.Context) {
	for {
		msg, err := d.sub.Next(ctx)
		if err != nil {
			demoHostLogger.Printf("subscription closed: %v", err)
			return
		}
		if msg.GetFrom() == d.h.ID() {
			continue
		}
		from := NodeID(msg.GetFrom().String())
		d.mu.RLock()
		handler := d.handler
		d.mu.RUnlock()
		if handler != nil {
			handler(from, msg.Data)
		}
	}
}

// SendCustomMessage implements LightningHost by publishing payload on the
// shared gossipsub topic; peer is accepted for interface compatibility but
// delivery here is topic-wide, matching gossipsub's broadcast-only model.
func (d *DemoHost) SendCustomMessage(ctx context.Context, peer NodeID, payload []byte) error {
	return d.topic.Publish(ctx, payload)
}

// RegisterCustomMessageHandler implements LightningHost.
func (d *DemoHost) RegisterCustomMessageHandler(handler func(peer NodeID, payload []byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = handler
}

// ListPeers implements LightningHost.
func (d *DemoHost) ListPeers(ctx context.Context) ([]NodeID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]NodeID, 0, len(d.peers))
	for id := range d.peers {
		out = append(out, id)
	}
	return out, nil
}

// ListChannels implements LightningHost over the synthetic channel table.
func (d *DemoHost) ListChannels(ctx context.Context) ([]ChannelInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ChannelInfo, 0, len(d.channels))
	for _, c := range d.channels {
		out = append(out, c)
	}
	return out, nil
}

// OpenChannel implements LightningHost by allocating a synthetic channel id;
// no real funding transaction is ever broadcast.
func (d *DemoHost) OpenChannel(ctx context.Context, target NodeID, sats uint64, feerateSatVb uint32, private bool) (string, error) {
	d.mu.Lock()
	d.chanSeq++
	id := fmt.Sprintf("demo-chan-%d", d.chanSeq)
	d.channels[id] = ChannelInfo{ID: id, Peer: target, Capacity: sats, LocalSats: sats}
	sink := d.sink
	d.mu.Unlock()
	if sink != nil {
		sink.OnChannelOpened(id, target, sats)
	}
	return id, nil
}

// CloseChannel implements LightningHost.
func (d *DemoHost) CloseChannel(ctx context.Context, channelID string, urgent bool) (string, error) {
	d.mu.Lock()
	delete(d.channels, channelID)
	sink := d.sink
	d.mu.Unlock()
	if sink != nil {
		reason := "graceful"
		if urgent {
			reason = "force"
		}
		sink.OnChannelClosed(channelID, reason)
	}
	return "demo-closetx-" + channelID, nil
}

// SetFee implements LightningHost.
func (d *DemoHost) SetFee(ctx context.Context, channelID string, baseMsat, ppm uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.channels[channelID]
	if !ok {
		return HostUnavailErr("set fee", fmt.Errorf("unknown channel %s", channelID))
	}
	c.FeePolicy = []byte(fmt.Sprintf("%d:%d", baseMsat, ppm))
	d.channels[channelID] = c
	return nil
}

// Rebalance implements LightningHost with a zero-cost synthetic transfer;
// the demo host has no real HTLC path, so a rebalance is the stand-in event
// it reports to the contribution sink as a forward from fromChannelID's peer
// to toChannelID's peer.
func (d *DemoHost) Rebalance(ctx context.Context, fromChannelID, toChannelID string, amountSats, maxFeeSats uint64) (uint64, error) {
	d.mu.RLock()
	sink := d.sink
	d.mu.RUnlock()
	if sink != nil {
		sink.OnHTLCForwarded(fromChannelID, toChannelID, amountSats, 0)
	}
	return 0, nil
}

// Close tears down the libp2p host and any NAT mapping.
func (d *DemoHost) Close() error {
	d.cancel()
	if d.nat != nil {
		_ = d.nat.Unmap()
	}
	if d.pool != nil {
		d.pool.Close()
	}
	return d.h.Close()
}

var _ = mdns.Notifee(&DemoHost{})
