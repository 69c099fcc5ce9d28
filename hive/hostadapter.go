// SPDX-License-Identifier: Apache-2.0
// Host adapter: the boundary contracts to the external Lightning
// implementation and the revenue-management collaborator.
// Nothing in this file touches the network; it is pure interface surface so
// the coordination core never depends on a concrete Lightning client.
package hive

import (
	"context"
	"io"
	"log"
	"sync"
	"time"
)

var hostAdapterLogger = log.New(io.Discard, "[hostadapter] ", log.LstdFlags)

// SetHostAdapterLogger overrides the package-level logger.
func SetHostAdapterLogger(l *log.Logger) { hostAdapterLogger = l }

// ChannelInfo mirrors list_channels()'s per-channel shape.
type ChannelInfo struct {
	ID         string
	Peer       NodeID
	Capacity   uint64
	LocalSats  uint64
	RemoteSats uint64
	FeePolicy  []byte
}

// LightningHost is the set of operations the coordinator requires from the
// host Lightning implementation it runs inside. Every method may block on host RPC and
// must be called from a dedicated worker, never the gossip/intent/session
// event loops.
type LightningHost interface {
	OpenChannel(ctx context.Context, target NodeID, sats uint64, feerateSatVb uint32, private bool) (channelID string, err error)
	CloseChannel(ctx context.Context, channelID string, urgent bool) (txid string, err error)
	SetFee(ctx context.Context, channelID string, baseMsat, ppm uint32) error
	Rebalance(ctx context.Context, fromChannelID, toChannelID string, amountSats, maxFeeSats uint64) (paidFeeSats uint64, err error)
	ListPeers(ctx context.Context) ([]NodeID, error)
	ListChannels(ctx context.Context) ([]ChannelInfo, error)
	SendCustomMessage(ctx context.Context, peer NodeID, payload []byte) error
	RegisterCustomMessageHandler(handler func(peer NodeID, payload []byte))
}

// HostEventSink receives the outbound events the host emits to the
// coordinator.
type HostEventSink interface {
	OnPeerConnected(peer NodeID)
	OnPeerDisconnected(peer NodeID)
	OnChannelOpened(id string, peer NodeID, capacity uint64)
	OnChannelClosed(id string, reason string)
	OnHTLCForwarded(inChannel, outChannel string, sats, feeSats uint64)
}

// RevenueOps is the narrow contract the revenue-management collaborator
// exposes back to the coordinator once an intent commits or a governance
// action is approved.
type RevenueOps interface {
	ExecuteChannelOpen(ctx context.Context, target NodeID, sats uint64) (channelID string, err error)
	ExecuteRebalance(ctx context.Context, fromChannelID, toChannelID string, amountSats uint64) (paidFeeSats uint64, err error)
	ExecuteFeeChange(ctx context.Context, channelID string, baseMsat, ppm uint32) error
}

// ChannelPeerResolver is implemented by a LightningHost that can map one of
// its channel ids back to the peer it is opened with. ContributionSink uses
// it to turn a channel-scoped HTLC forward event into a (self, peer) ledger
// row; hosts that cannot resolve this (a remote gRPC client with no local
// channel cache, say) simply don't implement it and forwards against
// unresolvable channels are dropped.
type ChannelPeerResolver interface {
	PeerForChannel(channelID string) (NodeID, bool)
}

// ContributionSink is the default HostEventSink: it turns host-reported
// channel and forwarding events into the contribution ledger rows the
// Proof-of-Utility gate and the reciprocity guardrail read back from the
// store, closing the loop between "the host says an HTLC moved" and "the
// membership ledger can see the candidate's contribution ratio."
type ContributionSink struct {
	mu       sync.Mutex
	self     NodeID
	store    *Store
	peerOf   func(channelID string) (NodeID, bool)
}

// NewContributionSink constructs a sink that records events against self's
// perspective of the ledger.
func NewContributionSink(self NodeID, store *Store) *ContributionSink {
	return &ContributionSink{self: self, store: store}
}

// SetResolver installs the channel-id -> peer lookup; typically
// host.(ChannelPeerResolver).PeerForChannel when the concrete host supports
// it. Left unset, OnHTLCForwarded events are logged and dropped.
func (c *ContributionSink) SetResolver(fn func(channelID string) (NodeID, bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerOf = fn
}

// OnPeerConnected seeds a zero-value ledger row for peer if one doesn't
// already exist, so its first Ratio() call reports the documented 1.0
// default instead of a missing-row lookup failure.
func (c *ContributionSink) OnPeerConnected(peer NodeID) {
	if _, ok := c.store.GetContribution(c.self, peer); ok {
		return
	}
	_ = c.store.PutContribution(ContributionLedgerEntry{SelfNodeID: c.self, PeerNodeID: peer, LastUpdatedAt: time.Now()})
}

// OnPeerDisconnected is a no-op: disconnection carries no contribution
// signal on its own, only sustained absence (tracked via Member.LastSeenAt)
// does.
func (c *ContributionSink) OnPeerDisconnected(peer NodeID) {}

// OnChannelOpened records a fulfilled topology request against peer: the
// hive asked for (or accepted) inbound/outbound liquidity and got it.
func (c *ContributionSink) OnChannelOpened(id string, peer NodeID, capacity uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	entry, _ := c.store.GetContribution(c.self, peer)
	entry.SelfNodeID, entry.PeerNodeID = c.self, peer
	entry.DecayReciprocity(now)
	entry.TasksRequestedLifetime++
	entry.TasksFulfilledLifetime++
	entry.LastUpdatedAt = now
	if err := c.store.PutContribution(entry); err != nil {
		hostAdapterLogger.Printf("record channel open contribution for %s: %v", peer, err)
	}
}

// OnChannelClosed carries no sats or peer in its signature, so it is logged
// only; the reciprocity effect of a closed channel is already captured by
// the OnHTLCForwarded rows accumulated over the channel's lifetime.
func (c *ContributionSink) OnChannelClosed(id string, reason string) {
	hostAdapterLogger.Printf("channel %s closed: %s", id, reason)
}

// OnHTLCForwarded resolves inChannel and outChannel back to peers and
// updates both sides' ledger rows: sats handed to the outbound peer count as
// forwarded-to, sats pulled from the inbound peer count as received-from.
func (c *ContributionSink) OnHTLCForwarded(inChannel, outChannel string, sats, feeSats uint64) {
	c.mu.Lock()
	resolver := c.peerOf
	c.mu.Unlock()
	if resolver == nil {
		hostAdapterLogger.Printf("htlc forward %s->%s: no channel resolver installed", inChannel, outChannel)
		return
	}
	now := time.Now()
	if peer, ok := resolver(outChannel); ok {
		c.bump(peer, sats, 0, now)
	}
	if peer, ok := resolver(inChannel); ok {
		c.bump(peer, 0, sats, now)
	}
}

func (c *ContributionSink) bump(peer NodeID, forwarded, received uint64, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, _ := c.store.GetContribution(c.self, peer)
	entry.SelfNodeID, entry.PeerNodeID = c.self, peer
	entry.DecayReciprocity(now)
	entry.SatsForwardedToPeerLifetime += forwarded
	entry.SatsReceivedFromPeerLifetime += received
	entry.ReciprocityBalance = float64(entry.SatsForwardedToPeerLifetime) - float64(entry.SatsReceivedFromPeerLifetime)
	entry.LastUpdatedAt = now
	if err := c.store.PutContribution(entry); err != nil {
		hostAdapterLogger.Printf("record htlc forward contribution for %s: %v", peer, err)
	}
}
