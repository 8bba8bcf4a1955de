package network

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/peer"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
	"github.com/hashicorp/go-hclog"

	"github.com/titanbit/titan-node/blocksync"
	"github.com/titanbit/titan-node/network/event"
)

const dialTimeout = 30 * time.Second

var errChannelDown = errors.New("channel is down")

// Channel adapts one outbound btcd peer connection to the block-sync
// channel interface: version handshake, block subscription with measured
// deserialize cost, and teardown.
type Channel struct {
	logger hclog.Logger
	peer   *peer.Peer
	events *event.Stream

	mu      sync.RWMutex
	handler blocksync.BlockHandler

	stopOnce sync.Once
}

// NewOutboundChannel prepares a channel to the given address. The connection
// is established by Dial.
func NewOutboundChannel(
	logger hclog.Logger,
	events *event.Stream,
	params *chaincfg.Params,
	services wire.ServiceFlag,
	addr string,
) (*Channel, error) {
	c := &Channel{
		logger: logger.Named("channel"),
		events: events,
	}

	config := &peer.Config{
		UserAgentName:    "titan",
		UserAgentVersion: "0.1.0",
		ChainParams:      params,
		Services:         services,
		Listeners: peer.MessageListeners{
			OnBlock: c.onBlock,
		},
	}

	p, err := peer.NewOutboundPeer(config, addr)
	if err != nil {
		return nil, err
	}

	c.peer = p

	return c, nil
}

// Dial connects the underlying TCP transport and starts the handshake.
func (c *Channel) Dial() error {
	conn, err := net.DialTimeout("tcp", c.peer.Addr(), dialTimeout)
	if err != nil {
		c.events.Publish(event.PeerEvent{PeerID: c.peer.Addr(), Type: event.PeerFailedToConnect})

		return err
	}

	c.peer.AssociateConnection(conn)
	c.events.Publish(event.PeerEvent{PeerID: c.peer.Addr(), Type: event.PeerConnected})

	return nil
}

// Wait blocks until the peer disconnects.
func (c *Channel) Wait() {
	c.peer.WaitForDisconnect()
	c.events.Publish(event.PeerEvent{PeerID: c.peer.Addr(), Type: event.PeerDisconnected})
}

// ID identifies the remote peer.
func (c *Channel) ID() string {
	return c.peer.Addr()
}

// Services returns the peer's advertised service bits.
func (c *Channel) Services() wire.ServiceFlag {
	return c.peer.Services()
}

// Send queues a message for delivery.
func (c *Channel) Send(msg wire.Message) error {
	if !c.peer.Connected() {
		return errChannelDown
	}

	c.peer.QueueMessage(msg, nil)

	return nil
}

// SubscribeBlocks registers the inbound block handler.
func (c *Channel) SubscribeBlocks(handler blocksync.BlockHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handler = handler
}

// Stop disconnects the peer with the given reason.
func (c *Channel) Stop(err error) {
	c.stopOnce.Do(func() {
		c.logger.Debug("stopping channel", "peer", c.peer.Addr(), "reason", err)
		c.peer.Disconnect()
	})
}

// onBlock re-reads the raw payload to measure deserialize cost, then hands
// the block to the subscribed handler.
func (c *Channel) onBlock(_ *peer.Peer, _ *wire.MsgBlock, buf []byte) {
	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()

	if handler == nil {
		return
	}

	started := time.Now()

	block, err := btcutil.NewBlockFromBytes(buf)
	if err != nil {
		c.logger.Error("dropping undecodable block", "peer", c.peer.Addr(), "err", err)

		return
	}

	wrapped := &blocksync.Block{
		Block: block,
		Meta:  blocksync.BlockMeta{Deserialize: time.Since(started)},
	}

	if !handler(nil, wrapped) {
		c.mu.Lock()
		c.handler = nil
		c.mu.Unlock()
	}
}
