package blocksync

import (
	"errors"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"

	"github.com/titanbit/titan-node/network/event"
)

// stoppedPeersCacheSize bounds the memory kept on peers whose block-in
// protocol stopped, used only to annotate reattach logging.
const stoppedPeersCacheSize = 256

// OutboundSession attaches a block-in protocol to each established outbound
// channel, binding it to a free reservation slot. Channels that find no free
// slot are still useful for relay and are attached without block-in duties.
type OutboundSession struct {
	logger       hclog.Logger
	chain        Blockchain
	reservations *Reservations
	events       *event.Stream
	config       *Config

	mu      sync.Mutex
	bound   map[uint32]*BlockInProtocol
	peers   map[string]*BlockInProtocol
	stopped *lru.Cache

	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewOutboundSession wires the session over an existing reservation table.
// The event stream may be nil when the host drives detachment itself.
func NewOutboundSession(
	logger hclog.Logger,
	chain Blockchain,
	reservations *Reservations,
	events *event.Stream,
	config *Config,
) *OutboundSession {
	stopped, _ := lru.New(stoppedPeersCacheSize)

	return &OutboundSession{
		logger:       logger.Named("session_outbound"),
		chain:        chain,
		reservations: reservations,
		events:       events,
		config:       config,
		bound:        map[uint32]*BlockInProtocol{},
		peers:        map[string]*BlockInProtocol{},
		stopped:      stopped,
		closeCh:      make(chan struct{}),
	}
}

// Start launches the peer lifecycle event process.
func (s *OutboundSession) Start() {
	if s.events != nil {
		go s.startChannelEventProcess()
	}
}

// startChannelEventProcess consumes peer lifecycle events and stops the
// protocol of a peer whose transport dropped, instead of waiting out the
// stall monitor.
func (s *OutboundSession) startChannelEventProcess() {
	for {
		select {
		case peerEvent := <-s.events.Events():
			if peerEvent.Type != event.PeerDisconnected {
				continue
			}

			s.mu.Lock()
			protocol := s.peers[peerEvent.PeerID]
			s.mu.Unlock()

			if protocol != nil {
				s.logger.Debug("peer disconnected, stopping protocol",
					"peer", peerEvent.PeerID)
				protocol.Stop(ErrChannelStopped)
			}
		case <-s.closeCh:
			return
		}
	}
}

// AttachChannel binds the channel to a free slot and starts its protocol.
// Returns false when every slot is taken.
func (s *OutboundSession) AttachChannel(channel Channel) bool {
	s.mu.Lock()

	slot := s.selectSlotLocked()
	if slot == nil {
		s.mu.Unlock()
		s.logger.Debug("no free slot, attaching channel without block duties",
			"peer", channel.ID())

		return false
	}

	slot.Reset()

	protocol := NewBlockInProtocol(s.logger, s.chain, channel, slot, s.config)
	s.bound[slot.Slot()] = protocol
	s.peers[channel.ID()] = protocol
	s.mu.Unlock()

	if reason, seen := s.stopped.Get(channel.ID()); seen {
		s.logger.Debug("reattaching previously stopped peer",
			"peer", channel.ID(), "reason", reason)
	}

	protocol.Start()

	go s.reapProtocol(slot, protocol, channel)

	return true
}

// reapProtocol waits the protocol out, frees its slot and peer bindings, and
// records the stop reason for reattach logging.
func (s *OutboundSession) reapProtocol(slot *Reservation, protocol *BlockInProtocol, channel Channel) {
	<-protocol.Done()

	s.mu.Lock()
	if s.bound[slot.Slot()] == protocol {
		delete(s.bound, slot.Slot())
	}

	if s.peers[channel.ID()] == protocol {
		delete(s.peers, channel.ID())
	}
	s.mu.Unlock()

	reason := protocol.StopReason()
	s.stopped.Add(channel.ID(), reason)
	s.logger.Debug("released slot", "slot", slot.Slot(), "peer", channel.ID(),
		"reason", reason)
}

// selectSlotLocked picks the lowest-indexed stopped slot left behind by a
// departed peer, falling back to the first never-bound slot at startup.
func (s *OutboundSession) selectSlotLocked() *Reservation {
	var fallback *Reservation

	for _, slot := range s.reservations.Table() {
		if _, taken := s.bound[slot.Slot()]; taken {
			continue
		}

		if slot.Stopped() {
			return slot
		}

		if fallback == nil {
			fallback = slot
		}
	}

	return fallback
}

// Close stops every bound protocol and the event process, aggregating the
// fatal stop reasons.
func (s *OutboundSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeCh)
	})

	s.mu.Lock()
	protocols := make([]*BlockInProtocol, 0, len(s.bound))

	for _, protocol := range s.bound {
		protocols = append(protocols, protocol)
	}
	s.mu.Unlock()

	var result *multierror.Error

	for _, protocol := range protocols {
		protocol.Stop(ErrChannelStopped)
		<-protocol.Done()

		if reason := protocol.StopReason(); reason != nil && !errors.Is(reason, ErrChannelStopped) &&
			!errors.Is(reason, ErrSlotExpired) {
			result = multierror.Append(result, reason)
		}
	}

	return result.ErrorOrNil()
}
