package blocksync

import (
	"errors"
	"sync"
	"time"

	"github.com/armon/go-metrics"
	"github.com/btcsuite/btcd/wire"
	"github.com/hashicorp/go-hclog"
)

// staleLogPeriod is how many blocks pass between progress lines while the
// block chain is far behind the header chain.
const staleLogPeriod = 100

// BlockInProtocol drives block download on one channel: it requests the
// slot's reserved hashes, feeds received blocks to the chain organizer, and
// releases the slot when the peer stalls or misbehaves.
type BlockInProtocol struct {
	logger      hclog.Logger
	chain       Blockchain
	channel     Channel
	reservation *Reservation

	requireWitness  bool
	peerWitness     bool
	monitorInterval time.Duration

	headerSub HeaderSubscription

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	mu      sync.Mutex
	stopErr error
}

// NewBlockInProtocol binds a protocol instance to an established channel and
// its selected reservation slot.
func NewBlockInProtocol(
	logger hclog.Logger,
	chain Blockchain,
	channel Channel,
	reservation *Reservation,
	config *Config,
) *BlockInProtocol {
	return &BlockInProtocol{
		logger: logger.Named("block_in").With(
			"slot", reservation.Slot(), "peer", channel.ID()),
		chain:           chain,
		channel:         channel,
		reservation:     reservation,
		requireWitness:  config.Services&wire.SFNodeWitness != 0,
		peerWitness:     channel.Services()&wire.SFNodeWitness != 0,
		monitorInterval: config.MonitorInterval,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
}

// Start arms the stall monitor, subscribes to chain reindex notifications
// and inbound blocks, and issues the first request.
func (p *BlockInProtocol) Start() {
	p.headerSub = p.chain.SubscribeHeaders(p.handleReindexed)
	p.channel.SubscribeBlocks(p.handleReceiveBlock)

	go p.monitor()

	p.sendGetBlocks()
}

// Done is closed once the protocol has exited and its slot is released.
func (p *BlockInProtocol) Done() <-chan struct{} {
	return p.doneCh
}

// StopReason returns the error the protocol stopped with, nil while it is
// still running.
func (p *BlockInProtocol) StopReason() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.stopErr
}

func (p *BlockInProtocol) stopped() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

// Stop halts the protocol and the underlying channel with the given reason.
func (p *BlockInProtocol) Stop(err error) {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopErr = err
		p.mu.Unlock()

		close(p.stopCh)
		p.channel.Stop(err)
	})
}

// monitor is the periodic stall check. On stop it releases the reservation
// and drops the headers subscription so the protocol cannot hang until the
// next reindex.
func (p *BlockInProtocol) monitor() {
	ticker := time.NewTicker(p.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			p.reservation.Stop()
			p.headerSub.Close()
			close(p.doneCh)

			return
		case <-ticker.C:
			if p.reservation.Expired() {
				metrics.IncrCounter([]string{"blocksync", "expired"}, 1)
				p.logger.Debug("restarting slow slot", "size", p.reservation.Size())
				p.Stop(ErrSlotExpired)
			}
		}
	}
}

// sendGetBlocks requests the slot's reserved hashes. Downloads are gated on
// the header chain being current so hashes can be distributed first.
func (p *BlockInProtocol) sendGetBlocks() {
	if p.stopped() {
		return
	}

	if p.chain.IsCandidatesStale() {
		return
	}

	// Repopulates if empty and new work has arrived. The same channel may
	// also still have these hashes requested already.
	request := p.reservation.Request()
	if len(request.InvList) == 0 {
		return
	}

	if p.requireWitness {
		toWitness(request)
	}

	p.logger.Debug("sending block request", "hashes", len(request.InvList))

	if err := p.channel.Send(request); err != nil {
		// Send failures are channel-local; the monitor decides the fate.
		p.logger.Error("failed to send block request", "err", err)
	}
}

// toWitness rewrites block inventory entries to their witness variants.
func toWitness(request *wire.MsgGetData) {
	for _, vector := range request.InvList {
		if vector.Type == wire.InvTypeBlock {
			vector.Type = wire.InvTypeWitnessBlock
		}
	}
}

// handleReceiveBlock ingests one block from the peer. The verdict return
// keeps or drops the subscription.
func (p *BlockInProtocol) handleReceiveBlock(err error, block *Block) bool {
	if p.stopped() {
		return false
	}

	if err != nil {
		if errors.Is(err, ErrChannelTimeout) {
			p.logger.Debug("block receive timed out")

			return true
		}

		p.logger.Error("failure in block receive", "err", err)
		p.Stop(err)

		return false
	}

	// Stop if required witness is unavailable.
	if p.requireWitness && !p.peerWitness {
		p.Stop(ErrChannelStopped)

		return false
	}

	// This channel was slowest, so half of its reservation has been taken.
	if p.reservation.Stopped() {
		p.logger.Debug("restarting partitioned slot", "size", p.reservation.Size())
		p.Stop(ErrChannelStopped)

		return false
	}

	// The reservation may have stopped between the test above and this
	// call, so the block may be either unrequested or moved to another
	// slot. There is no way to know the difference, so log both options.
	height, ok := p.reservation.FindHeightAndErase(*block.Hash())
	if !ok {
		p.logger.Debug("unrequested or partitioned block")
		p.Stop(ErrChannelStopped)

		return false
	}

	started := time.Now()
	organizeErr := p.reservation.Import(block, height)
	block.Meta.Database = time.Since(started)

	if organizeErr != nil {
		p.logger.Error("failure organizing block, store is now corrupted",
			"height", height, "err", organizeErr)
		p.Stop(organizeErr)

		return false
	}

	// Recompute rate performance, excluding store cost.
	p.reservation.UpdateHistory(block)

	// Only log every 100th block until the block chain is near current.
	period := uint64(1)
	if p.chain.IsBlocksStale() {
		period = staleLogPeriod
	}

	if height%period == 0 {
		p.report(block, height)
	}

	p.sendGetBlocks()

	return true
}

// handleReindexed uses header indexation as a block request trigger.
func (p *BlockInProtocol) handleReindexed(event *HeadersEvent) bool {
	if p.stopped() {
		return false
	}

	if event.Error != nil {
		p.logger.Error("failure in header index", "err", event.Error)
		p.Stop(event.Error)

		return false
	}

	p.sendGetBlocks()

	return true
}

// report emits one progress line with per-input microsecond cost ratios.
func (p *BlockInProtocol) report(block *Block, height uint64) {
	transactions := len(block.MsgBlock().Transactions)

	inputs := block.TotalInputs()
	if inputs == 0 {
		inputs = 1
	}

	p.logger.Info("block organized",
		"height", height,
		"hash", block.Hash().String(),
		"txs", transactions,
		"inputs", inputs,
		"deserialize_us_in", microsPerInput(block.Meta.Deserialize, inputs),
		"check_us_in", microsPerInput(block.Meta.Check, inputs),
		"associate_us_in", microsPerInput(block.Meta.Associate, inputs),
		"remaining", p.reservation.parent.hashes.Len(),
	)
}

// microsPerInput converts a duration to whole microseconds per input,
// rounded down.
func microsPerInput(cost time.Duration, inputs uint64) uint64 {
	return uint64(cost.Microseconds()) / inputs
}
