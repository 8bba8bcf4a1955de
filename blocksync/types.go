package blocksync

import (
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
)

// BlockMeta carries the measured cost of handling one downloaded block.
// Deserialize is set by the network layer when the wire payload is decoded;
// Check and Associate are set by the chain organizer while the block is
// validated and written.
type BlockMeta struct {
	Deserialize time.Duration
	Check       time.Duration
	Associate   time.Duration

	// Database is the total wall-clock the organize call held the block,
	// measured by the protocol. The rate history discounts it.
	Database time.Duration
}

// Block is a downloaded block together with its handling costs.
type Block struct {
	*btcutil.Block

	Meta BlockMeta
}

// TotalInputs returns the number of transaction inputs in the block. The
// progress report and the rate history count work in inputs, since input
// validation dominates block cost.
func (b *Block) TotalInputs() uint64 {
	var inputs uint64

	for _, tx := range b.MsgBlock().Transactions {
		inputs += uint64(len(tx.TxIn))
	}

	return inputs
}

// HeadersEvent is a chain reindex notification: the header index advanced or
// reorganized starting at ForkHeight.
type HeadersEvent struct {
	Error      error
	ForkHeight uint64
	Incoming   []*wire.BlockHeader
	Outgoing   []*wire.BlockHeader
}

// HeadersHandler consumes reindex notifications. Returning false drops the
// subscription.
type HeadersHandler func(event *HeadersEvent) bool

// HeaderSubscription is the retained side of a headers subscription and can
// be closed explicitly (the alternative to returning false from the handler).
type HeaderSubscription interface {
	Close()
}

// Blockchain is the chain organizer consumed by the core. Implementations
// must be safe for concurrent use; Organize may block on disk I/O and
// validation.
type Blockchain interface {
	// Organize appends a downloaded block at the given height. A non-nil
	// error means the store is corrupted and the host must act on it.
	Organize(block *Block, height uint64) error

	// IsCandidatesStale reports whether the header chain is not yet current.
	IsCandidatesStale() bool

	// IsBlocksStale reports whether the block chain is far behind the header
	// chain. Controls progress log verbosity only.
	IsBlocksStale() bool

	SubscribeHeaders(handler HeadersHandler) HeaderSubscription
}

// BlockHandler consumes inbound blocks on one channel. A non-nil error is a
// channel-level failure surfaced in-band. Returning false drops the
// subscription.
type BlockHandler func(err error, block *Block) bool

// Channel is one established peer connection able to carry block traffic.
type Channel interface {
	// ID identifies the remote peer for logging.
	ID() string

	// Services returns the service bits the peer advertised in its version
	// handshake.
	Services() wire.ServiceFlag

	// Send queues a message for delivery. A send failure is channel-local
	// and does not imply the channel is down.
	Send(msg wire.Message) error

	// SubscribeBlocks registers the inbound block handler.
	SubscribeBlocks(handler BlockHandler)

	// Stop tears the channel down with the given reason.
	Stop(err error)
}

// Config holds the options the core recognizes.
type Config struct {
	// DownloadConnections is the number of parallel download slots.
	DownloadConnections uint64

	// BlockTimeout is the per-slot stall threshold.
	BlockTimeout time.Duration

	// MonitorInterval is the period of the per-channel stall monitor.
	MonitorInterval time.Duration

	// Services are the local node's advertised service bits. Include
	// wire.SFNodeWitness to demand witness data from peers.
	Services wire.ServiceFlag
}

// DefaultConfig returns the options used when the host does not override
// them.
func DefaultConfig() *Config {
	return &Config{
		DownloadConnections: 8,
		BlockTimeout:        5 * time.Second,
		MonitorInterval:     5 * time.Second,
		Services:            wire.SFNodeNetwork | wire.SFNodeWitness,
	}
}
