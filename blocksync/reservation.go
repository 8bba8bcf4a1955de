package blocksync

import (
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// historySample records one imported block: when it landed, how many inputs
// it carried, how long the store held it, and how much work remained on the
// slot afterwards.
type historySample struct {
	time      time.Time
	events    uint64
	database  uint64
	remaining int
}

// Reservation is one parallel download work unit, typically bound to a
// single peer. The table hands it disjoint subsets of the pending hashes;
// the channel protocol drains them.
type Reservation struct {
	parent  *Reservations
	slotID  uint32
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	order   []chainhash.Hash
	heights map[chainhash.Hash]uint64
	rate    RateSample
	history []historySample
	stopped bool

	// armed is when the slot last started waiting for progress. It backs
	// the expiry decision when no block has arrived at all.
	armed time.Time
}

func newReservation(parent *Reservations, slotID uint32, timeout time.Duration, now func() time.Time) *Reservation {
	return &Reservation{
		parent:  parent,
		slotID:  slotID,
		timeout: timeout,
		now:     now,
		heights: map[chainhash.Hash]uint64{},
		armed:   now(),
	}
}

// Slot returns the stable slot index.
func (r *Reservation) Slot() uint32 {
	return r.slotID
}

// Size returns the number of pending hashes.
func (r *Reservation) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.heights)
}

// Empty reports whether the slot holds no pending hashes.
func (r *Reservation) Empty() bool {
	return r.Size() == 0
}

// Stopped reports whether the slot has been partitioned away or released.
func (r *Reservation) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.stopped
}

// Idle reports whether the slot's rate window recorded no work.
func (r *Reservation) Idle() bool {
	return r.Rate().Idle()
}

// Rate returns the current rolling rate sample.
func (r *Reservation) Rate() RateSample {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.rate
}

// Insert adds a hash to the pending set. Fails on a stopped slot.
func (r *Reservation) Insert(hash chainhash.Hash, height uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.insertLocked(hash, height)
}

func (r *Reservation) insertLocked(hash chainhash.Hash, height uint64) error {
	if r.stopped {
		return ErrStoppedSlot
	}

	if len(r.heights) == 0 {
		// Fresh work restarts the stall clock.
		r.armed = r.now()
	}

	r.order = append(r.order, hash)
	r.heights[hash] = height

	return nil
}

// FindHeightAndErase atomically looks a hash up and removes it. Used on
// block receipt; a miss means the block was unrequested or moved to another
// slot.
func (r *Reservation) FindHeightAndErase(hash chainhash.Hash) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	height, ok := r.heights[hash]
	if !ok {
		return 0, false
	}

	delete(r.heights, hash)
	r.compactLocked()

	return height, true
}

// compactLocked trims erased entries from the head of the insertion order
// and rebuilds the order once tombstones outnumber live entries. Blocks
// normally arrive in request order, so the head trim is the common case.
func (r *Reservation) compactLocked() {
	for len(r.order) > 0 {
		if _, live := r.heights[r.order[0]]; live {
			break
		}

		r.order = r.order[1:]
	}

	if len(r.order) <= 2*len(r.heights) {
		return
	}

	live := r.order[:0]

	for _, hash := range r.order {
		if _, ok := r.heights[hash]; ok {
			live = append(live, hash)
		}
	}

	r.order = live
}

// pendingLocked returns the live pending hashes in insertion order.
func (r *Reservation) pendingLocked() []chainhash.Hash {
	pending := make([]chainhash.Hash, 0, len(r.heights))

	for _, hash := range r.order {
		if _, ok := r.heights[hash]; ok {
			pending = append(pending, hash)
		}
	}

	return pending
}

// Request returns the pending hashes as a getdata inventory. An empty slot
// first asks the table for more work; if none is available the inventory is
// empty. The caller rewrites entry types for witness negotiation.
func (r *Reservation) Request() *wire.MsgGetData {
	if r.Empty() {
		r.parent.Populate(r)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	pending := r.pendingLocked()
	message := wire.NewMsgGetDataSizeHint(uint(len(pending)))

	for i := range pending {
		if err := message.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, &pending[i])); err != nil {
			break
		}
	}

	return message
}

// UpdateHistory appends the imported block to the bounded history ring and
// recomputes the rolling rate sample across the trailing timeout window.
func (r *Reservation) UpdateHistory(block *Block) {
	now := r.now()
	events := block.TotalInputs()
	database := uint64(block.Meta.Database)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.history = append(r.history, historySample{
		time:      now,
		events:    events,
		database:  database,
		remaining: len(r.heights),
	})

	// Drop samples that fell out of the window, always retaining the newest.
	for len(r.history) > 1 && now.Sub(r.history[0].time) > r.timeout {
		r.history = r.history[1:]
	}

	sample := RateSample{}
	for _, record := range r.history {
		sample.Events += record.events
		sample.DatabaseNanos += record.database
	}

	sample.WindowNanos = uint64(now.Sub(r.history[0].time))
	r.rate = sample

	// Progress re-arms the stall clock.
	r.armed = now
}

// Expired reports whether the slot should be released. A slot that has
// imported nothing since it was armed expires once a full timeout passes, or
// at once when it holds nothing and the queue is empty. A slot that has
// imported blocks expires when its trailing window spans at least the timeout
// and its rate has fallen below the table's statistical lower bound (mean
// minus one standard deviation over active slots).
func (r *Reservation) Expired() bool {
	stats := r.parent.Rates()
	queued := r.parent.hashes.Len()
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rate.Idle() {
		if len(r.heights) == 0 && queued == 0 {
			return true
		}

		return now.Sub(r.armed) >= r.timeout
	}

	window := now.Sub(r.history[0].time)
	if window < r.timeout {
		return false
	}

	// Stretch the cached sample over the full silence so that a slot which
	// went quiet after a fast burst still decays below the bound.
	sample := RateSample{
		Events:        r.rate.Events,
		DatabaseNanos: r.rate.DatabaseNanos,
		WindowNanos:   uint64(window),
	}

	return sample.Normal() < stats.Mean-stats.StandardDeviation
}

// Partition moves the tail half (rounded up) of this slot's pending hashes
// into minimal and marks this slot stopped, abandoning its in-flight
// request. Returns whether at least one hash moved. Both slot locks are
// taken in slot-id order; the caller holds the table lock.
func (r *Reservation) Partition(minimal *Reservation) bool {
	first, second := r, minimal
	if second.slotID < first.slotID {
		first, second = second, first
	}

	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	pending := r.pendingLocked()

	var moved int

	for _, hash := range pending[len(pending)/2:] {
		if err := minimal.insertLocked(hash, r.heights[hash]); err != nil {
			break
		}

		delete(r.heights, hash)
		moved++
	}

	r.compactLocked()
	r.stopped = true

	return moved > 0
}

// Stop marks the slot stopped and returns its residual pending hashes to
// the tail of the hash queue for reassignment.
func (r *Reservation) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopped = true

	for _, hash := range r.pendingLocked() {
		r.parent.hashes.Enqueue(hash, r.heights[hash])
	}

	r.order = nil
	r.heights = map[chainhash.Hash]uint64{}
}

// Reset recycles a stopped slot for a new peer: pending must already be
// drained, the rate history starts over, and the stall clock re-arms.
func (r *Reservation) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopped = false
	r.rate = RateSample{}
	r.history = nil
	r.armed = r.now()
}

// Import forwards an accepted block to the chain through the table.
func (r *Reservation) Import(block *Block, height uint64) error {
	return r.parent.Import(block, height)
}
