package blocksync

import (
	"math"
	"sync"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"

	"github.com/titanbit/titan-node/helper/common"
	"github.com/titanbit/titan-node/helper/progress"
)

// maxBlockRequest is the protocol maximum size of a getdata block request.
const maxBlockRequest = 50000

// Reservations owns the download slots and hands disjoint subsets of the
// pending block hashes out to them, stealing work from the slot holding the
// most reserved hashes when a starved one asks.
type Reservations struct {
	logger      hclog.Logger
	hashes      *HashQueue
	chain       Blockchain
	progression *progress.ProgressionWrapper
	maxRequest  int
	timeout     time.Duration
	now         func() time.Time

	mu    sync.RWMutex
	table []*Reservation
}

// NewReservations builds the table and distributes the currently queued
// hashes across config.DownloadConnections slots.
func NewReservations(
	logger hclog.Logger,
	hashes *HashQueue,
	chain Blockchain,
	config *Config,
) *Reservations {
	r := &Reservations{
		logger:      logger.Named("reservations"),
		hashes:      hashes,
		chain:       chain,
		progression: progress.NewProgressionWrapper(progress.ChainSyncBulk),
		maxRequest:  maxBlockRequest,
		timeout:     config.BlockTimeout,
		now:         time.Now,
	}

	r.Initialize(config.DownloadConnections)

	return r
}

// Table returns a snapshot of the slot list.
func (r *Reservations) Table() []*Reservation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	table := make([]*Reservation, len(r.table))
	copy(table, r.table)

	return table
}

// Remove drops a slot from the table on permanent teardown. Normal peer
// churn stops and recycles slots instead.
func (r *Reservations) Remove(slot *Reservation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, row := range r.table {
		if row == slot {
			r.table = append(r.table[:i], r.table[i+1:]...)

			return
		}
	}
}

// Initialize caps the requested slot count against overflow and the number
// of queued hashes, creates the slots, and deals the queue head out to them
// round-robin. The remainder past a whole number of rounds stays queued.
func (r *Reservations) Initialize(size uint64) {
	rows := common.Min(uint64(math.MaxInt)/uint64(r.maxRequest), size)

	r.mu.Lock()
	defer r.mu.Unlock()

	blocks := uint64(r.hashes.Len())
	rows = common.Min(rows, blocks)

	if rows == 0 {
		return
	}

	allocation := common.Min(blocks, rows*uint64(r.maxRequest))

	for row := uint64(0); row < rows; row++ {
		r.table = append(r.table, newReservation(r, uint32(row), r.timeout, r.now))
	}

	for base := uint64(0); base < allocation/rows; base++ {
		for row := uint64(0); row < rows; row++ {
			entry, ok := r.hashes.Dequeue()
			if !ok {
				return
			}

			if err := r.table[row].Insert(entry.Hash, entry.Height); err != nil {
				return
			}
		}
	}

	r.logger.Debug("reserved blocks to slots", "blocks", allocation, "slots", rows)
}

// Populate fills a starved slot, first from the unreserved queue and then,
// if the queue had nothing, by partitioning the slot holding the most
// reserved hashes.
func (r *Reservations) Populate(minimal *Reservation) bool {
	r.mu.Lock()
	populated := r.reserve(minimal) || r.partition(minimal)
	r.mu.Unlock()

	if populated {
		metrics.SetGauge([]string{"blocksync", "reserved"}, float32(minimal.Size()))
		r.logger.Debug("populated blocks to slot", "blocks", minimal.Size(), "slot", minimal.Slot())
	}

	return populated
}

// reserve drains the hash queue into the slot, up to the protocol request
// cap.
func (r *Reservations) reserve(minimal *Reservation) bool {
	remaining := r.maxRequest - minimal.Size()
	if remaining <= 0 {
		return !minimal.Empty()
	}

	allocation := common.Min(uint64(r.hashes.Len()), uint64(remaining))

	for block := uint64(0); block < allocation; block++ {
		entry, ok := r.hashes.Dequeue()
		if !ok {
			break
		}

		if err := minimal.Insert(entry.Hash, entry.Height); err != nil {
			// The slot stopped underneath us; the entry stays queued.
			r.hashes.Enqueue(entry.Hash, entry.Height)

			break
		}
	}

	// The queue may drain between the size check and here, which is okay.
	return !minimal.Empty()
}

// partition moves half of the maximal slot's work into minimal. A maximal
// slot holding fewer than two hashes is not worth splitting.
func (r *Reservations) partition(minimal *Reservation) bool {
	maximal := r.findMaximal()
	if maximal == nil || maximal == minimal || maximal.Size() < 2 {
		return false
	}

	if !maximal.Partition(minimal) {
		return false
	}

	metrics.IncrCounter([]string{"blocksync", "partitions"}, 1)
	r.logger.Debug("partitioned slot",
		"from", maximal.Slot(), "to", minimal.Slot(), "moved", minimal.Size())

	return true
}

// findMaximal returns the slot with the most reserved hashes, lowest slot
// id winning ties.
func (r *Reservations) findMaximal() *Reservation {
	var maximal *Reservation

	for _, row := range r.table {
		if maximal == nil || row.Size() > maximal.Size() {
			maximal = row
		}
	}

	return maximal
}

// Rates summarizes the import rates of the non-idle slots.
func (r *Reservations) Rates() RateStatistics {
	rows := r.Table()
	rates := make([]float64, 0, len(rows))

	for _, row := range rows {
		if rate := row.Rate(); !rate.Idle() {
			rates = append(rates, rate.Normal())
		}
	}

	return summarize(rates)
}

// Import forwards an accepted block to the chain organizer and advances the
// sync progression.
func (r *Reservations) Import(block *Block, height uint64) error {
	if err := r.chain.Organize(block, height); err != nil {
		return err
	}

	metrics.IncrCounter([]string{"blocksync", "organized"}, 1)
	r.progression.UpdateCurrentProgression(height)

	return nil
}

// Progression exposes the sync progression surface for status reporting.
func (r *Reservations) Progression() *progress.ProgressionWrapper {
	return r.progression
}
