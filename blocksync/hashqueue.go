package blocksync

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// HashEntry pairs a header-advertised block hash with its height.
type HashEntry struct {
	Hash   chainhash.Hash
	Height uint64
}

// HashQueue is the FIFO of block hashes awaiting assignment to a download
// slot. Header sync enqueues in ascending height; slots drain the front.
// Safe for concurrent use.
type HashQueue struct {
	mu      sync.Mutex
	entries []HashEntry
}

// NewHashQueue creates an empty queue.
func NewHashQueue() *HashQueue {
	return &HashQueue{}
}

// Enqueue appends one entry. Height ordering is the caller's responsibility.
func (q *HashQueue) Enqueue(hash chainhash.Hash, height uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = append(q.entries, HashEntry{Hash: hash, Height: height})
}

// Dequeue pops the front entry. The second return value is false when the
// queue is drained.
func (q *HashQueue) Dequeue() (HashEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return HashEntry{}, false
	}

	entry := q.entries[0]
	q.entries = q.entries[1:]

	return entry, true
}

// Len returns the number of queued entries.
func (q *HashQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries)
}
