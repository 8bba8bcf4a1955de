package blocksync

import (
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
)

// testBlock builds a distinct, well-formed block carrying one single-input
// transaction. The header nonce makes the hash unique.
func testBlock(nonce uint32) *Block {
	tx := &wire.MsgTx{
		Version: 1,
		TxIn: []*wire.TxIn{
			{
				PreviousOutPoint: wire.OutPoint{Index: 0xffffffff},
				Sequence:         wire.MaxTxInSequenceNum,
			},
		},
		TxOut: []*wire.TxOut{
			{Value: 50, PkScript: []byte{0x51}},
		},
	}

	msg := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:   1,
			Timestamp: time.Unix(int64(nonce), 0),
			Nonce:     nonce,
			Bits:      0x1d00ffff,
		},
	}
	msg.AddTransaction(tx)

	return &Block{Block: btcutil.NewBlock(msg)}
}

// testBlocks builds count blocks with heights first..first+count-1 and
// returns them alongside their hash entries in height order.
func testBlocks(first uint64, count int) ([]*Block, []HashEntry) {
	blocks := make([]*Block, count)
	entries := make([]HashEntry, count)

	for i := 0; i < count; i++ {
		block := testBlock(uint32(first) + uint32(i))
		blocks[i] = block
		entries[i] = HashEntry{Hash: *block.Hash(), Height: first + uint64(i)}
	}

	return blocks, entries
}

func fillQueue(queue *HashQueue, entries []HashEntry) {
	for _, entry := range entries {
		queue.Enqueue(entry.Hash, entry.Height)
	}
}

// fakeClock is a manually advanced time source shared by a table and its
// slots.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1500000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.t = c.t.Add(d)
}

// setClock rewires a table and every slot it owns onto the fake clock.
func setClock(r *Reservations, clock *fakeClock) {
	r.now = clock.Now

	for _, slot := range r.Table() {
		slot.now = clock.Now
	}
}

type mockHeaderSub struct {
	closeFn func()
}

func (m *mockHeaderSub) Close() {
	if m.closeFn != nil {
		m.closeFn()
	}
}

type mockBlockchain struct {
	mu sync.Mutex

	organizeFn      func(*Block, uint64) error
	candidatesStale bool
	blocksStale     bool

	organized []uint64
	handlers  []HeadersHandler
	closed    int
}

func (m *mockBlockchain) Organize(block *Block, height uint64) error {
	m.mu.Lock()
	fn := m.organizeFn
	m.mu.Unlock()

	if fn != nil {
		if err := fn(block, height); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.organized = append(m.organized, height)
	m.mu.Unlock()

	return nil
}

func (m *mockBlockchain) IsCandidatesStale() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.candidatesStale
}

func (m *mockBlockchain) IsBlocksStale() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.blocksStale
}

func (m *mockBlockchain) setCandidatesStale(stale bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.candidatesStale = stale
}

func (m *mockBlockchain) SubscribeHeaders(handler HeadersHandler) HeaderSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlers = append(m.handlers, handler)

	return &mockHeaderSub{closeFn: func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		m.closed++
	}}
}

// notifyReindex fires every subscribed handler, dropping those that return
// false.
func (m *mockBlockchain) notifyReindex(event *HeadersEvent) {
	m.mu.Lock()
	handlers := m.handlers
	m.mu.Unlock()

	kept := handlers[:0]

	for _, handler := range handlers {
		if handler(event) {
			kept = append(kept, handler)
		}
	}

	m.mu.Lock()
	m.handlers = kept
	m.mu.Unlock()
}

func (m *mockBlockchain) organizedHeights() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	heights := make([]uint64, len(m.organized))
	copy(heights, m.organized)

	return heights
}

type mockChannel struct {
	mu sync.Mutex

	id       string
	services wire.ServiceFlag

	sent    []wire.Message
	handler BlockHandler
	stopErr error
	stops   int
}

func newMockChannel(id string, services wire.ServiceFlag) *mockChannel {
	return &mockChannel{id: id, services: services}
}

func (m *mockChannel) ID() string {
	return m.id
}

func (m *mockChannel) Services() wire.ServiceFlag {
	return m.services
}

func (m *mockChannel) Send(msg wire.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sent = append(m.sent, msg)

	return nil
}

func (m *mockChannel) SubscribeBlocks(handler BlockHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handler = handler
}

func (m *mockChannel) Stop(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stops == 0 {
		m.stopErr = err
	}

	m.stops++
}

// deliver pushes a block through the subscribed handler the way the network
// layer would.
func (m *mockChannel) deliver(err error, block *Block) bool {
	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()

	if handler == nil {
		return false
	}

	return handler(err, block)
}

func (m *mockChannel) sentMessages() []wire.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	sent := make([]wire.Message, len(m.sent))
	copy(sent, m.sent)

	return sent
}

func (m *mockChannel) stopReason() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.stopErr
}

// pendingHashes snapshots the live pending set of a slot.
func pendingHashes(slot *Reservation) []chainhash.Hash {
	slot.mu.Lock()
	defer slot.mu.Unlock()

	return slot.pendingLocked()
}
