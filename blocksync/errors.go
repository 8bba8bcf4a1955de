package blocksync

import "errors"

var (
	// ErrChannelStopped is the stop reason for peer-fatal conditions: an
	// unrequested block, a partitioned slot, or a witness mismatch.
	ErrChannelStopped = errors.New("channel stopped")

	// ErrChannelTimeout is a network-layer timeout surfaced on the channel.
	// It is transient and does not by itself stop the protocol.
	ErrChannelTimeout = errors.New("channel timed out")

	// ErrSlotExpired is the stop reason when a slot makes no progress inside
	// its stall window.
	ErrSlotExpired = errors.New("reservation slot expired")

	// ErrStoppedSlot is returned when work is pushed at a slot that has
	// already been stopped.
	ErrStoppedSlot = errors.New("insert on stopped slot")
)
