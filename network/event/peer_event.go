package event

type PeerEventType uint

const (
	PeerConnected       PeerEventType = iota // Emitted when the transport to a peer connected
	PeerFailedToConnect                      // Emitted when a peer failed to connect
	PeerDisconnected                         // Emitted when a peer disconnected
)

var peerEventToName = map[PeerEventType]string{
	PeerConnected:       "PeerConnected",
	PeerFailedToConnect: "PeerFailedToConnect",
	PeerDisconnected:    "PeerDisconnected",
}

type PeerEvent struct {
	// PeerID is the id of the peer that triggered the event
	PeerID string

	// Type is the type of the event
	Type PeerEventType
}

func (s PeerEventType) String() string {
	name, ok := peerEventToName[s]
	if !ok {
		return "unknown"
	}

	return name
}

// Stream fans peer lifecycle events out to a consumer. A slow consumer
// drops events rather than block the network layer.
type Stream struct {
	ch chan PeerEvent
}

func NewStream() *Stream {
	return &Stream{
		ch: make(chan PeerEvent, 16),
	}
}

// Events returns the receive side of the stream.
func (e *Stream) Events() <-chan PeerEvent {
	return e.ch
}

// Publish pushes one event, dropping it when the buffer is full.
func (e *Stream) Publish(event PeerEvent) {
	select {
	case e.ch <- event:
	default:
	}
}
