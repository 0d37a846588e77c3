package core

// Frame is an encoded signaling message.
type Frame []byte

// SignalConnection abstracts a peer's messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend queues f without blocking and fails under backpressure.
	TrySend(Frame) error
	Close()
}
