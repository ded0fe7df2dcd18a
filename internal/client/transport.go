package client

import "github.com/gluk-w/shellmux/internal/protocol"

// Dialer opens transports to the multiplexer. Dial must return without
// waiting for the connection to be established and must not invoke the sink
// before it returns; progress is reported through the sink from the
// transport's own goroutines.
type Dialer interface {
	Dial(shellID int64, sink Sink) (Transport, error)
}

// Sink receives transport events. Events for one transport are delivered
// sequentially, never concurrently.
type Sink struct {
	// Open fires once the physical channel is usable.
	Open func()
	// Message fires for every decoded message, in arrival order.
	Message func(protocol.Message)
	// Malformed fires for frames that could not be decoded.
	Malformed func(error)
	// Closed fires once when the channel ends for any reason other than a
	// local Close.
	Closed func(error)
}

// Transport is one physical duplex channel.
type Transport interface {
	// Send queues m for delivery. It may block while the outbound queue
	// is full but never drops.
	Send(m protocol.Message) error
	// Close tears the channel down. No sink event follows a Close.
	Close() error
}
