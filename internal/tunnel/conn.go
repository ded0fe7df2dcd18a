package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/gluk-w/shellmux/internal/multiplexer"
	"github.com/gluk-w/shellmux/internal/protocol"
)

// StreamConn carries protocol messages over a stream as a CBOR sequence.
type StreamConn struct {
	conn net.Conn
	enc  *protocol.StreamEncoder
	dec  *protocol.StreamDecoder
}

func NewStreamConn(conn net.Conn) *StreamConn {
	return &StreamConn{
		conn: conn,
		enc:  protocol.NewStreamEncoder(conn),
		dec:  protocol.NewStreamDecoder(conn),
	}
}

// Read returns the next message. Invalid items wrap protocol.ErrMalformed;
// a closed stream returns multiplexer.ErrConnClosed. Cancelling ctx
// interrupts a blocked Read and leaves the stream unusable.
func (c *StreamConn) Read(ctx context.Context) (protocol.Message, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Message{}, err
	}
	interrupted := interruptOn(ctx, c.conn.SetReadDeadline)
	m, err := c.dec.Decode()
	if interrupted() {
		return protocol.Message{}, ctx.Err()
	}
	if err != nil {
		if errors.Is(err, protocol.ErrMalformed) {
			return protocol.Message{}, err
		}
		if isStreamClosed(err) {
			return protocol.Message{}, multiplexer.ErrConnClosed
		}
		return protocol.Message{}, fmt.Errorf("decode: %w", err)
	}
	return m, nil
}

// Write sends m. Cancelling ctx interrupts a blocked Write.
func (c *StreamConn) Write(ctx context.Context, m protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	interrupted := interruptOn(ctx, c.conn.SetWriteDeadline)
	err := c.enc.Encode(m)
	if interrupted() {
		return ctx.Err()
	}
	return err
}

// interruptOn expires the deadline set controls once ctx is done. The
// returned func disarms it and reports whether it fired.
func interruptOn(ctx context.Context, set func(time.Time) error) func() bool {
	stop := context.AfterFunc(ctx, func() { set(time.Now()) })
	return func() bool { return !stop() }
}

func (c *StreamConn) Close() error {
	return c.conn.Close()
}

func isStreamClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, yamux.ErrStreamClosed) ||
		errors.Is(err, yamux.ErrSessionShutdown) ||
		errors.Is(err, yamux.ErrConnectionReset)
}
