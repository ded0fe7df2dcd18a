package multiplexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/gluk-w/shellmux/internal/protocol"
	"github.com/gluk-w/shellmux/internal/shell"
)

// ErrConnClosed is returned by Conn.Read when the peer went away normally.
var ErrConnClosed = errors.New("connection closed")

// Conn is one client connection carrying protocol messages. Read errors
// wrapping protocol.ErrMalformed are reported to the client and skipped;
// any other Read error ends the connection.
type Conn interface {
	Read(ctx context.Context) (protocol.Message, error)
	Write(ctx context.Context, m protocol.Message) error
}

type serveConfig struct {
	source  string
	shellID int64
}

// ServeOption configures Serve.
type ServeOption func(*serveConfig)

// WithSource labels the connection in logs and audit events, typically with
// the remote address.
func WithSource(source string) ServeOption {
	return func(c *serveConfig) { c.source = source }
}

// WithShellID pins the connection to one shell. An init naming another shell
// is rejected as invalid.
func WithShellID(id int64) ServeOption {
	return func(c *serveConfig) { c.shellID = id }
}

// connPeer serialises writes from the binding pump and from Serve itself.
type connPeer struct {
	mu   sync.Mutex
	conn Conn
}

func (p *connPeer) Send(ctx context.Context, m protocol.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.Write(ctx, m)
}

// Serve runs the protocol on conn until it closes or ctx is done. The first
// valid init binds the connection; on rejection the error message is written
// before Serve returns an error wrapping ErrShellNotFound or
// ErrAlreadyConnected. The caller closes conn afterwards. A normal close
// returns nil.
func (m *Multiplexer) Serve(ctx context.Context, conn Conn, opts ...ServeOption) error {
	cfg := serveConfig{source: "unknown"}
	for _, o := range opts {
		o(&cfg)
	}

	peer := &connPeer{conn: conn}
	reply := func(code, msg string) {
		if err := peer.Send(ctx, protocol.Error(code, msg)); err != nil && ctx.Err() == nil {
			log.Printf("[mux] %s: send %s: %v", cfg.source, code, err)
		}
	}

	var b *Binding
	defer func() {
		if b != nil {
			b.Release()
		}
	}()

	for {
		msg, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				log.Printf("[mux] %s: dropping malformed message: %v", cfg.source, err)
				reply(protocol.CodeInvalidMessage, err.Error())
				continue
			}
			if ctx.Err() != nil || errors.Is(err, ErrConnClosed) || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if !msg.FromClient() {
			reply(protocol.CodeInvalidMessage, fmt.Sprintf("unexpected message type %q", msg.Type))
			continue
		}

		switch msg.Type {
		case protocol.TypeInit:
			if b != nil {
				reply(protocol.CodeInvalidMessage, "connection is already bound")
				continue
			}
			if cfg.shellID != 0 && msg.ShellID != cfg.shellID {
				reply(protocol.CodeInvalidMessage, fmt.Sprintf("init names shell %d on a connection for shell %d", msg.ShellID, cfg.shellID))
				continue
			}
			nb, err := m.Bind(msg.ShellID, peer, cfg.source)
			if err != nil {
				code := protocol.CodeShellNotFound
				if errors.Is(err, ErrAlreadyConnected) {
					code = protocol.CodeAlreadyConnected
				}
				reply(code, err.Error())
				return err
			}
			b = nb
			if msg.Cols != 0 && msg.Rows != 0 {
				if err := b.Resize(msg.Cols, msg.Rows); err != nil {
					log.Printf("[mux] %s: initial resize: %v", cfg.source, err)
				}
			}

		case protocol.TypeInput:
			if b == nil {
				reply(protocol.CodeNotInitialized, "input before init")
				continue
			}
			if len(msg.Data) > shell.MaxInputMessageSize {
				log.Printf("[mux] shell %d: dropping oversized input (%d bytes)", b.shell.ID, len(msg.Data))
				continue
			}
			if err := b.Input(ctx, msg.Data); err != nil && ctx.Err() == nil {
				log.Printf("[mux] shell %d: input: %v", b.shell.ID, err)
			}

		case protocol.TypeResize:
			if b == nil {
				reply(protocol.CodeNotInitialized, "resize before init")
				continue
			}
			if err := b.Resize(msg.Cols, msg.Rows); err != nil {
				log.Printf("[mux] shell %d: %v", b.shell.ID, err)
			}
		}
	}
}
