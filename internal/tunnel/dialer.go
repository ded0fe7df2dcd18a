package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gluk-w/shellmux/internal/client"
	"github.com/gluk-w/shellmux/internal/protocol"
)

const dialTimeout = 10 * time.Second

// Dialer implements client.Dialer over one shared tunnel session. Each Dial
// opens a fresh terminal stream; the session is re-established when it has
// closed.
type Dialer struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client

	mu      sync.Mutex
	session *Session
	ctx     context.Context
	cancel  context.CancelFunc
}

func (d *Dialer) Dial(shellID int64, sink client.Sink) (client.Transport, error) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &streamTransport{ctx: ctx, cancel: cancel}
	go t.run(d, sink)
	return t, nil
}

// Session returns the shared session, connecting if there is none or the
// previous one closed.
func (d *Dialer) Session(ctx context.Context) (*Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != nil && !d.session.IsClosed() {
		return d.session, nil
	}
	if d.ctx == nil {
		d.ctx, d.cancel = context.WithCancel(context.Background())
	}
	s, err := Connect(ctx, d.BaseURL, d.Token, d.HTTPClient)
	if err != nil {
		return nil, err
	}
	log.Printf("[tunnel] connected to %s", s.target)
	s.StartPing(d.ctx)
	d.session = s
	return s, nil
}

// Close shuts the shared session. Streams opened through it end.
func (d *Dialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
		d.ctx, d.cancel = nil, nil
	}
	if d.session == nil {
		return nil
	}
	err := d.session.Close()
	d.session = nil
	return err
}

type streamTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	conn *StreamConn
}

func (t *streamTransport) run(d *Dialer, sink client.Sink) {
	dialCtx, cancel := context.WithTimeout(t.ctx, dialTimeout)
	session, err := d.Session(dialCtx)
	cancel()
	if err != nil {
		if t.ctx.Err() == nil {
			sink.Closed(err)
		}
		return
	}
	stream, err := session.OpenChannel(ChannelTerminal)
	if err != nil {
		if t.ctx.Err() == nil {
			sink.Closed(err)
		}
		return
	}

	conn := NewStreamConn(stream)
	t.mu.Lock()
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		stream.Close()
		return
	}
	t.conn = conn
	t.mu.Unlock()

	sink.Open()
	for {
		m, err := conn.Read(t.ctx)
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				sink.Malformed(err)
				continue
			}
			if t.ctx.Err() == nil {
				sink.Closed(err)
			}
			t.cancel()
			return
		}
		sink.Message(m)
	}
}

func (t *streamTransport) Send(m protocol.Message) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil || t.ctx.Err() != nil {
		return client.ErrTransportClosed
	}
	if err := conn.Write(t.ctx, m); err != nil {
		return fmt.Errorf("send %s: %w", m.Type, err)
	}
	return nil
}

func (t *streamTransport) Close() error {
	t.mu.Lock()
	t.cancel()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
