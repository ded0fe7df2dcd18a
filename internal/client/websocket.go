package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/gluk-w/shellmux/internal/protocol"
)

const (
	wsReadLimit    = 4 * 1024 * 1024
	wsSendQueue    = 256
	wsDialTimeout  = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsPingTimeout  = 10 * time.Second
)

// ErrTransportClosed is returned by Send after Close.
var ErrTransportClosed = errors.New("transport closed")

// WebSocketDialer connects to the server's terminal endpoint. Input and
// output travel as binary frames, control messages as JSON text frames.
type WebSocketDialer struct {
	// BaseURL is the server root, e.g. ws://localhost:8000. http and https
	// schemes are accepted and mapped to ws and wss.
	BaseURL string
	// Token is sent as a bearer token when set.
	Token string
	// HTTPClient is used for the upgrade request when set.
	HTTPClient *http.Client
}

// TerminalURL returns the endpoint for shellID.
func (d *WebSocketDialer) TerminalURL(shellID int64) (string, error) {
	u, err := url.Parse(d.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + fmt.Sprintf("/api/v1/shells/%d/terminal", shellID)
	return u.String(), nil
}

func (d *WebSocketDialer) Dial(shellID int64, sink Sink) (Transport, error) {
	target, err := d.TerminalURL(shellID)
	if err != nil {
		return nil, err
	}
	opts := &websocket.DialOptions{HTTPClient: d.HTTPClient}
	if d.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + d.Token}}
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &wsTransport{
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan wsFrame, wsSendQueue),
	}
	go t.run(target, opts, sink)
	return t, nil
}

type wsFrame struct {
	typ  websocket.MessageType
	data []byte
}

type wsTransport struct {
	ctx    context.Context
	cancel context.CancelFunc
	out    chan wsFrame

	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) run(target string, opts *websocket.DialOptions, sink Sink) {
	dialCtx, cancel := context.WithTimeout(t.ctx, wsDialTimeout)
	conn, _, err := websocket.Dial(dialCtx, target, opts)
	cancel()
	if err != nil {
		if t.ctx.Err() == nil {
			sink.Closed(fmt.Errorf("dial %s: %w", target, err))
		}
		return
	}
	conn.SetReadLimit(wsReadLimit)

	t.mu.Lock()
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	t.conn = conn
	t.mu.Unlock()

	go t.writePump(conn)
	go t.pingLoop(conn)
	sink.Open()

	for {
		typ, data, err := conn.Read(t.ctx)
		if err != nil {
			if t.ctx.Err() == nil {
				sink.Closed(err)
			}
			t.cancel()
			return
		}
		m, err := protocol.UnmarshalFrame(data, typ == websocket.MessageBinary, protocol.TypeOutput)
		if err != nil {
			sink.Malformed(err)
			continue
		}
		sink.Message(m)
	}
}

func (t *wsTransport) writePump(conn *websocket.Conn) {
	for {
		select {
		case <-t.ctx.Done():
			return
		case f := <-t.out:
			if err := conn.Write(t.ctx, f.typ, f.data); err != nil {
				if t.ctx.Err() == nil {
					log.Printf("[client] websocket write: %v", err)
				}
				conn.CloseNow()
				return
			}
		}
	}
}

// pingLoop closes connections that stop answering pings; the read loop
// then reports the close.
func (t *wsTransport) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(t.ctx, wsPingTimeout)
			err := conn.Ping(ctx)
			cancel()
			if err != nil {
				if t.ctx.Err() == nil {
					log.Printf("[client] websocket ping failed: %v", err)
					conn.Close(websocket.StatusGoingAway, "ping timeout")
				}
				return
			}
		}
	}
}

func (t *wsTransport) Send(m protocol.Message) error {
	data, binary, err := protocol.MarshalFrame(m)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", m.Type, err)
	}
	f := wsFrame{typ: websocket.MessageText, data: data}
	if binary {
		// Queued until the write pump runs; the caller may reuse its buffer.
		f = wsFrame{typ: websocket.MessageBinary, data: bytes.Clone(data)}
	}
	select {
	case <-t.ctx.Done():
		return ErrTransportClosed
	default:
	}
	select {
	case t.out <- f:
		return nil
	case <-t.ctx.Done():
		return ErrTransportClosed
	}
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	t.cancel()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	conn.Close(websocket.StatusNormalClosure, "")
	return nil
}
