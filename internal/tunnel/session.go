package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/hashicorp/yamux"
)

// Ping defaults. Tests may override PingInterval.
var PingInterval = 30 * time.Second

const PingTimeout = 5 * time.Second

// TunnelURL returns the tunnel endpoint under baseURL. http and https are
// mapped to ws and wss.
func TunnelURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
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
	u.Path = strings.TrimSuffix(u.Path, "/") + "/tunnel"
	return u.String(), nil
}

// Session is the client side of a tunnel.
type Session struct {
	target string

	mu      sync.Mutex
	session *yamux.Session
	wsConn  *websocket.Conn
}

// Connect dials the tunnel endpoint under baseURL and starts a yamux client
// session over it.
func Connect(ctx context.Context, baseURL, token string, httpClient *http.Client) (*Session, error) {
	target, err := TunnelURL(baseURL)
	if err != nil {
		return nil, err
	}
	opts := &websocket.DialOptions{HTTPClient: httpClient}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	wsConn, _, err := websocket.Dial(ctx, target, opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", target, err)
	}
	// The NetConn context outlives the dial; the session owns the socket
	// from here on.
	netConn := websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary)
	session, err := yamux.Client(netConn, nil)
	if err != nil {
		wsConn.CloseNow()
		return nil, fmt.Errorf("yamux client init: %w", err)
	}
	return &Session{target: target, session: session, wsConn: wsConn}, nil
}

// OpenChannel opens a stream and writes its channel header.
func (s *Session) OpenChannel(channel string) (net.Conn, error) {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session == nil {
		return nil, fmt.Errorf("tunnel to %s: %w", s.target, yamux.ErrSessionShutdown)
	}
	stream, err := session.Open()
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if err := writeChannelHeader(stream, channel); err != nil {
		stream.Close()
		return nil, err
	}
	return stream, nil
}

// Ping round-trips the ping channel.
func (s *Session) Ping(ctx context.Context) error {
	conn, err := s.OpenChannel(ChannelPing)
	if err != nil {
		return fmt.Errorf("open ping channel: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(PingTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("read pong: %w", err)
	}
	if line != "pong\n" {
		return fmt.Errorf("unexpected ping response: %q", line)
	}
	return nil
}

// StartPing closes the session once a ping fails. It returns when ctx is
// done or the session closes.
func (s *Session) StartPing(ctx context.Context) {
	go s.pingLoop(ctx)
}

func (s *Session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.IsClosed() {
				return
			}
			if err := s.Ping(ctx); err != nil {
				log.Printf("[tunnel] %s: ping failed, closing session: %v", s.target, err)
				s.Close()
				return
			}
		}
	}
}

func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session == nil || s.session.IsClosed()
}

// Close tears down the yamux session and its WebSocket.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	err := s.session.Close()
	s.wsConn.CloseNow()
	s.session = nil
	return err
}
