package tunnel

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"
)

// ChannelHandler handles one stream. The channel header has already been
// consumed; source identifies the tunnel peer.
type ChannelHandler func(conn net.Conn, source string)

// headerTimeout bounds how long a new stream may take to name its channel.
var headerTimeout = 5 * time.Second

// Router dispatches streams to channel handlers.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]ChannelHandler
}

func NewRouter() *Router {
	r := &Router{handlers: make(map[string]ChannelHandler)}
	r.Register(ChannelPing, PingHandler())
	return r
}

// Register installs handler for the channel name, replacing any previous one.
func (r *Router) Register(name string, handler ChannelHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

func (r *Router) route(conn net.Conn, source string) {
	conn.SetReadDeadline(time.Now().Add(headerTimeout))
	channel, err := readChannelHeader(conn)
	if err != nil {
		log.Printf("[tunnel] %s: read channel header: %v", source, err)
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	r.mu.RLock()
	handler, ok := r.handlers[channel]
	r.mu.RUnlock()
	if !ok {
		log.Printf("[tunnel] %s: unknown channel %q, closing stream", source, channel)
		conn.Close()
		return
	}
	handler(conn, source)
}

// readChannelHeader reads a newline-terminated channel name one byte at a
// time so nothing past the header is consumed.
func readChannelHeader(r io.Reader) (string, error) {
	var buf []byte
	b := make([]byte, 1)
	for {
		if _, err := r.Read(b); err != nil {
			return "", err
		}
		if b[0] == '\n' {
			return string(buf), nil
		}
		buf = append(buf, b[0])
		if len(buf) > maxChannelHeader {
			return "", errors.New("channel header too long")
		}
	}
}

func writeChannelHeader(w io.Writer, channel string) error {
	if len(channel) > maxChannelHeader {
		return fmt.Errorf("channel name %q too long", channel)
	}
	if _, err := w.Write([]byte(channel + "\n")); err != nil {
		return fmt.Errorf("write channel header %q: %w", channel, err)
	}
	return nil
}

// PingHandler answers health-check pings with "pong\n".
func PingHandler() ChannelHandler {
	return func(conn net.Conn, _ string) {
		defer conn.Close()
		conn.Write([]byte("pong\n"))
	}
}
