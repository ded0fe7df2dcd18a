// Package tunnel carries terminal connections over a yamux session running
// inside a single WebSocket. The client opens one stream per connection
// attempt; each stream names its channel in a header line and then carries
// a CBOR sequence of protocol messages.
package tunnel

import (
	"context"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/hashicorp/yamux"

	"github.com/gluk-w/shellmux/internal/multiplexer"
)

// Server accepts tunnel WebSockets and routes their streams.
type Server struct {
	mux    *multiplexer.Multiplexer
	router *Router
	ctx    context.Context

	sessions sync.Map // source -> *yamux.Session
}

// NewServer returns a tunnel server for mux. Terminal streams end when ctx
// is cancelled.
func NewServer(ctx context.Context, mux *multiplexer.Multiplexer) *Server {
	s := &Server{mux: mux, router: NewRouter(), ctx: ctx}
	s.router.Register(ChannelTerminal, s.serveTerminal)
	return s
}

// Router exposes the channel router so callers can add channels.
func (s *Server) Router() *Router { return s.router }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("[tunnel] websocket accept: %v", err)
		return
	}
	source := r.RemoteAddr
	netConn := websocket.NetConn(s.ctx, wsConn, websocket.MessageBinary)

	session, err := yamux.Server(netConn, nil)
	if err != nil {
		log.Printf("[tunnel] yamux server: %v", err)
		wsConn.CloseNow()
		return
	}
	s.sessions.Store(source, session)
	defer func() {
		s.sessions.Delete(source)
		session.Close()
	}()
	log.Printf("[tunnel] session established with %s", source)

	for {
		stream, err := session.AcceptStream()
		if err != nil {
			if !isStreamClosed(err) {
				log.Printf("[tunnel] accept stream from %s: %v", source, err)
			}
			log.Printf("[tunnel] session with %s closed", source)
			return
		}
		go s.router.route(stream, source)
	}
}

func (s *Server) serveTerminal(conn net.Conn, source string) {
	defer conn.Close()
	stop := context.AfterFunc(s.ctx, func() { conn.Close() })
	defer stop()

	err := s.mux.Serve(s.ctx, NewStreamConn(conn), multiplexer.WithSource(source))
	if err != nil {
		log.Printf("[tunnel] %s: terminal stream: %v", source, err)
	}
}

// SessionCount returns the number of open tunnel sessions.
func (s *Server) SessionCount() int {
	n := 0
	s.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close tears down every open session.
func (s *Server) Close() {
	s.sessions.Range(func(key, value any) bool {
		value.(*yamux.Session).Close()
		s.sessions.Delete(key)
		return true
	})
}
