package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/coder/websocket"

	"github.com/gluk-w/shellmux/internal/multiplexer"
	"github.com/gluk-w/shellmux/internal/protocol"
)

// terminalReadLimit bounds one inbound frame; input larger than
// shell.MaxInputMessageSize is dropped by the multiplexer anyway.
const terminalReadLimit = 1024 * 1024

// Close codes sent after a rejected init.
const (
	closeShellNotFound    websocket.StatusCode = 4004
	closeAlreadyConnected websocket.StatusCode = 4409
)

// wsConn carries input and output as binary frames and every other
// message as a JSON text frame.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) (protocol.Message, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) != -1 || errors.Is(err, io.EOF) {
			return protocol.Message{}, multiplexer.ErrConnClosed
		}
		return protocol.Message{}, err
	}
	return protocol.UnmarshalFrame(data, typ == websocket.MessageBinary, protocol.TypeInput)
}

func (c *wsConn) Write(ctx context.Context, m protocol.Message) error {
	data, binary, err := protocol.MarshalFrame(m)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", m.Type, err)
	}
	typ := websocket.MessageText
	if binary {
		typ = websocket.MessageBinary
	}
	return c.conn.Write(ctx, typ, data)
}

// TerminalWS binds a WebSocket to the shell named in the path. The init
// message must name the same shell. The shell outlives the socket; a second
// socket for a bound shell receives already_connected and close code 4409.
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	id, ok := shellIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid shell ID")
		return
	}
	if Mux == nil {
		writeError(w, http.StatusServiceUnavailable, "Multiplexer not initialized")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[mux] accept terminal websocket: %v", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(terminalReadLimit)

	err = Mux.Serve(r.Context(), &wsConn{conn: conn},
		multiplexer.WithSource(r.RemoteAddr),
		multiplexer.WithShellID(id),
	)
	switch {
	case errors.Is(err, multiplexer.ErrAlreadyConnected):
		conn.Close(closeAlreadyConnected, "Shell already connected")
	case errors.Is(err, multiplexer.ErrShellNotFound):
		conn.Close(closeShellNotFound, "Shell not found")
	case err != nil:
		log.Printf("[mux] shell %d: terminal websocket from %s: %v", id, r.RemoteAddr, err)
		conn.Close(websocket.StatusInternalError, "")
	default:
		conn.Close(websocket.StatusNormalClosure, "")
	}
}
