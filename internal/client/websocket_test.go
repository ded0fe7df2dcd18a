package client

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/gluk-w/shellmux/internal/protocol"
)

func TestTerminalURL(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{"ws://localhost:8000", "ws://localhost:8000/api/v1/shells/4/terminal", false},
		{"http://localhost:8000/", "ws://localhost:8000/api/v1/shells/4/terminal", false},
		{"https://example.com/mux", "wss://example.com/mux/api/v1/shells/4/terminal", false},
		{"ftp://example.com", "", true},
	}
	for _, tt := range tests {
		d := &WebSocketDialer{BaseURL: tt.base}
		got, err := d.TerminalURL(4)
		if (err != nil) != tt.wantErr {
			t.Errorf("TerminalURL(%q) err = %v", tt.base, err)
			continue
		}
		if got != tt.want {
			t.Errorf("TerminalURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

// echoServer accepts one terminal connection, answers init with ready and
// two outputs, then echoes input back as output.
func echoServer(t *testing.T, token string) *httptest.Server {
	return frameServer(t, token, func(write func(protocol.Message)) {
		write(protocol.Output([]byte("one ")))
		write(protocol.Output([]byte("two ")))
	})
}

// frameServer speaks the terminal framing: data as binary frames, control
// messages as JSON text. After ready it calls afterReady, then echoes input.
func frameServer(t *testing.T, token string, afterReady func(write func(protocol.Message))) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !strings.HasSuffix(r.URL.Path, "/terminal") {
			http.NotFound(w, r)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		write := func(m protocol.Message) {
			data, binary, _ := protocol.MarshalFrame(m)
			typ := websocket.MessageText
			if binary {
				typ = websocket.MessageBinary
			}
			conn.Write(ctx, typ, data)
		}
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			m, err := protocol.UnmarshalFrame(data, typ == websocket.MessageBinary, protocol.TypeInput)
			if err != nil {
				write(protocol.Error(protocol.CodeInvalidMessage, err.Error()))
				continue
			}
			switch m.Type {
			case protocol.TypeInit:
				write(protocol.Ready())
				afterReady(write)
			case protocol.TypeInput:
				write(protocol.Output(m.Data))
			}
		}
	}))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWebSocketDialer_EndToEnd(t *testing.T) {
	srv := echoServer(t, "secret")
	defer srv.Close()

	rec := &recorder{}
	conn := New(Options{
		ShellID:  11,
		Dialer:   &WebSocketDialer{BaseURL: srv.URL, Token: "secret"},
		Handlers: rec.handlers(),
	})
	defer conn.Close()

	waitFor(t, "connected", func() bool { return conn.Status() == StatusConnected })
	conn.SendInput([]byte("three"))
	waitFor(t, "echo", func() bool { return len(rec.snapshot().data) == 3 })

	got := strings.Join(rec.snapshot().data, "")
	if got != "one two three" {
		t.Fatalf("output = %q, want %q", got, "one two three")
	}
}

func TestWebSocketDialer_RejectedUpgradeRetries(t *testing.T) {
	srv := echoServer(t, "secret")
	defer srv.Close()

	conn := New(Options{
		ShellID: 1,
		Dialer:  &WebSocketDialer{BaseURL: srv.URL, Token: "wrong"},
	})
	defer conn.Close()

	waitFor(t, "first retry scheduled", func() bool { return conn.Attempts() >= 1 })
	if s := conn.Status(); s == StatusConnected || s == StatusAlreadyOpen {
		t.Fatalf("status = %s after failed upgrade", s)
	}
}

func TestWSTransport_SendAfterClose(t *testing.T) {
	d := &WebSocketDialer{BaseURL: "ws://127.0.0.1:1"}
	tr, err := d.Dial(1, Sink{
		Open:      func() {},
		Message:   func(protocol.Message) {},
		Malformed: func(error) {},
		Closed:    func(error) {},
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	tr.Close()
	if err := tr.Send(protocol.Input([]byte("x"))); err != ErrTransportClosed {
		t.Fatalf("Send after Close = %v, want ErrTransportClosed", err)
	}
}

func TestWebSocketDialer_BinaryOutputInOrder(t *testing.T) {
	var want []byte
	chunks := make([][]byte, 0, 64)
	for i := 0; i < 64; i++ {
		// Non-UTF-8 bytes and a rune split across frames.
		chunk := []byte{byte(i), 0xff, 0x80 + byte(i), 0xe2}
		if i%2 == 1 {
			chunk = []byte{0x82, 0xac, byte(i)}
		}
		chunks = append(chunks, chunk)
		want = append(want, chunk...)
	}
	srv := frameServer(t, "", func(write func(protocol.Message)) {
		for _, c := range chunks {
			write(protocol.Output(c))
		}
	})
	defer srv.Close()

	rec := &recorder{}
	conn := New(Options{
		ShellID:  5,
		Dialer:   &WebSocketDialer{BaseURL: srv.URL},
		Handlers: rec.handlers(),
	})
	defer conn.Close()

	waitFor(t, "all frames", func() bool { return len(rec.snapshot().data) == len(chunks) })
	got := []byte(strings.Join(rec.snapshot().data, ""))
	if !bytes.Equal(got, want) {
		t.Fatalf("output = % x\nwant     % x", got, want)
	}

	// Input bytes reach the server unchanged and come back as output.
	conn.SendInput([]byte{0x1b, 0xe9})
	waitFor(t, "echo", func() bool { return len(rec.snapshot().data) == len(chunks)+1 })
	if last := rec.snapshot().data[len(chunks)]; last != "\x1b\xe9" {
		t.Errorf("echoed input = %q", last)
	}
}
