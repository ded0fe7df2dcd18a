package tunnel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gluk-w/shellmux/internal/client"
	"github.com/gluk-w/shellmux/internal/multiplexer"
	"github.com/gluk-w/shellmux/internal/protocol"
	"github.com/gluk-w/shellmux/internal/shell"
)

// echoSpawner starts processes that echo input back as output.
type echoSpawner struct{}

type echoProcess struct {
	mu     sync.Mutex
	in     chan []byte
	closed bool
}

func (echoSpawner) Spawn(_ shell.SpawnOptions, sink shell.Sink) (shell.Process, error) {
	p := &echoProcess{in: make(chan []byte, 64)}
	go func() {
		for data := range p.in {
			sink.Output(data)
		}
		sink.Exit(0)
	}()
	return p, nil
}

func (p *echoProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	p.in <- bytes.Clone(b)
	return len(b), nil
}

func (p *echoProcess) Resize(cols, rows uint16) error { return nil }

func (p *echoProcess) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.in)
	}
	return nil
}

type fixture struct {
	mux *multiplexer.Multiplexer
	srv *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	mux := multiplexer.New(echoSpawner{}, multiplexer.Options{})
	tunnel := NewServer(ctx, mux)
	srv := httptest.NewServer(tunnel)
	t.Cleanup(func() {
		cancel()
		tunnel.Close()
		srv.Close()
	})
	return &fixture{mux: mux, srv: srv}
}

func (f *fixture) createShell(t *testing.T) int64 {
	t.Helper()
	s, err := f.mux.CreateShell(context.Background(), multiplexer.ShellSpec{Shell: "/bin/sh"})
	if err != nil {
		t.Fatalf("CreateShell: %v", err)
	}
	return s.ID
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

type received struct {
	mu    sync.Mutex
	data  strings.Builder
	exits []int
}

func (r *received) handlers() client.Handlers {
	return client.Handlers{
		OnData: func(b []byte) {
			r.mu.Lock()
			r.data.Write(b)
			r.mu.Unlock()
		},
		OnExit: func(code int) {
			r.mu.Lock()
			r.exits = append(r.exits, code)
			r.mu.Unlock()
		},
	}
}

func (r *received) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.String()
}

func (r *received) exitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.exits)
}

func TestReadChannelHeader(t *testing.T) {
	got, err := readChannelHeader(strings.NewReader("terminal\nrest"))
	if err != nil || got != "terminal" {
		t.Fatalf("readChannelHeader = %q, %v", got, err)
	}

	if _, err := readChannelHeader(strings.NewReader(strings.Repeat("x", 100) + "\n")); err == nil {
		t.Error("expected error for oversized header")
	}
	if _, err := readChannelHeader(strings.NewReader("terminal")); !errors.Is(err, io.EOF) {
		t.Errorf("unterminated header err = %v, want EOF", err)
	}
}

func TestTunnelURL(t *testing.T) {
	tests := map[string]string{
		"http://localhost:8000":  "ws://localhost:8000/tunnel",
		"wss://example.com/mux/": "wss://example.com/mux/tunnel",
		"https://example.com":    "wss://example.com/tunnel",
	}
	for base, want := range tests {
		got, err := TunnelURL(base)
		if err != nil || got != want {
			t.Errorf("TunnelURL(%q) = %q, %v; want %q", base, got, err, want)
		}
	}
	if _, err := TunnelURL("ftp://example.com"); err == nil {
		t.Error("expected error for ftp scheme")
	}
}

func TestSession_PingAndUnknownChannel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := Connect(ctx, f.srv.URL, "", nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close()

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	conn, err := s.OpenChannel("bogus")
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("read on unknown channel = %v, want EOF", err)
	}

	s.Close()
	if !s.IsClosed() {
		t.Error("session not closed")
	}
	if _, err := s.OpenChannel(ChannelPing); err == nil {
		t.Error("OpenChannel after Close succeeded")
	}
}

func TestDialer_TerminalEndToEnd(t *testing.T) {
	f := newFixture(t)
	id := f.createShell(t)

	d := &Dialer{BaseURL: f.srv.URL}
	defer d.Close()

	rec := &received{}
	conn := client.New(client.Options{ShellID: id, Dialer: d, Handlers: rec.handlers()})
	defer conn.Close()

	waitFor(t, "connected", func() bool { return conn.Status() == client.StatusConnected })
	conn.SendInput([]byte("hello "))
	conn.SendInput([]byte("tunnel"))
	waitFor(t, "echo", func() bool { return rec.String() == "hello tunnel" })
}

func TestDialer_ReplayAfterReconnect(t *testing.T) {
	f := newFixture(t)
	id := f.createShell(t)
	d := &Dialer{BaseURL: f.srv.URL}
	defer d.Close()

	first := &received{}
	conn := client.New(client.Options{ShellID: id, Dialer: d, Handlers: first.handlers()})
	waitFor(t, "connected", func() bool { return conn.Status() == client.StatusConnected })
	conn.SendInput([]byte("kept"))
	waitFor(t, "echo", func() bool { return first.String() == "kept" })
	conn.Close()
	waitFor(t, "release", func() bool { return !f.mux.GetShell(id).Connected() })

	second := &received{}
	again := client.New(client.Options{ShellID: id, Dialer: d, Handlers: second.handlers()})
	defer again.Close()
	waitFor(t, "replay", func() bool { return second.String() == "kept" })
}

func TestDialer_SecondClientAlreadyOpen(t *testing.T) {
	f := newFixture(t)
	id := f.createShell(t)
	d := &Dialer{BaseURL: f.srv.URL}
	defer d.Close()

	owner := client.New(client.Options{ShellID: id, Dialer: d})
	defer owner.Close()
	waitFor(t, "owner connected", func() bool { return owner.Status() == client.StatusConnected })

	intruder := client.New(client.Options{ShellID: id, Dialer: d})
	defer intruder.Close()
	waitFor(t, "already open", func() bool { return intruder.Status() == client.StatusAlreadyOpen })

	// No retry follows the rejection.
	time.Sleep(100 * time.Millisecond)
	if n := intruder.Attempts(); n != 0 {
		t.Errorf("attempts after already_connected = %d", n)
	}
	if owner.Status() != client.StatusConnected {
		t.Errorf("owner status = %s", owner.Status())
	}
}

func TestDialer_ExitDelivered(t *testing.T) {
	f := newFixture(t)
	id := f.createShell(t)
	d := &Dialer{BaseURL: f.srv.URL}
	defer d.Close()

	rec := &received{}
	conn := client.New(client.Options{ShellID: id, Dialer: d, Handlers: rec.handlers()})
	defer conn.Close()
	waitFor(t, "connected", func() bool { return conn.Status() == client.StatusConnected })

	if err := f.mux.CloseShell(id); err != nil {
		t.Fatalf("CloseShell: %v", err)
	}
	waitFor(t, "exit", func() bool { return rec.exitCount() == 1 })
}

func TestDialer_ReconnectsSessionAfterServerDrop(t *testing.T) {
	f := newFixture(t)
	d := &Dialer{BaseURL: f.srv.URL}
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	first, err := d.Session(ctx)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	first.Close()

	second, err := d.Session(ctx)
	if err != nil {
		t.Fatalf("Session after close: %v", err)
	}
	if second == first {
		t.Error("closed session was reused")
	}
	if err := second.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestStreamConn_CancelUnblocks(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()
	conn := NewStreamConn(local)

	// Nothing is ever written by remote, so Read blocks until cancelled.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := conn.Read(ctx)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Read err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not return after cancel")
	}

	// Nothing reads from remote, so Write blocks until cancelled.
	writer := NewStreamConn(remote)
	ctx, cancel = context.WithCancel(context.Background())
	go func() { done <- writer.Write(ctx, protocol.Output([]byte("stuck"))) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Write err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Write did not return after cancel")
	}
}
