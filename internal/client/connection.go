// Package client keeps a terminal view attached to a remote shell across an
// unreliable network.
//
// A Connection opens a transport, performs the init/ready handshake and
// relays input and output. Abnormal closes are retried on the reconnect
// schedule until the attempt budget runs out (StatusError). An
// already_connected rejection from the multiplexer is final
// (StatusAlreadyOpen) until the consumer calls Reconnect.
//
// All transitions happen under one mutex; handlers are invoked after it is
// released, on the goroutine that produced the event.
package client

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/gluk-w/shellmux/internal/clock"
	"github.com/gluk-w/shellmux/internal/logutil"
	"github.com/gluk-w/shellmux/internal/protocol"
	"github.com/gluk-w/shellmux/internal/reconnect"
)

// Status is the connection state. Exactly one holds at any instant.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusError
	StatusAlreadyOpen
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	case StatusAlreadyOpen:
		return "already_open"
	}
	return "unknown"
}

// Handlers are the consumer callbacks. Any of them may be nil.
type Handlers struct {
	OnData   func(data []byte)
	OnExit   func(code int)
	OnReady  func()
	OnStatus func(Status)
}

// Options configure a Connection.
type Options struct {
	// ShellID is the target shell. Zero means no target: the connection
	// stays disconnected until SetShell.
	ShellID int64
	Cols    uint16
	Rows    uint16

	Dialer   Dialer
	Handlers Handlers

	// Clock defaults to the real clock.
	Clock clock.Clock
	// Policy defaults to reconnect.Default().
	Policy *reconnect.Policy
	// Hidden starts the connection with its surface backgrounded. No
	// attempt starts until SetVisible(true).
	Hidden bool
}

const (
	defaultCols = 80
	defaultRows = 24
)

// Connection is the client side of one shell binding.
type Connection struct {
	dialer   Dialer
	clock    clock.Clock
	policy   reconnect.Policy
	handlers atomic.Pointer[Handlers]

	mu           sync.Mutex
	shellID      int64
	cols, rows   uint16
	status       Status
	attempts     int
	gen          uint64
	transport    Transport
	connectTimer clock.Timer
	retryTimer   clock.Timer
	visible      bool
	exited       bool
	closed       bool

	// effects collected under mu and run after it is released.
	effects []func()
}

// New creates a Connection and, if opts.ShellID is non-zero and the surface
// is not hidden, starts the first attempt immediately.
func New(opts Options) *Connection {
	c := newIdle(opts)
	c.start()
	return c
}

func newIdle(opts Options) *Connection {
	c := &Connection{
		dialer:  opts.Dialer,
		clock:   opts.Clock,
		policy:  reconnect.Default(),
		shellID: opts.ShellID,
		cols:    opts.Cols,
		rows:    opts.Rows,
		visible: !opts.Hidden,
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if opts.Policy != nil {
		c.policy = *opts.Policy
	}
	if c.cols == 0 {
		c.cols = defaultCols
	}
	if c.rows == 0 {
		c.rows = defaultRows
	}
	h := opts.Handlers
	c.handlers.Store(&h)
	return c
}

// start makes the first attempt for a freshly built connection.
func (c *Connection) start() {
	c.mu.Lock()
	if !c.closed && c.shellID != 0 && c.transport == nil && c.status == StatusDisconnected {
		c.beginLocked()
	}
	c.unlockAndRun()
}

// Status returns the current state.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Attempts returns the reconnect attempt counter.
func (c *Connection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// ShellID returns the current target shell.
func (c *Connection) ShellID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shellID
}

// SetHandlers replaces the handler set. Events already being dispatched
// finish with the previous set.
func (c *Connection) SetHandlers(h Handlers) {
	c.handlers.Store(&h)
}

// SendInput forwards data to the shell. It is a no-op unless the handshake
// has completed.
func (c *Connection) SendInput(data []byte) {
	if len(data) == 0 {
		return
	}
	c.mu.Lock()
	t := c.readyTransportLocked()
	c.mu.Unlock()
	if t == nil {
		return
	}
	if err := t.Send(protocol.Input(data)); err != nil {
		log.Printf("[client] shell %d: send input: %v", c.ShellID(), err)
	}
}

// SendResize records the new size for future handshakes and forwards it if
// the handshake has completed. Zero dimensions are ignored.
func (c *Connection) SendResize(cols, rows uint16) {
	if cols == 0 || rows == 0 {
		return
	}
	c.mu.Lock()
	c.cols, c.rows = cols, rows
	t := c.readyTransportLocked()
	c.mu.Unlock()
	if t == nil {
		return
	}
	if err := t.Send(protocol.Resize(cols, rows)); err != nil {
		log.Printf("[client] shell %d: send resize: %v", c.ShellID(), err)
	}
}

func (c *Connection) readyTransportLocked() Transport {
	if c.status != StatusConnected {
		return nil
	}
	return c.transport
}

// Reconnect resets the attempt counter and starts a fresh attempt from any
// state, after tearing down whatever transport exists. A hidden connection
// makes that attempt once it becomes visible.
func (c *Connection) Reconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.attempts = 0
	if c.shellID == 0 {
		c.setStatusLocked(StatusDisconnected)
	} else {
		c.beginLocked()
	}
	c.unlockAndRun()
}

// SetShell retargets the connection. The counter is reset and a new attempt
// starts for a non-zero id, as if the connection had been recreated.
func (c *Connection) SetShell(shellID int64, cols, rows uint16) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.shellID = shellID
	if cols != 0 && rows != 0 {
		c.cols, c.rows = cols, rows
	}
	c.attempts = 0
	c.exited = false
	if shellID == 0 {
		c.setStatusLocked(StatusDisconnected)
	} else {
		c.beginLocked()
	}
	c.unlockAndRun()
}

// SetVisible reports whether the consuming surface is in the foreground.
// Becoming visible starts an attempt right away when nothing is connected
// or connecting and the connection has not reached a terminal state.
func (c *Connection) SetVisible(visible bool) {
	c.mu.Lock()
	if c.closed || c.visible == visible {
		c.visible = visible
		c.mu.Unlock()
		return
	}
	c.visible = visible
	// error and already_open are left only through Reconnect.
	if visible && c.shellID != 0 && c.transport == nil &&
		c.status != StatusAlreadyOpen && c.status != StatusError {
		c.stopTimer(&c.retryTimer)
		log.Printf("[client] shell %d: visible again, connecting (attempt %d)", c.shellID, c.attempts)
		c.connectLocked()
	}
	c.unlockAndRun()
}

// Close stops the connection for good. No handler is scheduled after Close.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.teardownLocked()
	c.status = StatusDisconnected
	c.unlockAndRun()
}

// beginLocked starts an attempt, or parks the connection in disconnected
// until SetVisible(true) while the surface is hidden.
func (c *Connection) beginLocked() {
	if !c.visible {
		log.Printf("[client] shell %d: hidden, connecting once visible", c.shellID)
		c.setStatusLocked(StatusDisconnected)
		return
	}
	c.connectLocked()
}

// connectLocked starts a new attempt. The caller guarantees no transport
// exists.
func (c *Connection) connectLocked() {
	c.gen++
	gen := c.gen
	c.setStatusLocked(StatusConnecting)

	sink := Sink{
		Open:      func() { c.onOpen(gen) },
		Message:   func(m protocol.Message) { c.onMessage(gen, m) },
		Malformed: func(err error) { c.onMalformed(gen, err) },
		Closed:    func(err error) { c.onClosed(gen, err) },
	}
	t, err := c.dialer.Dial(c.shellID, sink)
	if err != nil {
		log.Printf("[client] shell %d: dial: %v", c.shellID, err)
		c.failLocked()
		return
	}
	c.transport = t
	c.connectTimer = c.clock.AfterFunc(c.policy.Timeout(), func() { c.onConnectTimeout(gen) })
}

// teardownLocked cancels all timers and detaches then closes the transport.
func (c *Connection) teardownLocked() {
	c.gen++
	c.stopTimer(&c.connectTimer)
	c.stopTimer(&c.retryTimer)
	if t := c.transport; t != nil {
		c.transport = nil
		c.effects = append(c.effects, func() { t.Close() })
	}
}

// failLocked handles an abnormal end of the current attempt: either a retry
// is scheduled or the budget is exhausted.
func (c *Connection) failLocked() {
	c.teardownLocked()
	if c.policy.Exhausted(c.attempts) {
		log.Printf("[client] shell %d: giving up after %d attempts", c.shellID, c.attempts)
		c.setStatusLocked(StatusError)
		return
	}
	delay := c.policy.Delay(c.attempts)
	c.attempts++
	c.setStatusLocked(StatusDisconnected)
	gen := c.gen
	c.retryTimer = c.clock.AfterFunc(delay, func() { c.onRetry(gen) })
}

func (c *Connection) stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (c *Connection) setStatusLocked(s Status) {
	if c.status == s {
		return
	}
	c.status = s
	if c.closed {
		return
	}
	c.effects = append(c.effects, func() {
		if h := c.handlers.Load(); h.OnStatus != nil {
			h.OnStatus(s)
		}
	})
}

// unlockAndRun releases mu and runs the effects queued while it was held.
func (c *Connection) unlockAndRun() {
	effects := c.effects
	c.effects = nil
	c.mu.Unlock()
	for _, f := range effects {
		f()
	}
}

// current reports whether gen still names the live attempt. Must hold mu.
func (c *Connection) current(gen uint64) bool {
	return !c.closed && gen == c.gen && c.transport != nil
}

func (c *Connection) onOpen(gen uint64) {
	c.mu.Lock()
	if !c.current(gen) || c.status != StatusConnecting {
		c.mu.Unlock()
		return
	}
	t := c.transport
	hello := protocol.Init(c.shellID, c.cols, c.rows)
	c.mu.Unlock()

	if err := t.Send(hello); err != nil {
		log.Printf("[client] shell %d: send init: %v", hello.ShellID, err)
		c.mu.Lock()
		if c.current(gen) {
			c.failLocked()
		}
		c.unlockAndRun()
	}
}

func (c *Connection) onMessage(gen uint64, m protocol.Message) {
	c.mu.Lock()
	if !c.current(gen) {
		c.mu.Unlock()
		return
	}

	switch m.Type {
	case protocol.TypeReady:
		if c.status != StatusConnecting {
			log.Printf("[client] shell %d: unexpected ready in state %s", c.shellID, c.status)
			break
		}
		c.stopTimer(&c.connectTimer)
		c.setStatusLocked(StatusConnected)
		c.effects = append(c.effects, func() {
			if h := c.handlers.Load(); h.OnReady != nil {
				h.OnReady()
			}
		})

	case protocol.TypeOutput:
		if c.status != StatusConnected {
			log.Printf("[client] shell %d: output before ready ignored", c.shellID)
			break
		}
		data := m.Data
		c.effects = append(c.effects, func() {
			if h := c.handlers.Load(); h.OnData != nil {
				h.OnData(data)
			}
		})

	case protocol.TypeExit:
		if c.exited {
			break
		}
		c.exited = true
		code := m.ExitCode
		log.Printf("[client] shell %d: exited with code %d", c.shellID, code)
		c.effects = append(c.effects, func() {
			if h := c.handlers.Load(); h.OnExit != nil {
				h.OnExit(code)
			}
		})

	case protocol.TypeError:
		if m.IsAlreadyConnected() {
			log.Printf("[client] shell %d: already attached elsewhere", c.shellID)
			c.teardownLocked()
			c.setStatusLocked(StatusAlreadyOpen)
			break
		}
		// A shell_not_found rejection is followed by a close, which is
		// retried like any transport loss.
		log.Printf("[client] shell %d: server error %s: %s", c.shellID, m.ErrorCode, logutil.SanitizeForLog(m.ErrorMessage))

	default:
		log.Printf("[client] shell %d: ignoring %s", c.shellID, m.Type)
	}
	c.unlockAndRun()
}

func (c *Connection) onMalformed(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current(gen) {
		log.Printf("[client] shell %d: malformed frame ignored: %v", c.shellID, err)
	}
}

func (c *Connection) onClosed(gen uint64, err error) {
	c.mu.Lock()
	if !c.current(gen) {
		c.mu.Unlock()
		return
	}
	log.Printf("[client] shell %d: transport closed in state %s: %v", c.shellID, c.status, err)
	// The transport is already gone; drop it without closing it again.
	c.transport = nil
	c.failLocked()
	c.unlockAndRun()
}

func (c *Connection) onConnectTimeout(gen uint64) {
	c.mu.Lock()
	if !c.current(gen) || c.status != StatusConnecting {
		c.mu.Unlock()
		return
	}
	c.connectTimer = nil
	log.Printf("[client] shell %d: no ready within %s", c.shellID, c.policy.Timeout())
	c.failLocked()
	c.unlockAndRun()
}

func (c *Connection) onRetry(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.gen || c.transport != nil {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	if !c.visible {
		log.Printf("[client] shell %d: retry due while hidden, waiting for foreground", c.shellID)
		c.mu.Unlock()
		return
	}
	c.connectLocked()
	c.unlockAndRun()
}
