// Package multiplexer arbitrates bindings between client connections and
// long-lived shells.
//
// A shell outlives its connections. At most one connection is bound to a
// shell at any instant: the first init wins and every concurrent or later
// init is answered with already_connected until the binding is released.
// Output is recorded in a bounded scrollback, replayed right after ready,
// and then streamed live in production order.
//
// Lifecycle:
//  1. CreateShell spawns the process; the shell is unbound.
//  2. init on a connection binds it (ready + scrollback replay).
//  3. The connection closes; the binding is released, the process keeps
//     running.
//  4. The process exits; the bound connection gets exit and the shell is
//     removed.
package multiplexer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/gluk-w/shellmux/internal/logutil"
	"github.com/gluk-w/shellmux/internal/shell"
)

var (
	ErrShellNotFound    = errors.New("shell not found")
	ErrAlreadyConnected = errors.New("shell already connected")
	ErrShuttingDown     = errors.New("multiplexer is shutting down")
	ErrInvalidShell     = errors.New("invalid shell")
)

// Event types reported to Options.OnEvent.
const (
	EventShellCreated       = "shell_created"
	EventShellClosed        = "shell_closed"
	EventShellExited        = "shell_exited"
	EventBindingEstablished = "binding_established"
	EventBindingRejected    = "binding_rejected"
	EventBindingReleased    = "binding_released"
)

// Event is a lifecycle notification for auditing.
type Event struct {
	Type      string
	ShellID   int64
	ShellName string
	BindingID string
	Source    string
	Details   string
}

// Options configure a Multiplexer. Zero values select the defaults.
type Options struct {
	ScrollbackSize int
	// DefaultShell is used when a ShellSpec names none. Empty means
	// shell.DefaultShell.
	DefaultShell string
	// InputRate is the sustained number of input messages per second a
	// binding may deliver; excess input waits.
	InputRate  float64
	InputBurst int
	// OnEvent is called synchronously for every lifecycle event.
	OnEvent func(Event)
}

const (
	DefaultInputRate  = 1000
	DefaultInputBurst = 200
)

// ShellSpec describes a shell to create.
type ShellSpec struct {
	Name  string
	Shell string
	Cols  uint16
	Rows  uint16
	Env   []string
	Dir   string
}

// Multiplexer owns all shells and their bindings.
type Multiplexer struct {
	spawner shell.Spawner
	opts    Options
	nowFn   func() time.Time

	nextID atomic.Int64

	mu       sync.RWMutex
	shells   map[int64]*Shell
	shutdown bool
	// drained is closed when the last shell is removed after Shutdown.
	drained chan struct{}
}

func New(spawner shell.Spawner, opts Options) *Multiplexer {
	if opts.ScrollbackSize <= 0 {
		opts.ScrollbackSize = DefaultScrollbackSize
	}
	if opts.InputRate <= 0 {
		opts.InputRate = DefaultInputRate
	}
	if opts.InputBurst <= 0 {
		opts.InputBurst = DefaultInputBurst
	}
	return &Multiplexer{
		spawner: spawner,
		opts:    opts,
		nowFn:   time.Now,
		shells:  make(map[int64]*Shell),
		drained: make(chan struct{}),
	}
}

func (m *Multiplexer) emit(e Event) {
	if m.opts.OnEvent != nil {
		m.opts.OnEvent(e)
	}
}

func (m *Multiplexer) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(m.opts.InputRate), m.opts.InputBurst)
}

// CreateShell spawns a new shell process.
func (m *Multiplexer) CreateShell(ctx context.Context, spec ShellSpec) (*Shell, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	requested := spec.Shell
	if requested == "" {
		requested = m.opts.DefaultShell
	}
	program, err := shell.ResolveShell(requested)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidShell, err)
	}
	cols, rows := shell.ClampSize(spec.Cols, spec.Rows)

	id := m.nextID.Add(1)
	name := spec.Name
	if name == "" {
		name = fmt.Sprintf("shell-%d", id)
	}
	now := m.nowFn()
	s := &Shell{
		ID:           id,
		Name:         name,
		Program:      program,
		CreatedAt:    now,
		mux:          m,
		cols:         cols,
		rows:         rows,
		scrollback:   NewScrollback(m.opts.ScrollbackSize),
		lastActivity: now,
		spawned:      make(chan struct{}),
	}

	// The shell is registered before the process starts so an immediate
	// exit finds it.
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	m.shells[id] = s
	m.mu.Unlock()

	proc, err := m.spawner.Spawn(shell.SpawnOptions{
		Shell: program,
		Cols:  cols,
		Rows:  rows,
		Env:   spec.Env,
		Dir:   spec.Dir,
	}, shell.Sink{Output: s.handleOutput, Exit: s.handleExit})
	if err != nil {
		m.remove(id)
		return nil, fmt.Errorf("spawn %s: %w", program, err)
	}
	s.proc = proc
	close(s.spawned)

	m.mu.RLock()
	stopping := m.shutdown
	m.mu.RUnlock()
	if stopping {
		proc.Close()
		return nil, ErrShuttingDown
	}

	log.Printf("[mux] created shell %d %q (%s, %dx%d)", id, logutil.SanitizeForLog(name), program, cols, rows)
	m.emit(Event{Type: EventShellCreated, ShellID: id, ShellName: name, Details: program})
	return s, nil
}

// GetShell returns the shell with the given id, or nil. Shells whose process
// is still starting are not visible.
func (m *Multiplexer) GetShell(id int64) *Shell {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.shells[id]; ok && s.started() {
		return s
	}
	return nil
}

// ListShells returns all started shells ordered by id.
func (m *Multiplexer) ListShells() []*Shell {
	m.mu.RLock()
	out := make([]*Shell, 0, len(m.shells))
	for _, s := range m.shells {
		if s.started() {
			out = append(out, s)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ShellCount returns the number of live shells.
func (m *Multiplexer) ShellCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.shells)
}

// CloseShell terminates a shell's process. The bound connection, if any,
// receives exit once the process is gone; new inits are refused at once.
func (m *Multiplexer) CloseShell(id int64) error {
	s := m.GetShell(id)
	if s == nil {
		return fmt.Errorf("shell %d: %w", id, ErrShellNotFound)
	}
	if !s.markClosing() {
		return nil
	}
	log.Printf("[mux] closing shell %d", id)
	m.emit(Event{Type: EventShellClosed, ShellID: id, ShellName: s.Name})
	if err := s.proc.Close(); err != nil {
		return fmt.Errorf("close shell %d: %w", id, err)
	}
	return nil
}

// Bind attaches peer to the shell. It fails with ErrShellNotFound or
// ErrAlreadyConnected; on success the peer has been queued ready followed by
// the scrollback replay.
func (m *Multiplexer) Bind(shellID int64, peer Peer, source string) (*Binding, error) {
	s := m.GetShell(shellID)
	if s == nil {
		return nil, fmt.Errorf("shell %d: %w", shellID, ErrShellNotFound)
	}
	b, err := s.bind(peer, source)
	if err != nil {
		if errors.Is(err, ErrAlreadyConnected) {
			log.Printf("[mux] shell %d: rejected binding from %s, already connected", shellID, source)
			m.emit(Event{Type: EventBindingRejected, ShellID: shellID, ShellName: s.Name, Source: source})
		}
		return nil, err
	}
	log.Printf("[mux] shell %d: binding %s established from %s", shellID, b.ID, source)
	m.emit(Event{Type: EventBindingEstablished, ShellID: shellID, ShellName: s.Name, BindingID: b.ID, Source: source})
	return b, nil
}

// CleanupIdle closes shells that have had no binding for longer than
// timeout. It returns the number of shells closed.
func (m *Multiplexer) CleanupIdle(timeout time.Duration) int {
	if timeout <= 0 {
		return 0
	}
	cutoff := m.nowFn().Add(-timeout)
	var idle []*Shell
	for _, s := range m.ListShells() {
		if s.idleSince(cutoff) {
			idle = append(idle, s)
		}
	}
	for _, s := range idle {
		log.Printf("[mux] closing idle shell %d (unbound since %s)", s.ID, s.LastActivity().Format(time.RFC3339))
		if err := m.CloseShell(s.ID); err != nil {
			log.Printf("[mux] close idle shell %d: %v", s.ID, err)
		}
	}
	return len(idle)
}

// Shutdown refuses new shells, closes every shell and waits until all have
// exited or ctx is done.
func (m *Multiplexer) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.shutdown {
		m.shutdown = true
		if len(m.shells) == 0 {
			close(m.drained)
		}
	}
	m.mu.Unlock()

	for _, s := range m.ListShells() {
		if err := m.CloseShell(s.ID); err != nil && !errors.Is(err, ErrShellNotFound) {
			log.Printf("[mux] shutdown: %v", err)
		}
	}

	select {
	case <-m.drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown with %d shells left: %w", m.ShellCount(), ctx.Err())
	}
}

func (m *Multiplexer) remove(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.shells[id]; !ok {
		return
	}
	delete(m.shells, id)
	if m.shutdown && len(m.shells) == 0 {
		close(m.drained)
	}
}
