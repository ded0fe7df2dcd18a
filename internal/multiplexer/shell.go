package multiplexer

import (
	"bytes"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gluk-w/shellmux/internal/protocol"
	"github.com/gluk-w/shellmux/internal/shell"
)

// Shell is a long-lived process with at most one bound connection.
type Shell struct {
	ID        int64
	Name      string
	Program   string
	CreatedAt time.Time

	mux        *Multiplexer
	proc       shell.Process
	spawned    chan struct{}
	scrollback *Scrollback

	mu           sync.Mutex
	cols, rows   uint16
	binding      *Binding
	closing      bool
	exited       bool
	exitCode     int
	lastActivity time.Time
}

// ShellInfo is a point-in-time view of a shell for listings.
type ShellInfo struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	Shell           string    `json:"shell"`
	Cols            uint16    `json:"cols"`
	Rows            uint16    `json:"rows"`
	Connected       bool      `json:"connected"`
	BindingID       string    `json:"binding_id,omitempty"`
	BindingSource   string    `json:"binding_source,omitempty"`
	Closing         bool      `json:"closing"`
	Exited          bool      `json:"exited"`
	ExitCode        int       `json:"exit_code,omitempty"`
	ScrollbackBytes int       `json:"scrollback_bytes"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivity    time.Time `json:"last_activity"`
}

func (s *Shell) Info() ShellInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := ShellInfo{
		ID:              s.ID,
		Name:            s.Name,
		Shell:           s.Program,
		Cols:            s.cols,
		Rows:            s.rows,
		Closing:         s.closing,
		Exited:          s.exited,
		ExitCode:        s.exitCode,
		ScrollbackBytes: s.scrollback.Len(),
		CreatedAt:       s.CreatedAt,
		LastActivity:    s.lastActivity,
	}
	if s.binding != nil {
		info.Connected = true
		info.BindingID = s.binding.ID
		info.BindingSource = s.binding.Source
	}
	return info
}

// Size returns the current terminal dimensions.
func (s *Shell) Size() (cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Connected reports whether a connection is bound.
func (s *Shell) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binding != nil
}

// LastActivity is the last time the shell was bound or released.
func (s *Shell) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Scrollback returns a copy of the recorded output.
func (s *Shell) Scrollback() []byte {
	return s.scrollback.Snapshot()
}

func (s *Shell) started() bool {
	select {
	case <-s.spawned:
		return true
	default:
		return false
	}
}

// markClosing reports whether this call moved the shell into closing.
func (s *Shell) markClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing || s.exited {
		return false
	}
	s.closing = true
	return true
}

func (s *Shell) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binding == nil && !s.closing && !s.exited && s.lastActivity.Before(cutoff)
}

// bind installs a binding for peer. Check and set happen under one lock, so
// of any number of concurrent calls exactly one succeeds.
func (s *Shell) bind(peer Peer, source string) (*Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exited || s.closing {
		return nil, fmt.Errorf("shell %d: %w", s.ID, ErrShellNotFound)
	}
	if s.binding != nil {
		return nil, fmt.Errorf("shell %d: %w", s.ID, ErrAlreadyConnected)
	}

	b := newBinding(s, peer, source)
	// The queue is fresh, so these never block. Live output produced after
	// the unlock lands behind them.
	b.queue <- protocol.Ready()
	for _, chunk := range replayChunks(s.scrollback.Snapshot()) {
		b.queue <- protocol.Output(chunk)
	}
	s.binding = b
	s.lastActivity = s.mux.nowFn()
	go b.pump()
	return b, nil
}

// unbind clears b if it is still the current binding.
func (s *Shell) unbind(b *Binding) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.binding != b {
		return false
	}
	s.binding = nil
	s.lastActivity = s.mux.nowFn()
	return true
}

func (s *Shell) resize(cols, rows uint16) error {
	cols, rows = shell.ClampSize(cols, rows)
	s.mu.Lock()
	if s.exited {
		s.mu.Unlock()
		return nil
	}
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
	return s.proc.Resize(cols, rows)
}

func (s *Shell) handleOutput(data []byte) {
	s.mu.Lock()
	s.scrollback.Write(data)
	b := s.binding
	s.mu.Unlock()
	if b != nil {
		b.enqueue(protocol.Output(bytes.Clone(data)))
	}
}

func (s *Shell) handleExit(code int) {
	s.mu.Lock()
	s.exited = true
	s.exitCode = code
	b := s.binding
	s.mu.Unlock()

	if b != nil {
		b.enqueue(protocol.Exit(code))
	}
	s.mux.remove(s.ID)
	log.Printf("[mux] shell %d exited with code %d", s.ID, code)
	s.mux.emit(Event{Type: EventShellExited, ShellID: s.ID, ShellName: s.Name, Details: fmt.Sprintf("exit code %d", code)})
}
