package multiplexer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/gluk-w/shellmux/internal/protocol"
)

const bindingQueueSize = 256

// Scrollback replay is split into output messages of at least
// replayChunkSize bytes, and never more than maxReplayChunks of them so the
// replay fits in a fresh binding queue next to ready.
const (
	replayChunkSize = 32 * 1024
	maxReplayChunks = bindingQueueSize / 2
)

// replayChunks splits history into output-sized pieces. The pieces alias
// history.
func replayChunks(history []byte) [][]byte {
	if len(history) == 0 {
		return nil
	}
	size := max(replayChunkSize, (len(history)+maxReplayChunks-1)/maxReplayChunks)
	chunks := make([][]byte, 0, (len(history)+size-1)/size)
	for len(history) > size {
		chunks = append(chunks, history[:size])
		history = history[size:]
	}
	return append(chunks, history)
}

// ErrBindingReleased is returned when input or resize reaches a binding that
// has already been released.
var ErrBindingReleased = errors.New("binding released")

// Peer is the sending half of a bound connection.
type Peer interface {
	Send(ctx context.Context, m protocol.Message) error
}

// Binding is the exclusive association between one connection and one shell.
// Messages reach the peer from a single goroutine in enqueue order.
type Binding struct {
	ID     string
	Source string

	shell   *Shell
	peer    Peer
	limiter *rate.Limiter
	queue   chan protocol.Message

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	release sync.Once
}

func newBinding(s *Shell, peer Peer, source string) *Binding {
	ctx, cancel := context.WithCancel(context.Background())
	return &Binding{
		ID:      uuid.NewString(),
		Source:  source,
		shell:   s,
		peer:    peer,
		limiter: s.mux.newLimiter(),
		queue:   make(chan protocol.Message, bindingQueueSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Shell returns the bound shell.
func (b *Binding) Shell() *Shell { return b.shell }

// Done is closed once no further messages will be sent to the peer: after
// exit was delivered, after a send failed, or after Release.
func (b *Binding) Done() <-chan struct{} { return b.done }

// Input forwards keystrokes to the shell, waiting on the binding's rate
// limit.
func (b *Binding) Input(ctx context.Context, data []byte) error {
	if b.ctx.Err() != nil {
		return ErrBindingReleased
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("input rate: %w", err)
	}
	if _, err := b.shell.proc.Write(data); err != nil {
		return fmt.Errorf("write shell %d: %w", b.shell.ID, err)
	}
	return nil
}

// Resize changes the shell's terminal size, clamped to the allowed range.
func (b *Binding) Resize(cols, rows uint16) error {
	if b.ctx.Err() != nil {
		return ErrBindingReleased
	}
	if err := b.shell.resize(cols, rows); err != nil {
		return fmt.Errorf("resize shell %d: %w", b.shell.ID, err)
	}
	return nil
}

// Release detaches the binding from its shell. The shell keeps running and
// becomes available to the next init. Further calls are no-ops.
func (b *Binding) Release() {
	b.release.Do(func() {
		b.cancel()
		s := b.shell
		if !s.unbind(b) {
			return
		}
		log.Printf("[mux] shell %d: binding %s released", s.ID, b.ID)
		s.mux.emit(Event{Type: EventBindingReleased, ShellID: s.ID, ShellName: s.Name, BindingID: b.ID, Source: b.Source})
	})
}

// enqueue blocks while the queue is full so a slow peer slows the reader of
// the shell's output rather than losing bytes.
func (b *Binding) enqueue(m protocol.Message) {
	select {
	case b.queue <- m:
	case <-b.ctx.Done():
	}
}

func (b *Binding) pump() {
	defer close(b.done)
	for {
		select {
		case <-b.ctx.Done():
			return
		case m := <-b.queue:
			if err := b.peer.Send(b.ctx, m); err != nil {
				if b.ctx.Err() == nil {
					log.Printf("[mux] shell %d: binding %s send %s: %v", b.shell.ID, b.ID, m.Type, err)
					b.Release()
				}
				return
			}
			if m.Type == protocol.TypeExit {
				return
			}
		}
	}
}
