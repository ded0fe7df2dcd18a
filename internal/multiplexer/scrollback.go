package multiplexer

import (
	"sync"
	"unicode/utf8"
)

// DefaultScrollbackSize is the per-shell output history kept for replay.
const DefaultScrollbackSize = 1024 * 1024

// Scrollback is a bounded output history. When full, the oldest bytes are
// discarded.
type Scrollback struct {
	mu     sync.Mutex
	data   []byte
	maxLen int
}

func NewScrollback(maxLen int) *Scrollback {
	if maxLen <= 0 {
		maxLen = DefaultScrollbackSize
	}
	return &Scrollback{maxLen: maxLen}
}

// Write appends p. Trimming never leaves a partial UTF-8 sequence at the
// start of the history.
func (s *Scrollback) Write(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(p) >= s.maxLen {
		tail := p[len(p)-s.maxLen:]
		s.data = append(s.data[:0], tail[runeStart(tail):]...)
		return
	}
	if over := len(s.data) + len(p) - s.maxLen; over > 0 {
		over += runeStart(s.data[over:])
		// Compact instead of re-slicing so the backing array stays bounded.
		n := copy(s.data, s.data[over:])
		s.data = s.data[:n]
	}
	s.data = append(s.data, p...)
}

// runeStart returns how many leading continuation bytes of b to skip, at
// most utf8.UTFMax-1.
func runeStart(b []byte) int {
	n := 0
	for n < len(b) && n < utf8.UTFMax-1 && !utf8.RuneStart(b[n]) {
		n++
	}
	return n
}

// Snapshot returns a copy of the history.
func (s *Scrollback) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}

func (s *Scrollback) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
