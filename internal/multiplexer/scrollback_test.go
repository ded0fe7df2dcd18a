package multiplexer

import (
	"bytes"
	"testing"
)

func TestScrollback_KeepsTail(t *testing.T) {
	s := NewScrollback(10)
	s.Write([]byte("hello"))
	s.Write([]byte("world"))
	if got := string(s.Snapshot()); got != "helloworld" {
		t.Fatalf("snapshot = %q", got)
	}
	s.Write([]byte("!!!"))
	if got := string(s.Snapshot()); got != "loworld!!!" {
		t.Fatalf("snapshot = %q, want %q", got, "loworld!!!")
	}
	if s.Len() != 10 {
		t.Fatalf("Len = %d, want 10", s.Len())
	}
}

func TestScrollback_OversizedWrite(t *testing.T) {
	s := NewScrollback(4)
	s.Write([]byte("ab"))
	s.Write([]byte("0123456789"))
	if got := string(s.Snapshot()); got != "6789" {
		t.Fatalf("snapshot = %q, want 6789", got)
	}
}

func TestScrollback_SnapshotIsCopy(t *testing.T) {
	s := NewScrollback(0)
	s.Write([]byte("abc"))
	snap := s.Snapshot()
	snap[0] = 'X'
	if !bytes.Equal(s.Snapshot(), []byte("abc")) {
		t.Fatal("snapshot aliases the buffer")
	}
}

func TestScrollback_Default(t *testing.T) {
	s := NewScrollback(-1)
	big := bytes.Repeat([]byte("x"), DefaultScrollbackSize+100)
	s.Write(big)
	if s.Len() != DefaultScrollbackSize {
		t.Fatalf("Len = %d, want %d", s.Len(), DefaultScrollbackSize)
	}
}

func TestScrollback_TrimKeepsWholeRunes(t *testing.T) {
	s := NewScrollback(4)
	s.Write([]byte("xé"))
	s.Write([]byte("abc"))
	if got := string(s.Snapshot()); got != "abc" {
		t.Fatalf("snapshot = %q, want %q", got, "abc")
	}

	s = NewScrollback(4)
	s.Write([]byte("aé€"))
	if got := string(s.Snapshot()); got != "€" {
		t.Fatalf("oversized snapshot = %q, want %q", got, "€")
	}

	// Bytes that are not UTF-8 at all are kept.
	s = NewScrollback(3)
	s.Write([]byte{0xff, 0xfe, 0xfd, 0xfc})
	if got := s.Snapshot(); !bytes.Equal(got, []byte{0xfe, 0xfd, 0xfc}) {
		t.Fatalf("binary snapshot = % x", got)
	}
}

func TestReplayChunks(t *testing.T) {
	if got := replayChunks(nil); got != nil {
		t.Fatalf("replayChunks(nil) = %v", got)
	}

	tests := []struct {
		size      int
		maxChunks int
	}{
		{10, 1},
		{replayChunkSize, 1},
		{replayChunkSize + 1, 2},
		{DefaultScrollbackSize, DefaultScrollbackSize / replayChunkSize},
		{16 * DefaultScrollbackSize, maxReplayChunks},
	}
	for _, tt := range tests {
		history := bytes.Repeat([]byte{0xab}, tt.size)
		chunks := replayChunks(history)
		if len(chunks) > tt.maxChunks {
			t.Errorf("size %d: %d chunks, want at most %d", tt.size, len(chunks), tt.maxChunks)
		}
		if joined := bytes.Join(chunks, nil); !bytes.Equal(joined, history) {
			t.Errorf("size %d: chunks do not reassemble the history", tt.size)
		}
	}
}
