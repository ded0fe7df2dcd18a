package shell

import (
	"bytes"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSafeBoundary(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want int
	}{
		{"empty", nil, 0},
		{"ascii", []byte("hello"), 5},
		{"incomplete utf8", []byte{'a', 0xe2, 0x82}, 1},
		{"complete utf8", []byte("a€"), 4},
		{"incomplete csi", []byte{'a', 0x1b, '[', '3'}, 1},
		{"complete csi", []byte("a\x1b[31mb"), 7},
		{"lone esc", []byte("ab\x1b"), 2},
		{"open osc", []byte("x\x1b]0;title"), 1},
		{"osc bel", []byte("x\x1b]0;title\x07"), 11},
		{"osc st", []byte("x\x1b]0;t\x1b\\"), 8},
		{"charset pending", []byte("x\x1b("), 1},
		{"charset done", []byte("x\x1b(B"), 4},
		{"two byte escape", []byte("x\x1b7"), 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := safeBoundary(tt.data); got != tt.want {
				t.Fatalf("safeBoundary(%q) = %d, want %d", tt.data, got, tt.want)
			}
		})
	}
}

func TestChunker_NeverSplitsRunes(t *testing.T) {
	text := []byte("héllo wörld ✓ \x1b[1;32mgreen\x1b[0m 日本語")
	for size := 1; size <= 7; size++ {
		var c chunker
		var out bytes.Buffer
		for i := 0; i < len(text); i += size {
			end := min(i+size, len(text))
			chunk := c.feed(text[i:end])
			if !utf8.Valid(chunk) {
				t.Fatalf("size %d: emitted invalid utf8 %q", size, chunk)
			}
			if bytes.Contains(chunk, []byte{0x1b}) && safeBoundary(chunk) != len(chunk) {
				t.Fatalf("size %d: emitted split escape %q", size, chunk)
			}
			out.Write(chunk)
		}
		out.Write(c.flush())
		if !bytes.Equal(out.Bytes(), text) {
			t.Fatalf("size %d: reassembled %q, want %q", size, out.Bytes(), text)
		}
	}
}

func TestChunker_CarryIsBounded(t *testing.T) {
	var c chunker
	// An OSC that never terminates is released once it outgrows the carry.
	c.feed([]byte("\x1b]"))
	emitted := 0
	for i := 0; i < 10; i++ {
		emitted += len(c.feed([]byte(strings.Repeat("a", 1000))))
	}
	if emitted == 0 {
		t.Fatal("unterminated sequence held back forever")
	}
	if len(c.carry) > maxCarry {
		t.Fatalf("carry = %d bytes, want <= %d", len(c.carry), maxCarry)
	}
}
