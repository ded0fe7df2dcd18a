package shell

import "unicode/utf8"

const (
	// escapeLookback is how far back from the end of a chunk an unfinished
	// escape sequence is searched for.
	escapeLookback = 64
	// maxCarry caps held-back bytes so a stream that never completes a
	// sequence still makes progress.
	maxCarry = 4096
)

// safeBoundary returns the length of the longest prefix of data that does not
// end inside a UTF-8 rune or an ANSI escape sequence.
func safeBoundary(data []byte) int {
	n := len(data)
	end := n

	for i := n - 1; i >= 0 && i >= n-utf8.UTFMax; i-- {
		if utf8.RuneStart(data[i]) {
			if !utf8.FullRune(data[i:]) {
				end = i
			}
			break
		}
	}

	if esc := openEscape(data[:end]); esc >= 0 {
		end = esc
	}
	return end
}

// openEscape returns the index of a trailing escape sequence that has not
// been terminated yet, or -1.
func openEscape(data []byte) int {
	for i := len(data) - 1; i >= 0 && i >= len(data)-escapeLookback; i-- {
		if data[i] != 0x1b {
			continue
		}
		if escapeComplete(data[i:]) {
			return -1
		}
		return i
	}
	return -1
}

// escapeComplete reports whether seq, which starts with ESC, holds a whole
// sequence.
func escapeComplete(seq []byte) bool {
	if len(seq) < 2 {
		return false
	}
	switch seq[1] {
	case '[':
		for _, b := range seq[2:] {
			if b >= 0x40 && b <= 0x7e {
				return true
			}
		}
		return false
	case ']':
		for i := 2; i < len(seq); i++ {
			if seq[i] == 0x07 || isST(seq, i) {
				return true
			}
		}
		return false
	case 'P', '^', '_':
		for i := 2; i < len(seq); i++ {
			if isST(seq, i) {
				return true
			}
		}
		return false
	}
	if seq[1] >= 0x20 && seq[1] <= 0x2f {
		return len(seq) >= 3 && seq[2] >= 0x30 && seq[2] <= 0x7e
	}
	return true
}

// isST reports whether a string terminator (ESC \) starts at seq[i].
func isST(seq []byte, i int) bool {
	return seq[i] == 0x1b && i+1 < len(seq) && seq[i+1] == '\\'
}

// chunker re-cuts a byte stream so emitted chunks never split a rune or an
// escape sequence.
type chunker struct {
	carry []byte
}

// feed returns the bytes that can be emitted now, holding back an unfinished
// tail. The returned slice is freshly allocated.
func (c *chunker) feed(p []byte) []byte {
	buf := make([]byte, 0, len(c.carry)+len(p))
	buf = append(buf, c.carry...)
	buf = append(buf, p...)

	cut := safeBoundary(buf)
	if len(buf)-cut > maxCarry {
		cut = len(buf)
	}
	c.carry = append(c.carry[:0], buf[cut:]...)
	return buf[:cut:cut]
}

// flush returns whatever is still held back.
func (c *chunker) flush() []byte {
	out := c.carry
	c.carry = nil
	return out
}
