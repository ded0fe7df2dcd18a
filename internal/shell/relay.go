package shell

import (
	"errors"
	"io"
	"log"
	"os"
	"syscall"
)

const readBufferSize = 32 * 1024

// relayOutput copies r to sink.Output in safe chunks until r fails, then
// flushes the held-back tail. The caller reports exit afterwards.
func relayOutput(name string, r io.Reader, sink Sink) {
	var c chunker
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if out := c.feed(buf[:n]); len(out) > 0 {
				sink.Output(out)
			}
		}
		if err != nil {
			if !isEndOfStream(err) {
				log.Printf("[shell] %s: read: %v", name, err)
			}
			break
		}
	}
	if tail := c.flush(); len(tail) > 0 {
		sink.Output(tail)
	}
}

// isEndOfStream reports errors that mean the process side went away. A PTY
// master returns EIO once the slave side is closed.
func isEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EIO)
}
