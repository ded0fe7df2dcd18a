package shell

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// killGrace is how long a hung-up shell has to exit before it is killed.
const killGrace = 3 * time.Second

// LocalSpawner runs shells on a local PTY.
type LocalSpawner struct{}

func (LocalSpawner) Spawn(opts SpawnOptions, sink Sink) (Process, error) {
	program, err := ResolveShell(opts.Shell)
	if err != nil {
		return nil, fmt.Errorf("validate shell: %w", err)
	}
	cols, rows := ClampSize(opts.Cols, opts.Rows)

	cmd := exec.Command(program)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, opts.Env...)
	cmd.Dir = opts.Dir

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("start pty for %s: %w", program, err)
	}

	p := &localProcess{cmd: cmd, ptmx: ptmx, done: make(chan struct{})}
	go func() {
		relayOutput(program, ptmx, sink)
		code := exitCode(cmd.Wait())
		close(p.done)
		ptmx.Close()
		log.Printf("[shell] %s (pid %d) exited with code %d", program, cmd.Process.Pid, code)
		sink.Exit(code)
	}()
	return p, nil
}

type localProcess struct {
	cmd  *exec.Cmd
	ptmx *os.File
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

func (p *localProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, os.ErrClosed
	}
	return p.ptmx.Write(b)
}

func (p *localProcess) Resize(cols, rows uint16) error {
	cols, rows = ClampSize(cols, rows)
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Close hangs up the shell. The relay goroutine observes the end of the
// stream and reports the exit.
func (p *localProcess) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if err := p.cmd.Process.Signal(syscall.SIGHUP); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return p.cmd.Process.Kill()
	}
	go func() {
		select {
		case <-p.done:
		case <-time.After(killGrace):
			p.cmd.Process.Kill()
		}
	}()
	return nil
}

// exitCode maps a Wait error to a shell-style exit status: the process exit
// code, or 128+signal when it was killed.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return ee.ExitCode()
	}
	return -1
}
