package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/gluk-w/shellmux/internal/client"
	"github.com/gluk-w/shellmux/internal/tunnel"
)

// runAttach connects the local terminal to a shell on a running server and
// returns the process exit code.
func runAttach(args []string) int {
	fs := pflag.NewFlagSet("attach", pflag.ContinueOnError)
	server := fs.StringP("server", "s", envOr("SHELLMUX_SERVER", "http://localhost:8000"), "server base URL")
	shellID := fs.Int64P("shell", "i", 0, "shell ID to attach to")
	token := fs.StringP("token", "t", os.Getenv("SHELLMUX_AUTH_TOKEN"), "auth token")
	useTunnel := fs.Bool("tunnel", false, "multiplex over a single tunnel WebSocket")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *shellID <= 0 {
		fmt.Fprintln(os.Stderr, "attach: --shell is required")
		return 2
	}

	var dialer client.Dialer
	if *useTunnel {
		d := &tunnel.Dialer{BaseURL: *server, Token: *token}
		defer d.Close()
		dialer = d
	} else {
		dialer = &client.WebSocketDialer{BaseURL: *server, Token: *token}
	}

	fd := int(os.Stdin.Fd())
	cols, rows := 80, 24
	if term.IsTerminal(fd) {
		if w, h, err := term.GetSize(fd); err == nil {
			cols, rows = w, h
		}
		state, err := term.MakeRaw(fd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "attach: raw mode: %v\n", err)
			return 1
		}
		defer term.Restore(fd, state)
	}

	// done receives the exit code once the session is over.
	done := make(chan int, 1)
	finish := func(code int) {
		select {
		case done <- code:
		default:
		}
	}

	conn := client.New(client.Options{
		ShellID: *shellID,
		Cols:    uint16(cols),
		Rows:    uint16(rows),
		Dialer:  dialer,
		Handlers: client.Handlers{
			OnData: func(data []byte) { os.Stdout.Write(data) },
			OnExit: finish,
			OnStatus: func(s client.Status) {
				fmt.Fprintf(os.Stderr, "\r\n[shellmux] %s\r\n", s)
				switch s {
				case client.StatusError, client.StatusAlreadyOpen:
					finish(1)
				}
			},
		},
	})
	defer conn.Close()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			if w, h, err := term.GetSize(fd); err == nil {
				conn.SendResize(uint16(w), uint16(h))
			}
		}
	}()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				conn.SendInput(append([]byte(nil), buf[:n]...))
			}
			if err != nil {
				if err != io.EOF {
					fmt.Fprintf(os.Stderr, "\r\n[shellmux] stdin: %v\r\n", err)
				}
				finish(0)
				return
			}
		}
	}()

	return <-done
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
