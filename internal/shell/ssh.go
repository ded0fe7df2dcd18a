package shell

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig describes the remote host shells are started on.
type SSHConfig struct {
	Addr string
	User string
	// KeyPath is a PEM private key file.
	KeyPath string
	// KnownHostsPath enables host key verification. When empty any host key
	// is accepted.
	KnownHostsPath string
	Timeout        time.Duration
}

// SSHSpawner runs each shell in its own PTY session over one shared SSH
// connection, redialing when the connection is lost.
type SSHSpawner struct {
	addr   string
	config *ssh.ClientConfig

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHSpawner loads the key and host key policy from cfg. No connection
// is made until the first Spawn.
func NewSSHSpawner(cfg SSHConfig) (*SSHSpawner, error) {
	if cfg.Addr == "" {
		return nil, errors.New("ssh address is required")
	}
	keyPEM, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}
	hostKeys, err := hostKeyCallback(cfg.KnownHostsPath)
	if err != nil {
		return nil, err
	}
	return NewSSHSpawnerWithSigner(cfg, signer, hostKeys), nil
}

// NewSSHSpawnerWithSigner builds a spawner from an already loaded key.
func NewSSHSpawnerWithSigner(cfg SSHConfig, signer ssh.Signer, hostKeys ssh.HostKeyCallback) *SSHSpawner {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	user := cfg.User
	if user == "" {
		user = "root"
	}
	return &SSHSpawner{
		addr: cfg.Addr,
		config: &ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeys,
			Timeout:         timeout,
		},
	}
}

func hostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	if path == "" {
		log.Printf("[shell] WARNING: no known_hosts file configured, ssh host keys are not verified")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return cb, nil
}

func (s *SSHSpawner) dial() (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	client, err := ssh.Dial("tcp", s.addr, s.config)
	if err != nil {
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) > 0 {
			return nil, fmt.Errorf("ssh host key mismatch for %s: %w", s.addr, err)
		}
		return nil, fmt.Errorf("ssh dial %s: %w", s.addr, err)
	}
	s.client = client
	go func() {
		client.Wait()
		s.mu.Lock()
		if s.client == client {
			s.client = nil
		}
		s.mu.Unlock()
	}()
	return client, nil
}

// forget drops a client whose connection turned out to be broken.
func (s *SSHSpawner) forget(client *ssh.Client) {
	s.mu.Lock()
	if s.client == client {
		s.client = nil
	}
	s.mu.Unlock()
	client.Close()
}

func (s *SSHSpawner) newSession() (*ssh.Session, error) {
	client, err := s.dial()
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err == nil {
		return session, nil
	}
	// The cached connection may have died without Wait noticing yet.
	s.forget(client)
	if client, err = s.dial(); err != nil {
		return nil, err
	}
	session, err = client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}
	return session, nil
}

func (s *SSHSpawner) Spawn(opts SpawnOptions, sink Sink) (Process, error) {
	program, err := ResolveShell(opts.Shell)
	if err != nil {
		return nil, fmt.Errorf("validate shell: %w", err)
	}
	cols, rows := ClampSize(opts.Cols, opts.Rows)

	session, err := s.newSession()
	if err != nil {
		return nil, err
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", int(rows), int(cols), modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := session.Start(program); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell %q: %w", program, err)
	}

	p := &sshProcess{session: session, stdin: stdin}
	name := fmt.Sprintf("%s@%s", program, s.addr)
	go func() {
		relayOutput(name, stdout, sink)
		code := sshExitCode(session.Wait())
		session.Close()
		log.Printf("[shell] %s exited with code %d", name, code)
		sink.Exit(code)
	}()
	return p, nil
}

type sshProcess struct {
	session *ssh.Session

	mu    sync.Mutex
	stdin io.WriteCloser
}

func (p *sshProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdin.Write(b)
}

func (p *sshProcess) Resize(cols, rows uint16) error {
	cols, rows = ClampSize(cols, rows)
	return p.session.WindowChange(int(rows), int(cols))
}

func (p *sshProcess) Close() error {
	err := p.session.Close()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// sshExitCode maps the result of Session.Wait to an exit status.
func sshExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ssh.ExitError
	if errors.As(err, &ee) {
		if sig := ee.Signal(); sig != "" {
			log.Printf("[shell] remote shell killed by SIG%s", sig)
		}
		return ee.ExitStatus()
	}
	// ExitMissingError and transport failures carry no status.
	return -1
}
