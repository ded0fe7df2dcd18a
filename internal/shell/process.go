// Package shell owns the processes behind multiplexed shells.
//
// The multiplexer needs exactly four things from a process: deliver input,
// hear about output, hear about exit, and resize. Spawner and Process are
// that contract; LocalSpawner runs shells on a local PTY and SSHSpawner
// runs them in PTY sessions on a remote host.
package shell

// SpawnOptions describe a shell to start.
type SpawnOptions struct {
	// Shell is the program to run. Empty means DefaultShell.
	Shell string
	Cols  uint16
	Rows  uint16
	// Env is appended to the inherited environment (local shells only).
	Env []string
	// Dir is the working directory (local shells only).
	Dir string
}

// Sink receives process events. Output is called from a single goroutine in
// production order and may block to apply back-pressure; Exit is called
// once, after the last Output.
type Sink struct {
	Output func(data []byte)
	Exit   func(code int)
}

// Process is a running shell.
type Process interface {
	Write(p []byte) (int, error)
	Resize(cols, rows uint16) error
	// Close terminates the process. Exit still fires.
	Close() error
}

// Spawner starts shell processes.
type Spawner interface {
	Spawn(opts SpawnOptions, sink Sink) (Process, error)
}
