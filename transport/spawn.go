package transport

import (
	"os"
	"os/exec"
)

// Launcher is the process-launching collaborator consumed by spawn mode.
// stdin and stdout are the pipe ends wired to the child's standard streams;
// the launcher must not close them, the caller owns their lifetime.
type Launcher interface {
	Launch(path string, args, env []string, stdin, stdout *os.File) (Process, error)
}

// Process is a launched peer, reaped by the shutdown sequencer.
type Process interface {
	Wait() error
}

// execLauncher is the default Launcher, backed by os/exec.
type execLauncher struct{}

func (execLauncher) Launch(path string, args, env []string, stdin, stdout *os.File) (Process, error) {
	cmd := exec.Command(path, args...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	if env != nil {
		cmd.Env = env
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// Spawn launches the peer as a subprocess and connects to it over two
// anonymous pipes: the child reads requests on its stdin and writes
// responses and notifications to its stdout.
//
// On launch failure the pipes are released, nothing is activated, and the
// launcher's error is returned as-is.
func Spawn(path string, args, env []string, sink Sink, opts ...Option) (*Conn, error) {
	return spawn(path, args, env, sink, execLauncher{}, opts)
}

// SpawnWith is Spawn with an explicit Launcher, the seam tests use.
func SpawnWith(path string, args, env []string, sink Sink, launcher Launcher, opts ...Option) (*Conn, error) {
	return spawn(path, args, env, sink, launcher, opts)
}

func spawn(path string, args, env []string, sink Sink, launcher Launcher, opts []Option) (*Conn, error) {
	// readPipe carries child stdout → our read side,
	// writePipe carries our write side → child stdin.
	readR, readW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	writeR, writeW, err := os.Pipe()
	if err != nil {
		readR.Close()
		readW.Close()
		return nil, err
	}

	proc, err := launcher.Launch(path, args, env, writeR, readW)
	if err != nil {
		readR.Close()
		readW.Close()
		writeR.Close()
		writeW.Close()
		return nil, err
	}

	// The child inherited its ends; drop our copies or the reader would
	// never see EOF when the child exits.
	writeR.Close()
	readW.Close()

	return newConn(readR, writeW, sink, proc, opts), nil
}
