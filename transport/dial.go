package transport

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// maxSocketPath is the strictest sun_path capacity across the platforms
// Neovim runs on (104 bytes on darwin; linux allows 108). Paths must be
// strictly shorter to leave room for the terminating NUL.
const maxSocketPath = 104

// Dial connects to a peer listening on a unix domain socket, typically the
// address Neovim advertises in v:servername. The single socket descriptor
// serves both directions.
func Dial(addr string, sink Sink, opts ...Option) (*Conn, error) {
	if len(addr) >= maxSocketPath {
		return nil, fmt.Errorf("transport: socket path too long (%d bytes): %w", len(addr), unix.EINVAL)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: socket: %w", err)
	}
	unix.CloseOnExec(fd)

	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: addr}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: connect %s: %w", addr, err)
	}

	// Nonblocking hands the descriptor to the runtime poller, so closing it
	// during shutdown cancels a blocked read instead of stranding the reader.
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: set nonblocking: %w", err)
	}

	f := os.NewFile(uintptr(fd), addr)
	return newConn(f, f, sink, nil, opts), nil
}
