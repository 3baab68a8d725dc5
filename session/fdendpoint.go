//go:build !windows

package session

import (
	"io"

	"golang.org/x/sys/unix"
)

// fdEndpoint is the production Endpoint: one file descriptor from a
// unix.Socketpair, read and written directly through golang.org/x/sys/unix
// rather than *os.File, so the command-endpoint side can be put in
// non-blocking mode for the reactor without fighting Go's runtime
// netpoller integration for plain files.
type fdEndpoint struct {
	fd int
}

// ErrWouldBlock is returned by a non-blocking fdEndpoint's Read when no
// data is currently available; CommandSource treats it as "wait for the
// next readiness notification", not a session-fatal error.
var ErrWouldBlock = unix.EAGAIN

func newFDEndpoint(fd int) *fdEndpoint { return &fdEndpoint{fd: fd} }

func (e *fdEndpoint) RawFD() uintptr { return uintptr(e.fd) }

func (e *fdEndpoint) Read(p []byte) (int, error) {
	n, err := unix.Read(e.fd, p)
	switch {
	case err == unix.EAGAIN:
		return 0, ErrWouldBlock
	case err != nil:
		return 0, err
	case n == 0:
		return 0, io.EOF
	}
	return n, nil
}

func (e *fdEndpoint) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := unix.Write(e.fd, p[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (e *fdEndpoint) Close() error {
	return unix.Close(e.fd)
}

// NewEndpointPair allocates a unix socketpair and returns the server-held
// end (non-blocking, for the reactor-driven side) and the client-held end
// (blocking, handed off to the client via CreateConnection's reply). The
// caller decides which of the two sessions' two socketpairs (command,
// response) this is; both are constructed identically.
func NewEndpointPair() (server Endpoint, client Endpoint, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, err
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, nil, err
	}
	return newFDEndpoint(fds[0]), newFDEndpoint(fds[1]), nil
}
