package session_test

import (
	"net"
)

// memEndpoint adapts a net.Conn (from net.Pipe) to session.Endpoint for
// tests that don't need a real file descriptor.
type memEndpoint struct {
	net.Conn
	fd uintptr
}

func (m *memEndpoint) RawFD() uintptr { return m.fd }

func newMemEndpoint(fd uintptr) (*memEndpoint, *memEndpoint) {
	a, b := net.Pipe()
	return &memEndpoint{Conn: a, fd: fd}, &memEndpoint{Conn: b, fd: fd + 1000}
}
