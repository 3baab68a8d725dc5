// Package rpc is the Unix-domain-socket adapter exposing
// control.ControlPlane's three operations to clients. CreateConnection
// must hand two file descriptors back to the caller, which stdlib
// net/rpc's gob-encoded call/reply cannot carry, so the wire format here
// is a small newline-framed text protocol with SCM_RIGHTS ancillary data
// for the one call that needs it, rather than net/rpc itself.
package rpc

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/tabrmd/tabrmd/control"
	"golang.org/x/sys/unix"
)

// Server listens on a Unix-domain socket and services CreateConnection,
// Cancel and SetLocality requests against a control.ControlPlane.
type Server struct {
	ln    *net.UnixListener
	plane *control.ControlPlane
	done  chan struct{}
}

// NewServer binds socketPath, removing any stale socket file left behind
// by a previous run.
func NewServer(socketPath string, plane *control.ControlPlane) (*Server, error) {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("rpc: remove stale socket %s: %w", socketPath, err)
	}
	addr, err := net.ResolveUnixAddr("unix", socketPath)
	if err != nil {
		return nil, err
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("rpc: listen %s: %w", socketPath, err)
	}
	return &Server{ln: ln, plane: plane, done: make(chan struct{})}, nil
}

// Run accepts connections until the listener is closed by Shutdown.
func (s *Server) Run() {
	defer close(s.done)
	for {
		conn, err := s.ln.AcceptUnix()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

// Shutdown closes the listener, unblocking Run.
func (s *Server) Shutdown() error {
	err := s.ln.Close()
	<-s.done
	return err
}

func (s *Server) handle(conn *net.UnixConn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "CREATE":
			s.handleCreate(conn)
		case "CANCEL":
			s.handleCancel(conn, fields)
		case "SETLOC":
			s.handleSetLocality(conn, fields)
		default:
			fmt.Fprintf(conn, "ERR unknown command %q\n", fields[0])
		}
	}
}

func (s *Server) handleCreate(conn *net.UnixConn) {
	cmdClient, respClient, id, err := s.plane.CreateConnection()
	if err != nil {
		fmt.Fprintf(conn, "ERR %v\n", err)
		return
	}
	defer cmdClient.Close()
	defer respClient.Close()

	rights := unix.UnixRights(int(cmdClient.RawFD()), int(respClient.RawFD()))
	reply := []byte(fmt.Sprintf("OK %d\n", id))
	raw, err := conn.SyscallConn()
	if err != nil {
		fmt.Fprintf(conn, "ERR %v\n", err)
		return
	}
	var sendErr error
	if err := raw.Control(func(fd uintptr) {
		sendErr = unix.Sendmsg(int(fd), reply, rights, nil, 0)
	}); err != nil {
		log.Printf("rpc: sendmsg control: %v", err)
		return
	}
	if sendErr != nil {
		log.Printf("rpc: sendmsg: %v", sendErr)
	}
}

func (s *Server) handleCancel(conn *net.UnixConn, fields []string) {
	if len(fields) != 2 {
		fmt.Fprintf(conn, "ERR CANCEL requires one argument\n")
		return
	}
	id, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		fmt.Fprintf(conn, "ERR %v\n", err)
		return
	}
	if err := s.plane.Cancel(id); err != nil {
		fmt.Fprintf(conn, "ERR %v\n", err)
		return
	}
	fmt.Fprintf(conn, "OK\n")
}

func (s *Server) handleSetLocality(conn *net.UnixConn, fields []string) {
	if len(fields) != 3 {
		fmt.Fprintf(conn, "ERR SETLOC requires two arguments\n")
		return
	}
	id, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		fmt.Fprintf(conn, "ERR %v\n", err)
		return
	}
	locality, err := strconv.ParseUint(fields[2], 10, 8)
	if err != nil {
		fmt.Fprintf(conn, "ERR %v\n", err)
		return
	}
	if err := s.plane.SetLocality(id, uint8(locality)); err != nil {
		fmt.Fprintf(conn, "ERR %v\n", err)
		return
	}
	fmt.Fprintf(conn, "OK\n")
}
