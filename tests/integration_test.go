// Package tests wires the full daemon together over real Unix-domain
// sockets — CommandSource, Broker, ResponseSink, ControlPlane, the
// epoll reactor and the rpc.Server — rather than exercising each stage
// in isolation against a fake collaborator, the way every package's own
// _test.go files do.
package tests

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tabrmd/tabrmd/control"
	"github.com/tabrmd/tabrmd/pipeline"
	"github.com/tabrmd/tabrmd/reactor"
	"github.com/tabrmd/tabrmd/rpc"
	"github.com/tabrmd/tabrmd/session"
	"github.com/tabrmd/tabrmd/transport"
	"golang.org/x/sys/unix"
)

// daemon bundles one fully wired instance of every pipeline stage, the
// same shape cmd/tabrmd/main.go assembles, fronted by a real rpc.Server.
type daemon struct {
	socketPath string
	registry   *session.Registry
	tr         transport.Transport

	source *pipeline.CommandSource
	broker *pipeline.Broker
	sink   *pipeline.ResponseSink
	server *rpc.Server
}

func startDaemon(t *testing.T, tr transport.Transport, maxFrame int) *daemon {
	t.Helper()

	registry := session.NewRegistry()
	metrics := control.NewMetricsRegistry()
	barrier := control.NewInitBarrier()
	ids, err := control.NewIDGenerator("/dev/urandom")
	if err != nil {
		t.Skipf("no entropy source available: %v", err)
	}

	cmdQueue := pipeline.NewQueue[pipeline.TaggedBuffer](64)
	respQueue := pipeline.NewQueue[pipeline.TaggedBuffer](64)

	watcher, err := reactor.New()
	if err != nil {
		t.Skipf("reactor unavailable on this platform: %v", err)
	}
	source, err := pipeline.NewCommandSource(watcher, registry, cmdQueue, maxFrame)
	if err != nil {
		t.Fatalf("NewCommandSource: %v", err)
	}
	broker := pipeline.NewBroker(cmdQueue, respQueue, registry, tr, metrics, func(err error) {
		t.Logf("daemon: fatal transport error: %v", err)
	})
	sink := pipeline.NewResponseSink(respQueue, registry)

	go source.Run()
	go broker.Run()
	go sink.Run()

	plane := control.NewControlPlane(barrier, registry, source, ids, metrics, 0)
	plane.Bind(broker)

	socketPath := filepath.Join(t.TempDir(), "tabrmd.sock")
	server, err := rpc.NewServer(socketPath, plane)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	go server.Run()
	barrier.Open()

	d := &daemon{
		socketPath: socketPath,
		registry:   registry,
		tr:         tr,
		source:     source,
		broker:     broker,
		sink:       sink,
		server:     server,
	}
	t.Cleanup(d.shutdown)
	return d
}

func (d *daemon) shutdown() {
	d.server.Shutdown()
	d.source.RequestStop()
	d.source.Shutdown()
	d.broker.Shutdown()
	d.sink.Shutdown()
	for _, sess := range d.registry.Drain() {
		sess.Close()
	}
	d.tr.Close()
}

// rpcConn is a CREATE'd session's three handles: the control-socket line
// protocol's confirmed id, and the two passed-through file descriptors
// wrapped as ordinary *os.File streams.
type rpcConn struct {
	id   uint64
	cmd  *os.File
	resp *os.File
}

func dial(t *testing.T, socketPath string) *net.UnixConn {
	t.Helper()
	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return conn.(*net.UnixConn)
}

// create sends CREATE over the control socket and unpacks the two
// SCM_RIGHTS file descriptors from the reply.
func create(t *testing.T, socketPath string) rpcConn {
	t.Helper()
	conn := dial(t, socketPath)
	defer conn.Close()

	if _, err := conn.Write([]byte("CREATE\n")); err != nil {
		t.Fatalf("write CREATE: %v", err)
	}
	buf := make([]byte, 256)
	oob := make([]byte, 256)
	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		t.Fatalf("ReadMsgUnix: %v", err)
	}
	line := strings.TrimSpace(string(buf[:n]))
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != "OK" {
		t.Fatalf("CREATE reply = %q, want \"OK <id>\"", line)
	}
	id, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		t.Fatalf("parse session id: %v", err)
	}

	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil || len(scms) != 1 {
		t.Fatalf("ParseSocketControlMessage: %v (n=%d)", err, len(scms))
	}
	fds, err := unix.ParseUnixRights(&scms[0])
	if err != nil || len(fds) != 2 {
		t.Fatalf("ParseUnixRights: %v (fds=%v)", err, fds)
	}
	return rpcConn{
		id:   id,
		cmd:  os.NewFile(uintptr(fds[0]), fmt.Sprintf("session-%d-cmd", id)),
		resp: os.NewFile(uintptr(fds[1]), fmt.Sprintf("session-%d-resp", id)),
	}
}

func cancel(t *testing.T, socketPath string, id uint64) string {
	t.Helper()
	conn := dial(t, socketPath)
	defer conn.Close()
	fmt.Fprintf(conn, "CANCEL %d\n", id)
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read CANCEL reply: %v", err)
	}
	return strings.TrimSpace(reply)
}

func setLocality(t *testing.T, socketPath string, id uint64, locality uint8) string {
	t.Helper()
	conn := dial(t, socketPath)
	defer conn.Close()
	fmt.Fprintf(conn, "SETLOC %d %d\n", id, locality)
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read SETLOC reply: %v", err)
	}
	return strings.TrimSpace(reply)
}

// frame builds a minimal, validly-shaped TPM command/response buffer
// carrying payload as its body.
func frame(payload string) []byte {
	const headerSize = 10
	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], 0x8001)
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(buf)))
	copy(buf[headerSize:], payload)
	return buf
}

func readFrame(t *testing.T, f *os.File) []byte {
	t.Helper()
	got, err := pipeline.ReadFrame(f, pipeline.DefaultMaxFrameSize)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	return got
}

// TestEndToEndSingleSessionEcho drives scenario 1: a client creates a
// connection over the control socket, writes one command on its
// command endpoint, and reads the echoed response back on its response
// endpoint, with nothing else running.
func TestEndToEndSingleSessionEcho(t *testing.T) {
	d := startDaemon(t, transport.NewEcho(), pipeline.DefaultMaxFrameSize)

	c := create(t, d.socketPath)
	defer c.cmd.Close()
	defer c.resp.Close()

	cmd := frame("hello tpm")
	if _, err := c.cmd.Write(cmd); err != nil {
		t.Fatalf("write command: %v", err)
	}
	got := readFrame(t, c.resp)
	if string(got) != string(cmd) {
		t.Fatalf("response = %q, want echoed command %q", got, cmd)
	}
}

// TestEndToEndTwoSessionsInterleave drives scenario 2: session A's
// command is stalled on the transport and session B writes its own
// while A's is still outstanding. The Delay transport stalls every
// command and the Broker serializes transport access, so B's command
// waits behind A's; CommandSource still accepts and queues it, and each
// session receives exactly its own echoed frame on its own endpoint.
func TestEndToEndTwoSessionsInterleave(t *testing.T) {
	d := startDaemon(t, transport.NewDelay(transport.NewEcho(), 150*time.Millisecond), pipeline.DefaultMaxFrameSize)

	a := create(t, d.socketPath)
	defer a.cmd.Close()
	defer a.resp.Close()
	b := create(t, d.socketPath)
	defer b.cmd.Close()
	defer b.resp.Close()

	cmdA := frame("from-a")
	cmdB := frame("from-b")
	if _, err := a.cmd.Write(cmdA); err != nil {
		t.Fatalf("write A: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := b.cmd.Write(cmdB); err != nil {
		t.Fatalf("write B: %v", err)
	}

	gotA := readFrame(t, a.resp)
	if string(gotA) != string(cmdA) {
		t.Fatalf("A response = %q, want %q", gotA, cmdA)
	}
	gotB := readFrame(t, b.resp)
	if string(gotB) != string(cmdB) {
		t.Fatalf("B response = %q, want %q", gotB, cmdB)
	}
}

// TestEndToEndLocalityDedup drives scenario 3: setting a locality,
// dispatching, setting the same locality again and dispatching again
// results in exactly one SetLocality call reaching the transport.
func TestEndToEndLocalityDedup(t *testing.T) {
	echo := transport.NewEcho()
	d := startDaemon(t, echo, pipeline.DefaultMaxFrameSize)

	c := create(t, d.socketPath)
	defer c.cmd.Close()
	defer c.resp.Close()

	if reply := setLocality(t, d.socketPath, c.id, 2); reply != "OK" {
		t.Fatalf("SETLOC reply = %q, want OK", reply)
	}
	if _, err := c.cmd.Write(frame("first")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readFrame(t, c.resp)

	if reply := setLocality(t, d.socketPath, c.id, 2); reply != "OK" {
		t.Fatalf("second SETLOC reply = %q, want OK", reply)
	}
	if _, err := c.cmd.Write(frame("second")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readFrame(t, c.resp)

	if got := echo.Localities(); len(got) != 1 {
		t.Fatalf("transport observed %d SetLocality calls for an unchanged locality, want 1: %v", len(got), got)
	}
}

// TestEndToEndCancelWhileExecuting drives scenario 4: a command already
// handed to the (slow) transport is canceled through the control
// socket, and the client sees a synthesized response rather than
// blocking for the full delay.
func TestEndToEndCancelWhileExecuting(t *testing.T) {
	d := startDaemon(t, transport.NewDelay(transport.NewEcho(), 2*time.Second), pipeline.DefaultMaxFrameSize)

	c := create(t, d.socketPath)
	defer c.cmd.Close()
	defer c.resp.Close()

	if _, err := c.cmd.Write(frame("slow")); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(100 * time.Millisecond) // let the Broker pick it up and call Send

	start := time.Now()
	if reply := cancel(t, d.socketPath, c.id); reply != "OK" {
		t.Fatalf("CANCEL reply = %q, want OK", reply)
	}
	readFrame(t, c.resp)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("cancel response took %v, want well under the 2s transport delay", elapsed)
	}
}

// TestEndToEndIdleCancelViaRPC drives scenario 5: canceling a session
// with nothing queued or executing reports ErrNothingToCancel back
// through the control socket as an ERR line.
func TestEndToEndIdleCancelViaRPC(t *testing.T) {
	d := startDaemon(t, transport.NewEcho(), pipeline.DefaultMaxFrameSize)

	c := create(t, d.socketPath)
	defer c.cmd.Close()
	defer c.resp.Close()

	reply := cancel(t, d.socketPath, c.id)
	if !strings.HasPrefix(reply, "ERR") {
		t.Fatalf("CANCEL on an idle session = %q, want an ERR reply", reply)
	}
}

// TestEndToEndManySessionsFairness drives a scaled-down version of
// scenario 6: many concurrent sessions each send several commands, and
// every single one gets its own response back — no session is starved
// by another's traffic and no response is misdelivered to the wrong
// session.
func TestEndToEndManySessionsFairness(t *testing.T) {
	const sessions = 16
	const framesPerSession = 10

	d := startDaemon(t, transport.NewEcho(), pipeline.DefaultMaxFrameSize)

	conns := make([]rpcConn, sessions)
	for i := range conns {
		conns[i] = create(t, d.socketPath)
		defer conns[i].cmd.Close()
		defer conns[i].resp.Close()
	}

	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func(i int, c rpcConn) {
			defer wg.Done()
			for j := 0; j < framesPerSession; j++ {
				payload := fmt.Sprintf("s%d-f%d", i, j)
				cmd := frame(payload)
				if _, err := c.cmd.Write(cmd); err != nil {
					t.Errorf("session %d: write %d: %v", i, j, err)
					return
				}
				got, err := pipeline.ReadFrame(c.resp, pipeline.DefaultMaxFrameSize)
				if err != nil {
					t.Errorf("session %d: read %d: %v", i, j, err)
					return
				}
				if string(got) != string(cmd) {
					t.Errorf("session %d frame %d: got %q, want %q", i, j, got, cmd)
					return
				}
			}
		}(i, c)
	}
	wg.Wait()
}
