package pipeline

import (
	"encoding/binary"
	"errors"
	"log"
	"sync"

	"github.com/tabrmd/tabrmd/api"
	"github.com/tabrmd/tabrmd/reactor"
	"github.com/tabrmd/tabrmd/session"
	"golang.org/x/sys/unix"
)

var (
	_ api.Source[TaggedBuffer] = (*CommandSource)(nil)
	_ api.GracefulShutdown     = (*CommandSource)(nil)
)

// frameAssembler accumulates one TPM command frame across however many
// non-blocking reads it takes, so CommandSource can resume a partial read
// on the next readiness notification instead of restarting it.
type frameAssembler struct {
	buf    []byte
	filled int
	want   int // -1 until the header's length field is known
}

func newFrameAssembler() *frameAssembler {
	return &frameAssembler{buf: make([]byte, headerSize), want: -1}
}

// feed reads as much of the frame as is currently available from read,
// which must behave like fdEndpoint.Read: (0, ErrWouldBlock) when no data
// is ready, (0, io.EOF) on orderly close. It returns a complete frame
// once assembled, or a nil frame with a nil error if more data is needed
// and the caller should wait for the next readiness notification.
func (a *frameAssembler) feed(read func([]byte) (int, error), maxSize int) ([]byte, error) {
	for {
		if a.want == -1 {
			n, err := read(a.buf[a.filled:headerSize])
			if n > 0 {
				a.filled += n
			}
			if err != nil {
				return nil, err
			}
			if a.filled < headerSize {
				return nil, nil
			}
			length := binary.BigEndian.Uint32(a.buf[lengthOffset : lengthOffset+4])
			switch {
			case length < minFrameSize:
				return nil, ErrUndersizedFrame
			case int(length) > maxSize:
				return nil, ErrOversizedFrame
			}
			grown := make([]byte, length)
			copy(grown, a.buf[:headerSize])
			a.buf = grown
			a.want = int(length)
			if a.want == headerSize {
				frame := a.buf
				*a = *newFrameAssembler()
				return frame, nil
			}
			continue
		}

		n, err := read(a.buf[a.filled:a.want])
		if n > 0 {
			a.filled += n
		}
		if err != nil {
			return nil, err
		}
		if a.filled < a.want {
			return nil, nil
		}
		frame := a.buf
		*a = *newFrameAssembler()
		return frame, nil
	}
}

// CommandSource is the pipeline's first stage: it multiplexes every
// session's command endpoint plus a wakeup fd on one reactor.Watcher,
// reads complete TPM command frames, and emits tagged buffers to the
// Broker. Run's own goroutine is the Watcher's only caller — assem is
// read and written exclusively from there, so it needs no lock of its
// own; only the stopping flag crosses goroutines and is guarded by mu.
type CommandSource struct {
	watcher  reactor.Watcher
	registry *session.Registry
	output   *Queue[TaggedBuffer]
	maxFrame int

	wakeupR int
	wakeupW int

	assem map[uint64]*frameAssembler

	mu       sync.Mutex
	stopping bool
	done     chan struct{}
}

// NewCommandSource constructs a CommandSource reading session command
// endpoints through watcher and pushing assembled commands to output.
// maxFrame bounds the TPM command size CommandSource will assemble
// before declaring a session oversized.
func NewCommandSource(watcher reactor.Watcher, reg *session.Registry, output *Queue[TaggedBuffer], maxFrame int) (*CommandSource, error) {
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK); err != nil {
		return nil, err
	}
	cs := &CommandSource{
		watcher:  watcher,
		registry: reg,
		output:   output,
		maxFrame: maxFrame,
		wakeupR:  fds[0],
		wakeupW:  fds[1],
		assem:    make(map[uint64]*frameAssembler),
		done:     make(chan struct{}),
	}
	if err := watcher.Register(uintptr(cs.wakeupR), ^uintptr(0)); err != nil {
		unix.Close(cs.wakeupR)
		unix.Close(cs.wakeupW)
		return nil, err
	}
	return cs, nil
}

// wakeupTag is the userData value CommandSource registers its self-pipe
// with. Session ids come from control.IDGenerator.Next, a uniform 64-bit
// draw, so a session id equals this all-bits-set value only with
// probability 2^-64; nothing excludes that id explicitly.
const wakeupTag = ^uintptr(0)

// AddSession notifies CommandSource that a new session has been
// inserted into the registry, by writing a byte to the wakeup pipe.
// It deliberately does not touch the Watcher itself — sess.ID() is
// already visible through the Registry, and only Run's own goroutine is
// ever allowed to call Register, so the actual epoll registration
// happens on the next Wait wakeup, inside reconcile. Called by the
// control plane after Registry.Insert.
func (cs *CommandSource) AddSession(sess *session.Session) error {
	_, err := unix.Write(cs.wakeupW, []byte{0})
	return err
}

// RequestStop signals Run to finish after draining no further reads and
// closing output.
func (cs *CommandSource) RequestStop() {
	cs.mu.Lock()
	cs.stopping = true
	cs.mu.Unlock()
	unix.Write(cs.wakeupW, []byte{0})
}

// Run is CommandSource's thread body (api.Source[TaggedBuffer]).
func (cs *CommandSource) Run() {
	defer close(cs.done)
	events := make([]reactor.Event, 128)
	for {
		n, err := cs.watcher.Wait(events)
		if err != nil {
			log.Printf("pipeline: reactor wait error: %v", err)
			continue
		}
		stop := false
		for i := 0; i < n; i++ {
			ev := events[i]
			if ev.UserData == wakeupTag {
				cs.drainWakeup()
				cs.reconcile()
				cs.mu.Lock()
				stop = cs.stopping
				cs.mu.Unlock()
				continue
			}
			cs.handleReadable(uint64(ev.UserData))
		}
		if stop {
			break
		}
	}
	cs.watcher.Unregister(uintptr(cs.wakeupR))
	cs.watcher.Close()
	unix.Close(cs.wakeupR)
	unix.Close(cs.wakeupW)
	cs.output.Close()
}

func (cs *CommandSource) drainWakeup() {
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(cs.wakeupR, buf)
		if n <= 0 || err != nil {
			return
		}
	}
}

// reconcile resynchronizes the Watcher's registered fd set with the
// Registry after a wakeup: every session AddSession has queued since the
// last wakeup is now visible in a Registry snapshot, so this is the only
// place Register is ever called, keeping Run's goroutine the Watcher's
// sole caller.
func (cs *CommandSource) reconcile() {
	for _, h := range cs.registry.Snapshot() {
		if _, ok := cs.assem[h.ID]; ok {
			continue
		}
		if err := cs.watcher.Register(h.FD, uintptr(h.ID)); err != nil {
			sess, remErr := cs.registry.Remove(h.ID)
			if remErr != nil {
				continue
			}
			log.Printf("pipeline: session %d registration failed, closing: %v", h.ID, err)
			cs.output.Push(TaggedBuffer{SessionID: h.ID, Kind: Close, Session: sess})
			continue
		}
		cs.assem[h.ID] = newFrameAssembler()
	}
}

func (cs *CommandSource) handleReadable(id uint64) {
	sess, err := cs.registry.LookupByID(id)
	if err != nil {
		return
	}
	a, ok := cs.assem[id]
	if !ok {
		return
	}

	frame, err := a.feed(sess.CommandEndpoint.Read, cs.maxFrame)
	switch {
	case err == nil:
		if frame == nil {
			return
		}
		sess.SetPending(true)
		cs.output.Push(TaggedBuffer{SessionID: id, Bytes: frame, Kind: Command})
	case errors.Is(err, session.ErrWouldBlock):
		return
	default:
		cs.closeSession(sess, err)
	}
}

func (cs *CommandSource) closeSession(sess *session.Session, cause error) {
	id := sess.ID()
	cs.watcher.Unregister(sess.CommandEndpoint.RawFD())
	delete(cs.assem, id)
	if _, err := cs.registry.Remove(id); err != nil {
		return
	}
	log.Printf("pipeline: session %d command endpoint closed: %v", id, cause)
	cs.output.Push(TaggedBuffer{SessionID: id, Kind: Close, Session: sess})
}

// Shutdown blocks until Run has returned.
func (cs *CommandSource) Shutdown() {
	<-cs.done
}
