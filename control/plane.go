package control

import (
	"errors"
	"fmt"

	"github.com/tabrmd/tabrmd/session"
)

// canceler is the narrow surface ControlPlane needs from pipeline.Broker.
type canceler interface {
	Cancel(sessionID uint64) error
}

// sessionAdder is the narrow surface ControlPlane needs from
// pipeline.CommandSource.
type sessionAdder interface {
	AddSession(sess *session.Session) error
}

// ControlPlane implements the three operations exposed to clients:
// CreateConnection, Cancel and SetLocality.
type ControlPlane struct {
	barrier  *InitBarrier
	registry *session.Registry
	source   sessionAdder
	broker   canceler
	ids      *IDGenerator
	metrics  *MetricsRegistry
	maxConns int
}

// NewControlPlane constructs a ControlPlane around the parts of the
// pipeline that never block on the TPM transport (the Registry and
// CommandSource can be built immediately). broker is supplied later, by
// Bind, once the transport has been opened: this lets cmd/tabrmd bind
// and start accepting RPC connections before the (potentially slow)
// transport handshake completes, exactly as CreateConnection/Cancel/
// SetLocality already block new callers on barrier until Bind and
// Open have both happened. maxConns bounds concurrent sessions; zero
// means unbounded.
func NewControlPlane(barrier *InitBarrier, reg *session.Registry, source sessionAdder, ids *IDGenerator, metrics *MetricsRegistry, maxConns int) *ControlPlane {
	return &ControlPlane{
		barrier:  barrier,
		registry: reg,
		source:   source,
		ids:      ids,
		metrics:  metrics,
		maxConns: maxConns,
	}
}

// Bind supplies the broker once it exists. It must be called exactly
// once, strictly before barrier.Open: every read of cp.broker happens
// only after a caller's barrier.Wait returns, and barrier.Wait cannot
// return until Open closes the gate, so the happens-before edge that
// closing the barrier channel establishes is what makes this single
// unsynchronized write safe to read elsewhere — the same role a mutex
// held across initialization plays in the original C daemon.
func (cp *ControlPlane) Bind(broker canceler) {
	cp.broker = broker
}

// ErrTooManySessions is returned by CreateConnection once maxConns
// concurrent sessions are already registered.
var ErrTooManySessions = errors.New("control: too many concurrent sessions")

// CreateConnection allocates a new Session: two socket pairs (command,
// response), a fresh unpredictable id, and registration with the
// Registry and CommandSource. It returns the client-held end of each
// pair and the session id; the caller (the rpc package) is responsible
// for passing the two file descriptors back to the client process.
func (cp *ControlPlane) CreateConnection() (cmdClient, respClient session.Endpoint, id uint64, err error) {
	cp.barrier.Wait()

	if cp.maxConns > 0 && cp.registry.Len() >= cp.maxConns {
		return nil, nil, 0, ErrTooManySessions
	}

	cmdServer, cmdClient, err := session.NewEndpointPair()
	if err != nil {
		return nil, nil, 0, fmt.Errorf("control: allocate command endpoints: %w", err)
	}
	respServer, respClient, err := session.NewEndpointPair()
	if err != nil {
		cmdServer.Close()
		cmdClient.Close()
		return nil, nil, 0, fmt.Errorf("control: allocate response endpoints: %w", err)
	}

	var sess *session.Session
	for {
		id = cp.ids.Next()
		sess = session.New(id, cmdServer, respServer)
		if err := cp.registry.Insert(sess); err == nil {
			break
		}
		// id collision against a live session; vanishingly unlikely with
		// a 64-bit unpredictable draw, but retry rather than fail.
	}

	if err := cp.source.AddSession(sess); err != nil {
		cp.registry.Remove(id)
		sess.Close()
		cmdClient.Close()
		respClient.Close()
		return nil, nil, 0, fmt.Errorf("control: register session with reactor: %w", err)
	}

	if cp.metrics != nil {
		cp.metrics.Incr("sessions_created_total")
		cp.metrics.Add("sessions_active", 1)
	}
	return cmdClient, respClient, id, nil
}

// Cancel requests cancellation of whatever command is queued or
// executing for sessionID.
func (cp *ControlPlane) Cancel(sessionID uint64) error {
	cp.barrier.Wait()
	if _, err := cp.registry.LookupByID(sessionID); err != nil {
		return err
	}
	return cp.broker.Cancel(sessionID)
}

// SetLocality updates the locality applied to sessionID's next dispatched
// command. It never affects a command already in flight.
func (cp *ControlPlane) SetLocality(sessionID uint64, locality uint8) error {
	cp.barrier.Wait()
	sess, err := cp.registry.LookupByID(sessionID)
	if err != nil {
		return err
	}
	sess.SetLocality(locality)
	return nil
}
