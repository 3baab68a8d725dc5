package transport

import (
	"fmt"

	tcptpm "github.com/google/go-tpm/tpm2/transport/tcp"
)

// Simulator drives the TCG reference simulator protocol (the wire
// format swtpm and the Microsoft reference simulator both implement)
// over its command and platform TCP ports. The wire framing and
// power-on sequencing are the real ones from google/go-tpm's tcp
// transport rather than a hand-rolled reimplementation.
type Simulator struct {
	tpm     *tcptpm.TPM
	pending []byte
}

// NewSimulator dials the simulator's command and platform ports and
// powers it on, ready to receive TPM2 commands.
func NewSimulator(cmdAddr, platAddr string) (*Simulator, error) {
	tpm, err := tcptpm.Open(tcptpm.Config{
		CommandAddress:  cmdAddr,
		PlatformAddress: platAddr,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial simulator: %v", ErrUnusable, err)
	}
	if err := tpm.PowerOn(); err != nil {
		tpm.Close()
		return nil, fmt.Errorf("%w: power on simulator: %v", ErrUnusable, err)
	}
	return &Simulator{tpm: tpm}, nil
}

func init() {
	Register("sim", func(opts Options) (Transport, error) {
		cmdAddr := opts["addr"]
		if cmdAddr == "" {
			cmdAddr = "127.0.0.1:2321"
		}
		platAddr := opts["platform_addr"]
		if platAddr == "" {
			platAddr = "127.0.0.1:2322"
		}
		return NewSimulator(cmdAddr, platAddr)
	})
}

// SetLocality is a documented no-op: the simulator's TCP command
// framing (tcp.TPM.Send) always addresses locality 0, so there is
// nothing for the daemon's locality control to apply against this
// driver.
func (s *Simulator) SetLocality(locality uint8) error {
	return nil
}

// Send stashes command. tcp.TPM.Send performs the write and the read
// of its response as one call, so the actual round trip happens in
// Receive, matching this interface's split Send/Receive shape.
func (s *Simulator) Send(command []byte) error {
	s.pending = command
	return nil
}

// Receive completes the round trip begun by the last Send.
func (s *Simulator) Receive() ([]byte, error) {
	if s.pending == nil {
		return nil, fmt.Errorf("%w: Receive called with no pending command", ErrUnusable)
	}
	cmd := s.pending
	s.pending = nil
	resp, err := s.tpm.Send(cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnusable, err)
	}
	return resp, nil
}

// Cancel has no wire-protocol equivalent in the simulator's command
// channel; tcp.TPM only exposes platform-level cancel-capability
// toggles, not a way to abort a command already sent, so Cancel is a
// documented no-op rather than an error.
func (s *Simulator) Cancel() error { return nil }

func (s *Simulator) Close() error { return s.tpm.Close() }
