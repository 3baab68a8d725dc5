package control

import (
	"fmt"
	"math/rand/v2"
	"os"
)

// IDGenerator draws unpredictable 64-bit session ids. It wraps a
// ChaCha8 generator seeded from an entropy device rather than stdlib
// math/rand's global source, so session ids do not leak process-start
// timing the way a time-seeded PRNG would.
type IDGenerator struct {
	rnd *rand.ChaCha8
}

// NewIDGenerator seeds a ChaCha8 generator by reading 32 bytes from
// entropyPath (typically "/dev/urandom").
func NewIDGenerator(entropyPath string) (*IDGenerator, error) {
	f, err := os.Open(entropyPath)
	if err != nil {
		return nil, fmt.Errorf("control: open entropy source %s: %w", entropyPath, err)
	}
	defer f.Close()
	var seed [32]byte
	if _, err := f.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("control: read entropy source %s: %w", entropyPath, err)
	}
	return &IDGenerator{rnd: rand.NewChaCha8(seed)}, nil
}

// Next draws the next session id. It is never zero, reserving 0 as a
// never-valid sentinel for callers that want one.
func (g *IDGenerator) Next() uint64 {
	for {
		if id := g.rnd.Uint64(); id != 0 {
			return id
		}
	}
}
