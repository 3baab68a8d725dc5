// control/config.go
//
// Thread-safe configuration store with dynamic update and reload
// listeners: the daemon's transport driver name/options, max frame size
// and queue depth live here, seeded from the flags. cmd/tabrmd reads
// them once at startup to build the transport, queues and
// CommandSource; a later SetConfig updates the store and notifies
// listeners but does not rebuild any of those.

package control

import (
	"fmt"
	"sync"

	"github.com/tabrmd/tabrmd/transport"
)

// Config is the daemon's reloadable tunables. MaxFrameSize and
// QueueDepth must be non-negative, checked by SetConfig before anything
// is applied; a session's own locality (set per-connection over the RPC
// surface) is out of scope here, since it never survives a reload.
type Config struct {
	TransportDriver string
	TransportOpts   transport.Options
	MaxFrameSize    int
	QueueDepth      int
	// Extra carries forward-compatible knobs that don't yet have a typed
	// field (e.g. a future driver's tuning parameters); it is merged like
	// TransportOpts but never validated.
	Extra map[string]any
}

func (c Config) clone() Config {
	out := c
	if c.TransportOpts != nil {
		out.TransportOpts = make(transport.Options, len(c.TransportOpts))
		for k, v := range c.TransportOpts {
			out.TransportOpts[k] = v
		}
	}
	if c.Extra != nil {
		out.Extra = make(map[string]any, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// ConfigStore holds the current Config with atomic snapshot and
// listener support.
type ConfigStore struct {
	mu        sync.RWMutex
	config    Config
	listeners []func()
}

// NewConfigStore initializes a new config store with the given
// defaults, normally the values parsed from the daemon's flags at
// startup.
func NewConfigStore(defaults Config) *ConfigStore {
	return &ConfigStore{
		config:    defaults.clone(),
		listeners: make([]func(), 0),
	}
}

// GetSnapshot returns a copy of the current configuration.
func (cs *ConfigStore) GetSnapshot() Config {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.config.clone()
}

// SetConfig validates and merges delta into the store, then dispatches
// a reload to every registered listener. Zero-value fields in delta
// (TransportDriver == "", MaxFrameSize == 0, QueueDepth == 0) are left
// untouched; TransportOpts and Extra are merged key by key. It returns
// an error, without applying anything, if MaxFrameSize or QueueDepth is
// negative — a reload can never leave the daemon with a nonsensical
// buffer or queue size.
func (cs *ConfigStore) SetConfig(delta Config) error {
	if delta.MaxFrameSize < 0 {
		return fmt.Errorf("control: max frame size must be >= 0, got %d", delta.MaxFrameSize)
	}
	if delta.QueueDepth < 0 {
		return fmt.Errorf("control: queue depth must be >= 0, got %d", delta.QueueDepth)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if delta.TransportDriver != "" {
		cs.config.TransportDriver = delta.TransportDriver
	}
	if delta.MaxFrameSize != 0 {
		cs.config.MaxFrameSize = delta.MaxFrameSize
	}
	if delta.QueueDepth != 0 {
		cs.config.QueueDepth = delta.QueueDepth
	}
	for k, v := range delta.TransportOpts {
		if cs.config.TransportOpts == nil {
			cs.config.TransportOpts = transport.Options{}
		}
		cs.config.TransportOpts[k] = v
	}
	for k, v := range delta.Extra {
		if cs.config.Extra == nil {
			cs.config.Extra = map[string]any{}
		}
		cs.config.Extra[k] = v
	}
	cs.dispatchReload()
	return nil
}

// OnReload registers a listener hook called on config changes.
func (cs *ConfigStore) OnReload(fn func()) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}

// dispatchReload invokes all listeners.
func (cs *ConfigStore) dispatchReload() {
	for _, fn := range cs.listeners {
		go fn()
	}
}
