// control/debug.go
//
// Runtime debug handler and probe reflector for internal inspection
// (session count, queue depths, transport driver in use).

package control

import (
	"sync"

	"github.com/tabrmd/tabrmd/pipeline"
	"github.com/tabrmd/tabrmd/session"
)

// DebugProbes holds registered probe functions.
type DebugProbes struct {
	mu     sync.RWMutex
	probes map[string]func() any
}

// NewDebugProbes creates a probe registry.
func NewDebugProbes() *DebugProbes {
	return &DebugProbes{
		probes: make(map[string]func() any),
	}
}

// RegisterProbe inserts a named debug hook.
func (dp *DebugProbes) RegisterProbe(name string, fn func() any) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.probes[name] = fn
}

// DumpState returns output of all probes.
func (dp *DebugProbes) DumpState() map[string]any {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	out := make(map[string]any)
	for k, fn := range dp.probes {
		out[k] = fn()
	}
	return out
}

// RegisterPipelineProbes wires the standard set of probes every tabrmd
// instance exposes regardless of platform: live session count, the
// depth of each inter-stage queue, and the transport driver in use. A
// SIGHUP dump answers "is the broker backed up" (queue depth climbing)
// without attaching a debugger.
func (dp *DebugProbes) RegisterPipelineProbes(registry *session.Registry, cmdQueue, respQueue *pipeline.Queue[pipeline.TaggedBuffer], driver func() string) {
	dp.RegisterProbe("sessions_active", func() any { return registry.Len() })
	dp.RegisterProbe("queue_depth.commands", func() any { return cmdQueue.Len() })
	dp.RegisterProbe("queue_depth.responses", func() any { return respQueue.Len() })
	dp.RegisterProbe("transport_driver", func() any { return driver() })
}
