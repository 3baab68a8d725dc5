//go:build linux
// +build linux

// control/platform_linux.go
//
// Linux-specific platform metrics or debug probe integrations.

package control

import (
	"path/filepath"
	"runtime"
)

// RegisterPlatformProbes sets Linux-specific debug metrics: CPU count
// plus the TPM character device nodes actually present on this host,
// so a SIGHUP dump of debug state answers "is there even a TPM here"
// without reaching for lsof or /sys by hand.
func RegisterPlatformProbes(dp *DebugProbes) {
	dp.RegisterProbe("platform.cpus", func() any {
		return runtime.NumCPU()
	})
	dp.RegisterProbe("platform.tpm_devices", func() any {
		nodes, _ := filepath.Glob("/dev/tpm*")
		if nodes == nil {
			return []string{}
		}
		return nodes
	})
}
