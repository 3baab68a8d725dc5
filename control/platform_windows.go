//go:build windows
// +build windows

// control/platform_windows.go
//
// Windows-specific metrics/debug introspection points. The transport
// and reactor packages are Linux-only (the TPM character device and
// epoll both are), and the session and pipeline packages this package
// imports use golang.org/x/sys/unix, so the control package as a whole
// does not build on Windows; the probe below reports the missing
// transport support in a debug dump.

package control

import (
	"runtime"
)

// RegisterPlatformProbes sets Windows-specific debug probes.
func RegisterPlatformProbes(dp *DebugProbes) {
	dp.RegisterProbe("platform.cpus", func() any {
		return runtime.NumCPU()
	})
	dp.RegisterProbe("platform.transport_supported", func() any {
		return false
	})
}
