// Package control implements the daemon's control plane:
// CreateConnection, Cancel and SetLocality, plus the supporting
// configuration store, metrics registry, debug probes and the one-shot
// initialization barrier that gates them until the pipeline is fully
// constructed.
package control
