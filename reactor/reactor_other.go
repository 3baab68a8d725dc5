//go:build !linux

package reactor

import "errors"

// New reports this platform as unsupported: the daemon's readiness-watch
// structure is epoll-only, matching its Linux TPM resource-manager
// target.
func New() (Watcher, error) {
	return nil, errors.New("reactor: this platform is not supported")
}
