//go:build !linux

package platform

import "os/exec"

// Pin is a no-op on platforms without /proc/self/fd; the executable runs
// from e.Path and the post-exit identity check remains the guard.
func (e *Executable) Pin(cmd *exec.Cmd) bool {
	return false
}
