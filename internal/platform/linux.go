//go:build linux

package platform

import (
	"os"
	"os/exec"
	"sync"
)

// pinnedFD is the descriptor number the pinned executable gets in the child:
// ExtraFiles[0] always lands on fd 3.
const pinnedFD = "3"

var procFDAvailable = sync.OnceValue(func() bool {
	info, err := os.Stat("/proc/self/fd")
	return err == nil && info.IsDir()
})

// Pin makes cmd execute the already opened and fingerprinted descriptor
// rather than re-resolving e.Path, so a file swapped in after the check is
// never the one that runs. cmd.Args[0] keeps the caller's program name, but
// an interpreted script sees /proc/self/fd/3 as its own path (sh's $0).
// It reports whether pinning was applied.
func (e *Executable) Pin(cmd *exec.Cmd) bool {
	if e.file == nil || !procFDAvailable() {
		return false
	}
	cmd.ExtraFiles = append([]*os.File{e.file}, cmd.ExtraFiles...)
	cmd.Path = "/proc/self/fd/" + pinnedFD
	return true
}
