//go:build !unix

package platform

import (
	"errors"
	"os"
	"os/exec"
	"time"
)

// Without inode numbers the identity always includes a content digest.
const hasInodes = false

func openExecutable(path string) (*os.File, error) {
	return os.Open(path)
}

func statIdentity(f *os.File) (Identity, error) {
	info, err := f.Stat()
	if err != nil {
		return Identity{}, err
	}
	if !info.Mode().IsRegular() {
		return Identity{}, &os.PathError{Op: "stat", Path: f.Name(), Err: errors.New("not a regular file")}
	}
	return Identity{Size: info.Size()}, nil
}

// SetupProcessGroup kills the direct child on cancellation; process groups
// are not available here.
func SetupProcessGroup(cmd *exec.Cmd) {
	cmd.WaitDelay = 3 * time.Second
}
