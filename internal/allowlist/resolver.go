package allowlist

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bpicori/cobra-gate/internal/platform"
	"github.com/bpicori/cobra-gate/pkg/gateerr"
)

// Resolver authorizes argument vectors against a command allow-list.
type Resolver struct {
	// Fallback is used when a call does not pass an explicit allow-list.
	Fallback []string
	// SearchPath is the PATH-style list used for non-absolute commands.
	SearchPath string
	// Mode selects the identity fingerprint.
	Mode platform.FingerprintMode
}

// Resolve finds args[0], checks it against explicit (or r.Fallback when
// explicit is nil) and returns the opened, fingerprinted executable. The
// allow-list is canonicalized on every call and never cached.
func (r *Resolver) Resolve(args []string, explicit []string) (*platform.Executable, error) {
	if len(args) == 0 || args[0] == "" {
		return nil, &gateerr.AuthorizationError{Reason: "empty command"}
	}

	source := explicit
	if source == nil {
		if len(r.Fallback) == 0 {
			return nil, gateerr.Configuration("no command allow-list configured")
		}
		source = r.Fallback
	}
	allowed, err := CanonicalizeCommands(source)
	if err != nil {
		return nil, err
	}

	name := args[0]
	path := name
	if !filepath.IsAbs(name) {
		path, err = LookPath(name, r.SearchPath)
		if err != nil {
			return nil, &gateerr.AuthorizationError{Subject: name, Reason: "command not found"}
		}
	}

	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &gateerr.AuthorizationError{Subject: name, Reason: "command not found"}
		}
		return nil, fmt.Errorf("resolve command %q: %w", name, err)
	}
	resolved = platform.NormalizePath(resolved)

	if !allowed.Contains(resolved) {
		return nil, &gateerr.AuthorizationError{Subject: resolved, Reason: "command not permitted"}
	}

	mode := r.Mode
	if mode == "" {
		mode = platform.FingerprintInode
	}
	return platform.Open(resolved, mode)
}
