// Package allowlist turns administrator-supplied command and host lists into
// canonical sets and authorizes individual requests against them.
package allowlist

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/bpicori/cobra-gate/internal/platform"
	"github.com/bpicori/cobra-gate/pkg/gateerr"
)

// Path validation errors. Use errors.Is to check for them.
var (
	ErrPathEmpty       = errors.New("path must not be empty")
	ErrPathControlChar = errors.New("path contains control character")
	ErrPathNotAbsolute = errors.New("path must be absolute")
)

// CanonicalPath validates raw and returns its symlink-free, platform-normalized
// form. Paths that do not exist (yet) are kept in cleaned form so that a
// later-installed binary still matches.
func CanonicalPath(raw string) (string, error) {
	if raw == "" {
		return "", ErrPathEmpty
	}

	// Reject control characters, like null bytes or backspace, tabs etc.
	for _, c := range raw {
		if c < 0x20 || c == 0x7f {
			return "", fmt.Errorf("%w (0x%02x)", ErrPathControlChar, c)
		}
	}

	if !filepath.IsAbs(raw) {
		return "", ErrPathNotAbsolute
	}

	cleaned := filepath.Clean(raw)
	resolved, err := filepath.EvalSymlinks(cleaned)
	if err != nil {
		resolved = cleaned
	}
	return platform.NormalizePath(resolved), nil
}

// Commands is an immutable set of canonical executable paths.
type Commands struct {
	set map[string]struct{}
}

// CanonicalizeCommands canonicalizes every entry of paths. Blank entries are
// skipped; any invalid entry, or an empty result, is a configuration error.
func CanonicalizeCommands(paths []string) (Commands, error) {
	set := make(map[string]struct{}, len(paths))
	var errs []error
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		c, err := CanonicalPath(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("allow-list entry %q: %w", p, err))
			continue
		}
		set[c] = struct{}{}
	}
	if err := errors.Join(errs...); err != nil {
		return Commands{}, gateerr.Configuration("invalid command allow-list: %v", err)
	}
	if len(set) == 0 {
		return Commands{}, gateerr.Configuration("command allow-list is empty")
	}
	return Commands{set: set}, nil
}

// Contains reports whether the canonical path p is allowed.
func (c Commands) Contains(p string) bool {
	_, ok := c.set[platform.NormalizePath(p)]
	return ok
}

// Len returns the number of entries.
func (c Commands) Len() int { return len(c.set) }

// Paths returns the entries in sorted order.
func (c Commands) Paths() []string {
	out := make([]string, 0, len(c.set))
	for p := range c.set {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// LookPath searches each directory of searchPath, in order, for the first
// regular executable file named name. Empty search path entries are ignored
// rather than treated as the working directory.
func LookPath(name, searchPath string) (string, error) {
	if strings.ContainsRune(name, '/') || strings.ContainsRune(name, os.PathSeparator) {
		abs, err := filepath.Abs(name)
		if err != nil {
			return "", err
		}
		if isExecutableFile(abs) {
			return abs, nil
		}
		return "", os.ErrNotExist
	}

	for _, dir := range filepath.SplitList(searchPath) {
		if dir == "" || !filepath.IsAbs(dir) {
			continue
		}
		for _, candidate := range candidates(filepath.Join(dir, name)) {
			if isExecutableFile(candidate) {
				return candidate, nil
			}
		}
	}
	return "", os.ErrNotExist
}

func candidates(base string) []string {
	if runtime.GOOS != "windows" || filepath.Ext(base) != "" {
		return []string{base}
	}
	exts := os.Getenv("PATHEXT")
	if exts == "" {
		exts = ".com;.exe;.bat;.cmd"
	}
	out := []string{base}
	for _, ext := range strings.Split(strings.ToLower(exts), ";") {
		if ext != "" {
			out = append(out, base+ext)
		}
	}
	return out
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return runtime.GOOS == "windows" || info.Mode().Perm()&0o111 != 0
}
