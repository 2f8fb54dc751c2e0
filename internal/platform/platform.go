// Package platform holds the OS-specific pieces of process execution:
// fingerprinting executables, pinning them by descriptor, and running
// children in their own process group.
package platform

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/bpicori/cobra-gate/pkg/gateerr"
)

// FingerprintMode selects how much of an executable is captured in its Identity.
type FingerprintMode string

const (
	// FingerprintInode records device, inode and size.
	FingerprintInode FingerprintMode = "inode"
	// FingerprintBlake3 additionally records a BLAKE3 digest of the contents.
	FingerprintBlake3 FingerprintMode = "blake3"
)

// ParseFingerprintMode maps a configuration string to a FingerprintMode.
// The empty string selects FingerprintInode.
func ParseFingerprintMode(s string) (FingerprintMode, error) {
	switch FingerprintMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", FingerprintInode:
		return FingerprintInode, nil
	case FingerprintBlake3:
		return FingerprintBlake3, nil
	default:
		return "", fmt.Errorf("unknown fingerprint mode %q (want %q or %q)", s, FingerprintInode, FingerprintBlake3)
	}
}

// Identity fingerprints a filesystem entry at one point in time.
type Identity struct {
	Dev    uint64
	Ino    uint64
	Size   int64
	Digest []byte
}

// Equal reports whether two identities describe the same file contents.
func (id Identity) Equal(other Identity) bool {
	return id.Dev == other.Dev &&
		id.Ino == other.Ino &&
		id.Size == other.Size &&
		bytes.Equal(id.Digest, other.Digest)
}

// Diff returns a short description of the first differing field.
func (id Identity) Diff(other Identity) string {
	switch {
	case id.Dev != other.Dev:
		return fmt.Sprintf("device %d != %d", id.Dev, other.Dev)
	case id.Ino != other.Ino:
		return fmt.Sprintf("inode %d != %d", id.Ino, other.Ino)
	case id.Size != other.Size:
		return fmt.Sprintf("size %d != %d", id.Size, other.Size)
	case !bytes.Equal(id.Digest, other.Digest):
		return fmt.Sprintf("digest %s != %s", hex.EncodeToString(id.Digest), hex.EncodeToString(other.Digest))
	default:
		return "identical"
	}
}

// Executable is an authorized executable opened read-only and fingerprinted.
// It lives for the duration of a single call and must be closed.
type Executable struct {
	// Path is the canonical, symlink-free path that was authorized.
	Path string
	// Identity was captured when the executable was opened.
	Identity Identity

	mode FingerprintMode
	file *os.File
}

// Open opens path read-only and captures its identity.
func Open(path string, mode FingerprintMode) (*Executable, error) {
	f, err := openExecutable(path)
	if err != nil {
		return nil, fmt.Errorf("open executable %q: %w", path, err)
	}
	id, err := fileIdentity(f, mode)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("fingerprint executable %q: %w", path, err)
	}
	return &Executable{Path: path, Identity: id, mode: mode, file: f}, nil
}

// Verify re-fingerprints both the open descriptor and the path and compares
// them with the identity captured by Open. A mismatch on either, or a failure
// to stat, yields a *gateerr.IntegrityError.
func (e *Executable) Verify() error {
	if e.file != nil {
		current, err := fileIdentity(e.file, e.mode)
		if err != nil {
			return &gateerr.IntegrityError{Path: e.Path, Detail: "descriptor unreadable: " + err.Error()}
		}
		if !e.Identity.Equal(current) {
			return &gateerr.IntegrityError{Path: e.Path, Detail: "descriptor " + e.Identity.Diff(current)}
		}
	}

	current, err := pathIdentity(e.Path, e.mode)
	if err != nil {
		return &gateerr.IntegrityError{Path: e.Path, Detail: "path unreadable: " + err.Error()}
	}
	if !e.Identity.Equal(current) {
		return &gateerr.IntegrityError{Path: e.Path, Detail: "path " + e.Identity.Diff(current)}
	}
	return nil
}

// Close releases the pinned descriptor.
func (e *Executable) Close() error {
	if e.file == nil {
		return nil
	}
	err := e.file.Close()
	e.file = nil
	return err
}

// NormalizePath applies the platform's path comparison rules: the path is
// cleaned and, on case-insensitive Windows, lowercased.
func NormalizePath(p string) string {
	p = filepath.Clean(p)
	if runtime.GOOS == "windows" {
		p = strings.ToLower(p)
	}
	return p
}

func pathIdentity(path string, mode FingerprintMode) (Identity, error) {
	f, err := openExecutable(path)
	if err != nil {
		return Identity{}, err
	}
	defer f.Close()
	return fileIdentity(f, mode)
}

func fileIdentity(f *os.File, mode FingerprintMode) (Identity, error) {
	id, err := statIdentity(f)
	if err != nil {
		return Identity{}, err
	}
	if mode == FingerprintBlake3 || !hasInodes {
		digest, err := contentDigest(f, id.Size)
		if err != nil {
			return Identity{}, err
		}
		id.Digest = digest
	}
	return id, nil
}

// contentDigest hashes the file without moving its offset.
func contentDigest(f *os.File, size int64) ([]byte, error) {
	h := blake3.New()
	if _, err := io.Copy(h, io.NewSectionReader(f, 0, size)); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
