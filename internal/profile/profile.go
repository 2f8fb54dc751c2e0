// Package profile holds the gateway configuration: the two allow-lists and
// the limits applied to every call.
package profile

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bpicori/cobra-gate/internal/allowlist"
	"github.com/bpicori/cobra-gate/internal/platform"
)

// Environment variables read by FromEnv.
const (
	EnvHostAllow = "COBRA_HOST_WHITELIST"
	EnvExecAllow = "COBRA_EJECUTAR_PERMITIDOS"
)

// Defaults.
const (
	DefaultMaxResponseBytes = 1 << 20
	DefaultMaxRedirects     = 5
	DefaultRequestTimeout   = 5 * time.Second
)

// Profile is the configuration a Gateway is built from. It is treated as
// immutable once handed over.
type Profile struct {
	// ExecAllow lists the executables commands may resolve to. Entries are
	// canonicalized on every call.
	ExecAllow []string
	// HostAllow lists the hosts fetches may contact.
	HostAllow []string

	MaxResponseBytes int64
	MaxRedirects     int
	RequestTimeout   time.Duration

	// ExecTimeout applies to executions that do not set their own. Zero
	// means no limit.
	ExecTimeout time.Duration
	// MaxOutputBytes caps captured stdout and stderr. Zero means no limit.
	MaxOutputBytes int

	Fingerprint platform.FingerprintMode

	// EgressProxy routes child processes through a local proxy that
	// enforces HostAllow.
	EgressProxy bool
}

// Default returns a profile with empty allow-lists and default limits.
func Default() *Profile {
	return &Profile{
		MaxResponseBytes: DefaultMaxResponseBytes,
		MaxRedirects:     DefaultMaxRedirects,
		RequestTimeout:   DefaultRequestTimeout,
		Fingerprint:      platform.FingerprintInode,
	}
}

// FromEnv returns Default with the allow-lists taken from the environment.
// lookup is usually os.LookupEnv.
func FromEnv(lookup func(string) (string, bool)) *Profile {
	p := Default()
	if raw, ok := lookup(EnvHostAllow); ok {
		p.HostAllow = splitList(raw, ",")
	}
	if raw, ok := lookup(EnvExecAllow); ok {
		p.ExecAllow = splitList(raw, string(os.PathListSeparator))
	}
	return p
}

func splitList(raw, sep string) []string {
	var out []string
	for _, item := range strings.Split(raw, sep) {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate checks every field and returns a combined error of every issue
// found. Empty allow-lists are valid; calls against them fail closed.
func (p *Profile) Validate() error {
	var errs []error

	for _, e := range p.ExecAllow {
		if _, err := allowlist.CanonicalPath(e); err != nil {
			errs = append(errs, fmt.Errorf("exec allow %q: %w", e, err))
		}
	}
	for _, h := range p.HostAllow {
		if err := validateDomain(h); err != nil {
			errs = append(errs, fmt.Errorf("host allow %q: %w", h, err))
		}
	}

	if p.MaxResponseBytes <= 0 {
		errs = append(errs, fmt.Errorf("max response bytes must be positive, got %d", p.MaxResponseBytes))
	}
	if p.MaxRedirects < 0 {
		errs = append(errs, fmt.Errorf("max redirects must not be negative, got %d", p.MaxRedirects))
	}
	if p.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("request timeout must be positive, got %s", p.RequestTimeout))
	}
	if p.ExecTimeout < 0 {
		errs = append(errs, fmt.Errorf("exec timeout must not be negative, got %s", p.ExecTimeout))
	}
	if p.MaxOutputBytes < 0 {
		errs = append(errs, fmt.Errorf("max output bytes must not be negative, got %d", p.MaxOutputBytes))
	}
	if _, err := platform.ParseFingerprintMode(string(p.Fingerprint)); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Hosts builds the host allow-list. An empty list is a configuration error.
func (p *Profile) Hosts() (allowlist.Hosts, error) {
	return allowlist.NewHosts(p.HostAllow)
}

// validateDomain checks that d is a bare hostname, not a URL or path. This
// catches mistakes like "https://example.com" instead of "example.com".
func validateDomain(d string) error {
	d = strings.TrimSpace(d)
	if d == "" {
		return errors.New("domain must not be empty")
	}
	if strings.Contains(d, "://") {
		return errors.New("must be a domain name, not a URL (remove the scheme)")
	}
	if strings.Contains(d, "/") {
		return errors.New("must be a domain name, not a URL path")
	}
	if strings.Contains(d, " ") {
		return errors.New("domain must not contain spaces")
	}
	if strings.HasPrefix(d, "*.") {
		return errors.New("wildcards are not supported, list each host")
	}
	return nil
}
