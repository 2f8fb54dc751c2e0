package allowlist

import (
	"slices"
	"strings"

	"golang.org/x/net/idna"

	"github.com/bpicori/cobra-gate/pkg/gateerr"
)

// Hosts is an immutable set of normalized hostnames.
type Hosts struct {
	set map[string]struct{}
}

// NormalizeHost lowercases h, strips a trailing dot and converts
// internationalized names to their ASCII (punycode) form. Names idna rejects
// (IP literals with colons, underscores) are kept lowercased.
func NormalizeHost(h string) string {
	h = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
	if h == "" {
		return ""
	}
	if ascii, err := idna.Lookup.ToASCII(h); err == nil {
		return ascii
	}
	return h
}

// NewHosts builds a host set. An empty result is a configuration error so
// callers fail closed.
func NewHosts(hosts []string) (Hosts, error) {
	set := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		if n := NormalizeHost(h); n != "" {
			set[n] = struct{}{}
		}
	}
	if len(set) == 0 {
		return Hosts{}, gateerr.Configuration("host allow-list is empty")
	}
	return Hosts{set: set}, nil
}

// ParseHosts splits a comma-separated host list.
func ParseHosts(raw string) (Hosts, error) {
	return NewHosts(strings.Split(raw, ","))
}

// Contains reports whether host, after normalization, is in the set.
func (h Hosts) Contains(host string) bool {
	n := NormalizeHost(host)
	if n == "" {
		return false
	}
	_, ok := h.set[n]
	return ok
}

// Len returns the number of hosts.
func (h Hosts) Len() int { return len(h.set) }

// List returns the hosts in sorted order.
func (h Hosts) List() []string {
	out := make([]string, 0, len(h.set))
	for host := range h.set {
		out = append(out, host)
	}
	slices.Sort(out)
	return out
}
