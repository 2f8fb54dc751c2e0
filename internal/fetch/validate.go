package fetch

import (
	"net/url"
	"strings"

	"github.com/bpicori/cobra-gate/internal/allowlist"
	"github.com/bpicori/cobra-gate/pkg/gateerr"
)

// ValidateScheme fails unless u uses https.
func ValidateScheme(u *url.URL) error {
	if !strings.EqualFold(u.Scheme, "https") {
		return &gateerr.SchemeError{URL: u.Redacted()}
	}
	return nil
}

// ValidateHost fails unless u's hostname is in hosts.
func ValidateHost(u *url.URL, hosts allowlist.Hosts) error {
	host := u.Hostname()
	if !hosts.Contains(host) {
		return &gateerr.AuthorizationError{Subject: host, Reason: "host not permitted"}
	}
	return nil
}

// Validate checks the scheme, then the host. It has no side effects, so
// validating the same URL again always gives the same answer.
func Validate(u *url.URL, hosts allowlist.Hosts) error {
	if err := ValidateScheme(u); err != nil {
		return err
	}
	return ValidateHost(u, hosts)
}
