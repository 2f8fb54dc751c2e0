package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/bpicori/cobra-gate/internal/platform"
	"github.com/bpicori/cobra-gate/internal/profile"
)

// configProfile defines gateway options that can be loaded from file and
// then overridden by CLI flags. Pointer fields distinguish "unset" from the
// zero value.
type configProfile struct {
	ExecAllow []string `yaml:"exec_allow"`
	HostAllow []string `yaml:"host_allow"`

	MaxResponseBytes *int64         `yaml:"max_response_bytes"`
	MaxRedirects     *int           `yaml:"max_redirects"`
	RequestTimeout   *time.Duration `yaml:"request_timeout"`
	ExecTimeout      *time.Duration `yaml:"exec_timeout"`
	MaxOutputBytes   *int           `yaml:"max_output_bytes"`
	Fingerprint      *string        `yaml:"fingerprint"`
	EgressProxy      *bool          `yaml:"egress_proxy"`
}

// commonFlags holds the flags every subcommand accepts.
type commonFlags struct {
	configPath string
	logLevel   string

	execAllow        []string
	hostAllow        []string
	maxResponseBytes int64
	maxRedirects     int
	requestTimeout   time.Duration
	execTimeout      time.Duration
	maxOutputBytes   int
	fingerprint      string
	egressProxy      bool

	fs *pflag.FlagSet
}

func (c *commonFlags) register(fs *pflag.FlagSet) {
	c.fs = fs
	fs.StringVar(&c.configPath, "config", "", "Load gateway options from YAML file")
	fs.StringVar(&c.logLevel, "log-level", "warn", "Log level: debug, info, warn or error")
	fs.StringArrayVar(&c.execAllow, "allow-exec", nil, "Allow executing this absolute path (can be specified multiple times)")
	fs.StringArrayVar(&c.hostAllow, "allow-host", nil, "Allow fetching from this host (can be specified multiple times)")
	fs.Int64Var(&c.maxResponseBytes, "max-response-bytes", profile.DefaultMaxResponseBytes, "Response body ceiling in bytes")
	fs.IntVar(&c.maxRedirects, "max-redirects", profile.DefaultMaxRedirects, "Redirect hops followed before giving up")
	fs.DurationVar(&c.requestTimeout, "request-timeout", profile.DefaultRequestTimeout, "Timeout of each HTTP hop")
	fs.DurationVar(&c.execTimeout, "exec-timeout", 0, "Default command timeout (0 means none)")
	fs.IntVar(&c.maxOutputBytes, "max-output-bytes", 0, "Captured output ceiling per stream (0 means none)")
	fs.StringVar(&c.fingerprint, "fingerprint", string(platform.FingerprintInode), "Executable fingerprint: inode or blake3")
	fs.BoolVar(&c.egressProxy, "egress-proxy", false, "Route child processes through a proxy enforcing the host allow-list")
}

// resolveProfile builds the effective profile: environment, then file, then
// flags, each layer overriding the previous one.
func (c *commonFlags) resolveProfile(lookup func(string) (string, bool)) (*profile.Profile, error) {
	p := profile.FromEnv(lookup)

	if c.configPath != "" {
		fromFile, err := loadConfigFile(c.configPath)
		if err != nil {
			return nil, err
		}
		if err := applyConfig(p, fromFile); err != nil {
			return nil, fmt.Errorf("profile file %q: %w", c.configPath, err)
		}
	}

	if err := applyConfig(p, c.overrides()); err != nil {
		return nil, err
	}
	return p, nil
}

func loadConfigFile(path string) (*configProfile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile file %q: %w", path, err)
	}

	var fileCfg configProfile
	if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
		return nil, fmt.Errorf("parse profile file %q: %w", path, err)
	}
	return &fileCfg, nil
}

// overrides returns the flags that were set explicitly.
func (c *commonFlags) overrides() *configProfile {
	cfg := &configProfile{
		ExecAllow: append([]string{}, c.execAllow...),
		HostAllow: append([]string{}, c.hostAllow...),
	}
	if c.fs == nil {
		return cfg
	}

	if c.fs.Changed("max-response-bytes") {
		cfg.MaxResponseBytes = ptr(c.maxResponseBytes)
	}
	if c.fs.Changed("max-redirects") {
		cfg.MaxRedirects = ptr(c.maxRedirects)
	}
	if c.fs.Changed("request-timeout") {
		cfg.RequestTimeout = ptr(c.requestTimeout)
	}
	if c.fs.Changed("exec-timeout") {
		cfg.ExecTimeout = ptr(c.execTimeout)
	}
	if c.fs.Changed("max-output-bytes") {
		cfg.MaxOutputBytes = ptr(c.maxOutputBytes)
	}
	if c.fs.Changed("fingerprint") {
		cfg.Fingerprint = ptr(c.fingerprint)
	}
	if c.fs.Changed("egress-proxy") {
		cfg.EgressProxy = ptr(c.egressProxy)
	}
	return cfg
}

// applyConfig copies the set fields of src onto p. A non-empty list replaces
// the previous layer's list rather than extending it.
func applyConfig(p *profile.Profile, src *configProfile) error {
	if p == nil || src == nil {
		return nil
	}

	if len(src.ExecAllow) > 0 {
		p.ExecAllow = append([]string{}, src.ExecAllow...)
	}
	if len(src.HostAllow) > 0 {
		p.HostAllow = append([]string{}, src.HostAllow...)
	}
	if src.MaxResponseBytes != nil {
		p.MaxResponseBytes = *src.MaxResponseBytes
	}
	if src.MaxRedirects != nil {
		p.MaxRedirects = *src.MaxRedirects
	}
	if src.RequestTimeout != nil {
		p.RequestTimeout = *src.RequestTimeout
	}
	if src.ExecTimeout != nil {
		p.ExecTimeout = *src.ExecTimeout
	}
	if src.MaxOutputBytes != nil {
		p.MaxOutputBytes = *src.MaxOutputBytes
	}
	if src.Fingerprint != nil {
		mode, err := platform.ParseFingerprintMode(*src.Fingerprint)
		if err != nil {
			return err
		}
		p.Fingerprint = mode
	}
	if src.EgressProxy != nil {
		p.EgressProxy = *src.EgressProxy
	}
	return nil
}

func ptr[T any](v T) *T {
	return &v
}

// newLogger returns a text logger on w at the named level.
func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}
