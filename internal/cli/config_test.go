package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/bpicori/cobra-gate/internal/platform"
	"github.com/bpicori/cobra-gate/internal/profile"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "gate.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func envLookup(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func TestLoadConfigFile_ParsesYAML(t *testing.T) {
	cfgPath := writeTempConfig(t, `
exec_allow:
  - /usr/bin/git
host_allow:
  - example.com
  - api.example.org
max_response_bytes: 2048
max_redirects: 2
request_timeout: 3s
exec_timeout: 1m30s
fingerprint: blake3
egress_proxy: true
`)

	cfg, err := loadConfigFile(cfgPath)
	if err != nil {
		t.Fatalf("loadConfigFile returned error: %v", err)
	}

	if len(cfg.ExecAllow) != 1 || cfg.ExecAllow[0] != "/usr/bin/git" {
		t.Fatalf("unexpected exec_allow: %#v", cfg.ExecAllow)
	}
	if len(cfg.HostAllow) != 2 {
		t.Fatalf("unexpected host_allow: %#v", cfg.HostAllow)
	}
	if cfg.MaxResponseBytes == nil || *cfg.MaxResponseBytes != 2048 {
		t.Fatalf("expected max_response_bytes=2048, got %#v", cfg.MaxResponseBytes)
	}
	if cfg.RequestTimeout == nil || *cfg.RequestTimeout != 3*time.Second {
		t.Fatalf("expected request_timeout=3s, got %#v", cfg.RequestTimeout)
	}
	if cfg.ExecTimeout == nil || *cfg.ExecTimeout != 90*time.Second {
		t.Fatalf("expected exec_timeout=1m30s, got %#v", cfg.ExecTimeout)
	}
	if cfg.EgressProxy == nil || !*cfg.EgressProxy {
		t.Fatalf("expected egress_proxy=true, got %#v", cfg.EgressProxy)
	}
	if cfg.MaxOutputBytes != nil {
		t.Fatalf("expected max_output_bytes unset, got %#v", cfg.MaxOutputBytes)
	}
}

func TestLoadConfigFile_InvalidYAML(t *testing.T) {
	cfgPath := writeTempConfig(t, `: not-valid`)
	if _, err := loadConfigFile(cfgPath); err == nil {
		t.Fatal("expected error for invalid yaml")
	}
}

func TestResolveProfile_Precedence(t *testing.T) {
	cfgPath := writeTempConfig(t, `
host_allow:
  - file.example
max_redirects: 2
request_timeout: 3s
`)

	c := newCommand("fetch", "<url>", Stdio{Err: &bytes.Buffer{}})
	if err := c.fs.Parse([]string{"--config", cfgPath, "--max-redirects", "7", "https://x"}); err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	p, err := c.common.resolveProfile(envLookup(map[string]string{
		profile.EnvHostAllow: "env.example",
		profile.EnvExecAllow: "/bin/echo",
	}))
	if err != nil {
		t.Fatalf("resolveProfile returned error: %v", err)
	}

	if len(p.HostAllow) != 1 || p.HostAllow[0] != "file.example" {
		t.Fatalf("expected file host list to replace env, got %v", p.HostAllow)
	}
	if len(p.ExecAllow) != 1 || p.ExecAllow[0] != "/bin/echo" {
		t.Fatalf("expected env exec list to survive, got %v", p.ExecAllow)
	}
	if p.MaxRedirects != 7 {
		t.Fatalf("expected CLI max-redirects override, got %d", p.MaxRedirects)
	}
	if p.RequestTimeout != 3*time.Second {
		t.Fatalf("expected file request_timeout, got %s", p.RequestTimeout)
	}
	if p.MaxResponseBytes != profile.DefaultMaxResponseBytes {
		t.Fatalf("expected default response ceiling, got %d", p.MaxResponseBytes)
	}
}

func TestResolveProfile_FlagListsReplaceFile(t *testing.T) {
	cfgPath := writeTempConfig(t, `
host_allow: [file.example]
fingerprint: blake3
`)

	c := newCommand("fetch", "<url>", Stdio{Err: &bytes.Buffer{}})
	args := []string{"--config", cfgPath, "--allow-host", "a.example", "--allow-host", "b.example", "--fingerprint", "inode", "u"}
	if err := c.fs.Parse(args); err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	p, err := c.common.resolveProfile(envLookup(nil))
	if err != nil {
		t.Fatalf("resolveProfile returned error: %v", err)
	}
	if strings.Join(p.HostAllow, ",") != "a.example,b.example" {
		t.Fatalf("expected CLI host list, got %v", p.HostAllow)
	}
	if p.Fingerprint != platform.FingerprintInode {
		t.Fatalf("expected CLI fingerprint override, got %q", p.Fingerprint)
	}
}

func TestResolveProfile_InvalidFingerprint(t *testing.T) {
	cfgPath := writeTempConfig(t, `fingerprint: md5`)

	c := newCommand("fetch", "<url>", Stdio{Err: &bytes.Buffer{}})
	if err := c.fs.Parse([]string{"--config", cfgPath, "u"}); err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	_, err := c.common.resolveProfile(envLookup(nil))
	if err == nil || !strings.Contains(err.Error(), "unknown fingerprint mode") {
		t.Fatalf("expected fingerprint error, got %v", err)
	}
}

func TestParseForm(t *testing.T) {
	form, err := parseForm([]string{"a=1", "b=x=y", "a=2", "empty="})
	if err != nil {
		t.Fatalf("parseForm error: %v", err)
	}
	if got := form.Encode(); got != "a=1&a=2&b=x%3Dy&empty=" {
		t.Fatalf("parseForm().Encode() = %q", got)
	}

	for _, bad := range []string{"novalue", "=v"} {
		if _, err := parseForm([]string{bad}); err == nil {
			t.Fatalf("parseForm(%q) error = nil", bad)
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "debug")
	if err != nil {
		t.Fatalf("newLogger error: %v", err)
	}
	logger.Debug("runner: check", "k", "v")
	if !strings.Contains(buf.String(), "runner: check") {
		t.Fatalf("debug record missing: %q", buf.String())
	}

	if _, err := newLogger(&buf, "loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestFetchCmd(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		env      map[string]string
		wantCode int
		wantErr  string
	}{
		{"missing url", nil, nil, 2, "expected <url>"},
		{"too many args", []string{"a", "b"}, nil, 2, "expected <url>"},
		{"plain http", []string{"--allow-host", "example.com", "http://example.com/"}, nil, 1, "only https is allowed"},
		{"no host list", []string{"https://example.com/"}, nil, 2, "host allow-list is empty"},
		{"host not listed", []string{"https://other.test/"}, map[string]string{profile.EnvHostAllow: "example.com"}, 1, "host not permitted"},
		{"bad log level", []string{"--log-level", "loud", "https://example.com/"}, nil, 1, "invalid log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out, errOut bytes.Buffer
			code := FetchCmd(context.Background(), tt.args, Stdio{Out: &out, Err: &errOut, Lookup: envLookup(tt.env)})
			if code != tt.wantCode {
				t.Fatalf("FetchCmd(%v) = %d, want %d (stderr %q)", tt.args, code, tt.wantCode, errOut.String())
			}
			if !strings.Contains(errOut.String(), tt.wantErr) {
				t.Fatalf("FetchCmd(%v) stderr = %q, want %q", tt.args, errOut.String(), tt.wantErr)
			}
		})
	}
}

func TestDownloadCmd_ArgCount(t *testing.T) {
	var errOut bytes.Buffer
	code := DownloadCmd(context.Background(), []string{"https://example.com/"}, Stdio{Out: &bytes.Buffer{}, Err: &errOut, Lookup: envLookup(nil)})
	if code != 2 {
		t.Fatalf("DownloadCmd(one arg) = %d, want 2", code)
	}
}

func TestDownloadFlags_ParentsDefault(t *testing.T) {
	tests := []struct {
		args []string
		want bool
	}{
		{nil, true},
		{[]string{"-p"}, true},
		{[]string{"--parents=false"}, false},
	}
	for _, tt := range tests {
		fs := pflag.NewFlagSet("download", pflag.ContinueOnError)
		_, parents := downloadFlags(fs)
		if err := fs.Parse(tt.args); err != nil {
			t.Fatalf("Parse(%v) error: %v", tt.args, err)
		}
		if *parents != tt.want {
			t.Fatalf("parents after %v = %v, want %v", tt.args, *parents, tt.want)
		}
	}
}

func TestPostCmd_InvalidForm(t *testing.T) {
	var errOut bytes.Buffer
	code := PostCmd(context.Background(), []string{"-F", "broken", "https://example.com/"}, Stdio{Out: &bytes.Buffer{}, Err: &errOut, Lookup: envLookup(nil)})
	if code != 2 || !strings.Contains(errOut.String(), "invalid form field") {
		t.Fatalf("PostCmd(bad form) = %d %q, want 2 and form error", code, errOut.String())
	}
}

func TestScriptCmd_MissingFile(t *testing.T) {
	var errOut bytes.Buffer
	code := ScriptCmd(context.Background(), []string{filepath.Join(t.TempDir(), "none.lua")}, Stdio{Out: &bytes.Buffer{}, Err: &errOut, Lookup: envLookup(nil)})
	if code != 1 || !strings.Contains(errOut.String(), "load script") {
		t.Fatalf("ScriptCmd(missing) = %d %q, want 1 and load error", code, errOut.String())
	}
}
