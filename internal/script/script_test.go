package script

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lua "github.com/yuin/gopher-lua"

	"github.com/bpicori/cobra-gate/pkg/gateerr"
	"github.com/bpicori/cobra-gate/pkg/gateway"
)

// fakeGateway serves the network calls; command execution is covered
// against a real gateway in exec_test.go.
type fakeGateway struct {
	calls []string
	form  url.Values
	err   error
}

func (f *fakeGateway) Execute(context.Context, gateway.ExecRequest) (gateway.ExecResult, error) {
	return gateway.ExecResult{}, errors.New("not implemented")
}

func (f *fakeGateway) ExecuteAsync(context.Context, gateway.ExecRequest) *gateway.Future {
	return nil
}

func (f *fakeGateway) ExecuteStream(context.Context, gateway.ExecRequest) (*gateway.Stream, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeGateway) Fetch(_ context.Context, rawURL string, follow bool) (*gateway.FetchResult, error) {
	f.calls = append(f.calls, "fetch "+rawURL+" "+boolString(follow))
	if f.err != nil {
		return nil, f.err
	}
	return &gateway.FetchResult{Text: "body of " + rawURL, FinalURL: rawURL + "#final"}, nil
}

func (f *fakeGateway) Post(_ context.Context, rawURL string, form url.Values, follow bool) (*gateway.FetchResult, error) {
	f.calls = append(f.calls, "post "+rawURL+" "+boolString(follow))
	f.form = form
	return &gateway.FetchResult{Text: "posted", FinalURL: rawURL}, nil
}

func (f *fakeGateway) Download(_ context.Context, rawURL, dest string, follow, createParents bool) (*gateway.FetchResult, error) {
	f.calls = append(f.calls, "download "+rawURL+" "+dest+" "+boolString(follow)+" "+boolString(createParents))
	return &gateway.FetchResult{Path: dest}, nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func setupTest(t *testing.T, gw Gateway) *lua.LState {
	t.Helper()
	L := NewState()
	t.Cleanup(func() { L.Close() })

	m := NewModule(gw)
	t.Cleanup(m.Close)
	if err := m.Register(L); err != nil {
		t.Fatalf("Register error = %v", err)
	}
	return L
}

func TestModuleName(t *testing.T) {
	if got := NewModule(&fakeGateway{}).Name(); got != "cobra" {
		t.Errorf("Name() = %q, want %q", got, "cobra")
	}
}

func TestNewStateOmitsUnsafeLibraries(t *testing.T) {
	L := NewState()
	defer L.Close()

	for _, name := range []string{"io", "os", "package", "debug", "dofile", "loadfile", "load", "loadstring"} {
		if v := L.GetGlobal(name); v != lua.LNil {
			t.Errorf("global %q = %v, want nil", name, v)
		}
	}
	for _, name := range []string{"string", "table", "math", "pairs", "pcall"} {
		if v := L.GetGlobal(name); v == lua.LNil {
			t.Errorf("global %q missing", name)
		}
	}
}

func TestFetch(t *testing.T) {
	gw := &fakeGateway{}
	L := setupTest(t, gw)

	err := L.DoString(`
		text, final = cobra.fetch("https://example.com/a", true)
		plain = cobra.fetch("https://example.com/b")
	`)
	if err != nil {
		t.Fatalf("DoString error = %v", err)
	}
	if got := L.GetGlobal("text").String(); got != "body of https://example.com/a" {
		t.Errorf("text = %q", got)
	}
	if got := L.GetGlobal("final").String(); got != "https://example.com/a#final" {
		t.Errorf("final = %q", got)
	}
	want := []string{"fetch https://example.com/a true", "fetch https://example.com/b false"}
	if strings.Join(gw.calls, "|") != strings.Join(want, "|") {
		t.Errorf("calls = %v, want %v", gw.calls, want)
	}
}

func TestFetchErrorRaised(t *testing.T) {
	gw := &fakeGateway{err: &gateerr.SchemeError{URL: "http://example.com/"}}
	L := setupTest(t, gw)

	err := L.DoString(`
		ok, msg = pcall(cobra.fetch, "http://example.com/")
	`)
	if err != nil {
		t.Fatalf("DoString error = %v", err)
	}
	if L.GetGlobal("ok") != lua.LFalse {
		t.Fatalf("pcall ok = %v, want false", L.GetGlobal("ok"))
	}
	if msg := L.GetGlobal("msg").String(); !strings.Contains(msg, "only https is allowed") {
		t.Errorf("error message = %q, want scheme error", msg)
	}
}

func TestPost(t *testing.T) {
	gw := &fakeGateway{}
	L := setupTest(t, gw)

	err := L.DoString(`
		result = cobra.post("https://example.com/form", {name = "cobra", tags = {"a", "b"}, n = 3}, true)
	`)
	if err != nil {
		t.Fatalf("DoString error = %v", err)
	}
	if got := L.GetGlobal("result").String(); got != "posted" {
		t.Errorf("result = %q, want posted", got)
	}
	if gw.form.Get("name") != "cobra" || gw.form.Get("n") != "3" {
		t.Errorf("form = %v", gw.form)
	}
	if tags := gw.form["tags"]; len(tags) != 2 || tags[0] != "a" || tags[1] != "b" {
		t.Errorf("form tags = %v, want [a b]", tags)
	}
}

func TestDownload(t *testing.T) {
	gw := &fakeGateway{}
	L := setupTest(t, gw)

	err := L.DoString(`
		path = cobra.download("https://example.com/f", "/tmp/out/f", false, true)
		cobra.download("https://example.com/g", "/tmp/out/g")
		cobra.download("https://example.com/h", "/tmp/out/h", true, false)
	`)
	if err != nil {
		t.Fatalf("DoString error = %v", err)
	}
	if got := L.GetGlobal("path").String(); got != "/tmp/out/f" {
		t.Errorf("path = %q", got)
	}
	want := []string{
		"download https://example.com/f /tmp/out/f false true",
		"download https://example.com/g /tmp/out/g false true",
		"download https://example.com/h /tmp/out/h true false",
	}
	if strings.Join(gw.calls, "\n") != strings.Join(want, "\n") {
		t.Errorf("calls = %q, want %q", gw.calls, want)
	}
}

func TestArgumentChecks(t *testing.T) {
	L := setupTest(t, &fakeGateway{})

	tests := []string{
		`cobra.execute("echo hi")`,
		`cobra.execute({"echo", 1})`,
		`cobra.fetch()`,
		`cobra.download("https://example.com/")`,
	}
	for _, src := range tests {
		if err := L.DoString(src); err == nil {
			t.Errorf("DoString(%s) error = nil, want argument error", src)
		}
	}
}

func TestRunFile(t *testing.T) {
	gw := &fakeGateway{}
	path := filepath.Join(t.TempDir(), "job.lua")
	src := `
		local text = cobra.fetch("https://example.com/x")
		assert(text == "body of https://example.com/x")
	`
	if err := os.WriteFile(path, []byte(src), 0o600); err != nil {
		t.Fatalf("write script: %v", err)
	}

	if err := RunFile(context.Background(), gw, path); err != nil {
		t.Fatalf("RunFile() error: %v", err)
	}
	if len(gw.calls) != 1 {
		t.Fatalf("calls = %v, want one fetch", gw.calls)
	}
}

func TestRunFile_Errors(t *testing.T) {
	dir := t.TempDir()

	if err := RunFile(context.Background(), &fakeGateway{}, filepath.Join(dir, "missing.lua")); err == nil {
		t.Fatal("RunFile(missing) error = nil")
	}

	bad := filepath.Join(dir, "bad.lua")
	if err := os.WriteFile(bad, []byte(`error("boom")`), 0o600); err != nil {
		t.Fatalf("write script: %v", err)
	}
	err := RunFile(context.Background(), &fakeGateway{}, bad)
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("RunFile(bad) error = %v, want boom", err)
	}
}
