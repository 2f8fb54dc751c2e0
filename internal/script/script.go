// Package script exposes the gateway to Lua scripts as the global table
// "cobra". Scripts get no io, os or package libraries, so every command and
// every request they make goes through the allow-lists.
package script

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/bpicori/cobra-gate/pkg/gateway"
)

const (
	globalName = "cobra"
	futureType = "cobra.future"
)

// Gateway is the part of *gateway.Gateway the module calls.
type Gateway interface {
	Execute(ctx context.Context, req gateway.ExecRequest) (gateway.ExecResult, error)
	ExecuteAsync(ctx context.Context, req gateway.ExecRequest) *gateway.Future
	ExecuteStream(ctx context.Context, req gateway.ExecRequest) (*gateway.Stream, error)
	Fetch(ctx context.Context, rawURL string, follow bool) (*gateway.FetchResult, error)
	Post(ctx context.Context, rawURL string, form url.Values, follow bool) (*gateway.FetchResult, error)
	Download(ctx context.Context, rawURL, dest string, follow, createParents bool) (*gateway.FetchResult, error)
}

// Module implements the cobra API module.
type Module struct {
	gw Gateway

	mu      sync.Mutex
	streams map[*gateway.Stream]struct{}
}

// NewModule creates a module backed by gw.
func NewModule(gw Gateway) *Module {
	return &Module{gw: gw, streams: make(map[*gateway.Stream]struct{})}
}

// Name returns the global the module is registered under.
func (m *Module) Name() string {
	return globalName
}

// Register installs the module into L.
func (m *Module) Register(L *lua.LState) error {
	mod := L.NewTable()

	L.SetField(mod, "execute", L.NewFunction(m.execute))
	L.SetField(mod, "execute_async", L.NewFunction(m.executeAsync))
	L.SetField(mod, "execute_stream", L.NewFunction(m.executeStream))
	L.SetField(mod, "fetch", L.NewFunction(m.fetch))
	L.SetField(mod, "post", L.NewFunction(m.post))
	L.SetField(mod, "download", L.NewFunction(m.download))

	mt := L.NewTypeMetatable(futureType)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"wait": m.futureWait,
		"done": m.futureDone,
	}))

	L.SetGlobal(globalName, mod)
	return nil
}

// Close stops every stream a script left unfinished.
func (m *Module) Close() {
	m.mu.Lock()
	streams := m.streams
	m.streams = make(map[*gateway.Stream]struct{})
	m.mu.Unlock()

	for s := range streams {
		s.Close()
	}
}

// NewState returns a Lua state with only the base, table, string and math
// libraries, and without the functions that load code from files or strings.
func NewState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

// RunFile executes the script at path with the module registered. ctx bounds
// every call the script makes; cancelling it kills running commands.
func RunFile(ctx context.Context, gw Gateway, path string) error {
	L := NewState()
	defer L.Close()
	L.SetContext(ctx)

	m := NewModule(gw)
	defer m.Close()
	if err := m.Register(L); err != nil {
		return fmt.Errorf("register module: %w", err)
	}

	// dofile is gone from the globals, so the host loads the file.
	fn, err := L.LoadFile(path)
	if err != nil {
		return fmt.Errorf("load script %q: %w", path, err)
	}
	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return fmt.Errorf("run script %q: %w", path, err)
	}
	return nil
}

func contextOf(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// checkRequest reads (args[, allow[, timeout]]) starting at stack index 1.
// A nil allow uses the profile's list; an empty table is an explicit empty
// list. timeout is in seconds.
func checkRequest(L *lua.LState) gateway.ExecRequest {
	req := gateway.ExecRequest{Args: checkStrings(L, 1)}
	if L.Get(2) != lua.LNil {
		req.Allow = checkStrings(L, 2)
		if req.Allow == nil {
			req.Allow = []string{}
		}
	}
	if secs := float64(L.OptNumber(3, 0)); secs > 0 {
		req.Timeout = time.Duration(secs * float64(time.Second))
	}
	return req
}

func checkStrings(L *lua.LState, n int) []string {
	tbl := L.CheckTable(n)
	var out []string
	for i := 1; i <= tbl.Len(); i++ {
		v, ok := tbl.RawGetInt(i).(lua.LString)
		if !ok {
			L.ArgError(n, fmt.Sprintf("element %d is not a string", i))
			return nil
		}
		out = append(out, string(v))
	}
	return out
}

func checkForm(L *lua.LState, n int) url.Values {
	form := url.Values{}
	if L.Get(n) == lua.LNil {
		return form
	}
	L.CheckTable(n).ForEach(func(k, v lua.LValue) {
		key := k.String()
		switch v := v.(type) {
		case *lua.LTable:
			for i := 1; i <= v.Len(); i++ {
				form.Add(key, v.RawGetInt(i).String())
			}
		default:
			form.Add(key, v.String())
		}
	})
	return form
}

func pushResult(L *lua.LState, res gateway.ExecResult) int {
	info := L.NewTable()
	L.SetField(info, "kind", lua.LString(res.Kind.String()))
	L.SetField(info, "stdout", lua.LString(res.Stdout))
	L.SetField(info, "stderr", lua.LString(res.Stderr))
	L.SetField(info, "exit_code", lua.LNumber(res.ExitCode))
	L.SetField(info, "timed_out", lua.LBool(res.TimedOut))
	L.SetField(info, "truncated", lua.LBool(res.Truncated))
	L.Push(lua.LString(res.Output))
	L.Push(info)
	return 2
}

// execute(args[, allow[, timeout]]) -> output, info
func (m *Module) execute(L *lua.LState) int {
	res, err := m.gw.Execute(contextOf(L), checkRequest(L))
	if err != nil {
		L.RaiseError("execute: %v", err)
		return 0
	}
	return pushResult(L, res)
}

// execute_async(args[, allow[, timeout]]) -> future
func (m *Module) executeAsync(L *lua.LState) int {
	f := m.gw.ExecuteAsync(contextOf(L), checkRequest(L))
	ud := L.NewUserData()
	ud.Value = f
	L.SetMetatable(ud, L.GetTypeMetatable(futureType))
	L.Push(ud)
	return 1
}

func checkFuture(L *lua.LState) *gateway.Future {
	ud := L.CheckUserData(1)
	f, ok := ud.Value.(*gateway.Future)
	if !ok {
		L.ArgError(1, "future expected")
		return nil
	}
	return f
}

// future:wait() -> output, info
func (m *Module) futureWait(L *lua.LState) int {
	res, err := checkFuture(L).Wait(contextOf(L))
	if err != nil {
		L.RaiseError("execute_async: %v", err)
		return 0
	}
	return pushResult(L, res)
}

// future:done() -> bool
func (m *Module) futureDone(L *lua.LState) int {
	select {
	case <-checkFuture(L).Done():
		L.Push(lua.LTrue)
	default:
		L.Push(lua.LFalse)
	}
	return 1
}

// execute_stream(args[, allow[, timeout]]) -> iterator
// Each call returns the next chunk, then nil. A failure is raised once the
// output is exhausted.
func (m *Module) executeStream(L *lua.LState) int {
	s, err := m.gw.ExecuteStream(contextOf(L), checkRequest(L))
	if err != nil {
		L.RaiseError("execute_stream: %v", err)
		return 0
	}
	m.track(s)

	L.Push(L.NewFunction(func(L *lua.LState) int {
		if chunk, ok := <-s.C; ok {
			L.Push(lua.LString(chunk))
			return 1
		}
		m.untrack(s)
		s.Close()
		if err := s.Err(); err != nil {
			L.RaiseError("execute_stream: %v", err)
			return 0
		}
		L.Push(lua.LNil)
		return 1
	}))
	return 1
}

func (m *Module) track(s *gateway.Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[s] = struct{}{}
}

func (m *Module) untrack(s *gateway.Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, s)
}

// fetch(url[, follow]) -> text, final_url
func (m *Module) fetch(L *lua.LState) int {
	res, err := m.gw.Fetch(contextOf(L), L.CheckString(1), L.OptBool(2, false))
	if err != nil {
		L.RaiseError("fetch: %v", err)
		return 0
	}
	L.Push(lua.LString(res.Text))
	L.Push(lua.LString(res.FinalURL))
	return 2
}

// post(url, form[, follow]) -> text, final_url
func (m *Module) post(L *lua.LState) int {
	rawURL := L.CheckString(1)
	form := checkForm(L, 2)
	res, err := m.gw.Post(contextOf(L), rawURL, form, L.OptBool(3, false))
	if err != nil {
		L.RaiseError("post: %v", err)
		return 0
	}
	L.Push(lua.LString(res.Text))
	L.Push(lua.LString(res.FinalURL))
	return 2
}

// download(url, dest[, follow[, create_parents]]) -> path
// Missing parent directories are created unless create_parents is false.
func (m *Module) download(L *lua.LState) int {
	res, err := m.gw.Download(contextOf(L), L.CheckString(1), L.CheckString(2), L.OptBool(3, false), L.OptBool(4, true))
	if err != nil {
		L.RaiseError("download: %v", err)
		return 0
	}
	L.Push(lua.LString(res.Path))
	return 1
}
