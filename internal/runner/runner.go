// Package runner executes allow-listed programs with an explicit argument
// vector, a timeout, and an identity check on the executable before spawn and
// after exit. It offers three disciplines over the same authorization path:
// blocking (Run), future-based (Start) and streaming (Stream).
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/bpicori/cobra-gate/internal/allowlist"
	"github.com/bpicori/cobra-gate/internal/platform"
	"github.com/bpicori/cobra-gate/pkg/gateerr"
)

// Kind distinguishes the two successful outcomes of an execution.
type Kind int

const (
	// KindSuccess means the process exited 0; Output is its stdout.
	KindSuccess Kind = iota
	// KindErrorOutput means the process exited nonzero, or was killed on
	// timeout, after writing to stderr; Output is that stderr text.
	KindErrorOutput
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindErrorOutput:
		return "error-output"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Request describes one execution.
type Request struct {
	// Args is the program followed by its arguments. It is never passed
	// through a shell.
	Args []string
	// Allow is an explicit command allow-list. nil selects the runner's
	// configured list; an empty non-nil slice is an empty list and fails.
	Allow []string
	// Timeout bounds the run. Zero selects the runner default (if any).
	Timeout time.Duration
}

// Result is the outcome of a run that did not fail.
type Result struct {
	Kind Kind
	// Output is stdout for KindSuccess and stderr for KindErrorOutput.
	Output string

	Stdout   string
	Stderr   string
	ExitCode int

	// TimedOut is set when the process was killed on timeout and its stderr
	// was salvaged as the result.
	TimedOut bool
	// Truncated is set when captured output hit the configured ceiling.
	Truncated bool
	// Pinned is set when the process was started from the verified descriptor
	// (Linux with /proc mounted).
	Pinned   bool
	Duration time.Duration
}

// Runner executes authorized commands. It holds no per-call state and is
// safe for concurrent use.
type Runner struct {
	resolver       *allowlist.Resolver
	logger         *slog.Logger
	env            []string
	maxOutput      int
	defaultTimeout time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithEnv sets the child environment. nil inherits the parent environment.
func WithEnv(env []string) Option {
	return func(r *Runner) { r.env = append([]string(nil), env...) }
}

// WithMaxOutputBytes caps how much stdout and stderr is captured per
// stream; the excess is discarded and Result.Truncated set. 0 means no limit.
func WithMaxOutputBytes(n int) Option {
	return func(r *Runner) { r.maxOutput = n }
}

// WithDefaultTimeout applies to requests that do not set their own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Runner) { r.defaultTimeout = d }
}

// New returns a Runner authorizing through resolver.
func New(resolver *allowlist.Resolver, opts ...Option) *Runner {
	r := &Runner{
		resolver: resolver,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// errExecTimeout is the cancellation cause installed by the timeout timer.
var errExecTimeout = errors.New("execution timeout")

// call carries the state of a single execution from authorization to result.
type call struct {
	r       *Runner
	args    []string
	exe     *platform.Executable
	cmd     *exec.Cmd
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	pinned  bool
	start   time.Time
}

// prepare authorizes req, re-verifies the executable and builds the command.
// Nothing is spawned.
func (r *Runner) prepare(ctx context.Context, req Request) (*call, error) {
	exe, err := r.resolver.Resolve(req.Args, req.Allow)
	if err != nil {
		r.logger.Debug("runner: command rejected", "command", firstArg(req.Args), "error", err)
		return nil, err
	}
	// Pre-spawn checkpoint.
	if err := exe.Verify(); err != nil {
		exe.Close()
		r.logger.Warn("runner: executable changed before spawn", "path", exe.Path, "error", err)
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	var runCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeoutCause(ctx, timeout, errExecTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	cmd := exec.CommandContext(runCtx, exe.Path, req.Args[1:]...)
	cmd.Args[0] = req.Args[0]
	cmd.Env = r.env
	c := &call{
		r:       r,
		args:    append([]string(nil), req.Args...),
		exe:     exe,
		cmd:     cmd,
		ctx:     runCtx,
		cancel:  cancel,
		timeout: timeout,
	}
	c.pinned = exe.Pin(cmd)
	platform.SetupProcessGroup(cmd)
	return c, nil
}

func (c *call) close() {
	c.cancel()
	c.exe.Close()
}

func (c *call) startProcess() error {
	c.r.logger.Debug("runner: starting process",
		"command", c.exe.Path, "args", len(c.args)-1, "pinned", c.pinned, "timeout", c.timeout)
	c.start = time.Now()
	if err := c.cmd.Start(); err != nil {
		// The executable may have been swapped out from under us; that
		// diagnosis wins over the spawn failure.
		if verr := c.exe.Verify(); verr != nil {
			return verr
		}
		return &gateerr.SpawnError{Command: c.args, Err: err}
	}
	return nil
}

// finish maps the wait outcome to a Result or error. The post-exit identity
// check runs first and overrides every other outcome.
func (c *call) finish(waitErr error, stdout, stderr *capture) (Result, error) {
	duration := time.Since(c.start)
	log := c.r.logger.With("command", c.exe.Path, "duration", duration)

	if err := c.exe.Verify(); err != nil {
		log.Warn("runner: executable changed during execution", "error", err)
		return Result{}, err
	}

	res := Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.truncated || stderr.truncated,
		Pinned:    c.pinned,
		Duration:  duration,
	}

	if waitErr != nil && context.Cause(c.ctx) == errExecTimeout {
		if res.Stderr != "" {
			// Stderr salvage: a process killed on timeout that already
			// explained itself on stderr resolves with that text.
			log.Info("runner: process timed out, returning stderr", "timeout", c.timeout)
			res.Kind = KindErrorOutput
			res.Output = res.Stderr
			res.TimedOut = true
			res.ExitCode = -1
			return res, nil
		}
		log.Info("runner: process timed out", "timeout", c.timeout)
		return Result{}, &gateerr.TimeoutError{Command: c.args, Timeout: c.timeout}
	}

	if waitErr != nil && c.ctx.Err() != nil {
		log.Debug("runner: process cancelled", "error", context.Cause(c.ctx))
		return Result{}, fmt.Errorf("run %q: %w", c.args[0], context.Cause(c.ctx))
	}

	if waitErr == nil {
		log.Debug("runner: process exited", "exit_code", 0)
		res.Kind = KindSuccess
		res.Output = res.Stdout
		return res, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return Result{}, fmt.Errorf("wait for %q: %w", c.args[0], waitErr)
	}
	res.ExitCode = exitErr.ExitCode()
	log.Debug("runner: process exited", "exit_code", res.ExitCode, "stderr_bytes", len(res.Stderr))
	if res.Stderr != "" {
		res.Kind = KindErrorOutput
		res.Output = res.Stderr
		return res, nil
	}
	return Result{}, &gateerr.FailureError{Command: c.args, ExitCode: res.ExitCode}
}

// Run executes req and blocks until the process exits or times out.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	c, err := r.prepare(ctx, req)
	if err != nil {
		return Result{}, err
	}
	defer c.close()

	stdout := newCapture(r.maxOutput)
	stderr := newCapture(r.maxOutput)
	c.cmd.Stdout = stdout
	c.cmd.Stderr = stderr

	if err := c.startProcess(); err != nil {
		return Result{}, err
	}
	return c.finish(c.cmd.Wait(), stdout, stderr)
}

// capture is a bytes.Buffer that stops growing after limit bytes.
type capture struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCapture(limit int) *capture {
	return &capture{limit: limit}
}

func (w *capture) Write(p []byte) (int, error) {
	if w.limit <= 0 {
		return w.buf.Write(p)
	}
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		w.truncated = true
		return len(p), nil // discard but report success
	}
	if len(p) <= remaining {
		return w.buf.Write(p)
	}
	w.truncated = true
	// Write only what fits, but report full length to avoid io.ErrShortWrite.
	if _, err := w.buf.Write(p[:remaining]); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *capture) String() string { return w.buf.String() }

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
