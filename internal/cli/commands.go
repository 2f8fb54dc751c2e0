// Package cli implements the cobra-gate subcommands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/bpicori/cobra-gate/internal/runner"
	"github.com/bpicori/cobra-gate/internal/script"
	"github.com/bpicori/cobra-gate/pkg/gateerr"
	"github.com/bpicori/cobra-gate/pkg/gateway"
)

// Stdio is where a subcommand writes. Lookup reads the environment; nil
// means os.LookupEnv.
type Stdio struct {
	Out    io.Writer
	Err    io.Writer
	Lookup func(string) (string, bool)
}

// command is the shared state of one subcommand invocation.
type command struct {
	name   string
	usage  string
	common commonFlags
	fs     *pflag.FlagSet
	stdio  Stdio
}

func newCommand(name, usage string, stdio Stdio) *command {
	c := &command{name: name, usage: usage, stdio: stdio}
	c.fs = pflag.NewFlagSet(name, pflag.ContinueOnError)
	c.fs.SetOutput(stdio.Err)
	c.fs.Usage = func() {
		fmt.Fprintf(stdio.Err, "Usage: cobra-gate %s [options] %s\n\nOptions:\n", name, usage)
		c.fs.PrintDefaults()
	}
	c.common.register(c.fs)
	return c
}

// parse parses args and checks the positional count. It returns a non-zero
// exit code when the caller should stop.
func (c *command) parse(args []string, minArgs, maxArgs int) int {
	if err := c.fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	n := c.fs.NArg()
	if n < minArgs || (maxArgs >= 0 && n > maxArgs) {
		fmt.Fprintf(c.stdio.Err, "Error: expected %s\n\n", c.usage)
		c.fs.Usage()
		return 2
	}
	return -1
}

// gateway builds the gateway from the merged configuration.
func (c *command) gateway() (*gateway.Gateway, error) {
	lookup := c.stdio.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	p, err := c.common.resolveProfile(lookup)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(c.stdio.Err, c.common.logLevel)
	if err != nil {
		return nil, err
	}
	return gateway.New(p, gateway.WithLogger(logger))
}

// fail reports err and returns the exit code for it.
func (c *command) fail(err error) int {
	fmt.Fprintf(c.stdio.Err, "Error: %v\n", err)
	if errors.Is(err, gateerr.ErrConfiguration) {
		return 2
	}
	return 1
}

// withGateway runs fn with a gateway and closes it afterwards.
func (c *command) withGateway(ctx context.Context, fn func(*gateway.Gateway) error) int {
	gw, err := c.gateway()
	if err != nil {
		return c.fail(err)
	}
	defer gw.Close(context.WithoutCancel(ctx))
	if err := fn(gw); err != nil {
		return c.fail(err)
	}
	return 0
}

// ExecCmd runs an allow-listed command and prints its output.
func ExecCmd(ctx context.Context, args []string, stdio Stdio) int {
	c := newCommand("exec", "-- <command> [args...]", stdio)
	timeout := c.fs.Duration("timeout", 0, "Kill the command after this long (overrides --exec-timeout)")
	stream := c.fs.Bool("stream", false, "Print stdout line by line as it is produced")
	allow := c.fs.StringArray("only", nil, "Use this allow-list for the call instead of the configured one (can repeat)")
	c.fs.SetInterspersed(false)
	if code := c.parse(args, 1, -1); code >= 0 {
		return code
	}

	req := gateway.ExecRequest{Args: c.fs.Args(), Timeout: *timeout}
	if c.fs.Changed("only") {
		req.Allow = append([]string{}, *allow...)
	}

	exitCode := 0
	code := c.withGateway(ctx, func(gw *gateway.Gateway) error {
		if *stream {
			s, err := gw.ExecuteStream(ctx, req)
			if err != nil {
				return err
			}
			for chunk, err := range s.All() {
				var fe *gateerr.FailureError
				if errors.As(err, &fe) && fe.Stderr != "" {
					fmt.Fprintf(c.stdio.Err, "Error: %v\n", err)
					exitCode = errorOutputCode(runner.Result{ExitCode: fe.ExitCode})
					return nil
				}
				if err != nil {
					return err
				}
				io.WriteString(c.stdio.Out, chunk)
			}
			return nil
		}

		res, err := gw.Execute(ctx, req)
		if err != nil {
			return err
		}
		io.WriteString(c.stdio.Out, res.Output)
		if res.Kind == runner.KindErrorOutput {
			exitCode = errorOutputCode(res)
		}
		return nil
	})
	if code != 0 {
		return code
	}
	return exitCode
}

// errorOutputCode maps a result whose output is the child's stderr to a
// process exit code.
func errorOutputCode(res runner.Result) int {
	if res.ExitCode > 0 {
		return res.ExitCode
	}
	return 1
}

// FetchCmd prints the body of an allow-listed HTTPS URL.
func FetchCmd(ctx context.Context, args []string, stdio Stdio) int {
	c := newCommand("fetch", "<url>", stdio)
	follow := c.fs.BoolP("follow", "L", false, "Follow redirects (each hop is re-validated)")
	if code := c.parse(args, 1, 1); code >= 0 {
		return code
	}

	return c.withGateway(ctx, func(gw *gateway.Gateway) error {
		res, err := gw.Fetch(ctx, c.fs.Arg(0), *follow)
		if err != nil {
			return err
		}
		_, err = io.WriteString(c.stdio.Out, res.Text)
		return err
	})
}

// PostCmd sends a URL-encoded form and prints the response body.
func PostCmd(ctx context.Context, args []string, stdio Stdio) int {
	c := newCommand("post", "<url>", stdio)
	follow := c.fs.BoolP("follow", "L", false, "Follow redirects (method and body are kept)")
	fields := c.fs.StringArrayP("form", "F", nil, "Form field as key=value (can repeat)")
	if code := c.parse(args, 1, 1); code >= 0 {
		return code
	}

	form, err := parseForm(*fields)
	if err != nil {
		fmt.Fprintf(stdio.Err, "Error: %v\n", err)
		return 2
	}

	return c.withGateway(ctx, func(gw *gateway.Gateway) error {
		res, err := gw.Post(ctx, c.fs.Arg(0), form, *follow)
		if err != nil {
			return err
		}
		_, err = io.WriteString(c.stdio.Out, res.Text)
		return err
	})
}

func parseForm(fields []string) (url.Values, error) {
	form := url.Values{}
	for _, f := range fields {
		key, value, ok := strings.Cut(f, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid form field %q (want key=value)", f)
		}
		form.Add(key, value)
	}
	return form, nil
}

// DownloadCmd saves an allow-listed HTTPS URL to a file.
func DownloadCmd(ctx context.Context, args []string, stdio Stdio) int {
	c := newCommand("download", "<url> <dest>", stdio)
	follow, parents := downloadFlags(c.fs)
	if code := c.parse(args, 2, 2); code >= 0 {
		return code
	}

	return c.withGateway(ctx, func(gw *gateway.Gateway) error {
		res, err := gw.Download(ctx, c.fs.Arg(0), c.fs.Arg(1), *follow, *parents)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(c.stdio.Out, res.Path)
		return err
	})
}

func downloadFlags(fs *pflag.FlagSet) (follow, parents *bool) {
	follow = fs.BoolP("follow", "L", false, "Follow redirects (each hop is re-validated)")
	parents = fs.BoolP("parents", "p", true, "Create missing parent directories of dest (--parents=false to require them)")
	return follow, parents
}

// ScriptCmd runs a Lua script with the cobra module available.
func ScriptCmd(ctx context.Context, args []string, stdio Stdio) int {
	c := newCommand("script", "<file.lua>", stdio)
	if code := c.parse(args, 1, 1); code >= 0 {
		return code
	}

	return c.withGateway(ctx, func(gw *gateway.Gateway) error {
		return script.RunFile(ctx, gw, c.fs.Arg(0))
	})
}
