// Package gateway is the public entry point: it authorizes and runs local
// commands and fetches remote resources, both restricted by allow-lists.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"slices"

	"github.com/bpicori/cobra-gate/internal/allowlist"
	"github.com/bpicori/cobra-gate/internal/fetch"
	"github.com/bpicori/cobra-gate/internal/profile"
	"github.com/bpicori/cobra-gate/internal/proxy"
	"github.com/bpicori/cobra-gate/internal/runner"
	"github.com/bpicori/cobra-gate/pkg/gateerr"
)

type (
	// ExecRequest is a command to run. Allow nil means the profile's list.
	ExecRequest = runner.Request
	// ExecResult is the outcome of a command that ran to completion.
	ExecResult = runner.Result
	// Future is a pending ExecuteAsync outcome.
	Future = runner.Future
	// Stream is the line stream of an ExecuteStream call.
	Stream = runner.Stream
	// FetchResult is the outcome of Fetch, Post and Download.
	FetchResult = fetch.Result
)

// Gateway is safe for concurrent use. Its profile never changes after New.
type Gateway struct {
	profile *profile.Profile
	runner  *runner.Runner
	fetcher *fetch.Fetcher
	proxy   *proxy.FilteringProxy
	logger  *slog.Logger
}

type options struct {
	logger      *slog.Logger
	httpClient  *http.Client
	egressProxy bool
	searchPath  *string
}

// Option configures a Gateway.
type Option func(*options)

// WithLogger sets the logger shared by every component. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithHTTPClient sets the client used for fetches. Its redirect policy is
// replaced; the caller's client is not modified.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithEgressProxy starts a local proxy enforcing the host allow-list and
// points every child process at it. Same as setting Profile.EgressProxy.
func WithEgressProxy() Option {
	return func(o *options) { o.egressProxy = true }
}

// WithSearchPath sets the PATH-style list used to find non-absolute
// commands. The default is the PATH of the current process.
func WithSearchPath(path string) Option {
	return func(o *options) { o.searchPath = &path }
}

// New builds a Gateway from p. A nil p reads the allow-lists from the
// environment. Empty allow-lists are accepted; calls needing them fail with
// a configuration error.
func New(p *profile.Profile, opts ...Option) (*Gateway, error) {
	o := &options{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(o)
	}

	if p == nil {
		p = profile.FromEnv(os.LookupEnv)
	}
	p = clone(p)
	if err := p.Validate(); err != nil {
		return nil, &gateerr.ConfigurationError{Reason: err.Error()}
	}

	g := &Gateway{profile: p, logger: o.logger}

	hosts, err := p.Hosts()
	if err != nil {
		o.logger.Debug("gateway: no host allow-list, fetches will be refused")
	}

	runnerOpts := []runner.Option{
		runner.WithLogger(o.logger),
		runner.WithMaxOutputBytes(p.MaxOutputBytes),
		runner.WithDefaultTimeout(p.ExecTimeout),
	}
	if o.egressProxy || p.EgressProxy {
		addr, err := g.startProxy(hosts)
		if err != nil {
			return nil, err
		}
		runnerOpts = append(runnerOpts, runner.WithEnv(proxy.EnvWithProxy(os.Environ(), addr)))
	}

	searchPath := os.Getenv("PATH")
	if o.searchPath != nil {
		searchPath = *o.searchPath
	}
	resolver := &allowlist.Resolver{
		Fallback:   p.ExecAllow,
		SearchPath: searchPath,
		Mode:       p.Fingerprint,
	}
	g.runner = runner.New(resolver, runnerOpts...)

	fetchOpts := []fetch.Option{
		fetch.WithLogger(o.logger),
		fetch.WithMaxRedirects(p.MaxRedirects),
		fetch.WithMaxResponseBytes(p.MaxResponseBytes),
		fetch.WithRequestTimeout(p.RequestTimeout),
	}
	if o.httpClient != nil {
		fetchOpts = append(fetchOpts, fetch.WithHTTPClient(o.httpClient))
	}
	g.fetcher = fetch.New(hosts, fetchOpts...)

	var execAllow []string
	if cmds, err := allowlist.CanonicalizeCommands(p.ExecAllow); err == nil {
		execAllow = cmds.Paths()
	}
	o.logger.Debug("gateway: ready",
		"exec_allow", execAllow, "host_allow", hosts.List(), "egress_proxy", g.proxy != nil)
	return g, nil
}

func (g *Gateway) startProxy(hosts allowlist.Hosts) (string, error) {
	prx := proxy.New(hosts)
	prx.OnBlocked = func(host string) {
		g.logger.Warn("gateway: egress blocked", "host", host)
	}
	addr, err := prx.Start()
	if err != nil {
		return "", fmt.Errorf("start egress proxy: %w", err)
	}
	g.proxy = prx
	g.logger.Debug("gateway: egress proxy listening", "addr", addr)
	return addr, nil
}

func clone(p *profile.Profile) *profile.Profile {
	c := *p
	c.ExecAllow = slices.Clone(p.ExecAllow)
	c.HostAllow = slices.Clone(p.HostAllow)
	return &c
}

// Execute runs req and waits for it to finish.
func (g *Gateway) Execute(ctx context.Context, req ExecRequest) (ExecResult, error) {
	return g.runner.Run(ctx, req)
}

// ExecuteAsync runs req in the background. Every failure, including
// authorization, is delivered through the Future.
func (g *Gateway) ExecuteAsync(ctx context.Context, req ExecRequest) *Future {
	return g.runner.Start(ctx, req)
}

// ExecuteStream starts req and streams its stdout line by line. Callers
// must drain the stream or Close it.
func (g *Gateway) ExecuteStream(ctx context.Context, req ExecRequest) (*Stream, error) {
	return g.runner.Stream(ctx, req)
}

// Fetch GETs rawURL and returns the decoded body.
func (g *Gateway) Fetch(ctx context.Context, rawURL string, follow bool) (*FetchResult, error) {
	return g.fetcher.Do(ctx, fetch.Request{
		Method:          http.MethodGet,
		URL:             rawURL,
		FollowRedirects: follow,
	})
}

// Post sends form URL-encoded to rawURL and returns the decoded body. The
// method and body are kept across redirects.
func (g *Gateway) Post(ctx context.Context, rawURL string, form url.Values, follow bool) (*FetchResult, error) {
	if form == nil {
		form = url.Values{}
	}
	return g.fetcher.Do(ctx, fetch.Request{
		Method:          http.MethodPost,
		URL:             rawURL,
		Form:            form,
		FollowRedirects: follow,
	})
}

// Download GETs rawURL into dest. On failure dest does not exist afterwards.
func (g *Gateway) Download(ctx context.Context, rawURL, dest string, follow, createParents bool) (*FetchResult, error) {
	return g.fetcher.Do(ctx, fetch.Request{
		Method:          http.MethodGet,
		URL:             rawURL,
		FollowRedirects: follow,
		Destination:     dest,
		CreateParents:   createParents,
	})
}

// ProxyAddr returns the egress proxy address, or "" when it is not running.
func (g *Gateway) ProxyAddr() string {
	if g.proxy == nil {
		return ""
	}
	return g.proxy.Addr()
}

// Close stops the egress proxy, if any. Running commands are not affected.
func (g *Gateway) Close(ctx context.Context) error {
	if g.proxy == nil {
		return nil
	}
	if err := g.proxy.Stop(ctx); err != nil {
		return fmt.Errorf("stop egress proxy: %w", err)
	}
	return nil
}
