// Package proxy runs a local forward proxy that holds child processes to the
// same host allow-list as the fetcher.
package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/elazarl/goproxy"

	"github.com/bpicori/cobra-gate/internal/allowlist"
)

// BlockedHandler is called when the proxy refuses a request. host is the
// hostname that was denied.
type BlockedHandler func(host string)

// FilteringProxy is a forward HTTP/HTTPS proxy that only lets through
// requests to hosts in its allow-list. HTTPS goes through CONNECT tunnels;
// TLS is never terminated here.
type FilteringProxy struct {
	hosts allowlist.Hosts

	// OnBlocked is called each time the proxy denies a request. Optional.
	OnBlocked BlockedHandler

	listener net.Listener
	server   *http.Server
}

// New creates a FilteringProxy for hosts. A zero Hosts blocks everything.
func New(hosts allowlist.Hosts) *FilteringProxy {
	return &FilteringProxy{hosts: hosts}
}

// Start begins listening on a random localhost port and returns the address
// in "host:port" form, suitable for HTTP_PROXY / HTTPS_PROXY.
func (p *FilteringProxy) Start() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("proxy listen: %w", err)
	}
	p.listener = ln

	gpx := goproxy.NewProxyHttpServer()

	// No upstream proxy: we are the proxy.
	gpx.Tr = &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	isBlocked := goproxy.ReqConditionFunc(func(req *http.Request, ctx *goproxy.ProxyCtx) bool {
		return !p.HostAllowed(requestHost(req))
	})

	// Plain HTTP is forwarded as-is, so the allow-list alone decides here.
	gpx.OnRequest(isBlocked).DoFunc(
		func(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
			host := requestHost(req)
			p.notifyBlocked(host)
			return nil, goproxy.NewResponse(req, goproxy.ContentTypeText, http.StatusForbidden,
				fmt.Sprintf("cobra-gate: host %q not permitted", host))
		})

	gpx.OnRequest(isBlocked).HandleConnect(goproxy.FuncHttpsHandler(
		func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
			p.notifyBlocked(hostOnly(host))
			return goproxy.RejectConnect, host
		}))

	p.server = &http.Server{
		Handler:           gpx,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go p.server.Serve(ln) //nolint:errcheck // returns ErrServerClosed on shutdown
	return ln.Addr().String(), nil
}

// Addr returns the proxy's listen address, or "" if not started.
func (p *FilteringProxy) Addr() string {
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// Stop gracefully shuts down the proxy.
func (p *FilteringProxy) Stop(ctx context.Context) error {
	if p.server == nil {
		return nil
	}
	return p.server.Shutdown(ctx)
}

// HostAllowed reports whether host is in the allow-list. Matching is exact
// after normalization; there are no wildcards.
func (p *FilteringProxy) HostAllowed(host string) bool {
	return p.hosts.Contains(host)
}

func (p *FilteringProxy) notifyBlocked(host string) {
	if p.OnBlocked != nil {
		p.OnBlocked(host)
	}
}

// EnvWithProxy returns base with every proxy variable replaced by ones
// pointing at addr.
func EnvWithProxy(base []string, addr string) []string {
	proxyURL := "http://" + addr

	skip := map[string]bool{
		"HTTP_PROXY":  true,
		"http_proxy":  true,
		"HTTPS_PROXY": true,
		"https_proxy": true,
		"NO_PROXY":    true,
		"no_proxy":    true,
		"ALL_PROXY":   true,
		"all_proxy":   true,
	}

	env := make([]string, 0, len(base)+6)
	for _, e := range base {
		name, _, _ := strings.Cut(e, "=")
		if skip[name] {
			continue
		}
		env = append(env, e)
	}

	return append(env,
		"HTTP_PROXY="+proxyURL,
		"http_proxy="+proxyURL,
		"HTTPS_PROXY="+proxyURL,
		"https_proxy="+proxyURL,
		"NO_PROXY=",
		"no_proxy=",
	)
}

func requestHost(req *http.Request) string {
	if host := hostOnly(req.URL.Host); host != "" {
		return host
	}
	return hostOnly(req.Host)
}

// hostOnly strips the port from a "host:port" string.
// If the input has no port it is returned as-is.
func hostOnly(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}
