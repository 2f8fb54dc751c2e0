// Package fetch performs HTTPS requests restricted to a host allow-list.
// Redirects are followed manually so every hop is validated before any
// connection to it is made.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bpicori/cobra-gate/internal/allowlist"
	"github.com/bpicori/cobra-gate/pkg/gateerr"
)

const (
	DefaultMaxRedirects     = 5
	DefaultMaxResponseBytes = 1 << 20
	DefaultRequestTimeout   = 5 * time.Second

	// errorBodyLimit caps the body prefix kept in an HTTPError.
	errorBodyLimit = 1 << 10
)

// Request describes one fetch. An empty Method means GET. Form is sent as a
// URL-encoded body for any other method. When Destination is set the body is
// written there instead of being returned as text.
type Request struct {
	Method          string
	URL             string
	Form            url.Values
	FollowRedirects bool
	Destination     string
	CreateParents   bool
}

// Result is the outcome of a successful fetch. Text and Charset are set for
// text fetches, Path for downloads.
type Result struct {
	Text       string
	Charset    string
	Path       string
	FinalURL   string
	StatusCode int
	Bytes      int64
	Redirects  int
}

// Fetcher issues validated requests. It is safe for concurrent use.
type Fetcher struct {
	hosts          allowlist.Hosts
	client         *http.Client
	logger         *slog.Logger
	maxRedirects   int
	maxBytes       int64
	requestTimeout time.Duration
}

type Option func(*Fetcher)

// WithHTTPClient replaces the default client. Its redirect policy is always
// overridden so redirects surface to the Fetcher.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		cc := *c
		f.client = &cc
	}
}

// WithLogger sets the logger. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// WithMaxRedirects sets the number of redirect hops followed before giving up.
func WithMaxRedirects(n int) Option {
	return func(f *Fetcher) {
		if n >= 0 {
			f.maxRedirects = n
		}
	}
}

// WithMaxResponseBytes sets the response body ceiling.
func WithMaxResponseBytes(n int64) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxBytes = n
		}
	}
}

// WithRequestTimeout bounds how long a hop may make no progress: the wait
// for response headers, then every gap between body reads. A large body
// arriving steadily is not cut off.
func WithRequestTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.requestTimeout = d
		}
	}
}

// New returns a Fetcher bound to hosts. A zero Hosts is accepted; every
// request then fails with a configuration error.
func New(hosts allowlist.Hosts, opts ...Option) *Fetcher {
	f := &Fetcher{
		hosts:          hosts,
		logger:         slog.New(slog.DiscardHandler),
		maxRedirects:   DefaultMaxRedirects,
		maxBytes:       DefaultMaxResponseBytes,
		requestTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = &http.Client{Transport: newTransport()}
	}
	f.client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return f
}

func newTransport() *http.Transport {
	return &http.Transport{
		// Environment proxies would take the connection decision away
		// from the allow-list.
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Do performs req. The scheme is checked before anything else; every hop's
// host is checked before it is contacted.
func (f *Fetcher) Do(ctx context.Context, req Request) (*Result, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}

	current, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parse URL: %w", err)
	}
	if err := ValidateScheme(current); err != nil {
		return nil, err
	}
	if f.hosts.Len() == 0 {
		return nil, gateerr.Configuration("host allow-list is empty")
	}

	var body string
	hasBody := method != http.MethodGet && req.Form != nil
	if hasBody {
		body = req.Form.Encode()
	}

	log := f.logger.With("request_id", uuid.NewString(), "method", method)
	remaining := f.maxRedirects
	for {
		if err := ValidateHost(current, f.hosts); err != nil {
			log.Debug("fetch: host rejected", "url", current.Redacted())
			return nil, err
		}

		res, rd, err := f.hop(ctx, log, method, current, body, hasBody, req)
		if err != nil {
			return nil, err
		}
		if rd == nil {
			res.Redirects = f.maxRedirects - remaining
			return res, nil
		}

		if remaining == 0 {
			return nil, &gateerr.RedirectLimitError{URL: current.Redacted(), Limit: f.maxRedirects}
		}
		remaining--
		next, err := f.location(current, rd)
		if err != nil {
			return nil, err
		}
		log.Debug("fetch: following redirect", "from", current.Redacted(), "to", next.Redacted(), "status", rd.status, "remaining", remaining)
		current = next
	}
}

// redirect is a 3xx response the caller asked to follow, before its
// Location has been resolved.
type redirect struct {
	status   int
	location string
}

// errStalled is the cause of a hop cancelled for making no progress.
var errStalled = fmt.Errorf("request stalled: %w", context.DeadlineExceeded)

// idleReader pushes the hop's deadline back after every read that returned
// data.
type idleReader struct {
	r     io.Reader
	timer *time.Timer
	d     time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.timer.Reset(r.d)
	}
	return n, err
}

// hop sends one request. It returns either a final result, or the redirect
// to follow.
func (f *Fetcher) hop(ctx context.Context, log *slog.Logger, method string, u *url.URL, body string, hasBody bool, req Request) (*Result, *redirect, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	timer := time.AfterFunc(f.requestTimeout, func() { cancel(errStalled) })
	defer timer.Stop()

	var reader io.Reader
	if hasBody {
		reader = strings.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	if hasBody {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, nil, fmt.Errorf("%s %s: %w", method, u.Redacted(), stalled(ctx, err))
	}
	defer resp.Body.Close()
	log.Debug("fetch: response", "url", u.Redacted(), "status", resp.StatusCode)
	respBody := &idleReader{r: resp.Body, timer: timer, d: f.requestTimeout}

	if req.FollowRedirects && isRedirect(resp.StatusCode) {
		rd := &redirect{status: resp.StatusCode, location: resp.Header.Get("Location")}
		// Drain so the connection can be reused.
		io.Copy(io.Discard, io.LimitReader(respBody, errorBodyLimit))
		return nil, rd, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, nil, &gateerr.HTTPError{
			StatusCode: resp.StatusCode,
			URL:        u.Redacted(),
			Body:       readSnippet(respBody, errorBodyLimit),
		}
	}

	final := u
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	if err := Validate(final, f.hosts); err != nil {
		return nil, nil, err
	}

	res := &Result{FinalURL: final.Redacted(), StatusCode: resp.StatusCode}
	if req.Destination != "" {
		n, err := WriteFile(respBody, req.Destination, req.CreateParents, f.maxBytes)
		if err != nil {
			return nil, nil, f.bodyError(ctx, final, err)
		}
		res.Path, res.Bytes = req.Destination, n
		log.Debug("fetch: downloaded", "url", res.FinalURL, "path", res.Path, "bytes", n)
		return res, nil, nil
	}

	text, cs, n, err := ReadText(respBody, resp.Header.Get("Content-Type"), f.maxBytes)
	if err != nil {
		return nil, nil, f.bodyError(ctx, final, err)
	}
	res.Text, res.Charset, res.Bytes = text, cs, n
	return res, nil, nil
}

// stalled replaces err with errStalled when the hop was cancelled for
// making no progress.
func stalled(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), errStalled) {
		return errStalled
	}
	return err
}

// location resolves the Location of a redirect against u and validates the
// target before it is ever contacted.
func (f *Fetcher) location(u *url.URL, rd *redirect) (*url.URL, error) {
	if rd.location == "" {
		return nil, &gateerr.HTTPError{
			StatusCode: rd.status,
			URL:        u.Redacted(),
			Body:       "redirect without Location header",
		}
	}
	ref, err := url.Parse(rd.location)
	if err != nil {
		return nil, fmt.Errorf("parse redirect location %q: %w", rd.location, err)
	}
	next := u.ResolveReference(ref)
	if err := Validate(next, f.hosts); err != nil {
		return nil, err
	}
	return next, nil
}

func (f *Fetcher) bodyError(ctx context.Context, u *url.URL, err error) error {
	if err == errLimitExceeded {
		return &gateerr.ResponseTooLargeError{URL: u.Redacted(), Limit: f.maxBytes}
	}
	return fmt.Errorf("read body of %s: %w", u.Redacted(), stalled(ctx, err))
}

func isRedirect(code int) bool {
	return code >= 300 && code <= 399
}
