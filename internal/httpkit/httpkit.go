// Package httpkit builds the HTTP clients for every outbound call Occam
// makes: the model backends, search providers, the Signal REST gateway
// and CalDAV.
//
// Every client gets bounded dial, TLS and header timeouts, the Occam
// User-Agent, and optionally a retry policy for failures that happen
// before the server acts on a request.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/occam-assistant/internal/buildinfo"
)

const (
	dialTimeout   = 10 * time.Second
	tlsTimeout    = 10 * time.Second
	headerTimeout = 15 * time.Second
	idleTimeout   = 90 * time.Second
)

// Option configures [NewClient].
type Option func(*options)

type options struct {
	timeout       time.Duration
	headerTimeout time.Duration
	userAgent     string
	retries       int
	backoff       time.Duration
	logger        *slog.Logger
}

// WithTimeout bounds a whole request including the body. Zero leaves
// the deadline to the request context.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithHeaderTimeout bounds the wait for response headers after the
// request is written. Model backends need minutes here.
func WithHeaderTimeout(d time.Duration) Option {
	return func(o *options) { o.headerTimeout = d }
}

// WithUserAgent replaces the default "occam/<version>" User-Agent.
func WithUserAgent(ua string) Option {
	return func(o *options) { o.userAgent = ua }
}

// WithRetry retries up to n times, waiting backoff before the first
// retry and doubling after each. See [Retryable] for what is retried.
func WithRetry(n int, backoff time.Duration) Option {
	return func(o *options) {
		o.retries = n
		o.backoff = backoff
	}
}

// WithLogger receives a debug line for each retry.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// NewClient returns a client with a 30 second overall timeout unless
// overridden.
func NewClient(opts ...Option) *http.Client {
	o := options{
		timeout:       30 * time.Second,
		headerTimeout: headerTimeout,
		userAgent:     buildinfo.UserAgent(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	var rt http.RoundTripper = &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   tlsTimeout,
		ResponseHeaderTimeout: o.headerTimeout,
		IdleConnTimeout:       idleTimeout,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   5,
		ForceAttemptHTTP2:     true,
	}
	rt = uaTransport{next: rt, ua: o.userAgent}
	if o.retries > 0 {
		logger := o.logger
		if logger == nil {
			logger = slog.Default()
		}
		rt = &retrier{next: rt, retries: o.retries, backoff: o.backoff, logger: logger}
	}
	return &http.Client{Timeout: o.timeout, Transport: rt}
}

type uaTransport struct {
	next http.RoundTripper
	ua   string
}

func (t uaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.ua)
	return t.next.RoundTrip(req)
}

type retrier struct {
	next    http.RoundTripper
	retries int
	backoff time.Duration
	logger  *slog.Logger
}

func (t *retrier) RoundTrip(req *http.Request) (*http.Response, error) {
	// A body that cannot be rewound can only be sent once.
	rewindable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil

	wait := t.backoff
	for attempt := 0; ; attempt++ {
		r := req
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("rewind request body: %w", err)
			}
			r = req.Clone(req.Context())
			r.Body = body
		}

		resp, err := t.next.RoundTrip(r)
		if attempt >= t.retries || !rewindable || !Retryable(req.Method, resp, err) {
			return resp, err
		}
		if resp != nil {
			Drain(resp.Body)
		}
		t.logger.Debug("retrying request",
			"method", req.Method,
			"url", req.URL.Redacted(),
			"attempt", attempt+1,
			"wait", wait,
			"error", retryCause(resp, err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}
		wait *= 2
	}
}

func retryCause(resp *http.Response, err error) any {
	if err != nil {
		return err
	}
	return resp.Status
}

// Retryable reports whether a round trip outcome is worth repeating.
// Dial failures (refused, host or network unreachable) are retried for
// any method since nothing reached the server. Gateway errors (502, 503,
// 504) are retried only for GET and HEAD. A reset connection is never
// retried: the server may already have acted.
func Retryable(method string, resp *http.Response, err error) bool {
	if err != nil {
		var errno syscall.Errno
		if !errors.As(err, &errno) {
			return false
		}
		return errno == syscall.ECONNREFUSED || errno == syscall.EHOSTUNREACH || errno == syscall.ENETUNREACH
	}
	if method != http.MethodGet && method != http.MethodHead {
		return false
	}
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// StatusError is a non-2xx response from a remote service.
type StatusError struct {
	Service string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Service, e.Code)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Service, e.Code, e.Body)
}

// errorBodyLimit caps how much of an error response ends up in a
// [StatusError].
const errorBodyLimit = 1024

// CheckStatus returns nil for a 2xx response and leaves the body for
// the caller. Otherwise it consumes and closes the body and returns a
// *StatusError carrying its first KiB.
func CheckStatus(service string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	Drain(resp.Body)
	return &StatusError{Service: service, Code: resp.StatusCode, Body: string(body)}
}

// IsStatus reports whether err wraps a [StatusError] with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// Drain discards what is left of a body (up to 64 KiB) and closes it
// so the connection can be reused.
func Drain(rc io.ReadCloser) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 64<<10))
	rc.Close()
}
