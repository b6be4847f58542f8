// Package httpkit builds the HTTP clients used for outbound calls to
// the completion endpoint and the search backends, plus helpers for
// reading their responses.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nugget/kinship/internal/buildinfo"
)

// Transport settings shared by every client.
const (
	dialTimeout           = 10 * time.Second
	keepAlive             = 30 * time.Second
	tlsHandshakeTimeout   = 10 * time.Second
	responseHeaderTimeout = 60 * time.Second
	idleConnTimeout       = 90 * time.Second
	maxIdleConnsPerHost   = 4
)

// shared is the pooled transport behind every client from NewClient.
var shared = sync.OnceValue(func() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: keepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ResponseHeaderTimeout: responseHeaderTimeout,
		IdleConnTimeout:       idleConnTimeout,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
})

// Option configures a client built by NewClient.
type Option func(*roundTripper, *http.Client)

// WithTimeout sets the overall request timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(_ *roundTripper, c *http.Client) { c.Timeout = d }
}

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) Option {
	return func(rt *roundTripper, _ *http.Client) { rt.ua = ua }
}

// WithDialRetry retries a request up to n times when it fails before
// reaching the server (host or network unreachable, connection
// refused). Requests whose body cannot be rewound are not retried.
func WithDialRetry(n int, delay time.Duration) Option {
	return func(rt *roundTripper, _ *http.Client) {
		rt.retries = n
		rt.delay = delay
	}
}

// WithLogger sets the logger for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(rt *roundTripper, _ *http.Client) { rt.logger = l }
}

// NewClient builds an *http.Client on the shared transport. The
// default timeout is 30 seconds.
func NewClient(opts ...Option) *http.Client {
	rt := &roundTripper{base: shared(), ua: buildinfo.UserAgent()}
	c := &http.Client{Timeout: 30 * time.Second, Transport: rt}
	for _, o := range opts {
		o(rt, c)
	}
	if rt.logger == nil {
		rt.logger = slog.Default()
	}
	return c
}

// roundTripper stamps the User-Agent and retries dial failures.
type roundTripper struct {
	base    http.RoundTripper
	ua      string
	retries int
	delay   time.Duration
	logger  *slog.Logger
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if rt.ua != "" && req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", rt.ua)
	}

	rewindable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
	for attempt := 0; ; attempt++ {
		attemptReq := req
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("retry: rewind body: %w", err)
			}
			attemptReq = req.Clone(req.Context())
			attemptReq.Body = body
		}

		resp, err := rt.base.RoundTrip(attemptReq)
		if err == nil || !isDialError(err) || !rewindable || attempt >= rt.retries {
			return resp, err
		}

		rt.logger.Debug("retrying request after dial failure",
			"method", req.Method,
			"host", req.URL.Host,
			"attempt", attempt+1,
			"error", err,
		)
		timer := time.NewTimer(rt.delay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}
	}
}

// isDialError reports whether err happened before any bytes reached
// the server, which makes a retry safe.
func isDialError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ECONNREFUSED:
			return true
		}
	}
	return false
}

// DrainAndClose reads up to limit bytes from rc and closes it so the
// connection returns to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody reads up to limit bytes of an error response body, then
// drains and closes the rest. Returns "" if rc is nil.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}

// ParseRetryAfter interprets a Retry-After header value given either as
// delta-seconds or as an HTTP date. It returns zero when the header is
// absent, malformed, or already in the past.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
