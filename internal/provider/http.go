package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"KlineVault/internal/model"
	"KlineVault/internal/ratelimit"
)

// DefaultTimeout bounds a single HTTP request.
const DefaultTimeout = 30 * time.Second

// Option configures an HTTP-backed provider.
type Option func(*options)

type options struct {
	baseURL  string
	listURL  string
	pageSize int
	limiter  *ratelimit.Limiter
	client   *http.Client
	proxy    string
	timeout  time.Duration
}

// WithBaseURL overrides the bar endpoint.
func WithBaseURL(u string) Option { return func(o *options) { o.baseURL = u } }

// WithListURL overrides the listing endpoint.
func WithListURL(u string) Option { return func(o *options) { o.listURL = u } }

// WithPageSize sets the page size used when walking results.
func WithPageSize(n int) Option { return func(o *options) { o.pageSize = n } }

// WithLimiter shares a rate limiter with the provider.
func WithLimiter(l *ratelimit.Limiter) Option { return func(o *options) { o.limiter = l } }

// WithHTTPClient replaces the HTTP client; proxy and timeout are then ignored.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.client = c } }

// WithProxy routes requests through an HTTP proxy.
func WithProxy(proxyURL string) Option { return func(o *options) { o.proxy = proxyURL } }

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option { return func(o *options) { o.timeout = d } }

func buildOptions(id string, defaults options, opts []Option) options {
	o := defaults
	o.timeout = DefaultTimeout
	for _, opt := range opts {
		opt(&o)
	}
	if o.limiter == nil {
		o.limiter = ratelimit.Unlimited(id)
	}
	if o.client == nil {
		o.client = newHTTPClient(o.proxy, o.timeout)
	}
	return o
}

func newHTTPClient(proxyURL string, timeout time.Duration) *http.Client {
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// httpSource issues rate-limited GETs and classifies failures.
type httpSource struct {
	id      string
	client  *http.Client
	limiter *ratelimit.Limiter
}

func (s *httpSource) get(ctx context.Context, sym model.Symbol, endpoint string, params url.Values) ([]byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, &Error{Source: s.id, Symbol: sym, Kind: ErrNetwork, Err: err}
	}

	reqURL := endpoint
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", s.id, err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.Header.Set("Accept", "application/json, text/plain, */*")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &Error{Source: s.id, Symbol: sym, Kind: ErrNetwork, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Source: s.id, Symbol: sym, Kind: ErrNetwork, Err: fmt.Errorf("read body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusServiceUnavailable:
		return nil, newError(s.id, sym, ErrRateLimited, "status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return nil, newError(s.id, sym, ErrSymbolNotFound, "status %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, newError(s.id, sym, ErrNetwork, "status %d", resp.StatusCode)
	default:
		return nil, newError(s.id, sym, ErrSchemaMismatch, "status %d, body: %s", resp.StatusCode, truncate(body, 200))
	}
}

func parsePrice(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" {
		return 0, errors.New("empty number")
	}
	return strconv.ParseFloat(s, 64)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// appendAscending appends bars inside [start, end] that advance past the last appended date.
func appendAscending(dst []model.RawBar, page []model.RawBar, start, end time.Time) []model.RawBar {
	for _, b := range page {
		if b.Date.Before(start) || b.Date.After(end) {
			continue
		}
		if n := len(dst); n > 0 && !b.Date.After(dst[n-1].Date) {
			continue
		}
		dst = append(dst, b)
	}
	return dst
}
