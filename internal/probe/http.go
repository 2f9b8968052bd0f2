package probe

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httptrace"
	"time"

	"github.com/hamed0406/connwatch/internal/domain"
)

const DefaultUserAgent = "connwatch/1.0 (connection monitor)"

type HTTPOptions struct {
	SkipTLSVerify bool
	UserAgent     string
	Resolver      *net.Resolver
}

type HTTPDriver struct {
	Client    *http.Client
	UserAgent string
}

func NewHTTPDriver(opts HTTPOptions) *HTTPDriver {
	dialer := &net.Dialer{Resolver: opts.Resolver}
	transport := &http.Transport{
		Proxy:             http.ProxyFromEnvironment,
		DialContext:       dialer.DialContext,
		TLSClientConfig:   &tls.Config{InsecureSkipVerify: opts.SkipTLSVerify}, //nolint:gosec // opt-in for self-signed targets
		DisableKeepAlives: true,
		ForceAttemptHTTP2: true,
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	return &HTTPDriver{
		Client:    &http.Client{Transport: transport},
		UserAgent: ua,
	}
}

// Check issues a GET and classifies the final response: 2xx/3xx is up, anything
// else is down with the code recorded. Latency runs until the status line of
// the final response arrives.
func (h *HTTPDriver) Check(ctx context.Context, spec domain.HTTPSpec) Result {
	op := "http GET " + spec.URL

	var firstByte time.Time
	trace := &httptrace.ClientTrace{
		GotFirstResponseByte: func() { firstByte = time.Now() },
	}
	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), http.MethodGet, spec.URL, nil)
	if err != nil {
		return Result{Err: &ProbeError{Class: ErrProtocol, Op: op, Err: err}}
	}
	req.Header.Set("User-Agent", h.UserAgent)
	req.Header.Set("Accept", "text/html,application/json;q=0.9,*/*;q=0.8")
	req.Header.Set("Cache-Control", "no-cache")

	start := time.Now()
	resp, err := h.Client.Do(req)
	if err != nil {
		return Result{Err: classify(ctx, op, err)}
	}
	defer resp.Body.Close()

	latency := time.Since(start)
	if !firstByte.IsZero() {
		latency = firstByte.Sub(start)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return Result{Latency: latency, HTTPStatus: resp.StatusCode}
	}
	return Result{
		HTTPStatus: resp.StatusCode,
		Err:        &StatusCodeError{Code: resp.StatusCode, Text: http.StatusText(resp.StatusCode)},
	}
}
