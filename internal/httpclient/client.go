// Package httpclient builds the HTTP clients shared by outbound
// integrations. All clients log at debug level through the injected
// logger and reuse a tuned transport.
package httpclient

import (
	"net"
	"net/http"
	"time"

	"routa/internal/logging"
)

// New returns an HTTP client with the given total request timeout.
func New(timeout time.Duration, logger logging.Logger) *http.Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: &loggingRoundTripper{base: transport, logger: logging.OrNop(logger)},
	}
}

type loggingRoundTripper struct {
	base   http.RoundTripper
	logger logging.Logger
}

func (t *loggingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	started := time.Now()
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		t.logger.Debug("http %s %s failed after %v: %v", req.Method, req.URL.Host, time.Since(started), err)
		return nil, err
	}
	t.logger.Debug("http %s %s -> %d in %v", req.Method, req.URL.Host, resp.StatusCode, time.Since(started))
	return resp, nil
}
