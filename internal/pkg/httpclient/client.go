// Package httpclient builds the shared outbound HTTP client used by provider adapters.
package httpclient

import (
	"net"
	"net/http"
	"os"
	"strconv"
	"time"
)

// Options tunes the outbound transport.
type Options struct {
	// Timeout bounds a whole request, including reading a streamed body.
	Timeout time.Duration
	// ResponseHeaderTimeout bounds the wait for the first response byte.
	ResponseHeaderTimeout time.Duration
	// MaxIdleConnsPerHost caps keep-alive connections per provider host.
	MaxIdleConnsPerHost int
}

// envDuration reads key as whole seconds or a Go duration string.
func envDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	return fallback
}

// DefaultOptions returns the transport defaults. EMBEDSTREAM_HTTP_TIMEOUT and
// EMBEDSTREAM_HTTP_HEADER_TIMEOUT override the two timeouts.
func DefaultOptions() Options {
	return Options{
		Timeout:               envDuration("EMBEDSTREAM_HTTP_TIMEOUT", 10*time.Minute),
		ResponseHeaderTimeout: envDuration("EMBEDSTREAM_HTTP_HEADER_TIMEOUT", 2*time.Minute),
		MaxIdleConnsPerHost:   64,
	}
}

// New returns a client configured from opts. Zero fields fall back to DefaultOptions.
func New(opts Options) *http.Client {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.ResponseHeaderTimeout <= 0 {
		opts.ResponseHeaderTimeout = def.ResponseHeaderTimeout
	}
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          opts.MaxIdleConnsPerHost * 2,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: time.Second,
	}

	return &http.Client{Transport: transport, Timeout: opts.Timeout}
}
