// Package httpclient builds the shared, connection-pooled HTTP client used
// by every probe and range request in a job. One client is constructed per
// Download call and shared across all of that job's workers.
package httpclient

import (
	"errors"
	"net"
	"net/http"
	"time"
)

// ErrTooManyRedirects is returned by the shared client's redirect policy
// once more than 10 redirects have been followed for a single request.
var ErrTooManyRedirects = errors.New("httpclient: stopped after 10 redirects")

// Config controls the transport-level behavior of the shared client.
type Config struct {
	// ConnectTimeout bounds TCP connect + TLS handshake per dial.
	ConnectTimeout time.Duration
	// MaxConnsPerHost caps pooled connections per host. The inactivity
	// timeout is not a field here: the worker applies it with a timer on
	// each body read.
	MaxConnsPerHost int
}

// New builds an *http.Client with keep-alives enabled, HTTP/2 preferred
// when the server offers it, and a bounded redirect policy (cap 10),
// matching the probe contract in the design notes.
func New(cfg Config) *http.Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.MaxConnsPerHost <= 0 {
		cfg.MaxConnsPerHost = 32
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   cfg.MaxConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return ErrTooManyRedirects
			}
			return nil
		},
	}
}

// DefaultHeaders returns the baseline headers every request carries unless
// overridden by the caller's own headers map.
func DefaultHeaders() map[string]string {
	return map[string]string{
		"User-Agent":      "turbodl/1.0",
		"Accept":          "*/*",
		"Accept-Encoding": "identity",
	}
}
