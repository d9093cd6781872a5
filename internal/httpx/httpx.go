package httpx

import (
    "net"
    "net/http"
    "time"
)

// HTTPClient describes an HTTP client.
//
//go:generate mockgen -package=httpx_test -destination=mock_http_client_test.go -source=httpx.go HTTPClient
type HTTPClient interface {
    Do(req *http.Request) (*http.Response, error)
}

// Options sizes the shared client. Zero fields fall back to DefaultOptions.
type Options struct {
    Timeout        time.Duration // whole request, body included
    ConnectTimeout time.Duration
    MaxConns       int // concurrent connections per host
    MaxIdleConns   int // keep-alive connections kept per host
}

func DefaultOptions() Options {
    return Options{Timeout: 30 * time.Second, ConnectTimeout: 10 * time.Second, MaxConns: 10, MaxIdleConns: 5}
}

// Client is a small wrapper around http.Client with sane defaults.
// One Client is shared by every provider.
type Client struct {
    HTTP      *http.Client
    UserAgent string
    Headers   map[string]string
}

func New(o Options) *Client {
    d := DefaultOptions()
    if o.Timeout <= 0 { o.Timeout = d.Timeout }
    if o.ConnectTimeout <= 0 { o.ConnectTimeout = d.ConnectTimeout }
    if o.MaxConns <= 0 { o.MaxConns = d.MaxConns }
    if o.MaxIdleConns <= 0 { o.MaxIdleConns = d.MaxIdleConns }
    transport := &http.Transport{
        Proxy:                 http.ProxyFromEnvironment,
        DialContext:           (&net.Dialer{Timeout: o.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext,
        MaxIdleConns:          o.MaxIdleConns,
        MaxIdleConnsPerHost:   o.MaxIdleConns,
        MaxConnsPerHost:       o.MaxConns,
        ForceAttemptHTTP2:     true,
        IdleConnTimeout:       90 * time.Second,
        TLSHandshakeTimeout:   o.ConnectTimeout,
        ExpectContinueTimeout: 1 * time.Second,
    }
    return &Client{HTTP: &http.Client{Timeout: o.Timeout, Transport: transport}, UserAgent: "pricefeed/1.0"}
}

func (c *Client) Do(req *http.Request) (*http.Response, error) {
    if c.UserAgent != "" && req.Header.Get("User-Agent") == "" {
        req.Header.Set("User-Agent", c.UserAgent)
    }
    for k, v := range c.Headers {
        if req.Header.Get(k) == "" {
            req.Header.Set(k, v)
        }
    }
    return c.HTTP.Do(req)
}
