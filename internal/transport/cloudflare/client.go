// Package cloudflare implements the speedtest transport and metadata lookup
// against Cloudflare's speed test endpoints.
package cloudflare

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cloudspeed/pkg/logx"
)

// DefaultBaseURL is the public Cloudflare speed test edge.
const DefaultBaseURL = "https://speed.cloudflare.com"

// Options tune the HTTP client used for measurements.
type Options struct {
	BaseURL   string
	UserAgent string

	// DialTimeout bounds TCP connects. Zero means 10s.
	DialTimeout time.Duration
	// MaxConnections caps connections per host. Values below 2 are raised
	// to 2 so a latency probe can run beside a transfer.
	MaxConnections int

	// DisableHTTP2 forces HTTP/1.1, which keeps every transfer on its own
	// connection.
	DisableHTTP2      bool
	DisableKeepAlives bool

	Logger logx.Logger
}

// Client talks to one speed test edge. It is safe for concurrent use.
type Client struct {
	base *url.URL
	ua   string
	hc   *http.Client
	tr   *http.Transport
	log  logx.Logger
	now  func() time.Time
}

// New builds a Client. An empty BaseURL selects DefaultBaseURL.
func New(opts Options) (*Client, error) {
	raw := strings.TrimSpace(opts.BaseURL)
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, err
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, &url.Error{Op: "parse", URL: raw, Err: errUnsupportedScheme}
	}
	hc, tr := newHTTPClient(opts)
	ua := opts.UserAgent
	if ua == "" {
		ua = "cloudspeed"
	}
	return &Client{
		base: base,
		ua:   ua,
		hc:   hc,
		tr:   tr,
		log:  opts.Logger.With(logx.String("comp", "cloudflare")),
		now:  time.Now,
	}, nil
}

// BaseURL returns the edge the client measures against.
func (c *Client) BaseURL() string { return c.base.String() }

// Close drops idle connections.
func (c *Client) Close() {
	if c.tr != nil {
		c.tr.CloseIdleConnections()
	}
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

func newHTTPClient(opts Options) (*http.Client, *http.Transport) {
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}

	perHost := opts.MaxConnections
	if perHost <= 0 {
		perHost = 4
	}
	if perHost < 2 {
		perHost = 2
	}

	keepAlive := 30 * time.Second
	if opts.DisableKeepAlives {
		keepAlive = -1
	}
	d := &net.Dialer{Timeout: dialTimeout, KeepAlive: keepAlive}

	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   perHost,
		MaxConnsPerHost:       perHost,
		IdleConnTimeout:       10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		DisableKeepAlives:     opts.DisableKeepAlives,
		// Compressed bodies would skew the byte counts.
		DisableCompression: true,
		ForceAttemptHTTP2:  !opts.DisableHTTP2,
	}
	if opts.DisableHTTP2 {
		tr.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}
	return &http.Client{Transport: tr}, tr
}
