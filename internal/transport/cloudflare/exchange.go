package cloudflare

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strconv"
	"sync"
	"time"

	"cloudspeed/pkg/logx"
	"cloudspeed/pkg/speedtest"
)

const (
	downPath = "/__down"
	upPath   = "/__up"

	// errorBodyLimit caps how much of an error response is drained so the
	// connection can be reused.
	errorBodyLimit = 64 << 10
)

var errUnsupportedScheme = errors.New("base url must be http or https")

var _ speedtest.Transport = (*Client)(nil)

// Exchange runs one timed request. Downloads fetch req.Bytes from /__down
// (zero bytes is a pure latency probe); uploads POST req.Payload to /__up.
// The response body is fully drained before timing stops.
func (c *Client) Exchange(ctx context.Context, req speedtest.Request) (speedtest.Response, error) {
	op := req.Direction.String()
	hreq, err := c.newRequest(ctx, req)
	if err != nil {
		return speedtest.Response{}, err
	}

	tt := &timingTrace{now: c.now}
	hreq = hreq.WithContext(httptrace.WithClientTrace(hreq.Context(), tt.clientTrace()))

	start := c.now()
	resp, err := c.hc.Do(hreq)
	if err != nil {
		return speedtest.Response{}, speedtest.ClassifyNetworkError(op, unwrapURLError(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, errorBodyLimit))
		return speedtest.Response{Status: resp.StatusCode},
			speedtest.NewServerError(resp.StatusCode, resp.Header.Get("Retry-After"), c.now())
	}

	n, err := io.Copy(io.Discard, resp.Body)
	end := c.now()
	if err != nil {
		return speedtest.Response{Status: resp.StatusCode}, speedtest.ClassifyNetworkError(op, err)
	}

	timing := tt.breakdown(start, end)
	timing.ServerTime = speedtest.ParseServerTiming(resp.Header.Get(speedtest.ServerTimingHeader))

	out := speedtest.Response{Timing: timing, Bytes: n, Status: resp.StatusCode}
	if req.Direction == speedtest.Upload {
		out.Bytes = int64(len(req.Payload))
	}
	c.log.Trace("exchange",
		logx.String("dir", op),
		logx.Int64("bytes", out.Bytes),
		logx.Duration("ttfb", timing.TTFB),
		logx.Duration("total", timing.Total),
		logx.Duration("server", timing.ServerTime),
		logx.Bool("reused", tt.wasReused()))
	return out, nil
}

func (c *Client) newRequest(ctx context.Context, req speedtest.Request) (*http.Request, error) {
	if req.Bytes < 0 {
		return nil, errors.New("negative byte count")
	}
	var (
		hreq *http.Request
		err  error
	)
	switch req.Direction {
	case speedtest.Upload:
		hreq, err = http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(upPath, nil), bytes.NewReader(req.Payload))
		if err == nil {
			hreq.ContentLength = int64(len(req.Payload))
			hreq.Header.Set("Content-Type", "application/octet-stream")
		}
	default:
		q := url.Values{"bytes": {strconv.FormatInt(req.Bytes, 10)}}
		hreq, err = http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(downPath, q), nil)
	}
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("User-Agent", c.ua)
	hreq.Header.Set("Accept-Encoding", "identity")
	return hreq, nil
}

// unwrapURLError strips the *url.Error wrapper http.Client adds, keeping
// the underlying cause for classification.
func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) && ue.Err != nil {
		return ue.Err
	}
	return err
}

// timingTrace records httptrace callbacks. Callbacks may fire on transport
// goroutines, so every field is guarded.
type timingTrace struct {
	now func() time.Time

	mu           sync.Mutex
	dnsStart     time.Time
	dnsDone      time.Time
	connectStart time.Time
	connectDone  time.Time
	tlsStart     time.Time
	tlsDone      time.Time
	wrote        time.Time
	firstByte    time.Time
	reused       bool
}

func (t *timingTrace) wasReused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reused
}

func (t *timingTrace) mark(dst *time.Time) {
	now := t.now()
	t.mu.Lock()
	if dst.IsZero() {
		*dst = now
	}
	t.mu.Unlock()
}

func (t *timingTrace) clientTrace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		DNSStart:     func(httptrace.DNSStartInfo) { t.mark(&t.dnsStart) },
		DNSDone:      func(httptrace.DNSDoneInfo) { t.mark(&t.dnsDone) },
		ConnectStart: func(string, string) { t.mark(&t.connectStart) },
		ConnectDone: func(string, string, error) {
			t.mark(&t.connectDone)
		},
		TLSHandshakeStart: func() { t.mark(&t.tlsStart) },
		TLSHandshakeDone:  func(tls.ConnectionState, error) { t.mark(&t.tlsDone) },
		GotConn: func(info httptrace.GotConnInfo) {
			t.mu.Lock()
			t.reused = info.Reused
			t.mu.Unlock()
		},
		WroteRequest:         func(httptrace.WroteRequestInfo) { t.mark(&t.wrote) },
		GotFirstResponseByte: func() { t.mark(&t.firstByte) },
	}
}

// breakdown turns the recorded marks into a TimingBreakdown. Phases that
// did not happen (a reused connection skips DNS, connect and TLS) are zero.
func (t *timingTrace) breakdown(start, end time.Time) speedtest.TimingBreakdown {
	t.mu.Lock()
	defer t.mu.Unlock()

	span := func(from, to time.Time) time.Duration {
		if from.IsZero() || to.IsZero() || to.Before(from) {
			return 0
		}
		return to.Sub(from)
	}
	var b speedtest.TimingBreakdown
	b.Total = span(start, end)
	b.DNS = span(t.dnsStart, t.dnsDone)
	b.Connect = span(t.connectStart, t.connectDone)
	b.TLS = span(t.tlsStart, t.tlsDone)

	first := t.firstByte
	if first.IsZero() || first.After(end) {
		first = end
	}
	b.TTFB = span(start, first)
	b.Wait = span(t.wrote, first)
	b.Transfer = b.Total - b.TTFB
	return b
}
