package cloudflare

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"cloudspeed/pkg/speedtest"
)

func newTestServer(t *testing.T, mux *http.ServeMux) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c, err := New(Options{BaseURL: srv.URL, UserAgent: "cloudspeed-test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return srv, c
}

func speedMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/__down", func(w http.ResponseWriter, r *http.Request) {
		n, err := strconv.Atoi(r.URL.Query().Get("bytes"))
		if err != nil || n < 0 {
			http.Error(w, "bad bytes", http.StatusBadRequest)
			return
		}
		w.Header().Set("Server-Timing", "cfRequestDuration;dur=1.5")
		w.Header().Set("Content-Length", strconv.Itoa(n))
		_, _ = w.Write(make([]byte, n))
	})
	mux.HandleFunc("/__up", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		n, _ := io.Copy(io.Discard, r.Body)
		w.Header().Set("Server-Timing", fmt.Sprintf("cfRequestDuration;dur=%d", n%7))
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func TestExchangeDownload(t *testing.T) {
	t.Parallel()
	_, c := newTestServer(t, speedMux())

	resp, err := c.Exchange(context.Background(), speedtest.Request{Direction: speedtest.Download, Bytes: 50_000})
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if resp.Bytes != 50_000 || resp.Status != http.StatusOK {
		t.Fatalf("resp = %+v", resp)
	}
	tm := resp.Timing
	if tm.ServerTime != 1500*time.Microsecond {
		t.Fatalf("ServerTime = %v, want 1.5ms", tm.ServerTime)
	}
	if tm.Total <= 0 || tm.TTFB <= 0 || tm.TTFB > tm.Total {
		t.Fatalf("timing = %+v", tm)
	}
	if tm.Wait > tm.TTFB || tm.DNS+tm.Connect+tm.TLS > tm.TTFB {
		t.Fatalf("nested phases exceed TTFB: %+v", tm)
	}
	if tm.Transfer != tm.Total-tm.TTFB {
		t.Fatalf("Transfer = %v, want Total-TTFB", tm.Transfer)
	}
}

func TestExchangeLatencyProbeReusesConnection(t *testing.T) {
	t.Parallel()
	_, c := newTestServer(t, speedMux())
	ctx := context.Background()

	first, err := c.Exchange(ctx, speedtest.Request{Direction: speedtest.Download})
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if first.Bytes != 0 {
		t.Fatalf("latency probe read %d bytes", first.Bytes)
	}
	if first.Timing.Connect <= 0 {
		t.Fatalf("first exchange reported no connect time: %+v", first.Timing)
	}
	second, err := c.Exchange(ctx, speedtest.Request{Direction: speedtest.Download})
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if second.Timing.Connect != 0 || second.Timing.DNS != 0 {
		t.Fatalf("reused connection reported setup time: %+v", second.Timing)
	}
}

func TestExchangeUpload(t *testing.T) {
	t.Parallel()
	_, c := newTestServer(t, speedMux())
	payload := make([]byte, 20_000)

	resp, err := c.Exchange(context.Background(), speedtest.Request{Direction: speedtest.Upload, Bytes: int64(len(payload)), Payload: payload})
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if resp.Bytes != int64(len(payload)) {
		t.Fatalf("Bytes = %d, want %d", resp.Bytes, len(payload))
	}
	if resp.Timing.ServerTime != time.Duration(20_000%7)*time.Millisecond {
		t.Fatalf("ServerTime = %v", resp.Timing.ServerTime)
	}
}

func TestExchangeServerErrors(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/__down", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Retry-After", "3")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})
	mux.HandleFunc("/__up", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	})
	_, c := newTestServer(t, mux)

	_, err := c.Exchange(context.Background(), speedtest.Request{Direction: speedtest.Download, Bytes: 10})
	var se *speedtest.ServerError
	if !errors.As(err, &se) || se.Status != http.StatusTooManyRequests || se.RetryAfter != 3*time.Second {
		t.Fatalf("err = %v, want 429 with Retry-After 3s", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("hits = %d: transport must not retry on its own", hits.Load())
	}

	_, err = c.Exchange(context.Background(), speedtest.Request{Direction: speedtest.Upload, Bytes: 1, Payload: []byte{0}})
	if speedtest.ExitCode(err) != speedtest.ExitServer {
		t.Fatalf("upload err = %v, want server error", err)
	}
}

func TestExchangeNetworkError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(Options{BaseURL: url})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Exchange(context.Background(), speedtest.Request{Direction: speedtest.Download, Bytes: 1})
	var ne *speedtest.NetworkError
	if !errors.As(err, &ne) || ne.Kind != speedtest.KindConnect {
		t.Fatalf("err = %v, want connect NetworkError", err)
	}
}

func TestExchangeCancelled(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/__down", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	})
	_, c := newTestServer(t, mux)
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Exchange(ctx, speedtest.Request{Direction: speedtest.Download, Bytes: 1})
	var ne *speedtest.NetworkError
	if !errors.As(err, &ne) || ne.Kind != speedtest.KindTimeout {
		t.Fatalf("err = %v, want timeout", err)
	}
}

func TestNewRejectsScheme(t *testing.T) {
	t.Parallel()
	if _, err := New(Options{BaseURL: "ftp://speed.example"}); err == nil {
		t.Fatal("ftp base url accepted")
	}
	c, err := New(Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.BaseURL() != DefaultBaseURL {
		t.Fatalf("BaseURL = %q", c.BaseURL())
	}
}

func TestMetadataFromMeta(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/meta", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"hostname":"speed.cloudflare.com","clientIp":"203.0.113.7","httpProtocol":"HTTP/2",
			"asn":64500,"asOrganization":"Example Net","colo":"AMS","country":"NL","city":"Utrecht",
			"region":"Utrecht","postalCode":"3511","latitude":"52.09070","longitude":"5.12140"}`)
	})
	mux.HandleFunc("/locations", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"iata":"FRA","lat":50.03,"lon":8.56,"region":"Europe","city":"Frankfurt"},
			{"iata":"AMS","lat":52.31,"lon":4.76,"region":"Europe","city":"Amsterdam"}]`)
	})
	_, c := newTestServer(t, mux)

	md, err := c.Metadata(context.Background())
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	want := speedtest.Metadata{
		ClientIP: "203.0.113.7", ASN: 64500, ISP: "Example Net", Country: "NL", City: "Utrecht",
		Region: "Utrecht", Latitude: 52.0907, Longitude: 5.1214, Colo: "AMS", ServerCity: "Amsterdam",
		HTTPProtocol: "HTTP/2", Source: SourceMeta,
	}
	if md != want {
		t.Fatalf("Metadata = %+v, want %+v", md, want)
	}
}

func TestMetadataFallsBackToTrace(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/meta", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusInternalServerError)
	})
	mux.HandleFunc("/cdn-cgi/trace", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, strings.Join([]string{
			"fl=12f1", "h=speed.cloudflare.com", "ip=198.51.100.4", "colo=FRA",
			"http=http/1.1", "loc=DE", "tls=TLSv1.3", "garbage-line",
		}, "\n"))
	})
	mux.HandleFunc("/locations", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	})
	_, c := newTestServer(t, mux)

	md, err := c.Metadata(context.Background())
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if md.ClientIP != "198.51.100.4" || md.Colo != "FRA" || md.Country != "DE" || md.Source != SourceTrace {
		t.Fatalf("Metadata = %+v", md)
	}
	if md.ServerCity != "" {
		t.Fatalf("ServerCity = %q, want empty when locations fail", md.ServerCity)
	}
}

func TestMetadataBothFail(t *testing.T) {
	t.Parallel()
	_, c := newTestServer(t, http.NewServeMux())
	if _, err := c.Metadata(context.Background()); err == nil {
		t.Fatal("Metadata succeeded with no endpoints")
	}
}

func TestParseTrace(t *testing.T) {
	t.Parallel()
	kv := parseTrace([]byte("a=1\n\nb=x=y\nnovalue\n=skip\n"))
	if kv["a"] != "1" || kv["b"] != "x=y" || len(kv) != 2 {
		t.Fatalf("parseTrace = %v", kv)
	}
}
