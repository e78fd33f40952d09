package ookla

import (
	"context"
	"errors"
	"testing"

	st "github.com/showwin/speedtest-go/speedtest"

	"cloudspeed/pkg/speedtest"
)

type fakeFetcher struct {
	user *st.User
	err  error
}

func (f fakeFetcher) FetchUserInfoContext(context.Context) (*st.User, error) { return f.user, f.err }

func TestProviderMetadata(t *testing.T) {
	t.Parallel()
	p := &Provider{client: fakeFetcher{user: &st.User{IP: "192.0.2.9", Lat: "48.85", Lon: "2.35", Isp: "Example ISP"}}}
	md, err := p.Metadata(context.Background())
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	want := speedtest.Metadata{ClientIP: "192.0.2.9", ISP: "Example ISP", Latitude: 48.85, Longitude: 2.35, Source: Source}
	if md != want {
		t.Fatalf("Metadata = %+v, want %+v", md, want)
	}
}

func TestProviderErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		f    fakeFetcher
	}{
		{"fetch error", fakeFetcher{err: errors.New("dial tcp: connection refused")}},
		{"nil user", fakeFetcher{}},
		{"empty ip", fakeFetcher{user: &st.User{Isp: "x"}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := (&Provider{client: tt.f}).Metadata(context.Background()); err == nil {
				t.Fatal("Metadata succeeded")
			}
		})
	}
}

func TestParseCoord(t *testing.T) {
	t.Parallel()
	if got := parseCoord(" -33.86 "); got != -33.86 {
		t.Fatalf("parseCoord = %v", got)
	}
	if got := parseCoord("n/a"); got != 0 {
		t.Fatalf("parseCoord(n/a) = %v, want 0", got)
	}
}
