// Package ookla resolves connection metadata through the Speedtest.net
// configuration endpoint. It backs up the Cloudflare lookup when that one is
// blocked or down.
package ookla

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	st "github.com/showwin/speedtest-go/speedtest"

	"cloudspeed/pkg/speedtest"
)

// Source tags Metadata produced by this package.
const Source = "ookla"

type userFetcher interface {
	FetchUserInfoContext(ctx context.Context) (*st.User, error)
}

// Provider implements speedtest.MetadataProvider.
type Provider struct {
	client userFetcher
}

var _ speedtest.MetadataProvider = (*Provider)(nil)

// New builds a Provider. A nil hc keeps the library's default client.
func New(hc *http.Client) *Provider {
	opts := []st.Option{}
	if hc != nil {
		opts = append(opts, st.WithDoer(hc))
	}
	return &Provider{client: st.New(opts...)}
}

func (p *Provider) Metadata(ctx context.Context) (speedtest.Metadata, error) {
	u, err := p.client.FetchUserInfoContext(ctx)
	if err != nil {
		return speedtest.Metadata{}, speedtest.ClassifyNetworkError("ookla user info", err)
	}
	if u == nil || strings.TrimSpace(u.IP) == "" {
		return speedtest.Metadata{}, errors.New("ookla: empty user info")
	}
	return speedtest.Metadata{
		ClientIP:  u.IP,
		ISP:       u.Isp,
		Latitude:  parseCoord(u.Lat),
		Longitude: parseCoord(u.Lon),
		Source:    Source,
	}, nil
}

func parseCoord(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}
