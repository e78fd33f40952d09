package cloudflare

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"cloudspeed/pkg/logx"
	"cloudspeed/pkg/speedtest"
)

const (
	metaPath      = "/meta"
	locationsPath = "/locations"
	tracePath     = "/cdn-cgi/trace"

	metadataBodyLimit = 4 << 20

	// SourceMeta and SourceTrace tag where Metadata came from.
	SourceMeta  = "cloudflare-meta"
	SourceTrace = "cloudflare-trace"
)

var _ speedtest.MetadataProvider = (*Client)(nil)

// meta is the /meta document. Coordinates arrive as strings.
type meta struct {
	Hostname       string    `json:"hostname"`
	ClientIP       string    `json:"clientIp"`
	HTTPProtocol   string    `json:"httpProtocol"`
	ASN            int       `json:"asn"`
	ASOrganization string    `json:"asOrganization"`
	Colo           string    `json:"colo"`
	Country        string    `json:"country"`
	City           string    `json:"city"`
	Region         string    `json:"region"`
	PostalCode     string    `json:"postalCode"`
	Latitude       flexFloat `json:"latitude"`
	Longitude      flexFloat `json:"longitude"`
}

type location struct {
	IATA   string    `json:"iata"`
	Lat    flexFloat `json:"lat"`
	Lon    flexFloat `json:"lon"`
	Region string    `json:"region"`
	City   string    `json:"city"`
}

// flexFloat accepts a JSON number or a numeric string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("coordinate %q: %w", s, err)
	}
	*f = flexFloat(v)
	return nil
}

// Metadata describes the client connection. It reads /meta and resolves the
// serving colo to a city through /locations; when /meta fails it falls back
// to the plain-text trace endpoint.
func (c *Client) Metadata(ctx context.Context) (speedtest.Metadata, error) {
	md, err := c.fromMeta(ctx)
	if err == nil {
		return md, nil
	}
	if ctx.Err() != nil {
		return speedtest.Metadata{}, err
	}
	c.log.Debug("meta endpoint failed, trying trace", logx.Err(err))
	md, terr := c.fromTrace(ctx)
	if terr != nil {
		return speedtest.Metadata{}, errors.Join(err, terr)
	}
	return md, nil
}

func (c *Client) fromMeta(ctx context.Context) (speedtest.Metadata, error) {
	var m meta
	if err := c.getJSON(ctx, metaPath, &m); err != nil {
		return speedtest.Metadata{}, err
	}
	md := speedtest.Metadata{
		ClientIP:     m.ClientIP,
		ASN:          m.ASN,
		ISP:          m.ASOrganization,
		Country:      m.Country,
		City:         m.City,
		Region:       m.Region,
		Latitude:     float64(m.Latitude),
		Longitude:    float64(m.Longitude),
		Colo:         m.Colo,
		HTTPProtocol: m.HTTPProtocol,
		Source:       SourceMeta,
	}
	if md.Colo != "" {
		city, err := c.coloCity(ctx, md.Colo)
		if err != nil {
			c.log.Debug("colo lookup failed", logx.String("colo", md.Colo), logx.Err(err))
		}
		md.ServerCity = city
	}
	return md, nil
}

// coloCity maps an IATA colo code to the city it serves. Unknown codes give
// an empty city and no error.
func (c *Client) coloCity(ctx context.Context, colo string) (string, error) {
	var locs []location
	if err := c.getJSON(ctx, locationsPath, &locs); err != nil {
		return "", err
	}
	for _, l := range locs {
		if strings.EqualFold(l.IATA, colo) {
			return l.City, nil
		}
	}
	return "", nil
}

func (c *Client) fromTrace(ctx context.Context) (speedtest.Metadata, error) {
	body, err := c.get(ctx, tracePath)
	if err != nil {
		return speedtest.Metadata{}, err
	}
	kv := parseTrace(body)
	if kv["ip"] == "" {
		return speedtest.Metadata{}, errors.New("trace: no ip field")
	}
	md := speedtest.Metadata{
		ClientIP:     kv["ip"],
		Colo:         kv["colo"],
		Country:      kv["loc"],
		HTTPProtocol: kv["http"],
		Source:       SourceTrace,
	}
	if md.Colo != "" {
		md.ServerCity, _ = c.coloCity(ctx, md.Colo)
	}
	return md, nil
}

// parseTrace reads key=value lines. Lines without '=' are skipped.
func parseTrace(body []byte) map[string]string {
	out := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(string(body)))
	for sc.Scan() {
		k, v, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok || k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

func (c *Client) getJSON(ctx context.Context, path string, dst any) error {
	body, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%s: decode: %w", path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, nil), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.ua)
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, speedtest.ClassifyNetworkError(path, unwrapURLError(err))
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, metadataBodyLimit))
	if err != nil {
		return nil, speedtest.ClassifyNetworkError(path, err)
	}
	if resp.StatusCode >= 400 {
		return nil, speedtest.NewServerError(resp.StatusCode, resp.Header.Get("Retry-After"), c.now())
	}
	return body, nil
}
