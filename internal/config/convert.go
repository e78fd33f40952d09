package config

import (
	"fmt"
	"strings"
	"time"

	"cloudspeed/internal/transport/cloudflare"
	"cloudspeed/pkg/logx"
	"cloudspeed/pkg/retry"
	"cloudspeed/pkg/speedtest"
)

// LogConfig maps the logging section for logx.New.
func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}
}

// TransportOptions maps the server section for cloudflare.New.
func (c *Config) TransportOptions(log logx.Logger) (cloudflare.Options, error) {
	dial, err := ParseDurationField("server.dial_timeout", c.Server.DialTimeout)
	if err != nil {
		return cloudflare.Options{}, err
	}
	return cloudflare.Options{
		BaseURL:           strings.TrimSpace(c.Server.BaseURL),
		UserAgent:         c.Server.UserAgent,
		DialTimeout:       dial,
		MaxConnections:    c.Server.MaxConnections,
		DisableHTTP2:      c.Server.DisableHTTP2,
		DisableKeepAlives: c.Server.DisableKeepAlives,
		Logger:            log,
	}, nil
}

// MetadataFallback reports whether the speedtest.net lookup is enabled.
func (c *Config) MetadataFallback() bool {
	return c.Server.MetadataFallback == nil || *c.Server.MetadataFallback
}

// TestConfig builds a normalized speedtest.TestConfig. Errors wrap
// speedtest.ErrInvalidConfig.
func (c *Config) TestConfig() (speedtest.TestConfig, error) {
	out, err := c.testConfig()
	if err != nil {
		return speedtest.TestConfig{}, fmt.Errorf("%w: %w", speedtest.ErrInvalidConfig, err)
	}
	return out.Normalize()
}

func (c *Config) testConfig() (speedtest.TestConfig, error) {
	t := c.Test
	out := speedtest.DefaultConfig()
	var p fieldParser

	if n := p.size("test.estimate", t.Estimate); n > 0 {
		out.Estimate.Bytes = n
	}
	if t.DownloadTiers != nil {
		out.DownloadTiers = p.tiers("test.download_tiers", t.DownloadTiers)
	}
	if t.UploadTiers != nil {
		out.UploadTiers = p.tiers("test.upload_tiers", t.UploadTiers)
	}
	if t.LatencyPackets != 0 {
		out.LatencyPackets = t.LatencyPackets
	}
	p.duration(&out.LoadedLatencyThrottle, "test.loaded_latency_throttle", t.LoadedLatencyThrottle)
	if t.LoadedLatencyWindow > 0 {
		out.LoadedLatencyWindow = t.LoadedLatencyWindow
	}
	p.duration(&out.LoadedRequestMinDuration, "test.loaded_request_min_duration", t.LoadedRequestMinDuration)
	p.duration(&out.BandwidthFinishDuration, "test.bandwidth_finish_duration", t.BandwidthFinishDuration)
	p.duration(&out.BandwidthMinDuration, "test.bandwidth_min_duration", t.BandwidthMinDuration)
	if t.BandwidthPercentile != 0 {
		out.BandwidthPercentile = t.BandwidthPercentile
	}
	if p.err == nil {
		order, err := speedtest.ParseTierOrder(t.TierOrder)
		if err != nil {
			p.err = fmt.Errorf("test.tier_order: %w", err)
		}
		out.TierOrder = order
	}
	if t.TierConcurrency > 0 {
		out.TierConcurrency = t.TierConcurrency
	}
	p.duration(&out.ProbeTimeout, "test.probe_timeout", t.ProbeTimeout)
	p.duration(&out.CancelGrace, "test.cancel_grace", t.CancelGrace)

	out.Retry = retry.Policy{MaxRetries: t.Retry.MaxRetries, Jitter: t.Retry.Jitter}
	p.duration(&out.Retry.Base, "test.retry.base", t.Retry.Base)
	p.duration(&out.Retry.MaxDelay, "test.retry.max_delay", t.Retry.MaxDelay)

	if pl := c.PacketLoss; pl != nil && pl.Enabled {
		plc := &speedtest.PacketLossConfig{
			TURNServerURI: strings.TrimSpace(pl.TURNServerURI),
			Username:      pl.Username,
			Credential:    pl.Credential,
			Realm:         pl.Realm,
			NumPackets:    pl.NumPackets,
			BatchSize:     pl.BatchSize,
		}
		p.duration(&plc.BatchWait, "packet_loss.batch_wait", pl.BatchWait)
		p.duration(&plc.WaitWindow, "packet_loss.wait_window", pl.WaitWindow)
		p.duration(&plc.AllocateTimeout, "packet_loss.allocate_timeout", pl.AllocateTimeout)
		out.PacketLoss = plc
	}
	return out, p.err
}

// fieldParser keeps the first error so conversions read as a flat list.
type fieldParser struct{ err error }

func (p *fieldParser) duration(dst *time.Duration, path, raw string) {
	if p.err != nil {
		return
	}
	d, err := ParseDurationField(path, raw)
	if err != nil {
		p.err = err
		return
	}
	if d > 0 {
		*dst = d
	}
}

func (p *fieldParser) size(path, raw string) int64 {
	if p.err != nil {
		return 0
	}
	n, err := ParseSizeField(path, raw)
	if err != nil {
		p.err = err
	}
	return n
}

func (p *fieldParser) tiers(path string, in []TierConfig) []speedtest.DataBlock {
	out := make([]speedtest.DataBlock, 0, len(in))
	for i, t := range in {
		field := fmt.Sprintf("%s[%d]", path, i)
		n := p.size(field+".size", t.Size)
		if p.err == nil && n == 0 {
			p.err = fmt.Errorf("%s.size: required", field)
		}
		if p.err == nil && t.Count <= 0 {
			p.err = fmt.Errorf("%s.count: must be > 0", field)
		}
		out = append(out, speedtest.DataBlock{Bytes: n, Count: t.Count})
	}
	return out
}
