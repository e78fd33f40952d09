package config

import (
	"strconv"
	"strings"

	"cloudspeed/pkg/logx"
	"cloudspeed/pkg/speedtest"
)

// SummarizeEffective returns safe structured attrs describing the settings a
// run will use. Relay credentials are never included.
func SummarizeEffective(c *Config, tc speedtest.TestConfig) []logx.Field {
	if c == nil {
		c = &Config{}
	}
	base := strings.TrimSpace(c.Server.BaseURL)
	if base == "" {
		base = "default"
	}
	attrs := []logx.Field{
		logx.String("server.base_url", base),
		logx.Bool("server.http2", !c.Server.DisableHTTP2),
		logx.Bool("server.metadata_fallback", c.MetadataFallback()),
		logx.String("test.download_tiers", tierList(tc.DownloadTiers)),
		logx.String("test.upload_tiers", tierList(tc.UploadTiers)),
		logx.Int("test.latency_packets", tc.LatencyPackets),
		logx.String("test.tier_order", tc.TierOrder.String()),
		logx.Int("test.tier_concurrency", tc.TierConcurrency),
		logx.Float64("test.percentile", tc.BandwidthPercentile),
		logx.Duration("test.finish", tc.BandwidthFinishDuration),
		logx.Int("test.retry_max", tc.Retry.MaxRetries),
		logx.Bool("packet_loss.enabled", tc.PacketLoss != nil),
	}
	if pl := tc.PacketLoss; pl != nil {
		attrs = append(attrs,
			logx.String("packet_loss.uri", pl.TURNServerURI),
			logx.Bool("packet_loss.auth", pl.Username != "" || pl.Credential != ""),
			logx.Int("packet_loss.packets", pl.NumPackets),
		)
	}
	return attrs
}

func tierList(tiers []speedtest.DataBlock) string {
	parts := make([]string, 0, len(tiers))
	for _, t := range tiers {
		parts = append(parts, strings.ReplaceAll(FormatSize(t.Bytes), " ", "")+"x"+strconv.Itoa(t.Count))
	}
	return strings.Join(parts, ",")
}
