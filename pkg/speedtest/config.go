package speedtest

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"cloudspeed/pkg/retry"
)

const (
	KB = 1_000
	MB = 1_000_000

	// MinLatencyPackets is the smallest idle-latency sample the engine takes.
	MinLatencyPackets = 20
)

// TierOrder selects how the download and upload ramps are scheduled.
type TierOrder int

const (
	// TierOrderInterleaved alternates directions tier by tier (download tier
	// i, then upload tier i) so both ramps see similar conditions.
	TierOrderInterleaved TierOrder = iota
	// TierOrderSequential runs the whole download ramp before the upload ramp.
	TierOrderSequential
)

func (o TierOrder) String() string {
	switch o {
	case TierOrderInterleaved:
		return "interleaved"
	case TierOrderSequential:
		return "sequential"
	default:
		return fmt.Sprintf("TierOrder(%d)", int(o))
	}
}

// ParseTierOrder accepts "interleaved" or "sequential". Empty means
// interleaved.
func ParseTierOrder(s string) (TierOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "interleaved":
		return TierOrderInterleaved, nil
	case "sequential":
		return TierOrderSequential, nil
	default:
		return 0, fmt.Errorf("%w: unknown tier order %q", ErrInvalidConfig, s)
	}
}

// TestConfig drives one measurement run.
type TestConfig struct {
	// Estimate is the warm-up transfer run before idle latency; its sample
	// is reported through progress events but excluded from results.
	Estimate      DataBlock
	DownloadTiers []DataBlock
	UploadTiers   []DataBlock

	// LatencyPackets is the number of idle latency probes (at least 20).
	LatencyPackets int

	LoadedLatencyThrottle    time.Duration
	LoadedLatencyWindow      int
	LoadedRequestMinDuration time.Duration

	BandwidthFinishDuration time.Duration
	BandwidthMinDuration    time.Duration
	BandwidthPercentile     float64

	TierOrder TierOrder

	// TierConcurrency bounds how many transfers of one tier run at once.
	TierConcurrency int
	// ProbeTimeout bounds a single attempt of any probe.
	ProbeTimeout time.Duration
	// CancelGrace is how long in-flight probes may keep running after the
	// run context is cancelled.
	CancelGrace time.Duration

	Retry retry.Policy

	// PacketLoss is nil when no relay is configured.
	PacketLoss *PacketLossConfig
}

// DefaultDownloadTiers mirrors Cloudflare's download ramp.
func DefaultDownloadTiers() []DataBlock {
	return []DataBlock{
		{Bytes: 100 * KB, Count: 10},
		{Bytes: 1 * MB, Count: 8},
		{Bytes: 10 * MB, Count: 6},
		{Bytes: 25 * MB, Count: 4},
		{Bytes: 100 * MB, Count: 3},
	}
}

// DefaultUploadTiers mirrors Cloudflare's upload ramp.
func DefaultUploadTiers() []DataBlock {
	return []DataBlock{
		{Bytes: 100 * KB, Count: 8},
		{Bytes: 1 * MB, Count: 6},
		{Bytes: 10 * MB, Count: 4},
		{Bytes: 25 * MB, Count: 4},
		{Bytes: 50 * MB, Count: 3},
	}
}

// DefaultConfig returns the standard run configuration without packet loss.
func DefaultConfig() TestConfig {
	return TestConfig{
		Estimate:                 DataBlock{Bytes: 100 * KB, Count: 1, BypassMinDuration: true},
		DownloadTiers:            DefaultDownloadTiers(),
		UploadTiers:              DefaultUploadTiers(),
		LatencyPackets:           MinLatencyPackets,
		LoadedLatencyThrottle:    defaultLoadedLatencyPeriod,
		LoadedLatencyWindow:      defaultLoadedWindow,
		LoadedRequestMinDuration: defaultLoadedMinRequest,
		BandwidthFinishDuration:  time.Second,
		BandwidthMinDuration:     10 * time.Millisecond,
		BandwidthPercentile:      0.9,
		TierConcurrency:          1,
		ProbeTimeout:             30 * time.Second,
		CancelGrace:              2 * time.Second,
		Retry:                    retry.DefaultPolicy(),
	}
}

// Normalize fills zero fields from DefaultConfig, sorts tiers by size and
// validates the result. Tier lists are copied, never shared with the caller.
func (c TestConfig) Normalize() (TestConfig, error) {
	def := DefaultConfig()
	if c.Estimate.Bytes <= 0 {
		c.Estimate = def.Estimate
	}
	if c.Estimate.Count <= 0 {
		c.Estimate.Count = 1
	}
	if c.DownloadTiers == nil {
		c.DownloadTiers = def.DownloadTiers
	}
	if c.UploadTiers == nil {
		c.UploadTiers = def.UploadTiers
	}
	c.DownloadTiers = sortTiers(c.DownloadTiers)
	c.UploadTiers = sortTiers(c.UploadTiers)
	c.LatencyPackets = max(c.LatencyPackets, MinLatencyPackets)
	if c.LoadedLatencyThrottle <= 0 {
		c.LoadedLatencyThrottle = def.LoadedLatencyThrottle
	}
	if c.LoadedLatencyWindow <= 0 {
		c.LoadedLatencyWindow = def.LoadedLatencyWindow
	}
	if c.LoadedRequestMinDuration <= 0 {
		c.LoadedRequestMinDuration = def.LoadedRequestMinDuration
	}
	if c.BandwidthFinishDuration <= 0 {
		c.BandwidthFinishDuration = def.BandwidthFinishDuration
	}
	if c.BandwidthMinDuration < 0 {
		c.BandwidthMinDuration = 0
	}
	if c.BandwidthPercentile == 0 {
		c.BandwidthPercentile = def.BandwidthPercentile
	}
	if c.TierConcurrency <= 0 {
		c.TierConcurrency = def.TierConcurrency
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = def.ProbeTimeout
	}
	if c.CancelGrace < 0 {
		c.CancelGrace = 0
	}
	c.Retry = c.Retry.WithDefaults()
	if c.PacketLoss != nil {
		pl := c.PacketLoss.WithDefaults()
		c.PacketLoss = &pl
	}
	return c, c.validate()
}

func (c TestConfig) validate() error {
	if c.TierOrder != TierOrderInterleaved && c.TierOrder != TierOrderSequential {
		return fmt.Errorf("%w: tier order %v", ErrInvalidConfig, c.TierOrder)
	}
	if c.BandwidthPercentile < 0 || c.BandwidthPercentile > 1 {
		return fmt.Errorf("%w: bandwidth percentile %v outside [0, 1]", ErrInvalidConfig, c.BandwidthPercentile)
	}
	for name, tiers := range map[string][]DataBlock{"download": c.DownloadTiers, "upload": c.UploadTiers} {
		for i, t := range tiers {
			if t.Bytes <= 0 {
				return fmt.Errorf("%w: %s tier %d: bytes must be > 0", ErrInvalidConfig, name, i)
			}
			if t.Count <= 0 {
				return fmt.Errorf("%w: %s tier %d: count must be > 0", ErrInvalidConfig, name, i)
			}
		}
	}
	if c.PacketLoss != nil && c.PacketLoss.TURNServerURI == "" {
		return fmt.Errorf("%w: packet loss enabled without a relay URI", ErrInvalidConfig)
	}
	return nil
}

func sortTiers(in []DataBlock) []DataBlock {
	out := slices.Clone(in)
	slices.SortStableFunc(out, func(a, b DataBlock) int {
		switch {
		case a.Bytes < b.Bytes:
			return -1
		case a.Bytes > b.Bytes:
			return 1
		default:
			return 0
		}
	})
	return out
}
