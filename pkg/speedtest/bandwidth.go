package speedtest

import (
	"errors"
	"time"

	"cloudspeed/pkg/stats"
)

// BandwidthMeasurement is one completed transfer. Values are in the units
// reports use: bits per second and milliseconds.
type BandwidthMeasurement struct {
	Direction    Direction `json:"direction"`
	Bytes        int64     `json:"bytes"`
	BandwidthBps float64   `json:"bandwidth_bps"`
	DurationMs   float64   `json:"duration_ms"`
	ServerTimeMs float64   `json:"server_time_ms"`
	TTFBMs       float64   `json:"ttfb_ms"`

	BypassMinDuration bool `json:"-"`
}

// BandwidthBps computes bytes*8 over the transfer time net of server
// processing. It reports false when that time is not positive.
func BandwidthBps(bytes int64, total, serverTime time.Duration) (float64, bool) {
	net := total - serverTime
	if net <= 0 || bytes < 0 {
		return 0, false
	}
	return float64(bytes) * 8 / net.Seconds(), true
}

// NewBandwidthMeasurement derives a measurement from a finished exchange.
func NewBandwidthMeasurement(dir Direction, bytes int64, t TimingBreakdown) (BandwidthMeasurement, error) {
	bps, ok := BandwidthBps(bytes, t.Total, t.ServerTime)
	if !ok {
		return BandwidthMeasurement{}, ErrUndefinedBandwidth
	}
	return BandwidthMeasurement{
		Direction:    dir,
		Bytes:        bytes,
		BandwidthBps: bps,
		DurationMs:   durationMs(t.Total),
		ServerTimeMs: durationMs(t.ServerTime),
		TTFBMs:       durationMs(t.TTFB),
	}, nil
}

// Aggregate reduces measurements to one figure in Mbps: samples shorter than
// minDuration are dropped (unless their tier bypasses the filter), then the
// given percentile of the remaining bandwidths is taken. No usable sample
// yields ErrUnavailable.
func Aggregate(ms []BandwidthMeasurement, percentile float64, minDuration time.Duration) (float64, error) {
	minMs := durationMs(minDuration)
	bps := make([]float64, 0, len(ms))
	for _, m := range ms {
		if m.DurationMs < minMs && !m.BypassMinDuration {
			continue
		}
		bps = append(bps, m.BandwidthBps)
	}
	v, err := stats.Percentile(bps, percentile)
	if err != nil {
		if errors.Is(err, stats.ErrEmptyInput) {
			return 0, ErrUnavailable
		}
		return 0, err
	}
	return v / 1e6, nil
}
