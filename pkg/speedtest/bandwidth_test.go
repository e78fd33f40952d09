package speedtest

import (
	"errors"
	"math"
	"testing"
	"time"
)

func measure(t *testing.T, bytes int64, dur, server time.Duration) BandwidthMeasurement {
	t.Helper()
	m, err := NewBandwidthMeasurement(Download, bytes, TimingBreakdown{Total: dur, TTFB: dur / 4, ServerTime: server})
	if err != nil {
		t.Fatalf("NewBandwidthMeasurement(%d, %v, %v): %v", bytes, dur, server, err)
	}
	return m
}

func TestBandwidthPerSample(t *testing.T) {
	t.Parallel()
	a := measure(t, 100000, 20*time.Millisecond, 0)
	b := measure(t, 100000, 15*time.Millisecond, 0)
	if math.Abs(a.BandwidthBps-40e6) > 1 {
		t.Fatalf("bps = %v, want 40e6", a.BandwidthBps)
	}
	if math.Abs(b.BandwidthBps/1e6-53.333333) > 1e-4 {
		t.Fatalf("Mbps = %v, want 53.33", b.BandwidthBps/1e6)
	}

	got, err := Aggregate([]BandwidthMeasurement{a, b}, 0.9, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Aggregate error: %v", err)
	}
	if got <= 40 || got >= 53.34 {
		t.Fatalf("Aggregate = %v, want between 40 and 53.33", got)
	}
	if math.Abs(got-53.333) > math.Abs(got-40) {
		t.Fatalf("Aggregate = %v, want closer to 53.33", got)
	}
}

func TestBandwidthServerTimeExcluded(t *testing.T) {
	t.Parallel()
	m := measure(t, 125000, 110*time.Millisecond, 10*time.Millisecond)
	if math.Abs(m.BandwidthBps-10e6) > 1 {
		t.Fatalf("bps = %v, want 10e6", m.BandwidthBps)
	}
	if m.ServerTimeMs != 10 || m.DurationMs != 110 {
		t.Fatalf("ServerTimeMs = %v DurationMs = %v", m.ServerTimeMs, m.DurationMs)
	}
}

func TestBandwidthUndefinedWhenServerDominates(t *testing.T) {
	t.Parallel()
	for _, server := range []time.Duration{20 * time.Millisecond, 30 * time.Millisecond} {
		_, err := NewBandwidthMeasurement(Upload, 1000, TimingBreakdown{Total: 20 * time.Millisecond, ServerTime: server})
		if !errors.Is(err, ErrUndefinedBandwidth) {
			t.Fatalf("server=%v err = %v, want %v", server, err, ErrUndefinedBandwidth)
		}
	}
}

func TestAggregateFiltersShortSamples(t *testing.T) {
	t.Parallel()
	short := measure(t, 1000, 10*time.Millisecond-time.Microsecond, 0)
	if _, err := Aggregate([]BandwidthMeasurement{short, short}, 0.9, 10*time.Millisecond); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want %v", err, ErrUnavailable)
	}
	if _, err := Aggregate(nil, 0.9, 10*time.Millisecond); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("empty err = %v, want %v", err, ErrUnavailable)
	}

	short.BypassMinDuration = true
	got, err := Aggregate([]BandwidthMeasurement{short}, 0.9, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("bypass Aggregate error: %v", err)
	}
	if got <= 0 {
		t.Fatalf("bypass Aggregate = %v, want > 0", got)
	}
}

func TestAggregateKeepsThresholdSample(t *testing.T) {
	t.Parallel()
	m := measure(t, 125000, 10*time.Millisecond, 0)
	got, err := Aggregate([]BandwidthMeasurement{m}, 0.9, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Aggregate error: %v", err)
	}
	if math.Abs(got-100) > 1e-9 {
		t.Fatalf("Aggregate = %v, want 100", got)
	}
}
