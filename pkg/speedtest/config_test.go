package speedtest

import (
	"errors"
	"testing"
	"time"
)

func TestNormalizeFillsDefaults(t *testing.T) {
	t.Parallel()
	got, err := TestConfig{}.Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	def := DefaultConfig()
	if len(got.DownloadTiers) != len(def.DownloadTiers) || len(got.UploadTiers) != len(def.UploadTiers) {
		t.Fatalf("tiers = %d/%d, want defaults", len(got.DownloadTiers), len(got.UploadTiers))
	}
	if got.Estimate.Bytes != 100*KB || !got.Estimate.BypassMinDuration {
		t.Fatalf("Estimate = %+v", got.Estimate)
	}
	if got.LoadedLatencyThrottle != 400*time.Millisecond || got.LoadedRequestMinDuration != 250*time.Millisecond {
		t.Fatalf("loaded latency defaults = %v/%v", got.LoadedLatencyThrottle, got.LoadedRequestMinDuration)
	}
	if got.BandwidthFinishDuration != time.Second || got.BandwidthPercentile != 0.9 {
		t.Fatalf("bandwidth defaults = %v/%v", got.BandwidthFinishDuration, got.BandwidthPercentile)
	}
	if got.Retry.MaxRetries != 3 {
		t.Fatalf("Retry.MaxRetries = %d, want 3", got.Retry.MaxRetries)
	}
}

func TestNormalizeClampsLatencyPackets(t *testing.T) {
	t.Parallel()
	for _, n := range []int{-1, 0, 5, 19} {
		got, err := TestConfig{LatencyPackets: n}.Normalize()
		if err != nil {
			t.Fatalf("Normalize: %v", err)
		}
		if got.LatencyPackets != MinLatencyPackets {
			t.Fatalf("LatencyPackets(%d) = %d, want %d", n, got.LatencyPackets, MinLatencyPackets)
		}
	}
	got, _ := TestConfig{LatencyPackets: 50}.Normalize()
	if got.LatencyPackets != 50 {
		t.Fatalf("LatencyPackets = %d, want 50", got.LatencyPackets)
	}
}

func TestNormalizeSortsWithoutAliasing(t *testing.T) {
	t.Parallel()
	in := []DataBlock{{Bytes: 10 * MB, Count: 1}, {Bytes: 100 * KB, Count: 2}, {Bytes: 1 * MB, Count: 3}}
	got, err := TestConfig{DownloadTiers: in}.Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	for i := 1; i < len(got.DownloadTiers); i++ {
		if got.DownloadTiers[i-1].Bytes > got.DownloadTiers[i].Bytes {
			t.Fatalf("tiers not sorted: %+v", got.DownloadTiers)
		}
	}
	if in[0].Bytes != 10*MB {
		t.Fatal("caller slice reordered")
	}
}

func TestNormalizeRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  TestConfig
	}{
		{"percentile", TestConfig{BandwidthPercentile: 2}},
		{"zero count", TestConfig{UploadTiers: []DataBlock{{Bytes: KB}}}},
		{"negative bytes", TestConfig{DownloadTiers: []DataBlock{{Bytes: -1, Count: 1}}}},
		{"relay without uri", TestConfig{PacketLoss: &PacketLossConfig{Username: "u"}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := tt.cfg.Normalize(); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Normalize err = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestPacketLossConfigDefaults(t *testing.T) {
	t.Parallel()
	got := PacketLossConfig{NumPackets: 50}.WithDefaults()
	if got.BatchSize != 50 {
		t.Fatalf("BatchSize = %d, want clamped to 50", got.BatchSize)
	}
	got = PacketLossConfig{}.WithDefaults()
	if got.NumPackets != 1000 || got.BatchSize != 100 || got.WaitWindow != 3*time.Second {
		t.Fatalf("defaults = %+v", got)
	}
}
