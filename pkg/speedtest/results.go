package speedtest

import (
	"fmt"
	"strings"
	"time"

	"cloudspeed/pkg/scoring"
)

// SpeedTestResults is the outcome of one run. Optional metrics are pointers:
// nil means unavailable, a non-nil zero is a measured zero.
type SpeedTestResults struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration_ns"`
	// Phase is the last phase entered. It is PhaseComplete unless the run
	// was cancelled.
	Phase     Phase    `json:"phase"`
	Cancelled bool     `json:"cancelled,omitempty"`
	Metadata  Metadata `json:"metadata"`

	Latency    LatencyResults     `json:"latency"`
	Download   BandwidthResults   `json:"download"`
	Upload     BandwidthResults   `json:"upload"`
	PacketLoss *PacketLossResult  `json:"packet_loss,omitempty"`
	Scores     *scoring.AimScores `json:"scores,omitempty"`

	lastErr error
}

// Err summarizes how complete the run was: nil when every core metric was
// measured, ErrCancelled for an interrupted run, and ErrUnavailable when a
// metric is missing.
func (r *SpeedTestResults) Err() error {
	if r.Cancelled {
		return ErrCancelled
	}
	var missing []string
	if r.Latency.IdleMs == nil {
		missing = append(missing, "latency")
	}
	if r.Download.SpeedMbps == nil {
		missing = append(missing, "download")
	}
	if r.Upload.SpeedMbps == nil {
		missing = append(missing, "upload")
	}
	if len(missing) == 0 {
		return nil
	}
	// Nothing measured at all: surface the cause so callers can tell a dead
	// network from a partially degraded one.
	if len(missing) == 3 && r.lastErr != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, strings.Join(missing, ", "), r.lastErr)
	}
	return fmt.Errorf("%w: %s", ErrUnavailable, strings.Join(missing, ", "))
}

type LatencyResults struct {
	IdleMs             *float64 `json:"idle_ms,omitempty"`
	IdleJitterMs       *float64 `json:"idle_jitter_ms,omitempty"`
	LoadedDownMs       *float64 `json:"loaded_down_ms,omitempty"`
	LoadedDownJitterMs *float64 `json:"loaded_down_jitter_ms,omitempty"`
	LoadedUpMs         *float64 `json:"loaded_up_ms,omitempty"`
	LoadedUpJitterMs   *float64 `json:"loaded_up_jitter_ms,omitempty"`

	IdleSamples []float64 `json:"idle_samples_ms,omitempty"`
}

type BandwidthResults struct {
	SpeedMbps       *float64     `json:"speed_mbps,omitempty"`
	Tiers           []TierResult `json:"tiers,omitempty"`
	EarlyTerminated bool         `json:"early_terminated,omitempty"`
}

// TierResult is the breakdown for one DataBlock.
type TierResult struct {
	Bytes     int64 `json:"bytes"`
	Count     int   `json:"count"`
	Completed int   `json:"completed"`
	Failed    int   `json:"failed"`
	// Saturated is set when a transfer of this tier ran past the finish
	// duration, which ends the ramp for its direction.
	Saturated    bool                   `json:"saturated,omitempty"`
	SpeedMbps    *float64               `json:"speed_mbps,omitempty"`
	Measurements []BandwidthMeasurement `json:"measurements,omitempty"`
}

// ConnectionMetrics assembles the scoring input. It reports false when one
// of the required metrics is unavailable.
func (r *SpeedTestResults) ConnectionMetrics() (scoring.ConnectionMetrics, bool) {
	l := r.Latency
	if r.Download.SpeedMbps == nil || r.Upload.SpeedMbps == nil || l.IdleMs == nil || l.IdleJitterMs == nil {
		return scoring.ConnectionMetrics{}, false
	}
	m := scoring.ConnectionMetrics{
		DownloadMbps: *r.Download.SpeedMbps,
		UploadMbps:   *r.Upload.SpeedMbps,
		LatencyMs:    *l.IdleMs,
		JitterMs:     *l.IdleJitterMs,
		LoadedDownMs: l.LoadedDownMs,
		LoadedUpMs:   l.LoadedUpMs,
	}
	if r.PacketLoss != nil {
		ratio := r.PacketLoss.Ratio
		m.PacketLoss = &ratio
	}
	return m, true
}

func ptr[T any](v T) *T { return &v }
