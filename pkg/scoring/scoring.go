// Package scoring turns aggregated connection metrics into AIM quality
// ratings for streaming, gaming and video conferencing.
package scoring

import (
	"fmt"
	"strings"
)

// Quality is a categorical rating. Values are ordered: a larger Quality is
// better.
type Quality int

const (
	Poor Quality = iota
	Average
	Good
	Great
)

func (q Quality) String() string {
	switch q {
	case Poor:
		return "Poor"
	case Average:
		return "Average"
	case Good:
		return "Good"
	case Great:
		return "Great"
	default:
		return fmt.Sprintf("Quality(%d)", int(q))
	}
}

func (q Quality) MarshalText() ([]byte, error) { return []byte(q.String()), nil }

func (q *Quality) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "poor":
		*q = Poor
	case "average":
		*q = Average
	case "good":
		*q = Good
	case "great":
		*q = Great
	default:
		return fmt.Errorf("scoring: unknown quality %q", string(b))
	}
	return nil
}

// ConnectionMetrics is the scoring input. Pointer fields are optional; nil
// means the metric was not measured.
type ConnectionMetrics struct {
	DownloadMbps float64
	UploadMbps   float64
	LatencyMs    float64
	JitterMs     float64

	LoadedDownMs *float64
	LoadedUpMs   *float64
	// PacketLoss is a ratio in [0, 1].
	PacketLoss *float64
}

// AimScores holds one rating per use case.
type AimScores struct {
	Streaming         Quality `json:"streaming"`
	Gaming            Quality `json:"gaming"`
	VideoConferencing Quality `json:"video_conferencing"`
}

// Overall is the worst of the three ratings.
func (s AimScores) Overall() Quality {
	return min(s.Streaming, s.Gaming, s.VideoConferencing)
}

// Calculate scores m. It is deterministic and keeps no state.
func Calculate(m ConnectionMetrics) AimScores {
	return AimScores{
		Streaming:         Streaming(m),
		Gaming:            Gaming(m),
		VideoConferencing: VideoConferencing(m),
	}
}

// threshold is a step function: a value at least as good as great rates
// Great, then good, then average; anything worse is Poor.
type threshold struct {
	great, good, average float64
	lowerIsBetter        bool
}

func (t threshold) rate(v float64) Quality {
	better := func(limit float64) bool {
		if t.lowerIsBetter {
			return v <= limit
		}
		return v >= limit
	}
	switch {
	case better(t.great):
		return Great
	case better(t.good):
		return Good
	case better(t.average):
		return Average
	default:
		return Poor
	}
}

var (
	streamingDownload = threshold{great: 25, good: 10, average: 5}
	streamingLatency  = threshold{great: 100, good: 200, average: 400, lowerIsBetter: true}

	gamingLatency  = threshold{great: 30, good: 50, average: 100, lowerIsBetter: true}
	gamingJitter   = threshold{great: 10, good: 20, average: 30, lowerIsBetter: true}
	gamingLoss     = threshold{great: 0.01, good: 0.02, average: 0.05, lowerIsBetter: true}
	gamingDownload = threshold{great: 15, good: 5, average: 3}

	videoBandwidth = threshold{great: 10, good: 5, average: 2}
	videoLatency   = threshold{great: 50, good: 100, average: 200, lowerIsBetter: true}
	videoJitter    = threshold{great: 15, good: 30, average: 50, lowerIsBetter: true}
	videoLoss      = threshold{great: 0.01, good: 0.03, average: 0.05, lowerIsBetter: true}
)

// Streaming rates download throughput and latency under download load.
func Streaming(m ConnectionMetrics) Quality {
	lat := m.LatencyMs
	if m.LoadedDownMs != nil {
		lat = *m.LoadedDownMs
	}
	return min(streamingDownload.rate(m.DownloadMbps), streamingLatency.rate(lat))
}

// Gaming rates responsiveness first with a low bandwidth floor.
func Gaming(m ConnectionMetrics) Quality {
	q := min(
		gamingLatency.rate(m.worstLatency()),
		gamingJitter.rate(m.JitterMs),
		gamingDownload.rate(m.DownloadMbps),
	)
	if m.PacketLoss != nil {
		q = min(q, gamingLoss.rate(*m.PacketLoss))
	}
	return q
}

// VideoConferencing rates both directions plus responsiveness.
func VideoConferencing(m ConnectionMetrics) Quality {
	q := min(
		videoBandwidth.rate(m.DownloadMbps),
		videoBandwidth.rate(m.UploadMbps),
		videoLatency.rate(m.worstLatency()),
		videoJitter.rate(m.JitterMs),
	)
	if m.PacketLoss != nil {
		q = min(q, videoLoss.rate(*m.PacketLoss))
	}
	return q
}

// worstLatency prefers loaded latency, taking the worse direction when both
// were measured, and falls back to idle latency.
func (m ConnectionMetrics) worstLatency() float64 {
	switch {
	case m.LoadedDownMs != nil && m.LoadedUpMs != nil:
		return max(*m.LoadedDownMs, *m.LoadedUpMs)
	case m.LoadedDownMs != nil:
		return *m.LoadedDownMs
	case m.LoadedUpMs != nil:
		return *m.LoadedUpMs
	default:
		return m.LatencyMs
	}
}
