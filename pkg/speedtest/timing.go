package speedtest

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// ServerTimingHeader carries the server's own processing time.
const ServerTimingHeader = "Server-Timing"

// ParseServerTiming extracts the first dur=<ms> parameter from a
// Server-Timing header value such as "cfRequestDuration;dur=12.34".
// Missing or malformed values yield zero.
func ParseServerTiming(header string) time.Duration {
	for _, entry := range strings.Split(header, ",") {
		params := strings.Split(entry, ";")
		if len(params) < 2 || strings.TrimSpace(params[0]) == "" {
			continue
		}
		for _, p := range params[1:] {
			k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
			if !ok || !strings.EqualFold(strings.TrimSpace(k), "dur") {
				continue
			}
			ms, err := strconv.ParseFloat(strings.Trim(strings.TrimSpace(v), `"`), 64)
			if err != nil || math.IsNaN(ms) || math.IsInf(ms, 0) || ms < 0 {
				return 0
			}
			return msToDuration(ms)
		}
	}
	return 0
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(math.Round(ms * float64(time.Millisecond)))
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
