package speedtest

import (
	"context"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cloudspeed/pkg/stats"
)

const (
	defaultLoadedWindow        = 20
	defaultLoadedMinRequest    = 250 * time.Millisecond
	defaultLoadedLatencyPeriod = 400 * time.Millisecond
)

// LoadedLatencyCollector keeps the most recent latency samples taken while a
// transfer was in flight, one bounded FIFO window per direction.
type LoadedLatencyCollector struct {
	minSource time.Duration
	windows   [2]latencyWindow
}

type latencyWindow struct {
	mu      sync.Mutex
	cap     int
	samples []float64
}

// NewLoadedLatencyCollector returns a collector holding up to capacity
// samples per direction and admitting only samples whose source request had
// been running for at least minSource.
func NewLoadedLatencyCollector(capacity int, minSource time.Duration) *LoadedLatencyCollector {
	if capacity <= 0 {
		capacity = defaultLoadedWindow
	}
	c := &LoadedLatencyCollector{minSource: minSource}
	for i := range c.windows {
		c.windows[i].cap = capacity
		c.windows[i].samples = make([]float64, 0, capacity)
	}
	return c
}

func (c *LoadedLatencyCollector) window(dir Direction) *latencyWindow {
	if dir == Upload {
		return &c.windows[1]
	}
	return &c.windows[0]
}

// Offer adds a sample in ms. It reports whether the sample was admitted.
func (c *LoadedLatencyCollector) Offer(dir Direction, valueMs float64, sourceDuration time.Duration) bool {
	if sourceDuration < c.minSource {
		return false
	}
	w := c.window(dir)
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) >= w.cap {
		// Shift in place; the backing array never grows past cap.
		copy(w.samples, w.samples[1:])
		w.samples = w.samples[:len(w.samples)-1]
	}
	w.samples = append(w.samples, valueMs)
	return true
}

// Samples returns a copy of the window in arrival order.
func (c *LoadedLatencyCollector) Samples(dir Direction) []float64 {
	w := c.window(dir)
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.samples)
}

func (c *LoadedLatencyCollector) Median(dir Direction) (float64, error) {
	return stats.Median(c.Samples(dir))
}

func (c *LoadedLatencyCollector) Jitter(dir Direction) (float64, error) {
	return stats.Jitter(c.Samples(dir))
}

// loadedSampler issues latency probes while one transfer is in flight. All
// samplers of a direction share one limiter, so the throttle holds across
// concurrent transfers rather than per transfer.
type loadedSampler struct {
	dir       Direction
	limiter   *rate.Limiter
	collector *LoadedLatencyCollector
	minSource time.Duration
	probe     func(ctx context.Context) (time.Duration, error)
	onSample  func(dir Direction, ms float64)
	now       func() time.Time
}

func newThrottle(period time.Duration) *rate.Limiter {
	if period <= 0 {
		period = defaultLoadedLatencyPeriod
	}
	return rate.NewLimiter(rate.Every(period), 1)
}

// run samples until ctx is done. started is when the transfer began.
func (s *loadedSampler) run(ctx context.Context, started time.Time) {
	if wait := s.minSource - s.now().Sub(started); wait > 0 {
		tmr := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return
		case <-tmr.C:
		}
	}
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		lat, err := s.probe(ctx)
		if ctx.Err() != nil {
			// The transfer finished while the probe was in flight; the sample
			// no longer describes a loaded link.
			return
		}
		if err != nil {
			continue
		}
		ms := durationMs(lat)
		if s.collector.Offer(s.dir, ms, s.now().Sub(started)) && s.onSample != nil {
			s.onSample(s.dir, ms)
		}
	}
}
