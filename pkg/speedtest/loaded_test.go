package speedtest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cloudspeed/pkg/stats"
)

func TestLoadedWindowKeepsLastTwenty(t *testing.T) {
	t.Parallel()
	c := NewLoadedLatencyCollector(20, 250*time.Millisecond)
	for i := 0; i < 25; i++ {
		if !c.Offer(Download, float64(i), time.Second) {
			t.Fatalf("sample %d rejected", i)
		}
	}
	got := c.Samples(Download)
	if len(got) != 20 {
		t.Fatalf("len = %d, want 20", len(got))
	}
	for i, v := range got {
		if v != float64(i+5) {
			t.Fatalf("samples[%d] = %v, want %v (all: %v)", i, v, i+5, got)
		}
	}
	if len(c.Samples(Upload)) != 0 {
		t.Fatalf("upload window touched by download samples")
	}
}

func TestLoadedWindowAdmission(t *testing.T) {
	t.Parallel()
	c := NewLoadedLatencyCollector(20, 250*time.Millisecond)
	if c.Offer(Upload, 12, 200*time.Millisecond) {
		t.Fatal("sample from a 200ms request admitted")
	}
	if !c.Offer(Upload, 12, 250*time.Millisecond) {
		t.Fatal("sample from a 250ms request rejected")
	}
	if n := len(c.Samples(Upload)); n != 1 {
		t.Fatalf("len = %d, want 1", n)
	}
}

func TestLoadedWindowStats(t *testing.T) {
	t.Parallel()
	c := NewLoadedLatencyCollector(20, 0)
	if _, err := c.Median(Download); !errors.Is(err, stats.ErrEmptyInput) {
		t.Fatalf("Median err = %v, want %v", err, stats.ErrEmptyInput)
	}
	c.Offer(Download, 10, 0)
	if _, err := c.Jitter(Download); !errors.Is(err, stats.ErrInsufficientData) {
		t.Fatalf("Jitter err = %v, want %v", err, stats.ErrInsufficientData)
	}
	c.Offer(Download, 20, 0)
	c.Offer(Download, 30, 0)
	if m, _ := c.Median(Download); m != 20 {
		t.Fatalf("Median = %v, want 20", m)
	}
	if j, _ := c.Jitter(Download); j != 10 {
		t.Fatalf("Jitter = %v, want 10", j)
	}
}

func TestLoadedWindowConcurrentOffers(t *testing.T) {
	t.Parallel()
	c := NewLoadedLatencyCollector(20, 0)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c.Offer(Direction(g%2), float64(i), time.Second)
			}
		}(g)
	}
	wg.Wait()
	if len(c.Samples(Download)) != 20 || len(c.Samples(Upload)) != 20 {
		t.Fatalf("windows = %d/%d, want 20/20", len(c.Samples(Download)), len(c.Samples(Upload)))
	}
}

func TestLoadedSamplerSharedThrottle(t *testing.T) {
	t.Parallel()
	c := NewLoadedLatencyCollector(100, 0)
	limiter := newThrottle(50 * time.Millisecond)
	var probes atomic.Int32
	newSampler := func() *loadedSampler {
		return &loadedSampler{
			dir:       Download,
			limiter:   limiter,
			collector: c,
			probe: func(context.Context) (time.Duration, error) {
				probes.Add(1)
				return 5 * time.Millisecond, nil
			},
			now: time.Now,
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 320*time.Millisecond)
	defer cancel()
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			newSampler().run(ctx, start)
		}()
	}
	wg.Wait()

	// One token up front plus one per 50ms, shared by all four samplers.
	if n := probes.Load(); n < 3 || n > 8 {
		t.Fatalf("probes = %d, want about 7 for a shared 50ms throttle", n)
	}
}

func TestLoadedSamplerWaitsForMinSource(t *testing.T) {
	t.Parallel()
	c := NewLoadedLatencyCollector(20, 200*time.Millisecond)
	var probes atomic.Int32
	s := &loadedSampler{
		dir:       Upload,
		limiter:   newThrottle(10 * time.Millisecond),
		collector: c,
		minSource: 200 * time.Millisecond,
		probe: func(context.Context) (time.Duration, error) {
			probes.Add(1)
			return time.Millisecond, nil
		},
		now: time.Now,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	s.run(ctx, time.Now())
	if n := probes.Load(); n != 0 {
		t.Fatalf("probes = %d before the request was old enough, want 0", n)
	}
}
