package speedtest

import (
	"context"
	"time"
)

// Probe runs one timed bandwidth transfer in a fixed direction.
type Probe interface {
	Direction() Direction
	Measure(ctx context.Context, block DataBlock) (BandwidthMeasurement, error)
}

// NewProbe returns the probe variant for dir.
func NewProbe(dir Direction, t Transport) Probe {
	if dir == Upload {
		return uploadProbe{transport: t}
	}
	return downloadProbe{transport: t}
}

type downloadProbe struct{ transport Transport }

func (downloadProbe) Direction() Direction { return Download }

func (p downloadProbe) Measure(ctx context.Context, block DataBlock) (BandwidthMeasurement, error) {
	resp, err := p.transport.Exchange(ctx, Request{Direction: Download, Bytes: block.Bytes})
	if err != nil {
		return BandwidthMeasurement{}, err
	}
	return measurementFrom(Download, block, resp)
}

type uploadProbe struct{ transport Transport }

func (uploadProbe) Direction() Direction { return Upload }

// Measure hands the transport a freshly allocated payload, so concurrent
// uploads never share a buffer.
func (p uploadProbe) Measure(ctx context.Context, block DataBlock) (BandwidthMeasurement, error) {
	payload := make([]byte, block.Bytes)
	resp, err := p.transport.Exchange(ctx, Request{Direction: Upload, Bytes: block.Bytes, Payload: payload})
	if err != nil {
		return BandwidthMeasurement{}, err
	}
	return measurementFrom(Upload, block, resp)
}

func measurementFrom(dir Direction, block DataBlock, resp Response) (BandwidthMeasurement, error) {
	n := resp.Bytes
	if n <= 0 {
		n = block.Bytes
	}
	m, err := NewBandwidthMeasurement(dir, n, resp.Timing)
	if err != nil {
		return BandwidthMeasurement{}, err
	}
	m.BypassMinDuration = block.BypassMinDuration
	return m, nil
}

// measureLatency runs one zero-byte exchange and returns its latency.
func measureLatency(ctx context.Context, t Transport) (time.Duration, error) {
	resp, err := t.Exchange(ctx, Request{Direction: Download, Bytes: 0})
	if err != nil {
		return 0, err
	}
	return resp.Timing.Latency(), nil
}

// measureLoaded runs p while s samples latency in the background. The
// sampler stops as soon as the transfer returns.
func measureLoaded(ctx context.Context, p Probe, block DataBlock, s *loadedSampler, spawn Spawner) (BandwidthMeasurement, error) {
	if s == nil {
		return p.Measure(ctx, block)
	}
	sctx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	started := s.now()
	spawn.Go("speedtest.loaded."+p.Direction().String(), func() {
		defer close(done)
		s.run(sctx, started)
	})
	m, err := p.Measure(ctx, block)
	stop()
	<-done
	return m, err
}
