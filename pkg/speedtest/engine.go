package speedtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"cloudspeed/pkg/logx"
	"cloudspeed/pkg/retry"
	"cloudspeed/pkg/scoring"
	"cloudspeed/pkg/stats"
)

const (
	metadataTimeout = 10 * time.Second
	eventFlushLimit = time.Second
)

// Engine sequences one measurement run: warm-up, idle latency, the download
// and upload ramps, optional packet loss, then aggregation and scoring.
type Engine struct {
	cfg       TestConfig
	transport Transport
	loss      PacketLossProber
	meta      MetadataProvider
	obs       Observer
	log       logx.Logger
	spawn     Spawner
	now       func() time.Time
	newID     func() string
}

// Option customizes an Engine.
type Option func(*Engine)

func WithLogger(l logx.Logger) Option { return func(e *Engine) { e.log = l } }

// WithObserver installs a progress observer. A nil observer is ignored.
func WithObserver(o Observer) Option { return func(e *Engine) { e.obs = o } }

// WithPacketLoss enables the packet-loss phase.
func WithPacketLoss(p PacketLossProber) Option { return func(e *Engine) { e.loss = p } }

// WithMetadata sets the connection metadata source.
func WithMetadata(m MetadataProvider) Option { return func(e *Engine) { e.meta = m } }

// WithSpawner makes the engine start its goroutines through s.
func WithSpawner(s Spawner) Option { return func(e *Engine) { e.spawn = s } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine validates cfg and builds an engine on top of t.
func NewEngine(cfg TestConfig, t Transport, opts ...Option) (*Engine, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrInvalidConfig)
	}
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	e := &Engine{cfg: cfg, transport: t}
	for _, o := range opts {
		if o != nil {
			o(e)
		}
	}
	if e.spawn == nil {
		e.spawn = goSpawner{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = func() string { return uuid.NewString() }
	}
	return e, nil
}

// Config returns the normalized configuration the engine runs with.
func (e *Engine) Config() TestConfig { return e.cfg }

// Run executes one measurement. Cancelling ctx stops new probes, gives
// in-flight ones CancelGrace to finish, and returns the partial results with
// Cancelled set. The error is non-nil only for a nil context.
func (e *Engine) Run(ctx context.Context) (*SpeedTestResults, error) {
	if ctx == nil {
		return nil, fmt.Errorf("nil context")
	}

	probeCtx, stopProbes := graceContext(ctx, e.cfg.CancelGrace)
	defer stopProbes()

	start := e.now()
	r := &run{
		Engine:    e,
		ctx:       ctx,
		probeCtx:  probeCtx,
		sink:      newEventSink(e.obs, e.now, e.spawn),
		collector: NewLoadedLatencyCollector(e.cfg.LoadedLatencyWindow, e.cfg.LoadedRequestMinDuration),
		res:       &SpeedTestResults{ID: e.newID(), Timestamp: start},
	}
	r.throttle[Download] = newThrottle(e.cfg.LoadedLatencyThrottle)
	r.throttle[Upload] = newThrottle(e.cfg.LoadedLatencyThrottle)
	r.log = e.log.With(logx.String("comp", "speedtest"), logx.String("run_id", r.res.ID))
	defer r.sink.close(eventFlushLimit)

	r.log.Info("speedtest started",
		logx.Int("latency_packets", e.cfg.LatencyPackets),
		logx.Int("download_tiers", len(e.cfg.DownloadTiers)),
		logx.Int("upload_tiers", len(e.cfg.UploadTiers)),
		logx.Bool("packet_loss", e.loss != nil))

	r.steps()

	res := r.res
	res.Duration = e.now().Sub(start)
	if r.cancelled() {
		res.Cancelled = true
		r.log.Warn("speedtest cancelled", logx.String("phase", res.Phase.String()), logx.Duration("dur", res.Duration))
	} else {
		r.log.Info("speedtest finished", logx.Duration("dur", res.Duration))
	}
	res.lastErr = r.lastError()
	return res, nil
}

// run holds the state of one Engine.Run. Only the collector, the throttles
// and the sink are touched by concurrent probes.
type run struct {
	*Engine
	log logx.Logger

	// ctx gates issuing new probes; probeCtx bounds probes already issued.
	ctx      context.Context
	probeCtx context.Context

	sink      *eventSink
	collector *LoadedLatencyCollector
	throttle  [2]*rate.Limiter
	res       *SpeedTestResults

	errMu   sync.Mutex
	lastErr error
}

func (r *run) steps() {
	r.enter(PhaseInitializing)
	r.initialize()
	r.leave(PhaseInitializing)
	if r.cancelled() {
		return
	}

	r.enter(PhaseIdleLatency)
	r.idleLatency()
	r.leave(PhaseIdleLatency)
	if r.cancelled() {
		return
	}

	if r.cfg.TierOrder == TierOrderSequential {
		r.sequentialRamps()
	} else {
		r.interleavedRamps()
	}
	if r.cancelled() {
		return
	}

	if r.loss != nil {
		r.enter(PhasePacketLoss)
		r.packetLoss()
		r.leave(PhasePacketLoss)
		if r.cancelled() {
			return
		}
	}

	if m, ok := r.res.ConnectionMetrics(); ok {
		scores := scoring.Calculate(m)
		r.res.Scores = &scores
	} else {
		r.log.Warn("scores unavailable: a required metric is missing")
	}
	r.enter(PhaseComplete)
}

func (r *run) cancelled() bool { return r.ctx.Err() != nil }

func (r *run) enter(p Phase) {
	r.res.Phase = p
	r.log.Debug("phase entered", logx.String("phase", p.String()))
	r.sink.emit(Event{Kind: EventPhaseChanged, Phase: p})
}

func (r *run) leave(p Phase) {
	r.sink.emit(Event{Kind: EventPhaseComplete, Phase: p})
}

func (r *run) fail(msg string, err error, fields ...logx.Field) {
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return
	}
	r.errMu.Lock()
	r.lastErr = err
	r.errMu.Unlock()
	r.log.Debug(msg, append(fields, logx.Err(err))...)
	r.sink.emit(Event{Kind: EventError, Phase: r.res.Phase, Message: fmt.Sprintf("%s: %v", msg, err)})
}

func (r *run) lastError() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.lastErr
}

// attempt runs op under the retry policy. New attempts are refused once the
// run is cancelled; an attempt already in flight runs on probeCtx and is
// bounded by ProbeTimeout.
func (r *run) attempt(name string, op func(ctx context.Context) error) error {
	p := r.cfg.Retry
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		r.log.Debug("probe retry scheduled", logx.String("probe", name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
	}
	_, err := retry.Do(r.ctx, p, func(context.Context) error {
		if r.cancelled() {
			return retry.NoRetry(ErrCancelled)
		}
		actx, cancel := context.WithTimeout(r.probeCtx, r.cfg.ProbeTimeout)
		defer cancel()
		return RetryClass(op(actx))
	})
	if err != nil && r.cancelled() && errors.Is(err, context.Canceled) {
		return ErrCancelled
	}
	return err
}

func (r *run) latency() (time.Duration, error) {
	var lat time.Duration
	err := r.attempt("latency", func(ctx context.Context) error {
		var err error
		lat, err = measureLatency(ctx, r.transport)
		return err
	})
	return lat, err
}

func (r *run) initialize() {
	if r.meta != nil {
		ctx, cancel := context.WithTimeout(r.probeCtx, metadataTimeout)
		md, err := r.meta.Metadata(ctx)
		cancel()
		if err != nil {
			r.log.Warn("metadata lookup failed", logx.Err(err))
		} else {
			r.res.Metadata = md
			r.log.Info("connection metadata",
				logx.String("ip", md.ClientIP), logx.String("isp", md.ISP),
				logx.String("colo", md.Colo), logx.String("source", md.Source))
		}
	}
	if r.cancelled() {
		return
	}

	if lat, err := r.latency(); err != nil {
		r.fail("warm-up latency probe failed", err)
	} else {
		r.sink.emit(Event{Kind: EventLatency, Value: durationMs(lat)})
	}
	if r.cancelled() {
		return
	}

	probe := NewProbe(Download, r.transport)
	m, err := r.transfer(probe, r.cfg.Estimate, nil)
	if err != nil {
		r.fail("estimation transfer failed", err, logx.Int64("bytes", r.cfg.Estimate.Bytes))
		return
	}
	r.sink.emit(Event{Kind: EventBandwidth, Direction: Download, Value: m.BandwidthBps / 1e6, Bytes: m.Bytes})
	r.log.Debug("estimation transfer", logx.Float64("mbps", m.BandwidthBps/1e6), logx.Float64("dur_ms", m.DurationMs))
}

func (r *run) idleLatency() {
	n := r.cfg.LatencyPackets
	samples := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		if r.cancelled() {
			break
		}
		lat, err := r.latency()
		if err != nil {
			r.fail("latency probe failed", err, logx.Int("index", i+1))
			continue
		}
		ms := durationMs(lat)
		samples = append(samples, ms)
		r.sink.emit(Event{Kind: EventLatency, Value: ms, Index: i + 1, Total: n})
	}

	l := &r.res.Latency
	l.IdleSamples = samples
	if v, err := stats.Median(samples); err == nil {
		l.IdleMs = ptr(v)
	}
	if v, err := stats.Jitter(samples); err == nil {
		l.IdleJitterMs = ptr(v)
	}
	if l.IdleMs == nil {
		r.log.Warn("idle latency unavailable", logx.Int("probes", n))
		return
	}
	r.log.Info("idle latency", logx.Float64("median_ms", *l.IdleMs), logx.Int("samples", len(samples)))
}

// transfer runs one bandwidth probe with retries, sampling loaded latency
// when s is set.
func (r *run) transfer(p Probe, block DataBlock, s *loadedSampler) (BandwidthMeasurement, error) {
	var m BandwidthMeasurement
	err := r.attempt(p.Direction().String(), func(ctx context.Context) error {
		var err error
		m, err = measureLoaded(ctx, p, block, s, r.spawn)
		return err
	})
	return m, err
}

func (r *run) sampler(dir Direction) *loadedSampler {
	return &loadedSampler{
		dir:       dir,
		limiter:   r.throttle[dir],
		collector: r.collector,
		minSource: r.cfg.LoadedRequestMinDuration,
		probe: func(ctx context.Context) (time.Duration, error) {
			ctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
			defer cancel()
			return measureLatency(ctx, r.transport)
		},
		onSample: func(dir Direction, ms float64) {
			r.sink.emit(Event{Kind: EventLoadedLatency, Direction: dir, Value: ms})
		},
		now: r.now,
	}
}

func (r *run) sequentialRamps() {
	r.enter(PhaseDownload)
	down := r.newRamp(Download)
	for _, block := range r.cfg.DownloadTiers {
		if r.cancelled() {
			break
		}
		down.run(block)
	}
	r.res.Download = down.finish()
	r.res.Latency.LoadedDownMs, r.res.Latency.LoadedDownJitterMs = r.loadedLatency(Download)
	r.leave(PhaseDownload)
	if r.cancelled() {
		return
	}

	r.enter(PhaseUpload)
	up := r.newRamp(Upload)
	for _, block := range r.cfg.UploadTiers {
		if r.cancelled() {
			break
		}
		up.run(block)
	}
	r.res.Upload = up.finish()
	r.res.Latency.LoadedUpMs, r.res.Latency.LoadedUpJitterMs = r.loadedLatency(Upload)
	r.leave(PhaseUpload)
}

// interleavedRamps runs download tier i, then upload tier i. Phases still
// only move forward: PhaseUpload begins with the first upload tier and any
// download tiers left after that run inside it.
func (r *run) interleavedRamps() {
	down, up := r.newRamp(Download), r.newRamp(Upload)
	dt, ut := r.cfg.DownloadTiers, r.cfg.UploadTiers

	r.enter(PhaseDownload)
	uploading := false
	for i := 0; i < max(len(dt), len(ut)); i++ {
		if r.cancelled() {
			break
		}
		if i < len(dt) {
			down.run(dt[i])
		}
		if r.cancelled() {
			break
		}
		if i < len(ut) {
			if !uploading {
				uploading = true
				r.leave(PhaseDownload)
				r.enter(PhaseUpload)
			}
			up.run(ut[i])
		}
	}

	r.res.Download = down.finish()
	r.res.Latency.LoadedDownMs, r.res.Latency.LoadedDownJitterMs = r.loadedLatency(Download)
	if uploading {
		r.res.Upload = up.finish()
		r.res.Latency.LoadedUpMs, r.res.Latency.LoadedUpJitterMs = r.loadedLatency(Upload)
		r.leave(PhaseUpload)
		return
	}
	r.leave(PhaseDownload)
	if r.cancelled() {
		return
	}
	// No upload tiers configured.
	r.enter(PhaseUpload)
	r.res.Upload = up.finish()
	r.leave(PhaseUpload)
}

// ramp accumulates the tiers of one direction, fed in increasing size. Once
// a tier saturates the finish duration, strictly larger tiers are skipped.
type ramp struct {
	r       *run
	probe   Probe
	log     logx.Logger
	out     BandwidthResults
	all     []BandwidthMeasurement
	ceiling int64
}

func (r *run) newRamp(dir Direction) *ramp {
	return &ramp{
		r:       r,
		probe:   NewProbe(dir, r.transport),
		log:     r.log.With(logx.String("direction", dir.String())),
		ceiling: -1,
	}
}

func (rp *ramp) run(block DataBlock) {
	if rp.ceiling >= 0 && block.Bytes > rp.ceiling {
		rp.out.EarlyTerminated = true
		rp.log.Debug("tier skipped", logx.Int64("bytes", block.Bytes), logx.Int64("ceiling", rp.ceiling))
		return
	}
	tr := rp.r.tier(rp.probe, block)
	rp.out.Tiers = append(rp.out.Tiers, tr)
	rp.all = append(rp.all, tr.Measurements...)
	if tr.Saturated && rp.ceiling < 0 {
		rp.ceiling = block.Bytes
		rp.log.Info("finish duration reached", logx.Int64("bytes", block.Bytes))
	}
}

// finish aggregates every sample of the ramp into the direction's figure.
func (rp *ramp) finish() BandwidthResults {
	out := rp.out
	v, err := Aggregate(rp.all, rp.r.cfg.BandwidthPercentile, rp.r.cfg.BandwidthMinDuration)
	if err != nil {
		rp.log.Warn("bandwidth unavailable", logx.Err(err), logx.Int("samples", len(rp.all)))
		return out
	}
	out.SpeedMbps = ptr(v)
	rp.log.Info("bandwidth", logx.Float64("mbps", v), logx.Int("samples", len(rp.all)), logx.Bool("early_terminated", out.EarlyTerminated))
	return out
}

// tier runs block.Count transfers with at most TierConcurrency in flight and
// returns once all of them finished.
func (r *run) tier(p Probe, block DataBlock) TierResult {
	dir := p.Direction()
	results := make([]BandwidthMeasurement, block.Count)
	status := make([]tierStatus, block.Count)
	s := r.sampler(dir)

	var g errgroup.Group
	g.SetLimit(r.cfg.TierConcurrency)
	for i := 0; i < block.Count; i++ {
		if r.cancelled() {
			break
		}
		g.Go(func() error {
			if r.cancelled() {
				return nil
			}
			m, err := r.transfer(p, block, s)
			if err != nil {
				status[i] = tierFailed
				r.fail(dir.String()+" transfer failed", err, logx.Int64("bytes", block.Bytes), logx.Int("index", i+1))
				return nil
			}
			results[i] = m
			status[i] = tierDone
			r.sink.emit(Event{
				Kind:      EventBandwidth,
				Direction: dir,
				Value:     m.BandwidthBps / 1e6,
				Bytes:     m.Bytes,
				Index:     i + 1,
				Total:     block.Count,
			})
			return nil
		})
	}
	_ = g.Wait()

	tr := TierResult{Bytes: block.Bytes, Count: block.Count}
	finishMs := durationMs(r.cfg.BandwidthFinishDuration)
	for i, st := range status {
		switch st {
		case tierDone:
			tr.Completed++
			tr.Measurements = append(tr.Measurements, results[i])
			if results[i].DurationMs >= finishMs {
				tr.Saturated = true
			}
		case tierFailed:
			tr.Failed++
		}
	}
	if v, err := Aggregate(tr.Measurements, r.cfg.BandwidthPercentile, r.cfg.BandwidthMinDuration); err == nil {
		tr.SpeedMbps = ptr(v)
	}
	return tr
}

type tierStatus uint8

const (
	tierSkipped tierStatus = iota
	tierDone
	tierFailed
)

func (r *run) loadedLatency(dir Direction) (median, jitter *float64) {
	if v, err := r.collector.Median(dir); err == nil {
		median = ptr(v)
	}
	if v, err := r.collector.Jitter(dir); err == nil {
		jitter = ptr(v)
	}
	return median, jitter
}

func (r *run) packetLoss() {
	res, err := r.loss.Probe(r.probeCtx)
	if err != nil {
		if r.cancelled() {
			return
		}
		r.fail("packet loss unavailable", err)
		return
	}
	r.res.PacketLoss = &res
	r.log.Info("packet loss",
		logx.Int("sent", res.Sent), logx.Int("received", res.Received), logx.Float64("ratio", res.Ratio))
}

// graceContext returns a context that stays alive until grace has passed
// after parent is done. stop releases it immediately.
func graceContext(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	stopAfter := context.AfterFunc(parent, func() {
		mu.Lock()
		timer = time.AfterFunc(grace, cancel)
		mu.Unlock()
	})
	return ctx, func() {
		stopAfter()
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		cancel()
	}
}
