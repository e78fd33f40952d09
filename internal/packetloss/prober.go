// Package packetloss measures UDP loss by bouncing numbered datagrams off a
// TURN relay allocation.
package packetloss

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"cloudspeed/pkg/logx"
	"cloudspeed/pkg/speedtest"
)

const (
	probeSize = 16
	readBuf   = 1500
)

var probeMagic = [4]byte{'C', 'S', 'P', 'L'}

// path is one round trip through the relay: Send writes a probe towards the
// relay, Recv returns whatever comes back. Recv fails once Close was called.
type path interface {
	Send(b []byte) error
	Recv(buf []byte) (int, error)
	Close() error
}

type dialFunc func(ctx context.Context, cfg speedtest.PacketLossConfig, log logx.Logger) (path, error)

// Prober implements speedtest.PacketLossProber.
type Prober struct {
	cfg  speedtest.PacketLossConfig
	log  logx.Logger
	dial dialFunc
	now  func() time.Time
}

var _ speedtest.PacketLossProber = (*Prober)(nil)

// New validates the relay URI and returns a Prober for it.
func New(cfg speedtest.PacketLossConfig, log logx.Logger) (*Prober, error) {
	cfg = cfg.WithDefaults()
	if _, err := ParseRelayURI(cfg.TURNServerURI); err != nil {
		return nil, fmt.Errorf("%w: %w", speedtest.ErrInvalidConfig, err)
	}
	return &Prober{
		cfg:  cfg,
		log:  log.With(logx.String("comp", "packetloss")),
		dial: dialTURN,
		now:  time.Now,
	}, nil
}

// Probe allocates a relay, sends NumPackets probes in batches of BatchSize
// with BatchWait between batches, then waits up to WaitWindow for echoes.
// Duplicates and foreign datagrams are ignored. A send failure ends the
// burst early and loss is measured over what was sent; only a failed
// allocation or a burst that sent nothing is a *speedtest.RelayError.
func (p *Prober) Probe(ctx context.Context) (speedtest.PacketLossResult, error) {
	cfg := p.cfg
	actx, cancel := context.WithTimeout(ctx, cfg.AllocateTimeout)
	pth, err := p.dial(actx, cfg, p.log)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return speedtest.PacketLossResult{}, ctx.Err()
		}
		return speedtest.PacketLossResult{}, &speedtest.RelayError{Op: "allocate", Err: err}
	}

	var token [8]byte
	id := uuid.New()
	copy(token[:], id[:8])

	tally := newTally(cfg.NumPackets)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		buf := make([]byte, readBuf)
		for {
			n, err := pth.Recv(buf)
			if err != nil {
				return
			}
			if seq, ok := decodeProbe(buf[:n], token); ok {
				tally.mark(seq, p.now())
			}
		}
	}()
	closePath := func() {
		_ = pth.Close()
		<-readDone
	}

	start := p.now()
	sent, sendErr := p.burst(ctx, pth, token, tally)
	if ctx.Err() != nil {
		closePath()
		return speedtest.PacketLossResult{}, ctx.Err()
	}
	if sendErr != nil {
		if sent == 0 {
			closePath()
			return speedtest.PacketLossResult{}, &speedtest.RelayError{Op: "send", Err: sendErr}
		}
		p.log.Warn("burst cut short", logx.Int("sent", sent), logx.Err(sendErr))
	}
	tally.expect(sent)

	tmr := time.NewTimer(cfg.WaitWindow)
	select {
	case <-tally.full:
	case <-tmr.C:
	case <-ctx.Done():
	}
	tmr.Stop()
	closePath()
	if ctx.Err() != nil {
		return speedtest.PacketLossResult{}, ctx.Err()
	}

	received, rtt := tally.summary()
	res, err := speedtest.NewPacketLossResult(sent, received)
	if err != nil {
		return speedtest.PacketLossResult{}, &speedtest.RelayError{Op: "measure", Err: err}
	}
	res.AvgRTTMs = float64(rtt) / float64(time.Millisecond)
	p.log.Debug("burst finished",
		logx.Int("sent", res.Sent), logx.Int("received", res.Received),
		logx.Duration("avg_rtt", rtt), logx.Duration("dur", p.now().Sub(start)))
	return res, nil
}

// burst sends the probes and returns how many went out. It stops at the
// first send failure.
func (p *Prober) burst(ctx context.Context, pth path, token [8]byte, tally *tally) (int, error) {
	cfg := p.cfg
	sent := 0
	pkt := make([]byte, probeSize)
	for sent < cfg.NumPackets {
		end := min(sent+cfg.BatchSize, cfg.NumPackets)
		for ; sent < end; sent++ {
			encodeProbe(pkt, token, uint32(sent))
			tally.stamp(uint32(sent), p.now())
			if err := pth.Send(pkt); err != nil {
				return sent, err
			}
		}
		if sent >= cfg.NumPackets {
			break
		}
		tmr := time.NewTimer(cfg.BatchWait)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return sent, ctx.Err()
		case <-tmr.C:
		}
	}
	return sent, nil
}

func encodeProbe(dst []byte, token [8]byte, seq uint32) {
	copy(dst[0:4], probeMagic[:])
	copy(dst[4:12], token[:])
	binary.BigEndian.PutUint32(dst[12:16], seq)
}

func decodeProbe(b []byte, token [8]byte) (uint32, bool) {
	if len(b) != probeSize || !bytes.Equal(b[0:4], probeMagic[:]) || !bytes.Equal(b[4:12], token[:]) {
		return 0, false
	}
	return binary.BigEndian.Uint32(b[12:16]), true
}

// tally records which sequence numbers came back and how long each took.
// full closes once every expected echo arrived.
type tally struct {
	mu     sync.Mutex
	sentAt []time.Time
	seen   []bool
	n      int
	want   int
	rtt    time.Duration
	full   chan struct{}
	closed bool
}

func newTally(size int) *tally {
	return &tally{
		sentAt: make([]time.Time, size),
		seen:   make([]bool, size),
		want:   size,
		full:   make(chan struct{}),
	}
}

// stamp notes the send time of seq. It must precede the Send so a fast
// echo never sees a zero timestamp.
func (t *tally) stamp(seq uint32, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(seq) < len(t.sentAt) {
		t.sentAt[seq] = at
	}
}

func (t *tally) mark(seq uint32, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(seq) >= len(t.seen) || t.seen[seq] || t.sentAt[seq].IsZero() {
		return
	}
	t.seen[seq] = true
	t.n++
	t.rtt += max(at.Sub(t.sentAt[seq]), 0)
	t.signal()
}

// expect lowers the number of echoes that complete the tally, for a burst
// that ended early.
func (t *tally) expect(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.want = min(n, len(t.seen))
	t.signal()
}

func (t *tally) signal() {
	if !t.closed && t.n >= t.want {
		t.closed = true
		close(t.full)
	}
}

// summary returns the echo count and the mean round trip.
func (t *tally) summary() (int, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.n == 0 {
		return 0, 0
	}
	return t.n, t.rtt / time.Duration(t.n)
}

var errClosed = errors.New("relay path closed")
