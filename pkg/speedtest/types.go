package speedtest

import (
	"context"
	"time"
)

// Direction of a bandwidth transfer, seen from the client.
type Direction int

const (
	Download Direction = iota
	Upload
)

func (d Direction) String() string {
	switch d {
	case Download:
		return "download"
	case Upload:
		return "upload"
	default:
		return "unknown"
	}
}

func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// Phase is a step of the measurement state machine. Phases only move forward.
type Phase int

const (
	PhaseInitializing Phase = iota
	PhaseIdleLatency
	PhaseDownload
	PhaseUpload
	PhasePacketLoss
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseIdleLatency:
		return "idle_latency"
	case PhaseDownload:
		return "download"
	case PhaseUpload:
		return "upload"
	case PhasePacketLoss:
		return "packet_loss"
	case PhaseComplete:
		return "complete"
	default:
		return "unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// DataBlock is one bandwidth tier: Count transfers of Bytes each.
type DataBlock struct {
	Bytes int64 `json:"bytes"`
	Count int   `json:"count"`
	// BypassMinDuration keeps this tier's samples even when they finish below
	// the aggregator's minimum duration.
	BypassMinDuration bool `json:"bypass_min_duration,omitempty"`
}

// TimingBreakdown decomposes one timed exchange.
//
// TTFB runs from request start to the first response byte, so DNS, Connect
// and TLS are nested inside it and Transfer = Total - TTFB. Wait is the part
// of TTFB after the request was fully written. ServerTime is what the server
// reported spending on the request (zero if it did not say).
type TimingBreakdown struct {
	DNS        time.Duration
	Connect    time.Duration
	TLS        time.Duration
	TTFB       time.Duration
	Wait       time.Duration
	Transfer   time.Duration
	Total      time.Duration
	ServerTime time.Duration
}

// Latency is the round trip seen by a request, minus server processing time.
// It never goes below zero.
func (t TimingBreakdown) Latency() time.Duration {
	rtt := t.Wait
	if rtt <= 0 {
		rtt = t.TTFB - t.DNS - t.Connect - t.TLS
	}
	return max(rtt-t.ServerTime, 0)
}

// Request describes one exchange. For uploads Payload is owned by the
// transport for the duration of the call and must not be mutated by the
// caller meanwhile.
type Request struct {
	Direction Direction
	Bytes     int64
	Payload   []byte
}

// Response is what a Transport hands back after the body was fully drained.
type Response struct {
	Timing TimingBreakdown
	Bytes  int64
	Status int
}

// Transport performs one timed network exchange against the measurement
// service. Implementations must be safe for concurrent use.
type Transport interface {
	Exchange(ctx context.Context, req Request) (Response, error)
}

// Metadata describes the client connection and the serving edge.
type Metadata struct {
	ClientIP     string  `json:"client_ip,omitempty"`
	ASN          int     `json:"asn,omitempty"`
	ISP          string  `json:"isp,omitempty"`
	Country      string  `json:"country,omitempty"`
	City         string  `json:"city,omitempty"`
	Region       string  `json:"region,omitempty"`
	Latitude     float64 `json:"latitude,omitempty"`
	Longitude    float64 `json:"longitude,omitempty"`
	Colo         string  `json:"colo,omitempty"`
	ServerCity   string  `json:"server_city,omitempty"`
	HTTPProtocol string  `json:"http_protocol,omitempty"`
	Source       string  `json:"source,omitempty"`
}

// MetadataProvider looks up connection metadata. Failures are not fatal to a
// run.
type MetadataProvider interface {
	Metadata(ctx context.Context) (Metadata, error)
}

// PacketLossConfig configures the TURN relay used for packet-loss probing.
type PacketLossConfig struct {
	TURNServerURI string
	Username      string
	Credential    string
	Realm         string

	NumPackets      int
	BatchSize       int
	BatchWait       time.Duration
	WaitWindow      time.Duration
	AllocateTimeout time.Duration
}

func (c PacketLossConfig) WithDefaults() PacketLossConfig {
	if c.NumPackets <= 0 {
		c.NumPackets = 1000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchSize > c.NumPackets {
		c.BatchSize = c.NumPackets
	}
	if c.BatchWait <= 0 {
		c.BatchWait = 10 * time.Millisecond
	}
	if c.WaitWindow <= 0 {
		c.WaitWindow = 3 * time.Second
	}
	if c.AllocateTimeout <= 0 {
		c.AllocateTimeout = 5 * time.Second
	}
	return c
}

// PacketLossResult summarizes one burst through the relay.
type PacketLossResult struct {
	Sent     int     `json:"packets_sent"`
	Received int     `json:"packets_received"`
	Lost     int     `json:"packets_lost"`
	Ratio    float64 `json:"loss_ratio"`
	// AvgRTTMs is the mean echo round trip through the relay. Zero when
	// nothing came back.
	AvgRTTMs float64 `json:"avg_rtt_ms,omitempty"`
}

// NewPacketLossResult derives Lost and Ratio. Ratio is clamped to [0,1] and
// echoes beyond Sent are ignored.
func NewPacketLossResult(sent, received int) (PacketLossResult, error) {
	if sent <= 0 {
		return PacketLossResult{}, ErrUnavailable
	}
	received = min(max(received, 0), sent)
	lost := sent - received
	ratio := min(max(float64(lost)/float64(sent), 0), 1)
	return PacketLossResult{Sent: sent, Received: received, Lost: lost, Ratio: ratio}, nil
}

// PacketLossProber runs the packet-loss phase.
type PacketLossProber interface {
	Probe(ctx context.Context) (PacketLossResult, error)
}
