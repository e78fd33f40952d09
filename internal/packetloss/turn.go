package packetloss

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/stun/v3"
	"github.com/pion/turn/v4"

	"cloudspeed/pkg/logx"
	"cloudspeed/pkg/speedtest"
)

const defaultRelayPort = 3478

// ParseRelayURI validates a relay URI and returns its host:port. A missing
// scheme means turn:. Only UDP relays are supported, so turns: and
// transport=tcp are rejected.
func ParseRelayURI(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty relay uri")
	}
	if !hasScheme(raw) {
		raw = "turn:" + raw
	}
	uri, err := stun.ParseURI(raw)
	if err != nil {
		return "", fmt.Errorf("relay uri %q: %w", raw, err)
	}
	if uri.Scheme != stun.SchemeTypeTURN {
		return "", fmt.Errorf("relay uri %q: scheme %s not supported, want turn", raw, uri.Scheme)
	}
	if uri.Proto == stun.ProtoTypeTCP {
		return "", fmt.Errorf("relay uri %q: tcp transport not supported", raw)
	}
	if uri.Host == "" {
		return "", fmt.Errorf("relay uri %q: missing host", raw)
	}
	port := uri.Port
	if port <= 0 {
		port = defaultRelayPort
	}
	return net.JoinHostPort(uri.Host, strconv.Itoa(port)), nil
}

func hasScheme(raw string) bool {
	for _, s := range []string{"turn:", "turns:", "stun:", "stuns:"} {
		if strings.HasPrefix(strings.ToLower(raw), s) {
			return true
		}
	}
	return false
}

// turnPath sends probes from a pinger socket to a relay allocation whose
// owner echoes every datagram back to the sender.
type turnPath struct {
	conn   net.PacketConn
	client *turn.Client
	relay  net.PacketConn
	pinger net.PacketConn
	dst    net.Addr

	once sync.Once
	done chan struct{}
}

func dialTURN(ctx context.Context, cfg speedtest.PacketLossConfig, log logx.Logger) (path, error) {
	server, err := ParseRelayURI(cfg.TURNServerURI)
	if err != nil {
		return nil, err
	}
	serverAddr, err := resolveUDP(ctx, server)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", server, err)
	}

	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return nil, err
	}
	client, err := turn.NewClient(&turn.ClientConfig{
		STUNServerAddr: serverAddr.String(),
		TURNServerAddr: serverAddr.String(),
		Conn:           conn,
		Username:       cfg.Username,
		Password:       cfg.Credential,
		Realm:          cfg.Realm,
		Software:       "cloudspeed",
		LoggerFactory:  logx.PionFactory(log),
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p := &turnPath{conn: conn, client: client, done: make(chan struct{})}
	fail := func(err error) (path, error) {
		_ = p.Close()
		return nil, err
	}

	if err := client.Listen(); err != nil {
		return fail(fmt.Errorf("listen: %w", err))
	}
	relay, err := allocate(ctx, client)
	if err != nil {
		return fail(err)
	}
	p.relay = relay
	p.dst = relay.LocalAddr()

	pinger, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return fail(err)
	}
	p.pinger = pinger

	mapped, err := bindingRequest(ctx, pinger, serverAddr)
	if err != nil {
		return fail(fmt.Errorf("pinger binding: %w", err))
	}
	// Writing to the pinger's public address installs the relay permission
	// for it.
	if _, err := relay.WriteTo([]byte("cloudspeed"), mapped); err != nil {
		return fail(fmt.Errorf("permission: %w", err))
	}

	log.Debug("relay allocated", logx.String("relay", p.dst.String()), logx.String("mapped", mapped.String()))
	go p.echo()
	return p, nil
}

// allocate runs client.Allocate, giving up when ctx ends. Closing the
// client unblocks a pending allocation.
func allocate(ctx context.Context, client *turn.Client) (net.PacketConn, error) {
	type result struct {
		conn net.PacketConn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := client.Allocate()
		ch <- result{c, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("allocate: %w", r.err)
		}
		return r.conn, nil
	case <-ctx.Done():
		client.Close()
		if r := <-ch; r.conn != nil {
			_ = r.conn.Close()
		}
		return nil, ctx.Err()
	}
}

// bindingRequest learns the public address of conn from the relay's STUN
// service.
func bindingRequest(ctx context.Context, conn net.PacketConn, server net.Addr) (net.Addr, error) {
	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	if _, err := conn.WriteTo(req.Raw, server); err != nil {
		return nil, err
	}
	buf := make([]byte, readBuf)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return nil, err
		}
		if !stun.IsMessage(buf[:n]) {
			continue
		}
		res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := res.Decode(); err != nil || res.TransactionID != req.TransactionID {
			continue
		}
		var xor stun.XORMappedAddress
		if err := xor.GetFrom(res); err != nil {
			return nil, err
		}
		return &net.UDPAddr{IP: xor.IP, Port: xor.Port}, nil
	}
}

func resolveUDP(ctx context.Context, hostport string) (*net.UDPAddr, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no ipv4 address for %s", host)
	}
	return &net.UDPAddr{IP: ips[0], Port: port}, nil
}

// echo reflects every datagram reaching the allocation back to its sender.
func (p *turnPath) echo() {
	buf := make([]byte, readBuf)
	for {
		n, from, err := p.relay.ReadFrom(buf)
		if err != nil {
			return
		}
		if _, err := p.relay.WriteTo(buf[:n], from); err != nil {
			select {
			case <-p.done:
				return
			default:
			}
		}
	}
}

func (p *turnPath) Send(b []byte) error {
	select {
	case <-p.done:
		return errClosed
	default:
	}
	_, err := p.pinger.WriteTo(b, p.dst)
	return err
}

func (p *turnPath) Recv(buf []byte) (int, error) {
	n, _, err := p.pinger.ReadFrom(buf)
	return n, err
}

func (p *turnPath) Close() error {
	p.once.Do(func() {
		close(p.done)
		if p.pinger != nil {
			_ = p.pinger.Close()
		}
		if p.relay != nil {
			_ = p.relay.Close()
		}
		if p.client != nil {
			p.client.Close()
		}
		_ = p.conn.Close()
	})
	return nil
}
