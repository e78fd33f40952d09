package app

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"cloudspeed/internal/config"
	"cloudspeed/pkg/speedtest"
)

const unavailable = "unavailable"

// WriteJSON prints res as indented JSON. Unavailable metrics are omitted.
func WriteJSON(w io.Writer, res *speedtest.SpeedTestResults) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// WriteText prints a human summary. Missing metrics read "unavailable",
// never zero.
func WriteText(w io.Writer, res *speedtest.SpeedTestResults) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	row := func(k, v string) { fmt.Fprintf(tw, "%s\t%s\n", k, v) }

	status := "complete"
	if res.Cancelled {
		status = "cancelled during " + res.Phase.String()
	}
	fmt.Fprintf(tw, "Speed test %s (%s, %.1fs)\n", res.ID, status, res.Duration.Seconds())

	md := res.Metadata
	if md.ClientIP != "" {
		row("Client", joinNonEmpty(md.ClientIP, md.ISP, location(md.City, md.Country)))
	}
	if md.Colo != "" {
		row("Server", joinNonEmpty(md.Colo, md.ServerCity))
	}

	l := res.Latency
	row("Latency", msWithJitter(l.IdleMs, l.IdleJitterMs))
	row("Loaded latency (down)", msWithJitter(l.LoadedDownMs, l.LoadedDownJitterMs))
	row("Loaded latency (up)", msWithJitter(l.LoadedUpMs, l.LoadedUpJitterMs))
	row("Download", bandwidth(res.Download))
	row("Upload", bandwidth(res.Upload))
	if pl := res.PacketLoss; pl != nil {
		line := fmt.Sprintf("%.2f%% (%d/%d lost)", pl.Ratio*100, pl.Lost, pl.Sent)
		if pl.AvgRTTMs > 0 {
			line += fmt.Sprintf(", relay rtt %.1f ms", pl.AvgRTTMs)
		}
		row("Packet loss", line)
	} else {
		row("Packet loss", unavailable)
	}
	if s := res.Scores; s != nil {
		row("Streaming", s.Streaming.String())
		row("Gaming", s.Gaming.String())
		row("Video conferencing", s.VideoConferencing.String())
	} else {
		row("Scores", unavailable)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	return writeTiers(w, res)
}

func writeTiers(w io.Writer, res *speedtest.SpeedTestResults) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	header := false
	for _, b := range []struct {
		dir string
		res speedtest.BandwidthResults
	}{{"download", res.Download}, {"upload", res.Upload}} {
		for _, t := range b.res.Tiers {
			if !header {
				fmt.Fprintln(tw, "\ndirection\tsize\tok\tfailed\tMbps\t")
				header = true
			}
			speed := unavailable
			if t.SpeedMbps != nil {
				speed = fmt.Sprintf("%.2f", *t.SpeedMbps)
			}
			fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%d\t%s\t\n", b.dir, config.FormatSize(t.Bytes), t.Completed, t.Count, t.Failed, speed)
		}
	}
	return tw.Flush()
}

func msWithJitter(v, jitter *float64) string {
	if v == nil {
		return unavailable
	}
	if jitter == nil {
		return fmt.Sprintf("%.2f ms", *v)
	}
	return fmt.Sprintf("%.2f ms (jitter %.2f ms)", *v, *jitter)
}

func bandwidth(b speedtest.BandwidthResults) string {
	if b.SpeedMbps == nil {
		return unavailable
	}
	s := fmt.Sprintf("%.2f Mbps", *b.SpeedMbps)
	if b.EarlyTerminated {
		s += " (ramp ended early)"
	}
	return s
}

func location(city, country string) string {
	return joinNonEmpty(city, country)
}

func joinNonEmpty(parts ...string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ", ")
}
