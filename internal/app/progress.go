package app

import (
	"fmt"
	"io"

	"cloudspeed/internal/config"
	"cloudspeed/pkg/speedtest"
)

// progressRenderer prints one line per notable event. Individual latency
// samples are folded into the phase summary to keep the output short.
type progressRenderer struct {
	w io.Writer

	latencyN int
}

func newProgressRenderer(w io.Writer) *progressRenderer { return &progressRenderer{w: w} }

func (r *progressRenderer) consume(ch <-chan speedtest.Event) {
	for e := range ch {
		r.render(e)
	}
}

func (r *progressRenderer) render(e speedtest.Event) {
	switch e.Kind {
	case speedtest.EventPhaseChanged:
		if e.Phase == speedtest.PhaseComplete {
			return
		}
		r.latencyN = 0
		fmt.Fprintf(r.w, "==> %s\n", e.Phase)
	case speedtest.EventLatency:
		if e.Index == 0 {
			fmt.Fprintf(r.w, "    warm-up latency %.1f ms\n", e.Value)
			return
		}
		r.latencyN++
		if e.Index == e.Total {
			fmt.Fprintf(r.w, "    latency probes %d/%d, last %.1f ms\n", r.latencyN, e.Total, e.Value)
		}
	case speedtest.EventBandwidth:
		size := config.FormatSize(e.Bytes)
		if e.Index == 0 {
			fmt.Fprintf(r.w, "    estimate %s %.1f Mbps\n", size, e.Value)
			return
		}
		fmt.Fprintf(r.w, "    %-8s %-8s %3d/%-3d %8.1f Mbps\n", e.Direction, size, e.Index, e.Total, e.Value)
	case speedtest.EventLoadedLatency:
		fmt.Fprintf(r.w, "    loaded latency (%s) %.1f ms\n", e.Direction, e.Value)
	case speedtest.EventError:
		fmt.Fprintf(r.w, "    ! %s\n", e.Message)
	}
}
