package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cloudspeed/internal/app"
	"cloudspeed/pkg/speedtest"
)

func main() {
	var opts app.Options
	flag.StringVar(&opts.ConfigPath, "config", "./cloudspeed.yaml", "path to config yaml or json (missing file means defaults)")
	flag.BoolVar(&opts.JSON, "json", false, "print results as JSON")
	flag.BoolVar(&opts.Quiet, "quiet", false, "suppress progress output")
	flag.StringVar(&opts.LogLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	flag.StringVar(&opts.BaseURL, "base-url", "", "measurement endpoint (default https://speed.cloudflare.com)")
	flag.BoolVar(&opts.NoPacketLoss, "no-packet-loss", false, "skip the packet loss phase")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(speedtest.ExitCode(err))
	}

	_, err = a.Run(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cloudspeed:", err)
	}
	_ = a.Close()
	cancel()
	os.Exit(speedtest.ExitCode(err))
}
