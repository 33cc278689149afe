package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line
type AppOptions struct {
	ConfigFile    string
	Hypothesis    string
	Backend       string
	Squared       bool
	Stride        int
	Views         string
	Overlay       string
	OverlayFormat string
	MqttMode      bool
	HttpMode      bool
	HttpPort      int
	Verbose       bool
	Parity        bool
}

// Runner is what run dispatches to; App in production
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunScore(ctx context.Context) error
	RunService(ctx context.Context) error
}

// run parses args and dispatches to the selected mode. Usage and errors
// are written to out.
func run(ctx context.Context, args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("chamferlik", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.Hypothesis, "hypothesis", "", "GeoJSON hypothesis to score (score mode)")
	fs.StringVar(&opts.Backend, "backend", "", "Override evaluator backend: reference or accelerated")
	fs.BoolVar(&opts.Squared, "squared", false, "Sum squared distances")
	fs.IntVar(&opts.Stride, "stride", 0, "Score every k-th view (default from config)")
	fs.StringVar(&opts.Views, "views", "", "Explicit view list, e.g. 0,2,5")
	fs.StringVar(&opts.Overlay, "overlay", "", "Write an overlay of view 0 to this path (score mode)")
	fs.StringVar(&opts.OverlayFormat, "overlay-format", "png", "Overlay format: png or svg")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Run MQTT service mode: ingest edges and hypotheses, publish results")
	fs.BoolVar(&opts.HttpMode, "http", false, "Enable HTTP server for scoring and overlays")
	fs.IntVar(&opts.HttpPort, "http-port", 0, "HTTP server port (default from config, 8080)")
	fs.BoolVar(&opts.Verbose, "verbose", false, "Log engine internals")
	fs.BoolVar(&opts.Parity, "parity", false, "Also score with the reference evaluator and report the difference")

	if err := fs.Parse(args); err != nil {
		return err
	}
	switch opts.OverlayFormat {
	case "png", "svg":
	default:
		return fmt.Errorf("invalid -overlay-format %q (want png or svg)", opts.OverlayFormat)
	}

	fmt.Fprintf(out, "chamferlik version: %s\n", Version)
	app.ApplyOptions(opts)

	if opts.MqttMode || opts.HttpMode {
		return app.RunService(ctx)
	}
	return app.RunScore(ctx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx, os.Args[1:], os.Stdout, NewApp(os.Stdout))
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatal(err)
	}
}
