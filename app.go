package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/kwv/chamferlik/chamfer"
)

// App encapsulates the application state and dependencies
type App struct {
	Out     io.Writer
	Options AppOptions

	Config     *chamfer.Config
	Store      *chamfer.FieldStore
	Scorer     *chamfer.Scorer
	MQTTClient *chamfer.MQTTClient
	Publisher  *chamfer.ResultPublisher
}

// NewApp creates a new App instance writing reports to out
func NewApp(out io.Writer) *App {
	return &App{Out: out}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.Options = opts
}

// loadConfig reads the config file and applies the command line overrides
func (a *App) loadConfig() (*chamfer.Config, error) {
	cfg, err := chamfer.LoadConfig(a.Options.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w (looked at %s)", err, a.Options.ConfigFile)
	}
	if a.Options.Backend != "" {
		cfg.Evaluator.Backend = a.Options.Backend
	}
	if a.Options.Squared {
		cfg.Evaluator.Squared = true
	}
	if a.Options.Stride > 0 {
		cfg.MultiView.Stride = a.Options.Stride
	}
	if a.Options.Views != "" {
		views, err := chamfer.ParseViewList(a.Options.Views)
		if err != nil {
			return nil, err
		}
		cfg.MultiView.Views = views
	}
	if a.Options.HttpPort > 0 {
		cfg.HTTP.Port = a.Options.HttpPort
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setup loads the configuration, builds the field store from the edge maps
// available up front and creates the scorer
func (a *App) setup(ctx context.Context) error {
	if a.Options.Verbose {
		chamfer.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.Config = cfg
	log.Printf("Loaded config from %s", a.Options.ConfigFile)

	topts, err := cfg.TransformOptions()
	if err != nil {
		return err
	}
	ids := make([]string, len(cfg.Views))
	for i, v := range cfg.Views {
		ids[i] = v.ID
	}
	a.Store = chamfer.NewFieldStore(ids, cfg.Grid.Rows, cfg.Grid.Cols, topts)

	if err := a.loadEdges(ctx); err != nil {
		return err
	}

	a.Scorer, err = chamfer.NewScorer(cfg, a.Store)
	return err
}

// loadEdges reads the edge maps of views backed by a file or URL. Views fed
// only over MQTT are left empty.
func (a *App) loadEdges(ctx context.Context) error {
	base := filepath.Dir(a.Options.ConfigFile)
	for _, v := range a.Config.Views {
		var (
			edges *chamfer.EdgeSet
			err   error
		)
		switch {
		case v.Edges != "":
			path := v.Edges
			if !filepath.IsAbs(path) {
				path = filepath.Join(base, path)
			}
			edges, err = chamfer.ParseEdgeFile(path)
		case v.URL != "":
			edges, err = chamfer.FetchEdges(ctx, v.URL)
		default:
			continue
		}
		if err != nil {
			return fmt.Errorf("loading edges for view %s: %w", v.ID, err)
		}
		if _, err := a.Store.UpdateEdges(v.ID, edges); err != nil {
			return err
		}
		log.Printf("View %s: %d edge points", v.ID, len(edges.Points))
	}
	return nil
}

func (a *App) close() {
	if a.Scorer != nil {
		if err := a.Scorer.Close(); err != nil {
			log.Printf("Error closing scorer: %v", err)
		}
	}
}

// RunScore scores one hypothesis file and prints the result as JSON
func (a *App) RunScore(ctx context.Context) error {
	if a.Options.Hypothesis == "" {
		return errors.New("no hypothesis given: use -hypothesis FILE, or -mqtt / -http for service mode")
	}
	data, err := os.ReadFile(a.Options.Hypothesis)
	if err != nil {
		return fmt.Errorf("reading hypothesis: %w", err)
	}
	h, err := chamfer.ParseHypothesis(data)
	if err != nil {
		return err
	}

	if err := a.setup(ctx); err != nil {
		return err
	}
	defer a.close()

	rec, err := a.Scorer.Score(ctx, h, nil)
	if err != nil {
		return fmt.Errorf("scoring %s: %w", a.Options.Hypothesis, err)
	}
	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		return err
	}

	if a.Options.Parity {
		fast, gold, err := a.Scorer.Parity(ctx, h)
		if err != nil {
			return fmt.Errorf("parity check: %w", err)
		}
		fmt.Fprintf(a.Out, "parity: %s=%.9g reference=%.9g relative difference=%.3g\n",
			a.Config.Evaluator.Backend, fast.Value(), gold.Value(), relativeDifference(fast.Value(), gold.Value()))
	}

	if a.Options.Overlay != "" {
		if err := a.writeOverlay(a.Options.Overlay, a.Options.OverlayFormat, rec.FrameID); err != nil {
			return fmt.Errorf("writing overlay: %w", err)
		}
		fmt.Fprintf(a.Out, "overlay written to %s\n", a.Options.Overlay)
	}
	return nil
}

func relativeDifference(a, b float64) float64 {
	if a == b {
		return 0
	}
	return math.Abs(a-b) / math.Max(math.Abs(a), math.Abs(b))
}

// writeOverlay renders view 0 with the last scored hypothesis
func (a *App) writeOverlay(path, format, frameID string) error {
	opts := chamfer.OverlayOptions{
		FlipRows: a.Config.Evaluator.FlipRows,
		Label:    overlayLabel(a.Config.Views[0].ID, frameID),
		LinkStep: 8,
	}
	return a.Scorer.WithView(0, func(field *chamfer.DistanceField, frame *chamfer.Frame) error {
		if format == "svg" {
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			if err := chamfer.RenderOverlaySVG(f, field, frame, opts); err != nil {
				_ = f.Close()
				return err
			}
			return f.Close()
		}
		img, err := chamfer.RenderOverlay(field, frame, opts)
		if err != nil {
			return err
		}
		return chamfer.SavePNG(path, img)
	})
}

func overlayLabel(viewID, frameID string) string {
	if len(frameID) > 8 {
		frameID = frameID[:8]
	}
	if frameID == "" {
		return viewID
	}
	return viewID + " " + frameID
}

// handleEdges is the edge callback shared by MQTT and URL polling
func (a *App) handleEdges(viewID string, edges *chamfer.EdgeSet, err error) {
	if err != nil {
		log.Printf("[Edges] Error receiving edges for %s: %v", viewID, err)
		return
	}
	rebuilt, err := a.Store.UpdateEdges(viewID, edges)
	if err != nil {
		log.Printf("[Edges] Rejected edges for %s: %v", viewID, err)
		return
	}
	if rebuilt {
		log.Printf("[Edges] %s: field rebuilt from %d edge points (frame %s)", viewID, len(edges.Points), a.Store.FrameID())
	}
}

// startPollers re-fetches URL-backed views with a poll interval until ctx
// is done
func (a *App) startPollers(ctx context.Context) error {
	for _, v := range a.Config.Views {
		if v.URL == "" || v.Poll <= 0 {
			continue
		}
		poller, err := chamfer.NewEdgePoller(v.URL)
		if err != nil {
			return err
		}
		id := v.ID
		go poller.Run(ctx, v.Poll, func(edges *chamfer.EdgeSet, err error) {
			a.handleEdges(id, edges, err)
		})
	}
	return nil
}

// handleHypothesis is the MQTT hypothesis callback: score and publish
func (a *App) handleHypothesis(ctx context.Context, h *chamfer.Hypothesis, err error) {
	if err != nil {
		log.Printf("[MQTT] Error decoding hypothesis: %v", err)
		return
	}
	rec, err := a.Scorer.Score(ctx, h, nil)
	if err != nil {
		log.Printf("[MQTT] Error scoring hypothesis %q: %v", h.ID, err)
		return
	}
	a.publish(h, rec)
}

func (a *App) publish(h *chamfer.Hypothesis, rec chamfer.ScoreRecord) {
	if a.Publisher == nil {
		return
	}
	if err := a.Publisher.Publish(rec); err != nil {
		log.Printf("[MQTT] Error publishing result: %v", err)
		return
	}
	if err := a.Publisher.PublishFeature(h, rec); err != nil {
		log.Printf("[MQTT] Error publishing feature: %v", err)
	}
}

// RunService runs MQTT ingestion and/or the HTTP server until ctx is done
func (a *App) RunService(ctx context.Context) error {
	fmt.Fprintln(a.Out, "Starting chamferlik service...")
	if err := a.setup(ctx); err != nil {
		return err
	}
	defer a.close()

	if a.Options.MqttMode {
		client, err := chamfer.InitMQTT(ctx, a.Config, chamfer.MQTTHandlers{
			Edges: a.handleEdges,
			Hypothesis: func(h *chamfer.Hypothesis, err error) {
				a.handleHypothesis(ctx, h, err)
			},
		})
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT: %w", err)
		}
		if client == nil {
			return errors.New("MQTT broker not configured (set mqtt.broker or MQTT_BROKER)")
		}
		a.MQTTClient = client
		a.Publisher = chamfer.NewResultPublisher(client.Client(), chamfer.PublishPrefix(a.Config))
		defer client.Disconnect()
	}

	if err := a.startPollers(ctx); err != nil {
		return err
	}

	var srv *http.Server
	if a.Options.HttpMode {
		srv = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.Config.HTTP.Port),
			Handler:           newHTTPServer(a.Scorer, a.Store, a.Config, a.publish),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("[HTTP] Starting server on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[HTTP] Server error: %v", err)
			}
		}()
	}

	a.printServiceInfo()
	<-ctx.Done()

	fmt.Fprintln(a.Out, "\nShutting down service...")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[HTTP] Shutdown error: %v", err)
		}
	}
	fmt.Fprintln(a.Out, "Service stopped")
	return nil
}

func (a *App) printServiceInfo() {
	fmt.Fprintln(a.Out, "\nService Running")
	fmt.Fprintln(a.Out, "===============")
	fmt.Fprintf(a.Out, "Backend: %s, views scored: %v\n", a.Config.Evaluator.Backend, a.Scorer.Views())

	for _, v := range a.Config.Views {
		if v.URL != "" && v.Poll > 0 {
			fmt.Fprintf(a.Out, "Polling %s every %s (%s)\n", v.URL, v.Poll, v.ID)
		}
	}

	if a.Options.MqttMode {
		prefix := chamfer.PublishPrefix(a.Config)
		fmt.Fprintln(a.Out, "\nMQTT:")
		fmt.Fprintln(a.Out, "  Subscribed topics:")
		for _, v := range a.Config.Views {
			if v.Topic != "" {
				fmt.Fprintf(a.Out, "    - %s (%s)\n", v.Topic, v.ID)
			}
		}
		if a.Config.MQTT.HypothesisTopic != "" {
			fmt.Fprintf(a.Out, "    - %s (hypotheses)\n", a.Config.MQTT.HypothesisTopic)
		}
		fmt.Fprintf(a.Out, "  Publishing to: %s/likelihood/{hypothesisId}\n", prefix)
		fmt.Fprintf(a.Out, "  Combined results: %s/likelihood\n", prefix)
	}

	if a.Options.HttpMode {
		fmt.Fprintf(a.Out, "\nHTTP endpoints (port %d):\n", a.Config.HTTP.Port)
		fmt.Fprintln(a.Out, "  GET  /health              - Health check")
		fmt.Fprintln(a.Out, "  POST /score               - Score a GeoJSON hypothesis")
		fmt.Fprintln(a.Out, "  GET  /overlay.png?view=N  - Distance map overlay")
		fmt.Fprintln(a.Out, "  GET  /overlay.svg?view=N  - Vector overlay")
		fmt.Fprintln(a.Out, "  GET  /results             - Recent results")
	}

	fmt.Fprintln(a.Out, "\nPress Ctrl+C to stop")
}
