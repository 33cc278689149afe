package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kwv/chamferlik/chamfer"
)

const fixtureConfig = `grid:
  rows: 32
  cols: 32
transform:
  maskSize: 5
views:
  - id: front
    edges: front.json
  - id: side
    topic: cams/side
    transform: {a: 1, b: 0, tx: 2, c: 0, d: 1, ty: 0}
`

// writeFixture lays out a config, the edge map of its file-backed view and a
// hypothesis next to each other, returning the config and hypothesis paths
func writeFixture(t *testing.T, config string) (string, string) {
	t.Helper()
	dir := t.TempDir()

	edges, err := json.Marshal(&chamfer.EdgeSet{Rows: 32, Cols: 32, Points: outlinePoints(8, 8, 23, 23)})
	if err != nil {
		t.Fatalf("marshal edges: %v", err)
	}
	files := map[string][]byte{
		"config.yaml":   []byte(config),
		"front.json":    edges,
		"box.geojson":   []byte(boxFeature),
		"broken.json":   []byte("{"),
		"point.geojson": []byte(`{"type":"Point","coordinates":[1,2]}`),
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return filepath.Join(dir, "config.yaml"), filepath.Join(dir, "box.geojson")
}

func TestNewApp(t *testing.T) {
	var out bytes.Buffer
	app := NewApp(&out)
	if app.Out != &out {
		t.Error("expected Out to be set")
	}
	if app.Config != nil || app.Store != nil || app.Scorer != nil {
		t.Error("expected no state before setup")
	}
}

func TestApplyOptions(t *testing.T) {
	app := NewApp(&bytes.Buffer{})
	opts := AppOptions{ConfigFile: "lab.yaml", Backend: "reference", Stride: 2, HttpMode: true}
	app.ApplyOptions(opts)
	if app.Options != opts {
		t.Errorf("expected %+v, got %+v", opts, app.Options)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	configPath, _ := writeFixture(t, fixtureConfig)
	app := NewApp(&bytes.Buffer{})
	app.ApplyOptions(AppOptions{
		ConfigFile: configPath,
		Backend:    chamfer.BackendReference,
		Squared:    true,
		Stride:     2,
		Views:      "1",
		HttpPort:   9999,
	})

	cfg, err := app.loadConfig()
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Evaluator.Backend != chamfer.BackendReference {
		t.Errorf("expected backend override, got %s", cfg.Evaluator.Backend)
	}
	if !cfg.Evaluator.Squared {
		t.Error("expected squared override")
	}
	if cfg.MultiView.Stride != 2 {
		t.Errorf("expected stride 2, got %d", cfg.MultiView.Stride)
	}
	if len(cfg.MultiView.Views) != 1 || cfg.MultiView.Views[0] != 1 {
		t.Errorf("expected views [1], got %v", cfg.MultiView.Views)
	}
	if cfg.HTTP.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.HTTP.Port)
	}
	if cfg.Transform.MaskSize != 5 {
		t.Errorf("expected maskSize from file, got %d", cfg.Transform.MaskSize)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	configPath, _ := writeFixture(t, fixtureConfig)
	tests := []struct {
		name string
		opts AppOptions
	}{
		{"missing file", AppOptions{ConfigFile: filepath.Join(t.TempDir(), "none.yaml")}},
		{"bad backend", AppOptions{ConfigFile: configPath, Backend: "quantum"}},
		{"bad view list", AppOptions{ConfigFile: configPath, Views: "0,x"}},
		{"view out of range", AppOptions{ConfigFile: configPath, Views: "7"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := NewApp(&bytes.Buffer{})
			app.ApplyOptions(tt.opts)
			if _, err := app.loadConfig(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRunScore(t *testing.T) {
	for _, backend := range []string{chamfer.BackendReference, chamfer.BackendAccelerated} {
		t.Run(backend, func(t *testing.T) {
			configPath, hypPath := writeFixture(t, fixtureConfig)
			var out bytes.Buffer
			app := NewApp(&out)
			app.ApplyOptions(AppOptions{
				ConfigFile: configPath,
				Hypothesis: hypPath,
				Backend:    backend,
				Views:      "0",
				Parity:     true,
			})

			if err := app.RunScore(context.Background()); err != nil {
				t.Fatalf("RunScore failed: %v", err)
			}

			dec := json.NewDecoder(strings.NewReader(out.String()))
			var rec chamfer.ScoreRecord
			if err := dec.Decode(&rec); err != nil {
				t.Fatalf("failed to decode record: %v\n%s", err, out.String())
			}
			if rec.HypothesisID != "box" {
				t.Errorf("expected hypothesis box, got %q", rec.HypothesisID)
			}
			if rec.Result.ModelPoints != 16*16 {
				t.Errorf("expected %d model points, got %d", 16*16, rec.Result.ModelPoints)
			}
			if !strings.Contains(out.String(), "parity: "+backend) {
				t.Errorf("expected parity line, got:\n%s", out.String())
			}
		})
	}
}

func TestRunScore_Overlay(t *testing.T) {
	for _, format := range []string{"png", "svg"} {
		t.Run(format, func(t *testing.T) {
			configPath, hypPath := writeFixture(t, fixtureConfig)
			overlay := filepath.Join(t.TempDir(), "overlay."+format)
			var out bytes.Buffer
			app := NewApp(&out)
			app.ApplyOptions(AppOptions{
				ConfigFile:    configPath,
				Hypothesis:    hypPath,
				Backend:       chamfer.BackendReference,
				Views:         "0",
				Overlay:       overlay,
				OverlayFormat: format,
			})

			if err := app.RunScore(context.Background()); err != nil {
				t.Fatalf("RunScore failed: %v", err)
			}
			info, err := os.Stat(overlay)
			if err != nil {
				t.Fatalf("overlay not written: %v", err)
			}
			if info.Size() == 0 {
				t.Error("overlay is empty")
			}
			if !strings.Contains(out.String(), "overlay written to "+overlay) {
				t.Errorf("expected overlay message, got:\n%s", out.String())
			}
		})
	}
}

func TestRunScore_Errors(t *testing.T) {
	configPath, _ := writeFixture(t, fixtureConfig)
	dir := filepath.Dir(configPath)

	tests := []struct {
		name string
		opts AppOptions
	}{
		{"no hypothesis", AppOptions{ConfigFile: configPath}},
		{"missing hypothesis", AppOptions{ConfigFile: configPath, Hypothesis: filepath.Join(dir, "none.geojson")}},
		{"broken hypothesis", AppOptions{ConfigFile: configPath, Hypothesis: filepath.Join(dir, "broken.json")}},
		{"no polygons", AppOptions{ConfigFile: configPath, Hypothesis: filepath.Join(dir, "point.geojson")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := NewApp(&bytes.Buffer{})
			app.ApplyOptions(tt.opts)
			if err := app.RunScore(context.Background()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

// The side view is fed over MQTT only, so it has no field yet
func TestRunScore_ViewWithoutEdgesIsPrecondition(t *testing.T) {
	configPath, hypPath := writeFixture(t, fixtureConfig)
	app := NewApp(&bytes.Buffer{})
	app.ApplyOptions(AppOptions{ConfigFile: configPath, Hypothesis: hypPath, Backend: chamfer.BackendReference})
	err := app.RunScore(context.Background())
	if !errors.Is(err, chamfer.ErrPrecondition) {
		t.Errorf("expected ErrPrecondition, got %v", err)
	}
}

func TestHandleEdgesAndHypothesis(t *testing.T) {
	configPath, _ := writeFixture(t, fixtureConfig)
	app := NewApp(&bytes.Buffer{})
	app.ApplyOptions(AppOptions{ConfigFile: configPath, Backend: chamfer.BackendReference})
	ctx := context.Background()
	if err := app.setup(ctx); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	defer app.close()

	if app.Store.Ready() {
		t.Fatal("side view should not have a field before MQTT delivers one")
	}
	box, err := chamfer.ParseHypothesis([]byte(boxFeature))
	if err != nil {
		t.Fatalf("ParseHypothesis: %v", err)
	}

	// Errors are logged and dropped
	app.handleEdges("side", nil, errors.New("decode failed"))
	app.handleEdges("ghost", &chamfer.EdgeSet{Rows: 32, Cols: 32}, nil)
	app.handleEdges("side", &chamfer.EdgeSet{Rows: 4, Cols: 4}, nil)
	app.handleHypothesis(ctx, box, nil)
	app.handleHypothesis(ctx, nil, errors.New("bad geojson"))
	if app.Store.Ready() || len(app.Store.Results()) != 0 {
		t.Fatal("expected no state change from rejected messages")
	}

	app.handleEdges("side", &chamfer.EdgeSet{Rows: 32, Cols: 32, Points: outlinePoints(8, 10, 23, 25)}, nil)
	if !app.Store.Ready() {
		t.Fatal("expected every view to have a field")
	}
	frame := app.Store.FrameID()

	// Same edges again keep the frame
	app.handleEdges("side", &chamfer.EdgeSet{Rows: 32, Cols: 32, Points: outlinePoints(8, 10, 23, 25)}, nil)
	if app.Store.FrameID() != frame {
		t.Error("unchanged edges should not start a new frame")
	}

	app.handleHypothesis(ctx, box, nil)
	results := app.Store.Results()
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].HypothesisID != "box" || results[0].FrameID != frame {
		t.Errorf("unexpected record %+v", results[0])
	}
	if results[0].Result.ModelPoints != 2*16*16 {
		t.Errorf("expected both views scored, got %d model points", results[0].Result.ModelPoints)
	}
}

func TestRelativeDifference(t *testing.T) {
	tests := []struct {
		a, b, want float64
	}{
		{0, 0, 0},
		{5, 5, 0},
		{10, 9, 0.1},
		{-4, 4, 2},
	}
	for _, tt := range tests {
		if got := relativeDifference(tt.a, tt.b); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("relativeDifference(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestOverlayLabel(t *testing.T) {
	tests := []struct {
		view, frame, want string
	}{
		{"front", "", "front"},
		{"front", "abc", "front abc"},
		{"front", "0123456789abcdef", "front 01234567"},
	}
	for _, tt := range tests {
		if got := overlayLabel(tt.view, tt.frame); got != tt.want {
			t.Errorf("overlayLabel(%q, %q) = %q, want %q", tt.view, tt.frame, got, tt.want)
		}
	}
}

func TestStartPollers(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// the startup fetch sees one box, every poll after it a shifted one
		pts := outlinePoints(8, 10, 23, 25)
		if hits.Add(1) > 1 {
			pts = outlinePoints(9, 11, 24, 26)
		}
		if r.Header.Get("If-None-Match") == `"v2"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v2"`)
		_ = json.NewEncoder(w).Encode(&chamfer.EdgeSet{Rows: 32, Cols: 32, Points: pts})
	}))
	defer srv.Close()

	config := strings.Replace(fixtureConfig, "    topic: cams/side\n",
		fmt.Sprintf("    url: %s\n    poll: 10ms\n", srv.URL), 1)
	configPath, _ := writeFixture(t, config)
	app := NewApp(&bytes.Buffer{})
	app.ApplyOptions(AppOptions{ConfigFile: configPath, Backend: chamfer.BackendReference})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := app.setup(ctx); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	defer app.close()

	frame := app.Store.FrameID()
	if frame == "" {
		t.Fatal("expected a frame after the startup fetch")
	}
	if err := app.startPollers(ctx); err != nil {
		t.Fatalf("startPollers failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for app.Store.FrameID() == frame {
		if time.Now().After(deadline) {
			t.Fatal("polled edges never started a new frame")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if v := app.Store.View("side"); v == nil || v.Edges == nil || v.Edges.Points[0] != (chamfer.EdgePoint{Row: 9, Col: 11}) {
		t.Errorf("side view not updated from poll: %+v", v)
	}
}
