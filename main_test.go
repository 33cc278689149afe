package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"strings"
	"testing"
)

type mockApp struct {
	opts   AppOptions
	called map[string]bool
	err    error
}

func newMockApp() *mockApp {
	return &mockApp{called: make(map[string]bool)}
}

func (m *mockApp) ApplyOptions(opts AppOptions) { m.opts = opts }

func (m *mockApp) RunScore(context.Context) error {
	m.called["RunScore"] = true
	return m.err
}

func (m *mockApp) RunService(context.Context) error {
	m.called["RunService"] = true
	return m.err
}

func TestRun_Flags(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		expectedCalled string
		verifyOpts     func(*testing.T, AppOptions)
	}{
		{
			name:           "Score",
			args:           []string{"--hypothesis", "cup.geojson", "--config", "lab.yaml", "--parity"},
			expectedCalled: "RunScore",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.Hypothesis != "cup.geojson" {
					t.Errorf("expected Hypothesis cup.geojson, got %s", opts.Hypothesis)
				}
				if opts.ConfigFile != "lab.yaml" {
					t.Errorf("expected ConfigFile lab.yaml, got %s", opts.ConfigFile)
				}
				if !opts.Parity {
					t.Error("expected Parity true")
				}
			},
		},
		{
			name:           "EvaluatorOverrides",
			args:           []string{"--backend", "reference", "--squared", "--stride", "2", "--views", "0,3"},
			expectedCalled: "RunScore",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.Backend != "reference" {
					t.Errorf("expected Backend reference, got %s", opts.Backend)
				}
				if !opts.Squared {
					t.Error("expected Squared true")
				}
				if opts.Stride != 2 {
					t.Errorf("expected Stride 2, got %d", opts.Stride)
				}
				if opts.Views != "0,3" {
					t.Errorf("expected Views 0,3, got %s", opts.Views)
				}
			},
		},
		{
			name:           "Overlay",
			args:           []string{"--overlay", "out.svg", "--overlay-format", "svg"},
			expectedCalled: "RunScore",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.Overlay != "out.svg" || opts.OverlayFormat != "svg" {
					t.Errorf("unexpected overlay options %q %q", opts.Overlay, opts.OverlayFormat)
				}
			},
		},
		{
			name:           "MqttMode",
			args:           []string{"--mqtt", "--http-port", "9090"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.MqttMode {
					t.Error("expected MqttMode true")
				}
				if opts.HttpPort != 9090 {
					t.Errorf("expected HttpPort 9090, got %d", opts.HttpPort)
				}
			},
		},
		{
			name:           "HttpMode",
			args:           []string{"--http", "--verbose"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.HttpMode || !opts.Verbose {
					t.Errorf("expected HttpMode and Verbose, got %+v", opts)
				}
				if opts.ConfigFile != "config.yaml" {
					t.Errorf("expected default ConfigFile, got %s", opts.ConfigFile)
				}
				if opts.OverlayFormat != "png" {
					t.Errorf("expected default OverlayFormat png, got %s", opts.OverlayFormat)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newMockApp()
			var out bytes.Buffer
			if err := run(context.Background(), tt.args, &out, app); err != nil {
				t.Fatalf("run failed: %v", err)
			}
			if !app.called[tt.expectedCalled] {
				t.Errorf("expected %s to be called", tt.expectedCalled)
			}
			if len(app.called) != 1 {
				t.Errorf("expected exactly one mode, got %v", app.called)
			}
			tt.verifyOpts(t, app.opts)
		})
	}
}

func TestRun_Help(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run(context.Background(), []string{"--help"}, &out, app)
	if !errors.Is(err, flag.ErrHelp) {
		t.Errorf("expected flag.ErrHelp, got %v", err)
	}
	if !strings.Contains(out.String(), "Usage of chamferlik") {
		t.Errorf("expected usage info in output, got: %s", out.String())
	}
	if len(app.called) != 0 {
		t.Errorf("no mode should run, got %v", app.called)
	}
}

func TestRun_InvalidOverlayFormat(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	if err := run(context.Background(), []string{"--overlay-format", "gif"}, &out, app); err == nil {
		t.Error("expected error for gif overlay format")
	}
}

func TestRun_PropagatesErrors(t *testing.T) {
	app := newMockApp()
	app.err = errors.New("boom")
	var out bytes.Buffer
	err := run(context.Background(), nil, &out, app)
	if err == nil || err.Error() != "boom" {
		t.Errorf("expected boom, got %v", err)
	}
	if !strings.Contains(out.String(), "chamferlik version: "+Version) {
		t.Errorf("expected output to contain version, got: %s", out.String())
	}
}
