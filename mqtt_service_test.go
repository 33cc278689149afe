package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func clearMQTTEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"MQTT_BROKER", "MQTT_CLIENT_ID", "MQTT_USERNAME", "MQTT_PASSWORD", "MQTT_PUBLISH_PREFIX"} {
		t.Setenv(key, "")
	}
}

// TestRunService_MQTTNotConfigured tests that -mqtt without a broker fails
func TestRunService_MQTTNotConfigured(t *testing.T) {
	clearMQTTEnv(t)
	configPath, _ := writeFixture(t, fixtureConfig)
	var out bytes.Buffer
	app := NewApp(&out)
	app.ApplyOptions(AppOptions{ConfigFile: configPath, MqttMode: true})

	err := app.RunService(context.Background())
	if err == nil || !strings.Contains(err.Error(), "MQTT broker not configured") {
		t.Errorf("expected broker error, got %v", err)
	}
}

// TestRunService_HTTPShutdown tests that the service stops once ctx is done
func TestRunService_HTTPShutdown(t *testing.T) {
	configPath, _ := writeFixture(t, fixtureConfig+"http:\n  port: 0\n")
	var out bytes.Buffer
	app := NewApp(&out)
	app.ApplyOptions(AppOptions{ConfigFile: configPath, HttpMode: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := app.RunService(ctx); err != nil {
		t.Fatalf("RunService failed: %v", err)
	}

	for _, want := range []string{
		"Starting chamferlik service",
		"Service Running",
		"POST /score",
		"Service stopped",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, out.String())
		}
	}
}

// TestPrintServiceInfo_MQTT tests the subscription summary
func TestPrintServiceInfo_MQTT(t *testing.T) {
	clearMQTTEnv(t)
	configPath, _ := writeFixture(t, fixtureConfig+"mqtt:\n  publishPrefix: lab\n  hypothesisTopic: tracker/hypothesis\n")
	var out bytes.Buffer
	app := NewApp(&out)
	app.ApplyOptions(AppOptions{ConfigFile: configPath, Backend: "reference"})
	if err := app.setup(context.Background()); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	defer app.close()

	app.Options.MqttMode = true
	app.printServiceInfo()

	for _, want := range []string{
		"Backend: reference, views scored: [0 1]",
		"cams/side (side)",
		"tracker/hypothesis (hypotheses)",
		"Publishing to: lab/likelihood/{hypothesisId}",
		"Combined results: lab/likelihood",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, out.String())
		}
	}
	if strings.Contains(out.String(), "HTTP endpoints") {
		t.Error("HTTP endpoints listed without -http")
	}
}
