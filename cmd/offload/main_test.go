package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/samcharles93/offload/internal/pipeline"
)

// run executes the app with an isolated config file and captures stdout.
func run(t *testing.T, cfg string, args ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	argv := append([]string{"offload", "--log-level", "error", "--config", path}, args...)
	if err := app.Run(context.Background(), argv); err != nil {
		t.Fatalf("run %v: %v", args, err)
	}
	return out.String()
}

func TestClassifyCommand(t *testing.T) {
	out := run(t, "", "classify", "Linear", "RMSNorm", "Dropout")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header and 3 rows, got:\n%s", out)
	}
	want := []string{"linear", "unmanaged", "unclassified"}
	for i, w := range want {
		if !strings.Contains(lines[i+1], w) {
			t.Errorf("row %d = %q, want class %s", i, lines[i+1], w)
		}
	}
}

func TestSimulateCommand(t *testing.T) {
	out := run(t, "", "simulate", "--steps", "2")
	var rep pipeline.SimulateReport
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("decode report: %v\n%s", err, out)
	}
	if rep.Linear != 2 || rep.Conv != 4 || rep.Steps != 2 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if rep.Fetches != 2*(rep.Linear+rep.Conv) {
		t.Fatalf("fetches = %d, want one per managed layer per step", rep.Fetches)
	}
}

func TestSimulateUsesConfigFile(t *testing.T) {
	out := run(t, "offload_fraction: 0\ndtype: f16\n", "simulate")
	var rep pipeline.SimulateReport
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if rep.Linear != 0 || rep.Conv != 0 || rep.OffloadedBytes != 0 {
		t.Fatalf("config fraction 0 must leave nothing offloaded: %+v", rep)
	}
	if rep.DType != "f16" {
		t.Fatalf("dtype = %q, want f16", rep.DType)
	}

	// An explicit flag wins over the file.
	out = run(t, "offload_fraction: 0\n", "simulate", "--offload-fraction", "1")
	rep = pipeline.SimulateReport{}
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if rep.Linear != 2 {
		t.Fatalf("flag must override config, got %+v", rep)
	}
}

func TestUnloadCommand(t *testing.T) {
	out := run(t, "", "unload", "--encoders", "3", "--connectors")
	var rep pipeline.UnloadReport
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("decode report: %v\n%s", err, out)
	}
	if rep.Components != 3 || rep.Connectors != 1 || len(rep.Slots) != 6 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if rep.DeviceUsedAfter != 0 {
		t.Fatalf("device still holds %d bytes", rep.DeviceUsedAfter)
	}
}

func TestVersionCommand(t *testing.T) {
	out := run(t, "", "version")
	if !strings.HasPrefix(out, "version:") {
		t.Fatalf("unexpected output %q", out)
	}
}
