package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
train:
  batch_size_per_gpu: 16
  dataset_path: /data/patches
optim:
  epochs: 30
  warmup_epochs: 5
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Train.BatchSizePerGPU != 16 {
		t.Errorf("batch size = %d, want 16", cfg.Train.BatchSizePerGPU)
	}
	if cfg.Optim.Epochs != 30 || cfg.Optim.WarmupEpochs != 5 {
		t.Errorf("epochs = %d/%d, want 30/5", cfg.Optim.Epochs, cfg.Optim.WarmupEpochs)
	}
	// Untouched keys keep their defaults.
	if cfg.Student.Arch != "vit_small" {
		t.Errorf("arch = %q, want default vit_small", cfg.Student.Arch)
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyOverrides([]string{
		"optim.epochs", "42",
		"speed.use_fp16", "false",
		"student.arch", "vit_tiny",
		"optim.lr_scheduler.min_lr", "1e-5",
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Optim.Epochs != 42 {
		t.Errorf("epochs = %d, want 42", cfg.Optim.Epochs)
	}
	if cfg.Speed.UseFP16 {
		t.Error("use_fp16 still true")
	}
	if cfg.Student.Arch != "vit_tiny" {
		t.Errorf("arch = %q, want vit_tiny", cfg.Student.Arch)
	}
	if cfg.Optim.LRScheduler.MinLR != 1e-5 {
		t.Errorf("min_lr = %v, want 1e-5", cfg.Optim.LRScheduler.MinLR)
	}
}

func TestApplyOverridesErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"odd arguments", []string{"optim.epochs"}},
		{"unknown group", []string{"nosuch.key", "1"}},
		{"unknown key", []string{"optim.nosuch", "1"}},
		{"scalar as group", []string{"optim.epochs.deeper", "1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Default().ApplyOverrides(tt.args); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"warmup exceeds epochs", func(c *Config) { c.Optim.Epochs = 5; c.Optim.WarmupEpochs = 10 }, "warmup_epochs"},
		{"unknown arch", func(c *Config) { c.Student.Arch = "resnet50" }, "architecture"},
		{"zero batch", func(c *Config) { c.Train.BatchSizePerGPU = 0 }, "batch_size"},
		{"bad pct", func(c *Config) { c.Train.Pct = 0 }, "pct"},
		{"bad scale range", func(c *Config) { c.Crops.GlobalCropsScale = []float64{0.9, 0.4} }, "scale"},
		{"bad min_max", func(c *Config) { c.Tune.Enable = true; c.Tune.EarlyStopping.MinMax = "best" }, "min_max"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := Default()
	cfg.Optim.Epochs = 7
	if err := cfg.Write(path); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Optim.Epochs != 7 {
		t.Errorf("epochs after round trip = %d, want 7", got.Optim.Epochs)
	}
}

func TestCohorts(t *testing.T) {
	c, err := CohortByName("panda")
	if err != nil {
		t.Fatal(err)
	}
	if c.Name != "panda" || c.TarballPath == "" || c.OutputRoot == "" {
		t.Errorf("incomplete cohort preset: %+v", c)
	}
	if _, err := CohortByName("nope"); err == nil {
		t.Error("expected error for unknown cohort")
	}
	names := CohortNames()
	if len(names) != 4 {
		t.Errorf("cohort count = %d, want 4", len(names))
	}
}
