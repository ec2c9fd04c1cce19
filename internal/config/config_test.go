package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Compression.DefaultQuality != 85 {
		t.Errorf("default quality = %d, want 85", cfg.Compression.DefaultQuality)
	}
	if cfg.RetentionWindow() != time.Hour {
		t.Errorf("retention window = %v, want 1h", cfg.RetentionWindow())
	}
	if cfg.SweepInterval() != 5*time.Minute {
		t.Errorf("sweep interval = %v, want 5m", cfg.SweepInterval())
	}
	if !cfg.IsVideoExtension(".MOV") || cfg.IsVideoExtension(".png") {
		t.Error("default extensions not recognised")
	}
	if cfg.ConfigFileUsed() != path {
		t.Errorf("ConfigFileUsed = %q, want %q", cfg.ConfigFileUsed(), path)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("retention:\n  window_seconds: 60\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MEDIA_COMPRESSOR_RETENTION_WINDOW_SECONDS", "120")
	t.Setenv("MEDIA_COMPRESSOR_VIDEO_CRF_FACTOR", "0.3")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Retention.WindowSeconds != 120 {
		t.Errorf("window = %d, want 120 from env", cfg.Retention.WindowSeconds)
	}
	if cfg.Video.CRFFactor != 0.3 {
		t.Errorf("crf factor = %v, want 0.3", cfg.Video.CRFFactor)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"quality zero", func(c *Config) { c.Compression.DefaultQuality = 0 }, true},
		{"quality too high", func(c *Config) { c.Compression.DefaultQuality = 101 }, true},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"shared dir", func(c *Config) { c.Storage.ArchivesDir = c.Storage.UploadsDir }, true},
		{"nested dir", func(c *Config) { c.Storage.ScratchDir = "a/b" }, true},
		{"overlapping ext", func(c *Config) { c.Compression.VideoExtensions = []string{"png"} }, true},
		{"zero window", func(c *Config) { c.Retention.WindowSeconds = 0 }, true},
		{"workers fixed up", func(c *Config) { c.Compression.Workers = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNormalizeExtensions(t *testing.T) {
	got := normalizeExtensions([]string{"JPG", ".Png", " mov "})
	want := []string{".jpg", ".png", ".mov"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("normalizeExtensions[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
