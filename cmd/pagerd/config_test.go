package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pagerd.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadSettingsDefaults(t *testing.T) {
	s, err := loadSettings("")
	if err != nil {
		t.Fatalf("loadSettings failed: %v", err)
	}
	if diff := cmp.Diff(defaultSettings(), s); diff != "" {
		t.Errorf("settings mismatch (-want +got):\n%s", diff)
	}
	if _, err := s.geometry(); err != nil {
		t.Errorf("default geometry invalid: %v", err)
	}
}

func TestLoadSettingsFile(t *testing.T) {
	path := writeConfig(t, `
image = "/var/lib/pagerd/disk.img"
block_size = 8192
disable_cache = true
sync_interval = "5s"

[admin]
listen = "127.0.0.1:9000"
root_squash = false

[mount]
point = "/mnt/pager"
`)
	s, err := loadSettings(path)
	if err != nil {
		t.Fatalf("loadSettings failed: %v", err)
	}

	want := defaultSettings()
	want.Image = "/var/lib/pagerd/disk.img"
	want.BlockSize = 8192
	want.DisableCache = true
	want.SyncInterval = 5 * time.Second
	want.Admin.Listen = "127.0.0.1:9000"
	want.Admin.RootSquash = false
	want.Mount.Point = "/mnt/pager"
	if diff := cmp.Diff(want, s); diff != "" {
		t.Errorf("settings mismatch (-want +got):\n%s", diff)
	}

	if got := s.metadataPath(); got != "/var/lib/pagerd/disk.img.db" {
		t.Errorf("metadataPath = %q", got)
	}
	geom, err := s.geometry()
	if err != nil {
		t.Fatalf("geometry failed: %v", err)
	}
	if geom.FSBlockSize != 8192 {
		t.Errorf("FSBlockSize = %d, want 8192", geom.FSBlockSize)
	}
	if cfg := s.serverConfig(); cfg.EnableRootSquash || cfg.ListenAddress != "127.0.0.1:9000" {
		t.Errorf("server config = %+v", cfg)
	}
	if cfg := s.pagerConfig(geom); !cfg.DisableCache {
		t.Errorf("pager config did not disable caching")
	}
}

func TestLoadSettingsErrors(t *testing.T) {
	if _, err := loadSettings(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("loading a missing file succeeded")
	}
	if _, err := loadSettings(writeConfig(t, "block_size = ")); err == nil {
		t.Error("loading a malformed file succeeded")
	}

	s := defaultSettings()
	s.BlockSize = 1024
	if _, err := s.geometry(); err == nil {
		t.Error("block smaller than a page accepted")
	}
}

func TestServeFlagsOverride(t *testing.T) {
	s := defaultSettings()
	s.SyncInterval = time.Minute
	cmd := &ServeCmd{
		Image:      "disk.img",
		Listen:     ":7171",
		MountPoint: "/mnt/x",
		ReadOnly:   true,
		Sync:       time.Second,
	}
	cmd.apply(&s)
	if s.Image != "disk.img" || s.Admin.Listen != ":7171" || s.Mount.Point != "/mnt/x" {
		t.Errorf("flags not applied: %+v", s)
	}
	if !s.Mount.ReadOnly || s.SyncInterval != time.Second {
		t.Errorf("flags not applied: %+v", s)
	}

	s = defaultSettings()
	(&ServeCmd{}).apply(&s)
	if diff := cmp.Diff(defaultSettings(), s); diff != "" {
		t.Errorf("empty flags changed settings (-want +got):\n%s", diff)
	}
}
