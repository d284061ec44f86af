package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	store := NewStore()
	cfg := defaultConfig()
	cfg.StreamManager.Platforms = []Destination{
		{ID: "d1", Name: "twitch", URL: "rtmp://live.twitch.tv/app", StreamKey: "abc123", Enabled: true},
	}

	if err := store.Save(cfg, path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.StreamManager.Platforms) != 1 {
		t.Fatalf("got %d platforms, want 1", len(loaded.StreamManager.Platforms))
	}
	if loaded.StreamManager.Platforms[0].URL != "rtmp://live.twitch.tv/app" {
		t.Fatalf("url = %q", loaded.StreamManager.Platforms[0].URL)
	}
}

func TestLoadFiltersDestinationsMissingURLOrKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	raw := []byte(`
version: "1"
stream_manager:
  platforms:
    - name: valid
      rtmp_url: rtmp://example.com/app
      stream_key: key1
      enabled: true
    - name: missing-key
      rtmp_url: rtmp://example.com/app
      stream_key: ""
      enabled: true
    - name: missing-url
      rtmp_url: ""
      stream_key: key2
      enabled: true
`)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	store := NewStore()
	cfg, err := store.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.StreamManager.Platforms) != 1 {
		t.Fatalf("got %d platforms, want 1: %+v", len(cfg.StreamManager.Platforms), cfg.StreamManager.Platforms)
	}
	if cfg.StreamManager.Platforms[0].Name != "valid" {
		t.Fatalf("kept wrong destination: %+v", cfg.StreamManager.Platforms[0])
	}
}

func TestLoadAcceptsCamelCaseKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	raw := []byte(`
version: "1"
streamManager:
  autoReconnect: false
  reconnectDelay: 9
  rtmpServer:
    appName: mixed
    host: 127.0.0.1
    port: 1936
    enabled: true
`)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	store := NewStore()
	cfg, err := store.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StreamManager.AutoReconnect != false {
		t.Fatalf("auto_reconnect = %v, want false", cfg.StreamManager.AutoReconnect)
	}
	if cfg.StreamManager.ReconnectDelay != 9 {
		t.Fatalf("reconnect_delay = %d, want 9", cfg.StreamManager.ReconnectDelay)
	}
	if cfg.StreamManager.RTMPServer.AppName != "mixed" {
		t.Fatalf("app_name = %q, want mixed", cfg.StreamManager.RTMPServer.AppName)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nonexistent.yaml")

	store := NewStore()
	cfg, err := store.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StreamManager.RTMPServer.Port != 1935 {
		t.Fatalf("port = %d, want default 1935", cfg.StreamManager.RTMPServer.Port)
	}
}

func TestLoadCachesUntilFileChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	store := NewStore()
	cfg := defaultConfig()
	if err := store.Save(cfg, path); err != nil {
		t.Fatal(err)
	}

	first, err := store.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	second, err := store.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatal("expected cached pointer to be reused within TTL")
	}
}
