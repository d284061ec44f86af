package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"relaycaster/internal/config"
	"relaycaster/internal/ingest"
	"relaycaster/internal/relay"
	"relaycaster/internal/telemetry"
)

func newTestServer(t *testing.T, secret string) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	store := config.NewStore()
	cfg, err := store.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg.StreamManager.Platforms = []config.Destination{
		{ID: "a", Name: "twitch", URL: "rtmp://live.twitch.tv/app", StreamKey: "secretkey1234", Enabled: true},
	}
	if err := store.Save(cfg, path); err != nil {
		t.Fatal(err)
	}

	ing := ingest.New(cfg.IngestConfig(), nil)
	sup := relay.New(ing, nil, nil, nil)
	sup.Configure(cfg.StreamManager.Platforms)
	bus := telemetry.NewBus(nil)

	s := New(Options{
		ConfigStore:    store,
		ConfigPath:     path,
		Supervisor:     sup,
		Ingest:         ing,
		Bus:            bus,
		OperatorSecret: secret,
		ListenAddr:     ":0",
	})
	return s, path
}

func signToken(t *testing.T, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "operator"})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func TestHealthIsPublic(t *testing.T) {
	s, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestMutatingRouteRejectsMissingToken(t *testing.T) {
	s, _ := newTestServer(t, "topsecret")
	req := httptest.NewRequest(http.MethodPost, "/api/stream/start", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestMutatingRouteAcceptsValidToken(t *testing.T) {
	s, _ := newTestServer(t, "topsecret")
	token := signToken(t, "topsecret")

	req := httptest.NewRequest(http.MethodPost, "/api/stream/start", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
}

func TestPlatformConnectRejectsInvalidID(t *testing.T) {
	s, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodPost, "/api/platforms/bad%2Fid/connect", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestPlatformsListMasksStreamKeyByDefault(t *testing.T) {
	s, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/api/platforms", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var body struct {
		Platforms []struct {
			StreamKey string `json:"streamKey"`
		} `json:"platforms"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Platforms) != 1 {
		t.Fatalf("expected 1 platform, got %d", len(body.Platforms))
	}
	if body.Platforms[0].StreamKey == "secretkey1234" {
		t.Fatal("expected stream key to be masked")
	}
}

func TestPlatformsListIncludesKeysWhenRequested(t *testing.T) {
	s, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/api/platforms?includeKeys=true", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var body struct {
		Platforms []struct {
			StreamKey string `json:"streamKey"`
		} `json:"platforms"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Platforms[0].StreamKey != "secretkey1234" {
		t.Fatalf("expected unmasked key, got %q", body.Platforms[0].StreamKey)
	}
}

func TestConfigPostValidatesPort(t *testing.T) {
	s, _ := newTestServer(t, "")
	payload := map[string]any{
		"stream_manager": map[string]any{
			"rtmp_server": map[string]any{"host": "0.0.0.0", "port": 0, "app_name": "live"},
		},
		"ui": map[string]any{"host": "0.0.0.0", "port": 8080},
	}
	b, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/config", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body=%s", rec.Code, rec.Body.String())
	}
}

func TestConfigPostPersistsAndReconfiguresSupervisor(t *testing.T) {
	s, path := newTestServer(t, "")
	payload := map[string]any{
		"stream_manager": map[string]any{
			"rtmp_server": map[string]any{"host": "0.0.0.0", "port": 1935, "app_name": "live", "stream_key": "x", "enabled": true},
			"platforms": []map[string]any{
				{"id": "b", "name": "youtube", "rtmp_url": "rtmp://a.youtube.com/live2", "stream_key": "yk", "enabled": true},
			},
		},
		"ui": map[string]any{"host": "0.0.0.0", "port": 8080},
	}
	b, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/config", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file to exist: %v", err)
	}

	snapshot := s.supervisor.StatusSnapshot()
	if len(snapshot) != 1 || snapshot[0].DestinationID != "b" {
		t.Fatalf("expected supervisor reconfigured with destination b, got %+v", snapshot)
	}
}

// TestConfigPostRebindsIngestToNewHostPort posts a config change that alters
// the RTMP host/port and dials the new address directly, proving the
// restarted listener actually bound there rather than re-listening on the
// stale address it was constructed with.
func TestConfigPostRebindsIngestToNewHostPort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	store := config.NewStore()
	cfg, err := store.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg.StreamManager.RTMPServer.Host = "127.0.0.1"
	cfg.StreamManager.RTMPServer.Port = freeTCPPort(t)
	if err := store.Save(cfg, path); err != nil {
		t.Fatal(err)
	}

	ing := ingest.New(cfg.IngestConfig(), nil)
	sup := relay.New(ing, nil, nil, nil)
	bus := telemetry.NewBus(nil)

	s := New(Options{
		ConfigStore: store,
		ConfigPath:  path,
		Supervisor:  sup,
		Ingest:      ing,
		Bus:         bus,
		ListenAddr:  ":0",
	})

	ctx := context.Background()
	if err := ing.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if err := ing.Activate(ctx); err != nil {
		t.Fatal(err)
	}
	defer ing.Deactivate(ctx)

	newPort := freeTCPPort(t)
	payload := map[string]any{
		"stream_manager": map[string]any{
			"rtmp_server": map[string]any{"host": "127.0.0.1", "port": newPort, "app_name": "live", "stream_key": "x", "enabled": true},
		},
		"ui": map[string]any{"host": "0.0.0.0", "port": 8080},
	}
	b, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/config", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", newPort))
	if err != nil {
		t.Fatalf("expected ingest listening on reconfigured port %d after config post, got %v", newPort, err)
	}
	conn.Close()
}

func freeTCPPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
