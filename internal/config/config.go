// Package config is the Configuration Store (C2): it loads, validates,
// caches, saves, and watches the single persisted YAML document described
// in the data model. Loading follows the teacher's spf13/viper-based
// env-override idiom (internal/config/shared.go in the teacher bound each
// field with viper.BindEnv and viper.SetDefault); writing back out and
// snake_case/camelCase key tolerance are new, since the teacher's Load is
// read-only and only ever ran once at process start.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"relaycaster/internal/errs"
)

// Destination is a named fan-out target, see the data model's Destination.
// The json tags mirror the yaml ones so the same document shape works for
// both the on-disk file and the Control API's POST /config body.
type Destination struct {
	ID          string            `yaml:"id,omitempty" json:"id,omitempty"`
	Name        string            `yaml:"name" json:"name"`
	DisplayName string            `yaml:"display_name,omitempty" json:"display_name,omitempty"`
	URL         string            `yaml:"rtmp_url" json:"rtmp_url"`
	StreamKey   string            `yaml:"stream_key" json:"stream_key"`
	Enabled     bool              `yaml:"enabled" json:"enabled"`
	Metadata    map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// OBS is reserved configuration for a future OBS WebSocket collaborator;
// the core never dials it.
type OBS struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
}

// Ingest is the RTMP listener configuration consumed by internal/ingest.
type Ingest struct {
	Host      string `yaml:"host" json:"host"`
	Port      int    `yaml:"port" json:"port"`
	AppName   string `yaml:"app_name" json:"app_name"`
	StreamKey string `yaml:"stream_key" json:"stream_key"`
	Enabled   bool   `yaml:"enabled" json:"enabled"`
}

// UI binds the control plane's listen address.
type UI struct {
	Host  string `yaml:"host" json:"host"`
	Port  int    `yaml:"port" json:"port"`
	Debug bool   `yaml:"debug" json:"debug"`
}

// StreamManager groups the ingest/egress/reconnect policy fields under the
// on-disk `stream_manager` key.
type StreamManager struct {
	OBS                  OBS           `yaml:"obs" json:"obs"`
	RTMPServer           Ingest        `yaml:"rtmp_server" json:"rtmp_server"`
	AutoReconnect        bool          `yaml:"auto_reconnect" json:"auto_reconnect"`
	ReconnectDelay       int           `yaml:"reconnect_delay" json:"reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" json:"max_reconnect_attempts"`
	Platforms            []Destination `yaml:"platforms" json:"platforms"`
}

// Config is the persisted root document.
type Config struct {
	Version       string        `yaml:"version" json:"version"`
	StreamManager StreamManager `yaml:"stream_manager" json:"stream_manager"`
	UI            UI            `yaml:"ui" json:"ui"`
}

// IngestConfig is a convenience accessor mirroring the data model's naming.
func (c *Config) IngestConfig() Ingest { return c.StreamManager.RTMPServer }

// Destinations is a convenience accessor mirroring the data model's naming.
func (c *Config) Destinations() []Destination { return c.StreamManager.Platforms }

func defaultConfig() *Config {
	return &Config{
		Version: "1",
		StreamManager: StreamManager{
			RTMPServer: Ingest{
				Host:      "0.0.0.0",
				Port:      1935,
				AppName:   "live",
				StreamKey: "",
				Enabled:   true,
			},
			AutoReconnect:        true,
			ReconnectDelay:       5,
			MaxReconnectAttempts: 10,
		},
		UI: UI{Host: "0.0.0.0", Port: 8080, Debug: false},
	}
}

type cacheEntry struct {
	path    string
	absPath string
	mtime   time.Time
	cfg     *Config
	cachedAt time.Time
}

const cacheTTL = 1 * time.Second

// Store is the Configuration Store. It owns the on-disk file handle during
// writes and the in-memory load cache; callers must go through Load/Save,
// never read the cache directly (§5).
type Store struct {
	mu    sync.Mutex
	cache *cacheEntry
}

func NewStore() *Store {
	return &Store{}
}

// Load reads, parses, validates, and merges the document at path against
// defaults. An empty path falls back to $CONFIG_PATH, defaulting further to
// "config.yaml". A cache hit (same abs path, same mtime, within the 1s TTL)
// returns the cached value without re-parsing.
func (s *Store) Load(path string) (*Config, error) {
	resolved, err := s.resolvePath(path)
	if err != nil {
		return nil, err
	}
	absPath, err := filepath.Abs(resolved)
	if err != nil {
		return nil, errs.New(errs.ConfigInvalid, "resolve config path: %v", err)
	}

	info, statErr := os.Stat(absPath)

	if statErr == nil {
		if cfg, ok := s.cachedLocked(absPath, info.ModTime()); ok {
			return cfg, nil
		}
	}

	var raw []byte
	if statErr == nil {
		raw, err = os.ReadFile(absPath)
		if err != nil {
			return nil, errs.New(errs.ConfigInvalid, "read config: %v", err)
		}
	} else if os.IsNotExist(statErr) {
		raw = nil
	} else {
		return nil, errs.New(errs.ConfigInvalid, "stat config: %v", statErr)
	}

	cfg, err := parseAndMerge(raw)
	if err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	filterInvalidDestinations(cfg)

	mtime := time.Now()
	if statErr == nil {
		mtime = info.ModTime()
	}
	s.mu.Lock()
	s.cache = &cacheEntry{path: resolved, absPath: absPath, mtime: mtime, cfg: cfg, cachedAt: time.Now()}
	s.mu.Unlock()

	return cfg, nil
}

func (s *Store) cachedLocked(absPath string, mtime time.Time) (*Config, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache == nil {
		return nil, false
	}
	if s.cache.absPath != absPath {
		return nil, false
	}
	if !s.cache.mtime.Equal(mtime) {
		return nil, false
	}
	if time.Since(s.cache.cachedAt) > cacheTTL {
		return nil, false
	}
	return s.cache.cfg, true
}

// Save persists cfg to path atomically (write temp file + rename) and
// invalidates the cache so the next Load re-reads from disk.
func (s *Store) Save(cfg *Config, path string) error {
	resolved, err := s.resolvePath(path)
	if err != nil {
		return err
	}
	absPath, err := filepath.Abs(resolved)
	if err != nil {
		return errs.New(errs.ConfigInvalid, "resolve config path: %v", err)
	}
	if dir := filepath.Dir(absPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errs.New(errs.ConfigInvalid, "create config directory: %v", err)
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errs.New(errs.ConfigInvalid, "marshal config: %v", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(absPath), "config-*.yaml.tmp")
	if err != nil {
		return errs.New(errs.ConfigInvalid, "create temp config: %v", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errs.New(errs.ConfigInvalid, "write temp config: %v", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errs.New(errs.ConfigInvalid, "close temp config: %v", err)
	}
	if err := os.Rename(tmp.Name(), absPath); err != nil {
		os.Remove(tmp.Name())
		return errs.New(errs.ConfigInvalid, "rename config into place: %v", err)
	}

	s.mu.Lock()
	s.cache = nil
	s.mu.Unlock()
	return nil
}

// Watch polls path's mtime every second and invokes callback with the
// reloaded config whenever it changes.
func (s *Store) Watch(path string, callback func(*Config)) (stop func()) {
	resolved, err := s.resolvePath(path)
	if err != nil {
		resolved = path
	}
	absPath, _ := filepath.Abs(resolved)

	done := make(chan struct{})
	go func() {
		var lastMTime time.Time
		if info, err := os.Stat(absPath); err == nil {
			lastMTime = info.ModTime()
		}
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				info, err := os.Stat(absPath)
				if err != nil {
					continue
				}
				if info.ModTime().Equal(lastMTime) {
					continue
				}
				lastMTime = info.ModTime()
				cfg, err := s.Load(path)
				if err != nil {
					continue
				}
				callback(cfg)
			}
		}
	}()
	return func() { close(done) }
}

func (s *Store) resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) != "" {
		return path, nil
	}
	if env := strings.TrimSpace(os.Getenv("CONFIG_PATH")); env != "" {
		return env, nil
	}
	return "config.yaml", nil
}

func parseAndMerge(raw []byte) (*Config, error) {
	cfg := defaultConfig()
	if len(raw) == 0 {
		return cfg, nil
	}

	var generic map[string]any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, errs.New(errs.ConfigInvalid, "parse yaml: %v", err)
	}
	normalized := normalizeKeys(generic)

	normalizedBytes, err := yaml.Marshal(normalized)
	if err != nil {
		return nil, errs.New(errs.ConfigInvalid, "renormalize yaml: %v", err)
	}

	loaded := defaultConfig()
	if err := yaml.Unmarshal(normalizedBytes, loaded); err != nil {
		return nil, errs.New(errs.ConfigInvalid, "decode config: %v", err)
	}
	return loaded, nil
}

var camelBoundary = regexp.MustCompile(`([a-z0-9])([A-Z])`)

// toSnakeCase rewrites a camelCase key to snake_case; keys already in
// snake_case (the canonical on-disk form) pass through unchanged.
func toSnakeCase(key string) string {
	snake := camelBoundary.ReplaceAllString(key, "${1}_${2}")
	return strings.ToLower(snake)
}

// normalizeKeys recursively rewrites camelCase map keys to snake_case so
// either convention can be read from disk while snake_case remains the only
// form ever written back out.
func normalizeKeys(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, sub := range val {
			out[toSnakeCase(k)] = normalizeKeys(sub)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, sub := range val {
			out[i] = normalizeKeys(sub)
		}
		return out
	default:
		return v
	}
}

func applyEnvOverrides(cfg *Config) {
	v := viper.New()
	v.BindEnv("obs_host", "OBS_HOST")
	v.BindEnv("obs_port", "OBS_PORT")
	v.BindEnv("obs_password", "OBS_PASSWORD")
	v.BindEnv("ui_host", "UI_HOST")
	v.BindEnv("ui_port", "UI_PORT")
	v.BindEnv("ui_debug", "UI_DEBUG")

	if s := v.GetString("obs_host"); s != "" {
		cfg.StreamManager.OBS.Host = s
	}
	if s := v.GetString("obs_port"); s != "" {
		if port, err := strconv.Atoi(s); err == nil {
			cfg.StreamManager.OBS.Port = port
		}
	}
	if s := v.GetString("obs_password"); s != "" {
		cfg.StreamManager.OBS.Password = s
	}
	if s := v.GetString("ui_host"); s != "" {
		cfg.UI.Host = s
	}
	if s := v.GetString("ui_port"); s != "" {
		if port, err := strconv.Atoi(s); err == nil {
			cfg.UI.Port = port
		}
	}
	if s := v.GetString("ui_debug"); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			cfg.UI.Debug = b
		}
	}
}

// filterInvalidDestinations silently drops any destination with an empty
// URL or stream key, and assigns a stable id to any destination whose id
// was left empty.
func filterInvalidDestinations(cfg *Config) {
	valid := cfg.StreamManager.Platforms[:0:0]
	for _, d := range cfg.StreamManager.Platforms {
		if strings.TrimSpace(d.URL) == "" || strings.TrimSpace(d.StreamKey) == "" {
			continue
		}
		if strings.TrimSpace(d.ID) == "" {
			d.ID = newID()
		}
		valid = append(valid, d)
	}
	cfg.StreamManager.Platforms = valid
}

func newID() string {
	return fmt.Sprintf("dest-%d", time.Now().UnixNano())
}
