package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"relaycaster/internal/config"
	"relaycaster/internal/errs"
)

// platformsCache holds the last rendered /platforms response for the
// component design's 1s GET cache, invalidated eagerly by any mutation
// rather than waiting out its TTL.
type platformsCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	at      time.Time
	payload []gin.H
}

func newPlatformsCache(ttl time.Duration) *platformsCache {
	return &platformsCache{ttl: ttl}
}

func (c *platformsCache) get() ([]gin.H, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.payload == nil || time.Since(c.at) > c.ttl {
		return nil, false
	}
	return c.payload, true
}

func (c *platformsCache) set(payload []gin.H) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payload = payload
	c.at = time.Now()
}

func (c *platformsCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payload = nil
}

func writeRelayError(c *gin.Context, err error) {
	if re, ok := err.(*errs.RelayError); ok {
		c.JSON(statusForKind(re.Kind), gin.H{
			"error": gin.H{
				"kind":    string(re.Kind),
				"message": re.Message,
				"details": re.Details,
			},
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": gin.H{"kind": "Internal", "message": err.Error()},
	})
}

func statusForKind(kind errs.Kind) int {
	switch kind {
	case errs.NotFound:
		return http.StatusNotFound
	case errs.ConfigInvalid, errs.IngestRejected:
		return http.StatusBadRequest
	case errs.PortUnavailable, errs.TranscoderMissing, errs.NetworkTransient:
		return http.StatusServiceUnavailable
	case errs.StateMismatch:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"ingest": s.ing.PublishStatus().String(),
	})
}

func (s *Server) handleStreamStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ingest":       s.ing.PublishStatus().String(),
		"streamPath":   s.ing.GetStreamPath(),
		"destinations": s.supervisor.StatusSnapshot(),
	})
}

func (s *Server) handleStreamStartAll(c *gin.Context) {
	if err := s.supervisor.StartAll(); err != nil {
		writeRelayError(c, err)
		return
	}
	s.platformsCache.invalidate()
	c.JSON(http.StatusOK, gin.H{"destinations": s.supervisor.StatusSnapshot()})
}

func (s *Server) handleStreamStopAll(c *gin.Context) {
	s.supervisor.StopAll()
	s.platformsCache.invalidate()
	c.JSON(http.StatusOK, gin.H{"destinations": s.supervisor.StatusSnapshot()})
}

func (s *Server) handleIngestConnect(c *gin.Context) {
	if err := s.ing.Activate(c.Request.Context()); err != nil {
		writeRelayError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": s.ing.PublishStatus().String()})
}

func (s *Server) handleIngestDisconnect(c *gin.Context) {
	if err := s.ing.Deactivate(c.Request.Context()); err != nil {
		writeRelayError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": s.ing.PublishStatus().String()})
}

func (s *Server) handlePlatformConnect(c *gin.Context) {
	id := c.Param("id")
	if err := s.supervisor.Start(id); err != nil {
		writeRelayError(c, err)
		return
	}
	s.platformsCache.invalidate()
	c.JSON(http.StatusOK, gin.H{"destinations": s.supervisor.StatusSnapshot()})
}

func (s *Server) handlePlatformDisconnect(c *gin.Context) {
	id := c.Param("id")
	if err := s.supervisor.Stop(id); err != nil {
		writeRelayError(c, err)
		return
	}
	s.platformsCache.invalidate()
	c.JSON(http.StatusOK, gin.H{"destinations": s.supervisor.StatusSnapshot()})
}

func (s *Server) handlePlatformsList(c *gin.Context) {
	includeKeys := c.Query("includeKeys") == "true"

	if !includeKeys {
		if cached, ok := s.platformsCache.get(); ok {
			c.JSON(http.StatusOK, gin.H{"platforms": cached})
			return
		}
	}

	snapshot := s.supervisor.StatusSnapshot()
	payload := make([]gin.H, 0, len(snapshot))
	for _, p := range snapshot {
		dest := p.Config
		key := dest.StreamKey
		if !includeKeys {
			key = maskSecret(key)
		}
		payload = append(payload, gin.H{
			"id":          dest.ID,
			"name":        dest.Name,
			"displayName": dest.DisplayName,
			"url":         dest.URL,
			"streamKey":   key,
			"enabled":     dest.Enabled,
			"status":      p.Status,
			"connected":   p.Connected,
			"streaming":   p.Streaming,
		})
	}

	if !includeKeys {
		s.platformsCache.set(payload)
	}
	c.JSON(http.StatusOK, gin.H{"platforms": payload})
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}

func (s *Server) handleConfigGet(c *gin.Context) {
	includeKeys := c.Query("includeKeys") == "true"
	cfg, err := s.cfg.Load(s.configPath)
	if err != nil {
		writeRelayError(c, err)
		return
	}
	c.JSON(http.StatusOK, renderConfig(cfg, includeKeys))
}

func renderConfig(cfg *config.Config, includeKeys bool) gin.H {
	rtmp := cfg.StreamManager.RTMPServer
	if !includeKeys {
		rtmp.StreamKey = maskSecret(rtmp.StreamKey)
	}
	destinations := make([]gin.H, 0, len(cfg.StreamManager.Platforms))
	for _, d := range cfg.StreamManager.Platforms {
		key := d.StreamKey
		if !includeKeys {
			key = maskSecret(key)
		}
		destinations = append(destinations, gin.H{
			"id":          d.ID,
			"name":        d.Name,
			"displayName": d.DisplayName,
			"url":         d.URL,
			"streamKey":   key,
			"enabled":     d.Enabled,
		})
	}
	return gin.H{
		"version":                 cfg.Version,
		"ingest":                  rtmp,
		"ui":                      cfg.UI,
		"platforms":               destinations,
		"auto_reconnect":          cfg.StreamManager.AutoReconnect,
		"reconnect_delay":         cfg.StreamManager.ReconnectDelay,
		"max_reconnect_attempts":  cfg.StreamManager.MaxReconnectAttempts,
	}
}

// configUpdateRequest is the POST /config body. It mirrors config.Config's
// persisted shape rather than the masked read view, so an operator must
// submit real stream keys to change them.
type configUpdateRequest struct {
	StreamManager config.StreamManager `json:"stream_manager"`
	UI            config.UI            `json:"ui"`
}

func validateConfigUpdate(req configUpdateRequest) []string {
	var fields []string
	if req.StreamManager.RTMPServer.Port <= 0 || req.StreamManager.RTMPServer.Port > 65535 {
		fields = append(fields, "stream_manager.rtmp_server.port")
	}
	if req.StreamManager.RTMPServer.AppName == "" {
		fields = append(fields, "stream_manager.rtmp_server.app_name")
	}
	for i, d := range req.StreamManager.Platforms {
		if d.Name == "" {
			fields = append(fields, "stream_manager.platforms["+itoa(i)+"].name")
		}
		if d.URL == "" {
			fields = append(fields, "stream_manager.platforms["+itoa(i)+"].rtmp_url")
		}
	}
	return fields
}

// handleConfigPost validates, persists, invalidates every cache, reconfigures
// the supervisor's destination table, and — only when the ingest-affecting
// fields actually changed — cycles the RTMP listener so a new stream key or
// port takes effect without an operator having to know that detail.
func (s *Server) handleConfigPost(c *gin.Context) {
	var req configUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"kind": "ValidationFailed", "message": err.Error()},
		})
		return
	}
	if fields := validateConfigUpdate(req); len(fields) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"kind": "ValidationFailed", "message": "invalid config", "fields": fields},
		})
		return
	}

	previous, err := s.cfg.Load(s.configPath)
	if err != nil {
		writeRelayError(c, err)
		return
	}

	next := *previous
	next.StreamManager = req.StreamManager
	next.UI = req.UI

	if err := s.cfg.Save(&next, s.configPath); err != nil {
		writeRelayError(c, err)
		return
	}
	s.platformsCache.invalidate()
	s.supervisor.Configure(next.StreamManager.Platforms)

	if ingestAffectingFieldsChanged(previous.StreamManager.RTMPServer, next.StreamManager.RTMPServer) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		s.ing.Configure(next.StreamManager.RTMPServer)
		_ = s.ing.Deactivate(ctx)
		if err := s.ing.Activate(ctx); err != nil {
			s.logger.Error("ingest restart after config change failed", "error", err)
		}
	}

	c.JSON(http.StatusOK, renderConfig(&next, false))
}

func ingestAffectingFieldsChanged(a, b config.Ingest) bool {
	return a.Host != b.Host || a.Port != b.Port || a.AppName != b.AppName || a.StreamKey != b.StreamKey
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}
