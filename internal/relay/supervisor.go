package relay

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"relaycaster/internal/config"
	"relaycaster/internal/errs"
	"relaycaster/internal/ingest"
	"relaycaster/internal/metrics"
	"relaycaster/internal/registry"
	"relaycaster/internal/telemetry"
)

// Projection is a destination's derived status at snapshot time.
type Projection struct {
	DestinationID string          `json:"destinationId"`
	Status        string          `json:"status"`
	Connected     bool            `json:"connected"`
	Streaming     bool            `json:"streaming"`
	Config        config.Destination `json:"config"`
}

// session is one destination's active transfer. The supervisor exclusively
// owns every session and every session exclusively owns its child (§3
// Ownership summary).
type session struct {
	destinationID string
	child         *child
	connected     bool
	streaming     bool
	latestStats   *telemetry.Stats
}

// BroadcastFunc is how the supervisor tells the outside world a status
// changed; wired to the Telemetry Bus in production, a no-op in tests.
type BroadcastFunc func(snapshot []Projection)

// StatsFunc receives every parsed statistics sample per destination.
type StatsFunc func(destinationID string, stats *telemetry.Stats)

// Supervisor is the Relay Supervisor (C4).
type Supervisor struct {
	registry.Base

	mu           sync.Mutex
	destinations map[string]config.Destination
	byName       map[string][]string // name -> destination ids sharing it
	sessions     map[string]*session

	ingest    *ingest.Ingest
	logger    *slog.Logger
	broadcast BroadcastFunc
	onStats   StatsFunc
	metrics   *metrics.Metrics
}

// SetMetrics wires an optional Prometheus collector; nil disables emission.
func (s *Supervisor) SetMetrics(m *metrics.Metrics) { s.metrics = m }

func New(ing *ingest.Ingest, logger *slog.Logger, broadcast BroadcastFunc, onStats StatsFunc) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if broadcast == nil {
		broadcast = func([]Projection) {}
	}
	if onStats == nil {
		onStats = func(string, *telemetry.Stats) {}
	}
	return &Supervisor{
		destinations: make(map[string]config.Destination),
		byName:       make(map[string][]string),
		sessions:     make(map[string]*session),
		ingest:       ing,
		logger:       logger,
		broadcast:    broadcast,
		onStats:      onStats,
	}
}

func (s *Supervisor) Initialize(ctx context.Context) error {
	if err := s.Transition(registry.Initializing); err != nil {
		return err
	}
	return s.Transition(registry.Initialized)
}

func (s *Supervisor) Activate(ctx context.Context) error {
	if err := s.Transition(registry.Activating); err != nil {
		return err
	}
	return s.Transition(registry.Active)
}

func (s *Supervisor) Deactivate(ctx context.Context) error {
	if err := s.Transition(registry.Deactivating); err != nil {
		return err
	}
	s.StopAll()
	return s.Transition(registry.Deactivated)
}

func (s *Supervisor) Destroy(ctx context.Context) error {
	if err := s.Transition(registry.Destroying); err != nil {
		return err
	}
	return s.Transition(registry.Destroyed)
}

// Configure replaces the destination map and rebuilds the (id|name)
// lookup. It does not touch existing sessions; destinations removed from
// config keep running until explicitly stopped.
func (s *Supervisor) Configure(destinations []config.Destination) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destinations = make(map[string]config.Destination, len(destinations))
	s.byName = make(map[string][]string, len(destinations))
	for _, d := range destinations {
		s.destinations[d.ID] = d
		s.byName[d.Name] = append(s.byName[d.Name], d.ID)
	}
}

// resolveID accepts either a destination id or a platform name. An id match
// wins; when a name maps to more than one id (the S1 independence scenario)
// the first configured destination with that name is returned, so a caller
// addressing one specific destination passes its id. Start and Stop use it
// to locate the destination and then key session state on the resolved id
// (§4.4.2).
func (s *Supervisor) resolveID(idOrName string) (config.Destination, bool) {
	if d, ok := s.destinations[idOrName]; ok {
		return d, true
	}
	if ids, ok := s.byName[idOrName]; ok && len(ids) > 0 {
		return s.destinations[ids[0]], true
	}
	return config.Destination{}, false
}

// Start locates the destination by id or name and spawns a relay child for
// it. Starting a destination that already has a session is an idempotent
// no-op.
func (s *Supervisor) Start(destinationID string) error {
	s.mu.Lock()
	if _, exists := s.sessions[destinationID]; exists {
		s.mu.Unlock()
		return nil
	}
	dest, ok := s.resolveID(destinationID)
	if !ok {
		s.mu.Unlock()
		return errs.New(errs.NotFound, "destination %q not found", destinationID)
	}
	if _, exists := s.sessions[dest.ID]; exists {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if !dest.Enabled {
		return errs.New(errs.ConfigInvalid, "destination %q is disabled", dest.ID)
	}

	outputURL, isRTMPS := ComposeEgressURL(dest.URL, dest.StreamKey)
	sess := &session{destinationID: dest.ID, connected: true, streaming: true}

	c, err := spawnChildFunc(spawnOpts{
		destinationID: dest.ID,
		inputURL:      s.ingest.LoopbackURL(),
		outputURL:     outputURL,
		isRTMPS:       isRTMPS,
		logger:        s.logger,
		onStats: func(stats *telemetry.Stats) {
			s.mu.Lock()
			if sess, ok := s.sessions[dest.ID]; ok {
				sess.latestStats = stats
			}
			s.mu.Unlock()
			s.onStats(dest.ID, stats)
		},
		onLog: func(level, message string) {
			s.logger.Info("relay child output", "destination", dest.ID, "line", message)
		},
		onExit: func(err error) {
			s.handleChildExit(dest.ID, err)
		},
	})
	if err != nil {
		return err
	}
	sess.child = c

	s.mu.Lock()
	s.sessions[dest.ID] = sess
	s.mu.Unlock()

	s.logger.Info("relay started", "destination", dest.ID, "output", outputURL)
	if s.metrics != nil {
		s.metrics.IncRelayStart(dest.ID)
	}
	s.broadcastSnapshot()
	return nil
}

// Stop removes the session from the table first, then signals the child.
// Safe to call for an already-stopped destination.
func (s *Supervisor) Stop(destinationID string) error {
	s.mu.Lock()
	dest, ok := s.resolveID(destinationID)
	id := destinationID
	if ok {
		id = dest.ID
	}
	sess, exists := s.sessions[id]
	if exists {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if !exists {
		return nil
	}
	if sess.child != nil {
		sess.child.stop()
	}
	s.logger.Info("relay stopped", "destination", id)
	s.broadcastSnapshot()
	return nil
}

// StartAll starts every enabled, configured destination.
func (s *Supervisor) StartAll() error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.destinations))
	for id, d := range s.destinations {
		if d.Enabled {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := s.Start(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StopAll stops every currently running session.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		_ = s.Stop(id)
	}
}

// handleChildExit runs on the child's own Wait goroutine. If the session
// was already removed (an explicit Stop already ran), this is a no-op on
// supervisor state, per §5.
func (s *Supervisor) handleChildExit(destinationID string, err error) {
	s.mu.Lock()
	_, exists := s.sessions[destinationID]
	if exists {
		delete(s.sessions, destinationID)
	}
	s.mu.Unlock()

	if !exists {
		return
	}
	outcome := "clean"
	if err != nil {
		outcome = "error"
		s.logger.Error("relay child exited with error", "destination", destinationID, "error", err)
	} else {
		s.logger.Info("relay child exited", "destination", destinationID)
	}
	if s.metrics != nil {
		s.metrics.IncRelayExit(destinationID, outcome)
	}
	s.broadcastSnapshot()
}

// StatusSnapshot returns, for each configured destination, the projection
// derived per §4.4.3 — authoritatively from the supervisor's own flags,
// never from the child's observed exit timing alone.
func (s *Supervisor) StatusSnapshot() []Projection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Supervisor) snapshotLocked() []Projection {
	out := make([]Projection, 0, len(s.destinations))
	for id, dest := range s.destinations {
		sess, hasSession := s.sessions[id]
		p := Projection{DestinationID: id, Config: dest}
		if !hasSession || (!sess.connected && !sess.streaming) {
			p.Status = "idle"
		} else {
			alive := sess.child != nil && sess.child.alive()
			switch {
			case alive && sess.streaming:
				p.Status = "streaming"
				p.Streaming = true
				p.Connected = true
			case alive && sess.connected:
				p.Status = "connected"
				p.Connected = true
			default:
				p.Status = "idle"
			}
		}
		out = append(out, p)
	}
	return out
}

func (s *Supervisor) broadcastSnapshot() {
	snapshot := s.StatusSnapshot()
	if s.metrics != nil {
		active := 0
		for _, p := range snapshot {
			if p.Connected || p.Streaming {
				active++
			}
		}
		s.metrics.SetActiveDestinations(active)
	}
	s.broadcast(snapshot)
}

// LatestStats returns the most recent statistics sample recorded for a
// destination, or nil if none has been recorded or the session doesn't
// exist.
func (s *Supervisor) LatestStats(destinationID string) *telemetry.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[destinationID]; ok {
		return sess.latestStats
	}
	return nil
}

// ComposeEgressURL builds a child's output URL per §4.4.1's boundary rules
// and reports whether the destination is RTMPS (which needs the protocol
// whitelist and reconnect flags).
func ComposeEgressURL(baseURL, streamKey string) (url string, isRTMPS bool) {
	isRTMPS = strings.HasPrefix(baseURL, "rtmps://")
	if !isRTMPS {
		return strings.TrimRight(baseURL, "/") + "/" + streamKey, false
	}

	switch {
	case strings.HasSuffix(baseURL, "/app"):
		return baseURL + "/" + streamKey, true
	case strings.HasSuffix(baseURL, "/app/"):
		return baseURL + streamKey, true
	default:
		return strings.TrimRight(baseURL, "/") + "/app/" + streamKey, true
	}
}
