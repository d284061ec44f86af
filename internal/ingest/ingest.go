// Package ingest is the RTMP Ingest component (C3). It embeds a
// github.com/yutopp/go-rtmp server accepting exactly one inbound publish at
// a time, grounded on the Handler/PortServer split used by
// xaionaro-go-streamctl's yutopp-go-rtmp streamserver package — the only
// repo in the pack that wires go-rtmp up as a real listener rather than
// just depending on it.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/yutopp/go-rtmp"

	"relaycaster/internal/config"
	"relaycaster/internal/errs"
	"relaycaster/internal/metrics"
	"relaycaster/internal/registry"
)

// Status is the ingest's publish state machine position.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusStreaming
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusStreaming:
		return "streaming"
	default:
		return "idle"
	}
}

// StatusEvent is delivered to subscribers on every publish transition.
type StatusEvent struct {
	Status     Status
	ActualPath string
}

// Subscriber callbacks are invoked serially on the ingest event thread and
// must not block.
type Subscriber func(StatusEvent)

// Ingest accepts a single RTMP publish and fans its FLV tags out to any
// number of local readers (the Relay Supervisor's children) connecting back
// over a loopback URL.
type Ingest struct {
	registry.Base

	mu         sync.Mutex
	cfg        config.Ingest
	logger     *slog.Logger
	listener   net.Listener
	server     *rtmp.Server
	status     Status
	actualPath string
	broadcast  *broadcaster
	metrics    *metrics.Metrics

	subsMu    sync.Mutex
	subs      map[int]Subscriber
	nextSubID int
}

func New(cfg config.Ingest, logger *slog.Logger) *Ingest {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingest{
		cfg:       cfg,
		logger:    logger,
		broadcast: newBroadcaster(),
		subs:      make(map[int]Subscriber),
	}
}

func (i *Ingest) Initialize(ctx context.Context) error {
	if err := i.Transition(registry.Initializing); err != nil {
		return err
	}
	return i.Transition(registry.Initialized)
}

// Activate is idempotent: a second call while already streaming-capable
// (Active) is a no-op, mirroring relay.Supervisor.Start's repeat-start
// handling — a publisher retrying "connect" after a flaky response must not
// be punished with a state-mismatch error.
func (i *Ingest) Activate(ctx context.Context) error {
	if i.Base.Status() == registry.Active {
		return nil
	}
	if err := i.Transition(registry.Activating); err != nil {
		return err
	}
	i.mu.Lock()
	cfg := i.cfg
	i.mu.Unlock()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		i.MarkError()
		return errs.New(errs.PortUnavailable, "ingest listen on %s: %v", addr, err)
	}

	i.mu.Lock()
	i.listener = listener
	i.server = rtmp.NewServer(&rtmp.ServerConfig{
		OnConnect: func(conn net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
			return conn, &rtmp.ConnConfig{
				Handler: newHandler(i),
			}
		},
	})
	server := i.server
	i.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil {
			i.logger.Warn("ingest listener stopped", "error", err)
		}
	}()

	return i.Transition(registry.Active)
}

func (i *Ingest) Deactivate(ctx context.Context) error {
	if err := i.Transition(registry.Deactivating); err != nil {
		return err
	}
	i.mu.Lock()
	listener := i.listener
	server := i.server
	i.listener = nil
	i.server = nil
	i.mu.Unlock()

	if server != nil {
		_ = server.Close()
	} else if listener != nil {
		_ = listener.Close()
	}
	return i.Transition(registry.Deactivated)
}

func (i *Ingest) Destroy(ctx context.Context) error {
	if err := i.Transition(registry.Destroying); err != nil {
		return err
	}
	return i.Transition(registry.Destroyed)
}

// SetMetrics wires an optional Prometheus collector; nil disables emission.
func (i *Ingest) SetMetrics(m *metrics.Metrics) { i.metrics = m }

// Configure replaces the listen configuration (host, port, app name, stream
// key) Activate will bind next. It does not itself cycle the listener —
// callers that need the new values live must Deactivate then Activate after
// calling this, per the Control API's config-reload contract.
func (i *Ingest) Configure(cfg config.Ingest) {
	i.mu.Lock()
	i.cfg = cfg
	i.mu.Unlock()
}

// Subscribe registers a status callback and returns its subscription id.
func (i *Ingest) Subscribe(cb Subscriber) int {
	i.subsMu.Lock()
	defer i.subsMu.Unlock()
	id := i.nextSubID
	i.nextSubID++
	i.subs[id] = cb
	return id
}

func (i *Ingest) Unsubscribe(id int) {
	i.subsMu.Lock()
	defer i.subsMu.Unlock()
	delete(i.subs, id)
}

func (i *Ingest) notify(event StatusEvent) {
	i.subsMu.Lock()
	callbacks := make([]Subscriber, 0, len(i.subs))
	for _, cb := range i.subs {
		callbacks = append(callbacks, cb)
	}
	i.subsMu.Unlock()
	for _, cb := range callbacks {
		cb(event)
	}
}

// PublishStatus returns the current publish status.
func (i *Ingest) PublishStatus() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// ActualPath returns the path the current (or most recent) publisher used,
// empty when idle.
func (i *Ingest) ActualPath() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.actualPath
}

// GetStreamPath returns the observed publish path if one is held,
// otherwise the configured /app/streamKey path.
func (i *Ingest) GetStreamPath() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.actualPath != "" {
		return i.actualPath
	}
	return fmt.Sprintf("/%s/%s", i.cfg.AppName, i.cfg.StreamKey)
}

// NormalizeHost rewrites 0.0.0.0 to loopback so publishers and children can
// dial the ingest over the local interface.
func NormalizeHost(host string) string {
	if host == "0.0.0.0" {
		return "loopback"
	}
	return host
}

// LoopbackURL is the RTMP URL the Relay Supervisor feeds into each spawned
// child as its input.
func (i *Ingest) LoopbackURL() string {
	return fmt.Sprintf("rtmp://%s:%d%s", NormalizeHost(i.cfg.Host), i.cfg.Port, i.GetStreamPath())
}

// onPreConnect is logged only, per the component design.
func (i *Ingest) onPreConnect(remote string) {
	i.logger.Debug("ingest preconnect", "remote", remote)
}

// onPrePublish enforces the stream-key invariant and the one-publisher
// invariant (a publish is rejected while another one is streaming), then
// transitions CONNECTING.
func (i *Ingest) onPrePublish(path string) error {
	key := trailingSegment(path)
	if i.cfg.StreamKey != "" && key != i.cfg.StreamKey {
		i.logger.Warn("ingest rejected publish: stream key mismatch", "path", path)
		if i.metrics != nil {
			i.metrics.IncIngestRejection()
		}
		return errs.New(errs.IngestRejected, "stream key mismatch for path %q", path)
	}
	i.mu.Lock()
	if i.status == StatusStreaming {
		i.mu.Unlock()
		i.logger.Warn("ingest rejected publish: another publisher is streaming", "path", path)
		return errs.New(errs.IngestRejected, "ingest already has an active publisher; rejected %q", path)
	}
	i.status = StatusConnecting
	i.mu.Unlock()
	return nil
}

// onPostPublish records the accepted path, transitions STREAMING, and
// notifies subscribers.
func (i *Ingest) onPostPublish(path string) {
	i.mu.Lock()
	i.status = StatusStreaming
	i.actualPath = path
	i.mu.Unlock()
	i.logger.Info("ingest publish accepted", "path", path)
	if i.metrics != nil {
		i.metrics.IncIngestPublish()
	}
	i.notify(StatusEvent{Status: StatusStreaming, ActualPath: path})
}

// onDonePublish clears the accepted path, transitions IDLE, and notifies
// subscribers.
func (i *Ingest) onDonePublish() {
	i.mu.Lock()
	i.status = StatusIdle
	i.actualPath = ""
	i.mu.Unlock()
	i.logger.Info("ingest publish ended")
	i.notify(StatusEvent{Status: StatusIdle})
}

func trailingSegment(path string) string {
	trimmed := strings.Trim(path, "/")
	parts := strings.Split(trimmed, "/")
	return parts[len(parts)-1]
}

