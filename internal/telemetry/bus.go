package telemetry

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Envelope is the wire shape of every message the bus emits.
type Envelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// LogEntry is the payload of a `log` envelope.
type LogEntry struct {
	Level       string `json:"level"`
	Message     string `json:"message"`
	Source      string `json:"source,omitempty"`
	PlatformID  string `json:"platformId,omitempty"`
	TimestampMS int64  `json:"timestamp"`
}

// DestinationStats pairs a destination id with its latest statistics
// snapshot for the `statistics` envelope array.
type DestinationStats struct {
	DestinationID string `json:"destinationId"`
	Stats         *Stats `json:"stats"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan Envelope
}

// Bus is the Telemetry Bus (C6): a WebSocket hub that owns the client table
// and a batched, debounced outbound queue. Grounded on the hand-rolled
// hub/client-table shape of the teacher pack's chat websocket component,
// rebuilt on top of github.com/gorilla/websocket instead of a hijack-based
// hand upgrade, because the batching/back-pressure and per-message-deflate
// requirements here are exactly what gorilla/websocket already solves.
type Bus struct {
	logger *slog.Logger

	mu        sync.Mutex
	clients   map[string]*client
	nextID    int
	queue     []Envelope
	queueLock sync.Mutex

	statsMu      sync.Mutex
	latestStats  map[string]*Stats
	changedStats map[string]struct{}
	debounce     *time.Timer

	stop chan struct{}
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		logger:       logger,
		clients:      make(map[string]*client),
		latestStats:  make(map[string]*Stats),
		changedStats: make(map[string]struct{}),
		stop:         make(chan struct{}),
	}
	go b.batchLoop()
	return b
}

// ServeHTTP upgrades the request to a WebSocket connection and registers a
// new client.
func (b *Bus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	b.mu.Lock()
	b.nextID++
	id := clientIDFromSeq(b.nextID)
	c := &client{id: id, conn: conn, send: make(chan Envelope, 64)}
	b.clients[id] = c
	b.mu.Unlock()

	go b.writePump(c)
	go b.readPump(c)

	c.send <- Envelope{Type: "connected", Data: map[string]string{"clientId": id}, Timestamp: nowMillis()}
}

func clientIDFromSeq(seq int) string {
	return "client-" + itoa(seq)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func (b *Bus) readPump(c *client) {
	defer b.removeClient(c.id)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg Envelope
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "ping":
			c.send <- Envelope{Type: "pong", Data: map[string]any{}, Timestamp: nowMillis()}
		case "subscribe":
			c.send <- Envelope{Type: "subscribed", Data: msg.Data, Timestamp: nowMillis()}
		}
	}
}

func (b *Bus) writePump(c *client) {
	defer c.conn.Close()
	for env := range c.send {
		if err := c.conn.WriteJSON(env); err != nil {
			b.removeClient(c.id)
			return
		}
	}
}

func (b *Bus) removeClient(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[id]; ok {
		delete(b.clients, id)
		close(c.send)
	}
}

// Broadcast enqueues env for delivery on the next batch tick.
func (b *Bus) Broadcast(env Envelope) {
	b.queueLock.Lock()
	b.queue = append(b.queue, env)
	b.queueLock.Unlock()
}

// Log is a convenience wrapper broadcasting a `log` envelope.
func (b *Bus) Log(level, message, source, platformID string) {
	b.Broadcast(Envelope{
		Type: "log",
		Data: LogEntry{Level: level, Message: message, Source: source, PlatformID: platformID, TimestampMS: nowMillis()},
		Timestamp: nowMillis(),
	})
}

// Status enqueues a status snapshot for the next batch tick; unlike
// statistics it is not subject to the debounce.
func (b *Bus) Status(snapshot any) {
	b.Broadcast(Envelope{Type: "status", Data: snapshot, Timestamp: nowMillis()})
}

// RecordStats stores destID's latest sample and schedules a debounced
// statistics broadcast covering only destinations that changed since the
// previous flush.
func (b *Bus) RecordStats(destID string, stats *Stats) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	b.latestStats[destID] = stats
	b.changedStats[destID] = struct{}{}
	if b.debounce != nil {
		return
	}
	b.debounce = time.AfterFunc(100*time.Millisecond, b.flushStats)
}

func (b *Bus) flushStats() {
	b.statsMu.Lock()
	changed := make([]DestinationStats, 0, len(b.changedStats))
	for id := range b.changedStats {
		changed = append(changed, DestinationStats{DestinationID: id, Stats: b.latestStats[id]})
		delete(b.changedStats, id)
	}
	b.debounce = nil
	b.statsMu.Unlock()

	if len(changed) == 0 {
		return
	}
	b.Broadcast(Envelope{Type: "statistics", Data: changed, Timestamp: nowMillis()})
}

// batchLoop drains up to 10 queued messages every 50ms to every connected
// client, dropping clients whose socket rejects a write.
func (b *Bus) batchLoop() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.drainTick()
		}
	}
}

func (b *Bus) drainTick() {
	b.queueLock.Lock()
	n := len(b.queue)
	if n > 10 {
		n = 10
	}
	batch := append([]Envelope(nil), b.queue[:n]...)
	b.queue = b.queue[n:]
	b.queueLock.Unlock()

	if len(batch) == 0 {
		return
	}

	b.mu.Lock()
	clients := make([]*client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	for _, c := range clients {
	sendBatch:
		for _, env := range batch {
			select {
			case c.send <- env:
			default:
				b.removeClient(c.id)
				break sendBatch
			}
		}
	}
}

// Close stops the batch loop and disconnects every client.
func (b *Bus) Close() {
	close(b.stop)
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, c := range b.clients {
		close(c.send)
		delete(b.clients, id)
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
