// Package ws fans broadcast events out to WebSocket clients grouped by
// symbol. The manager owns the registry; clients own their pumps.
package ws

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/pulsetrader/pulsetrader/internal/metrics"
)

// SnapshotFunc builds the initial frame pushed to a client right after it
// registers for a symbol. A nil func or nil frame skips the push.
type SnapshotFunc func(symbol string) []byte

// Manager tracks connected clients per symbol and broadcasts serialized
// frames to them. All send paths are non-blocking; a client that cannot
// keep up is evicted.
type Manager struct {
	upgrader websocket.Upgrader
	snapshot SnapshotFunc

	mu      sync.RWMutex
	rooms   map[string]map[uuid.UUID]*Client
	clients map[uuid.UUID]*Client

	sent     atomic.Int64
	failures atomic.Int64
}

// Stats is a snapshot of fan-out counters for the status endpoint.
type Stats struct {
	Clients      map[string]int `json:"clients"`
	TotalClients int            `json:"total_clients"`
	MessagesSent int64          `json:"messages_sent"`
	SendFailures int64          `json:"send_failures"`
}

// NewManager creates a manager. snapshot may be nil.
func NewManager(snapshot SnapshotFunc) *Manager {
	return &Manager{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser dashboards connect from arbitrary origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		snapshot: snapshot,
		rooms:    make(map[string]map[uuid.UUID]*Client),
		clients:  make(map[uuid.UUID]*Client),
	}
}

// Connect upgrades the request, registers the client under symbol, starts
// its pumps and pushes the initial snapshot frame.
func (m *Manager) Connect(w http.ResponseWriter, r *http.Request, symbol string) (*Client, error) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade failed: %w", err)
	}

	client := &Client{
		id:      uuid.New(),
		manager: m,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		symbol:  symbol,
	}
	m.register(client, symbol)

	go client.writePump()
	go client.readPump()

	m.pushSnapshot(client, symbol)
	return client, nil
}

func (m *Manager) register(c *Client, symbol string) {
	m.mu.Lock()
	if m.rooms[symbol] == nil {
		m.rooms[symbol] = make(map[uuid.UUID]*Client)
	}
	m.rooms[symbol][c.id] = c
	m.clients[c.id] = c
	count := len(m.rooms[symbol])
	m.mu.Unlock()

	metrics.WSClients.WithLabelValues(symbol).Set(float64(count))
	log.Info().
		Str("client_id", c.id.String()).
		Str("symbol", symbol).
		Int("symbol_clients", count).
		Msg("WebSocket client connected")
}

// Disconnect removes a client from the registry and closes its send
// channel. Safe to call more than once.
func (m *Manager) Disconnect(id uuid.UUID) {
	m.mu.Lock()
	client, ok := m.clients[id]
	var symbol string
	var count int
	if ok {
		delete(m.clients, id)
		symbol = client.symbol
		if room := m.rooms[symbol]; room != nil {
			delete(room, id)
			count = len(room)
			if count == 0 {
				delete(m.rooms, symbol)
			}
		}
		close(client.send)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	metrics.WSClients.WithLabelValues(symbol).Set(float64(count))
	log.Info().
		Str("client_id", id.String()).
		Str("symbol", symbol).
		Int("symbol_clients", count).
		Msg("WebSocket client disconnected")
}

// Broadcast queues a pre-serialized frame for every client registered for
// symbol and returns how many clients received it. Zero subscribers is a
// no-op. Clients with a full send buffer are evicted after the pass.
func (m *Manager) Broadcast(symbol string, frame []byte) int {
	// Sends happen under the read lock so no send channel can be closed
	// mid-pass; Disconnect needs the write lock.
	m.mu.RLock()
	room := m.rooms[symbol]
	if len(room) == 0 {
		m.mu.RUnlock()
		return 0
	}

	sent := 0
	var failed []uuid.UUID
	for id, c := range room {
		select {
		case c.send <- frame:
			sent++
		default:
			failed = append(failed, id)
		}
	}
	m.mu.RUnlock()

	if sent > 0 {
		m.sent.Add(int64(sent))
		metrics.WSMessagesSent.Add(float64(sent))
	}
	for _, id := range failed {
		m.failures.Add(1)
		metrics.WSSendFailures.Inc()
		log.Warn().
			Str("client_id", id.String()).
			Str("symbol", symbol).
			Msg("WebSocket send buffer full, evicting client")
		m.Disconnect(id)
	}
	return sent
}

// SendToClient queues a frame for a single client. Fire and forget: an
// unknown id or full buffer drops the frame.
func (m *Manager) SendToClient(id uuid.UUID, frame []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.clients[id]
	if !ok {
		return
	}
	select {
	case c.send <- frame:
		m.sent.Add(1)
		metrics.WSMessagesSent.Inc()
	default:
		m.failures.Add(1)
		metrics.WSSendFailures.Inc()
	}
}

// switchSymbol moves a client to another symbol room and pushes the new
// symbol's snapshot.
func (m *Manager) switchSymbol(c *Client, symbol string) {
	if symbol == "" {
		return
	}

	m.mu.Lock()
	if _, ok := m.clients[c.id]; !ok || c.symbol == symbol {
		m.mu.Unlock()
		return
	}
	old := c.symbol
	if room := m.rooms[old]; room != nil {
		delete(room, c.id)
		if len(room) == 0 {
			delete(m.rooms, old)
		}
	}
	oldCount := len(m.rooms[old])
	if m.rooms[symbol] == nil {
		m.rooms[symbol] = make(map[uuid.UUID]*Client)
	}
	m.rooms[symbol][c.id] = c
	c.symbol = symbol
	newCount := len(m.rooms[symbol])
	m.mu.Unlock()

	metrics.WSClients.WithLabelValues(old).Set(float64(oldCount))
	metrics.WSClients.WithLabelValues(symbol).Set(float64(newCount))
	log.Info().
		Str("client_id", c.id.String()).
		Str("from", old).
		Str("to", symbol).
		Msg("WebSocket client switched symbol")

	m.pushSnapshot(c, symbol)
}

func (m *Manager) pushSnapshot(c *Client, symbol string) {
	if m.snapshot == nil {
		return
	}
	if frame := m.snapshot(symbol); frame != nil {
		m.SendToClient(c.id, frame)
	}
}

// ClientCount returns the number of clients registered for symbol.
func (m *Manager) ClientCount(symbol string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms[symbol])
}

// Stats returns per-symbol client counts and send counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	clients := make(map[string]int, len(m.rooms))
	total := 0
	for symbol, room := range m.rooms {
		clients[symbol] = len(room)
		total += len(room)
	}
	m.mu.RUnlock()

	return Stats{
		Clients:      clients,
		TotalClients: total,
		MessagesSent: m.sent.Load(),
		SendFailures: m.failures.Load(),
	}
}

// CloseAll disconnects every client, for shutdown.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	ids := make([]uuid.UUID, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Disconnect(id)
	}
}
