// Package gateway is a reference engagement server: a websocket room hub and
// the REST fallback endpoints, backed by the repository layer.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"engagesync/internal/observability"
	"engagesync/internal/protocol"

	"github.com/gofiber/websocket/v2"
)

const (
	// Max connections per user
	maxConnsPerUser = 12
	// Max total connections
	maxTotalConns = 10000
)

var (
	errServerFull = errors.New("server connection limit reached")
	errUserFull   = errors.New("user connection limit reached")
)

// RoomKey names the room of kind room for itemID.
func RoomKey(room protocol.Room, itemID string) string {
	return string(room) + ":" + itemID
}

func roomKind(key string) string {
	kind, _, _ := strings.Cut(key, ":")
	return kind
}

// Hub maps users to their connections and room keys to their members.
type Hub struct {
	mu         sync.RWMutex
	conns      map[string]map[*Client]struct{}
	rooms      map[string]map[*Client]struct{}
	joined     map[*Client]map[string]struct{}
	totalConns int
	notifier   *Notifier
}

// NewHub creates a Hub. A notifier with a Redis client makes room
// broadcasts travel through Redis; otherwise they are delivered locally.
func NewHub(notifier *Notifier) *Hub {
	return &Hub{
		conns:    make(map[string]map[*Client]struct{}),
		rooms:    make(map[string]map[*Client]struct{}),
		joined:   make(map[*Client]map[string]struct{}),
		notifier: notifier,
	}
}

// Name returns a human-readable identifier for this hub.
func (h *Hub) Name() string { return "engagement hub" }

// Register a connection for userID. Returns the Client or error if limits exceeded.
func (h *Hub) Register(userID string, conn *websocket.Conn) (*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.totalConns >= maxTotalConns {
		return nil, errServerFull
	}
	m, ok := h.conns[userID]
	if !ok {
		m = make(map[*Client]struct{})
		h.conns[userID] = m
	}
	if len(m) >= maxConnsPerUser {
		return nil, errUserFull
	}

	client := NewClient(h, conn, userID)
	m[client] = struct{}{}
	h.totalConns++
	observability.WebSocketConnectionsTotal.Inc()
	return client, nil
}

// UnregisterClient removes the client from its user and every room it joined.
func (h *Hub) UnregisterClient(client *Client) {
	h.mu.Lock()
	if m, ok := h.conns[client.UserID]; ok {
		if _, exists := m[client]; exists {
			delete(m, client)
			h.totalConns--
			observability.WebSocketConnectionsTotal.Dec()
		}
		if len(m) == 0 {
			delete(h.conns, client.UserID)
		}
	}
	for key := range h.joined[client] {
		h.leaveLocked(client, key)
	}
	delete(h.joined, client)
	h.mu.Unlock()

	client.close()
}

// Join adds client to room key and reports whether it was not a member yet.
func (h *Hub) Join(client *Client, key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[key]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[key] = members
	}
	if _, exists := members[client]; exists {
		return false
	}
	members[client] = struct{}{}
	if h.joined[client] == nil {
		h.joined[client] = make(map[string]struct{})
	}
	h.joined[client][key] = struct{}{}
	observability.WebSocketRoomConnections.WithLabelValues(roomKind(key)).Inc()
	return true
}

// Leave removes client from room key and reports whether it was a member.
func (h *Hub) Leave(client *Client, key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaveLocked(client, key)
}

func (h *Hub) leaveLocked(client *Client, key string) bool {
	members, ok := h.rooms[key]
	if !ok {
		return false
	}
	if _, exists := members[client]; !exists {
		return false
	}
	delete(members, client)
	if len(members) == 0 {
		delete(h.rooms, key)
	}
	if keys := h.joined[client]; keys != nil {
		delete(keys, key)
	}
	observability.WebSocketRoomConnections.WithLabelValues(roomKind(key)).Dec()
	return true
}

// Members returns the number of local members of room key.
func (h *Hub) Members(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[key])
}

// Publish sends frame to every member of room key except origin, across
// instances when Redis is wired.
func (h *Hub) Publish(ctx context.Context, key string, origin *Client, frame []byte) {
	originID := ""
	if origin != nil {
		originID = origin.ID
	}
	if h.notifier.Enabled() {
		err := h.notifier.PublishRoom(ctx, key, originID, frame)
		if err == nil {
			return
		}
		observability.GlobalLogger.Warn("room publish failed, delivering locally",
			slog.String("room", key), slog.String("error", err.Error()))
	}
	h.BroadcastRoom(key, originID, frame)
}

// BroadcastRoom delivers frame to local members of room key, skipping the
// client whose id is except.
func (h *Hub) BroadcastRoom(key, except string, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[key] {
		if c.ID == except {
			continue
		}
		c.TrySend(frame)
	}
}

// StartWiring connects the Notifier to this hub so frames published by any
// instance reach local room members.
func (h *Hub) StartWiring(ctx context.Context) error {
	return h.notifier.StartRoomSubscriber(ctx, h.BroadcastRoom)
}

// Shutdown gracefully closes all websocket connections. Each WritePump sends
// a close frame once its Send channel is closed.
func (h *Hub) Shutdown(_ context.Context) error {
	h.mu.Lock()
	clients := make([]*Client, 0, h.totalConns)
	for _, userConns := range h.conns {
		for client := range userConns {
			clients = append(clients, client)
		}
	}
	h.mu.Unlock()

	for _, client := range clients {
		h.UnregisterClient(client)
	}
	observability.GlobalLogger.Info("engagement hub shut down", slog.Int("clients", len(clients)))
	return nil
}
