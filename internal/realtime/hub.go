package realtime

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// Hub fans server events out to room observers: gateway instances and ops
// tooling attach over WebSocket, and Redis pub/sub carries events across
// instances. The SFU core publishes into the hub; it never reads from it.
type Hub struct {
	// roomID -> map[clientID]*Client
	rooms map[string]map[string]*Client
	subs  map[string]func() // cancel Redis subscription per room
	mu    sync.RWMutex
	log   *zap.Logger
	pub   RedisPublisher
	sub   RedisSubscriber
}

// RedisPublisher publishes room events for cross-instance delivery.
type RedisPublisher interface {
	PublishRoomEvent(roomID, event string, payload []byte) error
}

// RedisSubscriber subscribes to room channels and invokes handler for
// incoming events.
type RedisSubscriber interface {
	SubscribeRoom(roomID string, handler func(event string, payload []byte)) (cancel func(), err error)
}

// NewHub creates the event hub. Both Redis sides are optional; without
// them the hub is local-only.
func NewHub(log *zap.Logger, pub RedisPublisher, sub RedisSubscriber) *Hub {
	return &Hub{
		rooms: make(map[string]map[string]*Client),
		subs:  make(map[string]func()),
		log:   log,
		pub:   pub,
		sub:   sub,
	}
}

// Register adds an observer to a room. The first observer starts the
// Redis subscription for that room.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.rooms[c.RoomID] == nil {
		h.rooms[c.RoomID] = make(map[string]*Client)
		if h.sub != nil {
			cancel, err := h.sub.SubscribeRoom(c.RoomID, func(event string, payload []byte) {
				h.broadcast(c.RoomID, event, json.RawMessage(payload))
			})
			if err == nil {
				h.subs[c.RoomID] = cancel
			}
		}
	}
	h.rooms[c.RoomID][c.ID] = c
	h.mu.Unlock()
	h.log.Debug("observer joined room", zap.String("client_id", c.ID), zap.String("room_id", c.RoomID))
}

// Unregister removes an observer. The Redis subscription is cancelled
// when the last observer leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if m, ok := h.rooms[c.RoomID]; ok {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.rooms, c.RoomID)
			if cancel, ok := h.subs[c.RoomID]; ok {
				cancel()
				delete(h.subs, c.RoomID)
			}
		}
	}
	h.mu.Unlock()
	h.log.Debug("observer left room", zap.String("client_id", c.ID), zap.String("room_id", c.RoomID))
}

// broadcast delivers to local observers only.
func (h *Hub) broadcast(roomID, event string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		data, _ = json.Marshal(payload)
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	clients := h.rooms[roomID]
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// PublishRoomEvent delivers to local observers and publishes to Redis for
// other instances. This is the event publisher the SFU core calls.
func (h *Hub) PublishRoomEvent(roomID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	h.broadcast(roomID, event, json.RawMessage(data))
	if h.pub != nil {
		_ = h.pub.PublishRoomEvent(roomID, event, data)
	}
}

// ObserverCount returns the number of attached observers for a room.
func (h *Hub) ObserverCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}
