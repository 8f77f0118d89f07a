package sfu

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-webinar/sfu/internal/media"
)

// FinalTeardownCode is the sentinel message the cabin destroy path returns
// when the last consumer left and resources were actually released. The
// gateway uses it to decide whether to tear down the audio-service session.
const FinalTeardownCode = "10001"

// Defaults for the admission policy and stream id generation.
const (
	DefaultPriorityStreamCap   = 10
	DefaultStreamIDMaxAttempts = 10
)

// EventPublisher pushes server events (consumer-closed, stream lifecycle,
// speaker changes) towards the gateway. A nil publisher drops events.
type EventPublisher interface {
	PublishRoomEvent(roomID, event string, payload interface{})
}

// SessionLog records stream lifecycle audit rows. Best-effort: errors are
// logged and ignored, and a nil log disables auditing entirely.
type SessionLog interface {
	LogStreamStarted(roomID, streamID, publisherID, kind string)
	LogStreamEnded(roomID, streamID string)
}

// Config holds core policy knobs.
type Config struct {
	PriorityStreamCap   int
	StreamIDMaxAttempts int

	AudioServiceHost        string
	AudioServiceIngressPort int

	SpeakerActiveThreshold     time.Duration
	SpeakerInactivityThreshold time.Duration
	SpeakerSweepInterval       time.Duration
}

func (c *Config) applyDefaults() {
	if c.PriorityStreamCap <= 0 {
		c.PriorityStreamCap = DefaultPriorityStreamCap
	}
	if c.StreamIDMaxAttempts <= 0 {
		c.StreamIDMaxAttempts = DefaultStreamIDMaxAttempts
	}
	if c.AudioServiceIngressPort <= 0 {
		c.AudioServiceIngressPort = 35000
	}
	if c.SpeakerActiveThreshold <= 0 {
		c.SpeakerActiveThreshold = 2 * time.Second
	}
	if c.SpeakerInactivityThreshold <= 0 {
		c.SpeakerInactivityThreshold = 5 * time.Second
	}
	if c.SpeakerSweepInterval <= 0 {
		c.SpeakerSweepInterval = 5 * time.Second
	}
}

// MediaRoom holds one room's router and media graph. A room is pinned to
// one worker for its lifetime.
type MediaRoom struct {
	RoomID    string
	Router    *media.Router
	Producers map[string]*media.Producer   // streamID -> producer
	Consumers map[string][]*media.Consumer // streamID -> ordered consumers
	WorkerID  int

	// consumerTransports resolves a consumer back to its transport by id
	// (no object back-pointers; see RequestKeyFrame on resume).
	consumerTransports map[string]string
}

// Core owns the SFU registries: rooms, streams, transports, cabins and the
// active-speaker table. All state is process-local and volatile.
type Core struct {
	cfg    Config
	pool   *media.Pool
	log    *zap.Logger
	events EventPublisher
	audit  SessionLog

	mu               sync.RWMutex
	rooms            map[string]*MediaRoom
	streams          map[string]*Stream
	producerToStream map[string]string // producerID -> streamID (weak back-ref)
	transports       map[string]*media.WebRtcTransport
	cabins           map[string]*TranslationCabin
	speakers         map[string]map[string]time.Time

	lockMu    sync.Mutex
	roomLocks map[string]*sync.Mutex
}

// New creates the core around a worker pool.
func New(cfg Config, pool *media.Pool, log *zap.Logger, events EventPublisher, audit SessionLog) *Core {
	cfg.applyDefaults()
	return &Core{
		cfg:              cfg,
		pool:             pool,
		log:              log,
		events:           events,
		audit:            audit,
		rooms:            make(map[string]*MediaRoom),
		streams:          make(map[string]*Stream),
		producerToStream: make(map[string]string),
		transports:       make(map[string]*media.WebRtcTransport),
		cabins:           make(map[string]*TranslationCabin),
		speakers:         make(map[string]map[string]time.Time),
		roomLocks:        make(map[string]*sync.Mutex),
	}
}

// roomLock returns the mutex serialising mutations for one room. The
// background sweeper takes the same lock.
func (c *Core) roomLock(roomID string) *sync.Mutex {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	l, ok := c.roomLocks[roomID]
	if !ok {
		l = &sync.Mutex{}
		c.roomLocks[roomID] = l
	}
	return l
}

func (c *Core) publish(roomID, event string, payload interface{}) {
	if c.events != nil {
		c.events.PublishRoomEvent(roomID, event, payload)
	}
}

// RoomCount returns the number of live rooms (health endpoint).
func (c *Core) RoomCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rooms)
}

// WorkerCount returns the worker pool size (health endpoint).
func (c *Core) WorkerCount() int {
	return c.pool.Size()
}

// CreateMediaRoom returns the room's router, creating router and room on
// first call. Idempotent: repeated calls return the same router.
func (c *Core) CreateMediaRoom(roomID string) (*media.Router, error) {
	if roomID == "" {
		return nil, ErrInvalidArgument
	}
	lock := c.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()
	return c.getOrCreateRoomLocked(roomID)
}

// GetMediaRouter returns the room's router, creating the room when absent.
func (c *Core) GetMediaRouter(roomID string) (*media.Router, error) {
	return c.CreateMediaRoom(roomID)
}

func (c *Core) getOrCreateRoomLocked(roomID string) (*media.Router, error) {
	c.mu.RLock()
	room, ok := c.rooms[roomID]
	c.mu.RUnlock()
	if ok {
		return room.Router, nil
	}

	worker := c.pool.PickForRoom(roomID)
	if worker == nil {
		return nil, ErrRoomNotFound
	}
	router, err := worker.CreateRouter()
	if err != nil {
		return nil, err
	}
	room = &MediaRoom{
		RoomID:             roomID,
		Router:             router,
		Producers:          make(map[string]*media.Producer),
		Consumers:          make(map[string][]*media.Consumer),
		WorkerID:           worker.Index(),
		consumerTransports: make(map[string]string),
	}
	c.mu.Lock()
	c.rooms[roomID] = room
	c.mu.Unlock()

	c.log.Info("media room created",
		zap.String("room_id", roomID),
		zap.Int("worker", worker.Index()),
		zap.String("router_id", router.ID()),
	)
	return router, nil
}

func (c *Core) room(roomID string) (*MediaRoom, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	room, ok := c.rooms[roomID]
	return room, ok
}

// CloseMediaRoom closes the router (cascading through transports,
// producers and consumers), evicts every registry entry scoped to the
// room, clears its speaker table and tears down its translation cabins.
func (c *Core) CloseMediaRoom(roomID string) error {
	lock := c.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	room, ok := c.room(roomID)
	if !ok {
		return ErrRoomNotFound
	}

	room.Router.Close()
	c.clearTranslationCabinsLocked(roomID)

	c.mu.Lock()
	delete(c.rooms, roomID)
	delete(c.speakers, roomID)
	for id, s := range c.streams {
		if s.RoomID == roomID {
			delete(c.streams, id)
			delete(c.producerToStream, s.ProducerID)
		}
	}
	c.mu.Unlock()

	// Prune the room's lock entry; a later operation on the same id
	// allocates a fresh mutex.
	c.lockMu.Lock()
	delete(c.roomLocks, roomID)
	c.lockMu.Unlock()

	c.log.Info("media room closed", zap.String("room_id", roomID))
	c.publish(roomID, "room-closed", map[string]string{"room_id": roomID})
	return nil
}

// CreateWebRtcTransport creates a WebRTC transport on the room's router
// and registers it with close hooks that auto-unregister.
func (c *Core) CreateWebRtcTransport(roomID string) (*media.WebRtcTransport, error) {
	lock := c.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := c.getOrCreateRoomLocked(roomID); err != nil {
		return nil, err
	}
	room, _ := c.room(roomID)

	t, err := room.Router.CreateWebRtcTransport()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.transports[t.ID()] = t
	c.mu.Unlock()
	t.OnClose(func() {
		c.mu.Lock()
		delete(c.transports, t.ID())
		c.mu.Unlock()
	})
	return t, nil
}

// Transport resolves a registered WebRTC transport by id.
func (c *Core) Transport(transportID string) (*media.WebRtcTransport, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.transports[transportID]
	return t, ok
}

// ConnectTransport finalises a transport with the client's DTLS
// parameters. A repeated call reports media.ErrAlreadyConnected, which the
// RPC layer maps to a non-fatal "already connected" result.
func (c *Core) ConnectTransport(transportID string, dtls media.DTLSParameters) error {
	if transportID == "" {
		return ErrInvalidArgument
	}
	t, ok := c.Transport(transportID)
	if !ok {
		return ErrTransportNotFound
	}
	return t.Connect(dtls)
}
