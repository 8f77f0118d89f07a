package sfu

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/aura-webinar/sfu/internal/media"
)

// AdmissionDeniedMessage is returned verbatim when a consume request is
// refused by the priority policy. The gateway matches on it.
const AdmissionDeniedMessage = "Stream not in priority list"

// ProduceOptions carries the CreateProducer inputs after RPC normalisation.
type ProduceOptions struct {
	RoomID        string
	TransportID   string
	Kind          string
	RtpParameters json.RawMessage
	Metadata      map[string]interface{}
	PeerID        string
}

// ProduceResult reports the registered publication.
type ProduceResult struct {
	ProducerID   string
	StreamID     string
	IsPriority   bool
	TotalStreams int
}

// ConsumeResult reports either a created (paused) consumer or a priority
// denial. A denial has an empty ConsumerID and Admitted=false; it is a
// successful outcome, not an error.
type ConsumeResult struct {
	ConsumerID    string
	ProducerID    string
	StreamID      string
	Kind          string
	RtpParameters json.RawMessage
	Paused        bool
	Admitted      bool
	Message       string
}

// PinResult reports a pin override attempt.
type PinResult struct {
	Success          bool
	Message          string
	AlreadyPriority  bool
	ConsumersCreated []ConsumeResult
}

// UnpinResult reports an unpin attempt.
type UnpinResult struct {
	Success          bool
	Message          string
	StillInPriority  bool
	ConsumersRemoved []string
}

// Produce creates a producer on the transport, derives a unique stream id
// and registers the stream. The stream is evicted automatically when the
// producer closes (directly or through its transport).
func (c *Core) Produce(opts ProduceOptions) (*ProduceResult, error) {
	if opts.RoomID == "" || opts.TransportID == "" || opts.Kind == "" {
		return nil, ErrInvalidArgument
	}
	lock := c.roomLock(opts.RoomID)
	lock.Lock()
	defer lock.Unlock()

	room, ok := c.room(opts.RoomID)
	if !ok {
		return nil, ErrRoomNotFound
	}
	transport, ok := c.Transport(opts.TransportID)
	if !ok {
		return nil, ErrTransportNotFound
	}

	producer, err := transport.Produce(media.ProducerOptions{
		Kind:          opts.Kind,
		RtpParameters: opts.RtpParameters,
		AppData:       opts.Metadata,
	})
	if err != nil {
		return nil, err
	}

	screenShare := isScreenShare(opts.Metadata, producer.AppData())
	streamType := deriveStreamType(opts.Kind, screenShare)
	streamID, err := c.uniqueStreamID(opts.PeerID, streamType)
	if err != nil {
		producer.Close()
		return nil, err
	}

	metadata := opts.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	if _, ok := metadata["type"]; !ok {
		metadata["type"] = streamType
	}

	stream := &Stream{
		StreamID:      streamID,
		PublisherID:   opts.PeerID,
		ProducerID:    producer.ID(),
		RoomID:        opts.RoomID,
		RtpParameters: opts.RtpParameters,
		Metadata:      metadata,
		CreatedAt:     nowUTC(),
	}

	c.mu.Lock()
	c.streams[streamID] = stream
	c.producerToStream[producer.ID()] = streamID
	room.Producers[streamID] = producer
	c.mu.Unlock()

	// Covers both transportclose and direct producer close. The hook only
	// touches c.mu; room locks are never taken from close hooks.
	producer.OnClose(func() {
		c.evictStream(room, streamID, producer.ID())
	})

	priority := c.streamInPriority(opts.RoomID, streamID)
	total := len(c.roomStreams(opts.RoomID))

	c.log.Info("producer created",
		zap.String("room_id", opts.RoomID),
		zap.String("stream_id", streamID),
		zap.String("producer_id", producer.ID()),
		zap.String("kind", opts.Kind),
		zap.Bool("priority", priority),
	)
	if c.audit != nil {
		c.audit.LogStreamStarted(opts.RoomID, streamID, opts.PeerID, opts.Kind)
	}
	c.publish(opts.RoomID, "stream-published", stream.Wire())

	return &ProduceResult{
		ProducerID:   producer.ID(),
		StreamID:     streamID,
		IsPriority:   priority,
		TotalStreams: total,
	}, nil
}

func (c *Core) uniqueStreamID(publisherID, streamType string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for attempt := 0; attempt < c.cfg.StreamIDMaxAttempts; attempt++ {
		id := newStreamID(publisherID, streamType, attempt)
		if _, taken := c.streams[id]; !taken {
			return id, nil
		}
	}
	return "", ErrStreamIDExhausted
}

func (c *Core) evictStream(room *MediaRoom, streamID, producerID string) {
	c.mu.Lock()
	delete(c.streams, streamID)
	delete(c.producerToStream, producerID)
	delete(room.Producers, streamID)
	for _, consumer := range room.Consumers[streamID] {
		delete(room.consumerTransports, consumer.ID())
	}
	delete(room.Consumers, streamID)
	c.mu.Unlock()
}

// ConsumeOptions carries the CreateConsumer inputs.
type ConsumeOptions struct {
	RoomID          string
	StreamID        string
	TransportID     string
	RtpCapabilities json.RawMessage
	PeerID          string
	ForcePin        bool
}

// Consume creates a paused consumer of the stream subject to the priority
// admission policy. An unknown stream id is retried once against a live
// stream from the same publisher with the same media kind.
func (c *Core) Consume(opts ConsumeOptions) (*ConsumeResult, error) {
	if opts.RoomID == "" || opts.StreamID == "" || opts.TransportID == "" {
		return nil, ErrInvalidArgument
	}
	lock := c.roomLock(opts.RoomID)
	lock.Lock()
	defer lock.Unlock()
	return c.consumeLocked(opts, true)
}

func (c *Core) consumeLocked(opts ConsumeOptions, allowFallback bool) (*ConsumeResult, error) {
	room, ok := c.room(opts.RoomID)
	if !ok {
		return nil, ErrRoomNotFound
	}

	c.mu.RLock()
	stream, found := c.streams[opts.StreamID]
	c.mu.RUnlock()
	if !found || stream.RoomID != opts.RoomID {
		if !allowFallback {
			return nil, ErrStreamNotFound
		}
		substitute := c.fallbackStream(opts.RoomID, opts.StreamID)
		if substitute == "" {
			return nil, ErrStreamNotFound
		}
		c.log.Debug("consume fallback",
			zap.String("requested", opts.StreamID),
			zap.String("substitute", substitute),
		)
		opts.StreamID = substitute
		return c.consumeLocked(opts, false)
	}

	if !opts.ForcePin && !c.userInPriority(opts.RoomID, stream.PublisherID) {
		return &ConsumeResult{
			StreamID:   stream.StreamID,
			ProducerID: stream.ProducerID,
			Message:    AdmissionDeniedMessage,
		}, nil
	}

	transport, ok := c.Transport(opts.TransportID)
	if !ok {
		return nil, ErrTransportNotFound
	}
	c.mu.RLock()
	producer := room.Producers[stream.StreamID]
	c.mu.RUnlock()
	if producer == nil || producer.Closed() {
		return nil, ErrStreamNotFound
	}

	caps := parseCapabilities(opts.RtpCapabilities)
	if caps.IsEmpty() {
		caps = room.Router.RtpCapabilities()
	}
	if !room.Router.CanConsume(producer.ID(), caps) {
		return nil, ErrCannotConsume
	}

	consumer, err := transport.Consume(media.ConsumerOptions{
		Producer: producer,
		Paused:   true,
	})
	if err != nil {
		return nil, err
	}

	streamID := stream.StreamID
	c.mu.Lock()
	room.Consumers[streamID] = append(room.Consumers[streamID], consumer)
	room.consumerTransports[consumer.ID()] = transport.ID()
	c.mu.Unlock()

	peerID := opts.PeerID
	consumer.OnProducerClose(func() {
		c.dropConsumer(room, streamID, consumer.ID())
		c.publish(opts.RoomID, "consumer-closed", map[string]string{
			"consumer_id": consumer.ID(),
			"stream_id":   streamID,
			"peer_id":     peerID,
		})
	})
	consumer.OnClose(func() {
		c.dropConsumer(room, streamID, consumer.ID())
	})

	c.log.Info("consumer created",
		zap.String("room_id", opts.RoomID),
		zap.String("stream_id", streamID),
		zap.String("consumer_id", consumer.ID()),
		zap.String("peer_id", peerID),
	)
	return &ConsumeResult{
		ConsumerID:    consumer.ID(),
		ProducerID:    producer.ID(),
		StreamID:      streamID,
		Kind:          consumer.Kind(),
		RtpParameters: consumer.RtpParameters(),
		Paused:        true,
		Admitted:      true,
	}, nil
}

func parseCapabilities(raw json.RawMessage) media.RtpCapabilities {
	var caps media.RtpCapabilities
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &caps)
	}
	return caps
}

// fallbackStream finds a live stream from the publisher and kind encoded
// in the unknown id's prefix.
func (c *Core) fallbackStream(roomID, streamID string) string {
	publisher, kind, ok := parseStreamIDPrefix(streamID)
	if !ok {
		return ""
	}
	for _, s := range c.roomStreams(roomID) {
		if s.PublisherID != publisher {
			continue
		}
		if _, sKind, ok := parseStreamIDPrefix(s.StreamID); ok && sKind == kind {
			return s.StreamID
		}
	}
	return ""
}

func (c *Core) dropConsumer(room *MediaRoom, streamID, consumerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(room.consumerTransports, consumerID)
	list := room.Consumers[streamID]
	for i, cons := range list {
		if cons.ID() == consumerID {
			room.Consumers[streamID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(room.Consumers[streamID]) == 0 {
		delete(room.Consumers, streamID)
	}
}

// ResumeConsumer resumes a paused consumer by id and, for video, asks the
// publisher for a keyframe so the viewer does not wait out a full GOP.
func (c *Core) ResumeConsumer(roomID, consumerID string) error {
	if roomID == "" || consumerID == "" {
		return ErrInvalidArgument
	}
	lock := c.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	room, ok := c.room(roomID)
	if !ok {
		return ErrRoomNotFound
	}

	c.mu.RLock()
	var consumer *media.Consumer
	for _, list := range room.Consumers {
		for _, cons := range list {
			if cons.ID() == consumerID {
				consumer = cons
				break
			}
		}
		if consumer != nil {
			break
		}
	}
	transportID := room.consumerTransports[consumerID]
	c.mu.RUnlock()

	if consumer == nil {
		return ErrConsumerNotFound
	}
	if !consumer.Paused() {
		return nil
	}
	consumer.Resume()

	if consumer.Kind() == "video" {
		if transport, ok := c.Transport(transportID); ok {
			if producer := room.Router.Producer(consumer.ProducerID()); producer != nil {
				if err := transport.RequestKeyFrame(producer.SSRC()); err != nil {
					c.log.Warn("keyframe request failed",
						zap.String("consumer_id", consumerID),
						zap.Error(err),
					)
				}
			}
		}
	}
	return nil
}

// roomStreams returns the room's live streams, unsorted.
func (c *Core) roomStreams(roomID string) []*Stream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Stream
	for _, s := range c.streams {
		if s.RoomID == roomID {
			out = append(out, s)
		}
	}
	return out
}

// priorityStreams returns the first N streams of the room sorted ascending
// by stream id. Ids embed the creation timestamp, so this approximates a
// first-in admission cap. Recomputed lazily on every call.
func (c *Core) priorityStreams(roomID string) []*Stream {
	streams := c.roomStreams(roomID)
	sortStreamsByID(streams)
	if len(streams) > c.cfg.PriorityStreamCap {
		streams = streams[:c.cfg.PriorityStreamCap]
	}
	return streams
}

func (c *Core) streamInPriority(roomID, streamID string) bool {
	for _, s := range c.priorityStreams(roomID) {
		if s.StreamID == streamID {
			return true
		}
	}
	return false
}

func (c *Core) userInPriority(roomID, peerID string) bool {
	for _, s := range c.priorityStreams(roomID) {
		if s.PublisherID == peerID {
			return true
		}
	}
	return false
}

// PinUser force-subscribes the pinner to every stream of the pinned user.
// If the pinned user is already in priority nothing is created.
func (c *Core) PinUser(roomID, pinner, pinned, transportID string, rtpCapabilities json.RawMessage) (*PinResult, error) {
	if roomID == "" || pinned == "" || transportID == "" {
		return nil, ErrInvalidArgument
	}
	lock := c.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	if _, ok := c.room(roomID); !ok {
		return nil, ErrRoomNotFound
	}

	var pinnedStreams []*Stream
	for _, s := range c.roomStreams(roomID) {
		if s.PublisherID == pinned {
			pinnedStreams = append(pinnedStreams, s)
		}
	}
	if len(pinnedStreams) == 0 {
		return &PinResult{Success: false, Message: fmt.Sprintf("no streams found for user %s", pinned)}, nil
	}
	if c.userInPriority(roomID, pinned) {
		return &PinResult{Success: true, AlreadyPriority: true, Message: "user already in priority list"}, nil
	}

	sortStreamsByID(pinnedStreams)
	result := &PinResult{Success: true}
	for _, s := range pinnedStreams {
		res, err := c.consumeLocked(ConsumeOptions{
			RoomID:          roomID,
			StreamID:        s.StreamID,
			TransportID:     transportID,
			RtpCapabilities: rtpCapabilities,
			PeerID:          pinner,
			ForcePin:        true,
		}, false)
		if err != nil {
			c.log.Warn("pin consume failed",
				zap.String("room_id", roomID),
				zap.String("stream_id", s.StreamID),
				zap.Error(err),
			)
			continue
		}
		result.ConsumersCreated = append(result.ConsumersCreated, *res)
	}
	result.Message = fmt.Sprintf("pinned %d stream(s)", len(result.ConsumersCreated))
	return result, nil
}

// UnpinUser closes the consumers attached to the unpinned user's streams.
// If the user still holds a priority slot nothing is removed. Closing every
// attached consumer (not just the unpinner's) mirrors the gateway contract;
// TODO(review): scope removal to the unpinner once the gateway tracks
// consumer ownership per peer.
func (c *Core) UnpinUser(roomID, unpinner, unpinned string) (*UnpinResult, error) {
	if roomID == "" || unpinned == "" {
		return nil, ErrInvalidArgument
	}
	lock := c.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	room, ok := c.room(roomID)
	if !ok {
		return nil, ErrRoomNotFound
	}
	if c.userInPriority(roomID, unpinned) {
		return &UnpinResult{Success: true, StillInPriority: true, Message: "user still in priority list"}, nil
	}

	var removed []string
	for _, s := range c.roomStreams(roomID) {
		if s.PublisherID != unpinned {
			continue
		}
		c.mu.RLock()
		consumers := append([]*media.Consumer(nil), room.Consumers[s.StreamID]...)
		c.mu.RUnlock()
		for _, cons := range consumers {
			removed = append(removed, cons.ID())
			cons.Close()
		}
	}
	return &UnpinResult{
		Success:          true,
		Message:          fmt.Sprintf("removed %d consumer(s)", len(removed)),
		ConsumersRemoved: removed,
	}, nil
}

// UnpublishStream closes a stream's producer, which cascades through its
// consumers and evicts every registry entry.
func (c *Core) UnpublishStream(roomID, streamID, peerID string) error {
	if roomID == "" || streamID == "" {
		return ErrInvalidArgument
	}
	lock := c.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()
	return c.unpublishLocked(roomID, streamID, peerID)
}

func (c *Core) unpublishLocked(roomID, streamID, peerID string) error {
	room, ok := c.room(roomID)
	if !ok {
		return ErrRoomNotFound
	}
	c.mu.RLock()
	stream, found := c.streams[streamID]
	producer := room.Producers[streamID]
	c.mu.RUnlock()
	if !found || stream.RoomID != roomID {
		return ErrStreamNotFound
	}

	if producer != nil {
		producer.Close()
	}
	// The close hook evicts registrations; clean up again in case the
	// producer was already gone.
	c.evictStream(room, streamID, stream.ProducerID)

	c.log.Info("stream unpublished",
		zap.String("room_id", roomID),
		zap.String("stream_id", streamID),
		zap.String("peer_id", peerID),
	)
	if c.audit != nil {
		c.audit.LogStreamEnded(roomID, streamID)
	}
	c.publish(roomID, "stream-unpublished", map[string]string{
		"stream_id": streamID,
		"peer_id":   peerID,
	})
	return nil
}

// RemoveParticipantMedia unpublishes every stream the participant owns and
// drops them from the active-speaker table. Returns the removed stream ids.
func (c *Core) RemoveParticipantMedia(roomID, peerID string) ([]string, error) {
	if roomID == "" || peerID == "" {
		return nil, ErrInvalidArgument
	}
	lock := c.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	if _, ok := c.room(roomID); !ok {
		return nil, ErrRoomNotFound
	}

	var removed []string
	for _, s := range c.roomStreams(roomID) {
		if s.PublisherID != peerID {
			continue
		}
		if err := c.unpublishLocked(roomID, s.StreamID, peerID); err != nil {
			c.log.Warn("remove participant stream failed",
				zap.String("stream_id", s.StreamID),
				zap.Error(err),
			)
			continue
		}
		removed = append(removed, s.StreamID)
	}

	c.mu.Lock()
	if table, ok := c.speakers[roomID]; ok {
		delete(table, peerID)
	}
	c.mu.Unlock()
	return removed, nil
}

// UpdateStreamMetadata shallow-merges the supplied object into the
// stream's metadata.
func (c *Core) UpdateStreamMetadata(roomID, streamID string, metadata map[string]interface{}) error {
	if streamID == "" {
		return ErrInvalidArgument
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	stream, ok := c.streams[streamID]
	if !ok || (roomID != "" && stream.RoomID != roomID) {
		return ErrStreamNotFound
	}
	if stream.Metadata == nil {
		stream.Metadata = map[string]interface{}{}
	}
	for k, v := range metadata {
		stream.Metadata[k] = v
	}
	return nil
}

// GetStreams enumerates the room's streams in id order, projected onto the
// wire shape.
func (c *Core) GetStreams(roomID string) []StreamWire {
	streams := c.roomStreams(roomID)
	sortStreamsByID(streams)
	out := make([]StreamWire, 0, len(streams))
	for _, s := range streams {
		out = append(out, s.Wire())
	}
	return out
}
