package sfu

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aura-webinar/sfu/internal/media"
)

// TranslationCabin bridges one target user's audio to the external
// translation audio service over plain RTP and republishes the translated
// audio as a normal stream. Keyed by room, target and language pair;
// reference-counted by the set of listening source users.
type TranslationCabin struct {
	CabinID          string
	RoomID           string
	TargetUserID     string
	SourceLanguage   string
	TargetLanguage   string
	StreamID         string
	SendTransport    *media.PlainTransport // SFU -> audio service (target's mic)
	ReceiveTransport *media.PlainTransport // audio service -> SFU (translated)
	Consumer         *media.Consumer
	Producer         *media.Producer
	Listeners        map[string]struct{} // sourceUserIds
	SfuListenPort    int
	CreatedAt        time.Time
}

func cabinID(roomID, targetUserID, sourceLanguage, targetLanguage string) string {
	return fmt.Sprintf("%s_%s_%s_%s", roomID, targetUserID, sourceLanguage, targetLanguage)
}

func translatedStreamID(targetUserID, sourceLanguage, targetLanguage string) string {
	return fmt.Sprintf("translated_%s_%s_%s", targetUserID, sourceLanguage, targetLanguage)
}

// CabinOptions carries the AllocatePort inputs.
type CabinOptions struct {
	RoomID         string
	SourceUserID   string
	TargetUserID   string
	SourceLanguage string
	TargetLanguage string
	AudioPort      int // audio service receive port, informational
	SendPort       int // port the audio service sends translated RTP to
	SSRC           uint32
}

// CabinResult reports the cabin create outcome.
type CabinResult struct {
	StreamID      string
	SfuListenPort int
	ConsumerSSRC  uint32
	Reused        bool
}

// CabinInfo is the projection returned by ListCabins.
type CabinInfo struct {
	TargetUserID   string `json:"target_user_id"`
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
}

// CreateCabin sets up (or joins) a translation cabin: it consumes the
// target's microphone into the audio service over plain RTP, receives
// translated RTP back in comedia mode and republishes it as a new stream.
// A second caller for the same cabin only increments the listener set.
func (c *Core) CreateCabin(opts CabinOptions) (*CabinResult, error) {
	if opts.RoomID == "" || opts.SourceUserID == "" || opts.TargetUserID == "" ||
		opts.SourceLanguage == "" || opts.TargetLanguage == "" {
		return nil, ErrInvalidArgument
	}
	lock := c.roomLock(opts.RoomID)
	lock.Lock()
	defer lock.Unlock()

	id := cabinID(opts.RoomID, opts.TargetUserID, opts.SourceLanguage, opts.TargetLanguage)

	c.mu.Lock()
	if cabin, ok := c.cabins[id]; ok {
		cabin.Listeners[opts.SourceUserID] = struct{}{}
		c.mu.Unlock()
		c.log.Info("translation cabin reused",
			zap.String("cabin_id", id),
			zap.String("listener", opts.SourceUserID),
		)
		return &CabinResult{
			StreamID:      cabin.StreamID,
			SfuListenPort: cabin.SfuListenPort,
			ConsumerSSRC:  cabin.Consumer.SSRC(),
			Reused:        true,
		}, nil
	}
	c.mu.Unlock()

	room, ok := c.room(opts.RoomID)
	if !ok {
		return nil, ErrRoomNotFound
	}

	producer := c.findAudioProducer(room, opts.TargetUserID)
	if producer == nil {
		return nil, ErrNoAudioProducer
	}

	cabin, err := c.buildCabin(room, id, producer, opts)
	if err != nil {
		return nil, err
	}

	stream := &Stream{
		StreamID:      cabin.StreamID,
		PublisherID:   opts.TargetUserID,
		ProducerID:    cabin.Producer.ID(),
		RoomID:        opts.RoomID,
		RtpParameters: cabin.Producer.RtpParameters(),
		Metadata: map[string]interface{}{
			"type":            StreamTypeTranslatedAudio,
			"source_language": opts.SourceLanguage,
			"target_language": opts.TargetLanguage,
		},
		CreatedAt: cabin.CreatedAt,
	}

	c.mu.Lock()
	c.cabins[id] = cabin
	c.streams[cabin.StreamID] = stream
	c.producerToStream[cabin.Producer.ID()] = cabin.StreamID
	room.Producers[cabin.StreamID] = cabin.Producer
	c.mu.Unlock()

	c.log.Info("translation cabin created",
		zap.String("cabin_id", id),
		zap.String("stream_id", cabin.StreamID),
		zap.Int("sfu_listen_port", cabin.SfuListenPort),
		zap.Uint32("consumer_ssrc", cabin.Consumer.SSRC()),
	)
	c.publish(opts.RoomID, "stream-published", stream.Wire())

	return &CabinResult{
		StreamID:      cabin.StreamID,
		SfuListenPort: cabin.SfuListenPort,
		ConsumerSSRC:  cabin.Consumer.SSRC(),
	}, nil
}

// findAudioProducer scans room producers for the target's live audio
// publication by stream key prefix.
func (c *Core) findAudioProducer(room *MediaRoom, targetUserID string) *media.Producer {
	prefix := targetUserID + "_audio_"
	c.mu.RLock()
	defer c.mu.RUnlock()
	for streamID, p := range room.Producers {
		if strings.HasPrefix(streamID, prefix) && p.Kind() == "audio" && !p.Closed() {
			return p
		}
	}
	return nil
}

// buildCabin wires the transport pair. Any partial failure rolls back the
// resources created so far.
func (c *Core) buildCabin(room *MediaRoom, id string, target *media.Producer, opts CabinOptions) (*TranslationCabin, error) {
	sendTransport, err := room.Router.CreatePlainTransport(media.PlainTransportOptions{
		Comedia: false,
		RTCPMux: true,
	})
	if err != nil {
		return nil, fmt.Errorf("cabin send transport: %w", err)
	}
	if err := sendTransport.Connect(c.cfg.AudioServiceHost, c.cfg.AudioServiceIngressPort); err != nil {
		sendTransport.Close()
		return nil, fmt.Errorf("cabin connect audio service: %w", err)
	}

	consumer, err := sendTransport.Consume(media.ConsumerOptions{Producer: target})
	if err != nil {
		sendTransport.Close()
		return nil, fmt.Errorf("cabin consume target audio: %w", err)
	}
	consumer.Resume()

	receiveTransport, err := room.Router.CreatePlainTransport(media.PlainTransportOptions{
		Port:    opts.SendPort,
		Comedia: true,
		RTCPMux: true,
	})
	if err != nil {
		consumer.Close()
		sendTransport.Close()
		return nil, fmt.Errorf("cabin receive transport: %w", err)
	}
	// Comedia: the remote tuple is learned from the first inbound packet.
	if err := receiveTransport.Connect("", 0); err != nil {
		consumer.Close()
		receiveTransport.Close()
		sendTransport.Close()
		return nil, fmt.Errorf("cabin receive connect: %w", err)
	}

	rtpParameters := translatedRtpParameters(id, opts.TargetUserID, opts.SSRC)
	producer, err := receiveTransport.Produce(media.ProducerOptions{
		Kind:          "audio",
		RtpParameters: rtpParameters,
	})
	if err != nil {
		consumer.Close()
		receiveTransport.Close()
		sendTransport.Close()
		return nil, fmt.Errorf("cabin translated producer: %w", err)
	}

	return &TranslationCabin{
		CabinID:          id,
		RoomID:           opts.RoomID,
		TargetUserID:     opts.TargetUserID,
		SourceLanguage:   opts.SourceLanguage,
		TargetLanguage:   opts.TargetLanguage,
		StreamID:         translatedStreamID(opts.TargetUserID, opts.SourceLanguage, opts.TargetLanguage),
		SendTransport:    sendTransport,
		ReceiveTransport: receiveTransport,
		Consumer:         consumer,
		Producer:         producer,
		Listeners:        map[string]struct{}{opts.SourceUserID: {}},
		SfuListenPort:    receiveTransport.LocalPort(),
		CreatedAt:        nowUTC(),
	}, nil
}

// translatedRtpParameters builds the Opus publication for the audio
// service's return leg: payload type 100, caller-supplied SSRC.
func translatedRtpParameters(cabinID, targetUserID string, ssrc uint32) json.RawMessage {
	params := map[string]interface{}{
		"mid": "translated_" + cabinID,
		"codecs": []map[string]interface{}{{
			"mimeType":    "audio/opus",
			"payloadType": 100,
			"clockRate":   48000,
			"channels":    2,
		}},
		"encodings": []map[string]interface{}{{"ssrc": ssrc}},
		"rtcp":      map[string]interface{}{"cname": "translated_" + targetUserID},
	}
	raw, _ := json.Marshal(params)
	return raw
}

// DestroyCabin removes one listener from the cabin. Resources are released
// only when the last listener leaves, signalled by the sentinel message.
// Returns (message, fullyDestroyed, error).
func (c *Core) DestroyCabin(roomID, sourceUserID, targetUserID, sourceLanguage, targetLanguage string) (string, bool, error) {
	if roomID == "" || sourceUserID == "" || targetUserID == "" {
		return "", false, ErrInvalidArgument
	}
	lock := c.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	id := cabinID(roomID, targetUserID, sourceLanguage, targetLanguage)

	c.mu.Lock()
	cabin, ok := c.cabins[id]
	if !ok {
		c.mu.Unlock()
		return "", false, ErrCabinNotFound
	}
	delete(cabin.Listeners, sourceUserID)
	remaining := len(cabin.Listeners)
	if remaining > 0 {
		c.mu.Unlock()
		c.log.Info("translation cabin still in use",
			zap.String("cabin_id", id),
			zap.Int("listeners", remaining),
		)
		return "still in use", false, nil
	}
	delete(c.cabins, id)
	c.mu.Unlock()

	c.teardownCabin(cabin)
	c.log.Info("translation cabin destroyed", zap.String("cabin_id", id))
	return FinalTeardownCode, true, nil
}

// teardownCabin releases cabin media resources and stream registrations.
// Close errors never abort the sweep.
func (c *Core) teardownCabin(cabin *TranslationCabin) {
	cabin.Consumer.Close()
	cabin.ReceiveTransport.Close()
	cabin.SendTransport.Close()

	c.mu.Lock()
	delete(c.streams, cabin.StreamID)
	delete(c.producerToStream, cabin.Producer.ID())
	if room, ok := c.rooms[cabin.RoomID]; ok {
		delete(room.Producers, cabin.StreamID)
		delete(room.Consumers, cabin.StreamID)
	}
	c.mu.Unlock()

	c.publish(cabin.RoomID, "stream-unpublished", map[string]string{
		"stream_id": cabin.StreamID,
		"peer_id":   cabin.TargetUserID,
	})
}

// ListCabins returns the cabins in the room the user is listening to.
func (c *Core) ListCabins(roomID, userID string) []CabinInfo {
	prefix := roomID + "_"
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []CabinInfo
	for id, cabin := range c.cabins {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		if _, listening := cabin.Listeners[userID]; !listening {
			continue
		}
		out = append(out, CabinInfo{
			TargetUserID:   cabin.TargetUserID,
			SourceLanguage: cabin.SourceLanguage,
			TargetLanguage: cabin.TargetLanguage,
		})
	}
	return out
}

// clearTranslationCabinsLocked tears down every cabin of the room
// unconditionally, ignoring reference counts. Called with the room lock
// held during room close.
func (c *Core) clearTranslationCabinsLocked(roomID string) {
	prefix := roomID + "_"
	c.mu.Lock()
	var doomed []*TranslationCabin
	for id, cabin := range c.cabins {
		if strings.HasPrefix(id, prefix) {
			doomed = append(doomed, cabin)
			delete(c.cabins, id)
		}
	}
	c.mu.Unlock()

	for _, cabin := range doomed {
		c.teardownCabin(cabin)
		c.log.Info("translation cabin cleared on room close",
			zap.String("cabin_id", cabin.CabinID),
		)
	}
}
