package sfu

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"
)

// Stream types carried in metadata.
const (
	StreamTypeAudio           = "audio"
	StreamTypeVideo           = "video"
	StreamTypeScreen          = "screen"
	StreamTypeScreenAudio     = "screen_audio"
	StreamTypeTranslatedAudio = "translated_audio"
)

// Stream ties one publication to the id clients address it by.
type Stream struct {
	StreamID      string
	PublisherID   string
	ProducerID    string
	RoomID        string
	RtpParameters json.RawMessage
	Metadata      map[string]interface{}
	CreatedAt     time.Time
}

// StreamType returns metadata.type, defaulting to audio/video semantics.
func (s *Stream) StreamType() string {
	if s.Metadata != nil {
		if t, ok := s.Metadata["type"].(string); ok && t != "" {
			return t
		}
	}
	return ""
}

// Wire is the serialisable stream shape of the RPC contract. Metadata and
// rtpParameters travel as opaque JSON strings.
type StreamWire struct {
	StreamID      string `json:"stream_id"`
	PublisherID   string `json:"publisher_id"`
	ProducerID    string `json:"producer_id"`
	Metadata      string `json:"metadata"`
	RtpParameters string `json:"rtp_parameters"`
	RoomID        string `json:"room_id"`
}

// Wire projects the stream onto the RPC contract shape.
func (s *Stream) Wire() StreamWire {
	meta, _ := json.Marshal(s.Metadata)
	return StreamWire{
		StreamID:      s.StreamID,
		PublisherID:   s.PublisherID,
		ProducerID:    s.ProducerID,
		Metadata:      string(meta),
		RtpParameters: string(s.RtpParameters),
		RoomID:        s.RoomID,
	}
}

func nowUTC() time.Time { return time.Now().UTC() }

const streamRandChars = "abcdefghijklmnopqrstuvwxyz0123456789"

func randStreamSuffix(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = streamRandChars[rand.Intn(len(streamRandChars))]
	}
	return string(b)
}

// newStreamID derives a stream id encoding publisher, stream type, creation
// time and a random suffix: <publisherId>_<streamType>_<unixMillis>_<rand5>.
// Attempts beyond the first append a counter suffix.
func newStreamID(publisherID, streamType string, attempt int) string {
	id := fmt.Sprintf("%s_%s_%d_%s", publisherID, streamType, time.Now().UnixMilli(), randStreamSuffix(5))
	if attempt > 0 {
		id = fmt.Sprintf("%s%d", id, attempt)
	}
	return id
}

// deriveStreamType maps a producer's media kind and screen-share detection
// onto the stream type vocabulary.
func deriveStreamType(kind string, screenShare bool) string {
	if screenShare {
		if kind == "audio" {
			return StreamTypeScreenAudio
		}
		return StreamTypeScreen
	}
	if kind == "audio" {
		return StreamTypeAudio
	}
	return StreamTypeVideo
}

// isScreenShare checks caller metadata first, then producer-side app data.
// Metadata wins on conflict.
func isScreenShare(metadata, appData map[string]interface{}) bool {
	for _, m := range []map[string]interface{}{metadata, appData} {
		if m == nil {
			continue
		}
		if v, ok := m["isScreenShare"].(bool); ok && v {
			return true
		}
		if t, ok := m["type"].(string); ok && (t == StreamTypeScreen || t == StreamTypeScreenAudio) {
			return true
		}
	}
	return false
}

// sortStreamsByID orders streams ascending by stream id. Because ids embed
// the creation timestamp this approximates first-in ordering.
func sortStreamsByID(streams []*Stream) {
	sort.Slice(streams, func(i, j int) bool {
		return streams[i].StreamID < streams[j].StreamID
	})
}

// parseStreamIDPrefix splits "<publisherId>_<kind>_..." for the consume
// fallback. Returns ok=false when the id has fewer than two segments.
func parseStreamIDPrefix(streamID string) (publisherID, kind string, ok bool) {
	parts := strings.Split(streamID, "_")
	if len(parts) < 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
