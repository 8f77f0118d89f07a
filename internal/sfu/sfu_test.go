package sfu

import (
	"encoding/json"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-webinar/sfu/internal/media"
)

func newTestCore(t *testing.T, cfg Config) *Core {
	t.Helper()
	pool, err := media.NewPool(media.PoolConfig{
		ListenIP:    "127.0.0.1",
		RTCBasePort: 20000,
		RTCPortSpan: 100,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	if cfg.AudioServiceHost == "" {
		cfg.AudioServiceHost = "127.0.0.1"
	}
	return New(cfg, pool, zap.NewNop(), nil, nil)
}

func audioParams(ssrc uint32) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"codecs":[{"mimeType":"audio/opus","payloadType":111,"clockRate":48000,"channels":2}],"encodings":[{"ssrc":%d}]}`, ssrc))
}

func videoParams(ssrc uint32) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"codecs":[{"mimeType":"video/VP8","payloadType":96,"clockRate":90000}],"encodings":[{"ssrc":%d}]}`, ssrc))
}

func produceOne(t *testing.T, c *Core, roomID, peer, kind string, ssrc uint32, metadata map[string]interface{}) (*ProduceResult, string) {
	t.Helper()
	tr, err := c.CreateWebRtcTransport(roomID)
	require.NoError(t, err)
	params := audioParams(ssrc)
	if kind == "video" {
		params = videoParams(ssrc)
	}
	res, err := c.Produce(ProduceOptions{
		RoomID:        roomID,
		TransportID:   tr.ID(),
		Kind:          kind,
		RtpParameters: params,
		Metadata:      metadata,
		PeerID:        peer,
	})
	require.NoError(t, err)
	return res, tr.ID()
}

func TestCreateMediaRoomIdempotent(t *testing.T) {
	c := newTestCore(t, Config{})

	r1, err := c.CreateMediaRoom("room-a")
	require.NoError(t, err)
	r2, err := c.CreateMediaRoom("room-a")
	require.NoError(t, err)
	require.Equal(t, r1.ID(), r2.ID())

	room, ok := c.room("room-a")
	require.True(t, ok)
	require.Equal(t, c.pool.PickForRoom("room-a").Index(), room.WorkerID)
}

func TestConnectTransportIdempotent(t *testing.T) {
	c := newTestCore(t, Config{})

	tr, err := c.CreateWebRtcTransport("room-a")
	require.NoError(t, err)

	dtls := media.DTLSParameters{
		Role:         "client",
		Fingerprints: []media.DTLSFingerprint{{Algorithm: "sha-256", Value: "aa:bb"}},
	}
	require.NoError(t, c.ConnectTransport(tr.ID(), dtls))
	require.ErrorIs(t, c.ConnectTransport(tr.ID(), dtls), media.ErrAlreadyConnected)

	require.ErrorIs(t, c.ConnectTransport("nope", dtls), ErrTransportNotFound)
}

func TestProduceStreamIDFormat(t *testing.T) {
	c := newTestCore(t, Config{})

	res, _ := produceOne(t, c, "room-a", "P1", "audio", 1001, nil)
	require.Regexp(t, regexp.MustCompile(`^P1_audio_\d+_[a-z0-9]{5}$`), res.StreamID)
	require.True(t, res.IsPriority)
	require.Equal(t, 1, res.TotalStreams)
}

func TestScreenShareStreamTyping(t *testing.T) {
	c := newTestCore(t, Config{})

	res, _ := produceOne(t, c, "room-a", "P1", "video", 2001, map[string]interface{}{"isScreenShare": true})
	require.Regexp(t, regexp.MustCompile(`^P1_screen_\d+_[a-z0-9]{5}$`), res.StreamID)

	res2, _ := produceOne(t, c, "room-a", "P1", "audio", 2002, map[string]interface{}{"type": "screen_audio"})
	require.Regexp(t, regexp.MustCompile(`^P1_screen_audio_\d+_[a-z0-9]{5}$`), res2.StreamID)
}

func TestPriorityCap(t *testing.T) {
	c := newTestCore(t, Config{})
	room := "room-a"

	// Zero-padded names keep lexicographic order aligned with publish order.
	streams := make(map[string]string)
	for i := 1; i <= 11; i++ {
		peer := fmt.Sprintf("P%02d", i)
		res, _ := produceOne(t, c, room, peer, "audio", uint32(3000+i), nil)
		streams[peer] = res.StreamID
	}

	priority := c.priorityStreams(room)
	require.Len(t, priority, 10)
	require.False(t, c.userInPriority(room, "P11"))

	viewerTr, err := c.CreateWebRtcTransport(room)
	require.NoError(t, err)

	denied, err := c.Consume(ConsumeOptions{
		RoomID:      room,
		StreamID:    streams["P11"],
		TransportID: viewerTr.ID(),
		PeerID:      "P01",
	})
	require.NoError(t, err)
	require.False(t, denied.Admitted)
	require.Empty(t, denied.ConsumerID)
	require.Equal(t, AdmissionDeniedMessage, denied.Message)

	admitted, err := c.Consume(ConsumeOptions{
		RoomID:      room,
		StreamID:    streams["P01"],
		TransportID: viewerTr.ID(),
		PeerID:      "P02",
	})
	require.NoError(t, err)
	require.True(t, admitted.Admitted)
	require.NotEmpty(t, admitted.ConsumerID)
	require.True(t, admitted.Paused)
}

func TestPinAndUnpin(t *testing.T) {
	c := newTestCore(t, Config{})
	room := "room-a"

	for i := 1; i <= 11; i++ {
		produceOne(t, c, room, fmt.Sprintf("P%02d", i), "audio", uint32(4000+i), nil)
	}
	viewerTr, err := c.CreateWebRtcTransport(room)
	require.NoError(t, err)

	// P11 is out of priority; pinning overrides admission.
	pin, err := c.PinUser(room, "P01", "P11", viewerTr.ID(), nil)
	require.NoError(t, err)
	require.True(t, pin.Success)
	require.False(t, pin.AlreadyPriority)
	require.Len(t, pin.ConsumersCreated, 1)

	// Pinning someone already in priority creates nothing.
	again, err := c.PinUser(room, "P01", "P02", viewerTr.ID(), nil)
	require.NoError(t, err)
	require.True(t, again.AlreadyPriority)
	require.Empty(t, again.ConsumersCreated)

	// Unpinning a priority user removes nothing.
	still, err := c.UnpinUser(room, "P01", "P02")
	require.NoError(t, err)
	require.True(t, still.StillInPriority)
	require.Empty(t, still.ConsumersRemoved)

	unpin, err := c.UnpinUser(room, "P01", "P11")
	require.NoError(t, err)
	require.False(t, unpin.StillInPriority)
	require.Len(t, unpin.ConsumersRemoved, 1)
	require.Equal(t, pin.ConsumersCreated[0].ConsumerID, unpin.ConsumersRemoved[0])
}

func TestConsumeFallback(t *testing.T) {
	c := newTestCore(t, Config{})
	room := "room-a"

	res, _ := produceOne(t, c, room, "P1", "audio", 5001, nil)
	viewerTr, err := c.CreateWebRtcTransport(room)
	require.NoError(t, err)

	got, err := c.Consume(ConsumeOptions{
		RoomID:      room,
		StreamID:    "P1_audio_999_zzzzz",
		TransportID: viewerTr.ID(),
		PeerID:      "P2",
	})
	require.NoError(t, err)
	require.True(t, got.Admitted)
	require.Equal(t, res.StreamID, got.StreamID)

	_, err = c.Consume(ConsumeOptions{
		RoomID:      room,
		StreamID:    "P9_video_999_zzzzz",
		TransportID: viewerTr.ID(),
		PeerID:      "P2",
	})
	require.ErrorIs(t, err, ErrStreamNotFound)
}

func TestResumeConsumer(t *testing.T) {
	c := newTestCore(t, Config{})
	room := "room-a"

	res, _ := produceOne(t, c, room, "P1", "audio", 5101, nil)
	viewerTr, err := c.CreateWebRtcTransport(room)
	require.NoError(t, err)
	got, err := c.Consume(ConsumeOptions{
		RoomID:      room,
		StreamID:    res.StreamID,
		TransportID: viewerTr.ID(),
		PeerID:      "P2",
	})
	require.NoError(t, err)

	require.NoError(t, c.ResumeConsumer(room, got.ConsumerID))
	// A second resume is a no-op.
	require.NoError(t, c.ResumeConsumer(room, got.ConsumerID))
	require.ErrorIs(t, c.ResumeConsumer(room, "missing"), ErrConsumerNotFound)
}

func TestUnpublishStream(t *testing.T) {
	c := newTestCore(t, Config{})
	room := "room-a"

	res, _ := produceOne(t, c, room, "P1", "audio", 5201, nil)
	viewerTr, err := c.CreateWebRtcTransport(room)
	require.NoError(t, err)
	consumed, err := c.Consume(ConsumeOptions{
		RoomID:      room,
		StreamID:    res.StreamID,
		TransportID: viewerTr.ID(),
		PeerID:      "P2",
	})
	require.NoError(t, err)
	require.True(t, consumed.Admitted)

	require.NoError(t, c.UnpublishStream(room, res.StreamID, "P1"))
	require.Empty(t, c.GetStreams(room))
	require.ErrorIs(t, c.UnpublishStream(room, res.StreamID, "P1"), ErrStreamNotFound)

	mr, _ := c.room(room)
	c.mu.RLock()
	require.Empty(t, mr.Producers)
	require.Empty(t, mr.Consumers)
	c.mu.RUnlock()
}

func TestRemoveParticipantMedia(t *testing.T) {
	c := newTestCore(t, Config{})
	room := "room-a"

	res1, _ := produceOne(t, c, room, "P1", "audio", 5301, nil)
	res2, _ := produceOne(t, c, room, "P1", "video", 5302, nil)
	produceOne(t, c, room, "P2", "audio", 5303, nil)
	require.NoError(t, c.MarkSpeaking(room, "P1"))

	removed, err := c.RemoveParticipantMedia(room, "P1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{res1.StreamID, res2.StreamID}, removed)

	remaining := c.GetStreams(room)
	require.Len(t, remaining, 1)
	require.Equal(t, "P2", remaining[0].PublisherID)
	require.NotContains(t, c.ActiveSpeakers(room), "P1")
}

func TestUpdateStreamMetadata(t *testing.T) {
	c := newTestCore(t, Config{})

	res, _ := produceOne(t, c, "room-a", "P1", "audio", 5401, map[string]interface{}{"label": "mic"})
	require.NoError(t, c.UpdateStreamMetadata("room-a", res.StreamID, map[string]interface{}{"muted": true}))

	c.mu.RLock()
	s := c.streams[res.StreamID]
	c.mu.RUnlock()
	require.Equal(t, "mic", s.Metadata["label"])
	require.Equal(t, true, s.Metadata["muted"])

	require.ErrorIs(t, c.UpdateStreamMetadata("room-a", "missing", nil), ErrStreamNotFound)
}

func TestCloseMediaRoomCascade(t *testing.T) {
	c := newTestCore(t, Config{})
	room := "room-a"

	_, trID := produceOne(t, c, room, "P1", "audio", 5501, nil)
	require.NoError(t, c.MarkSpeaking(room, "P1"))

	require.NoError(t, c.CloseMediaRoom(room))

	_, ok := c.room(room)
	require.False(t, ok)
	_, ok = c.Transport(trID)
	require.False(t, ok)
	require.Empty(t, c.GetStreams(room))
	require.Empty(t, c.ActiveSpeakers(room))

	// The per-room lock entry is pruned with the room.
	c.lockMu.Lock()
	_, held := c.roomLocks[room]
	c.lockMu.Unlock()
	require.False(t, held)

	require.ErrorIs(t, c.CloseMediaRoom(room), ErrRoomNotFound)
}

func TestActiveSpeakers(t *testing.T) {
	c := newTestCore(t, Config{})

	require.NoError(t, c.MarkSpeaking("room-a", "P1"))
	require.NoError(t, c.MarkSpeaking("room-a", "P2"))
	require.ElementsMatch(t, []string{"P1", "P2"}, c.ActiveSpeakers("room-a"))

	require.NoError(t, c.MarkStopSpeaking("room-a", "P1"))
	require.ElementsMatch(t, []string{"P2"}, c.ActiveSpeakers("room-a"))
}

func TestSpeakerSweep(t *testing.T) {
	c := newTestCore(t, Config{
		SpeakerInactivityThreshold: time.Millisecond,
	})

	require.NoError(t, c.MarkSpeaking("room-a", "P1"))
	time.Sleep(5 * time.Millisecond)
	c.sweepSpeakers()
	require.Empty(t, c.ActiveSpeakers("room-a"))

	c.mu.RLock()
	_, kept := c.speakers["room-a"]
	c.mu.RUnlock()
	require.False(t, kept)
}

func TestStreamIDRetrySuffix(t *testing.T) {
	id0 := newStreamID("P1", "audio", 0)
	require.Regexp(t, regexp.MustCompile(`^P1_audio_\d+_[a-z0-9]{5}$`), id0)

	id3 := newStreamID("P1", "audio", 3)
	require.Regexp(t, regexp.MustCompile(`^P1_audio_\d+_[a-z0-9]{5}3$`), id3)
}
