package sfu

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCabinLifecycle(t *testing.T) {
	c := newTestCore(t, Config{})
	room := "room-a"

	produceOne(t, c, room, "T1", "audio", 7001, nil)
	mr, ok := c.room(room)
	require.True(t, ok)
	worker := c.pool.Worker(mr.WorkerID)
	baseline := worker.Load()

	res, err := c.CreateCabin(CabinOptions{
		RoomID:         room,
		SourceUserID:   "S1",
		TargetUserID:   "T1",
		SourceLanguage: "en",
		TargetLanguage: "fr",
		SSRC:           7777,
	})
	require.NoError(t, err)
	require.False(t, res.Reused)
	require.Equal(t, "translated_T1_en_fr", res.StreamID)
	require.NotZero(t, res.SfuListenPort)

	// The translated publication shows up as a regular stream.
	streams := c.GetStreams(room)
	require.Len(t, streams, 2)

	// A second listener joins the same cabin.
	again, err := c.CreateCabin(CabinOptions{
		RoomID:         room,
		SourceUserID:   "S2",
		TargetUserID:   "T1",
		SourceLanguage: "en",
		TargetLanguage: "fr",
	})
	require.NoError(t, err)
	require.True(t, again.Reused)
	require.Equal(t, res.SfuListenPort, again.SfuListenPort)

	require.Len(t, c.ListCabins(room, "S1"), 1)
	require.Len(t, c.ListCabins(room, "S2"), 1)
	require.Empty(t, c.ListCabins(room, "S3"))

	c.mu.RLock()
	cabin := c.cabins[cabinID(room, "T1", "en", "fr")]
	c.mu.RUnlock()
	require.NotNil(t, cabin)

	msg, done, err := c.DestroyCabin(room, "S1", "T1", "en", "fr")
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, "still in use", msg)
	require.Empty(t, c.ListCabins(room, "S1"))

	msg, done, err = c.DestroyCabin(room, "S2", "T1", "en", "fr")
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, FinalTeardownCode, msg)

	// Final teardown releases the media resources: the forwarding
	// consumer detaches from the target's producer and the translated
	// producer goes away with its transport.
	require.True(t, cabin.Consumer.Closed())
	require.True(t, cabin.Producer.Closed())
	require.Equal(t, baseline, worker.Load())

	require.Len(t, c.GetStreams(room), 1)

	_, _, err = c.DestroyCabin(room, "S2", "T1", "en", "fr")
	require.ErrorIs(t, err, ErrCabinNotFound)
}

func TestCabinRequiresAudioProducer(t *testing.T) {
	c := newTestCore(t, Config{})

	_, err := c.CreateCabin(CabinOptions{
		RoomID:         "room-missing",
		SourceUserID:   "S1",
		TargetUserID:   "T1",
		SourceLanguage: "en",
		TargetLanguage: "fr",
	})
	require.ErrorIs(t, err, ErrRoomNotFound)

	// Room exists but the target publishes only video.
	produceOne(t, c, "room-a", "T1", "video", 7101, nil)
	_, err = c.CreateCabin(CabinOptions{
		RoomID:         "room-a",
		SourceUserID:   "S1",
		TargetUserID:   "T1",
		SourceLanguage: "en",
		TargetLanguage: "fr",
	})
	require.ErrorIs(t, err, ErrNoAudioProducer)
}

func TestCabinCreateRollback(t *testing.T) {
	c := newTestCore(t, Config{})
	room := "room-a"

	produceOne(t, c, room, "T1", "audio", 7301, nil)
	mr, ok := c.room(room)
	require.True(t, ok)
	worker := c.pool.Worker(mr.WorkerID)
	before := worker.Load()

	// Occupy the requested receive port so the comedia leg fails to bind
	// after the target's audio is already being consumed.
	blocker, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer blocker.Close()
	port := blocker.LocalAddr().(*net.UDPAddr).Port

	_, err = c.CreateCabin(CabinOptions{
		RoomID:         room,
		SourceUserID:   "S1",
		TargetUserID:   "T1",
		SourceLanguage: "en",
		TargetLanguage: "fr",
		SendPort:       port,
	})
	require.Error(t, err)

	// Partial creation rolled everything back: no cabin, no translated
	// stream, and the interim consumer released its worker slot.
	require.Empty(t, c.ListCabins(room, "S1"))
	require.Len(t, c.GetStreams(room), 1)
	require.Equal(t, before, worker.Load())
}

func TestRoomCloseClearsCabins(t *testing.T) {
	c := newTestCore(t, Config{})
	room := "room-a"

	produceOne(t, c, room, "T1", "audio", 7201, nil)
	_, err := c.CreateCabin(CabinOptions{
		RoomID:         room,
		SourceUserID:   "S1",
		TargetUserID:   "T1",
		SourceLanguage: "en",
		TargetLanguage: "fr",
	})
	require.NoError(t, err)

	require.NoError(t, c.CloseMediaRoom(room))

	require.Empty(t, c.ListCabins(room, "S1"))
	c.mu.RLock()
	require.Empty(t, c.cabins)
	c.mu.RUnlock()
}
