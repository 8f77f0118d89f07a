package media

import (
	"encoding/json"
	"fmt"
	"net"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	pool, err := NewPool(PoolConfig{
		ListenIP:    "127.0.0.1",
		RTCBasePort: 21000,
		RTCPortSpan: 100,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestPoolSize(t *testing.T) {
	pool := newTestPool(t)

	want := runtime.NumCPU()
	if want > DefaultMaxWorkers {
		want = DefaultMaxWorkers
	}
	require.Equal(t, want, pool.Size())
}

func TestPickForRoomDeterministic(t *testing.T) {
	pool := newTestPool(t)

	w1 := pool.PickForRoom("room-abc")
	w2 := pool.PickForRoom("room-abc")
	require.Equal(t, w1.Index(), w2.Index())

	// sum of byte values mod worker count
	sum := 0
	for _, ch := range "room-abc" {
		sum += int(ch)
	}
	require.Equal(t, sum%pool.Size(), w1.Index())
}

func TestPickLeastLoaded(t *testing.T) {
	pool := newTestPool(t)
	if pool.Size() < 2 {
		t.Skip("needs at least two workers")
	}

	loaded := pool.Worker(0)
	router, err := loaded.CreateRouter()
	require.NoError(t, err)
	defer router.Close()

	require.NotEqual(t, 0, pool.PickLeastLoaded().Index())
}

func TestRouterCapabilities(t *testing.T) {
	pool := newTestPool(t)

	router, err := pool.Worker(0).CreateRouter()
	require.NoError(t, err)
	defer router.Close()

	caps := router.RtpCapabilities()
	require.False(t, caps.IsEmpty())

	kinds := map[string]bool{}
	for _, c := range caps.Codecs {
		kinds[c.Kind] = true
	}
	require.True(t, kinds["audio"])
	require.True(t, kinds["video"])
}

func TestWebRtcTransportLifecycle(t *testing.T) {
	pool := newTestPool(t)
	router, err := pool.Worker(0).CreateRouter()
	require.NoError(t, err)
	defer router.Close()

	tr, err := router.CreateWebRtcTransport()
	require.NoError(t, err)

	require.NotEmpty(t, tr.ICEParameters().UsernameFragment)
	require.True(t, tr.ICEParameters().ICELite)
	require.NotEmpty(t, tr.ICECandidates())
	require.NotEmpty(t, tr.DTLSParameters().Fingerprints)

	dtls := DTLSParameters{Role: "client"}
	require.NoError(t, tr.Connect(dtls))
	require.ErrorIs(t, tr.Connect(dtls), ErrAlreadyConnected)

	producer, err := tr.Produce(ProducerOptions{
		Kind:          "audio",
		RtpParameters: json.RawMessage(`{"encodings":[{"ssrc":1234}]}`),
	})
	require.NoError(t, err)
	require.Equal(t, uint32(1234), producer.SSRC())
	require.True(t, router.CanConsume(producer.ID(), router.RtpCapabilities()))

	consumer, err := tr.Consume(ConsumerOptions{Producer: producer, Paused: true})
	require.NoError(t, err)
	require.True(t, consumer.Paused())
	consumer.Resume()
	require.False(t, consumer.Paused())

	// SSRC 0 means no keyframe target; not an error.
	require.NoError(t, tr.RequestKeyFrame(0))

	var producerClosed bool
	producer.OnClose(func() { producerClosed = true })
	tr.Close()
	require.True(t, producerClosed)
	require.True(t, consumer.Closed())
}

func TestSubscriberTransportCloseClosesConsumers(t *testing.T) {
	pool := newTestPool(t)
	router, err := pool.Worker(0).CreateRouter()
	require.NoError(t, err)
	defer router.Close()

	pubTr, err := router.CreateWebRtcTransport()
	require.NoError(t, err)
	producer, err := pubTr.Produce(ProducerOptions{
		Kind:          "audio",
		RtpParameters: json.RawMessage(`{"encodings":[{"ssrc":4321}]}`),
	})
	require.NoError(t, err)

	subTr, err := router.CreateWebRtcTransport()
	require.NoError(t, err)
	consumer, err := subTr.Consume(ConsumerOptions{Producer: producer, Paused: true})
	require.NoError(t, err)

	before := pool.Worker(0).Load()
	subTr.Close()

	// The consumer lives on the closed transport; its producer does not.
	require.True(t, consumer.Closed())
	require.False(t, producer.Closed())
	require.Equal(t, before-5, pool.Worker(0).Load())
}

func TestCanConsumeUnknownProducer(t *testing.T) {
	pool := newTestPool(t)
	router, err := pool.Worker(0).CreateRouter()
	require.NoError(t, err)
	defer router.Close()

	require.False(t, router.CanConsume("missing", router.RtpCapabilities()))
}

func TestPlainTransportComedia(t *testing.T) {
	pool := newTestPool(t)
	router, err := pool.Worker(0).CreateRouter()
	require.NoError(t, err)
	defer router.Close()

	tr, err := router.CreatePlainTransport(PlainTransportOptions{
		ListenIP: "127.0.0.1",
		Comedia:  true,
		RTCPMux:  true,
	})
	require.NoError(t, err)
	require.NotZero(t, tr.LocalPort())

	// Comedia accepts a connect with no remote tuple.
	require.NoError(t, tr.Connect("", 0))

	producer, err := tr.Produce(ProducerOptions{Kind: "audio"})
	require.NoError(t, err)

	var mu sync.Mutex
	var got []*rtp.Packet
	producer.AddSink("test", rtpSinkFunc(func(pkt *rtp.Packet) error {
		mu.Lock()
		got = append(got, pkt)
		mu.Unlock()
		return nil
	}))

	conn, err := net.Dial("udp4", fmt.Sprintf("127.0.0.1:%d", tr.LocalPort()))
	require.NoError(t, err)
	defer conn.Close()

	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 100, SequenceNumber: 7, SSRC: 555},
		Payload: []byte{1, 2, 3},
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := conn.Write(raw)
		require.NoError(t, err)
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 2*time.Second, 20*time.Millisecond)

	mu.Lock()
	require.Equal(t, uint32(555), got[0].SSRC)
	require.Equal(t, uint16(7), got[0].SequenceNumber)
	mu.Unlock()

	tr.Close()
	require.True(t, producer.Closed())
	tr.Close() // idempotent
}

func TestPlainTransportConnectRequiresRemote(t *testing.T) {
	pool := newTestPool(t)
	router, err := pool.Worker(0).CreateRouter()
	require.NoError(t, err)
	defer router.Close()

	tr, err := router.CreatePlainTransport(PlainTransportOptions{ListenIP: "127.0.0.1"})
	require.NoError(t, err)
	defer tr.Close()

	require.Error(t, tr.Connect("", 0))
	require.NoError(t, tr.Connect("127.0.0.1", 35000))
	require.ErrorIs(t, tr.Connect("127.0.0.1", 35000), ErrAlreadyConnected)
}

type rtpSinkFunc func(*rtp.Packet) error

func (f rtpSinkFunc) WriteRTP(pkt *rtp.Packet) error { return f(pkt) }
