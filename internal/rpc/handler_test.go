package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-webinar/sfu/internal/media"
	"github.com/aura-webinar/sfu/internal/sfu"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	pool, err := media.NewPool(media.PoolConfig{
		ListenIP:    "127.0.0.1",
		RTCBasePort: 22000,
		RTCPortSpan: 100,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	core := sfu.New(sfu.Config{AudioServiceHost: "127.0.0.1"}, pool, zap.NewNop(), nil, nil)
	h := NewHandler(core, nil, []string{"stun:stun.example.com:3478"}, zap.NewNop())
	r := gin.New()
	h.Routes(r)
	return r
}

func callRPC(t *testing.T, r *gin.Engine, op string, body gin.H) (int, map[string]interface{}) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/rpc/"+op, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return w.Code, out
}

// unwrapData decodes a nested payload that travels as a JSON string.
func unwrapData(t *testing.T, v interface{}) map[string]interface{} {
	t.Helper()
	s, ok := v.(string)
	require.True(t, ok, "expected string-encoded payload, got %T", v)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(s), &out))
	return out
}

func TestHealth(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Equal(t, true, out["success"])
}

func TestCreateMediaRoomRPC(t *testing.T) {
	r := newTestRouter(t)

	code, out := callRPC(t, r, "CreateMediaRoom", gin.H{"room_id": "room-a"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "success", out["status"])

	data := unwrapData(t, out["data"])
	router, ok := data["router"].(map[string]interface{})
	require.True(t, ok)
	require.NotEmpty(t, router["id"])
	require.Equal(t, false, router["closed"])

	// Same room id resolves to the same router.
	_, out2 := callRPC(t, r, "CreateMediaRoom", gin.H{"room_id": "room-a"})
	data2 := unwrapData(t, out2["data"])
	require.Equal(t, router["id"], data2["router"].(map[string]interface{})["id"])

	code, _ = callRPC(t, r, "CreateMediaRoom", gin.H{})
	require.Equal(t, http.StatusBadRequest, code)
}

func TestGetMediaRouterRPC(t *testing.T) {
	r := newTestRouter(t)

	code, out := callRPC(t, r, "GetMediaRouter", gin.H{"room_id": "room-a"})
	require.Equal(t, http.StatusOK, code)
	caps := unwrapData(t, out["router_data"])
	require.NotEmpty(t, caps["codecs"])
}

func TestTransportLifecycleRPC(t *testing.T) {
	r := newTestRouter(t)

	_, out := callRPC(t, r, "CreateTransport", gin.H{"room_id": "room-a"})
	data := unwrapData(t, out["transport_data"])
	transport, ok := data["transport"].(map[string]interface{})
	require.True(t, ok)
	transportID := transport["id"].(string)
	require.NotEmpty(t, transportID)
	require.NotEmpty(t, transport["iceParameters"])
	require.NotEmpty(t, transport["iceCandidates"])
	require.Equal(t, []interface{}{"stun:stun.example.com:3478"}, transport["iceServers"])

	dtls := gin.H{"role": "client", "fingerprints": []gin.H{{"algorithm": "sha-256", "value": "aa:bb"}}}
	code, out := callRPC(t, r, "ConnectTransport", gin.H{
		"transport_id":    transportID,
		"dtls_parameters": dtls,
	})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, out["success"])

	// Reconnect is a non-fatal no-op.
	code, out = callRPC(t, r, "ConnectTransport", gin.H{
		"transport_id":    transportID,
		"dtls_parameters": dtls,
	})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, out["success"])
	require.Equal(t, "already connected", out["message"])

	code, _ = callRPC(t, r, "ConnectTransport", gin.H{"transport_id": "missing"})
	require.Equal(t, http.StatusNotFound, code)
}

func TestProduceConsumeRPC(t *testing.T) {
	r := newTestRouter(t)

	_, out := callRPC(t, r, "CreateTransport", gin.H{"room_id": "room-a"})
	pubTransport := unwrapData(t, out["transport_data"])["transport"].(map[string]interface{})["id"].(string)

	// Nested payloads may arrive JSON-string-encoded; exercise that path.
	rtpParams := `{"codecs":[{"mimeType":"audio/opus","payloadType":111,"clockRate":48000,"channels":2}],"encodings":[{"ssrc":9001}]}`
	code, out := callRPC(t, r, "CreateProducer", gin.H{
		"room_id":          "room-a",
		"transport_id":     pubTransport,
		"kind":             "audio",
		"rtp_parameters":   rtpParams,
		"participant_data": gin.H{"peerId": "P1"},
	})
	require.Equal(t, http.StatusOK, code)
	producerData := unwrapData(t, out["producer_data"])
	streamID, _ := producerData["streamId"].(string)
	require.Regexp(t, `^P1_audio_\d+_[a-z0-9]{5}$`, streamID)
	require.Equal(t, true, producerData["isPriority"])
	require.NotEmpty(t, producerData["producer_id"])

	_, out = callRPC(t, r, "CreateTransport", gin.H{"room_id": "room-a"})
	subTransport := unwrapData(t, out["transport_data"])["transport"].(map[string]interface{})["id"].(string)

	code, out = callRPC(t, r, "CreateConsumer", gin.H{
		"room_id":          "room-a",
		"stream_id":        streamID,
		"transport_id":     subTransport,
		"participant_data": gin.H{"peerId": "P2"},
	})
	require.Equal(t, http.StatusOK, code)
	consumerData := unwrapData(t, out["consumer_data"])
	consumerID, _ := consumerData["consumerId"].(string)
	require.NotEmpty(t, consumerID)
	require.Equal(t, true, consumerData["paused"])

	code, out = callRPC(t, r, "ResumeConsumer", gin.H{
		"room_id":     "room-a",
		"consumer_id": consumerID,
	})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "success", out["status"])

	_, out = callRPC(t, r, "GetStreams", gin.H{"room_id": "room-a"})
	streams, ok := out["streams"].([]interface{})
	require.True(t, ok)
	require.Len(t, streams, 1)

	code, _ = callRPC(t, r, "UnpublishStream", gin.H{
		"room_id":   "room-a",
		"stream_id": streamID,
	})
	require.Equal(t, http.StatusOK, code)

	code, _ = callRPC(t, r, "CreateConsumer", gin.H{
		"room_id":      "room-a",
		"stream_id":    streamID,
		"transport_id": subTransport,
	})
	require.Equal(t, http.StatusNotFound, code)
}

func TestConsumeUsesParticipantCapabilities(t *testing.T) {
	r := newTestRouter(t)

	_, out := callRPC(t, r, "CreateTransport", gin.H{"room_id": "room-a"})
	pubTransport := unwrapData(t, out["transport_data"])["transport"].(map[string]interface{})["id"].(string)
	_, out = callRPC(t, r, "CreateProducer", gin.H{
		"room_id":          "room-a",
		"transport_id":     pubTransport,
		"kind":             "audio",
		"rtp_parameters":   `{"codecs":[{"mimeType":"audio/opus","payloadType":111,"clockRate":48000}],"encodings":[{"ssrc":9050}]}`,
		"participant_data": gin.H{"peerId": "P1"},
	})
	streamID := unwrapData(t, out["producer_data"])["streamId"].(string)

	_, out = callRPC(t, r, "CreateTransport", gin.H{"room_id": "room-a"})
	subTransport := unwrapData(t, out["transport_data"])["transport"].(map[string]interface{})["id"].(string)

	// No top-level rtp_capabilities: the participant's video-only caps
	// apply and cannot receive an audio stream. Were they ignored, the
	// router's own capabilities would admit the consume.
	code, _ := callRPC(t, r, "CreateConsumer", gin.H{
		"room_id":      "room-a",
		"stream_id":    streamID,
		"transport_id": subTransport,
		"participant_data": gin.H{
			"peerId":          "P2",
			"rtpCapabilities": gin.H{"codecs": []gin.H{{"kind": "video", "mimeType": "video/VP8", "clockRate": 90000}}},
		},
	})
	require.Equal(t, http.StatusInternalServerError, code)
}

func TestPriorityDenialRPC(t *testing.T) {
	r := newTestRouter(t)

	var lastStream string
	for i := 1; i <= 11; i++ {
		_, out := callRPC(t, r, "CreateTransport", gin.H{"room_id": "room-a"})
		trID := unwrapData(t, out["transport_data"])["transport"].(map[string]interface{})["id"].(string)
		params := fmt.Sprintf(`{"codecs":[{"mimeType":"audio/opus","payloadType":111,"clockRate":48000}],"encodings":[{"ssrc":%d}]}`, 9100+i)
		_, out = callRPC(t, r, "CreateProducer", gin.H{
			"room_id":          "room-a",
			"transport_id":     trID,
			"kind":             "audio",
			"rtp_parameters":   params,
			"participant_data": gin.H{"peerId": fmt.Sprintf("P%02d", i)},
		})
		lastStream = unwrapData(t, out["producer_data"])["streamId"].(string)
	}

	_, out := callRPC(t, r, "CreateTransport", gin.H{"room_id": "room-a"})
	viewer := unwrapData(t, out["transport_data"])["transport"].(map[string]interface{})["id"].(string)

	code, out := callRPC(t, r, "CreateConsumer", gin.H{
		"room_id":          "room-a",
		"stream_id":        lastStream,
		"transport_id":     viewer,
		"participant_data": gin.H{"peerId": "P01"},
	})
	require.Equal(t, http.StatusOK, code)
	data := unwrapData(t, out["consumer_data"])
	require.Nil(t, data["consumerId"])
	require.Equal(t, "Stream not in priority list", data["message"])
}

func TestSpeakingRPC(t *testing.T) {
	r := newTestRouter(t)

	code, _ := callRPC(t, r, "HandleSpeaking", gin.H{"room_id": "room-a"})
	require.Equal(t, http.StatusBadRequest, code)

	code, out := callRPC(t, r, "HandleSpeaking", gin.H{"room_id": "room-a", "peer_id": "P1", "port": 40001})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, out["success"])

	_, out = callRPC(t, r, "GetActiveSpeakers", gin.H{"room_id": "room-a"})
	require.Equal(t, []interface{}{"P1"}, out["speakers"])

	code, _ = callRPC(t, r, "HandleStopSpeaking", gin.H{"room_id": "room-a", "peer_id": "P1"})
	require.Equal(t, http.StatusOK, code)

	_, out = callRPC(t, r, "GetActiveSpeakers", gin.H{"room_id": "room-a"})
	require.Empty(t, out["speakers"])
}

func TestDestroyTranslationCabinNotFound(t *testing.T) {
	r := newTestRouter(t)

	code, out := callRPC(t, r, "DestroyTranslationCabin", gin.H{
		"room_id":         "room-a",
		"source_user_id":  "S1",
		"target_user_id":  "T1",
		"source_language": "en",
		"target_language": "fr",
	})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, out["success"])
	require.Equal(t, "not found", out["message"])
}

func TestListTranslationCabinEmpty(t *testing.T) {
	r := newTestRouter(t)

	code, out := callRPC(t, r, "ListTranslationCabin", gin.H{"room_id": "room-a", "user_id": "P1"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, []interface{}{}, out["cabins"])
}

func TestRecordingUnconfigured(t *testing.T) {
	r := newTestRouter(t)

	code, _ := callRPC(t, r, "StartRecording", gin.H{"room_id": "room-a"})
	require.Equal(t, http.StatusServiceUnavailable, code)
	code, _ = callRPC(t, r, "StopRecording", gin.H{"room_id": "room-a"})
	require.Equal(t, http.StatusServiceUnavailable, code)
}
