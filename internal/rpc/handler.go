package rpc

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-webinar/sfu/internal/media"
	"github.com/aura-webinar/sfu/internal/sfu"
	"github.com/aura-webinar/sfu/pkg/response"
)

// Recorder starts and stops room recording sessions. Optional; a nil
// recorder turns the recording RPCs into 503s.
type Recorder interface {
	Start(ctx context.Context, roomID string) (recordingID string, err error)
	Stop(ctx context.Context, roomID string) (objectKey string, err error)
}

// Handler exposes the SFU core over HTTP request/response RPCs. Field
// names in snake_case are the contract; the gateway converts to
// camelCase on its side.
type Handler struct {
	core       *sfu.Core
	rec        Recorder
	iceServers []string
	log        *zap.Logger
}

// NewHandler creates the RPC handler. iceServers is the STUN/TURN list
// forwarded to clients in transport data; empty disables it.
func NewHandler(core *sfu.Core, rec Recorder, iceServers []string, log *zap.Logger) *Handler {
	return &Handler{core: core, rec: rec, iceServers: iceServers, log: log}
}

// Routes registers every RPC under /rpc plus the health probe.
func (h *Handler) Routes(r *gin.Engine) {
	r.GET("/health", h.Health)

	g := r.Group("/rpc")
	g.POST("/CreateMediaRoom", h.CreateMediaRoom)
	g.POST("/GetMediaRouter", h.GetMediaRouter)
	g.POST("/CloseMediaRoom", h.CloseMediaRoom)
	g.POST("/CreateTransport", h.CreateTransport)
	g.POST("/ConnectTransport", h.ConnectTransport)
	g.POST("/CreateProducer", h.CreateProducer)
	g.POST("/CreateConsumer", h.CreateConsumer)
	g.POST("/ResumeConsumer", h.ResumeConsumer)
	g.POST("/GetStreams", h.GetStreams)
	g.POST("/UpdateStream", h.UpdateStream)
	g.POST("/UnpublishStream", h.UnpublishStream)
	g.POST("/RemoveParticipantMedia", h.RemoveParticipantMedia)
	g.POST("/PinUser", h.PinUser)
	g.POST("/UnpinUser", h.UnpinUser)
	g.POST("/HandleSpeaking", h.HandleSpeaking)
	g.POST("/HandleStopSpeaking", h.HandleStopSpeaking)
	g.POST("/GetActiveSpeakers", h.GetActiveSpeakers)
	g.POST("/AllocatePort", h.AllocatePort)
	g.POST("/DestroyTranslationCabin", h.DestroyTranslationCabin)
	g.POST("/ListTranslationCabin", h.ListTranslationCabin)
	g.POST("/StartRecording", h.StartRecording)
	g.POST("/StopRecording", h.StopRecording)
}

// Health reports liveness plus a couple of capacity gauges.
func (h *Handler) Health(c *gin.Context) {
	response.OK(c, gin.H{
		"status":  "ok",
		"rooms":   h.core.RoomCount(),
		"workers": h.core.WorkerCount(),
	})
}

// writeError maps core error kinds onto the wire. Not-found kinds are
// 404, argument kinds 400, everything else 500.
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, sfu.ErrRoomNotFound),
		errors.Is(err, sfu.ErrTransportNotFound),
		errors.Is(err, sfu.ErrStreamNotFound),
		errors.Is(err, sfu.ErrConsumerNotFound),
		errors.Is(err, sfu.ErrCabinNotFound),
		errors.Is(err, sfu.ErrNoAudioProducer):
		response.NotFound(c, err.Error())
	case errors.Is(err, sfu.ErrInvalidArgument):
		response.BadRequest(c, err.Error())
	case errors.Is(err, media.ErrWorkerClosed),
		errors.Is(err, media.ErrRouterClosed),
		errors.Is(err, media.ErrTransportClosed):
		response.ServiceUnavailable(c, err.Error())
	default:
		h.log.Error("rpc failed", zap.String("path", c.FullPath()), zap.Error(err))
		response.Internal(c, err.Error())
	}
}

// jsonPayload normalises an embedded payload that may arrive either as a
// JSON object or as a JSON-encoded string (the gateway serialises nested
// structures both ways).
func jsonPayload(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if s == "" || s == "null" {
				return nil
			}
			return json.RawMessage(s)
		}
	}
	return raw
}

// objectPayload decodes a (possibly string-wrapped) payload into a map.
func objectPayload(raw json.RawMessage) map[string]interface{} {
	raw = jsonPayload(raw)
	if raw == nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// jsonString marshals a nested result for fields the contract carries as
// JSON strings.
func jsonString(v interface{}) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}
