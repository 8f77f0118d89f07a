package rpc

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aura-webinar/sfu/internal/media"
	"github.com/aura-webinar/sfu/internal/sfu"
	"github.com/aura-webinar/sfu/pkg/response"
)

type roomRequest struct {
	RoomID string `json:"room_id" binding:"required"`
}

// CreateMediaRoom handles POST /rpc/CreateMediaRoom.
func (h *Handler) CreateMediaRoom(c *gin.Context) {
	var req roomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	router, err := h.core.CreateMediaRoom(req.RoomID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"data": jsonString(gin.H{
			"router": gin.H{
				"id":              router.ID(),
				"closed":          router.Closed(),
				"rtpCapabilities": router.RtpCapabilities(),
			},
		}),
	})
}

// GetMediaRouter handles POST /rpc/GetMediaRouter.
func (h *Handler) GetMediaRouter(c *gin.Context) {
	var req roomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	router, err := h.core.GetMediaRouter(req.RoomID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "success",
		"router_data": jsonString(router.RtpCapabilities()),
	})
}

// CloseMediaRoom handles POST /rpc/CloseMediaRoom.
func (h *Handler) CloseMediaRoom(c *gin.Context) {
	var req roomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if err := h.core.CloseMediaRoom(req.RoomID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "room closed"})
}

// CreateTransport handles POST /rpc/CreateTransport.
func (h *Handler) CreateTransport(c *gin.Context) {
	var req roomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	t, err := h.core.CreateWebRtcTransport(req.RoomID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	transport := gin.H{
		"id":             t.ID(),
		"iceParameters":  t.ICEParameters(),
		"iceCandidates":  t.ICECandidates(),
		"dtlsParameters": t.DTLSParameters(),
		"sctpParameters": t.SCTPParameters(),
	}
	if len(h.iceServers) > 0 {
		transport["iceServers"] = h.iceServers
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         "success",
		"transport_data": jsonString(gin.H{"transport": transport}),
	})
}

type connectTransportRequest struct {
	TransportID     string          `json:"transport_id" binding:"required"`
	DtlsParameters  json.RawMessage `json:"dtls_parameters"`
	ParticipantData json.RawMessage `json:"participant_data"`
}

// ConnectTransport handles POST /rpc/ConnectTransport. A second connect
// for the same transport is a non-fatal no-op.
func (h *Handler) ConnectTransport(c *gin.Context) {
	var req connectTransportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	var dtls media.DTLSParameters
	if raw := jsonPayload(req.DtlsParameters); raw != nil {
		if err := json.Unmarshal(raw, &dtls); err != nil {
			response.BadRequest(c, "invalid dtls_parameters: "+err.Error())
			return
		}
	}
	err := h.core.ConnectTransport(req.TransportID, dtls)
	if errors.Is(err, media.ErrAlreadyConnected) {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "already connected"})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   "transport connected",
		"transport": req.TransportID,
	})
}

type createProducerRequest struct {
	RoomID          string          `json:"room_id" binding:"required"`
	TransportID     string          `json:"transport_id" binding:"required"`
	Kind            string          `json:"kind" binding:"required"`
	RtpParameters   json.RawMessage `json:"rtp_parameters"`
	Metadata        json.RawMessage `json:"metadata"`
	ParticipantData json.RawMessage `json:"participant_data"`
}

// CreateProducer handles POST /rpc/CreateProducer.
func (h *Handler) CreateProducer(c *gin.Context) {
	var req createProducerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	participant := sfu.ParseParticipant(jsonPayload(req.ParticipantData))
	res, err := h.core.Produce(sfu.ProduceOptions{
		RoomID:        req.RoomID,
		TransportID:   req.TransportID,
		Kind:          req.Kind,
		RtpParameters: jsonPayload(req.RtpParameters),
		Metadata:      objectPayload(req.Metadata),
		PeerID:        participant.PeerID,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"producer_data": jsonString(gin.H{
			"producer_id": res.ProducerID,
			"producer": gin.H{
				"id":            res.ProducerID,
				"kind":          req.Kind,
				"rtpParameters": jsonPayload(req.RtpParameters),
				"type":          "simple",
				"paused":        false,
			},
			"streamId":     res.StreamID,
			"isPriority":   res.IsPriority,
			"totalStreams": res.TotalStreams,
		}),
	})
}

type createConsumerRequest struct {
	RoomID          string          `json:"room_id" binding:"required"`
	StreamID        string          `json:"stream_id" binding:"required"`
	TransportID     string          `json:"transport_id" binding:"required"`
	RtpCapabilities json.RawMessage `json:"rtp_capabilities"`
	ParticipantData json.RawMessage `json:"participant_data"`
}

// CreateConsumer handles POST /rpc/CreateConsumer. A priority denial is a
// successful response with a null consumerId.
func (h *Handler) CreateConsumer(c *gin.Context) {
	var req createConsumerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	participant := sfu.ParseParticipant(jsonPayload(req.ParticipantData))
	caps := jsonPayload(req.RtpCapabilities)
	if caps == nil {
		// Fall back to the capabilities the gateway attached to the
		// participant; the core falls back to router caps after that.
		caps = participant.RtpCapabilities
	}
	res, err := h.core.Consume(sfu.ConsumeOptions{
		RoomID:          req.RoomID,
		StreamID:        req.StreamID,
		TransportID:     req.TransportID,
		RtpCapabilities: caps,
		PeerID:          participant.PeerID,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        "success",
		"consumer_data": jsonString(consumerData(res)),
	})
}

func consumerData(res *sfu.ConsumeResult) gin.H {
	data := gin.H{
		"streamId":   res.StreamID,
		"producerId": res.ProducerID,
	}
	if !res.Admitted {
		data["consumerId"] = nil
		data["message"] = res.Message
		return data
	}
	data["consumerId"] = res.ConsumerID
	data["kind"] = res.Kind
	data["rtpParameters"] = res.RtpParameters
	data["paused"] = res.Paused
	return data
}

type resumeConsumerRequest struct {
	RoomID        string `json:"room_id" binding:"required"`
	ConsumerID    string `json:"consumer_id" binding:"required"`
	ParticipantID string `json:"participant_id"`
}

// ResumeConsumer handles POST /rpc/ResumeConsumer.
func (h *Handler) ResumeConsumer(c *gin.Context) {
	var req resumeConsumerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if err := h.core.ResumeConsumer(req.RoomID, req.ConsumerID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "consumer resumed"})
}

// GetStreams handles POST /rpc/GetStreams.
func (h *Handler) GetStreams(c *gin.Context) {
	var req roomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"streams": h.core.GetStreams(req.RoomID),
	})
}

type updateStreamRequest struct {
	StreamID      string          `json:"stream_id" binding:"required"`
	ParticipantID string          `json:"participant_id"`
	Metadata      json.RawMessage `json:"metadata"`
	RoomID        string          `json:"room_id"`
}

// UpdateStream handles POST /rpc/UpdateStream.
func (h *Handler) UpdateStream(c *gin.Context) {
	var req updateStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if err := h.core.UpdateStreamMetadata(req.RoomID, req.StreamID, objectPayload(req.Metadata)); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "stream updated"})
}

type unpublishStreamRequest struct {
	RoomID        string `json:"room_id" binding:"required"`
	StreamID      string `json:"stream_id" binding:"required"`
	ParticipantID string `json:"participant_id"`
}

// UnpublishStream handles POST /rpc/UnpublishStream.
func (h *Handler) UnpublishStream(c *gin.Context) {
	var req unpublishStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if err := h.core.UnpublishStream(req.RoomID, req.StreamID, req.ParticipantID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "stream unpublished"})
}

type removeParticipantRequest struct {
	RoomID        string `json:"room_id" binding:"required"`
	ParticipantID string `json:"participant_id" binding:"required"`
}

// RemoveParticipantMedia handles POST /rpc/RemoveParticipantMedia.
func (h *Handler) RemoveParticipantMedia(c *gin.Context) {
	var req removeParticipantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	removed, err := h.core.RemoveParticipantMedia(req.RoomID, req.ParticipantID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if removed == nil {
		removed = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "removed_streams": removed})
}

type pinUserRequest struct {
	RoomID          string          `json:"room_id" binding:"required"`
	PinnerPeerID    string          `json:"pinner_peer_id"`
	PinnedPeerID    string          `json:"pinned_peer_id" binding:"required"`
	TransportID     string          `json:"transport_id" binding:"required"`
	RtpCapabilities json.RawMessage `json:"rtp_capabilities"`
}

// PinUser handles POST /rpc/PinUser.
func (h *Handler) PinUser(c *gin.Context) {
	var req pinUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	res, err := h.core.PinUser(req.RoomID, req.PinnerPeerID, req.PinnedPeerID, req.TransportID, jsonPayload(req.RtpCapabilities))
	if err != nil {
		h.writeError(c, err)
		return
	}
	created := make([]gin.H, 0, len(res.ConsumersCreated))
	for i := range res.ConsumersCreated {
		created = append(created, consumerData(&res.ConsumersCreated[i]))
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"pin_data": jsonString(gin.H{
			"success":          res.Success,
			"message":          res.Message,
			"alreadyPriority":  res.AlreadyPriority,
			"consumersCreated": created,
		}),
	})
}

type unpinUserRequest struct {
	RoomID         string `json:"room_id" binding:"required"`
	UnpinnerPeerID string `json:"unpinner_peer_id"`
	UnpinnedPeerID string `json:"unpinned_peer_id" binding:"required"`
}

// UnpinUser handles POST /rpc/UnpinUser.
func (h *Handler) UnpinUser(c *gin.Context) {
	var req unpinUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	res, err := h.core.UnpinUser(req.RoomID, req.UnpinnerPeerID, req.UnpinnedPeerID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	removed := res.ConsumersRemoved
	if removed == nil {
		removed = []string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"unpin_data": jsonString(gin.H{
			"success":          res.Success,
			"message":          res.Message,
			"stillInPriority":  res.StillInPriority,
			"consumersRemoved": removed,
		}),
	})
}
