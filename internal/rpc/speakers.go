package rpc

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aura-webinar/sfu/pkg/response"
)

type speakingRequest struct {
	RoomID string `json:"room_id" binding:"required"`
	PeerID string `json:"peer_id" binding:"required"`
	Port   int    `json:"port"`
}

// HandleSpeaking handles POST /rpc/HandleSpeaking.
func (h *Handler) HandleSpeaking(c *gin.Context) {
	var req speakingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if err := h.core.MarkSpeaking(req.RoomID, req.PeerID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type stopSpeakingRequest struct {
	RoomID string `json:"room_id" binding:"required"`
	PeerID string `json:"peer_id" binding:"required"`
}

// HandleStopSpeaking handles POST /rpc/HandleStopSpeaking.
func (h *Handler) HandleStopSpeaking(c *gin.Context) {
	var req stopSpeakingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if err := h.core.MarkStopSpeaking(req.RoomID, req.PeerID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// GetActiveSpeakers handles POST /rpc/GetActiveSpeakers.
func (h *Handler) GetActiveSpeakers(c *gin.Context) {
	var req roomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	speakers := h.core.ActiveSpeakers(req.RoomID)
	if speakers == nil {
		speakers = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "speakers": speakers})
}
