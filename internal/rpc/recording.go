package rpc

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aura-webinar/sfu/pkg/response"
)

// StartRecording handles POST /rpc/StartRecording.
func (h *Handler) StartRecording(c *gin.Context) {
	if h.rec == nil {
		response.ServiceUnavailable(c, "recording not configured")
		return
	}
	var req roomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	recordingID, err := h.rec.Start(c.Request.Context(), req.RoomID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "recording_id": recordingID})
}

// StopRecording handles POST /rpc/StopRecording.
func (h *Handler) StopRecording(c *gin.Context) {
	if h.rec == nil {
		response.ServiceUnavailable(c, "recording not configured")
		return
	}
	var req roomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	objectKey, err := h.rec.Stop(c.Request.Context(), req.RoomID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "object_key": objectKey})
}
