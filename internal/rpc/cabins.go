package rpc

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aura-webinar/sfu/internal/sfu"
	"github.com/aura-webinar/sfu/pkg/response"
)

type allocatePortRequest struct {
	RoomID         string `json:"room_id" binding:"required"`
	SourceUserID   string `json:"source_user_id" binding:"required"`
	TargetUserID   string `json:"target_user_id" binding:"required"`
	SourceLanguage string `json:"source_language" binding:"required"`
	TargetLanguage string `json:"target_language" binding:"required"`
	AudioPort      int    `json:"audio_port"`
	SendPort       int    `json:"send_port"`
	SSRC           uint32 `json:"ssrc"`
}

// AllocatePort handles POST /rpc/AllocatePort, the translation cabin
// create. A repeated call for a live cabin only joins the listener set.
func (h *Handler) AllocatePort(c *gin.Context) {
	var req allocatePortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	res, err := h.core.CreateCabin(sfu.CabinOptions{
		RoomID:         req.RoomID,
		SourceUserID:   req.SourceUserID,
		TargetUserID:   req.TargetUserID,
		SourceLanguage: req.SourceLanguage,
		TargetLanguage: req.TargetLanguage,
		AudioPort:      req.AudioPort,
		SendPort:       req.SendPort,
		SSRC:           req.SSRC,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	body := gin.H{
		"success":         true,
		"stream_id":       res.StreamID,
		"sfu_listen_port": res.SfuListenPort,
		"consumer_ssrc":   res.ConsumerSSRC,
	}
	if res.Reused {
		body["message"] = "cabin reused"
	}
	c.JSON(http.StatusOK, body)
}

type cabinKeyRequest struct {
	RoomID         string `json:"room_id" binding:"required"`
	SourceUserID   string `json:"source_user_id" binding:"required"`
	TargetUserID   string `json:"target_user_id" binding:"required"`
	SourceLanguage string `json:"source_language" binding:"required"`
	TargetLanguage string `json:"target_language" binding:"required"`
}

// DestroyTranslationCabin handles POST /rpc/DestroyTranslationCabin. The
// sentinel message signals final teardown to the gateway; "still in use"
// means only the listener count dropped. An unknown cabin is a non-fatal
// success=false result.
func (h *Handler) DestroyTranslationCabin(c *gin.Context) {
	var req cabinKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	message, _, err := h.core.DestroyCabin(req.RoomID, req.SourceUserID, req.TargetUserID, req.SourceLanguage, req.TargetLanguage)
	if errors.Is(err, sfu.ErrCabinNotFound) {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "not found"})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": message})
}

type listCabinsRequest struct {
	RoomID string `json:"room_id" binding:"required"`
	UserID string `json:"user_id" binding:"required"`
}

// ListTranslationCabin handles POST /rpc/ListTranslationCabin.
func (h *Handler) ListTranslationCabin(c *gin.Context) {
	var req listCabinsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	cabins := h.core.ListCabins(req.RoomID, req.UserID)
	if cabins == nil {
		cabins = []sfu.CabinInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "cabins": cabins})
}
