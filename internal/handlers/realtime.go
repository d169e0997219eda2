package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/imrelay/internal/realtime"
	apperrors "github.com/charlesng35/imrelay/pkg/errors"
	"github.com/charlesng35/imrelay/pkg/response"
)

// RealtimeHandler upgrades requests into websocket event streams.
type RealtimeHandler struct {
	hub *realtime.Hub
}

func NewRealtimeHandler(hub *realtime.Hub) *RealtimeHandler {
	return &RealtimeHandler{hub: hub}
}

// Stream subscribes the caller to one user's events.
//
// GET /ws?user_id=u1&streams=relay.events,relay.transfers
// GET /ws/:stream?user_id=u1
func (h *RealtimeHandler) Stream(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("user_id"))
	if userID == "" {
		response.Error(c, apperrors.NewBadRequest("user_id is required"))
		return
	}

	streams := gatherStreams(c)
	if len(streams) == 0 {
		streams = []string{realtime.StreamEvents}
	}
	for _, s := range streams {
		if !h.hub.Allowed(s) {
			response.Error(c, apperrors.New(apperrors.ErrNotFound.Code, "unknown stream "+s, http.StatusNotFound))
			return
		}
	}
	h.hub.Serve(userID, streams, c.Writer, c.Request)
}

func gatherStreams(c *gin.Context) []string {
	var streams []string
	if s := strings.TrimSpace(c.Param("stream")); s != "" {
		streams = append(streams, s)
	}
	streams = append(streams, c.QueryArray("stream")...)
	if raw := c.Query("streams"); raw != "" {
		streams = append(streams, strings.Split(raw, ",")...)
	}

	seen := make(map[string]struct{}, len(streams))
	var out []string
	for _, s := range streams {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
