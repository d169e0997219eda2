package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/imrelay/internal/protocol"
	"github.com/charlesng35/imrelay/internal/relay"
	apperrors "github.com/charlesng35/imrelay/pkg/errors"
	"github.com/charlesng35/imrelay/pkg/response"
)

// RelayView reads the relay routing state.
type RelayView interface {
	Snapshot(ctx context.Context) (relay.Snapshot, error)
}

// Requester submits protocol requests and waits for their response.
type Requester interface {
	Request(ctx context.Context, userID string, t protocol.MsgType, payload json.RawMessage) (protocol.Message, error)
}

// RelayHandler exposes the relay to HTTP consumers.
type RelayHandler struct {
	relay     RelayView
	requester Requester
}

func NewRelayHandler(view RelayView, requester Requester) *RelayHandler {
	return &RelayHandler{relay: view, requester: requester}
}

// Snapshot returns the full routing state.
//
// GET /api/v1/relay
func (h *RelayHandler) Snapshot(c *gin.Context) {
	snap, err := h.relay.Snapshot(c.Request.Context())
	if err != nil {
		response.Error(c, relayError(err))
		return
	}
	response.Success(c, http.StatusOK, snap)
}

// ListUsers returns known users, optionally filtered by login state.
//
// GET /api/v1/users?state=login_finished
func (h *RelayHandler) ListUsers(c *gin.Context) {
	snap, err := h.relay.Snapshot(c.Request.Context())
	if err != nil {
		response.Error(c, relayError(err))
		return
	}
	state := strings.TrimSpace(c.Query("state"))
	users := make([]relay.OnlineUser, 0, len(snap.Users))
	for _, u := range snap.Users {
		if state == "" || u.LoginState == state {
			users = append(users, u)
		}
	}
	response.List(c, users)
}

// GetUser returns one user by relay user id.
//
// GET /api/v1/users/:id
func (h *RelayHandler) GetUser(c *gin.Context) {
	snap, err := h.relay.Snapshot(c.Request.Context())
	if err != nil {
		response.Error(c, relayError(err))
		return
	}
	id := c.Param("id")
	for _, u := range snap.Users {
		if u.UserID == id {
			response.Success(c, http.StatusOK, u)
			return
		}
	}
	response.Error(c, apperrors.ErrNotFound)
}

type submitRequest struct {
	UserID  string          `json:"user_id" validate:"max=128"`
	Type    string          `json:"type" validate:"required,max=64"`
	Payload json.RawMessage `json:"payload"`
}

type submitResponse struct {
	Type    string           `json:"type"`
	MsgID   string           `json:"msg_id"`
	Message protocol.Message `json:"message"`
}

// Submit sends a protocol request through the relay and answers with the
// response that echoes its msg id.
//
// POST /api/v1/requests
func (h *RelayHandler) Submit(c *gin.Context) {
	var req submitRequest
	if !bindAndValidate(c, &req) {
		return
	}
	t, ok := protocol.ParseType(strings.TrimSpace(req.Type))
	if !ok {
		response.Error(c, apperrors.ErrUnknownMessage)
		return
	}

	rsp, err := h.requester.Request(c.Request.Context(), strings.TrimSpace(req.UserID), t, req.Payload)
	if err != nil {
		_ = c.Error(err)
		response.Error(c, relayError(err))
		return
	}
	response.Success(c, http.StatusOK, submitResponse{
		Type:    rsp.Type().String(),
		MsgID:   rsp.ID(),
		Message: rsp,
	})
}
