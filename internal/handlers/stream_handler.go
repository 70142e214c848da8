package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatguard/chatguard/internal/middleware"
	"github.com/chatguard/chatguard/internal/security"
	"github.com/chatguard/chatguard/pkg/logger"
)

const (
	// maxFrameSize bounds one inbound frame. Validated content is capped far
	// below this by the validator's length limit.
	maxFrameSize = 64 << 10

	writeWait = 10 * time.Second

	// Replies for frames that never reach validation.
	reasonInvalidFrame  = "invalid message frame"
	reasonInvalidFormat = "Message does not match its declared type"
)

// StreamMessage is one inbound chat frame.
type StreamMessage struct {
	UserID  string `json:"userId"`
	Content string `json:"content"`
	Type    string `json:"type"`
}

// StreamReply answers one inbound frame.
type StreamReply struct {
	Allowed bool                       `json:"allowed"`
	Reason  string                     `json:"reason,omitempty"`
	Result  *security.ValidationResult `json:"result,omitempty"`
	Format  *bool                      `json:"format,omitempty"`
}

// StreamHandler validates chat messages sent over a WebSocket. Frames are
// answered in order, one reply per frame.
type StreamHandler struct {
	validator    *security.MessageValidator
	userIDHeader string
	upgrader     websocket.Upgrader
	log          *logger.Logger
}

// NewStreamHandler creates a StreamHandler. When the upgrade request names a
// user in userIDHeader every frame is charged to that user and the frame's
// userId is ignored. Otherwise frames are charged to their userId, and frames
// without one to the client address.
func NewStreamHandler(v *security.MessageValidator, userIDHeader string, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		validator:    v,
		userIDHeader: userIDHeader,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		log: log.With("component", "stream"),
	}
}

// ServeHTTP upgrades the connection and serves frames until the peer closes.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameSize)
	// The server's read timeout still applies to the hijacked connection.
	_ = conn.SetReadDeadline(time.Time{})

	identity := streamIdentity{user: headerUser(r, h.userIDHeader)}
	if identity.user == "" {
		identity.fallback = "ip:" + middleware.GetClientIP(r.Context())
	}

	log := h.log.With("request_id", middleware.GetRequestID(r.Context()))
	log.Debug("websocket connected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("websocket read failed", "error", err)
			}
			return
		}

		reply := h.handleFrame(data, identity)

		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(reply); err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) {
				log.Warn("websocket write failed", "error", err)
			}
			return
		}
	}
}

// streamIdentity decides who a frame is charged to. A non-empty user pins
// the whole connection.
type streamIdentity struct {
	user     string
	fallback string
}

func (id streamIdentity) resolve(frameUser string) string {
	switch {
	case id.user != "":
		return id.user
	case frameUser != "":
		return frameUser
	default:
		return id.fallback
	}
}

func (h *StreamHandler) handleFrame(data []byte, identity streamIdentity) StreamReply {
	var msg StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return StreamReply{Reason: reasonInvalidFrame}
	}

	userID := identity.resolve(msg.UserID)

	t, err := security.ParseMessageType(msg.Type)
	formatOK := err == nil && h.validator.ValidateFormat(msg.Content, t)

	result := h.validator.Validate(msg.Content, userID)
	recordValidation(result)

	reply := StreamReply{
		Allowed: result.IsValid && formatOK,
		Result:  result,
		Format:  &formatOK,
	}
	switch {
	case len(result.Errors) > 0:
		reply.Reason = result.Errors[0]
	case !formatOK:
		reply.Reason = reasonInvalidFormat
	}
	return reply
}
