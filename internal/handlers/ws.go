package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Legion808/klinika/internal/appointment"
	"github.com/Legion808/klinika/internal/consultation"
	"github.com/Legion808/klinika/internal/models"
	"github.com/Legion808/klinika/internal/realtime"
	"github.com/Legion808/klinika/internal/utils"
)

// WSOptions tunes the live channels.
type WSOptions struct {
	JWTSecret      string
	AuthTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
}

// WSHandler serves the queue and chat websocket channels. Both channels
// expect the access token as the first frame, either {"token": "..."} or
// the bare token text.
type WSHandler struct {
	registry      *realtime.Registry
	appointments  *appointment.Service
	consultations *consultation.Service
	opts          WSOptions
	upgrader      websocket.Upgrader
	log           zerolog.Logger
}

func NewWSHandler(registry *realtime.Registry, appointments *appointment.Service, consultations *consultation.Service, opts WSOptions, log zerolog.Logger) *WSHandler {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 10 * time.Second
	}
	h := &WSHandler{
		registry:      registry,
		appointments:  appointments,
		consultations: consultations,
		opts:          opts,
		log:           log.With().Str("component", "ws").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

type authFrame struct {
	Token string `json:"token"`
}

type chatFrame struct {
	Message string `json:"message" validate:"required,max=4000"`
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

// authenticate reads the first frame and validates the token in it. On
// failure the connection is closed with a policy violation.
func (h *WSHandler) authenticate(conn *websocket.Conn) (models.Identity, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(h.opts.AuthTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, "authentication required")
		return models.Identity{}, false
	}

	token := strings.TrimSpace(string(data))
	var frame authFrame
	if json.Unmarshal(data, &frame) == nil && frame.Token != "" {
		token = frame.Token
	}
	token = strings.TrimPrefix(token, "Bearer ")

	claims, err := utils.ValidateToken(token, h.opts.JWTSecret)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket authentication failed")
		closeWith(conn, websocket.ClosePolicyViolation, "invalid token")
		return models.Identity{}, false
	}
	_ = conn.SetReadDeadline(time.Time{})
	return claims.Identity(), true
}

// Queue serves GET /ws/queue: a push-only channel carrying appointment and
// consultation events for the caller's role-scoped key.
func (h *WSHandler) Queue(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	id, ok := h.authenticate(conn)
	if !ok {
		return
	}
	ctx := context.WithoutCancel(c.Request.Context())

	key := realtime.QueueKey(id)
	sess := h.registry.Connect(key, realtime.NewWSConn(conn, h.opts.WriteTimeout))
	defer h.registry.Release(sess)
	h.log.Info().Str("key", key).Msg("queue channel connected")

	if err := h.appointments.SendQueueSnapshot(ctx, id, key); err != nil {
		h.log.Warn().Err(err).Str("key", key).Msg("queue snapshot")
	}

	// Inbound frames carry nothing on this channel; reading keeps control
	// frames flowing and notices the peer going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.log.Info().Str("key", key).Msg("queue channel closed")
}

// Chat serves GET /ws/chat/:consultation_id for the consultation's patient
// and doctor. New connections first receive the stored history.
func (h *WSHandler) Chat(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	id, ok := h.authenticate(conn)
	if !ok {
		return
	}
	ctx := context.WithoutCancel(c.Request.Context())

	cons, _, err := h.consultations.Participant(ctx, c.Param("consultation_id"), id)
	if err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, err.Error())
		return
	}

	key := realtime.ChatKey(cons.ID, id.ID)
	var sess *realtime.Session
	err = h.consultations.ReplayHistory(ctx, cons.ID, key, func() {
		sess = h.registry.Connect(key, realtime.NewWSConn(conn, h.opts.WriteTimeout))
	})
	if sess == nil {
		h.log.Warn().Err(err).Str("key", key).Msg("attach chat session")
		closeWith(conn, websocket.CloseInternalServerErr, "try again")
		return
	}
	defer h.registry.Release(sess)
	if err != nil {
		h.log.Warn().Err(err).Str("key", key).Msg("replay chat history")
	}
	h.log.Info().Str("key", key).Msg("chat channel connected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		h.handleChatFrame(ctx, cons.ID, id, data)
	}
	h.log.Info().Str("key", key).Msg("chat channel closed")
}

// handleChatFrame processes one inbound line. Malformed frames are dropped
// and failures end only this frame's processing.
func (h *WSHandler) handleChatFrame(ctx context.Context, consultationID string, sender models.Identity, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Str("consultation_id", consultationID).Msg("chat frame panicked")
		}
	}()

	var frame chatFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.log.Debug().Str("consultation_id", consultationID).Msg("dropping malformed chat frame")
		return
	}
	if err := utils.Validate(frame); err != nil {
		h.log.Debug().Str("consultation_id", consultationID).Msg("dropping invalid chat frame")
		return
	}
	if _, err := h.consultations.AppendMessage(ctx, consultationID, sender, frame.Message); err != nil {
		h.log.Warn().Err(err).Str("consultation_id", consultationID).Str("sender_id", sender.ID).Msg("chat message rejected")
	}
}
