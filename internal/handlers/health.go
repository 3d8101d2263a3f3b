package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger reports whether the database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SessionCounter reports how many live sessions are registered.
type SessionCounter interface {
	Len() int
}

type HealthHandler struct {
	db       Pinger
	sessions SessionCounter
}

func NewHealthHandler(db Pinger, sessions SessionCounter) *HealthHandler {
	return &HealthHandler{db: db, sessions: sessions}
}

// Health answers 200 when the database responds and 503 otherwise.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "DOWN", "database": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "UP", "sessions": h.sessions.Len()})
}
