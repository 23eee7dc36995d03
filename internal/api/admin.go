package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/airfi/airfi-mpesa-gateway/internal/session"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SessionResponse is the admin view of a session.
type SessionResponse struct {
	ID            string `json:"id"`
	Phone         string `json:"phone"`
	Amount        int64  `json:"amount"`
	Status        string `json:"status"`
	Receipt       string `json:"receipt,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	IPAddress     string `json:"ip_address"`
	MACAddress    string `json:"mac_address"`
	CreatedAt     string `json:"created_at"`
	ExpiresAt     string `json:"expires_at"`
	RemainingTime string `json:"remaining_time"`
}

func (h *Handler) sessionResponse(s *session.Session) SessionResponse {
	now := h.sessions.Now()
	return SessionResponse{
		ID:            s.ID,
		Phone:         s.Subscriber,
		Amount:        s.Amount,
		Status:        string(s.Status),
		Receipt:       s.Receipt,
		CorrelationID: s.CorrelationID,
		IPAddress:     s.IPAddress,
		MACAddress:    s.MACAddress,
		CreatedAt:     s.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:     s.ExpiresAt().UTC().Format(time.RFC3339),
		RemainingTime: s.RemainingTimeFormatted(now),
	}
}

// ListSessions returns sessions, optionally filtered by ?status=.
func (h *Handler) ListSessions(c *gin.Context) {
	status := session.Status(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
		return
	}

	sessions, err := h.sessions.ListSessions(c.Request.Context(), status)
	if err != nil {
		h.logger.Error("failed to list sessions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}

	resp := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, h.sessionResponse(s))
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": resp,
		"count":    len(resp),
	})
}

// GetSession returns a single session.
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.sessions.GetSession(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.writeSessionError(c, "get", err)
		return
	}
	c.JSON(http.StatusOK, h.sessionResponse(sess))
}

// GrantSession opens access without payment confirmation.
func (h *Handler) GrantSession(c *gin.Context) {
	id := c.Param("sessionId")
	sess, err := h.sessions.ForceGrant(c.Request.Context(), id)
	if err != nil {
		h.writeSessionError(c, "grant", err)
		return
	}

	h.logger.Info("operator granted access",
		zap.String("operator", c.GetString("operator")),
		zap.String("session_id", id),
	)
	c.JSON(http.StatusOK, h.sessionResponse(sess))
}

// RevokeSession closes access for a session.
func (h *Handler) RevokeSession(c *gin.Context) {
	id := c.Param("sessionId")
	sess, err := h.sessions.ForceRevoke(c.Request.Context(), id)
	if err != nil {
		h.writeSessionError(c, "revoke", err)
		return
	}

	h.logger.Info("operator revoked access",
		zap.String("operator", c.GetString("operator")),
		zap.String("session_id", id),
	)
	c.JSON(http.StatusOK, h.sessionResponse(sess))
}

// ListCallbacks returns the audited provider callbacks.
func (h *Handler) ListCallbacks(c *gin.Context) {
	if h.reports == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "callback log unavailable"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	logs, err := h.reports.ListCallbacks(c.Request.Context(), c.Query("correlation_id"), limit)
	if err != nil {
		h.logger.Error("failed to list callbacks", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list callbacks"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"callbacks": logs,
		"count":     len(logs),
	})
}

func (h *Handler) writeSessionError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, session.ErrIllegalTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "operation not allowed in current status"})
	case errors.Is(err, session.ErrNoAddress):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "session has no ip address"})
	default:
		h.logger.Error("session operation failed", zap.String("op", op), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "firewall operation failed"})
	}
}
