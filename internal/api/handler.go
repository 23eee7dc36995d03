package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/airfi/airfi-mpesa-gateway/internal/auth"
	"github.com/airfi/airfi-mpesa-gateway/internal/db"
	"github.com/airfi/airfi-mpesa-gateway/internal/metrics"
	"github.com/airfi/airfi-mpesa-gateway/internal/mpesa"
	"github.com/airfi/airfi-mpesa-gateway/internal/session"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maxCallbackBody bounds the provider callback body.
const maxCallbackBody = 64 << 10

// Reports provides data for the health and audit endpoints.
type Reports interface {
	GetStats(ctx context.Context) (*db.Stats, error)
	ListCallbacks(ctx context.Context, correlationID string, limit int) ([]*db.CallbackLog, error)
}

// Handler contains all HTTP handlers for the API.
type Handler struct {
	sessions   *session.Manager
	reports    Reports
	jwtService *auth.JWTService
	logger     *zap.Logger
}

// NewHandler creates a new API handler. reports and jwtService may be nil;
// the stats block and the admin API are then unavailable.
func NewHandler(
	sessions *session.Manager,
	reports Reports,
	jwtService *auth.JWTService,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Handler{
		sessions:   sessions,
		reports:    reports,
		jwtService: jwtService,
		logger:     logger,
	}
}

// HealthCheck returns the service health status.
func (h *Handler) HealthCheck(c *gin.Context) {
	resp := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if h.reports != nil {
		stats, err := h.reports.GetStats(c.Request.Context())
		if err != nil {
			h.logger.Error("failed to load stats", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": "database unavailable"})
			return
		}
		resp["stats"] = stats
	}

	c.JSON(http.StatusOK, resp)
}

// callbackAck is returned to the provider for every callback.
var callbackAck = gin.H{"ResultCode": 0, "ResultDesc": "Accepted"}

// PaymentCallback receives STK push results. The provider always gets an
// acknowledgement, even for unmatched or malformed bodies, so it stops retrying.
func (h *Handler) PaymentCallback(c *gin.Context) {
	if c.Request.Method != http.MethodPost {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "method not allowed"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxCallbackBody))
	if err != nil {
		h.logger.Warn("failed to read callback body", zap.Error(err))
		metrics.Get().Callbacks.WithLabelValues(string(session.OutcomeMalformed)).Inc()
		c.JSON(http.StatusOK, callbackAck)
		return
	}

	// Reconciliation and the firewall grant must finish even if the provider hangs up.
	ctx := context.WithoutCancel(c.Request.Context())

	result, err := mpesa.ParseCallback(body)
	if err != nil {
		h.sessions.RecordCallback(ctx, mpesa.CorrelationID(body), body)
		h.logger.Warn("malformed payment callback", zap.Error(err), zap.Int("bytes", len(body)))
		metrics.Get().Callbacks.WithLabelValues(string(session.OutcomeMalformed)).Inc()
		c.JSON(http.StatusOK, callbackAck)
		return
	}
	h.sessions.RecordCallback(ctx, result.CorrelationID, body)

	outcome, err := h.sessions.Reconcile(ctx, result)
	if err != nil {
		h.logger.Error("failed to reconcile callback",
			zap.String("correlation_id", result.CorrelationID),
			zap.Error(err),
		)
	} else {
		h.logger.Debug("callback reconciled",
			zap.String("correlation_id", result.CorrelationID),
			zap.String("outcome", string(outcome)),
		)
	}

	c.JSON(http.StatusOK, callbackAck)
}

// PayRequest is submitted by the portal form or as JSON.
type PayRequest struct {
	Phone string `form:"phone" json:"phone" binding:"required"`
	Plan  string `form:"plan" json:"plan"`
}

// PayResponse is returned as soon as the session is recorded.
type PayResponse struct {
	Phone     string `json:"phone"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
}

// Pay creates a PENDING session for the requesting device and starts the
// STK push in the background.
func (h *Handler) Pay(c *gin.Context) {
	var req PayRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "phone is required"})
		return
	}

	sess, err := h.sessions.Create(c.Request.Context(), session.CreateRequest{
		Phone:     req.Phone,
		Plan:      req.Plan,
		IPAddress: c.ClientIP(),
	})
	if errors.Is(err, session.ErrInvalidRequest) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid phone number"})
		return
	}
	if err != nil {
		h.logger.Error("failed to create session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}

	c.JSON(http.StatusOK, PayResponse{
		Phone:     sess.Subscriber,
		SessionID: sess.ID,
		Status:    string(sess.Status),
		Amount:    sess.Amount,
	})
}

// CheckStatus returns the status of the subscriber's latest session.
func (h *Handler) CheckStatus(c *gin.Context) {
	status, err := h.sessions.Status(c.Request.Context(), c.Param("phone"))
	if err != nil {
		h.logger.Error("failed to check status", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check status"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": string(status)})
}

// GetPlans returns the purchasable access plans, cheapest first.
func (h *Handler) GetPlans(c *gin.Context) {
	plans := make([]gin.H, 0, len(session.Plans))
	for _, p := range session.Plans {
		plans = append(plans, gin.H{
			"id":       p.ID,
			"price":    p.Price,
			"label":    p.Label,
			"duration": session.TierDuration(p.Price).String(),
		})
	}
	sort.Slice(plans, func(i, j int) bool {
		return plans[i]["price"].(int64) < plans[j]["price"].(int64)
	})

	c.JSON(http.StatusOK, gin.H{
		"currency": "KES",
		"default":  session.DefaultPlan,
		"plans":    plans,
	})
}
