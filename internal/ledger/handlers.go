package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/JojoDuke/papermind-ai/internal/auth"
	"github.com/JojoDuke/papermind-ai/internal/quota"
	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for the caller's own account
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up ledger routes. The group must sit behind the
// session gate.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/account", h.EnsureAccount)
	r.GET("/credits", h.GetBalance)
	r.POST("/credits/consume", h.Consume)
	r.GET("/credits/history", h.GetHistory)
}

// EnsureAccount handles POST /v1/account. The web client calls it from the
// sign-in callback.
func (h *Handler) EnsureAccount(c *gin.Context) {
	acct, created, err := h.ledger.EnsureAccount(c.Request.Context(), auth.AccountID(c))
	if err != nil {
		WriteError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"created": created,
		"balance": balanceOf(acct),
	})
}

// GetBalance handles GET /v1/credits
func (h *Handler) GetBalance(c *gin.Context) {
	balance, err := h.ledger.GetBalance(c.Request.Context(), auth.AccountID(c))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

// ConsumeRequest names a metered action, or a raw amount.
type ConsumeRequest struct {
	Action string `json:"action"`
	Amount int    `json:"amount"`
}

// Consume handles POST /v1/credits/consume
func (h *Handler) Consume(c *gin.Context) {
	var req ConsumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	amount := req.Amount
	if req.Action != "" {
		action, err := quota.ParseAction(req.Action)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_action",
				"message": err.Error(),
			})
			return
		}
		amount = quota.CostOf(action)
	}

	res, err := h.ledger.TryConsume(c.Request.Context(), auth.AccountID(c), amount)
	if err != nil {
		WriteError(c, err)
		return
	}
	WriteConsumeResult(c, res)
}

// GetHistory handles GET /v1/credits/history
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be a positive integer",
			})
			return
		}
		limit = n
	}

	entries, err := h.ledger.History(c.Request.Context(), auth.AccountID(c), limit)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// WriteConsumeResult renders a consume outcome: 200 when consumed, 402 with
// the untouched balance when denied.
func WriteConsumeResult(c *gin.Context, res *ConsumeResult) {
	if !res.Consumed() {
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_credits",
			"message": "No credits remaining in this billing period",
			"status":  res.Status,
			"balance": res.Balance,
		})
		return
	}
	c.JSON(http.StatusOK, res)
}

// WriteError maps ledger errors to HTTP responses.
func WriteError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found", "message": "No credit account for this user"})
	case errors.Is(err, ErrInvalidAccount):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Sign in required."})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "amount must be positive"})
	case errors.Is(err, ErrAlreadyRefunded):
		c.JSON(http.StatusConflict, gin.H{"error": "already_refunded", "message": err.Error()})
	case errors.Is(err, ErrStoreUnavailable):
		c.Header("Retry-After", "2")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable", "message": "Credits are temporarily unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Credit operation failed"})
	}
}
