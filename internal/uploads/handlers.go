package uploads

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/JojoDuke/papermind-ai/internal/auth"
	"github.com/JojoDuke/papermind-ai/internal/ledger"
	"github.com/gin-gonic/gin"
)

// Handler serves upload authorization and the storage callback.
type Handler struct {
	gate     *Gate
	verifier Verifier
	logger   *slog.Logger
}

// Verifier authenticates storage callbacks. *billing.Verifier satisfies it.
type Verifier interface {
	Verify(payload []byte, h http.Header) error
}

// maxCallbackBytes caps storage callback bodies.
const maxCallbackBytes = 16 << 10

// NewHandler creates an upload handler. A nil verifier leaves the storage
// callback unregistered, so tickets are only settled by expiry.
func NewHandler(g *Gate, verifier Verifier, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{gate: g, verifier: verifier, logger: logger}
}

// RegisterRoutes sets up client upload routes behind the session gate.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/uploads/authorize", h.Authorize)
}

// RegisterCallbacks sets up the signed storage callback. Clients cannot
// reach it: settlement follows what the storage service saw.
func (h *Handler) RegisterCallbacks(r gin.IRoutes) {
	if h.verifier != nil {
		r.POST("/webhooks/uploads", h.Callback)
	}
}

type authorizeRequest struct {
	SizeBytes int64  `json:"sizeBytes" binding:"required"`
	FileName  string `json:"fileName"`
}

// Authorize handles POST /v1/uploads/authorize
func (h *Handler) Authorize(c *gin.Context) {
	var req authorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "sizeBytes is required"})
		return
	}

	ticket, res, err := h.gate.Authorize(c.Request.Context(), auth.AccountID(c), req.SizeBytes, req.FileName)
	var tooLarge *TooLargeError
	switch {
	case errors.As(err, &tooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":          "file_too_large",
			"message":        tooLarge.Error(),
			"maxUploadBytes": tooLarge.MaxBytes,
			"planTier":       tooLarge.Tier,
		})
	case errors.Is(err, ErrInvalidSize):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_size", "message": err.Error()})
	case err != nil:
		ledger.WriteError(c, err)
	case ticket == nil:
		ledger.WriteConsumeResult(c, res)
	default:
		c.JSON(http.StatusOK, ticket)
	}
}

// Callback event types sent by the storage service.
const (
	EventUploadCompleted = "upload.completed"
	EventUploadFailed    = "upload.failed"
)

type callbackEvent struct {
	Type string `json:"type"`
	Data struct {
		Ticket    string `json:"ticket"`
		AccountID string `json:"accountId"`
		FileKey   string `json:"fileKey"`
	} `json:"data"`
}

// Callback handles POST /webhooks/uploads. A completed upload commits its
// ticket; a failed one is refunded. 4xx is final, 5xx is redelivered.
func (h *Handler) Callback(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBytes+1))
	if err != nil || len(payload) > maxCallbackBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Could not read body"})
		return
	}
	if err := h.verifier.Verify(payload, c.Request.Header); err != nil {
		h.logger.Warn("upload callback signature rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "Signature verification failed"})
		return
	}

	var ev callbackEvent
	if err := json.Unmarshal(payload, &ev); err != nil || ev.Data.Ticket == "" || ev.Data.AccountID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event", "message": "ticket and accountId are required"})
		return
	}

	ctx := c.Request.Context()
	switch ev.Type {
	case EventUploadCompleted:
		hold, err := h.gate.Commit(ctx, ev.Data.AccountID, ev.Data.Ticket)
		if err != nil {
			h.writeCallbackError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"received": true, "state": hold.State})
	case EventUploadFailed:
		bal, err := h.gate.Release(ctx, ev.Data.AccountID, ev.Data.Ticket)
		if err != nil {
			h.writeCallbackError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"received": true, "state": HoldReleased, "balance": bal})
	default:
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
	}
}

func (h *Handler) writeCallbackError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrHoldNotFound), errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "ticket_not_found", "message": "No upload ticket for this account"})
	case errors.Is(err, ErrHoldReleased):
		// The charge was refunded; the storage service should delete the file.
		c.JSON(http.StatusConflict, gin.H{"error": "ticket_released", "message": err.Error()})
	case errors.Is(err, ErrHoldCommitted):
		c.JSON(http.StatusConflict, gin.H{"error": "ticket_committed", "message": err.Error()})
	case errors.Is(err, ledger.ErrStoreUnavailable):
		c.Header("Retry-After", "30")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable", "message": "Try again later"})
	default:
		h.logger.Error("upload callback failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Callback processing failed"})
	}
}
