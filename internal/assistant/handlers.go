package assistant

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/JojoDuke/papermind-ai/internal/auth"
	"github.com/JojoDuke/papermind-ai/internal/ledger"
	"github.com/gin-gonic/gin"
)

const maxQuestionLen = 4000

// Handler serves the chat endpoint.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a chat handler.
func NewHandler(s *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: s, logger: logger}
}

// RegisterRoutes sets up chat routes. r must sit behind the session gate.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/chat", h.Ask)
}

// AskRequest is the body of POST /v1/chat
type AskRequest struct {
	CollectionID string `json:"collectionId" binding:"required"`
	Question     string `json:"question" binding:"required"`
}

// Ask handles POST /v1/chat
func (h *Handler) Ask(c *gin.Context) {
	var req AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "collectionId and question are required",
		})
		return
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" || len(req.Question) > maxQuestionLen {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_question",
			"message": "question must be between 1 and 4000 characters",
		})
		return
	}

	reply, err := h.service.Ask(c.Request.Context(), auth.AccountID(c), Query{
		CollectionID: req.CollectionID,
		Question:     req.Question,
	})

	var denied *DeniedError
	var backend *BackendError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, reply)
	case errors.As(err, &denied):
		ledger.WriteConsumeResult(c, &ledger.ConsumeResult{Status: ledger.StatusDenied, Balance: denied.Balance})
	case errors.As(err, &backend):
		body := gin.H{
			"error":    "backend_unavailable",
			"message":  "The assistant could not answer. Try again shortly.",
			"refunded": backend.Refunded,
		}
		if backend.Balance != nil {
			body["balance"] = backend.Balance.CreditsRemaining
		}
		c.JSON(http.StatusBadGateway, body)
	default:
		ledger.WriteError(c, err)
	}
}
