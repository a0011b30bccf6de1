package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/JojoDuke/papermind-ai/internal/ledger"
	"github.com/JojoDuke/papermind-ai/internal/logging"
	"github.com/JojoDuke/papermind-ai/internal/quota"
	"github.com/JojoDuke/papermind-ai/internal/retry"
	"github.com/JojoDuke/papermind-ai/internal/traces"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrInsufficientCredits is matched by *DeniedError.
var ErrInsufficientCredits = errors.New("insufficient credits")

// DeniedError carries the untouched balance of a denied question.
type DeniedError struct {
	Balance int
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("insufficient credits: %d remaining", e.Balance)
}

func (e *DeniedError) Is(target error) bool { return target == ErrInsufficientCredits }

// BackendError reports a backend failure after the credit was handled.
type BackendError struct {
	Err      error
	Refunded bool
	Balance  *ledger.Balance
}

func (e *BackendError) Error() string { return e.Err.Error() }
func (e *BackendError) Unwrap() error { return e.Err }

// Credits is the ledger surface the service needs.
type Credits interface {
	TryConsumeAction(ctx context.Context, accountID string, action quota.Action) (*ledger.ConsumeResult, error)
	Refund(ctx context.Context, accountID, consumptionID string) (*ledger.Balance, error)
}

// Reply is a charged answer.
type Reply struct {
	Answer        *Answer `json:"answer"`
	Balance       int     `json:"balance"`
	ConsumptionID string  `json:"consumptionId"`
}

var questionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "papermind",
		Name:      "assistant_questions_total",
		Help:      "Questions by outcome (answered, denied, refunded, refund_failed).",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(questionsTotal)
}

const refundTimeout = 5 * time.Second

// Service charges for questions and forwards them to the backend.
type Service struct {
	credits Credits
	backend Backend
	logger  *slog.Logger
}

// NewService creates a question service.
func NewService(credits Credits, backend Backend, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{credits: credits, backend: backend, logger: logger}
}

// Ask consumes one CHAT_MESSAGE credit immediately before calling the
// backend. The consume is never retried. If the backend fails the credit is
// refunded, even when ctx was cancelled by a departing client.
func (s *Service) Ask(ctx context.Context, accountID string, q Query) (*Reply, error) {
	ctx, span := traces.StartSpan(ctx, "assistant.ask", traces.AccountID(accountID))
	defer span.End()

	res, err := s.credits.TryConsumeAction(ctx, accountID, quota.ActionChatMessage)
	if err != nil {
		return nil, err
	}
	if !res.Consumed() {
		questionsTotal.WithLabelValues("denied").Inc()
		return nil, &DeniedError{Balance: res.Balance}
	}

	ans, err := s.backend.Query(ctx, q)
	if err == nil {
		questionsTotal.WithLabelValues("answered").Inc()
		return &Reply{Answer: ans, Balance: res.Balance, ConsumptionID: res.ConsumptionID}, nil
	}

	bal, rerr := s.refund(ctx, accountID, res.ConsumptionID)
	if rerr != nil {
		questionsTotal.WithLabelValues("refund_failed").Inc()
		logging.L(ctx).Error("refund after backend failure failed",
			"account_id", accountID,
			"consumption_id", res.ConsumptionID,
			"backend_error", err,
			"error", rerr,
		)
		return nil, &BackendError{Err: err}
	}
	questionsTotal.WithLabelValues("refunded").Inc()
	logging.L(ctx).Warn("backend failed, credit refunded",
		"account_id", accountID,
		"consumption_id", res.ConsumptionID,
		"error", err,
	)
	return nil, &BackendError{Err: err, Refunded: true, Balance: bal}
}

// refund retries the compensating refund. It is idempotent per
// consumption, so a lost reply followed by a retry is harmless.
func (s *Service) refund(ctx context.Context, accountID, consumptionID string) (*ledger.Balance, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refundTimeout)
	defer cancel()

	var bal *ledger.Balance
	err := retry.Do(ctx, 4, 100*time.Millisecond, func() error {
		b, err := s.credits.Refund(ctx, accountID, consumptionID)
		switch {
		case err == nil:
			bal = b
			return nil
		case errors.Is(err, ledger.ErrAlreadyRefunded):
			return nil
		case errors.Is(err, ledger.ErrNotFound), errors.Is(err, ledger.ErrInvalidAccount):
			return retry.Permanent(err)
		}
		return err
	})
	return bal, err
}
