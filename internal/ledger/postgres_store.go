package ledger

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/JojoDuke/papermind-ai/internal/idgen"
	"github.com/JojoDuke/papermind-ai/internal/quota"
	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL.
//
// Consume is a single conditional UPDATE, so it runs at the default READ
// COMMITTED level: the WHERE clause is re-checked against the latest row
// version after the row lock is acquired. Operations that compute the new
// balance in Go take the row with SELECT ... FOR UPDATE first.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed credit store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `id, plan_tier, credits_remaining, billing_period_start, created_at, updated_at`

func (p *PostgresStore) CreateAccount(ctx context.Context, acct *Account) (*Account, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, classify(err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (id, plan_tier, credits_remaining, billing_period_start, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (id) DO NOTHING
	`, acct.ID, string(acct.PlanTier), acct.CreditsRemaining, acct.BillingPeriodStart)
	if err != nil {
		return nil, false, classify(fmt.Errorf("failed to insert account: %w", err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, false, classify(err)
	}
	created := n == 1

	if created {
		if err := insertEntry(ctx, tx, acct.ID, EntryOpen, acct.CreditsRemaining, acct.CreditsRemaining, acct.PlanTier, ""); err != nil {
			return nil, false, err
		}
	}

	stored, err := scanAccount(tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, acct.ID))
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, classify(err)
	}
	return stored, created, nil
}

func (p *PostgresStore) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	return scanAccount(p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID))
}

// Consume decrements with one conditional UPDATE. When no row matches, a
// follow-up read tells a missing account apart from a short balance.
func (p *PostgresStore) Consume(ctx context.Context, accountID string, amount int, consumptionID string) (*ConsumeResult, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	defer tx.Rollback()

	acct, err := scanAccount(tx.QueryRowContext(ctx, `
		UPDATE accounts SET
			credits_remaining = credits_remaining - $2,
			updated_at        = clock_timestamp()
		WHERE id = $1 AND credits_remaining >= $2
		RETURNING `+accountColumns, accountID, amount))

	if errors.Is(err, ErrNotFound) {
		var balance int
		err = tx.QueryRowContext(ctx, `SELECT credits_remaining FROM accounts WHERE id = $1`, accountID).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, classify(err)
		}
		return &ConsumeResult{Status: StatusDenied, Balance: balance}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume credits: %w", err)
	}

	if err := insertEntry(ctx, tx, accountID, EntryConsume, -amount, acct.CreditsRemaining, acct.PlanTier, consumptionID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}

	return &ConsumeResult{
		Status:        StatusConsumed,
		Balance:       acct.CreditsRemaining,
		ConsumptionID: consumptionID,
		Account:       acct,
	}, nil
}

func (p *PostgresStore) Refund(ctx context.Context, accountID, consumptionID string) (*Account, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	defer tx.Rollback()

	var consumed int
	err = tx.QueryRowContext(ctx, `
		SELECT -amount FROM credit_entries
		WHERE kind = 'consume' AND reference = $1 AND account_id = $2
	`, consumptionID, accountID).Scan(&consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}

	acct, err := scanAccount(tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, accountID))
	if err != nil {
		return nil, err
	}

	next := refundedBalance(acct.CreditsRemaining, consumed, acct.PlanTier)

	// The partial unique index on refund references rejects a second refund
	// of the same consumption. The account row lock above orders the two.
	result, err := tx.ExecContext(ctx, `
		INSERT INTO credit_entries (id, account_id, kind, amount, balance_after, plan_tier, reference, created_at)
		VALUES ($1, $2, 'refund', $3, $4, $5, $6, NOW())
		ON CONFLICT (reference) WHERE kind = 'refund' DO NOTHING
	`, idgen.New(), accountID, next-acct.CreditsRemaining, next, string(acct.PlanTier), consumptionID)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to record refund: %w", err))
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, ErrAlreadyRefunded
	}

	updated, err := scanAccount(tx.QueryRowContext(ctx, `
		UPDATE accounts SET credits_remaining = $2, updated_at = clock_timestamp()
		WHERE id = $1
		RETURNING `+accountColumns, accountID, next))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}
	return updated, nil
}

func (p *PostgresStore) Replenish(ctx context.Context, accountID string, tier quota.Tier, eventID string) (*Account, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	defer tx.Rollback()

	acct, err := scanAccount(tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, accountID))
	if err != nil {
		return nil, err
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO billing_events (event_id, account_id, plan_tier, received_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, accountID, string(tier))
	if err != nil {
		return nil, classify(fmt.Errorf("failed to record billing event: %w", err))
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, ErrDuplicateEvent
	}

	credits := quota.LimitsFor(tier).MonthlyCredits
	updated, err := scanAccount(tx.QueryRowContext(ctx, `
		UPDATE accounts SET
			plan_tier            = $2,
			credits_remaining    = $3,
			billing_period_start = NOW(),
			updated_at           = clock_timestamp()
		WHERE id = $1
		RETURNING `+accountColumns, accountID, string(tier), credits))
	if err != nil {
		return nil, err
	}
	if err := insertEntry(ctx, tx, accountID, EntryReplenish, credits-acct.CreditsRemaining, credits, tier, eventID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}
	return updated, nil
}

func (p *PostgresStore) ResetPeriod(ctx context.Context, accountID string, dueBefore time.Time) (*Account, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	defer tx.Rollback()

	acct, err := scanAccount(tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, accountID))
	if err != nil {
		return nil, err
	}

	// The row lock is held, so this check and the update see the same row.
	if !dueBefore.IsZero() && acct.BillingPeriodStart.After(dueBefore) {
		return nil, ErrNotDue
	}

	credits := quota.LimitsFor(acct.PlanTier).MonthlyCredits
	updated, err := scanAccount(tx.QueryRowContext(ctx, `
		UPDATE accounts SET
			credits_remaining    = $2,
			billing_period_start = NOW(),
			updated_at           = clock_timestamp()
		WHERE id = $1
		RETURNING `+accountColumns, accountID, credits))
	if err != nil {
		return nil, err
	}
	if err := insertEntry(ctx, tx, accountID, EntryReset, credits-acct.CreditsRemaining, credits, acct.PlanTier, ""); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}
	return updated, nil
}

func (p *PostgresStore) ListDue(ctx context.Context, periodStartedBefore time.Time, limit int) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id FROM accounts
		WHERE billing_period_start <= $1
		ORDER BY billing_period_start ASC
		LIMIT $2
	`, periodStartedBefore, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err)
		}
		ids = append(ids, id)
	}
	return ids, classify(rows.Err())
}

func (p *PostgresStore) History(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	if _, err := p.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account_id, kind, amount, balance_after, plan_tier, COALESCE(reference, ''), created_at
		FROM credit_entries
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	entries := make([]*Entry, 0)
	for rows.Next() {
		var (
			e       Entry
			kind    string
			tierStr string
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &kind, &e.Amount, &e.BalanceAfter, &tierStr, &e.Reference, &e.CreatedAt); err != nil {
			return nil, classify(err)
		}
		e.Kind = EntryKind(kind)
		e.PlanTier = quota.Tier(tierStr)
		entries = append(entries, &e)
	}
	return entries, classify(rows.Err())
}

// Ping reports whether the database is reachable.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return classify(p.db.PingContext(ctx))
}

func insertEntry(ctx context.Context, tx *sql.Tx, accountID string, kind EntryKind, amount, balanceAfter int, tier quota.Tier, reference string) error {
	var ref sql.NullString
	if reference != "" {
		ref = sql.NullString{String: reference, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_entries (id, account_id, kind, amount, balance_after, plan_tier, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`, idgen.New(), accountID, string(kind), amount, balanceAfter, string(tier), ref)
	if err != nil {
		return classify(fmt.Errorf("failed to record %s entry: %w", kind, err))
	}
	return nil
}

func scanAccount(row *sql.Row) (*Account, error) {
	var (
		acct    Account
		tierStr string
	)
	err := row.Scan(&acct.ID, &tierStr, &acct.CreditsRemaining, &acct.BillingPeriodStart, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	tier, err := quota.ParseTier(tierStr)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", acct.ID, err)
	}
	acct.PlanTier = tier
	return &acct, nil
}

// classify maps connection-level and retryable database failures to
// ErrStoreUnavailable. Other errors pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", // connection exception
			"53", // insufficient resources
			"57": // operator intervention (admin shutdown, query canceled)
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		switch pqErr.Code {
		case "40001", "40P01": // serialization failure, deadlock
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	return err
}

// ClassifyDBError maps retryable database failures to ErrStoreUnavailable
// for stores that share the ledger's database.
func ClassifyDBError(err error) error {
	return classify(err)
}
