package uploads

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/JojoDuke/papermind-ai/internal/ledger"
)

// PostgresHoldStore implements HoldStore in the ledger's database. Settle
// is one conditional UPDATE on state = 'pending', so concurrent settles of
// the same hold serialize on its row lock.
type PostgresHoldStore struct {
	db *sql.DB
}

// NewPostgresHoldStore creates a PostgreSQL-backed hold store.
func NewPostgresHoldStore(db *sql.DB) *PostgresHoldStore {
	return &PostgresHoldStore{db: db}
}

const holdColumns = `id, account_id, size_bytes, file_name, state, created_at, settled_at, refunded_at`

func (p *PostgresHoldStore) Create(ctx context.Context, h *Hold) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO upload_holds (id, account_id, size_bytes, file_name, state, created_at)
		VALUES ($1, $2, $3, $4, 'pending', NOW())
	`, h.ID, h.AccountID, h.SizeBytes, h.FileName)
	if err != nil {
		return ledger.ClassifyDBError(fmt.Errorf("failed to insert upload hold: %w", err))
	}
	return nil
}

func (p *PostgresHoldStore) Settle(ctx context.Context, id, accountID string, state HoldState) (*Hold, error) {
	h, err := scanHold(p.db.QueryRowContext(ctx, `
		UPDATE upload_holds SET state = $3, settled_at = NOW()
		WHERE id = $1 AND account_id = $2 AND state = 'pending'
		RETURNING `+holdColumns,
		id, accountID, string(state)))
	if !errors.Is(err, ErrHoldNotFound) {
		return h, err
	}

	// Either missing, someone else's, or already settled.
	h, err = scanHold(p.db.QueryRowContext(ctx,
		`SELECT `+holdColumns+` FROM upload_holds WHERE id = $1 AND account_id = $2`, id, accountID))
	if err != nil {
		return nil, err
	}
	return h, settledError(h.State)
}

func (p *PostgresHoldStore) MarkRefunded(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE upload_holds SET refunded_at = COALESCE(refunded_at, NOW()) WHERE id = $1`, id)
	if err != nil {
		return ledger.ClassifyDBError(err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrHoldNotFound
	}
	return nil
}

func (p *PostgresHoldStore) ListOpen(ctx context.Context, cutoff time.Time, limit int) ([]*Hold, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+holdColumns+` FROM upload_holds
		WHERE (state = 'pending' AND created_at < $1)
		   OR (state = 'released' AND refunded_at IS NULL)
		ORDER BY created_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, ledger.ClassifyDBError(err)
	}
	defer rows.Close()

	var open []*Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		open = append(open, h)
	}
	return open, ledger.ClassifyDBError(rows.Err())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHold(row rowScanner) (*Hold, error) {
	var (
		h       Hold
		state   string
		settled sql.NullTime
		refund  sql.NullTime
	)
	err := row.Scan(&h.ID, &h.AccountID, &h.SizeBytes, &h.FileName, &state, &h.CreatedAt, &settled, &refund)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHoldNotFound
	}
	if err != nil {
		return nil, ledger.ClassifyDBError(err)
	}
	h.State = HoldState(state)
	if settled.Valid {
		h.SettledAt = &settled.Time
	}
	if refund.Valid {
		h.RefundedAt = &refund.Time
	}
	return &h, nil
}
