package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

var _ Ledger = (*Store)(nil)

// Store is the PostgreSQL ledger.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies schema.sql. Statements are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range strings.Split(schema, ";") {
		s := strings.TrimSpace(stmt)
		if s == "" {
			continue
		}
		if _, err := pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const withdrawalColumns = `
	id, user_id, amount, wallet, status, retry_count, manual_retry_count, idempotency_key,
	COALESCE(tx_hash, ''), COALESCE(error, ''),
	broadcast_hash, broadcast_nonce, broadcast_raw, broadcast_at,
	created_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanWithdrawal(row scanner) (Withdrawal, error) {
	var (
		w     Withdrawal
		hash  *string
		nonce *int64
		raw   []byte
		at    *time.Time
	)
	err := row.Scan(
		&w.ID,
		&w.UserID,
		&w.Amount,
		&w.Wallet,
		&w.Status,
		&w.RetryCount,
		&w.ManualRetryCount,
		&w.IdempotencyKey,
		&w.TxHash,
		&w.Error,
		&hash,
		&nonce,
		&raw,
		&at,
		&w.CreatedAt,
		&w.CompletedAt,
	)
	if err != nil {
		return Withdrawal{}, err
	}
	if hash != nil && nonce != nil {
		w.Broadcast = &BroadcastAttempt{TxHash: *hash, Nonce: uint64(*nonce), Raw: raw}
		if at != nil {
			w.Broadcast.At = *at
		}
	}
	return w, nil
}

func collectWithdrawals(rows pgx.Rows) ([]Withdrawal, error) {
	defer rows.Close()

	var out []Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) DebitAndCreateWithdrawal(ctx context.Context, input CreateWithdrawalInput) (Withdrawal, error) {
	if input.Amount <= 0 {
		return Withdrawal{}, ErrInvalidAmount
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Withdrawal{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var tokens int64
	err = tx.QueryRow(ctx, "SELECT tokens FROM balances WHERE user_id = $1 FOR UPDATE", input.UserID).Scan(&tokens)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return Withdrawal{}, err
		}
		tokens = 0
	}

	existing, err := getWithdrawalByIdempotency(ctx, tx, input.UserID, input.IdempotencyKey)
	if err == nil {
		if !samePayload(existing, input) {
			return Withdrawal{}, ErrIdempotencyConflict
		}
		existing.Replayed = true
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Withdrawal{}, err
	}

	if tokens < input.Amount {
		return Withdrawal{}, ErrInsufficientBalance
	}

	created, err := insertWithdrawal(ctx, tx, input)
	if err != nil {
		if isUniqueViolation(err) {
			existing, gerr := getWithdrawalByIdempotency(ctx, tx, input.UserID, input.IdempotencyKey)
			if gerr == nil {
				if !samePayload(existing, input) {
					return Withdrawal{}, ErrIdempotencyConflict
				}
				existing.Replayed = true
				return existing, nil
			}
		}
		return Withdrawal{}, err
	}

	tag, err := tx.Exec(ctx,
		"UPDATE balances SET tokens = tokens - $1, updated_at = now() WHERE user_id = $2 AND tokens >= $1",
		input.Amount, input.UserID)
	if err != nil {
		return Withdrawal{}, err
	}
	if tag.RowsAffected() != 1 {
		return Withdrawal{}, ErrInsufficientBalance
	}

	if err := insertLedgerEntry(ctx, tx, input.UserID, &created.ID, input.Amount, DirectionDebit, "withdrawal"); err != nil {
		return Withdrawal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Withdrawal{}, err
	}

	return created, nil
}

func (s *Store) CreditBalance(ctx context.Context, userID int64, amount int64, note string) (Balance, error) {
	if amount <= 0 {
		return Balance{}, ErrInvalidAmount
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Balance{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var b Balance
	err = tx.QueryRow(ctx, `
		INSERT INTO balances (user_id, tokens)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET tokens = balances.tokens + EXCLUDED.tokens, updated_at = now()
		RETURNING user_id, tokens, updated_at
	`, userID, amount).Scan(&b.UserID, &b.Tokens, &b.UpdatedAt)
	if err != nil {
		return Balance{}, err
	}

	if err := insertLedgerEntry(ctx, tx, userID, nil, amount, DirectionCredit, note); err != nil {
		return Balance{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Balance{}, err
	}
	return b, nil
}

func (s *Store) GetBalance(ctx context.Context, userID int64) (int64, error) {
	var tokens int64
	err := s.pool.QueryRow(ctx, "SELECT tokens FROM balances WHERE user_id = $1", userID).Scan(&tokens)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return tokens, nil
}

func (s *Store) GetWithdrawal(ctx context.Context, id int64) (Withdrawal, error) {
	w, err := scanWithdrawal(s.pool.QueryRow(ctx, "SELECT "+withdrawalColumns+" FROM withdrawals WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Withdrawal{}, ErrNotFound
		}
		return Withdrawal{}, err
	}
	return w, nil
}

func (s *Store) SelectSettleable(ctx context.Context, maxRetries int, limit int) ([]Withdrawal, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+withdrawalColumns+`
		FROM withdrawals
		WHERE status IN ($1, $2) AND retry_count < $3
		ORDER BY created_at ASC, id ASC
		LIMIT $4
	`, StatusPending, StatusFailed, maxRetries, limit)
	if err != nil {
		return nil, err
	}
	return collectWithdrawals(rows)
}

func (s *Store) MarkBroadcast(ctx context.Context, id int64, attempt BroadcastAttempt) error {
	if attempt.At.IsZero() {
		attempt.At = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE withdrawals
		SET broadcast_hash = $2, broadcast_nonce = $3, broadcast_raw = $4, broadcast_at = $5
		WHERE id = $1 AND status = $6
	`, id, attempt.TxHash, int64(attempt.Nonce), attempt.Raw, attempt.At, StatusPending)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateBroadcast
		}
		return err
	}
	return s.checkTransition(ctx, id, tag)
}

func (s *Store) ClearBroadcast(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE withdrawals
		SET broadcast_hash = NULL, broadcast_nonce = NULL, broadcast_raw = NULL, broadcast_at = NULL
		WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) MarkCompleted(ctx context.Context, id int64, txHash string) error {
	if strings.TrimSpace(txHash) == "" {
		return ErrMissingTxHash
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE withdrawals
		SET status = $2, tx_hash = $3, completed_at = now(), error = NULL
		WHERE id = $1 AND status = $4
	`, id, StatusCompleted, txHash, StatusPending)
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, id, tag)
}

func (s *Store) MarkFailed(ctx context.Context, id int64, message string) (Withdrawal, error) {
	if strings.TrimSpace(message) == "" {
		return Withdrawal{}, ErrMissingFailureMessage
	}
	w, err := scanWithdrawal(s.pool.QueryRow(ctx, `
		UPDATE withdrawals
		SET status = $2, error = $3, retry_count = retry_count + 1
		WHERE id = $1 AND status = $4
		RETURNING `+withdrawalColumns,
		id, StatusFailed, message, StatusPending))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, gerr := s.GetWithdrawal(ctx, id); gerr != nil {
				return Withdrawal{}, gerr
			}
			return Withdrawal{}, ErrInvalidStatus
		}
		return Withdrawal{}, err
	}
	return w, nil
}

func (s *Store) ResetToPending(ctx context.Context, id int64, manual bool) error {
	bump := 0
	if manual {
		bump = 1
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE withdrawals
		SET status = $2, manual_retry_count = manual_retry_count + $3
		WHERE id = $1 AND status = $4
	`, id, StatusPending, bump, StatusFailed)
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, id, tag)
}

func (s *Store) ListRecoverable(ctx context.Context, maxRetries int) ([]Withdrawal, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+withdrawalColumns+`
		FROM withdrawals
		WHERE status = $1 AND retry_count < $2
		ORDER BY created_at ASC, id ASC
	`, StatusFailed, maxRetries)
	if err != nil {
		return nil, err
	}
	return collectWithdrawals(rows)
}

func (s *Store) ListFailed(ctx context.Context, limit int) ([]Withdrawal, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+withdrawalColumns+`
		FROM withdrawals
		WHERE status = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, StatusFailed, limit)
	if err != nil {
		return nil, err
	}
	return collectWithdrawals(rows)
}

func (s *Store) ListRecentCompleted(ctx context.Context, limit int) ([]Withdrawal, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+withdrawalColumns+`
		FROM withdrawals
		WHERE status = $1
		ORDER BY completed_at DESC, id DESC
		LIMIT $2
	`, StatusCompleted, limit)
	if err != nil {
		return nil, err
	}
	return collectWithdrawals(rows)
}

func (s *Store) ListCompletedByUser(ctx context.Context, userID int64, limit int) ([]Withdrawal, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+withdrawalColumns+`
		FROM withdrawals
		WHERE user_id = $1 AND status = $2
		ORDER BY completed_at DESC, id DESC
		LIMIT $3
	`, userID, StatusCompleted, limit)
	if err != nil {
		return nil, err
	}
	return collectWithdrawals(rows)
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = $1),
			COUNT(*) FILTER (WHERE status = $2),
			COUNT(*) FILTER (WHERE status = $3),
			COALESCE(SUM(amount) FILTER (WHERE status = $2), 0)
		FROM withdrawals
	`, StatusPending, StatusCompleted, StatusFailed).Scan(&st.Pending, &st.Completed, &st.Failed, &st.TotalDistributed)
	return st, err
}

// checkTransition turns a zero-row conditional update into ErrNotFound or
// ErrInvalidStatus.
func (s *Store) checkTransition(ctx context.Context, id int64, tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetWithdrawal(ctx, id); err != nil {
		return err
	}
	return ErrInvalidStatus
}

func insertWithdrawal(ctx context.Context, tx pgx.Tx, input CreateWithdrawalInput) (Withdrawal, error) {
	return scanWithdrawal(tx.QueryRow(ctx, `
		INSERT INTO withdrawals (user_id, amount, wallet, status, idempotency_key)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+withdrawalColumns,
		input.UserID,
		input.Amount,
		input.Wallet,
		StatusPending,
		input.IdempotencyKey,
	))
}

func insertLedgerEntry(ctx context.Context, tx pgx.Tx, userID int64, withdrawalID *int64, amount int64, direction, note string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (user_id, withdrawal_id, amount, direction, note)
		VALUES ($1, $2, $3, $4, $5)
	`, userID, withdrawalID, amount, direction, note)
	return err
}

func getWithdrawalByIdempotency(ctx context.Context, tx pgx.Tx, userID int64, key string) (Withdrawal, error) {
	return scanWithdrawal(tx.QueryRow(ctx,
		"SELECT "+withdrawalColumns+" FROM withdrawals WHERE user_id = $1 AND idempotency_key = $2",
		userID, key))
}

func samePayload(w Withdrawal, input CreateWithdrawalInput) bool {
	return w.Amount == input.Amount && strings.EqualFold(w.Wallet, input.Wallet)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505"
}
