// Package sqlite provides a SQLite-backed implementation of store.Ledger.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"payout.settle/internal/store"
)

var _ store.Ledger = (*Store)(nil)

// Store implements store.Ledger on a single SQLite connection. One connection
// serializes every transaction, which is what makes the conditional debit safe.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New opens (or creates) the database at dbPath and runs migrations.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set wal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const withdrawalColumns = `
	id, user_id, amount, wallet, status, retry_count, manual_retry_count, idempotency_key,
	COALESCE(tx_hash, ''), COALESCE(error, ''),
	broadcast_hash, broadcast_nonce, broadcast_raw, broadcast_at,
	created_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanWithdrawal(row scanner) (store.Withdrawal, error) {
	var (
		w           store.Withdrawal
		hash        sql.NullString
		nonce       sql.NullInt64
		raw         []byte
		at          sql.NullInt64
		createdAt   int64
		completedAt sql.NullInt64
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
		&createdAt,
		&completedAt,
	)
	if err != nil {
		return store.Withdrawal{}, err
	}

	w.CreatedAt = time.UnixMilli(createdAt).UTC()
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64).UTC()
		w.CompletedAt = &t
	}
	if hash.Valid && nonce.Valid {
		w.Broadcast = &store.BroadcastAttempt{TxHash: hash.String, Nonce: uint64(nonce.Int64), Raw: raw}
		if at.Valid {
			w.Broadcast.At = time.UnixMilli(at.Int64).UTC()
		}
	}
	return w, nil
}

func collectWithdrawals(rows *sql.Rows) ([]store.Withdrawal, error) {
	defer rows.Close()

	var out []store.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan withdrawal: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate withdrawals: %w", err)
	}
	return out, nil
}

// DebitAndCreateWithdrawal debits with a conditional update so the balance can
// never be observed below zero.
func (s *Store) DebitAndCreateWithdrawal(ctx context.Context, input store.CreateWithdrawalInput) (store.Withdrawal, error) {
	if input.Amount <= 0 {
		return store.Withdrawal{}, store.ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Withdrawal{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanWithdrawal(tx.QueryRowContext(ctx,
		"SELECT "+withdrawalColumns+" FROM withdrawals WHERE user_id = ? AND idempotency_key = ?",
		input.UserID, input.IdempotencyKey))
	if err == nil {
		if existing.Amount != input.Amount || !strings.EqualFold(existing.Wallet, input.Wallet) {
			return store.Withdrawal{}, store.ErrIdempotencyConflict
		}
		existing.Replayed = true
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.Withdrawal{}, fmt.Errorf("failed to check idempotency key: %w", err)
	}

	nowMs := s.now().UnixMilli()
	res, err := tx.ExecContext(ctx,
		"UPDATE balances SET tokens = tokens - ?, updated_at = ? WHERE user_id = ? AND tokens >= ?",
		input.Amount, nowMs, input.UserID, input.Amount)
	if err != nil {
		return store.Withdrawal{}, fmt.Errorf("failed to debit balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return store.Withdrawal{}, store.ErrInsufficientBalance
	}

	res, err = tx.ExecContext(ctx,
		`INSERT INTO withdrawals (user_id, amount, wallet, status, idempotency_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		input.UserID, input.Amount, input.Wallet, store.StatusPending, input.IdempotencyKey, nowMs)
	if err != nil {
		return store.Withdrawal{}, fmt.Errorf("failed to insert withdrawal: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return store.Withdrawal{}, fmt.Errorf("failed to read withdrawal id: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (user_id, withdrawal_id, amount, direction, note, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		input.UserID, id, input.Amount, store.DirectionDebit, "withdrawal", nowMs)
	if err != nil {
		return store.Withdrawal{}, fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	created, err := scanWithdrawal(tx.QueryRowContext(ctx,
		"SELECT "+withdrawalColumns+" FROM withdrawals WHERE id = ?", id))
	if err != nil {
		return store.Withdrawal{}, fmt.Errorf("failed to read withdrawal: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return store.Withdrawal{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return created, nil
}

func (s *Store) CreditBalance(ctx context.Context, userID int64, amount int64, note string) (store.Balance, error) {
	if amount <= 0 {
		return store.Balance{}, store.ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Balance{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	nowMs := s.now().UnixMilli()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO balances (user_id, tokens, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET tokens = tokens + excluded.tokens, updated_at = excluded.updated_at
	`, userID, amount, nowMs)
	if err != nil {
		return store.Balance{}, fmt.Errorf("failed to credit balance: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (user_id, withdrawal_id, amount, direction, note, created_at)
		 VALUES (?, NULL, ?, ?, ?, ?)`,
		userID, amount, store.DirectionCredit, note, nowMs)
	if err != nil {
		return store.Balance{}, fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	b := store.Balance{UserID: userID}
	var updatedAt int64
	err = tx.QueryRowContext(ctx, "SELECT tokens, updated_at FROM balances WHERE user_id = ?", userID).Scan(&b.Tokens, &updatedAt)
	if err != nil {
		return store.Balance{}, fmt.Errorf("failed to read balance: %w", err)
	}
	b.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	if err := tx.Commit(); err != nil {
		return store.Balance{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return b, nil
}

func (s *Store) GetBalance(ctx context.Context, userID int64) (int64, error) {
	var tokens int64
	err := s.db.QueryRowContext(ctx, "SELECT tokens FROM balances WHERE user_id = ?", userID).Scan(&tokens)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return tokens, nil
}

func (s *Store) GetWithdrawal(ctx context.Context, id int64) (store.Withdrawal, error) {
	w, err := scanWithdrawal(s.db.QueryRowContext(ctx, "SELECT "+withdrawalColumns+" FROM withdrawals WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Withdrawal{}, store.ErrNotFound
	}
	if err != nil {
		return store.Withdrawal{}, fmt.Errorf("failed to get withdrawal: %w", err)
	}
	return w, nil
}

func (s *Store) SelectSettleable(ctx context.Context, maxRetries int, limit int) ([]store.Withdrawal, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+withdrawalColumns+`
		FROM withdrawals
		WHERE status IN (?, ?) AND retry_count < ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`,
		store.StatusPending, store.StatusFailed, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select settleable withdrawals: %w", err)
	}
	return collectWithdrawals(rows)
}

func (s *Store) MarkBroadcast(ctx context.Context, id int64, attempt store.BroadcastAttempt) error {
	at := attempt.At
	if at.IsZero() {
		at = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE withdrawals
		SET broadcast_hash = ?, broadcast_nonce = ?, broadcast_raw = ?, broadcast_at = ?
		WHERE id = ? AND status = ?`,
		attempt.TxHash, int64(attempt.Nonce), attempt.Raw, at.UnixMilli(), id, store.StatusPending)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return store.ErrDuplicateBroadcast
		}
		return fmt.Errorf("failed to mark broadcast: %w", err)
	}
	return s.checkTransition(ctx, id, res)
}

func (s *Store) ClearBroadcast(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE withdrawals
		SET broadcast_hash = NULL, broadcast_nonce = NULL, broadcast_raw = NULL, broadcast_at = NULL
		WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to clear broadcast: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) MarkCompleted(ctx context.Context, id int64, txHash string) error {
	if strings.TrimSpace(txHash) == "" {
		return store.ErrMissingTxHash
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE withdrawals
		SET status = ?, tx_hash = ?, completed_at = ?, error = NULL
		WHERE id = ? AND status = ?`,
		store.StatusCompleted, txHash, s.now().UnixMilli(), id, store.StatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark completed: %w", err)
	}
	return s.checkTransition(ctx, id, res)
}

func (s *Store) MarkFailed(ctx context.Context, id int64, message string) (store.Withdrawal, error) {
	if strings.TrimSpace(message) == "" {
		return store.Withdrawal{}, store.ErrMissingFailureMessage
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE withdrawals
		SET status = ?, error = ?, retry_count = retry_count + 1
		WHERE id = ? AND status = ?`,
		store.StatusFailed, message, id, store.StatusPending)
	if err != nil {
		return store.Withdrawal{}, fmt.Errorf("failed to mark failed: %w", err)
	}
	if err := s.checkTransition(ctx, id, res); err != nil {
		return store.Withdrawal{}, err
	}
	return s.GetWithdrawal(ctx, id)
}

func (s *Store) ResetToPending(ctx context.Context, id int64, manual bool) error {
	bump := 0
	if manual {
		bump = 1
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE withdrawals
		SET status = ?, manual_retry_count = manual_retry_count + ?
		WHERE id = ? AND status = ?`,
		store.StatusPending, bump, id, store.StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to reset withdrawal: %w", err)
	}
	return s.checkTransition(ctx, id, res)
}

func (s *Store) ListRecoverable(ctx context.Context, maxRetries int) ([]store.Withdrawal, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+withdrawalColumns+`
		FROM withdrawals
		WHERE status = ? AND retry_count < ?
		ORDER BY created_at ASC, id ASC`,
		store.StatusFailed, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to list recoverable withdrawals: %w", err)
	}
	return collectWithdrawals(rows)
}

func (s *Store) ListFailed(ctx context.Context, limit int) ([]store.Withdrawal, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+withdrawalColumns+`
		FROM withdrawals
		WHERE status = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		store.StatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed withdrawals: %w", err)
	}
	return collectWithdrawals(rows)
}

func (s *Store) ListRecentCompleted(ctx context.Context, limit int) ([]store.Withdrawal, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+withdrawalColumns+`
		FROM withdrawals
		WHERE status = ?
		ORDER BY completed_at DESC, id DESC
		LIMIT ?`,
		store.StatusCompleted, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed withdrawals: %w", err)
	}
	return collectWithdrawals(rows)
}

func (s *Store) ListCompletedByUser(ctx context.Context, userID int64, limit int) ([]store.Withdrawal, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+withdrawalColumns+`
		FROM withdrawals
		WHERE user_id = ? AND status = ?
		ORDER BY completed_at DESC, id DESC
		LIMIT ?`,
		userID, store.StatusCompleted, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list user withdrawals: %w", err)
	}
	return collectWithdrawals(rows)
}

func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	var st store.Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN amount ELSE 0 END), 0)
		FROM withdrawals`,
		store.StatusPending, store.StatusCompleted, store.StatusFailed, store.StatusCompleted,
	).Scan(&st.Pending, &st.Completed, &st.Failed, &st.TotalDistributed)
	if err != nil {
		return store.Stats{}, fmt.Errorf("failed to get stats: %w", err)
	}
	return st, nil
}

func (s *Store) checkTransition(ctx context.Context, id int64, res sql.Result) error {
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.GetWithdrawal(ctx, id); err != nil {
		return err
	}
	return store.ErrInvalidStatus
}
