package sqlite

import "database/sql"

// schema mirrors store/schema.sql. Timestamps are unix milliseconds.
const schema = `
CREATE TABLE IF NOT EXISTS balances (
    user_id INTEGER PRIMARY KEY,
    tokens INTEGER NOT NULL DEFAULT 0 CHECK (tokens >= 0),
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS withdrawals (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    amount INTEGER NOT NULL CHECK (amount > 0),
    wallet TEXT NOT NULL,
    status TEXT NOT NULL CHECK (status IN ('pending', 'completed', 'failed')),
    retry_count INTEGER NOT NULL DEFAULT 0,
    manual_retry_count INTEGER NOT NULL DEFAULT 0,
    idempotency_key TEXT NOT NULL,
    tx_hash TEXT,
    error TEXT,
    broadcast_hash TEXT,
    broadcast_nonce INTEGER,
    broadcast_raw BLOB,
    broadcast_at INTEGER,
    created_at INTEGER NOT NULL,
    completed_at INTEGER,
    UNIQUE (user_id, idempotency_key)
);

CREATE INDEX IF NOT EXISTS idx_withdrawals_user_id ON withdrawals(user_id);
CREATE INDEX IF NOT EXISTS idx_withdrawals_status ON withdrawals(status);
CREATE INDEX IF NOT EXISTS idx_withdrawals_created_at ON withdrawals(created_at);
CREATE INDEX IF NOT EXISTS idx_withdrawals_completed_at ON withdrawals(completed_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_withdrawals_broadcast_hash ON withdrawals(broadcast_hash) WHERE broadcast_hash IS NOT NULL;

CREATE TABLE IF NOT EXISTS ledger_entries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    withdrawal_id INTEGER REFERENCES withdrawals(id),
    amount INTEGER NOT NULL CHECK (amount > 0),
    direction TEXT NOT NULL,
    note TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_user_id ON ledger_entries(user_id);
`

func runMigrations(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
