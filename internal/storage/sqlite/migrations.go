package sqlite

import "database/sql"

// schema sets up the database. It runs on startup to ensure tables exist.
// Timestamps are Unix nanoseconds in UTC; amounts are minor units; shares
// are parts per billion.
const schema = `
CREATE TABLE IF NOT EXISTS works (
    id TEXT PRIMARY KEY,
    metadata_ref TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS agreements (
    work_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    status TEXT NOT NULL,
    valid_from INTEGER NOT NULL,
    valid_to INTEGER,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (work_id, version),
    FOREIGN KEY (work_id) REFERENCES works(id)
);

CREATE TABLE IF NOT EXISTS agreement_splits (
    work_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    position INTEGER NOT NULL,
    payee_id TEXT NOT NULL,
    share INTEGER NOT NULL,
    PRIMARY KEY (work_id, version, position),
    FOREIGN KEY (work_id, version) REFERENCES agreements(work_id, version)
);

CREATE TABLE IF NOT EXISTS revenue_events (
    fingerprint TEXT PRIMARY KEY,
    source_id TEXT NOT NULL,
    external_ref TEXT NOT NULL,
    work_id TEXT NOT NULL,
    gross INTEGER NOT NULL,
    currency TEXT NOT NULL,
    period TEXT NOT NULL,
    reported_at INTEGER NOT NULL,
    accepted_at INTEGER NOT NULL,
    FOREIGN KEY (work_id) REFERENCES works(id)
);

CREATE TABLE IF NOT EXISTS plans (
    id TEXT PRIMARY KEY,
    event_fingerprint TEXT NOT NULL,
    work_id TEXT NOT NULL,
    agreement_version INTEGER NOT NULL,
    currency TEXT NOT NULL,
    gross INTEGER NOT NULL,
    platform_fee INTEGER NOT NULL,
    distributable INTEGER NOT NULL,
    computed_at INTEGER NOT NULL,
    FOREIGN KEY (event_fingerprint) REFERENCES revenue_events(fingerprint)
);

CREATE TABLE IF NOT EXISTS plan_lines (
    plan_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    payee_id TEXT NOT NULL,
    amount INTEGER NOT NULL,
    PRIMARY KEY (plan_id, position),
    FOREIGN KEY (plan_id) REFERENCES plans(id)
);

CREATE TABLE IF NOT EXISTS instructions (
    id TEXT PRIMARY KEY,
    plan_id TEXT NOT NULL,
    event_fingerprint TEXT NOT NULL,
    work_id TEXT NOT NULL,
    payee_id TEXT NOT NULL,
    amount INTEGER NOT NULL,
    currency TEXT NOT NULL,
    status TEXT NOT NULL,
    transaction_id TEXT NOT NULL DEFAULT '',
    attempts INTEGER NOT NULL DEFAULT 0,
    next_attempt INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    permanent INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    UNIQUE (event_fingerprint, payee_id),
    FOREIGN KEY (plan_id) REFERENCES plans(id)
);

CREATE TABLE IF NOT EXISTS escrow_accounts (
    id TEXT PRIMARY KEY,
    work_id TEXT NOT NULL,
    reason TEXT NOT NULL,
    state TEXT NOT NULL,
    disputed_version INTEGER NOT NULL DEFAULT 0,
    corrected_version INTEGER NOT NULL DEFAULT 0,
    release_condition TEXT NOT NULL DEFAULT '',
    note TEXT NOT NULL DEFAULT '',
    opened_at INTEGER NOT NULL,
    released_at INTEGER,
    FOREIGN KEY (work_id) REFERENCES works(id)
);

CREATE TABLE IF NOT EXISTS escrow_holdings (
    account_id TEXT NOT NULL,
    ref TEXT NOT NULL,
    amount INTEGER NOT NULL,
    currency TEXT NOT NULL,
    reported_at INTEGER NOT NULL,
    held_at INTEGER NOT NULL,
    PRIMARY KEY (account_id, ref),
    FOREIGN KEY (account_id) REFERENCES escrow_accounts(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS finality_notices (
    transaction_id TEXT PRIMARY KEY,
    outcome TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    received_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_plans_event ON plans(event_fingerprint);
CREATE INDEX IF NOT EXISTS idx_instructions_tx ON instructions(transaction_id);
CREATE INDEX IF NOT EXISTS idx_instructions_payee ON instructions(payee_id);
CREATE INDEX IF NOT EXISTS idx_instructions_work_status ON instructions(work_id, status);
CREATE INDEX IF NOT EXISTS idx_instructions_retry ON instructions(status, permanent, next_attempt);
CREATE INDEX IF NOT EXISTS idx_escrow_accounts_work ON escrow_accounts(work_id, reason, state);
`

// runMigrations executes the schema setup.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
