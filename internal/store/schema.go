package store

// schema is the additive bootstrap DDL. Migrations beyond this are applied
// operationally; every statement here is safe to re-run.
const schema = `
CREATE TABLE IF NOT EXISTS wallets (
	address          TEXT PRIMARY KEY,
	classification   TEXT NOT NULL DEFAULT 'unknown',
	last_analyzed_at TIMESTAMPTZ,
	sync_count       INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS wallet_signatures (
	wallet_address TEXT NOT NULL,
	signature      TEXT NOT NULL,
	slot           BIGINT NOT NULL,
	block_time     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (wallet_address, signature)
);

CREATE INDEX IF NOT EXISTS wallet_signatures_time_idx
	ON wallet_signatures (wallet_address, block_time);

CREATE TABLE IF NOT EXISTS raw_transactions (
	signature  TEXT PRIMARY KEY,
	slot       BIGINT NOT NULL,
	block_time TIMESTAMPTZ NOT NULL,
	payload    JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS swap_inputs (
	wallet_address   TEXT NOT NULL,
	signature        TEXT NOT NULL,
	direction        TEXT NOT NULL,
	mint             TEXT NOT NULL,
	sol_value        DOUBLE PRECISION NOT NULL,
	token_amount     DOUBLE PRECISION NOT NULL,
	fee_lamports     BIGINT NOT NULL,
	interaction_type TEXT NOT NULL,
	block_time       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (wallet_address, signature, direction, mint)
);

CREATE INDEX IF NOT EXISTS swap_inputs_time_idx
	ON swap_inputs (wallet_address, block_time);

CREATE TABLE IF NOT EXISTS analysis_runs (
	id             BIGSERIAL PRIMARY KEY,
	wallet_address TEXT NOT NULL,
	scope          TEXT NOT NULL,
	state          TEXT NOT NULL,
	input_count    INTEGER NOT NULL DEFAULT 0,
	started_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS analysis_runs_wallet_idx
	ON analysis_runs (wallet_address, scope, state, started_at DESC);

CREATE TABLE IF NOT EXISTS token_results (
	wallet_address    TEXT NOT NULL,
	mint              TEXT NOT NULL,
	buy_count         INTEGER NOT NULL,
	sell_count        INTEGER NOT NULL,
	sol_spent         DOUBLE PRECISION NOT NULL,
	sol_received      DOUBLE PRECISION NOT NULL,
	realized_pnl      DOUBLE PRECISION NOT NULL,
	first_trade_at    TIMESTAMPTZ NOT NULL,
	last_trade_at     TIMESTAMPTZ NOT NULL,
	last_analyzed_run BIGINT NOT NULL,
	PRIMARY KEY (wallet_address, mint)
);

CREATE TABLE IF NOT EXISTS pnl_summaries (
	wallet_address   TEXT PRIMARY KEY,
	tokens_traded    INTEGER NOT NULL,
	total_pnl        DOUBLE PRECISION NOT NULL,
	win_rate         DOUBLE PRECISION NOT NULL,
	total_sol_volume DOUBLE PRECISION NOT NULL,
	last_analyzed_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS behavior_profiles (
	wallet_address    TEXT PRIMARY KEY,
	trades_per_day    DOUBLE PRECISION NOT NULL,
	buy_sell_ratio    DOUBLE PRECISION NOT NULL,
	median_hold_hours DOUBLE PRECISION NOT NULL,
	pattern           TEXT NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS token_metadata (
	mint       TEXT PRIMARY KEY,
	symbol     TEXT NOT NULL DEFAULT '',
	name       TEXT NOT NULL DEFAULT '',
	price_usd  DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL
);
`
