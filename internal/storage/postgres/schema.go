package postgres

var schema = []string{
	`CREATE TABLE IF NOT EXISTS distributions (
		block_number BIGINT NOT NULL,
		tx_hash VARCHAR(66) NOT NULL,
		log_index INTEGER NOT NULL,
		recipient VARCHAR(42) NOT NULL,
		amount NUMERIC(78,0) NOT NULL,
		status VARCHAR(16) NOT NULL,
		latest_tx_hash VARCHAR(66),
		tx_hashes TEXT[] NOT NULL DEFAULT '{}',
		nonce BIGINT,
		gas_tip_cap NUMERIC(78,0),
		gas_fee_cap NUMERIC(78,0),
		attempts INTEGER NOT NULL DEFAULT 0,
		confirmed_block BIGINT,
		failure_reason VARCHAR(32) NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (block_number, tx_hash, log_index),
		CONSTRAINT distributions_status_check CHECK (status IN ('pending', 'submitted', 'confirmed', 'failed'))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_distributions_open ON distributions (status) WHERE status IN ('pending', 'submitted')`,
	`CREATE INDEX IF NOT EXISTS idx_distributions_recipient ON distributions (recipient)`,
}
