package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"airdrop/internal/ledger"
	"airdrop/internal/model"
)

const recordColumns = `
	block_number, tx_hash, log_index, recipient, amount::text, status,
	latest_tx_hash, tx_hashes, nonce, gas_tip_cap::text, gas_fee_cap::text,
	attempts, confirmed_block, failure_reason, created_at, updated_at`

// Ledger is the Postgres-backed dedup ledger. The primary key on the event identity is the
// create-if-absent arbiter; transitions take a row lock.
type Ledger struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ ledger.Ledger = (*Ledger)(nil)

func NewLedger(ctx context.Context, dsn string) (*Ledger, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return NewLedgerFromPool(pool), nil
}

// NewLedgerFromPool wraps an existing pool. Close releases it.
func NewLedgerFromPool(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

func (l *Ledger) Close() {
	if l.pool != nil {
		l.pool.Close()
	}
}

// Migrate creates the ledger schema if it does not exist.
func (l *Ledger) Migrate(ctx context.Context) error {
	for _, query := range schema {
		if _, err := l.pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query %s: %w", query, err)
		}
	}
	return nil
}

func (l *Ledger) Lookup(ctx context.Context, id model.EventID) (*model.DistributionRecord, error) {
	row := l.pool.QueryRow(ctx, `SELECT `+recordColumns+`
		FROM distributions WHERE block_number=$1 AND tx_hash=$2 AND log_index=$3`,
		int64(id.BlockNumber), id.TxHash.Hex(), int32(id.LogIndex))
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ledger.ErrNotFound, id)
		}
		return nil, err
	}
	return rec, nil
}

func (l *Ledger) Reserve(ctx context.Context, id model.EventID, recipient common.Address, amount *big.Int) (*model.DistributionRecord, error) {
	rec := ledger.NewRecord(id, recipient, amount, l.now())
	row := l.pool.QueryRow(ctx, `
		INSERT INTO distributions (
			block_number, tx_hash, log_index, recipient, amount, status, attempts, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5::numeric, $6, 0, $7, $7)
		ON CONFLICT (block_number, tx_hash, log_index) DO NOTHING
		RETURNING `+recordColumns,
		int64(id.BlockNumber),
		id.TxHash.Hex(),
		int32(id.LogIndex),
		recipient.Hex(),
		rec.Amount.String(),
		string(rec.Status),
		rec.CreatedAt,
	)
	stored, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ledger.ErrAlreadyExists, id)
		}
		return nil, fmt.Errorf("reserve %s: %w", id, err)
	}
	return stored, nil
}

func (l *Ledger) MarkSubmitted(ctx context.Context, id model.EventID, sub model.Submission) (*model.DistributionRecord, error) {
	return l.transition(ctx, id, func(rec *model.DistributionRecord, now time.Time) error {
		return ledger.ApplySubmitted(rec, sub, now)
	})
}

func (l *Ledger) MarkConfirmed(ctx context.Context, id model.EventID, block uint64) (*model.DistributionRecord, error) {
	return l.transition(ctx, id, func(rec *model.DistributionRecord, now time.Time) error {
		return ledger.ApplyConfirmed(rec, block, now)
	})
}

func (l *Ledger) MarkFailed(ctx context.Context, id model.EventID, reason string) (*model.DistributionRecord, error) {
	return l.transition(ctx, id, func(rec *model.DistributionRecord, now time.Time) error {
		return ledger.ApplyFailed(rec, reason, now)
	})
}

func (l *Ledger) ListOpen(ctx context.Context) ([]*model.DistributionRecord, error) {
	return l.query(ctx, `SELECT `+recordColumns+` FROM distributions
		WHERE status IN ('pending', 'submitted')
		ORDER BY block_number, log_index, tx_hash`)
}

func (l *Ledger) FindByRecipient(ctx context.Context, recipient common.Address) ([]*model.DistributionRecord, error) {
	return l.query(ctx, `SELECT `+recordColumns+` FROM distributions
		WHERE recipient=$1
		ORDER BY block_number, log_index, tx_hash`, recipient.Hex())
}

// transition loads the row under FOR UPDATE, applies the shared state machine and writes back.
func (l *Ledger) transition(ctx context.Context, id model.EventID, apply func(*model.DistributionRecord, time.Time) error) (*model.DistributionRecord, error) {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+recordColumns+`
		FROM distributions WHERE block_number=$1 AND tx_hash=$2 AND log_index=$3
		FOR UPDATE`,
		int64(id.BlockNumber), id.TxHash.Hex(), int32(id.LogIndex))
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ledger.ErrNotFound, id)
		}
		return nil, err
	}
	if err := apply(rec, l.now()); err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}

	var latest *string
	if rec.TxHash != nil {
		hash := rec.TxHash.Hex()
		latest = &hash
	}
	hashes := make([]string, 0, len(rec.TxHashes))
	for _, hash := range rec.TxHashes {
		hashes = append(hashes, hash.Hex())
	}
	_, err = tx.Exec(ctx, `
		UPDATE distributions SET
			status = $4,
			latest_tx_hash = $5,
			tx_hashes = $6,
			nonce = $7,
			gas_tip_cap = $8::numeric,
			gas_fee_cap = $9::numeric,
			attempts = $10,
			confirmed_block = $11,
			failure_reason = $12,
			updated_at = $13
		WHERE block_number=$1 AND tx_hash=$2 AND log_index=$3
	`,
		int64(id.BlockNumber),
		id.TxHash.Hex(),
		int32(id.LogIndex),
		string(rec.Status),
		latest,
		hashes,
		optionalInt64(rec.Nonce),
		optionalBig(rec.GasTipCap),
		optionalBig(rec.GasFeeCap),
		rec.Attempts,
		optionalInt64(rec.ConfirmedBlock),
		rec.FailureReason,
		rec.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return rec, nil
}

func (l *Ledger) query(ctx context.Context, sql string, args ...any) ([]*model.DistributionRecord, error) {
	rows, err := l.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*model.DistributionRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (*model.DistributionRecord, error) {
	var (
		block          int64
		txHash         string
		logIndex       int32
		recipient      string
		amount         string
		status         string
		latest         *string
		hashes         []string
		nonce          *int64
		tipCap         *string
		feeCap         *string
		attempts       int
		confirmedBlock *int64
		failureReason  string
		createdAt      time.Time
		updatedAt      time.Time
	)
	if err := row.Scan(
		&block, &txHash, &logIndex, &recipient, &amount, &status,
		&latest, &hashes, &nonce, &tipCap, &feeCap,
		&attempts, &confirmedBlock, &failureReason, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	parsedAmount, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", amount)
	}
	rec := &model.DistributionRecord{
		ID: model.EventID{
			BlockNumber: uint64(block),
			TxHash:      common.HexToHash(txHash),
			LogIndex:    uint(logIndex),
		},
		Recipient:     common.HexToAddress(recipient),
		Amount:        parsedAmount,
		Status:        model.Status(status),
		Attempts:      attempts,
		FailureReason: failureReason,
		CreatedAt:     createdAt.UTC(),
		UpdatedAt:     updatedAt.UTC(),
	}
	if !rec.Status.Valid() {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	if latest != nil {
		hash := common.HexToHash(*latest)
		rec.TxHash = &hash
	}
	for _, h := range hashes {
		rec.TxHashes = append(rec.TxHashes, common.HexToHash(h))
	}
	if nonce != nil {
		value := uint64(*nonce)
		rec.Nonce = &value
	}
	if confirmedBlock != nil {
		value := uint64(*confirmedBlock)
		rec.ConfirmedBlock = &value
	}
	var err error
	if rec.GasTipCap, err = parseOptionalBig(tipCap); err != nil {
		return nil, err
	}
	if rec.GasFeeCap, err = parseOptionalBig(feeCap); err != nil {
		return nil, err
	}
	return rec, nil
}

func optionalInt64(value *uint64) *int64 {
	if value == nil {
		return nil
	}
	v := int64(*value)
	return &v
}

func optionalBig(value *big.Int) *string {
	if value == nil {
		return nil
	}
	s := value.String()
	return &s
}

func parseOptionalBig(value *string) (*big.Int, error) {
	if value == nil {
		return nil, nil
	}
	parsed, ok := new(big.Int).SetString(*value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric %q", *value)
	}
	return parsed, nil
}
