package ledger

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"airdrop/internal/model"
)

// fileRecord is the on-disk JSON layout; big numbers are decimal strings.
type fileRecord struct {
	ID             model.EventID `json:"id"`
	Recipient      string        `json:"recipient"`
	Amount         string        `json:"amount"`
	Status         model.Status  `json:"status"`
	TxHash         string        `json:"tx_hash,omitempty"`
	TxHashes       []string      `json:"tx_hashes,omitempty"`
	Nonce          *uint64       `json:"nonce,omitempty"`
	GasTipCap      string        `json:"gas_tip_cap,omitempty"`
	GasFeeCap      string        `json:"gas_fee_cap,omitempty"`
	Attempts       int           `json:"attempts"`
	ConfirmedBlock *uint64       `json:"confirmed_block,omitempty"`
	FailureReason  string        `json:"failure_reason,omitempty"`
	CreatedAt      string        `json:"created_at"`
	UpdatedAt      string        `json:"updated_at"`
}

func toFileRecord(rec *model.DistributionRecord) fileRecord {
	fr := fileRecord{
		ID:             rec.ID,
		Recipient:      rec.Recipient.Hex(),
		Amount:         bigString(rec.Amount),
		Status:         rec.Status,
		Nonce:          rec.Nonce,
		GasTipCap:      bigString(rec.GasTipCap),
		GasFeeCap:      bigString(rec.GasFeeCap),
		Attempts:       rec.Attempts,
		ConfirmedBlock: rec.ConfirmedBlock,
		FailureReason:  rec.FailureReason,
		CreatedAt:      rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:      rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if rec.TxHash != nil {
		fr.TxHash = rec.TxHash.Hex()
	}
	for _, hash := range rec.TxHashes {
		fr.TxHashes = append(fr.TxHashes, hash.Hex())
	}
	return fr
}

func (fr fileRecord) toModel() (*model.DistributionRecord, error) {
	if !fr.Status.Valid() {
		return nil, fmt.Errorf("unknown status %q", fr.Status)
	}
	if !common.IsHexAddress(fr.Recipient) {
		return nil, fmt.Errorf("invalid recipient %q", fr.Recipient)
	}
	amount, err := parseBig(fr.Amount)
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	if amount == nil {
		amount = new(big.Int)
	}
	tip, err := parseBig(fr.GasTipCap)
	if err != nil {
		return nil, fmt.Errorf("gas tip cap: %w", err)
	}
	feeCap, err := parseBig(fr.GasFeeCap)
	if err != nil {
		return nil, fmt.Errorf("gas fee cap: %w", err)
	}
	created, err := time.Parse(time.RFC3339Nano, fr.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	updated, err := time.Parse(time.RFC3339Nano, fr.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("updated_at: %w", err)
	}

	rec := &model.DistributionRecord{
		ID:             fr.ID,
		Recipient:      common.HexToAddress(fr.Recipient),
		Amount:         amount,
		Status:         fr.Status,
		Nonce:          fr.Nonce,
		GasTipCap:      tip,
		GasFeeCap:      feeCap,
		Attempts:       fr.Attempts,
		ConfirmedBlock: fr.ConfirmedBlock,
		FailureReason:  fr.FailureReason,
		CreatedAt:      created,
		UpdatedAt:      updated,
	}
	if fr.TxHash != "" {
		hash := common.HexToHash(fr.TxHash)
		rec.TxHash = &hash
	}
	for _, h := range fr.TxHashes {
		rec.TxHashes = append(rec.TxHashes, common.HexToHash(h))
	}
	return rec, nil
}

func bigString(value *big.Int) string {
	if value == nil {
		return ""
	}
	return value.String()
}

func parseBig(value string) (*big.Int, error) {
	if value == "" {
		return nil, nil
	}
	parsed, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid int: %s", value)
	}
	return parsed, nil
}
