package subscriber

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"airdrop/internal/dex"
	"airdrop/internal/model"
)

// buildEvent decodes log and resolves the position owner. ok is false for logs that cannot
// be a qualifying event.
func (s *Stream) buildEvent(ctx context.Context, log types.Log) (model.QualifyingEvent, bool, error) {
	decoded, err := s.decoder.Decode(log)
	if err != nil {
		s.logger.Warn("skip undecodable log",
			zap.Uint64("block_number", log.BlockNumber),
			zap.String("tx_hash", log.TxHash.Hex()),
			zap.Uint("log_index", log.Index),
			zap.Error(err),
		)
		return model.QualifyingEvent{}, false, nil
	}

	recipient, err := s.resolveOwner(ctx, log.BlockNumber, decoded.TokenID)
	if err != nil {
		return model.QualifyingEvent{}, false, err
	}

	return model.QualifyingEvent{
		ID:        model.EventIDFromLog(log),
		BlockHash: log.BlockHash,
		Contract:  log.Address,
		TokenID:   decoded.TokenID,
		Liquidity: decoded.Liquidity,
		Amount0:   decoded.Amount0,
		Amount1:   decoded.Amount1,
		Recipient: recipient,
	}, true, nil
}

// resolveOwner asks for the owner at the event block, then at latest state for nodes that
// do not serve historical state. A position that no longer exists resolves to the zero address.
func (s *Stream) resolveOwner(ctx context.Context, block uint64, tokenID *big.Int) (common.Address, error) {
	owner, err := dex.OwnerOf(ctx, s.chain, s.cfg.Contract, tokenID, new(big.Int).SetUint64(block))
	if err == nil {
		return owner, nil
	}
	s.logger.Debug("owner lookup at event block failed", zap.Uint64("block_number", block), zap.String("token_id", tokenID.String()), zap.Error(err))

	err = withRetry(ctx, s.cfg.MaxRetries, s.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		owner, err = dex.OwnerOf(ctx, s.chain, s.cfg.Contract, tokenID, nil)
		if errors.Is(err, dex.ErrReverted) {
			return nil
		}
		return err
	})
	if err != nil {
		return common.Address{}, fmt.Errorf("owner of token %s: %w", tokenID, err)
	}
	if owner == (common.Address{}) {
		s.logger.Warn("position has no owner", zap.String("token_id", tokenID.String()))
	}
	return owner, nil
}
