package dex

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ErrReverted marks an eth_call the contract rejected, as opposed to a transport failure.
var ErrReverted = errors.New("call reverted")

// Caller is the read-only slice of the chain client used for contract calls.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// OwnerOf returns the owner of a position NFT at block; nil block means latest.
func OwnerOf(ctx context.Context, caller Caller, manager common.Address, tokenID *big.Int, block *big.Int) (common.Address, error) {
	parsed, err := PositionManagerABI()
	if err != nil {
		return common.Address{}, fmt.Errorf("parse position manager abi: %w", err)
	}
	values, err := callMethod(ctx, caller, manager, parsed, "ownerOf", block, tokenID)
	if err != nil {
		return common.Address{}, err
	}
	return asAddress(values[0])
}

// BalanceOf returns the ERC20 balance of account.
func BalanceOf(ctx context.Context, caller Caller, token common.Address, account common.Address) (*big.Int, error) {
	parsed, err := ERC20ABI()
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	values, err := callMethod(ctx, caller, token, parsed, "balanceOf", nil, account)
	if err != nil {
		return nil, err
	}
	return asBigInt(values[0])
}

// Decimals returns the ERC20 decimals of token.
func Decimals(ctx context.Context, caller Caller, token common.Address) (uint8, error) {
	parsed, err := ERC20ABI()
	if err != nil {
		return 0, fmt.Errorf("parse erc20 abi: %w", err)
	}
	values, err := callMethod(ctx, caller, token, parsed, "decimals", nil)
	if err != nil {
		return 0, err
	}
	return asUint8(values[0])
}

// PackTransfer encodes transfer(recipient, amount) calldata.
func PackTransfer(recipient common.Address, amount *big.Int) ([]byte, error) {
	parsed, err := ERC20ABI()
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	data, err := parsed.Pack("transfer", recipient, amount)
	if err != nil {
		return nil, fmt.Errorf("pack transfer: %w", err)
	}
	return data, nil
}

// IsRevert reports whether a node error is an execution revert.
func IsRevert(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrReverted) {
		return true
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "execution reverted") ||
		strings.Contains(lower, "revert") ||
		strings.Contains(lower, "invalid token id") ||
		strings.Contains(lower, "nonexistent token")
}

func callMethod(ctx context.Context, caller Caller, contract common.Address, parsed abi.ABI, method string, block *big.Int, args ...interface{}) ([]interface{}, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &contract, Data: data}
	resp, err := caller.CallContract(ctx, msg, block)
	if err != nil {
		if IsRevert(err) {
			return nil, fmt.Errorf("call %s: %w: %v", method, ErrReverted, err)
		}
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	if len(resp) == 0 {
		// calls to an account without code return empty data
		return nil, fmt.Errorf("call %s: %w: empty result", method, ErrReverted)
	}
	values, err := parsed.Unpack(method, resp)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

func asAddress(value interface{}) (common.Address, error) {
	switch v := value.(type) {
	case common.Address:
		return v, nil
	case *common.Address:
		return *v, nil
	default:
		return common.Address{}, fmt.Errorf("unsupported address type %T", value)
	}
}

func asBigInt(value interface{}) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		return new(big.Int).Set(v), nil
	case big.Int:
		return new(big.Int).Set(&v), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	default:
		return nil, fmt.Errorf("unsupported int type %T", value)
	}
}

func asUint8(value interface{}) (uint8, error) {
	switch v := value.(type) {
	case uint8:
		return v, nil
	case *big.Int:
		if !v.IsUint64() || v.Uint64() > 255 {
			return 0, fmt.Errorf("uint8 overflow: %s", v)
		}
		return uint8(v.Uint64()), nil
	default:
		return 0, fmt.Errorf("unsupported uint8 type %T", value)
	}
}
