package model

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EventID identifies one log on chain. The triple is globally unique and immutable.
type EventID struct {
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
}

// EventIDFromLog builds the identity of a raw chain log.
func EventIDFromLog(log types.Log) EventID {
	return EventID{
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
		LogIndex:    log.Index,
	}
}

// String returns the canonical "<block>:<tx>:<index>" form used as the ledger key.
func (id EventID) String() string {
	return fmt.Sprintf("%d:%s:%d", id.BlockNumber, id.TxHash.Hex(), id.LogIndex)
}

// ParseEventID parses the canonical form produced by String.
func ParseEventID(input string) (EventID, error) {
	parts := strings.Split(strings.TrimSpace(input), ":")
	if len(parts) != 3 {
		return EventID{}, fmt.Errorf("invalid event id: %q", input)
	}
	block, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return EventID{}, fmt.Errorf("invalid event id block: %w", err)
	}
	if len(parts[1]) != 66 || !strings.HasPrefix(parts[1], "0x") {
		return EventID{}, fmt.Errorf("invalid event id tx hash: %q", parts[1])
	}
	index, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return EventID{}, fmt.Errorf("invalid event id log index: %w", err)
	}
	return EventID{
		BlockNumber: block,
		TxHash:      common.HexToHash(parts[1]),
		LogIndex:    uint(index),
	}, nil
}

// Less orders identities by chain position.
func (id EventID) Less(other EventID) bool {
	if id.BlockNumber != other.BlockNumber {
		return id.BlockNumber < other.BlockNumber
	}
	if id.LogIndex != other.LogIndex {
		return id.LogIndex < other.LogIndex
	}
	return id.TxHash.Cmp(other.TxHash) < 0
}

func (id EventID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *EventID) UnmarshalText(data []byte) error {
	parsed, err := ParseEventID(string(data))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
