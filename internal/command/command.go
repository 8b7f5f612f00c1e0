// Package command defines the typed inputs accepted by the clearing core.
// Every command carries its own timestamp: the core never reads the clock.
package command

import (
	"encoding/json"
	"fmt"
)

// CommandType discriminator for command payloads
type CommandType int32

const (
	CommandTypeUnknown CommandType = iota
	CommandTypeCreateMarket
	CommandTypeUpdateIndexPrice
	CommandTypeDeposit
	CommandTypeWithdraw
	CommandTypeAddLiquidity
	CommandTypeRemoveLiquidity
	CommandTypeOpenPosition
	CommandTypeClosePosition
)

// Command is the interface all command payloads implement
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// CommandType returns the discriminator
	CommandType() CommandType

	// MarketID returns the market context (nil for account-level commands)
	MarketID() *string

	// SourceSequence returns the upstream ordering key
	SourceSequence() int64

	// Timestamp returns the versioned input time, unix seconds
	Timestamp() int64
}

var commandTypeNames = map[CommandType]string{
	CommandTypeCreateMarket:     "CreateMarket",
	CommandTypeUpdateIndexPrice: "UpdateIndexPrice",
	CommandTypeDeposit:          "Deposit",
	CommandTypeWithdraw:         "Withdraw",
	CommandTypeAddLiquidity:     "AddLiquidity",
	CommandTypeRemoveLiquidity:  "RemoveLiquidity",
	CommandTypeOpenPosition:     "OpenPosition",
	CommandTypeClosePosition:    "ClosePosition",
}

func (ct CommandType) String() string {
	if name, ok := commandTypeNames[ct]; ok {
		return name
	}
	return "Unknown"
}

// ParseCommandType is the inverse of String.
func ParseCommandType(s string) (CommandType, bool) {
	for ct, name := range commandTypeNames {
		if name == s {
			return ct, true
		}
	}
	return CommandTypeUnknown, false
}

// New returns an empty command of the given type, ready to be decoded into.
func New(ct CommandType) (Command, error) {
	switch ct {
	case CommandTypeCreateMarket:
		return &CreateMarket{}, nil
	case CommandTypeUpdateIndexPrice:
		return &UpdateIndexPrice{}, nil
	case CommandTypeDeposit:
		return &Deposit{}, nil
	case CommandTypeWithdraw:
		return &Withdraw{}, nil
	case CommandTypeAddLiquidity:
		return &AddLiquidity{}, nil
	case CommandTypeRemoveLiquidity:
		return &RemoveLiquidity{}, nil
	case CommandTypeOpenPosition:
		return &OpenPosition{}, nil
	case CommandTypeClosePosition:
		return &ClosePosition{}, nil
	default:
		return nil, fmt.Errorf("unknown command type: %d", ct)
	}
}

// Encode returns the canonical JSON form recorded in the command log.
func Encode(cmd Command) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.CommandType(), err)
	}
	return data, nil
}

// Decode is the inverse of Encode.
func Decode(ct CommandType, data []byte) (Command, error) {
	cmd, err := New(ct)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cmd); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ct, err)
	}
	return cmd, nil
}
