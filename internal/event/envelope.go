// Package event defines what the clearing core emits: domain events
// describing each accepted command's effects, and the envelope recorded in
// the command log.
package event

import (
	"PerpClearing/internal/command"
)

// EventType discriminator for emitted events
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeMarketCreated
	EventTypeIndexPriceUpdated
	EventTypeCollateralDeposited
	EventTypeCollateralWithdrawn
	EventTypeRealizedPnlSettled
	EventTypePositionChanged
	EventTypeLiquidityChanged
	EventTypeFundingPaymentSettled
	EventTypeInsuranceFeeCollected
)

var eventTypeNames = map[EventType]string{
	EventTypeMarketCreated:         "MarketCreated",
	EventTypeIndexPriceUpdated:     "IndexPriceUpdated",
	EventTypeCollateralDeposited:   "CollateralDeposited",
	EventTypeCollateralWithdrawn:   "CollateralWithdrawn",
	EventTypeRealizedPnlSettled:    "RealizedPnlSettled",
	EventTypePositionChanged:       "PositionChanged",
	EventTypeLiquidityChanged:      "LiquidityChanged",
	EventTypeFundingPaymentSettled: "FundingPaymentSettled",
	EventTypeInsuranceFeeCollected: "InsuranceFeeCollected",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// Event is the interface all emitted payloads implement
type Event interface {
	// EventType returns the discriminator
	EventType() EventType

	// MarketID returns the market context (nil for account-level events)
	MarketID() *string
}

// EventEnvelope wraps every accepted command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Command type discriminator
	CommandType command.CommandType

	// Market context (nullable for account-level commands)
	MarketID *string

	// Versioned input timestamp, unix seconds (NOT wall-clock)
	Timestamp int64

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded command
	Payload []byte

	// Hash of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}
