// Package errs defines the failure kinds surfaced by clearing operations.
// Every error returned from the domain packages wraps exactly one of these
// sentinels so callers can classify with errors.Is.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput           = errors.New("invalid input")
	ErrSlippageExceeded       = errors.New("slippage exceeded")
	ErrInsufficientLiquidity  = errors.New("insufficient liquidity")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrMarketLimitExceeded    = errors.New("market limit exceeded")
	ErrDeadlineExpired        = errors.New("deadline expired")
	ErrNumericOverflow        = errors.New("numeric overflow")

	// ErrPriceLimitReached is a SlippageExceeded raised when a swap could not
	// fill any amount before hitting its sqrt price limit.
	ErrPriceLimitReached = fmt.Errorf("price limit reached: %w", ErrSlippageExceeded)
)

// Kind returns a stable label for err, used for metrics and transport mapping.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrPriceLimitReached):
		return "price_limit_reached"
	case errors.Is(err, ErrSlippageExceeded):
		return "slippage_exceeded"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrInsufficientLiquidity):
		return "insufficient_liquidity"
	case errors.Is(err, ErrInsufficientCollateral):
		return "insufficient_collateral"
	case errors.Is(err, ErrMarketLimitExceeded):
		return "market_limit_exceeded"
	case errors.Is(err, ErrDeadlineExpired):
		return "deadline_expired"
	case errors.Is(err, ErrNumericOverflow):
		return "numeric_overflow"
	default:
		return "internal"
	}
}

// IsTransient reports whether retrying the same request against a later
// state may succeed (price moved, liquidity arrived).
func IsTransient(err error) bool {
	return errors.Is(err, ErrSlippageExceeded) || errors.Is(err, ErrInsufficientLiquidity)
}

// Invalid wraps ErrInvalidInput with a formatted reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Overflow wraps ErrNumericOverflow with a formatted reason.
func Overflow(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNumericOverflow, fmt.Sprintf(format, args...))
}
