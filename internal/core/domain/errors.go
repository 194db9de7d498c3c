package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrOutOfStock         = errors.New("out of stock")
	ErrInvalidState       = errors.New("reservation is not active")
	ErrReservationExpired = errors.New("reservation expired")
	ErrInternal           = errors.New("internal error")

	ErrDropNotFound        = fmt.Errorf("drop %w", ErrNotFound)
	ErrReservationNotFound = fmt.Errorf("reservation %w", ErrNotFound)

	// ErrStockInvariant means a stock change would leave available stock
	// outside [0, total_stock].
	ErrStockInvariant = errors.New("stock invariant violated")

	ErrInvalidID         = errors.New("invalid id")
	ErrDropNameRequired  = errors.New("drop name required")
	ErrInvalidPrice      = errors.New("price must be positive")
	ErrInvalidStock      = errors.New("total stock must be positive")
	ErrStartTimeRequired = errors.New("start time required")
)

var known = []error{
	ErrNotFound,
	ErrOutOfStock,
	ErrInvalidState,
	ErrReservationExpired,
	ErrInternal,
	ErrInvalidID,
	ErrDropNameRequired,
	ErrInvalidPrice,
	ErrInvalidStock,
	ErrStartTimeRequired,
}

// IsKnown reports whether err belongs to the domain error taxonomy.
func IsKnown(err error) bool {
	for _, target := range known {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
