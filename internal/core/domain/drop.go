package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Drop is a time-boxed sale of a fixed-stock item.
type Drop struct {
	ID             string
	Name           string
	Price          decimal.Decimal
	TotalStock     int
	AvailableStock int
	StartTime      time.Time
	CreatedAt      time.Time
}

// TakeUnit returns a copy of the drop with one unit removed from the pool.
func (d Drop) TakeUnit() (Drop, error) {
	if d.AvailableStock <= 0 {
		return d, ErrOutOfStock
	}
	d.AvailableStock--
	return d, nil
}

// ReturnUnit returns a copy of the drop with one unit put back into the pool.
func (d Drop) ReturnUnit() (Drop, error) {
	if d.AvailableStock >= d.TotalStock {
		return d, ErrStockInvariant
	}
	d.AvailableStock++
	return d, nil
}

// StockValid reports whether 0 <= available_stock <= total_stock.
func (d Drop) StockValid() bool {
	return d.AvailableStock >= 0 && d.AvailableStock <= d.TotalStock
}
