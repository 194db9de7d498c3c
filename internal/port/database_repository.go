package port

import (
	"context"
	"time"

	"github.com/rl1809/flash-drop/internal/core/domain"
)

// Transactor runs fn as one atomic unit of work. Repository calls made with
// the context passed to fn join the unit; a nested WithTx joins the outer one.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type DropRepository interface {
	// CreateDrop persists a new drop
	CreateDrop(ctx context.Context, drop domain.Drop) error

	// GetDropForUpdate reads a drop and holds its row lock until the unit of work ends
	GetDropForUpdate(ctx context.Context, dropID string) (domain.Drop, error)

	// UpdateDropStock writes drop.AvailableStock
	UpdateDropStock(ctx context.Context, drop domain.Drop) error

	// ListDrops returns all drops ordered by creation time
	ListDrops(ctx context.Context) ([]domain.Drop, error)
}

type ReservationRepository interface {
	// CreateReservation persists a new reservation
	CreateReservation(ctx context.Context, reservation domain.Reservation) error

	// GetReservationForUpdate reads a reservation and holds its row lock until the unit of work ends
	GetReservationForUpdate(ctx context.Context, reservationID string) (domain.Reservation, error)

	// UpdateReservationStatus writes the reservation status
	UpdateReservationStatus(ctx context.Context, reservationID string, status domain.ReservationStatus) error

	// FindExpiredActive returns active reservations with expires_at < now, without locking
	FindExpiredActive(ctx context.Context, now time.Time) ([]domain.Reservation, error)
}

type PurchaseRepository interface {
	// CreatePurchase persists a purchase; a second purchase for the same
	// reservation fails with domain.ErrInvalidState
	CreatePurchase(ctx context.Context, purchase domain.Purchase) error

	// ListRecentPurchases returns up to limit purchases of a drop, newest first
	ListRecentPurchases(ctx context.Context, dropID string, limit int) ([]domain.Purchase, error)
}

// Repository is the full atomic store the engine works against.
type Repository interface {
	Transactor
	DropRepository
	ReservationRepository
	PurchaseRepository
}
