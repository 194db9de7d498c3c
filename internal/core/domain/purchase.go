package domain

import "time"

// Purchase is the permanent record of a completed reservation.
type Purchase struct {
	ID            string
	DropID        string
	UserID        string
	ReservationID string
	CreatedAt     time.Time
}
