package domain

import "time"

type ReservationStatus string

const (
	ReservationStatusActive    ReservationStatus = "active"
	ReservationStatusCompleted ReservationStatus = "completed"
	ReservationStatusExpired   ReservationStatus = "expired"
)

// Terminal reports whether no further transition is allowed from s.
func (s ReservationStatus) Terminal() bool {
	return s == ReservationStatusCompleted || s == ReservationStatusExpired
}

// Reservation is a time-limited hold on one unit of a drop for a user.
type Reservation struct {
	ID        string
	DropID    string
	UserID    string
	Status    ReservationStatus
	ExpiresAt time.Time
	CreatedAt time.Time
}

func NewReservation(id, dropID, userID string, now time.Time, ttl time.Duration) Reservation {
	return Reservation{
		ID:        id,
		DropID:    dropID,
		UserID:    userID,
		Status:    ReservationStatusActive,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
}

// ExpiredAt reports whether the hold lifetime has elapsed at now.
func (r Reservation) ExpiredAt(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Transition moves an active reservation to a terminal status.
func (r Reservation) Transition(to ReservationStatus) (Reservation, error) {
	if r.Status != ReservationStatusActive || !to.Terminal() {
		return r, ErrInvalidState
	}
	r.Status = to
	return r, nil
}
