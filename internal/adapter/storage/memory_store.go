package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/flash-drop/internal/core/domain"
)

// MemoryStore is an in-process atomic store. Row locks are per-key
// exclusive locks held until the unit of work ends; writes made inside a
// unit of work are buffered and applied together on commit.
type MemoryStore struct {
	mu           sync.RWMutex
	drops        map[string]domain.Drop
	dropOrder    []string
	reservations map[string]domain.Reservation
	purchases    []domain.Purchase
	purchasedBy  map[string]string // reservation id -> purchase id

	locks *keyedLock
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		drops:        make(map[string]domain.Drop),
		reservations: make(map[string]domain.Reservation),
		purchasedBy:  make(map[string]string),
		locks:        newKeyedLock(),
	}
}

type memTxKey struct{}

type memTx struct {
	releases     map[string]func()
	drops        map[string]domain.Drop
	newDrops     []string
	reservations map[string]domain.Reservation
	purchases    []domain.Purchase
}

func memTxFromContext(ctx context.Context) *memTx {
	tx, _ := ctx.Value(memTxKey{}).(*memTx)
	return tx
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if memTxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx := &memTx{
		releases:     make(map[string]func()),
		drops:        make(map[string]domain.Drop),
		reservations: make(map[string]domain.Reservation),
	}
	defer tx.releaseAll()

	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		return err
	}
	return s.commit(tx)
}

func (tx *memTx) releaseAll() {
	for _, release := range tx.releases {
		release()
	}
	tx.releases = nil
}

func (s *MemoryStore) lockRow(ctx context.Context, tx *memTx, key string) error {
	if _, held := tx.releases[key]; held {
		return nil
	}
	release, err := s.locks.Lock(ctx, key)
	if err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	tx.releases[key] = release
	return nil
}

// commit validates buffered writes against committed state and applies
// them under the data lock, so readers see all of them or none.
func (s *MemoryStore) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range tx.drops {
		if !d.StockValid() {
			return fmt.Errorf("drop %s: %w", d.ID, domain.ErrStockInvariant)
		}
	}
	seen := make(map[string]bool, len(tx.purchases))
	for _, p := range tx.purchases {
		if _, dup := s.purchasedBy[p.ReservationID]; dup || seen[p.ReservationID] {
			return domain.ErrInvalidState
		}
		seen[p.ReservationID] = true
	}

	for id, d := range tx.drops {
		s.drops[id] = d
	}
	s.dropOrder = append(s.dropOrder, tx.newDrops...)
	for id, r := range tx.reservations {
		s.reservations[id] = r
	}
	for _, p := range tx.purchases {
		s.purchases = append(s.purchases, p)
		s.purchasedBy[p.ReservationID] = p.ID
	}
	return nil
}

func (s *MemoryStore) CreateDrop(ctx context.Context, drop domain.Drop) error {
	if !drop.StockValid() {
		return fmt.Errorf("create drop %s: %w", drop.ID, domain.ErrStockInvariant)
	}
	return s.WithTx(ctx, func(txCtx context.Context) error {
		tx := memTxFromContext(txCtx)
		s.mu.RLock()
		_, exists := s.drops[drop.ID]
		s.mu.RUnlock()
		if _, pending := tx.drops[drop.ID]; exists || pending {
			return fmt.Errorf("create drop %s: duplicate id", drop.ID)
		}
		tx.drops[drop.ID] = drop
		tx.newDrops = append(tx.newDrops, drop.ID)
		return nil
	})
}

func (s *MemoryStore) GetDropForUpdate(ctx context.Context, dropID string) (domain.Drop, error) {
	tx := memTxFromContext(ctx)
	if tx == nil {
		return s.getDrop(dropID)
	}
	if err := s.lockRow(ctx, tx, "drop:"+dropID); err != nil {
		return domain.Drop{}, err
	}
	if d, ok := tx.drops[dropID]; ok {
		return d, nil
	}
	return s.getDrop(dropID)
}

func (s *MemoryStore) getDrop(dropID string) (domain.Drop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.drops[dropID]
	if !ok {
		return domain.Drop{}, domain.ErrDropNotFound
	}
	return d, nil
}

// GetDrop reads the committed drop without locking.
func (s *MemoryStore) GetDrop(ctx context.Context, dropID string) (domain.Drop, error) {
	return s.getDrop(dropID)
}

func (s *MemoryStore) UpdateDropStock(ctx context.Context, drop domain.Drop) error {
	return s.WithTx(ctx, func(txCtx context.Context) error {
		tx := memTxFromContext(txCtx)
		if err := s.lockRow(txCtx, tx, "drop:"+drop.ID); err != nil {
			return err
		}
		current, ok := tx.drops[drop.ID]
		if !ok {
			var err error
			if current, err = s.getDrop(drop.ID); err != nil {
				return err
			}
		}
		current.AvailableStock = drop.AvailableStock
		tx.drops[drop.ID] = current
		return nil
	})
}

func (s *MemoryStore) ListDrops(ctx context.Context) ([]domain.Drop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Drop, 0, len(s.dropOrder))
	for _, id := range s.dropOrder {
		out = append(out, s.drops[id])
	}
	return out, nil
}

func (s *MemoryStore) CreateReservation(ctx context.Context, reservation domain.Reservation) error {
	return s.WithTx(ctx, func(txCtx context.Context) error {
		tx := memTxFromContext(txCtx)
		s.mu.RLock()
		_, exists := s.reservations[reservation.ID]
		s.mu.RUnlock()
		if _, pending := tx.reservations[reservation.ID]; exists || pending {
			return fmt.Errorf("create reservation %s: duplicate id", reservation.ID)
		}
		tx.reservations[reservation.ID] = reservation
		return nil
	})
}

func (s *MemoryStore) GetReservationForUpdate(ctx context.Context, reservationID string) (domain.Reservation, error) {
	tx := memTxFromContext(ctx)
	if tx == nil {
		return s.getReservation(reservationID)
	}
	if err := s.lockRow(ctx, tx, "reservation:"+reservationID); err != nil {
		return domain.Reservation{}, err
	}
	if r, ok := tx.reservations[reservationID]; ok {
		return r, nil
	}
	return s.getReservation(reservationID)
}

func (s *MemoryStore) getReservation(reservationID string) (domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reservations[reservationID]
	if !ok {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	return r, nil
}

// GetReservation reads the committed reservation without locking.
func (s *MemoryStore) GetReservation(ctx context.Context, reservationID string) (domain.Reservation, error) {
	return s.getReservation(reservationID)
}

func (s *MemoryStore) UpdateReservationStatus(ctx context.Context, reservationID string, status domain.ReservationStatus) error {
	return s.WithTx(ctx, func(txCtx context.Context) error {
		tx := memTxFromContext(txCtx)
		if err := s.lockRow(txCtx, tx, "reservation:"+reservationID); err != nil {
			return err
		}
		current, ok := tx.reservations[reservationID]
		if !ok {
			var err error
			if current, err = s.getReservation(reservationID); err != nil {
				return err
			}
		}
		current.Status = status
		tx.reservations[reservationID] = current
		return nil
	})
}

func (s *MemoryStore) FindExpiredActive(ctx context.Context, now time.Time) ([]domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Reservation
	for _, r := range s.reservations {
		if r.Status == domain.ReservationStatusActive && r.ExpiresAt.Before(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (s *MemoryStore) CreatePurchase(ctx context.Context, purchase domain.Purchase) error {
	return s.WithTx(ctx, func(txCtx context.Context) error {
		tx := memTxFromContext(txCtx)
		tx.purchases = append(tx.purchases, purchase)
		return nil
	})
}

func (s *MemoryStore) ListRecentPurchases(ctx context.Context, dropID string, limit int) ([]domain.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Purchase
	for i := len(s.purchases) - 1; i >= 0; i-- {
		if s.purchases[i].DropID == dropID {
			out = append(out, s.purchases[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountPurchases returns the number of purchases recorded for a reservation.
func (s *MemoryStore) CountPurchases(reservationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.purchases {
		if p.ReservationID == reservationID {
			n++
		}
	}
	return n
}
